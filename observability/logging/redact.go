package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credential material in log output.
const RedactedValue = "[REDACTED]"

// Keys that never carry secrets. Anything else passed through MaskField is
// treated as sensitive.
var publicKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"currency":  {},
	"operation": {},
	"order_id":  {},
	"investor":  {},
	"signer":    {},
}

func IsAllowlisted(key string) bool {
	_, ok := publicKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField builds a string attribute, hiding the value unless key is known
// to be public. Empty values are kept so operators can tell "absent" from
// "present but hidden".
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) != "" && !IsAllowlisted(key) {
		value = RedactedValue
	}
	return slog.String(key, value)
}
