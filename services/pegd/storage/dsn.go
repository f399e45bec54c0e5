package storage

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// MemoryPath selects a process-local database instead of a file.
const MemoryPath = ":memory:"

var filePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
}

// FileDSN turns the configured database path into a glebarez/sqlite DSN. The
// journal runs in WAL mode so readers are not blocked by order commits.
func FileDSN(path string) (string, error) {
	path = strings.TrimSpace(path)
	switch path {
	case "":
		return "", ErrPathRequired
	case MemoryPath:
		return MemoryDSN("pegd"), nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve database path %q: %w", path, err)
	}
	q := url.Values{"mode": {"rwc"}}
	q["_pragma"] = filePragmas
	return "file:" + abs + "?" + q.Encode(), nil
}

// MemoryDSN names a shared-cache in-memory database. Connections opened with
// the same name see the same tables until the last one closes.
func MemoryDSN(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" {
		name = "pegd"
	}
	return "file:" + name + "?mode=memory&cache=shared"
}
