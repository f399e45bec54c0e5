package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a keystore passphrase once, from an environment variable
// when it is set and from the terminal otherwise.
type Source struct {
	envVar  string
	label   string
	confirm bool

	lookupEnv func(string) (string, bool)
	prompt    func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

type Option func(*Source)

// WithConfirmation makes interactive prompts ask twice. Used when a new
// keystore is being created.
func WithConfirmation() Option {
	return func(s *Source) { s.confirm = true }
}

// NewSource builds a Source that reads envVar. label names the key in
// prompts and errors.
func NewSource(envVar, label string, opts ...Option) *Source {
	label = strings.TrimSpace(label)
	if label == "" {
		label = "keystore"
	}
	s := &Source{
		envVar:    strings.TrimSpace(envVar),
		label:     label,
		lookupEnv: os.LookupEnv,
		prompt:    promptTerminal,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the passphrase, resolving it on first use. Environment values
// are used verbatim.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := s.lookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}
	first, err := s.prompt("Enter " + s.label + " passphrase: ")
	if err != nil {
		if s.envVar != "" {
			return "", fmt.Errorf("%s passphrase required; set %s or run interactively: %w", s.label, s.envVar, err)
		}
		return "", err
	}
	if strings.TrimSpace(first) == "" {
		return "", errors.New(s.label + " passphrase cannot be empty")
	}
	if s.confirm {
		second, err := s.prompt("Repeat " + s.label + " passphrase: ")
		if err != nil {
			return "", err
		}
		if second != first {
			return "", errors.New(s.label + " passphrases do not match")
		}
	}
	return first, nil
}

var errNoTerminal = errors.New("no terminal available")

func promptTerminal(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprint(os.Stderr, label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}
