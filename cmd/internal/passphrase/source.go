package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// DefaultEnv holds the operator keystore passphrase.
const DefaultEnv = "STABLEFI_OPERATOR_PASS"

// Source lazily resolves a keystore passphrase from an environment variable or
// by prompting the operator. The value is cached after the first retrieval.
type Source struct {
	envVar     string
	allowEmpty bool

	once  sync.Once
	value string
	err   error
}

// Option customises a Source.
type Option func(*Source)

// AllowEmpty accepts an empty passphrase when the variable is unset and no
// terminal is attached. Keystores generated by the default config use one.
func AllowEmpty() Option {
	return func(s *Source) { s.allowEmpty = true }
}

// NewSource constructs a source that checks envVar before prompting.
func NewSource(envVar string, opts ...Option) *Source {
	s := &Source{envVar: strings.TrimSpace(envVar)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the cached passphrase or resolves it on first use. A set but
// whitespace-only variable is rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.allowEmpty {
				return
			}
			if s.envVar != "" {
				s.err = fmt.Errorf("operator keystore passphrase required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("operator keystore passphrase required and no terminal available")
			}
			return
		}

		fmt.Fprint(os.Stderr, "Enter operator keystore passphrase: ")
		bytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read passphrase: %w", err)
			return
		}
		passphrase := string(bytes)
		if strings.TrimSpace(passphrase) == "" && !s.allowEmpty {
			s.err = errors.New("operator keystore passphrase cannot be empty")
			return
		}
		s.value = passphrase
	})
	return s.value, s.err
}
