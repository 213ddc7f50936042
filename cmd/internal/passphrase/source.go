package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a keystore passphrase from an environment variable
// or by prompting the operator. The value is cached after the first
// successful retrieval so repeated calls reuse the same secret.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a passphrase source that checks envVar before
// interactively prompting on the terminal.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get returns the cached passphrase or resolves it if this is the first
// call. When the environment variable is set the exact value is used;
// otherwise the operator is prompted on stderr. Whitespace-only passphrases
// are rejected to avoid unprotected keystores.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve(false)
	})
	return s.value, s.err
}

// GetNew resolves a passphrase for a keystore being created. Interactive
// resolution prompts twice and rejects mismatched entries; the environment
// variable path behaves exactly like Get.
func (s *Source) GetNew() (string, error) {
	s.once.Do(func() {
		s.value, s.err = s.resolve(true)
	})
	return s.value, s.err
}

func (s *Source) resolve(confirm bool) (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if s.envVar != "" {
			return "", fmt.Errorf("keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("keystore passphrase required and no terminal available")
	}

	passphrase, err := prompt("Enter keystore passphrase: ")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(passphrase) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	if confirm {
		again, err := prompt("Confirm keystore passphrase: ")
		if err != nil {
			return "", err
		}
		if passphrase != again {
			return "", errors.New("passphrases do not match")
		}
	}
	return passphrase, nil
}

func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(raw), nil
}
