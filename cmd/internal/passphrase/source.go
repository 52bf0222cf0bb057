package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a key-file passphrase from an environment variable or by
// prompting the operator on the terminal. The first successful value is
// cached so every command in a pipeline decrypts with the same secret.
type Source struct {
	envVar  string
	confirm bool

	once  sync.Once
	value string
	err   error
}

// NewSource builds a source that consults envVar before prompting. With
// confirm set the interactive path asks twice and rejects mismatches, which
// is what key generation wants.
func NewSource(envVar string, confirm bool) *Source {
	return &Source{envVar: strings.TrimSpace(envVar), confirm: confirm}
}

// Get returns the passphrase, resolving it on the first call. Blank values
// are rejected so key files are never written unprotected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("passphrase required and no terminal available")
	}

	value, err := read(fd, "Enter key file passphrase: ")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return "", errors.New("passphrase cannot be empty")
	}
	if s.confirm {
		again, err := read(fd, "Confirm key file passphrase: ")
		if err != nil {
			return "", err
		}
		if again != value {
			return "", errors.New("passphrases do not match")
		}
	}
	return value, nil
}

func read(fd int, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}
