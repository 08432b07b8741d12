package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// secretSource resolves the token signing secret from an environment variable
// or, failing that, an interactive prompt.
type secretSource struct {
	envVar string
	lookup func(string) (string, bool)
	fd     int
	prompt io.Writer
}

func newSecretSource(envVar string) *secretSource {
	return &secretSource{
		envVar: envVar,
		lookup: os.LookupEnv,
		fd:     int(os.Stdin.Fd()),
		prompt: os.Stderr,
	}
}

func (s *secretSource) Get() (string, error) {
	if value, ok := s.lookup(s.envVar); ok {
		if strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("$%s is set but empty", s.envVar)
		}
		return value, nil
	}
	if !term.IsTerminal(s.fd) {
		return "", fmt.Errorf("signing secret required; set $%s or run interactively", s.envVar)
	}
	fmt.Fprint(s.prompt, "Enter JWT signing secret: ")
	raw, err := term.ReadPassword(s.fd)
	fmt.Fprintln(s.prompt)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("signing secret cannot be empty")
	}
	return string(raw), nil
}
