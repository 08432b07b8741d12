package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSecretSourcePrefersEnvironment(t *testing.T) {
	src := newSecretSource(secretEnv)
	src.lookup = func(key string) (string, bool) {
		require.Equal(t, secretEnv, key)
		return "from-env", true
	}
	secret, err := src.Get()
	require.NoError(t, err)
	require.Equal(t, "from-env", secret)

	src.lookup = func(string) (string, bool) { return "  ", true }
	_, err = src.Get()
	require.ErrorContains(t, err, "set but empty")
}

func TestSecretSourceRequiresTerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stdin"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	src := newSecretSource(secretEnv)
	src.lookup = func(string) (string, bool) { return "", false }
	src.fd = int(f.Fd())
	_, err = src.Get()
	require.ErrorContains(t, err, "run interactively")
}
