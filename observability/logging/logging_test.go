package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupWithLevelWritesStructuredJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := SetupWithLevel(&buf, "lendingd", "test", "warn")
	logger.Info("dropped")
	logger.Warn("price rejected", MaskField("market", "ETH"), MaskField("token", "secret"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "WARN", line["severity"])
	require.Equal(t, "price rejected", line["message"])
	require.Equal(t, "lendingd", line["service"])
	require.Equal(t, "test", line["env"])
	require.Equal(t, "ETH", line["market"])
	require.Equal(t, RedactedValue, line["token"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
}

func TestRotatingFileWritesLogs(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "lendingd.log")
	file := RotatingFile(FileConfig{Path: path, MaxBackups: 2})
	logger := SetupWithLevel(file, "lendingd", "test", "info")
	logger.Info("market listed", slog.String("market", "USDC"))
	require.NoError(t, file.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	require.Equal(t, "market listed", line["message"])
	require.Equal(t, "USDC", line["market"])
}

func TestMaskDSNDropsCredentials(t *testing.T) {
	masked := MaskDSN("postgres://lend-user:s3cret@db:5432/audit?sslmode=disable")
	require.Contains(t, masked, "lend-user")
	require.Contains(t, masked, "db:5432/audit")
	require.NotContains(t, masked, "s3cret")

	masked = MaskDSN("postgres://db/audit?password=s3cret&sslmode=disable")
	require.NotContains(t, masked, "s3cret")
	require.Contains(t, masked, "sslmode=disable")

	require.Equal(t, "host=db user=lend password="+RedactedValue, MaskDSN("host=db user=lend password=s3cret"))
	require.Equal(t, "./data/audit.db", MaskDSN(" ./data/audit.db "))
	require.Equal(t, "", MaskDSN(""))
}

func TestMaskFieldKeepsPublicKeys(t *testing.T) {
	require.Equal(t, "USDC", MaskField("Market", "USDC").Value.String())
	require.Equal(t, "sqlite", MaskField("driver", "sqlite").Value.String())
	require.Equal(t, RedactedValue, MaskField("reference", "wire-0042").Value.String())
	require.Equal(t, "", MaskField("token", " ").Value.String())
}
