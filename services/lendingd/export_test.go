package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"lendmarket/core/events"
	"lendmarket/crypto"
	"lendmarket/services/lending/audit"
)

func writeExportConfig(t *testing.T, dir, auditSection string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	contents := fmt.Sprintf(`
genesis: genesis.toml
tls:
  allow_insecure: true
auth:
  jwt_secret: export-secret
%s`, auditSection)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestRunExportWritesVerifiedParquet(t *testing.T) {
	dir := t.TempDir()
	dsn := filepath.Join(dir, "audit.db")

	db, err := audit.Open(audit.DriverSQLite, dsn)
	require.NoError(t, err)
	log, err := audit.New(db, nil)
	require.NoError(t, err)
	raw := make([]byte, crypto.AddressLength)
	alice := crypto.NewAddress(crypto.AccountPrefix, raw)
	log.Emit(events.Minted{Market: "USDC", Account: alice, Amount: uint256.NewInt(10), Shares: uint256.NewInt(10)})
	log.Emit(events.Minted{Market: "ETH", Account: alice, Amount: uint256.NewInt(3), Shares: uint256.NewInt(3)})
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	cfgPath := writeExportConfig(t, dir, fmt.Sprintf("audit:\n  driver: sqlite\n  dsn: %s\n", dsn))
	dest := filepath.Join(dir, "usdc.parquet")
	var out bytes.Buffer
	err = runExport(context.Background(), []string{"-config", cfgPath, "-out", dest, "-market", "USDC"}, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), "verified 2 records")
	require.Contains(t, out.String(), "wrote 1 records to "+dest)

	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.Positive(t, info.Size())
}

func TestRunExportRequiresAuditLog(t *testing.T) {
	cfgPath := writeExportConfig(t, t.TempDir(), "")
	err := runExport(context.Background(), []string{"-config", cfgPath}, &bytes.Buffer{})
	require.ErrorContains(t, err, "audit log is not configured")
}
