package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"lendmarket/services/lending/audit"
	"lendmarket/services/lendingd/config"
)

const exportCommand = "export-audit"

// runExport verifies the audit digest chain and writes the matching entries
// to a parquet file.
func runExport(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	cfgPath := fs.String("config", defaultConfigPath, "path to lendingd config")
	dest := fs.String("out", "lending-audit.parquet", "parquet file to write")
	market := fs.String("market", "", "only export events for this market")
	account := fs.String("account", "", "only export events for this account")
	eventType := fs.String("type", "", "only export events of this type")
	skipVerify := fs.Bool("skip-verify", false, "export without verifying the digest chain")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Audit.Driver == "" {
		return errors.New("audit log is not configured")
	}
	db, err := audit.Open(cfg.Audit.Driver, cfg.Audit.DSN)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	log, err := audit.New(db, nil)
	if err != nil {
		return err
	}
	if !*skipVerify {
		result, err := log.Verify(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "verified %d records, head %s\n", result.Records, result.Head)
	}
	written, err := log.ExportParquet(ctx, *dest, audit.Filter{Type: *eventType, Market: *market, Account: *account})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d records to %s\n", written, *dest)
	return nil
}
