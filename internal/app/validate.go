package app

import (
	"fmt"
	"os"

	"branchdb/pkg/config"
)

// validateConfig fail-fast checks the effective configuration before any
// long-running service starts, so misconfiguration surfaces as one clear
// error instead of a half-started process.
func validateConfig(eff config.EffectiveConfigResult) error {
	if eff.Config == nil {
		return fmt.Errorf("no effective configuration")
	}
	if eff.DBPath == "" {
		return fmt.Errorf("database path is empty: set --db flag, BRANCHDB_DB_PATH env, or server.db_path in config")
	}
	if err := checkTLS(eff.Config.Server.TLS); err != nil {
		return err
	}
	return checkTunables(eff.Config)
}

// checkTLS requires cert and key together and readable on disk.
func checkTLS(tls config.TLSConfig) error {
	cert, key := tls.CertFile, tls.KeyFile
	switch {
	case cert == "" && key == "":
		return nil
	case cert == "" || key == "":
		return fmt.Errorf("incomplete TLS configuration: both server.tls.cert_file and server.tls.key_file must be set")
	}
	if _, err := os.Stat(cert); err != nil {
		return fmt.Errorf("tls cert file not accessible: %w", err)
	}
	if _, err := os.Stat(key); err != nil {
		return fmt.Errorf("tls key file not accessible: %w", err)
	}
	return nil
}

// checkTunables rejects negative gateway and ingest knobs; zero means
// "use the default" everywhere, so only negatives are errors.
func checkTunables(c *config.Config) error {
	if c.Security.RateLimit.RPS < 0 || c.Security.RateLimit.Burst < 0 {
		return fmt.Errorf("security.rate_limit values must not be negative")
	}
	if pc := c.Ingest.Processor; pc.Workers < 0 || pc.MaxBatchMsgs < 0 {
		return fmt.Errorf("ingest.processor values must not be negative")
	}
	if c.Ingest.Queue.Capacity < 0 {
		return fmt.Errorf("ingest.queue.capacity must not be negative")
	}
	return nil
}
