package app

import (
	"testing"

	"branchdb/pkg/config"
)

func TestValidateConfig(t *testing.T) {
	base := func() config.EffectiveConfigResult {
		return config.EffectiveConfigResult{Config: &config.Config{}, DBPath: "/tmp/db", Addr: ":8080"}
	}

	if err := validateConfig(base()); err != nil {
		t.Fatalf("minimal config should validate: %v", err)
	}

	eff := base()
	eff.DBPath = ""
	if err := validateConfig(eff); err == nil {
		t.Fatalf("missing db path should fail")
	}

	eff = base()
	eff.Config.Server.TLS.CertFile = "/nonexistent/cert.pem"
	if err := validateConfig(eff); err == nil {
		t.Fatalf("cert without key should fail")
	}

	eff = base()
	eff.Config.Security.RateLimit.RPS = -1
	if err := validateConfig(eff); err == nil {
		t.Fatalf("negative rps should fail")
	}

	eff = base()
	eff.Config.Ingest.Queue.Capacity = -5
	if err := validateConfig(eff); err == nil {
		t.Fatalf("negative queue capacity should fail")
	}

	if err := validateConfig(config.EffectiveConfigResult{}); err == nil {
		t.Fatalf("nil config should fail")
	}
}
