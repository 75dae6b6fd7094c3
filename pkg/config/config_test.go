package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCfg(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return p
}

func TestLoad_ParsesScalars(t *testing.T) {
	p := writeCfg(t, `
server:
  address: 127.0.0.1
  port: 9090
  db_path: /tmp/branchdb
logging:
  level: debug
  format: json
ingest:
  processor:
    workers: 4
    max_batch_msgs: 256
    flush_ms: 50ms
  queue:
    capacity: 1024
    max_pooled_buffer_bytes: 64KB
retention:
  enabled: true
  cron: "0 3 * * *"
  period: 720h
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Server.Port != 9090 {
		t.Fatalf("expected port 9090 got %d", c.Server.Port)
	}
	if got := c.Addr(); got != "127.0.0.1:9090" {
		t.Fatalf("unexpected addr %q", got)
	}
	if c.Ingest.Processor.FlushInterval.Duration() != 50*time.Millisecond {
		t.Fatalf("expected 50ms flush got %v", c.Ingest.Processor.FlushInterval.Duration())
	}
	if c.Ingest.Queue.MaxPooledBufferBytes.Int64() != 64000 {
		t.Fatalf("expected 64000 bytes got %d", c.Ingest.Queue.MaxPooledBufferBytes.Int64())
	}
	if !c.Retention.Enabled || c.Retention.Cron != "0 3 * * *" {
		t.Fatalf("retention not parsed: %+v", c.Retention)
	}
}

func TestDuration_NumericSeconds(t *testing.T) {
	p := writeCfg(t, "ingest:\n  processor:\n    flush_ms: 2\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Ingest.Processor.FlushInterval.Duration() != 2*time.Second {
		t.Fatalf("expected 2s got %v", c.Ingest.Processor.FlushInterval.Duration())
	}
}

func TestResolveConfigPath_EnvFallback(t *testing.T) {
	p := writeCfg(t, "server:\n  port: 8080\n")
	os.Setenv("BRANCHDB_CONFIG", p)
	defer os.Unsetenv("BRANCHDB_CONFIG")
	if got := ResolveConfigPath("/nope", false); got != p {
		t.Fatalf("ResolveConfigPath expected %q got %q", p, got)
	}
	// explicit flag wins
	if got := ResolveConfigPath("/explicit", true); got != "/explicit" {
		t.Fatalf("flag path should win, got %q", got)
	}
}

func TestParseConfigEnvs_Overrides(t *testing.T) {
	os.Setenv("BRANCHDB_SERVER_ADDR", "10.0.0.1:7070")
	os.Setenv("BRANCHDB_API_BACKEND_KEYS", "bk1, bk2")
	os.Setenv("BRANCHDB_RATE_RPS", "25")
	defer func() {
		os.Unsetenv("BRANCHDB_SERVER_ADDR")
		os.Unsetenv("BRANCHDB_API_BACKEND_KEYS")
		os.Unsetenv("BRANCHDB_RATE_RPS")
	}()
	envCfg, res := ParseConfigEnvs()
	if !res.EnvUsed {
		t.Fatalf("expected EnvUsed true")
	}
	if envCfg.Server.Address != "10.0.0.1" || envCfg.Server.Port != 7070 {
		t.Fatalf("addr not parsed: %q %d", envCfg.Server.Address, envCfg.Server.Port)
	}
	if envCfg.Security.RateLimit.RPS != 25 {
		t.Fatalf("rps not parsed: %v", envCfg.Security.RateLimit.RPS)
	}
	if _, ok := res.BackendKeys["bk2"]; !ok {
		t.Fatalf("backend key list not split: %+v", res.BackendKeys)
	}
	if _, ok := res.SigningKeys["bk1"]; !ok {
		t.Fatalf("signing keys should mirror backend keys")
	}
}

func TestLoadEffectiveConfig_Precedence(t *testing.T) {
	fileCfg := &Config{}
	fileCfg.Server.Address = "1.2.3.4"
	fileCfg.Server.Port = 9000
	fileCfg.Server.DBPath = "/file/db"
	envCfg := &Config{}
	envCfg.Server.Address = "5.6.7.8"
	envCfg.Server.Port = 9001
	envCfg.Server.DBPath = "/env/db"

	// explicit --config requires the file
	flags := Flags{Config: "/missing.yaml", Set: map[string]bool{"config": true}}
	if _, err := LoadEffectiveConfig(flags, &Config{}, false, envCfg, EnvResult{}); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}

	// addr/db flags win over everything
	flags = Flags{Addr: ":7777", DB: "/flag/db", Set: map[string]bool{"addr": true, "db": true}}
	res, err := LoadEffectiveConfig(flags, fileCfg, true, envCfg, EnvResult{})
	if err != nil {
		t.Fatalf("LoadEffectiveConfig failed: %v", err)
	}
	if res.Source != "flags" || res.Addr != ":7777" || res.DBPath != "/flag/db" {
		t.Fatalf("flags should win: %+v", res)
	}

	// file preferred when no flags set
	res, err = LoadEffectiveConfig(Flags{Set: map[string]bool{}}, fileCfg, true, envCfg, EnvResult{})
	if err != nil {
		t.Fatalf("LoadEffectiveConfig failed: %v", err)
	}
	if res.Source != "config" || res.DBPath != "/file/db" {
		t.Fatalf("file should win: %+v", res)
	}

	// env as last resort
	res, err = LoadEffectiveConfig(Flags{Set: map[string]bool{}}, &Config{}, false, envCfg, EnvResult{})
	if err != nil {
		t.Fatalf("LoadEffectiveConfig failed: %v", err)
	}
	if res.Source != "env" || res.Addr != "5.6.7.8:9001" {
		t.Fatalf("env fallback broken: %+v", res)
	}
}

func TestRuntimeKeys(t *testing.T) {
	SetRuntime(&RuntimeConfig{
		BackendKeys: map[string]struct{}{"bk": {}},
		SigningKeys: map[string]struct{}{"sk": {}},
	})
	defer SetRuntime(nil)
	if _, ok := GetBackendKeys()["bk"]; !ok {
		t.Fatalf("backend key missing")
	}
	if _, ok := GetSigningKeys()["sk"]; !ok {
		t.Fatalf("signing key missing")
	}
}
