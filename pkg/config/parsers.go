package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Flags holds parsed command-line flag values and which were set.
type Flags struct {
	Addr   string
	DB     string
	Config string
	Set    map[string]bool
}

// EnvResult describes key material found in the environment.
type EnvResult struct {
	BackendKeys map[string]struct{}
	SigningKeys map[string]struct{}
	EnvUsed     bool
}

// EffectiveConfigResult is the single resolved configuration for a run.
type EffectiveConfigResult struct {
	Config *Config
	Addr   string
	DBPath string
	Source string // "flags", "config", or "env"
}

// ParseConfigFlags parses command-line flags.
func ParseConfigFlags() Flags {
	addrPtr := flag.String("addr", ":8080", "HTTP listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return Flags{Addr: *addrPtr, DB: *dbPtr, Config: *cfgPtr, Set: set}
}

// ParseConfigFile resolves the config path and loads the YAML file. A
// missing file is not fatal; parse errors are.
func ParseConfigFile(flags Flags) (*Config, bool, error) {
	cfg, err := Load(ResolveConfigPath(flags.Config, flags.Set["config"]))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, false, nil
		}
		return nil, false, err
	}
	return cfg, true, nil
}

// envReader tracks whether any BRANCHDB_* variable was consumed.
type envReader struct{ used bool }

func (e *envReader) str(name string) string {
	v := os.Getenv(name)
	if v != "" {
		e.used = true
	}
	return v
}

func (e *envReader) first(names ...string) string {
	for _, n := range names {
		if v := e.str(n); v != "" {
			return v
		}
	}
	return ""
}

func (e *envReader) list(name string) []string {
	v := e.str(name)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseConfigEnvs reads BRANCHDB_* environment variables into a fresh
// Config plus an EnvResult with the key material. Never mutates a caller
// provided config.
func ParseConfigEnvs() (*Config, EnvResult) {
	cfg := &Config{}
	env := &envReader{}

	if addr := env.first("BRANCHDB_SERVER_ADDR", "BRANCHDB_ADDR"); addr != "" {
		cfg.Server.Address, cfg.Server.Port = splitAddr(addr)
	} else {
		cfg.Server.Address = env.str("BRANCHDB_SERVER_ADDRESS")
		if port := env.str("BRANCHDB_SERVER_PORT"); port != "" {
			if pi, err := strconv.Atoi(port); err == nil {
				cfg.Server.Port = pi
			}
		}
	}

	cfg.Server.DBPath = env.first("BRANCHDB_SERVER_DB_PATH", "BRANCHDB_DB_PATH")
	cfg.Server.TLS.CertFile = env.str("BRANCHDB_TLS_CERT")
	cfg.Server.TLS.KeyFile = env.str("BRANCHDB_TLS_KEY")

	cfg.Security.CORS.AllowedOrigins = env.list("BRANCHDB_CORS_ORIGINS")
	cfg.Security.IPWhitelist = env.list("BRANCHDB_IP_WHITELIST")
	if v := env.str("BRANCHDB_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.Security.RateLimit.RPS = f
		}
	}
	if v := env.str("BRANCHDB_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			cfg.Security.RateLimit.Burst = n
		}
	}
	cfg.Security.APIKeys.Backend = env.list("BRANCHDB_API_BACKEND_KEYS")
	cfg.Security.APIKeys.Frontend = env.list("BRANCHDB_API_FRONTEND_KEYS")
	cfg.Security.APIKeys.Admin = env.list("BRANCHDB_API_ADMIN_KEYS")

	cfg.Logging.Level = env.str("BRANCHDB_LOG_LEVEL")
	cfg.Logging.Format = env.str("BRANCHDB_LOG_FORMAT")

	if v := env.str("BRANCHDB_RETENTION_PERIOD"); v != "" {
		cfg.Retention.Enabled = true
		cfg.Retention.Period = v
	}

	// signing keys are the backend API keys; there is no separate secret
	backend := make(map[string]struct{}, len(cfg.Security.APIKeys.Backend))
	signing := make(map[string]struct{}, len(cfg.Security.APIKeys.Backend))
	for _, k := range cfg.Security.APIKeys.Backend {
		backend[k] = struct{}{}
		signing[k] = struct{}{}
	}
	return cfg, EnvResult{BackendKeys: backend, SigningKeys: signing, EnvUsed: env.used}
}

// LoadEffectiveConfig picks the single configuration source for this run.
// An explicit --config must name an existing file and wins outright; any
// addr/db flag makes flags the source; otherwise an existing config file
// beats the environment.
func LoadEffectiveConfig(flags Flags, fileCfg *Config, fileExists bool, envCfg *Config, envRes EnvResult) (EffectiveConfigResult, error) {
	if flags.Set["config"] {
		if !fileExists {
			return EffectiveConfigResult{}, fmt.Errorf("config file %s not found", flags.Config)
		}
		return fromConfig(fileCfg, "config"), nil
	}

	if flags.Set["addr"] || flags.Set["db"] {
		addr := flags.Addr
		if !flags.Set["addr"] {
			if addr = envCfg.Addr(); addr == "" {
				addr = fileCfg.Addr()
			}
		}
		dbPath := flags.DB
		if !flags.Set["db"] {
			if p := strings.TrimSpace(envCfg.Server.DBPath); p != "" {
				dbPath = p
			} else if p := strings.TrimSpace(fileCfg.Server.DBPath); p != "" {
				dbPath = p
			}
		}
		out := &Config{}
		out.Server.Address, out.Server.Port = splitAddr(addr)
		out.Server.DBPath = dbPath
		return EffectiveConfigResult{Config: out, Addr: addr, DBPath: dbPath, Source: "flags"}, nil
	}

	if fileExists {
		return fromConfig(fileCfg, "config"), nil
	}
	return fromConfig(envCfg, "env"), nil
}

func fromConfig(c *Config, source string) EffectiveConfigResult {
	return EffectiveConfigResult{Config: c, Addr: c.Addr(), DBPath: c.Server.DBPath, Source: source}
}

// splitAddr accepts "host:port" or a bare host.
func splitAddr(a string) (string, int) {
	if a == "" {
		return "", 0
	}
	h, p, err := net.SplitHostPort(a)
	if err != nil {
		return a, 0
	}
	port, _ := strconv.Atoi(p)
	return h, port
}
