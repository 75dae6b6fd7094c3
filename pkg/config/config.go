// Package config loads YAML configuration, merges it with flags and
// environment variables, and exposes the resolved key sets at runtime.
package config

import (
	"net"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	runtimeMu  sync.RWMutex
	runtimeCfg *RuntimeConfig
)

// SetRuntime publishes the key sets resolved at startup.
func SetRuntime(rc *RuntimeConfig) {
	runtimeMu.Lock()
	runtimeCfg = rc
	runtimeMu.Unlock()
}

func copyKeySet(src map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

// GetBackendKeys returns a copy of the configured backend API keys.
func GetBackendKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil {
		return map[string]struct{}{}
	}
	return copyKeySet(runtimeCfg.BackendKeys)
}

// GetSigningKeys returns a copy of the keys valid for author signatures.
func GetSigningKeys() map[string]struct{} {
	runtimeMu.RLock()
	defer runtimeMu.RUnlock()
	if runtimeCfg == nil {
		return map[string]struct{}{}
	}
	return copyKeySet(runtimeCfg.SigningKeys)
}

// Addr returns the host:port the HTTP server should bind, or "" when
// neither address nor port is configured.
func (c *Config) Addr() string {
	host, port := c.Server.Address, c.Server.Port
	if host == "" && port == 0 {
		return ""
	}
	if host == "" {
		host = "0.0.0.0"
	}
	if port == 0 {
		port = 8080
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveConfigPath picks the config file path: an explicit flag wins,
// then BRANCHDB_CONFIG, then the flag default.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("BRANCHDB_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
