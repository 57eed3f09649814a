package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the ModelRelay gateway process.
// The four routing documents (agents, upstreams, tools, security) are
// separate YAML files referenced by path so each can be reloaded without
// restarting the process.
type Config struct {
	Port      int
	Version   string
	Registry  RegistryConfig
	Security  SecurityConfig
	Telemetry TelemetryConfig
}

type RegistryConfig struct {
	AgentsPath    string
	DropinDir     string
	UpstreamsPath string
	ToolsPath     string
	AutoReload    bool
	HealthEvery   time.Duration
}

type SecurityConfig struct {
	Path string
	// FallbackAPIKey is honored only in open mode, when the security
	// document defines no keys.
	FallbackAPIKey string
	SweepEvery     time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("MODELRELAY_PORT", 8080),
		Version: envStr("MODELRELAY_VERSION", "0.2.0"),
		Registry: RegistryConfig{
			AgentsPath:    envStr("MODELRELAY_AGENTS_CONFIG", "config/agents.yaml"),
			DropinDir:     envStr("MODELRELAY_AGENTS_DROPIN_DIR", ""),
			UpstreamsPath: envStr("MODELRELAY_UPSTREAMS_CONFIG", "config/upstreams.yaml"),
			ToolsPath:     envStr("MODELRELAY_TOOLS_CONFIG", "config/tools.yaml"),
			AutoReload:    envBool("MODELRELAY_AUTO_RELOAD", false),
			HealthEvery:   envDur("MODELRELAY_HEALTH_INTERVAL", 60*time.Second),
		},
		Security: SecurityConfig{
			Path:           envStr("MODELRELAY_SECURITY_CONFIG", "config/security.yaml"),
			FallbackAPIKey: envStr("MODELRELAY_API_KEY", ""),
			SweepEvery:     envDur("MODELRELAY_OVERRIDE_SWEEP_INTERVAL", time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "modelrelay-gateway"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
