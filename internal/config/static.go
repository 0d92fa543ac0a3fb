// Package config holds MUTT's two configuration layers: Static, a
// boot-time struct sourced from environment variables (with an optional
// YAML file overlay for local development), and Dynamic, a Redis-hash-backed
// registry of operational knobs that can change without a restart.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/muttpipeline/mutt/internal/pipelineerr"
)

// Static is the set of values every MUTT role needs at boot and that never
// change without a restart: where Postgres and Redis live, which port each
// HTTP server binds, and the API keys accepted by the ingestor.
type Static struct {
	PostgresHost string
	PostgresPort string
	PostgresUser string
	PostgresName string
	PostgresSSL  string

	RedisAddr string
	RedisDB   int

	IngestorAddr     string
	AlerterMetricsAddr string
	ForwarderMetricsAddr string

	APIKeys []string

	HeartbeatInterval int // seconds
	JanitorInterval   int // seconds
}

// staticOverlay is the optional YAML shape used to seed local development
// without exporting a dozen environment variables; any field present in the
// environment always wins over the file.
type staticOverlay struct {
	PostgresHost string   `yaml:"postgres_host"`
	PostgresPort string   `yaml:"postgres_port"`
	PostgresUser string   `yaml:"postgres_user"`
	PostgresName string   `yaml:"postgres_name"`
	PostgresSSL  string   `yaml:"postgres_ssl"`
	RedisAddr    string   `yaml:"redis_addr"`
	RedisDB      int      `yaml:"redis_db"`
	IngestorAddr string   `yaml:"ingestor_addr"`
	APIKeys      []string `yaml:"api_keys"`
}

// LoadStatic builds a Static config from the environment, optionally
// overlaid by a YAML bootstrap file at bootstrapPath (ignored if empty or
// absent). Required values missing from both sources produce a
// *pipelineerr.FatalError, since a worker that starts without a Redis
// address cannot do anything useful.
func LoadStatic(bootstrapPath string) (*Static, error) {
	overlay := staticOverlay{}
	if bootstrapPath != "" {
		if b, err := os.ReadFile(bootstrapPath); err == nil {
			if err := yaml.Unmarshal(b, &overlay); err != nil {
				return nil, fmt.Errorf("config: parse bootstrap file: %w", err)
			}
		}
	}

	cfg := &Static{
		PostgresHost:         envOr("POSTGRES_HOST", overlay.PostgresHost, "localhost"),
		PostgresPort:         envOr("POSTGRES_PORT", overlay.PostgresPort, "5432"),
		PostgresUser:         envOr("POSTGRES_USER", overlay.PostgresUser, "mutt"),
		PostgresName:         envOr("POSTGRES_NAME", overlay.PostgresName, "mutt"),
		PostgresSSL:          envOr("POSTGRES_SSL", overlay.PostgresSSL, "disable"),
		RedisAddr:            envOr("REDIS_ADDR", overlay.RedisAddr, "localhost:6379"),
		RedisDB:              envIntOr("REDIS_DB", overlay.RedisDB, 0),
		IngestorAddr:         envOr("INGESTOR_ADDR", overlay.IngestorAddr, ":8080"),
		AlerterMetricsAddr:   envOr("ALERTER_METRICS_ADDR", "", ":8083"),
		ForwarderMetricsAddr: envOr("FORWARDER_METRICS_ADDR", "", ":8084"),
		APIKeys:              stringsOr(os.Getenv("API_KEYS"), overlay.APIKeys),
		HeartbeatInterval:    envIntOr("HEARTBEAT_INTERVAL_SECONDS", 0, 10),
		JanitorInterval:      envIntOr("JANITOR_INTERVAL_SECONDS", 0, 30),
	}

	if cfg.RedisAddr == "" {
		return nil, &pipelineerr.FatalError{Reason: "REDIS_ADDR is required"}
	}
	if len(cfg.APIKeys) == 0 {
		return nil, &pipelineerr.FatalError{Reason: "API_KEYS is required (comma-separated)"}
	}
	return cfg, nil
}

func envOr(key, overlayVal, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	if overlayVal != "" {
		return overlayVal
	}
	return def
}

func envIntOr(key string, overlayVal, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	if overlayVal != 0 {
		return overlayVal
	}
	return def
}

func stringsOr(csv string, overlay []string) []string {
	if csv != "" {
		return splitCSV(csv)
	}
	return overlay
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
