// Package config provides configuration types for the Runlok server.
//
// Configuration is read from a YAML file (runlok.yaml), overridable via
// RUNLOK_* environment variables. Durations are kept as strings in the
// struct and parsed at boot; Validate guarantees they parse.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for the Runlok server.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Auth configures the shared-secret bearer token.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Audit configures the tamper-evident audit chain.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Store configures persistence.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Policy configures the policy file and reload behavior.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Enforce configures enforcement behavior.
	Enforce EnforceConfig `yaml:"enforce" mapstructure:"enforce"`

	// Stream configures the decision push channel.
	Stream StreamConfig `yaml:"stream" mapstructure:"stream"`

	// Retention configures background retention sweeps.
	Retention RetentionConfig `yaml:"retention" mapstructure:"retention"`

	// Log configures logging and tracing.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// DevMode enables development defaults (ephemeral HMAC secret,
	// in-memory store, debug logging).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
// TLS is out of scope; run behind a reverse proxy when exposure is needed.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8463").
	// Defaults to "127.0.0.1:8463" (localhost only) if empty.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`

	// RequestTimeout bounds a single request (e.g., "30s").
	// Streaming endpoints are exempt. Defaults to "30s".
	RequestTimeout string `yaml:"request_timeout" mapstructure:"request_timeout" validate:"omitempty,duration"`

	// ShutdownTimeout bounds graceful shutdown (e.g., "10s").
	// Defaults to "10s".
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`

	// RateLimit caps requests per minute per caller (keyed by bearer
	// token, falling back to client IP). 0 disables throttling.
	RateLimit int `yaml:"rate_limit" mapstructure:"rate_limit" validate:"omitempty,min=0"`
}

// AuthConfig configures bearer-token authentication.
type AuthConfig struct {
	// Token is the expected bearer token. Accepted forms:
	//
	//   plaintext       compared in constant time
	//   sha256:<hex>    SHA-256 digest of the token
	//   $argon2id$...   argon2id PHC string (see `runlok hash-token`)
	//
	// Empty disables authentication (development mode; surfaced by the
	// CLI status command).
	Token string `yaml:"token" mapstructure:"token"`
}

// AuditConfig configures the hash-chained audit log.
type AuditConfig struct {
	// HMACSecret keys the HMAC-SHA256 entry hashes. Required unless
	// dev mode generates an ephemeral one. Changing it breaks
	// verification of previously written chains.
	HMACSecret string `yaml:"hmac_secret" mapstructure:"hmac_secret"`

	// Ephemeral is set when dev mode generated the secret for this
	// process. Chains written under it cannot be verified after restart.
	Ephemeral bool `yaml:"-" mapstructure:"-"`
}

// StoreConfig configures persistence.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" selects the
	// in-memory stores for ephemeral runs. Defaults to
	// "~/.runlok/runlok.db".
	Path string `yaml:"path" mapstructure:"path"`
}

// PolicyConfig configures policy loading.
type PolicyConfig struct {
	// File is the policy document to load at startup and on reload.
	// Defaults to "policies.yml".
	File string `yaml:"file" mapstructure:"file"`

	// Watch enables the fsnotify watcher: edits to File trigger an
	// automatic reload.
	Watch bool `yaml:"watch" mapstructure:"watch"`

	// Strict promotes validation warnings (duplicate rule names,
	// unreachable rules) to errors.
	Strict bool `yaml:"strict" mapstructure:"strict"`
}

// EnforceConfig configures enforcement behavior.
type EnforceConfig struct {
	// Bypass short-circuits every enforce call to ALLOW without
	// evaluating policy. Audit entries are still written, tagged
	// bypass=true. The server logs a startup warning when set.
	Bypass bool `yaml:"bypass" mapstructure:"bypass"`
}

// StreamConfig configures the decision push channel.
type StreamConfig struct {
	// QueueSize is the per-subscriber event buffer. When a slow
	// consumer fills it, the oldest event is dropped. Defaults to 64.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`

	// Global exposes the firehose /ws endpoint in addition to the
	// per-session /ws/{session_id}. Defaults to true.
	Global bool `yaml:"global" mapstructure:"global"`
}

// RetentionConfig configures the background retention sweeper.
type RetentionConfig struct {
	// SweepInterval is how often expired sessions are purged (e.g.,
	// "1h"). "0s" disables the sweeper. Defaults to "1h".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty,duration"`

	// AbandonAfter seals pending entries older than this as errors
	// (e.g., "24h"). "0s" disables the reaper. Defaults to "0s".
	AbandonAfter string `yaml:"abandon_after" mapstructure:"abandon_after" validate:"omitempty,duration"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info"; dev mode overrides to "debug".
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Format selects the slog handler: "text" or "json".
	// Defaults to "text".
	Format string `yaml:"format" mapstructure:"format" validate:"omitempty,oneof=text json"`

	// Tracing enables the OpenTelemetry stdout trace exporter.
	Tracing bool `yaml:"tracing" mapstructure:"tracing"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	// Server defaults -- bind to localhost only. Users who need network
	// access must explicitly set addr: ":8463" or "0.0.0.0:8463".
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8463"
	}
	if c.Server.RequestTimeout == "" {
		c.Server.RequestTimeout = "30s"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Store.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Store.Path = filepath.Join(home, ".runlok", "runlok.db")
		} else {
			c.Store.Path = "runlok.db"
		}
	}

	if c.Policy.File == "" {
		c.Policy.File = "policies.yml"
	}

	if c.Stream.QueueSize == 0 {
		c.Stream.QueueSize = 64
	}
	// Global streaming defaults to true. viper.IsSet distinguishes
	// "not set" (zero value) from "explicitly false".
	if !viper.IsSet("stream.global") {
		c.Stream.Global = true
	}

	if c.Retention.SweepInterval == "" {
		c.Retention.SweepInterval = "1h"
	}
	if c.Retention.AbandonAfter == "" {
		c.Retention.AbandonAfter = "0s"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// SetDevDefaults applies permissive defaults for development mode.
// This allows running runlok with no config file at all.
// These defaults are applied BEFORE validation so required fields are
// satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	// Generate an ephemeral HMAC secret so the audit chain works out of
	// the box. The startup banner warns that chains written under it
	// cannot be verified after restart.
	if c.Audit.HMACSecret == "" {
		c.Audit.HMACSecret = randomSecret()
		c.Audit.Ephemeral = true
	}

	// Ephemeral store unless the user configured one explicitly.
	if !viper.IsSet("store.path") {
		c.Store.Path = ":memory:"
	}

	// Verbose logging unless explicitly overridden.
	if !viper.IsSet("log.level") {
		c.Log.Level = "debug"
	}
}

// ExpandPath expands a leading "~/" to the user home directory.
// Paths without the prefix (including ":memory:") are returned unchanged.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// randomSecret returns 32 bytes of crypto/rand entropy as hex.
func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure means the platform RNG is broken;
		// nothing sensible to fall back to.
		panic("config: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
