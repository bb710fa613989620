// Package config loads a Connector configuration from a TOML file, with
// API credentials overridable via environment variables so secrets never
// need to sit in the file on disk.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/lilwiggy/ex-act/pkg/connector"
)

// envPrefix is the prefix for environment-variable overrides, e.g.
// EXACT_API_KEY.
const envPrefix = "EXACT"

// fileConfig mirrors connector.Config with TOML-friendly field names and
// duration strings (e.g. "10s", "5m") instead of time.Duration integers.
type fileConfig struct {
	Exchange struct {
		Name      string `toml:"name"`
		APIKey    string `toml:"api_key"`
		APISecret string `toml:"api_secret"`
		Testnet   bool   `toml:"testnet"`

		// SigningScheme selects among "" / "HMAC" (default), "ED25519", "RSA".
		SigningScheme string `toml:"signing_scheme"`
		// PrivateKeyPath points at a PEM file used by the ED25519/RSA
		// schemes; PEM content doesn't round-trip cleanly inline in TOML,
		// so it's always read from disk.
		PrivateKeyPath string `toml:"private_key_path"`
		// KeyPassphrase decrypts an "ENCRYPTED PRIVATE KEY" PrivateKeyPath,
		// or can be left empty for an unencrypted key.
		KeyPassphrase string `toml:"key_passphrase"`
	} `toml:"exchange"`

	RateLimit struct {
		MaxWeight    int    `toml:"max_weight"`
		RequestDelay string `toml:"request_delay"`
		Enabled      bool   `toml:"enabled"`
	} `toml:"rate_limit"`

	CircuitBreaker struct {
		MaxFailures      int    `toml:"max_failures"`
		SuccessThreshold int    `toml:"success_threshold"`
		OpenTimeout      string `toml:"open_timeout"`
		Enabled          bool   `toml:"enabled"`
	} `toml:"circuit_breaker"`

	ClockSync struct {
		MaxOffset    string `toml:"max_offset"`
		SyncInterval string `toml:"sync_interval"`
		Enabled      bool   `toml:"enabled"`
	} `toml:"clock_sync"`

	Connection struct {
		Timeout          string `toml:"timeout"`
		PingInterval     string `toml:"ping_interval"`
		ReconnectDelay   string `toml:"reconnect_delay"`
		MaxReconnectWait string `toml:"max_reconnect_wait"`
		RecvWindow       int64  `toml:"recv_window"`
		ProxyURL         string `toml:"proxy"`
	} `toml:"connection"`
}

// Load reads a connector.Config from the TOML file at path. Parsing is
// done with go-toml/v2 so duration strings and nested tables decode
// exactly as written; a viper instance bound to the process environment
// then overlays EXACT_API_KEY / EXACT_API_SECRET / EXACT_TESTNET on top,
// so credentials can be kept out of the file entirely.
func Load(path string) (connector.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return connector.Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(raw, &fc); err != nil {
		return connector.Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg, err := connector.NewConfigBuilder().
		Exchange(fc.Exchange.Name, fc.Exchange.APIKey, fc.Exchange.APISecret, fc.Exchange.Testnet).
		Build()
	if err != nil {
		return connector.Config{}, fmt.Errorf("config: %s: %w", path, err)
	}

	cfg.Exchange.SigningScheme = fc.Exchange.SigningScheme
	cfg.Exchange.KeyPassphrase = fc.Exchange.KeyPassphrase
	if fc.Exchange.PrivateKeyPath != "" {
		keyPEM, err := os.ReadFile(fc.Exchange.PrivateKeyPath)
		if err != nil {
			return connector.Config{}, fmt.Errorf("config: exchange.private_key_path: %w", err)
		}
		cfg.Exchange.PrivateKeyPEM = keyPEM
	}

	if fc.RateLimit.MaxWeight > 0 || fc.RateLimit.RequestDelay != "" {
		delay, err := parseDuration(fc.RateLimit.RequestDelay)
		if err != nil {
			return connector.Config{}, fmt.Errorf("config: rate_limit.request_delay: %w", err)
		}
		cfg.RateLimit = connector.RateLimitConfig{
			MaxWeight:    orDefault(fc.RateLimit.MaxWeight, connector.DefaultRateLimitConfig().MaxWeight),
			RequestDelay: delay,
			Enabled:      fc.RateLimit.Enabled,
		}
	}

	if fc.CircuitBreaker.MaxFailures > 0 {
		timeout, err := parseDuration(fc.CircuitBreaker.OpenTimeout)
		if err != nil {
			return connector.Config{}, fmt.Errorf("config: circuit_breaker.open_timeout: %w", err)
		}
		cfg.CircuitBreaker = connector.CircuitBreakerConfig{
			MaxFailures:      fc.CircuitBreaker.MaxFailures,
			SuccessThreshold: orDefault(fc.CircuitBreaker.SuccessThreshold, connector.DefaultCircuitBreakerConfig().SuccessThreshold),
			OpenTimeout:      timeout,
			Enabled:          fc.CircuitBreaker.Enabled,
		}
	}

	if fc.ClockSync.MaxOffset != "" || fc.ClockSync.SyncInterval != "" {
		maxOffset, err := parseDuration(fc.ClockSync.MaxOffset)
		if err != nil {
			return connector.Config{}, fmt.Errorf("config: clock_sync.max_offset: %w", err)
		}
		syncInterval, err := parseDuration(fc.ClockSync.SyncInterval)
		if err != nil {
			return connector.Config{}, fmt.Errorf("config: clock_sync.sync_interval: %w", err)
		}
		cfg.ClockSync = connector.ClockSyncConfig{
			MaxOffset:    maxOffset,
			SyncInterval: syncInterval,
			Enabled:      fc.ClockSync.Enabled,
		}
	}

	if fc.Connection.Timeout != "" {
		timeout, err := parseDuration(fc.Connection.Timeout)
		if err != nil {
			return connector.Config{}, fmt.Errorf("config: connection.timeout: %w", err)
		}
		cfg.Connection.Timeout = timeout
	}
	if fc.Connection.PingInterval != "" {
		d, err := parseDuration(fc.Connection.PingInterval)
		if err != nil {
			return connector.Config{}, fmt.Errorf("config: connection.ping_interval: %w", err)
		}
		cfg.Connection.PingInterval = d
	}
	if fc.Connection.ReconnectDelay != "" {
		d, err := parseDuration(fc.Connection.ReconnectDelay)
		if err != nil {
			return connector.Config{}, fmt.Errorf("config: connection.reconnect_delay: %w", err)
		}
		cfg.Connection.ReconnectDelay = d
	}
	if fc.Connection.MaxReconnectWait != "" {
		d, err := parseDuration(fc.Connection.MaxReconnectWait)
		if err != nil {
			return connector.Config{}, fmt.Errorf("config: connection.max_reconnect_wait: %w", err)
		}
		cfg.Connection.MaxReconnectWait = d
	}
	if fc.Connection.RecvWindow > 0 {
		cfg.Connection.RecvWindow = fc.Connection.RecvWindow
	}
	if fc.Connection.ProxyURL != "" {
		cfg.Connection.ProxyURL = fc.Connection.ProxyURL
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Exchange.Validate(); err != nil {
		return connector.Config{}, err
	}

	return cfg, nil
}

// applyEnvOverrides layers EXACT_* environment variables over the
// file-derived configuration using a viper instance bound to the process
// environment, so CI/deploy secrets never need to touch the TOML file.
func applyEnvOverrides(cfg *connector.Config) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if v.IsSet("api_key") {
		cfg.Exchange.APIKey = v.GetString("api_key")
	}
	if v.IsSet("api_secret") {
		cfg.Exchange.APISecret = v.GetString("api_secret")
	}
	if v.IsSet("testnet") {
		cfg.Exchange.Testnet = v.GetBool("testnet")
	}
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
