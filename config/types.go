package config

import "time"

// WalletConfig selects and optionally seeds the wallet scheme used by
// a Server or Client.
type WalletConfig struct {
	Scheme     string `yaml:"scheme" json:"scheme"`           // "ethereum" (default) or "solana"
	PrivateKey string `yaml:"private_key" json:"private_key"` // hex; empty generates a fresh wallet
}

// TLSConfig names the certificate material that turns a Server's
// listener into wss://. TLS is active iff both fields are set.
type TLSConfig struct {
	KeyFile  string `yaml:"key_file" json:"key_file"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
}

// ServerConfig configures server.Server.
type ServerConfig struct {
	Port                  int           `yaml:"port" json:"port"`
	AuthTimeout           time.Duration `yaml:"auth_timeout" json:"auth_timeout"`
	AuthCheckInterval     time.Duration `yaml:"auth_check_interval" json:"auth_check_interval"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	ClientTimeout         time.Duration `yaml:"client_timeout" json:"client_timeout"`
	ClientTimeoutInterval time.Duration `yaml:"client_timeout_interval" json:"client_timeout_interval"`
	ReplaceExisting       bool          `yaml:"replace_existing" json:"replace_existing"`
	Whitelist             []string      `yaml:"whitelist" json:"whitelist"`
	Wallet                WalletConfig  `yaml:"wallet" json:"wallet"`
	TLS                   TLSConfig     `yaml:"tls" json:"tls"`
	AuditDSN              string        `yaml:"audit_dsn" json:"audit_dsn"`
	Logging               LoggingConfig `yaml:"logging" json:"logging"`
	Metrics               MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ClientConfig configures client.Client.
type ClientConfig struct {
	Host                 string        `yaml:"host" json:"host"`
	Port                 int           `yaml:"port" json:"port"`
	TLS                  bool          `yaml:"tls" json:"tls"`
	Wallet               WalletConfig  `yaml:"wallet" json:"wallet"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay" json:"reconnect_delay"`
	AuthTimeout          time.Duration `yaml:"auth_timeout" json:"auth_timeout"`
	Logging              LoggingConfig `yaml:"logging" json:"logging"`
}

// LoggingConfig controls leveled, structured log output.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig controls the optional Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

// DefaultServerConfig returns the baseline server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:                  3793,
		AuthTimeout:           5000 * time.Millisecond,
		AuthCheckInterval:     1000 * time.Millisecond,
		HeartbeatInterval:     1000 * time.Millisecond,
		ClientTimeout:         5000 * time.Millisecond,
		ClientTimeoutInterval: 1000 * time.Millisecond,
		ReplaceExisting:       true,
		Logging:               LoggingConfig{Level: "info", Format: "json"},
		Metrics:               MetricsConfig{Enabled: false, Addr: ":9793"},
	}
}

// DefaultClientConfig returns the baseline client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:                 "localhost",
		Port:                 3793,
		TLS:                  false,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       1000 * time.Millisecond,
		AuthTimeout:          5000 * time.Millisecond,
		Logging:              LoggingConfig{Level: "info", Format: "json"},
	}
}

// setServerDefaults fills in zero fields with their defaults. raw is
// the config document decoded as a generic map (nil if cfg didn't come
// from a file): a sweeper interval set to 0 in raw is an explicit
// "disable this sweeper" and must survive, not get clobbered back to
// its non-zero default the way an absent key would.
func setServerDefaults(cfg *ServerConfig, raw map[string]interface{}) {
	d := DefaultServerConfig()
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = d.AuthTimeout
	}
	if cfg.AuthCheckInterval == 0 && !rawHasKey(raw, "auth_check_interval") {
		cfg.AuthCheckInterval = d.AuthCheckInterval
	}
	if cfg.HeartbeatInterval == 0 && !rawHasKey(raw, "heartbeat_interval") {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.ClientTimeout == 0 {
		cfg.ClientTimeout = d.ClientTimeout
	}
	if cfg.ClientTimeoutInterval == 0 && !rawHasKey(raw, "client_timeout_interval") {
		cfg.ClientTimeoutInterval = d.ClientTimeoutInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging = d.Logging
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = d.Metrics.Addr
	}
	if cfg.Wallet.Scheme == "" {
		cfg.Wallet.Scheme = "ethereum"
	}
	// ReplaceExisting's zero value (false) is a valid explicit choice,
	// so it is only defaulted to true when the key is absent from raw.
	if !cfg.ReplaceExisting && !rawHasKey(raw, "replace_existing") {
		cfg.ReplaceExisting = d.ReplaceExisting
	}
}

// rawHasKey reports whether key was present in the decoded config
// document, regardless of its value.
func rawHasKey(raw map[string]interface{}, key string) bool {
	if raw == nil {
		return false
	}
	_, ok := raw[key]
	return ok
}

func setClientDefaults(cfg *ClientConfig) {
	d := DefaultClientConfig()
	if cfg.Host == "" {
		cfg.Host = d.Host
	}
	if cfg.Port == 0 {
		cfg.Port = d.Port
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = d.ReconnectDelay
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = d.AuthTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging = d.Logging
	}
	if cfg.Wallet.Scheme == "" {
		cfg.Wallet.Scheme = "ethereum"
	}
}
