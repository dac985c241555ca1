package engine

import (
	"crypto/tls"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/qcore/qtransport/transport"
	"gopkg.in/yaml.v3"
)

// Config parameterizes an Endpoint: the transport parameters every
// accepted connection gets, plus the engine-level knobs a host needs
// (address-validation keys, idle/retry policy, logging).
// cmd/qserved loads one of these from YAML via gopkg.in/yaml.v3.
type Config struct {
	// ListenAddr is informational only here; the engine never owns a
	// socket - cmd/qserved reads it to know what to bind.
	ListenAddr string `yaml:"listen_addr"`

	// CertFile/KeyFile build the tls.Config handed to every accepted
	// connection's TLS 1.3 provider.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// RequireRetry forces every new connection through a Retry
	// round-trip before a handshake is allowed to proceed.
	RequireRetry bool `yaml:"require_retry"`

	// TokenKeyHex/StatelessResetKeyHex are hex-encoded symmetric keys
	// for address-validation tokens and stateless-reset token
	// derivation. A missing value is replaced with a process-lifetime
	// random key at Endpoint startup.
	TokenKeyHex          string `yaml:"token_key"`
	StatelessResetKeyHex string `yaml:"stateless_reset_key"`

	// RetryTokenLifetime bounds how long a Retry token stays valid
	// before transport.DecodeRetryToken rejects it; zero means the engine's
	// built-in default (10s).
	RetryTokenLifetime time.Duration `yaml:"retry_token_lifetime"`

	// MaxIdleTimeout/InitialMaxData and friends override
	// transport.DefaultParameters() where set (zero keeps the default).
	MaxIdleTimeout         time.Duration `yaml:"max_idle_timeout"`
	InitialMaxData         uint64        `yaml:"initial_max_data"`
	InitialMaxStreamsBidi  uint64        `yaml:"initial_max_streams_bidi"`
	InitialMaxStreamsUni   uint64        `yaml:"initial_max_streams_uni"`

	// LocalCIDLength is the length in bytes of connection ids this
	// endpoint mints; short-header packets carry no length field, so
	// the host must agree with itself on this up front.
	LocalCIDLength int `yaml:"local_cid_length"`

	// LogLevel is one of "debug", "info", "warn", "error" (logrus
	// ParseLevel names); empty defaults to "info".
	LogLevel string `yaml:"log_level"`

	// Registerer receives this Endpoint's metrics collectors. Nil (the
	// default, and the only option via YAML) gets a fresh
	// prometheus.NewRegistry() per Endpoint, so multiple Endpoints in
	// one process never collide registering the same collector names
	// on the global default registry.
	Registerer prometheus.Registerer `yaml:"-"`
}

// DefaultConfig returns the values an Endpoint falls back to for any
// zero field of a loaded Config.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "0.0.0.0:4433",
		LocalCIDLength: 8,
		LogLevel:       "info",
	}
}

// LoadConfig reads and parses a YAML configuration file, filling in
// DefaultConfig() for anything the file leaves zero.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultConfig().ListenAddr
	}
	if cfg.LocalCIDLength == 0 {
		cfg.LocalCIDLength = DefaultConfig().LocalCIDLength
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultConfig().LogLevel
	}
	return cfg, nil
}

// tlsConfig builds the crypto/tls.Config an accepted connection's
// QUICConn wraps, loading the certificate named by CertFile/KeyFile.
func (c Config) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"qcore"},
	}, nil
}

// transportParams builds the Parameters every accepted connection
// starts from, applying this Config's overrides on top of
// transport.DefaultParameters().
func (c Config) transportParams() transport.Parameters {
	p := transport.DefaultParameters()
	if c.MaxIdleTimeout != 0 {
		p.MaxIdleTimeout = c.MaxIdleTimeout
	}
	if c.InitialMaxData != 0 {
		p.InitialMaxData = c.InitialMaxData
	}
	if c.InitialMaxStreamsBidi != 0 {
		p.InitialMaxStreamsBidi = c.InitialMaxStreamsBidi
	}
	if c.InitialMaxStreamsUni != 0 {
		p.InitialMaxStreamsUni = c.InitialMaxStreamsUni
	}
	return p
}
