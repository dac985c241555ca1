package transport

import (
	"crypto/tls"
	"time"
)

// Parameters holds the QUIC transport parameters exchanged during the
// handshake. Zero values are valid defaults per the RFC except where
// noted.
type Parameters struct {
	InitialSourceCID       []byte
	OriginalDestinationCID []byte
	RetrySourceCID         []byte
	StatelessResetToken    []byte

	InitialMaxData                 uint64
	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	MaxIdleTimeout          time.Duration
	MaxUDPPayloadSize       uint64
	AckDelayExponent        uint64
	MaxAckDelay             time.Duration
	ActiveConnectionIDLimit uint64

	DisableActiveMigration bool
}

// DefaultParameters returns the values this module advertises absent
// any application override.
func DefaultParameters() Parameters {
	return Parameters{
		InitialMaxData:                 16 * 1024 * 1024,
		InitialMaxStreamDataBidiLocal:  1 * 1024 * 1024,
		InitialMaxStreamDataBidiRemote: 1 * 1024 * 1024,
		InitialMaxStreamDataUni:        1 * 1024 * 1024,
		InitialMaxStreamsBidi:          128,
		InitialMaxStreamsUni:           128,
		MaxIdleTimeout:                 30 * time.Second,
		MaxUDPPayloadSize:              1452,
		AckDelayExponent:               3,
		MaxAckDelay:                    25 * time.Millisecond,
		ActiveConnectionIDLimit:        4,
	}
}

// Config parameterizes a connection: the fields Connect/Accept read
// off it to build the initial transport parameters and crypto provider.
type Config struct {
	// Version is the QUIC wire version to speak; 0 picks the module's
	// default (version 1).
	Version uint32

	Params Parameters

	// TLS is the application's certificate/verification configuration,
	// wrapped at connection setup time into a crypto/tls.QUICConn.
	TLS *tls.Config

	// TokenKey/RetryLifetime parameterize address-validation token
	// issuance; a server-only setting.
	TokenKey      []byte
	RetryLifetime time.Duration

	// StatelessResetKey derives per-CID stateless reset tokens.
	StatelessResetKey []byte
}

const versionQUIC1 uint32 = 0x00000001

func (c *Config) version() uint32 {
	if c.Version != 0 {
		return c.Version
	}
	return versionQUIC1
}

func (c *Config) retryLifetime() time.Duration {
	if c.RetryLifetime != 0 {
		return c.RetryLifetime
	}
	return 10 * time.Second
}
