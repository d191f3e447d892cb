package pa

import (
	"errors"
	"fmt"
	"time"
)

// Config tunes the protocol state and the server loops.
type Config struct {
	// PoolSize is the number of transfer contexts. Zero derives it from
	// ExpectedEndpoints.
	PoolSize          int
	ExpectedEndpoints int
	HashBuckets       int
	MaxRetries        int
	ChecksumEnabled   bool
	DebugRMPP         bool

	// PacketLifetime and RespTimeValue are the exponents of the response
	// timeout formula.
	PacketLifetime uint8
	RespTimeValue  uint8

	InitialWindow     uint32
	MaxRMPPDataLength int

	AgingInterval    time.Duration
	ReceiveWait      time.Duration
	RequestRateLimit int
}

const (
	minPoolSize    = 16
	maxTimeoutExp  = 31
	poolPerClient  = 2
	defaultBuckets = 64
)

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ExpectedEndpoints: 64,
		HashBuckets:       defaultBuckets,
		MaxRetries:        3,
		PacketLifetime:    18,
		RespTimeValue:     18,
		InitialWindow:     1,
		MaxRMPPDataLength: 2 << 20,
		AgingInterval:     time.Second,
		ReceiveWait:       100 * time.Millisecond,
	}
}

// EffectivePoolSize resolves the configured or derived pool size.
func (c Config) EffectivePoolSize() int {
	if c.PoolSize > 0 {
		return c.PoolSize
	}
	return max(c.ExpectedEndpoints*poolPerClient, minPoolSize)
}

// Validate checks the configuration for values the engine cannot work with.
func (c Config) Validate() error {
	var errs []error
	if c.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("pool size must not be negative: %d", c.PoolSize))
	}
	if c.PoolSize == 0 && c.ExpectedEndpoints <= 0 {
		errs = append(errs, errors.New("expected endpoints must be positive when pool size is derived"))
	}
	if c.HashBuckets <= 0 {
		errs = append(errs, fmt.Errorf("hash buckets must be positive: %d", c.HashBuckets))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative: %d", c.MaxRetries))
	}
	if c.PacketLifetime > maxTimeoutExp || c.RespTimeValue > maxTimeoutExp {
		errs = append(errs, fmt.Errorf("timeout exponents must be at most %d", maxTimeoutExp))
	}
	if c.InitialWindow == 0 {
		errs = append(errs, errors.New("initial window must be at least 1"))
	}
	if c.MaxRMPPDataLength <= 0 {
		errs = append(errs, fmt.Errorf("max RMPP data length must be positive: %d", c.MaxRMPPDataLength))
	}
	if c.AgingInterval <= 0 || c.ReceiveWait <= 0 {
		errs = append(errs, errors.New("aging interval and receive wait must be positive"))
	}
	if c.RequestRateLimit < 0 {
		errs = append(errs, fmt.Errorf("request rate limit must not be negative: %d", c.RequestRateLimit))
	}
	return errors.Join(errs...)
}

// ResponseTimeout is 4 × (2×2^packetLifetime + 2^respTime) microseconds.
func ResponseTimeout(packetLifetime, respTime uint8) time.Duration {
	us := 4 * (2*(uint64(1)<<packetLifetime) + uint64(1)<<respTime)
	return time.Duration(us) * time.Microsecond
}
