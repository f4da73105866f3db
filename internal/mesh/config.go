package mesh

import (
	"fmt"
	"time"
)

// Config defines mesh timing and transfer defaults.
type Config struct {
	PingInterval       time.Duration
	PingExpiry         time.Duration
	CallTimeout        time.Duration
	StreamTimeout      time.Duration
	AdvertiseInterval  time.Duration
	PeerTTL            time.Duration
	DefaultRTT         time.Duration
	MaxPacing          time.Duration
	MinChunkBytes      int
	MaxChunkBytes      int
	FixedChunkBytes    int
	MaxStreamChunks    int
	MaxImplicitStreams int
}

// DefaultConfig returns protocol defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:       4 * time.Second,
		PingExpiry:         8 * time.Second,
		CallTimeout:        8 * time.Second,
		StreamTimeout:      12 * time.Second,
		AdvertiseInterval:  30 * time.Second,
		PeerTTL:            0,
		DefaultRTT:         50 * time.Millisecond,
		MaxPacing:          10 * time.Millisecond,
		MinChunkBytes:      16 * 1024,
		MaxChunkBytes:      512 * 1024,
		FixedChunkBytes:    64 * 1024,
		MaxStreamChunks:    65536,
		MaxImplicitStreams: 64,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
// A negative AdvertiseInterval or MaxImplicitStreams disables that feature.
// PeerTTL zero keeps peers forever.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingExpiry <= 0 {
		c.PingExpiry = 2 * c.PingInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = d.StreamTimeout
	}
	if c.AdvertiseInterval == 0 {
		c.AdvertiseInterval = d.AdvertiseInterval
	}
	if c.DefaultRTT <= 0 {
		c.DefaultRTT = d.DefaultRTT
	}
	if c.MaxPacing <= 0 {
		c.MaxPacing = d.MaxPacing
	}
	if c.MinChunkBytes <= 0 {
		c.MinChunkBytes = d.MinChunkBytes
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = d.MaxChunkBytes
	}
	if c.FixedChunkBytes <= 0 {
		c.FixedChunkBytes = d.FixedChunkBytes
	}
	if c.MaxStreamChunks <= 0 {
		c.MaxStreamChunks = d.MaxStreamChunks
	}
	if c.MaxImplicitStreams == 0 {
		c.MaxImplicitStreams = d.MaxImplicitStreams
	}
	return c
}

func (c Config) Validate() error {
	if c.MinChunkBytes > c.MaxChunkBytes {
		return fmt.Errorf("mesh: min_chunk_bytes %d exceeds max_chunk_bytes %d", c.MinChunkBytes, c.MaxChunkBytes)
	}
	if c.PingExpiry < c.PingInterval {
		return fmt.Errorf("mesh: ping_expiry %v shorter than ping_interval %v", c.PingExpiry, c.PingInterval)
	}
	return nil
}
