package nprpc

import (
	"time"

	"go.uber.org/zap"
)

// Config configures an Rpc instance: which transports to listen on and
// the session-level tunables layered over the package-wide backpressure
// ceilings in rpcsession.
type Config struct {
	ListenTcp  string // "host:port"; empty disables the TCP listener
	ListenUdp  string // "host:port"; empty disables the UDP listener
	ListenHttp string // "host:port"; empty disables the HTTP listener
	ListenWs   string // "host:port"; empty disables the WebSocket listener
	ShmChannel string // accept-ring name; empty disables the SHM listener

	ShmRingCapacity int

	DefaultCallTimeout time.Duration
	UdpRetryTimeout    time.Duration
	UdpMaxRetries      int

	Logger *zap.Logger
}

// DefaultConfig returns a Config with every listener disabled and sane
// tunables, mirroring the teacher's DefaultConfig()-builds-a-zero-value-
// plus-overrides convention.
func DefaultConfig() *Config {
	return &Config{
		ShmRingCapacity:    16 << 20,
		DefaultCallTimeout: 30 * time.Second,
		UdpRetryTimeout:    500 * time.Millisecond,
		UdpMaxRetries:      3,
		Logger:             zap.NewNop(),
	}
}

func (c *Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}
