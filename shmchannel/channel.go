// Package shmchannel implements the shared-memory transport's
// connection object and its listener: a pair of named rings per
// channel, a UUID-keyed accept-ring handshake, and client poll-connect.
//
// It is built directly on shmring; this package only adds the naming
// convention, handshake framing, and connect/accept choreography.
package shmchannel

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sagernet/nprpc/internal/nprpcerr"
	"github.com/sagernet/nprpc/shmring"
)

const (
	// DefaultRingCapacity is the per-ring byte budget.
	DefaultRingCapacity = 16 << 20
	// MaxMessageSize rejects any message larger than this as oversize.
	MaxMessageSize = 32 << 20

	connectRetryInterval = 50 * time.Millisecond
	connectTimeout       = 5 * time.Second
	readPollInterval     = 100 * time.Millisecond
)

func s2cName(channelID string) string { return fmt.Sprintf("nprpc_%s_s2c", channelID) }
func c2sName(channelID string) string { return fmt.Sprintf("nprpc_%s_c2s", channelID) }
func acceptName(listenerName string) string { return fmt.Sprintf("nprpc_%s_accept", listenerName) }

// Channel is one connected pair of named rings. Exactly one side is the
// creator (the listener, on accept); the creator's ring removal on
// Close is handled by shmring's MapShared closer, so Channel need not
// duplicate that bookkeeping.
type Channel struct {
	ID        string
	send      *shmring.Ring
	recv      *shmring.Ring
	isCreator bool
}

// NewAsCreator is called by the listener once it has parsed a valid
// handshake: it creates both named rings for channelID, becoming their
// owner for unlink-on-close purposes.
func NewAsCreator(channelID string, ringCapacity int) (*Channel, error) {
	if ringCapacity <= 0 {
		ringCapacity = DefaultRingCapacity
	}
	s2c, err := shmring.MapShared(s2cName(channelID), ringCapacity, true)
	if err != nil {
		return nil, fmt.Errorf("shmchannel: create s2c ring: %w", err)
	}
	c2s, err := shmring.MapShared(c2sName(channelID), ringCapacity, true)
	if err != nil {
		s2c.Close()
		return nil, fmt.Errorf("shmchannel: create c2s ring: %w", err)
	}
	return &Channel{ID: channelID, send: s2c, recv: c2s, isCreator: true}, nil
}

// ConnectNew mints a fresh UUID channel id and connects with it,
// the normal client entry point.
func ConnectNew(listenerName string, ringCapacity int) (*Channel, error) {
	return Connect(listenerName, uuid.NewString(), ringCapacity)
}

// Connect is the client side of the handshake: write a handshake into
// the listener's accept ring, then poll-open the newly created
// per-channel rings at a 50ms cadence until a 5s timeout expires.
func Connect(listenerName, channelID string, ringCapacity int) (*Channel, error) {
	if ringCapacity <= 0 {
		ringCapacity = DefaultRingCapacity
	}

	acceptRing, err := shmring.MapShared(acceptName(listenerName), DefaultRingCapacity, false)
	if err != nil {
		return nil, fmt.Errorf("shmchannel: open accept ring %q: %w", listenerName, err)
	}
	defer acceptRing.Close()

	hs := encodeHandshake(channelID)
	if ok, err := acceptRing.TryWrite(hs); err != nil {
		return nil, err
	} else if !ok {
		return nil, nprpcerr.New(nprpcerr.KindBufferFull, "accept ring full")
	}

	deadline := time.Now().Add(connectTimeout)
	var s2c, c2s *shmring.Ring
	for {
		s2c, err = shmring.MapShared(s2cName(channelID), ringCapacity, false)
		if err == nil {
			c2s, err = shmring.MapShared(c2sName(channelID), ringCapacity, false)
			if err == nil {
				break
			}
			s2c.Close()
		}
		if time.Now().After(deadline) {
			return nil, nprpcerr.Wrap(nprpcerr.KindTimeout, "shared-memory channel did not appear", err)
		}
		time.Sleep(connectRetryInterval)
	}

	// client writes to c2s, reads from s2c — the mirror of the creator.
	return &Channel{ID: channelID, send: c2s, recv: s2c, isCreator: false}, nil
}

// Close releases both rings. Only the creator's MapShared closers
// actually unlink the backing files (shmring.MapShared only removes the
// file when it created it), so the listener never deletes a channel it
// didn't create.
func (c *Channel) Close() error {
	err1 := c.send.Close()
	err2 := c.recv.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// ReserveWrite exposes the ring's zero-copy reservation directly so a
// marshaller can serialize straight into shared memory instead of
// building a frame and copying it in.
func (c *Channel) ReserveWrite(maxSize int) (*shmring.WriteReservation, bool) {
	return c.send.TryReserveWrite(maxSize)
}

// Send copies data into the ring in one call for callers that already
// have a complete frame.
func (c *Channel) Send(data []byte) error {
	if len(data) > MaxMessageSize {
		return nprpcerr.MessageTooLarge
	}
	ok, err := c.send.TryWrite(data)
	if err != nil {
		return err
	}
	if !ok {
		return nprpcerr.BufferFull
	}
	return nil
}

// ReadLoop delivers frames to onFrame until stop is closed or onFrame
// returns an error. It polls the receive ring at a 100ms deadline, so a
// closed stop channel is noticed within one poll interval even with no
// traffic.
func (c *Channel) ReadLoop(onFrame func([]byte) error, stop <-chan struct{}) error {
	buf := make([]byte, MaxMessageSize)
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		n, ok, err := c.recv.ReadWithTimeout(buf, readPollInterval)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		if err := onFrame(frame); err != nil {
			return err
		}
	}
}
