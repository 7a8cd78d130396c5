package shmchannel

import (
	"sync"

	"github.com/sagernet/nprpc/shmring"
	"go.uber.org/zap"
)

// AcceptHandler is invoked once per accepted connection, in its own
// goroutine, with the freshly created per-connection Channel.
type AcceptHandler func(ch *Channel)

// Listener owns a single well-known accept ring and hands each valid
// handshake off to an AcceptHandler with a dedicated Channel it created.
type Listener struct {
	name        string
	ring        *shmring.Ring
	ringCap     int
	handler     AcceptHandler
	logger      *zap.Logger

	stop   chan struct{}
	stopOnce sync.Once
	wg     sync.WaitGroup
}

// Listen creates the accept ring under name and starts serving. Unlike
// per-channel rings, the accept ring itself is never removed by a
// disconnecting client — only Close removes it, since the listener is
// its creator.
func Listen(name string, ringCapacity int, handler AcceptHandler, logger *zap.Logger) (*Listener, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ring, err := shmring.MapShared(acceptName(name), DefaultRingCapacity, true)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		name:    name,
		ring:    ring,
		ringCap: ringCapacity,
		handler: handler,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.serve()
	return l, nil
}

func (l *Listener) serve() {
	defer l.wg.Done()
	buf := make([]byte, handshakeSize+64) // small slack; handshake is fixed-size
	for {
		select {
		case <-l.stop:
			return
		default:
		}
		n, ok, err := l.ring.ReadWithTimeout(buf, readPollInterval)
		if err != nil {
			l.logger.Warn("accept ring read failed", zap.Error(err))
			return
		}
		if !ok {
			continue
		}
		channelID, valid := decodeHandshake(buf[:n])
		if !valid {
			l.logger.Warn("dropping malformed accept handshake")
			continue
		}
		l.acceptOne(channelID)
	}
}

func (l *Listener) acceptOne(channelID string) {
	ch, err := NewAsCreator(channelID, l.ringCap)
	if err != nil {
		l.logger.Warn("failed to create channel rings", zap.String("channel_id", channelID), zap.Error(err))
		return
	}
	go l.handler(ch)
}

// Close stops the accept loop and removes the accept ring's backing
// file (this listener is its creator).
func (l *Listener) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
	return l.ring.Close()
}
