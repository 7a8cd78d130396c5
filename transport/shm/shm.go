// Package shm adapts shmchannel.Channel to rpcsession.Transport, so a
// Session can ride over shared memory exactly as it would over TCP or
// WebSocket.
package shm

import (
	"github.com/sagernet/nprpc/internal/nprpcerr"
	"github.com/sagernet/nprpc/shmchannel"
)

// Conn wraps a *shmchannel.Channel behind the narrow Send/Recv/Close
// contract rpcsession.Transport expects, funneling ReadLoop's
// callback-style delivery through a channel so Recv can stay a simple
// blocking call.
type Conn struct {
	ch      *shmchannel.Channel
	frames  chan []byte
	errs    chan error
	stop    chan struct{}
}

// Wrap starts the channel's read loop feeding an internal queue that
// Recv drains, and returns the adapted transport.
func Wrap(ch *shmchannel.Channel) *Conn {
	c := &Conn{
		ch:     ch,
		frames: make(chan []byte, 64),
		errs:   make(chan error, 1),
		stop:   make(chan struct{}),
	}
	go func() {
		err := ch.ReadLoop(func(frame []byte) error {
			select {
			case c.frames <- frame:
				return nil
			case <-c.stop:
				return nprpcerr.CommFailure
			}
		}, c.stop)
		if err != nil {
			select {
			case c.errs <- err:
			default:
			}
		}
	}()
	return c
}

func (c *Conn) Send(frame []byte) error {
	return c.ch.Send(frame)
}

func (c *Conn) Recv() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case err := <-c.errs:
		return nil, err
	case <-c.stop:
		return nil, nprpcerr.CommFailure
	}
}

func (c *Conn) Close() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	return c.ch.Close()
}
