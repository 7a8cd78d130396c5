// Package streammgr implements the per-session stream manager: a
// registry of active outbound StreamWriters and inbound StreamReaders,
// windowed flow control, and the chunk/completion/error/window-update/
// cancel frame vocabulary.
//
// The flow-control accounting follows the same shape as a multiplexed
// byte stream's window tracking (consumed count, peer window, emit an
// update at the half-window mark), adapted to count consumed *chunks*
// instead of bytes, since a stream here carries a sequence of
// marshalled values rather than an undifferentiated byte pipe.
package streammgr

import (
	"sync"
	"sync/atomic"

	"github.com/sagernet/nprpc/internal/nprpcerr"
)

// DefaultWindowSize bounds how many unconsumed chunks an inbound reader
// buffers before it must emit a StreamWindowUpdate.
const DefaultWindowSize = 16

// StreamID is a session-scoped identifier, orthogonal to request ids.
type StreamID uint32

// FrameSink is how the manager hands a marshalled stream frame to the
// owning session for transmission — decoupling stream bookkeeping from
// any particular transport.
type FrameSink interface {
	SendStreamFrame(streamID StreamID, kind FrameKind, sequence uint32, data []byte) error
}

// FrameKind enumerates the stream-subprotocol msg_ids.
type FrameKind uint8

const (
	FrameInitialization FrameKind = iota
	FrameDataChunk
	FrameCompletion
	FrameError
	FrameWindowUpdate
	FrameCancel
)

// Manager owns every active stream for one session.
type Manager struct {
	sink FrameSink

	mu        sync.Mutex
	nextID    uint32
	outbound  map[StreamID]*OutboundStream
	inbound   map[StreamID]*InboundStream
}

func NewManager(sink FrameSink) *Manager {
	return &Manager{
		sink:     sink,
		outbound: make(map[StreamID]*OutboundStream),
		inbound:  make(map[StreamID]*InboundStream),
	}
}

func (m *Manager) nextStreamID() StreamID {
	return StreamID(atomic.AddUint32(&m.nextID, 1))
}

// Producer yields successive chunk payloads over out until it returns,
// or stops early if cancel closes. A non-nil return is reported to the
// peer as a StreamError.
type Producer func(out chan<- []byte, cancel <-chan struct{}) error

// StartOutbound registers a new outbound stream, announces it to the
// peer with a StreamInitialization frame (sent synchronously, before
// the producer goroutine starts, so it can never race a data chunk for
// the same stream id), and starts the producer windowed at windowSize
// in-flight chunks.
func (m *Manager) StartOutbound(windowSize int, produce Producer) (*OutboundStream, error) {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	id := m.nextStreamID()
	s := &OutboundStream{
		id:       id,
		mgr:      m,
		window:   windowSize,
		tokens:   make(chan struct{}, windowSize),
		chUpdate: make(chan struct{}, 1),
		cancel:   make(chan struct{}),
		produced: make(chan []byte),
	}
	for i := 0; i < windowSize; i++ {
		s.tokens <- struct{}{}
	}

	if err := m.sink.SendStreamFrame(id, FrameInitialization, 0, nil); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.outbound[id] = s
	m.mu.Unlock()

	go s.run(produce)
	return s, nil
}

// OutboundStream is the server-side (producer) end of a stream.
type OutboundStream struct {
	id       StreamID
	mgr      *Manager
	window   int
	sequence uint32

	tokens   chan struct{} // one token per unconsumed-window slot
	chUpdate chan struct{}
	cancel   chan struct{}
	cancelOnce sync.Once
	produced chan []byte
}

func (s *OutboundStream) ID() StreamID { return s.id }

func (s *OutboundStream) run(produce Producer) {
	defer s.mgr.removeOutbound(s.id)

	done := make(chan error, 1)
	go func() { done <- produce(s.produced, s.cancel) }()

	for {
		select {
		case chunk, ok := <-s.produced:
			if !ok {
				continue
			}
			select {
			case <-s.tokens:
			case <-s.cancel:
				return
			}
			s.sequence++
			if err := s.mgr.sink.SendStreamFrame(s.id, FrameDataChunk, s.sequence, chunk); err != nil {
				s.mgr.sink.SendStreamFrame(s.id, FrameError, s.sequence, []byte(err.Error()))
				return
			}
		case err := <-done:
			if err != nil {
				s.mgr.sink.SendStreamFrame(s.id, FrameError, s.sequence, []byte(err.Error()))
				return
			}
			s.mgr.sink.SendStreamFrame(s.id, FrameCompletion, s.sequence, nil)
			return
		case <-s.cancel:
			return
		}
	}
}

// OnWindowUpdate is called by the session when a StreamWindowUpdate
// frame arrives for this stream, releasing one send token per consumed
// chunk the peer has acknowledged.
func (s *OutboundStream) OnWindowUpdate(consumedDelta int) {
	for i := 0; i < consumedDelta; i++ {
		select {
		case s.tokens <- struct{}{}:
		default:
		}
	}
}

// Cancel stops the producer and frees resources without waiting for
// natural completion.
func (s *OutboundStream) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancel) })
}

// Outbound looks up the producer-side stream a WindowUpdate or Cancel
// frame from the consumer addresses.
func (m *Manager) Outbound(id StreamID) (*OutboundStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.outbound[id]
	return s, ok
}

func (m *Manager) removeOutbound(id StreamID) {
	m.mu.Lock()
	delete(m.outbound, id)
	m.mu.Unlock()
}

// InboundStream is the client-side (consumer) end of a stream: chunks
// arrive pushed from the session's read loop and are buffered here,
// bounded by windowSize. Next emits a StreamWindowUpdate for the first
// chunk handed to the consumer and then each time half the window has
// been drained since the last update.
type InboundStream struct {
	id         StreamID
	mgr        *Manager
	window     int
	chunks     chan []byte
	done       chan struct{}
	doneOnce   sync.Once
	err        error
	consumed   int
	ackPending int
	mu         sync.Mutex
}

// RegisterInbound is called when a StreamInitialization frame is
// received for a new stream_id the session hasn't seen before.
func (m *Manager) RegisterInbound(id StreamID, windowSize int) *InboundStream {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	s := &InboundStream{
		id:     id,
		mgr:    m,
		window: windowSize,
		chunks: make(chan []byte, windowSize),
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.inbound[id] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) Inbound(id StreamID) (*InboundStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.inbound[id]
	return s, ok
}

// PushChunk delivers a StreamDataChunk payload to the consumer.
func (s *InboundStream) PushChunk(data []byte) {
	select {
	case s.chunks <- data:
	case <-s.done:
	}
}

// Complete marks the stream as finished successfully.
func (s *InboundStream) Complete() {
	close(s.chunks)
	s.finish(nil)
}

// Fail marks the stream as finished with err, surfaced to Next().
func (s *InboundStream) Fail(err error) {
	s.finish(err)
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *InboundStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.mgr.mu.Lock()
	delete(s.mgr.inbound, s.id)
	s.mgr.mu.Unlock()
}

// Next blocks for the next chunk; ok is false once the stream has
// completed (err nil) or failed (err set).
func (s *InboundStream) Next() (chunk []byte, ok bool, err error) {
	var c []byte
	more := false
	select {
	case c, more = <-s.chunks:
	case <-s.done:
	}
	if !more {
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, false, s.err
	}

	s.mu.Lock()
	s.consumed++
	s.ackPending++
	shouldAck := s.ackPending >= s.window/2 || s.consumed == 1
	var ackedDelta int
	if shouldAck {
		ackedDelta = s.ackPending
		s.ackPending = 0
	}
	s.mu.Unlock()

	if shouldAck {
		// WindowUpdate's sequence field carries the number of chunks
		// newly consumed since the last ack, not a cumulative count, so
		// the producer can feed it straight to OnWindowUpdate as a
		// token-release delta.
		if err := s.mgr.sink.SendStreamFrame(s.id, FrameWindowUpdate, uint32(ackedDelta), nil); err != nil {
			return c, true, err
		}
	}
	return c, true, nil
}

// Cancel tells the peer to stop producing and tears down local state.
func (s *InboundStream) Cancel() error {
	s.doneOnce.Do(func() { close(s.done) })
	return s.mgr.sink.SendStreamFrame(s.id, FrameCancel, 0, nil)
}

// CloseAll stops every active stream on session teardown so none leaks:
// outbound producers are cancelled and inbound readers fail with
// CommFailure. Both happen locally; no StreamError or other frame is
// sent to the peer.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	outs := make([]*OutboundStream, 0, len(m.outbound))
	for _, s := range m.outbound {
		outs = append(outs, s)
	}
	ins := make([]*InboundStream, 0, len(m.inbound))
	for _, s := range m.inbound {
		ins = append(ins, s)
	}
	m.mu.Unlock()

	for _, s := range outs {
		s.Cancel()
	}
	for _, s := range ins {
		s.Fail(nprpcerr.CommFailure)
	}
}
