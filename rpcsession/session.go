// Package rpcsession implements the transport-agnostic session state
// machine: a per-connection work queue, a FIFO pending-reply ledger,
// rx/tx buffer lifecycle, and the request/response, streaming, and
// fire-and-forget call shapes layered over any framed byte transport.
//
// The write queue, die-channel teardown, and exactly-once close
// discipline follow the same shape as a multiplexed stream session:
// readLoop/writeLoop split the duties of a single recv/send pump, and
// the per-stream token bucket becomes the session-wide
// max_pending_requests / max_write_queue_size ceilings.
package rpcsession

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sagernet/nprpc/internal/nprpcerr"
	"github.com/sagernet/nprpc/streammgr"
	"go.uber.org/zap"
)

// Transport is the narrow byte-framing contract every concrete
// transport (TCP, WebSocket, HTTP, SHM, UDP) implements; Session itself
// never touches a socket or a ring directly.
type Transport interface {
	// Send writes one complete frame. It must not interleave partial
	// frames from concurrent callers — Session never calls it
	// concurrently with itself, but a transport shared with other
	// owners must still serialize internally if that can happen.
	Send(frame []byte) error
	// Recv blocks for the next complete frame. It returns io.EOF (or a
	// wrapped variant) when the peer closes cleanly.
	Recv() ([]byte, error)
	Close() error
}

// Reconnector is implemented by transports that support a single
// automatic reconnect attempt (TCP). Transports without a meaningful
// reconnect (UDP, SHM, HTTP) simply don't implement it.
type Reconnector interface {
	Reconnect() (Transport, error)
}

// RequestHandler parses an inbound FunctionCall frame, dispatches it to
// the owning Rpc's POA/servant, and returns the reply frame. It is
// supplied by the root nprpc package so rpcsession stays independent of
// POA/servant types.
type RequestHandler func(ctx *Context, frame []byte) (reply []byte, err error)

// StreamFrameHandler routes an inbound stream-subprotocol frame
// (StreamDataChunk/Completion/Error/WindowUpdate/Cancel) to the
// session's StreamManager.
type StreamFrameHandler func(ctx *Context, frame []byte) error

// OnFailed is invoked when the session's transport fails
// unrecoverably.
type OnFailed func(err error)

// Session is one connection's worth of state, transport-independent.
type Session struct {
	transport atomic.Pointer[Transport]
	handler   RequestHandler
	streamFn  StreamFrameHandler
	onFailed  OnFailed
	logger    *zap.Logger

	ctx       *Context
	streamMgr *streammgr.Manager

	writeQueue chan *work

	pendingMu sync.Mutex
	pending   *list.List // FIFO of *work awaiting a reply, front = oldest
	pendingN  int

	nextRequestID atomic.Uint32

	die       chan struct{}
	dieOnce   sync.Once
	closeErr  atomic.Pointer[error]

	reconnectOnce sync.Once // one reconnect attempt per failure episode
	reconnectedMu sync.Mutex

	teardownHook func([]RefEntry)

	wg sync.WaitGroup
}

// AttachTeardownHook installs fn to receive this session's drained
// reference list exactly once, at the point Close tears it down. Used
// by the owning coordinator to deactivate transient servants the
// session activated, since Session itself has no notion of POAs.
func (s *Session) AttachTeardownHook(fn func([]RefEntry)) {
	s.teardownHook = fn
}

// New wraps an already-established Transport in a Session and starts
// its write/read loops.
func New(t Transport, handler RequestHandler, streamFn StreamFrameHandler, onFailed OnFailed, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		handler:    handler,
		streamFn:   streamFn,
		onFailed:   onFailed,
		logger:     logger,
		writeQueue: make(chan *work, MaxWriteQueueSize),
		pending:    list.New(),
		die:        make(chan struct{}),
	}
	s.transport.Store(&t)
	s.ctx = newContext(s)

	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	return s
}

// Context returns this session's SessionContext.
func (s *Session) Context() *Context { return s.ctx }

func (s *Session) currentTransport() Transport {
	p := s.transport.Load()
	if p == nil {
		return nil
	}
	return *p
}

// IsClosed reports whether the session has torn down.
func (s *Session) IsClosed() bool {
	select {
	case <-s.die:
		return true
	default:
		return false
	}
}

// Close tears the session down idempotently: cancels every outstanding
// Work with CommFailure, drains the reference list, and closes the
// transport.
func (s *Session) Close() error {
	var didClose bool
	s.dieOnce.Do(func() {
		didClose = true
		close(s.die)
	})
	if !didClose {
		return nil
	}

	s.failAllPending(nprpcerr.CommFailure)
	if s.streamMgr != nil {
		s.streamMgr.CloseAll()
	}
	refs := s.ctx.DrainReferences()
	if s.teardownHook != nil && len(refs) > 0 {
		s.teardownHook(refs)
	}

	if t := s.currentTransport(); t != nil {
		return t.Close()
	}
	return nil
}

func (s *Session) failAllPending(err error) {
	s.pendingMu.Lock()
	var items []*work
	for e := s.pending.Front(); e != nil; e = e.Next() {
		items = append(items, e.Value.(*work))
	}
	s.pending.Init()
	s.pendingN = 0
	s.pendingMu.Unlock()

	for _, w := range items {
		s.completeWork(w, nil, err)
	}
}

// SendReceive submits a synchronous request and blocks until a reply
// arrives, the timeout elapses, or the session fails.
func (s *Session) SendReceive(requestID uint32, frame []byte, timeout time.Duration) ([]byte, error) {
	w := &work{kind: WorkSync, requestID: requestID, frame: frame, replyCh: make(chan workResult, 1)}
	if err := s.enqueue(w); err != nil {
		return nil, err
	}

	var timer *time.Timer
	var deadline <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case r := <-w.replyCh:
		return r.reply, r.err
	case <-deadline:
		s.removePending(w)
		return nil, nprpcerr.Timeout
	case <-s.die:
		return nil, nprpcerr.CommFailure
	}
}

// SendReceiveAsync submits a request and invokes onComplete on reply
// without blocking the caller.
func (s *Session) SendReceiveAsync(requestID uint32, frame []byte, onComplete func([]byte, error)) error {
	w := &work{kind: WorkAsync, requestID: requestID, frame: frame, onComplete: onComplete}
	return s.enqueue(w)
}

// SendStream submits a fire-and-forget stream frame; it completes as
// soon as the transport acknowledges the write, never on a reply.
func (s *Session) SendStream(frame []byte) error {
	w := &work{kind: WorkStream, frame: frame, ackCh: make(chan error, 1)}
	if err := s.enqueue(w); err != nil {
		return err
	}
	select {
	case err := <-w.ackCh:
		return err
	case <-s.die:
		return nprpcerr.CommFailure
	}
}

func (s *Session) enqueue(w *work) error {
	if s.IsClosed() {
		return nprpcerr.CommFailure
	}
	if len(w.frame) > MaxMessageSize {
		return nprpcerr.MessageTooLarge
	}
	if w.kind != WorkStream {
		s.pendingMu.Lock()
		if s.pendingN >= MaxPendingRequests {
			s.pendingMu.Unlock()
			return nprpcerr.BufferFull
		}
		s.pendingN++
		s.pendingMu.Unlock()
	}

	select {
	case s.writeQueue <- w:
		return nil
	case <-s.die:
		s.undoPendingReservation(w)
		return nprpcerr.CommFailure
	default:
		s.undoPendingReservation(w)
		return nprpcerr.BufferFull
	}
}

// undoPendingReservation releases the pendingN slot reserved by enqueue
// when a Work item never actually made it onto the write queue (and so
// sendOne never linked it into the pending ledger).
func (s *Session) undoPendingReservation(w *work) {
	if w.kind == WorkStream {
		return
	}
	s.pendingMu.Lock()
	s.pendingN--
	s.pendingMu.Unlock()
}

func (s *Session) removePending(target *work) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for e := s.pending.Front(); e != nil; e = e.Next() {
		if e.Value.(*work) == target {
			s.pending.Remove(e)
			s.pendingN--
			return
		}
	}
}

// writeLoop drains the queue FIFO and hands each frame to the
// transport; non-stream Work joins the pending ledger in send order so
// readLoop can correlate replies head-of-queue, preserving
// request/response pairing without carrying a correlation id for every
// call shape.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case w := <-s.writeQueue:
			s.sendOne(w)
		case <-s.die:
			return
		}
	}
}

func (s *Session) sendOne(w *work) {
	if w.kind != WorkStream {
		s.pendingMu.Lock()
		s.pending.PushBack(w)
		s.pendingMu.Unlock()
	}

	t := s.currentTransport()
	err := t.Send(w.frame)
	if err != nil {
		if s.shouldReconnect(err) {
			if nt, rerr := s.tryReconnect(t); rerr == nil {
				s.transport.Store(&nt)
				err = nt.Send(w.frame)
			}
		}
	}

	if err != nil {
		s.removePending(w)
		wrapped := nprpcerr.Wrap(nprpcerr.KindCommFailure, "transport write failed", err)
		if w.kind == WorkStream {
			w.ackCh <- wrapped
		} else {
			s.completeWork(w, nil, wrapped)
		}
		if s.onFailed != nil {
			s.onFailed(wrapped)
		}
		return
	}

	if w.kind == WorkStream {
		w.ackCh <- nil
	}
}

// shouldReconnect narrows the reconnect trigger to transient
// peer-resets: at most one reconnect attempt is made per failure, and
// only for the error shapes a dropped-then-reopened TCP connection
// actually produces.
func (s *Session) shouldReconnect(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) || isConnReset(err)
}

func (s *Session) tryReconnect(old Transport) (Transport, error) {
	r, ok := old.(Reconnector)
	if !ok {
		return nil, fmt.Errorf("transport does not support reconnect")
	}
	s.reconnectedMu.Lock()
	defer s.reconnectedMu.Unlock()
	return r.Reconnect()
}

// readLoop parses inbound frames and either routes them to the stream
// manager (stream_id-keyed) or pops and completes the head of the
// pending ledger (request_id-keyed, FIFO).
func (s *Session) readLoop() {
	defer s.wg.Done()
	defer s.Close()

	for {
		t := s.currentTransport()
		frame, err := t.Recv()
		if err != nil {
			if s.onFailed != nil && !s.IsClosed() {
				s.onFailed(nprpcerr.Wrap(nprpcerr.KindCommFailure, "transport read failed", err))
			}
			return
		}
		if len(frame) > MaxMessageSize {
			s.logger.Warn("oversize frame; closing session", zap.Int("size", len(frame)))
			if s.onFailed != nil && !s.IsClosed() {
				s.onFailed(nprpcerr.Wrap(nprpcerr.KindMessageTooLarge, "inbound frame exceeds max message size", fmt.Errorf("size=%d", len(frame))))
			}
			return
		}
		s.dispatchInbound(frame)
	}
}

func (s *Session) dispatchInbound(frame []byte) {
	isStream, err := isStreamFrame(frame)
	if err != nil {
		s.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if isStream {
		if s.streamFn == nil {
			s.logger.Warn("stream frame with no stream manager attached; dropping")
			return
		}
		if err := s.streamFn(s.ctx, frame); err != nil {
			s.logger.Warn("stream frame handling failed", zap.Error(err))
		}
		return
	}

	isCall, err := isFunctionCallFrame(frame)
	if err != nil {
		s.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}
	if isCall {
		if s.handler == nil {
			return
		}
		reply, herr := s.handler(s.ctx, frame)
		if herr != nil {
			s.logger.Warn("request handler failed", zap.Error(herr))
			return
		}
		if reply != nil {
			if err := s.SendStream(reply); err != nil {
				s.logger.Warn("failed to send reply", zap.Error(err))
			}
		}
		return
	}

	// otherwise this is a reply to the head of our pending queue.
	s.completeFrontPending(frame)
}

func (s *Session) completeFrontPending(frame []byte) {
	s.pendingMu.Lock()
	front := s.pending.Front()
	if front == nil {
		s.pendingMu.Unlock()
		s.logger.Warn("reply with no pending request; dropping")
		return
	}
	s.pending.Remove(front)
	s.pendingN--
	s.pendingMu.Unlock()

	w := front.Value.(*work)
	s.completeWork(w, frame, nil)
}

func (s *Session) completeWork(w *work, reply []byte, err error) {
	switch w.kind {
	case WorkSync:
		select {
		case w.replyCh <- workResult{reply: reply, err: err}:
		default:
		}
	case WorkAsync:
		if w.onComplete != nil {
			w.onComplete(reply, err)
		}
	}
}

// AttachStreamManager installs the stream manager this session routes
// stream-subprotocol frames to, and publishes it on the SessionContext.
func (s *Session) AttachStreamManager(m *streammgr.Manager) {
	s.streamMgr = m
	s.ctx.StreamMgr = m
}

func (s *Session) StreamManager() *streammgr.Manager { return s.streamMgr }

// NextRequestID returns a fresh, monotonically increasing request id
// for this session.
func (s *Session) NextRequestID() uint32 { return s.nextRequestID.Add(1) }

// Wait blocks until both loops have exited (used by tests).
func (s *Session) Wait() { s.wg.Wait() }
