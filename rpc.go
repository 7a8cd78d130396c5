package nprpc

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/sagernet/nprpc/flatbuf"
	"github.com/sagernet/nprpc/flattypes"
	"github.com/sagernet/nprpc/internal/nprpcerr"
	"github.com/sagernet/nprpc/poa"
	"github.com/sagernet/nprpc/rpcsession"
	"github.com/sagernet/nprpc/shmchannel"
	"github.com/sagernet/nprpc/streammgr"
	"github.com/sagernet/nprpc/transport/httpt"
	"github.com/sagernet/nprpc/transport/shm"
	"github.com/sagernet/nprpc/transport/tcp"
	"github.com/sagernet/nprpc/transport/udp"
	"github.com/sagernet/nprpc/transport/ws"
)

// Rpc is the single coordinator handle a process builds once: it owns
// every POA, every listening transport, and the dispatch glue between
// inbound frames and activated servants. There is no process-global
// state: each Rpc owns its own UDP transport, and transport/udp's
// PeerCache is not used here.
type Rpc struct {
	cfg    *Config
	logger *zap.Logger

	poaMu   sync.RWMutex
	poas    map[uint16]*poa.Poa
	nextIdx uint16

	sessMu   sync.Mutex
	sessions map[*rpcsession.Session]struct{}

	tcpListener  *tcp.Listener
	udpTransport *udp.Transport
	shmListener  *shmchannel.Listener
	httpServer   *http.Server
	wsServer     *http.Server
}

// New builds an Rpc from cfg. Listeners are not started until
// ListenAndServe.
func New(cfg *Config) *Rpc {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Rpc{
		cfg:      cfg,
		logger:   cfg.logger(),
		poas:     make(map[uint16]*poa.Poa),
		sessions: make(map[*rpcsession.Session]struct{}),
	}
}

// CreatePoa allocates the next POA index, applies configure to its
// Builder, and registers the built Poa.
func (r *Rpc) CreatePoa(configure func(b *poa.Builder)) *poa.Poa {
	r.poaMu.Lock()
	defer r.poaMu.Unlock()
	idx := r.nextIdx
	r.nextIdx++
	b := poa.NewBuilder(idx)
	if configure != nil {
		configure(b)
	}
	p := b.Build()
	r.poas[idx] = p
	return p
}

func (r *Rpc) Poa(idx uint16) (*poa.Poa, bool) {
	r.poaMu.RLock()
	defer r.poaMu.RUnlock()
	p, ok := r.poas[idx]
	return p, ok
}

func (r *Rpc) trackSession(s *rpcsession.Session, kind rpcsession.TransportKind) {
	s.Context().TransportKind = kind

	r.sessMu.Lock()
	r.sessions[s] = struct{}{}
	r.sessMu.Unlock()

	s.AttachStreamManager(streammgr.NewManager(&sessionFrameSink{s}))
	s.AttachTeardownHook(func(refs []rpcsession.RefEntry) {
		for _, ref := range refs {
			if p, ok := r.Poa(ref.PoaIdx); ok {
				p.Deactivate(ref.OID)
			}
		}
		r.sessMu.Lock()
		delete(r.sessions, s)
		r.sessMu.Unlock()
	})
}

// transportFlag maps the transport a call arrived over to the
// poa.ActivationFlag bit it must satisfy, so handleRequest can enforce
// the permitted-transport mask at dispatch time instead of only at
// activation time. TransportUnknown (never produced by this package's
// own transports) maps to 0, which skips enforcement.
func transportFlag(kind rpcsession.TransportKind) poa.ActivationFlag {
	switch kind {
	case rpcsession.TransportTCP:
		return poa.FlagTCP
	case rpcsession.TransportWebSocket:
		return poa.FlagWebSocket
	case rpcsession.TransportHTTP:
		return poa.FlagHttp
	case rpcsession.TransportSharedMemory:
		return poa.FlagSharedMemory
	case rpcsession.TransportUDP:
		return poa.FlagUDP
	default:
		return 0
	}
}

// sessionFrameSink adapts a Session's stream-frame send path to
// streammgr.FrameSink, marshaling the logical (streamID, kind,
// sequence, data) tuple into a wire frame before handing it to
// SendStream.
type sessionFrameSink struct{ s *rpcsession.Session }

func (f *sessionFrameSink) SendStreamFrame(streamID streammgr.StreamID, kind streammgr.FrameKind, sequence uint32, data []byte) error {
	frame, err := marshalStreamFrame(streamID, kind, sequence, data)
	if err != nil {
		return err
	}
	return f.s.SendStream(frame)
}

// ListenAndServe starts every transport named in cfg and returns once
// they are started, or with the first error from a listener that fails
// to start. It does not block: accept loops and the HTTP/WebSocket
// servers keep running in their own goroutines, and a later HTTP or
// WebSocket server failure is only logged. The teacher's
// single-Session-per-connection model is repeated per transport here
// rather than sharing one accept loop across transport kinds.
func (r *Rpc) ListenAndServe() error {
	if r.cfg.ListenTcp != "" {
		ln, err := tcp.Listen(r.cfg.ListenTcp, func(c *tcp.Conn) {
			r.trackSession(rpcsession.New(c, r.handleRequest, r.handleStreamFrame, nil, r.logger), rpcsession.TransportTCP)
		})
		if err != nil {
			return fmt.Errorf("nprpc: tcp listen: %w", err)
		}
		r.tcpListener = ln
	}

	if r.cfg.ListenUdp != "" {
		t, err := udp.Listen(r.cfg.ListenUdp, r.handleDatagram)
		if err != nil {
			return fmt.Errorf("nprpc: udp listen: %w", err)
		}
		r.udpTransport = t
	}

	if r.cfg.ShmChannel != "" {
		ln, err := shmchannel.Listen(r.cfg.ShmChannel, r.cfg.ShmRingCapacity, func(ch *shmchannel.Channel) {
			r.trackSession(rpcsession.New(shm.Wrap(ch), r.handleRequest, r.handleStreamFrame, nil, r.logger), rpcsession.TransportSharedMemory)
		}, r.logger)
		if err != nil {
			return fmt.Errorf("nprpc: shm listen: %w", err)
		}
		r.shmListener = ln
	}

	if r.cfg.ListenHttp != "" {
		handler := httpt.NewHandler(r.handleHTTP)
		r.httpServer = &http.Server{Addr: r.cfg.ListenHttp, Handler: handler}
		go func() {
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Warn("http listener stopped", zap.Error(err))
			}
		}()
	}

	if r.cfg.ListenWs != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/rpc", func(w http.ResponseWriter, req *http.Request) {
			c, err := ws.Upgrade(w, req)
			if err != nil {
				r.logger.Warn("websocket upgrade failed", zap.Error(err))
				return
			}
			r.trackSession(rpcsession.New(c, r.handleRequest, r.handleStreamFrame, nil, r.logger), rpcsession.TransportWebSocket)
		})
		r.wsServer = &http.Server{Addr: r.cfg.ListenWs, Handler: mux}
		go func() {
			if err := r.wsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Warn("websocket listener stopped", zap.Error(err))
			}
		}()
	}

	return nil
}

// Close shuts down every started listener and live session.
func (r *Rpc) Close() error {
	if r.tcpListener != nil {
		r.tcpListener.Close()
	}
	if r.udpTransport != nil {
		r.udpTransport.Close()
	}
	if r.shmListener != nil {
		r.shmListener.Close()
	}
	if r.httpServer != nil {
		r.httpServer.Close()
	}
	if r.wsServer != nil {
		r.wsServer.Close()
	}

	r.sessMu.Lock()
	sessions := make([]*rpcsession.Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessMu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
	return nil
}

func (r *Rpc) handleStreamFrame(ctx *rpcsession.Context, frame []byte) error {
	return dispatchStreamFrame(ctx.StreamMgr, frame)
}

// handleDatagram dispatches an unsolicited inbound UDP request:
// unreliable requests carry request_id == 0 and get no reply, reliable
// ones get exactly one reply datagram back to addr.
func (r *Rpc) handleDatagram(addr *net.UDPAddr, payload []byte) {
	ctx := rpcsession.NewStandaloneContext()
	ctx.TransportKind = rpcsession.TransportUDP
	reply, err := r.handleRequest(ctx, payload)
	if err != nil || reply == nil {
		return
	}
	view := flatbuf.New()
	view.SetView(payload, len(payload), len(payload), nil)
	if h, herr := UnmarshalHeader(view, 0); herr != nil || h.RequestID == 0 {
		return
	}
	r.udpTransport.SendUnreliable(addr, reply)
}

func (r *Rpc) handleHTTP(cookies map[string]string, frame []byte) ([]byte, map[string]string, error) {
	ctx := rpcsession.NewStandaloneContext()
	ctx.TransportKind = rpcsession.TransportHTTP
	ctx.Cookies = cookies
	reply, err := r.handleRequest(ctx, frame)
	return reply, ctx.SetCookies, err
}

// handleRequest is the rpcsession.RequestHandler wired into every
// transport: it decodes Header+CallHeader, resolves the target
// servant through the addressed POA, enforces the POA's permitted-
// transport mask, and marshals a Success/BlockResponse/Error_* reply.
func (r *Rpc) handleRequest(ctx *rpcsession.Context, frame []byte) ([]byte, error) {
	view := flatbuf.New()
	view.SetView(frame, len(frame), len(frame), nil)

	hdr, err := UnmarshalHeader(view, 0)
	if err != nil {
		return nil, err
	}
	ch, err := UnmarshalCallHeader(view, HeaderSize)
	if err != nil {
		return nil, err
	}

	p, ok := r.Poa(ch.PoaIdx)
	if !ok {
		return errorReply(hdr.RequestID, nprpcerr.KindUnknownObject)
	}

	if ch.FunctionIdx == releaseFunctionIdx {
		ctx.RemoveReference(ch.PoaIdx, ch.ObjectID)
		return nil, nil
	}

	servantRaw, mask, ok := p.Lookup(ch.ObjectID)
	if !ok {
		return errorReply(hdr.RequestID, nprpcerr.KindUnknownObject)
	}
	if flag := transportFlag(ctx.TransportKind); flag != 0 && mask&flag == 0 {
		return errorReply(hdr.RequestID, nprpcerr.KindUnknownObject)
	}
	servant, ok := servantRaw.(Servant)
	if !ok || !servesInterface(servant, ch.InterfaceIdx) {
		return errorReply(hdr.RequestID, nprpcerr.KindUnknownFunctionIdx)
	}

	args := flatbuf.New()
	args.SetView(frame, len(frame), len(frame), nil)
	args.Consume(HeaderSize + CallHeaderSize)

	reply := flatbuf.New()
	if err := servant.Dispatch(ctx, ch.InterfaceIdx, ch.FunctionIdx, args, reply); err != nil {
		if ue, ok := nprpcerr.AsUserException(err); ok {
			return userExceptionReply(hdr.RequestID, ue)
		}
		kind := nprpcerr.KindProtocolError
		var rerr *nprpcerr.RpcError
		if errors.As(err, &rerr) {
			kind = rerr.Kind
		}
		return errorReply(hdr.RequestID, kind)
	}

	return successReply(hdr.RequestID, reply)
}

func successReply(requestID uint32, reply *flatbuf.Buffer) ([]byte, error) {
	out := flatbuf.New()
	msgID := MsgSuccess
	if reply.Len() > 0 {
		msgID = MsgBlockResponse
	}
	rh := Header{MsgID: msgID, MsgType: MsgTypeAnswer, RequestID: requestID}
	if err := rh.MarshalInto(out); err != nil {
		return nil, err
	}
	if reply.Len() > 0 {
		if err := appendRaw(out, reply.Data()); err != nil {
			return nil, err
		}
	}
	if err := PatchSize(out, 0, uint32(out.Len()-HeaderSize)); err != nil {
		return nil, err
	}
	return out.Data(), nil
}

func errorReply(requestID uint32, kind nprpcerr.ErrorKind) ([]byte, error) {
	out := flatbuf.New()
	rh := Header{MsgID: ErrorKindToMsgID(kind), MsgType: MsgTypeAnswer, RequestID: requestID}
	if err := rh.MarshalInto(out); err != nil {
		return nil, err
	}
	if err := PatchSize(out, 0, 0); err != nil {
		return nil, err
	}
	return out.Data(), nil
}

func userExceptionReply(requestID uint32, ue *nprpcerr.UserException) ([]byte, error) {
	out := flatbuf.New()
	rh := Header{MsgID: MsgErrorUserException, MsgType: MsgTypeAnswer, RequestID: requestID}
	if err := rh.MarshalInto(out); err != nil {
		return nil, err
	}
	classIDSlot, _, err := flattypes.Alloc(out, 8)
	if err != nil {
		return nil, err
	}
	payloadSlot, _, err := flattypes.Alloc(out, 8)
	if err != nil {
		return nil, err
	}
	if err := flattypes.AllocString(out, classIDSlot, ue.ClassID); err != nil {
		return nil, err
	}
	if err := flattypes.AllocBytes(out, payloadSlot, ue.Payload); err != nil {
		return nil, err
	}
	if err := PatchSize(out, 0, uint32(out.Len()-HeaderSize)); err != nil {
		return nil, err
	}
	return out.Data(), nil
}

func appendRaw(buf *flatbuf.Buffer, data []byte) error {
	_, dst, err := flattypes.Alloc(buf, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}
