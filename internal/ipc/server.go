package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"proctord/internal/clock"
	"proctord/internal/config"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/report"
	"proctord/internal/store"
)

// OutcomeStore persists finished sessions.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, o *store.Outcome) error
}

// ServerConfig configures the IPC server
type ServerConfig struct {
	SocketPath     string
	Permissions    os.FileMode
	Version        string
	MaxConnections int

	// Timeout is the idle read deadline after which the server pings.
	Timeout time.Duration

	// CBOR makes pushed events CBOR-encoded for every peer.
	CBOR bool

	// Policy returns the monitor policy applied to new sessions. It is
	// called once per session so reloaded configuration takes effect.
	Policy func() config.MonitorConfig

	Store    OutcomeStore
	Exporter *report.Exporter
	Audit    *logging.AuditLogger
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Clock    clock.Clock
}

// DefaultServerConfig derives a server configuration from the daemon
// configuration. Store, Exporter and Audit are left for the caller.
func DefaultServerConfig(cfg *config.Config) ServerConfig {
	policy := cfg.Monitor.Clone()
	return ServerConfig{
		SocketPath:     cfg.IPC.SocketPath,
		Permissions:    cfg.SocketMode(),
		Version:        "1.0.0",
		MaxConnections: cfg.IPC.MaxConnections,
		Timeout:        cfg.IPC.Timeout.D(),
		CBOR:           cfg.IPC.CBOR,
		Policy:         func() config.MonitorConfig { return policy.Clone() },
	}
}

// Server accepts host connections and owns one Monitor per session.
type Server struct {
	cfg   ServerConfig
	log   *logging.Logger
	clock clock.Clock

	mu        sync.RWMutex
	listener  net.Listener
	peers     map[string]*peer
	sessions  map[string]*session
	closing   bool
	startedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	// finishers tracks terminations being persisted.
	finishers sync.WaitGroup

	nextPeerID    atomic.Uint64
	nextRequestID atomic.Uint32

	outbound    chan outbound
	broadcaster sync.WaitGroup

	// overflow holds final events that found the queue full. The
	// broadcaster sends them after everything queued before them.
	overflowMu sync.Mutex
	overflow   []outbound
	wake       chan struct{}
}

type outbound struct {
	peerID string
	event  *Event
}

// peer is one connected host.
type peer struct {
	id          string
	conn        net.Conn
	connectedAt time.Time

	mu         sync.Mutex
	name       string
	version    string
	handshaken bool
	flags      uint8

	writeMu sync.Mutex
}

func (p *peer) ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshaken
}

// NewServer creates a new IPC server
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path is required")
	}
	if cfg.Policy == nil {
		def := config.DefaultMonitorConfig()
		cfg.Policy = func() config.MonitorConfig { return def.Clone() }
	}
	if cfg.Permissions == 0 {
		cfg.Permissions = 0600
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		log:      cfg.Logger.WithComponent("ipc"),
		clock:    cfg.Clock,
		peers:    make(map[string]*peer),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan outbound, 256),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Start begins listening for connections
func (s *Server) Start() error {
	if IsSocketListening(s.cfg.SocketPath) {
		return fmt.Errorf("ipc: another daemon is listening on %s", s.cfg.SocketPath)
	}
	listener, err := listen(s.cfg.SocketPath, s.cfg.Permissions)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = listener
	s.startedAt = s.clock.Now()
	s.mu.Unlock()
	s.running.Store(true)

	s.broadcaster.Add(1)
	go s.eventBroadcaster()

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("listening", "socket", s.cfg.SocketPath)
	return nil
}

// Stop ends every session as stopped, persists them, and shuts down.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.mu.Lock()
	s.closing = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		s.finish(sess)
	}
	s.finishers.Wait()

	s.cancel()
	s.listener.Close()

	s.mu.Lock()
	for _, p := range s.peers {
		p.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	close(s.outbound)
	s.broadcaster.Wait()

	if err := CleanupSocket(s.cfg.SocketPath); err != nil {
		s.log.Warn("remove socket", "error", err)
	}
	s.log.Info("stopped")
	return nil
}

// SocketPath returns the socket path
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// PeerCount returns the number of connected hosts.
func (s *Server) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// publish queues an event for a peer. It never blocks: monitor callbacks
// call it with the processing lock held. With the queue full, warnings are
// dropped while termination and session-stopped events are held for the
// broadcaster.
func (s *Server) publish(peerID string, ev *Event) {
	out := outbound{peerID: peerID, event: ev}
	select {
	case s.outbound <- out:
		return
	default:
	}
	if !ev.Type.Final() {
		s.log.Warn("event queue full, dropping event", "peer", peerID, "type", ev.Type)
		return
	}

	s.overflowMu.Lock()
	s.overflow = append(s.overflow, out)
	s.overflowMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.log.Warn("event queue full, holding final event", "peer", peerID, "type", ev.Type)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}

		if err := verifyPeer(conn); err != nil {
			s.log.Warn("rejecting connection", "error", err)
			conn.Close()
			continue
		}

		s.mu.Lock()
		if len(s.peers) >= s.cfg.MaxConnections || s.closing {
			s.mu.Unlock()
			conn.Close()
			continue
		}
		p := &peer{
			id:          fmt.Sprintf("peer-%d", s.nextPeerID.Add(1)),
			conn:        conn,
			connectedAt: s.clock.Now(),
		}
		if s.cfg.CBOR {
			p.flags = FlagCBOR
		}
		s.peers[p.id] = p
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(p)
	}
}

func (s *Server) handleConnection(p *peer) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p.id)
		var owned []*session
		for _, sess := range s.sessions {
			if sess.owner == p.id {
				owned = append(owned, sess)
			}
		}
		s.mu.Unlock()
		p.conn.Close()

		for _, sess := range owned {
			s.log.Info("host disconnected, stopping session", "session", sess.id)
			s.finish(sess)
		}
	}()

	for {
		if s.ctx.Err() != nil {
			return
		}

		p.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		msg, err := ReadMessage(p.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.send(p, NewMessage(MsgPing, s.nextRequestID.Add(1), 0, nil))
				continue
			}
			s.log.Debug("read failed", "peer", p.id, "error", err)
			return
		}

		response := s.processMessage(p, msg)
		if response != nil {
			if err := s.send(p, response); err != nil {
				return
			}
		}
	}
}

func (s *Server) processMessage(p *peer, msg *Message) *Message {
	id, flags := msg.Header.RequestID, msg.Header.Flags

	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, id, flags, nil)
	case MsgPong:
		return nil
	case MsgHandshake:
		return s.handleHandshake(p, msg)
	}

	if !p.ready() {
		return NewErrorMessage(id, flags, ErrNotHandshaken, "handshake required")
	}

	var (
		resp *Message
		err  error
	)
	switch msg.Header.Type {
	case MsgStatusRequest:
		resp, err = s.handleStatus(msg)
	case MsgStartSession:
		resp, err = s.handleStartSession(p, msg)
	case MsgStopSession:
		resp, err = s.handleStopSession(p, msg)
	case MsgBrowserEvent:
		resp, err = s.handleBrowserEvent(p, msg)
	case MsgObservation:
		resp, err = s.handleObservation(p, msg)
	case MsgGeometry:
		resp, err = s.handleGeometry(p, msg)
	case MsgDetection:
		resp, err = s.handleDetection(p, msg)
	default:
		return NewErrorMessage(id, flags, ErrInvalidRequest, "unknown message type "+msg.Header.Type.String())
	}
	if err != nil {
		var re *RemoteError
		if errors.As(err, &re) {
			return NewErrorMessage(id, flags, re.Code, re.Message)
		}
		s.log.Error("request failed", "peer", p.id, "type", msg.Header.Type, "error", err)
		return NewErrorMessage(id, flags, ErrInternalError, err.Error())
	}
	return resp
}

func (s *Server) handleHandshake(p *peer, msg *Message) *Message {
	var req HandshakeRequest
	if err := Decode(msg.Header.Flags, msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, msg.Header.Flags, ErrInvalidRequest, "invalid handshake")
	}
	if req.ProtocolVersion > ProtocolVersion {
		return NewErrorMessage(msg.Header.RequestID, msg.Header.Flags, ErrInvalidRequest,
			fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion))
	}

	p.mu.Lock()
	p.name = req.ClientName
	p.version = req.ClientVersion
	p.handshaken = true
	p.flags |= msg.Header.Flags & FlagCBOR
	p.mu.Unlock()

	s.log.Debug("handshake", "peer", p.id, "client", req.ClientName, "version", req.ClientVersion)

	resp, err := NewResponse(MsgHandshakeAck, msg.Header.RequestID, msg.Header.Flags, &HandshakeResponse{
		ServerVersion:   s.cfg.Version,
		ProtocolVersion: ProtocolVersion,
		ClientID:        p.id,
	})
	if err != nil {
		return NewErrorMessage(msg.Header.RequestID, msg.Header.Flags, ErrInternalError, err.Error())
	}
	return resp
}

func (s *Server) handleStatus(msg *Message) (*Message, error) {
	var req StatusRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Header.Flags, msg.Payload, &req); err != nil {
			return nil, &RemoteError{Code: ErrInvalidRequest, Message: "invalid status request"}
		}
	}

	s.mu.RLock()
	resp := &StatusResponse{
		Version:   s.cfg.Version,
		StartedAt: s.startedAt,
		Uptime:    s.clock.Now().Sub(s.startedAt),
		Clients:   len(s.peers),
		Sessions:  []SessionSummary{},
	}
	var sessions []*session
	for _, sess := range s.sessions {
		if req.SessionID == "" || sess.id == req.SessionID {
			sessions = append(sessions, sess)
		}
	}
	s.mu.RUnlock()

	if req.SessionID != "" && len(sessions) == 0 {
		return nil, &RemoteError{Code: ErrNotFound, Message: "no such session: " + req.SessionID}
	}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, sess.summary())
	}
	return NewResponse(MsgStatusResponse, msg.Header.RequestID, msg.Header.Flags, resp)
}

func (s *Server) eventBroadcaster() {
	defer s.broadcaster.Done()

	for {
		select {
		case out, ok := <-s.outbound:
			if !ok {
				s.deliverOverflow()
				return
			}
			s.deliver(out)
		case <-s.wake:
			// Held events go out after whatever was queued ahead of them.
			for n := len(s.outbound); n > 0; n-- {
				out, ok := <-s.outbound
				if !ok {
					break
				}
				s.deliver(out)
			}
			s.deliverOverflow()
		}
	}
}

func (s *Server) deliverOverflow() {
	s.overflowMu.Lock()
	held := s.overflow
	s.overflow = nil
	s.overflowMu.Unlock()

	for _, out := range held {
		s.deliver(out)
	}
}

func (s *Server) deliver(out outbound) {
	s.mu.RLock()
	p, ok := s.peers[out.peerID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	p.mu.Lock()
	flags := p.flags
	p.mu.Unlock()

	payload, err := Encode(flags, out.event)
	if err != nil {
		s.log.Error("encode event", "error", err)
		return
	}
	if err := s.send(p, NewMessage(MsgEvent, s.nextRequestID.Add(1), flags, payload)); err != nil {
		s.log.Debug("push failed", "peer", p.id, "error", err)
	}
}

func (s *Server) send(p *peer, msg *Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Write(p.conn)
}
