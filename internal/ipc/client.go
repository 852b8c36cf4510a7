package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"proctord/internal/browser"
	"proctord/internal/config"
	"proctord/internal/violation"
)

// Common errors
var (
	ErrNotConnected     = errors.New("ipc: not connected to daemon")
	ErrConnectionLost   = errors.New("ipc: connection to daemon lost")
	ErrTimeout          = errors.New("ipc: request timeout")
	ErrDaemonNotRunning = errors.New("ipc: daemon is not running")
)

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientName     string
	ClientVersion  string
	RequestTimeout time.Duration

	// CBOR encodes requests in CBOR instead of JSON.
	CBOR bool
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientName:     "proctorctl",
		ClientVersion:  "1.0.0",
		RequestTimeout: 10 * time.Second,
	}
}

// Client is a host connection to the daemon. It is safe for concurrent
// use; responses are matched to requests by ID and pushed events are
// delivered on Events.
type Client struct {
	cfg   ClientConfig
	conn  net.Conn
	flags uint8

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint32]chan *Message
	closed    bool
	nextReqID atomic.Uint32

	events chan *Event
	done   chan struct{}
	once   sync.Once

	serverVersion string
	clientID      string
}

// Dial connects to the daemon and performs the handshake.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	conn, err := dial(ctx, cfg.SocketPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		conn:    conn,
		pending: make(map[uint32]chan *Message),
		events:  make(chan *Event, 64),
		done:    make(chan struct{}),
	}
	if cfg.CBOR {
		c.flags = FlagCBOR
	}
	go c.readLoop()

	var ack HandshakeResponse
	err = c.call(ctx, MsgHandshake, MsgHandshakeAck, &HandshakeRequest{
		ClientVersion:   cfg.ClientVersion,
		ClientName:      cfg.ClientName,
		ProtocolVersion: ProtocolVersion,
	}, &ack)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	c.serverVersion = ack.ServerVersion
	c.clientID = ack.ClientID
	return c, nil
}

// ServerVersion returns the version the daemon announced.
func (c *Client) ServerVersion() string { return c.serverVersion }

// ClientID returns the ID the daemon assigned this connection.
func (c *Client) ClientID() string { return c.clientID }

// Events returns pushed events. The channel is closed when the connection
// ends.
func (c *Client) Events() <-chan *Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. Sessions started on it are stopped by the
// daemon.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.pendingMu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		close(c.events)
		c.once.Do(func() { close(c.done) })
	}()

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			return
		}

		switch msg.Header.Type {
		case MsgPing:
			c.write(NewMessage(MsgPong, msg.Header.RequestID, c.flags, nil))
		case MsgEvent:
			var ev Event
			if err := Decode(msg.Header.Flags, msg.Payload, &ev); err != nil {
				continue
			}
			select {
			case c.events <- &ev:
			default:
			}
		default:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.Header.RequestID]
			delete(c.pending, msg.Header.RequestID)
			c.pendingMu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (c *Client) write(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	return msg.Write(c.conn)
}

// roundTrip sends a request and waits for the response with the same ID.
func (c *Client) roundTrip(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	data, err := Encode(c.flags, payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	reqID := c.nextReqID.Add(1)
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[reqID] = ch
	c.pendingMu.Unlock()

	release := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	if err := c.write(NewMessage(msgType, reqID, c.flags, data)); err != nil {
		release()
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		release()
		return nil, ErrTimeout
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}

// call performs a round trip and decodes a response of type want into out.
// Error responses become *RemoteError.
func (c *Client) call(ctx context.Context, msgType, want MessageType, payload, out any) error {
	resp, err := c.roundTrip(ctx, msgType, payload)
	if err != nil {
		return err
	}

	switch resp.Header.Type {
	case MsgError:
		var er ErrorResponse
		if err := Decode(resp.Header.Flags, resp.Payload, &er); err != nil {
			return fmt.Errorf("decode error response: %w", err)
		}
		return &RemoteError{Code: er.Code, Message: er.Message}
	case want:
	default:
		return fmt.Errorf("ipc: unexpected response %s to %s", resp.Header.Type, msgType)
	}

	if out == nil {
		return nil
	}
	return Decode(resp.Header.Flags, resp.Payload, out)
}

// Ping checks if the daemon is responsive
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, MsgPong, nil, nil)
}

// Status requests the daemon status
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, MsgStatusRequest, MsgStatusResponse, &StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SessionStatus returns the live summary of one session.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (*SessionSummary, error) {
	var resp StatusResponse
	if err := c.call(ctx, MsgStatusRequest, MsgStatusResponse, &StatusRequest{SessionID: sessionID}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Sessions) == 0 {
		return nil, &RemoteError{Code: ErrNotFound, Message: "no such session: " + sessionID}
	}
	return &resp.Sessions[0], nil
}

// StartSession opens a monitored session. A nil policy uses the daemon's.
func (c *Client) StartSession(ctx context.Context, candidate string, policy *config.MonitorConfig, geom *browser.Geometry) (*StartSessionResponse, error) {
	var resp StartSessionResponse
	req := &StartSessionRequest{Candidate: candidate, Config: policy, Geometry: geom}
	if err := c.call(ctx, MsgStartSession, MsgStartSessionResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StopSession stops a session and returns its final summary.
func (c *Client) StopSession(ctx context.Context, sessionID string) (*SessionSummary, error) {
	var resp StopSessionResponse
	if err := c.call(ctx, MsgStopSession, MsgStopSessionResp, &StopSessionRequest{SessionID: sessionID}, &resp); err != nil {
		return nil, err
	}
	return &resp.Summary, nil
}

// SendEvent forwards a page event. The response says whether the page's
// default action should be cancelled.
func (c *Client) SendEvent(ctx context.Context, sessionID string, ev browser.Event) (*BrowserEventResponse, error) {
	var resp BrowserEventResponse
	if err := c.call(ctx, MsgBrowserEvent, MsgBrowserEventResp, &BrowserEventRequest{SessionID: sessionID, Event: ev}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Report pushes an observation detected by the host.
func (c *Client) Report(ctx context.Context, sessionID string, obs violation.Observation) (*Ack, error) {
	var resp Ack
	if err := c.call(ctx, MsgObservation, MsgObservationResp, &ObservationRequest{SessionID: sessionID, Observation: obs}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateGeometry reports the current window geometry.
func (c *Client) UpdateGeometry(ctx context.Context, sessionID string, g browser.Geometry) (*Ack, error) {
	var resp Ack
	if err := c.call(ctx, MsgGeometry, MsgGeometryResp, &GeometryRequest{SessionID: sessionID, Geometry: g}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PushDetection hands the daemon one frame's worth of face and pose
// results. It is consumed by the next detection cycle.
func (c *Client) PushDetection(ctx context.Context, req DetectionRequest) (*Ack, error) {
	var resp Ack
	if err := c.call(ctx, MsgDetection, MsgDetectionResp, &req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
