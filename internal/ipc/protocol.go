// Package ipc is the host bridge between proctord and the page hosting an
// interview. A host opens a session, forwards page events, geometry and
// optionally its own visual detections, and receives warning and
// termination events back.
//
// Every message is a 16-byte header followed by a payload. Payloads are
// JSON unless FlagCBOR is set.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"proctord/internal/browser"
	"proctord/internal/config"
	"proctord/internal/violation"
	"proctord/internal/vision"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x50524354 // "PRCT"
)

// MaxPayload bounds a single message body.
const MaxPayload = 4 * 1024 * 1024

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Session management (0x02xx)
	MsgStartSession     MessageType = 0x0200
	MsgStartSessionResp MessageType = 0x0201
	MsgStopSession      MessageType = 0x0202
	MsgStopSessionResp  MessageType = 0x0203

	// Signals (0x03xx)
	MsgBrowserEvent     MessageType = 0x0300
	MsgBrowserEventResp MessageType = 0x0301
	MsgObservation      MessageType = 0x0302
	MsgObservationResp  MessageType = 0x0303
	MsgGeometry         MessageType = 0x0304
	MsgGeometryResp     MessageType = 0x0305
	MsgDetection        MessageType = 0x0306
	MsgDetectionResp    MessageType = 0x0307

	// Server push (0x05xx)
	MsgEvent MessageType = 0x0500
)

func (t MessageType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgHandshake:
		return "handshake"
	case MsgHandshakeAck:
		return "handshake_ack"
	case MsgError:
		return "error"
	case MsgStatusRequest:
		return "status"
	case MsgStartSession:
		return "start_session"
	case MsgStopSession:
		return "stop_session"
	case MsgBrowserEvent:
		return "browser_event"
	case MsgObservation:
		return "observation"
	case MsgGeometry:
		return "geometry"
	case MsgDetection:
		return "detection"
	case MsgEvent:
		return "event"
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// EventType identifies the type of pushed event
type EventType uint16

const (
	EventWarning        EventType = 0x0001
	EventTermination    EventType = 0x0002
	EventSessionStopped EventType = 0x0003
	EventDaemonShutdown EventType = 0x0004
)

// Final reports whether the event is sent at most once per session or
// daemon and must not be dropped under backpressure.
func (t EventType) Final() bool {
	return t == EventTermination || t == EventSessionStopped || t == EventDaemonShutdown
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagCBOR uint8 = 0x01
)

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, flags uint8, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     flags,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	_, err := w.Write(buf)
	return err
}

func (h *Header) put(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}
	if h.Version == 0 || h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the message as a single buffer so frames from concurrent
// writers never interleave.
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header.put(buf)
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TextMarshaler = cbor.TextMarshalerTextString
	var err error
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("ipc: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("ipc: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode encodes a payload as CBOR when flags carries FlagCBOR and as
// JSON otherwise. A nil v yields an empty payload.
func Encode(flags uint8, v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	if flags&FlagCBOR != 0 {
		return cborEnc.Marshal(v)
	}
	return json.Marshal(v)
}

// Decode decodes a payload written by Encode with the same flags.
func Decode(flags uint8, data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if flags&FlagCBOR != 0 {
		return cborDec.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

// NewResponse creates a response message encoded the way flags says.
func NewResponse(msgType MessageType, requestID uint32, flags uint8, v any) (*Message, error) {
	payload, err := Encode(flags, v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, flags, payload), nil
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, flags uint8, code int, message string) *Message {
	payload, _ := Encode(flags, &ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, flags, payload)
}

// Request/Response payloads

// HandshakeRequest is sent by the client to initiate connection
type HandshakeRequest struct {
	ClientVersion   string `json:"client_version"`
	ClientName      string `json:"client_name"`
	ProtocolVersion uint8  `json:"protocol_version"`
}

// HandshakeResponse is sent by the server to acknowledge connection
type HandshakeResponse struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion uint8  `json:"protocol_version"`
	ClientID        string `json:"client_id"`
}

// ErrorResponse is sent when an operation fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrNotHandshaken    = 6
	ErrSessionEnded     = 7
	ErrTooManySessions  = 8
)

// RemoteError is an ErrorResponse returned to a Client caller.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ipc: remote error %d: %s", e.Code, e.Message)
}

// StartSessionRequest opens a monitored session.
type StartSessionRequest struct {
	Candidate string `json:"candidate,omitempty"`

	// Config overrides the daemon's monitor policy for this session.
	Config *config.MonitorConfig `json:"config,omitempty"`

	// Geometry is the initial window geometry, the baseline for
	// geometry-change detection.
	Geometry *browser.Geometry `json:"geometry,omitempty"`
}

// StartSessionResponse acknowledges session start
type StartSessionResponse struct {
	SessionID   string    `json:"session_id"`
	StartedAt   time.Time `json:"started_at"`
	MaxWarnings int       `json:"max_warnings"`
}

// StopSessionRequest requests to stop a session
type StopSessionRequest struct {
	SessionID string `json:"session_id"`
}

// StopSessionResponse carries the final summary.
type StopSessionResponse struct {
	Summary SessionSummary `json:"summary"`
}

// BrowserEventRequest forwards one page event.
type BrowserEventRequest struct {
	SessionID string        `json:"session_id"`
	Event     browser.Event `json:"event"`
}

// BrowserEventResponse tells the host what to do with the page event.
type BrowserEventResponse struct {
	Listeners      int    `json:"listeners"`
	PreventDefault bool   `json:"prevent_default"`
	ReturnValue    string `json:"return_value,omitempty"`
	Ack
}

// ObservationRequest pushes an observation the host detected itself.
type ObservationRequest struct {
	SessionID   string                `json:"session_id"`
	Observation violation.Observation `json:"observation"`
}

// GeometryRequest updates the window geometry.
type GeometryRequest struct {
	SessionID string           `json:"session_id"`
	Geometry  browser.Geometry `json:"geometry"`
}

// DetectionRequest pushes the output of host-side face and pose models
// for one frame. Frames themselves never cross the bridge.
type DetectionRequest struct {
	SessionID string        `json:"session_id"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Faces     []vision.Face `json:"faces"`
	Poses     []vision.Pose `json:"poses,omitempty"`
}

// Ack is the reply to signal messages.
type Ack struct {
	State     string `json:"state"`
	Warnings  int    `json:"warnings"`
	Remaining int    `json:"remaining"`
}

// StatusRequest requests daemon status
type StatusRequest struct {
	SessionID string `json:"session_id,omitempty"`
}

// StatusResponse contains daemon status
type StatusResponse struct {
	Version   string           `json:"version"`
	StartedAt time.Time        `json:"started_at"`
	Uptime    time.Duration    `json:"uptime"`
	Clients   int              `json:"clients"`
	Sessions  []SessionSummary `json:"sessions"`
}

// SessionSummary provides brief session info
type SessionSummary struct {
	ID        string              `json:"id"`
	Candidate string              `json:"candidate,omitempty"`
	State     string              `json:"state"`
	StartedAt time.Time           `json:"started_at"`
	Warnings  []violation.Warning `json:"warnings"`
	Remaining int                 `json:"remaining"`
	Tally     violation.Tally     `json:"violation_tally"`
	Digest    string              `json:"digest,omitempty"`
}

// Event is a pushed event. Exactly one of Warning and Termination is set
// for the matching types.
type Event struct {
	Type        EventType              `json:"type"`
	Timestamp   time.Time              `json:"timestamp"`
	SessionID   string                 `json:"session_id,omitempty"`
	Warning     *violation.Warning     `json:"warning,omitempty"`
	Termination *violation.Termination `json:"termination,omitempty"`
	Summary     *SessionSummary        `json:"summary,omitempty"`
}
