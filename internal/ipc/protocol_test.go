package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/browser"
	"proctord/internal/config"
	"proctord/internal/violation"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := NewMessage(MsgBrowserEvent, 42, FlagCBOR, []byte("payload"))
	require.NoError(t, msg.Write(&buf))
	assert.Equal(t, HeaderSize+7, buf.Len())

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgBrowserEvent, got.Header.Type)
	assert.Equal(t, uint32(42), got.Header.RequestID)
	assert.Equal(t, FlagCBOR, got.Header.Flags)
	assert.Equal(t, []byte("payload"), got.Payload)
}

func TestReadHeaderRejects(t *testing.T) {
	header := func(magic uint32, version uint8, length uint32) []byte {
		b := make([]byte, HeaderSize)
		binary.BigEndian.PutUint32(b[0:4], magic)
		b[4] = version
		binary.BigEndian.PutUint32(b[12:16], length)
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"bad magic", header(0xdeadbeef, ProtocolVersion, 0)},
		{"version zero", header(ProtocolMagic, 0, 0)},
		{"future version", header(ProtocolMagic, ProtocolVersion+1, 0)},
		{"oversized payload", header(ProtocolMagic, ProtocolVersion, MaxPayload+1)},
		{"short header", []byte{0x50, 0x52}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestCodecs(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	policy := config.DefaultMonitorConfig()
	policy.WarningCooldown = config.Duration(7 * time.Second)

	for _, flags := range []uint8{0, FlagCBOR} {
		req := StartSessionRequest{
			Candidate: "cand",
			Config:    &policy,
			Geometry:  &browser.Geometry{OuterWidth: 1280, InnerWidth: 1280},
		}
		data, err := Encode(flags, &req)
		require.NoError(t, err)

		var got StartSessionRequest
		require.NoError(t, Decode(flags, data, &got))
		assert.Equal(t, "cand", got.Candidate)
		require.NotNil(t, got.Config)
		assert.Equal(t, 7*time.Second, got.Config.WarningCooldown.D())
		assert.Equal(t, policy.PerTypeThreshold, got.Config.PerTypeThreshold)
		assert.Equal(t, 1280.0, got.Geometry.OuterWidth)

		ev := Event{
			Type:      EventWarning,
			Timestamp: at,
			SessionID: "s1",
			Warning:   &violation.Warning{Type: violation.TabSwitch, SequenceNumber: 1, Timestamp: at},
		}
		data, err = Encode(flags, &ev)
		require.NoError(t, err)
		var gotEv Event
		require.NoError(t, Decode(flags, data, &gotEv))
		assert.Equal(t, EventWarning, gotEv.Type)
		assert.True(t, gotEv.Timestamp.Equal(at))
		assert.Equal(t, violation.TabSwitch, gotEv.Warning.Type)
		assert.Nil(t, gotEv.Termination)
	}
}

func TestBrowserEventResponseFlattensAck(t *testing.T) {
	data, err := Encode(0, &BrowserEventResponse{Listeners: 2, Ack: Ack{State: "monitoring", Remaining: 3}})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"remaining":3`)
	assert.NotContains(t, string(data), `"Ack"`)
}

func TestEncodeNilAndDecodeEmpty(t *testing.T) {
	data, err := Encode(FlagCBOR, nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	var v Ack
	assert.Error(t, Decode(0, nil, &v))
}

func TestErrorMessage(t *testing.T) {
	msg := NewErrorMessage(9, FlagCBOR, ErrSessionEnded, "session has ended")
	assert.Equal(t, MsgError, msg.Header.Type)

	var er ErrorResponse
	require.NoError(t, Decode(msg.Header.Flags, msg.Payload, &er))
	assert.Equal(t, ErrSessionEnded, er.Code)

	re := &RemoteError{Code: er.Code, Message: er.Message}
	assert.Contains(t, re.Error(), "session has ended")
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "browser_event", MsgBrowserEvent.String())
	assert.Equal(t, "0x0999", MessageType(0x0999).String())
}
