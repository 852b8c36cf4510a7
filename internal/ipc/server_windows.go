//go:build windows

package ipc

import (
	"context"
	"errors"
	"net"
	"os"
)

// ErrUnsupportedPlatform is returned by listen and dial on Windows, where
// the bridge has no transport.
var ErrUnsupportedPlatform = errors.New("ipc: unix sockets are not supported on windows")

// PeerCredentials holds the credentials of a peer process
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

func listen(string, os.FileMode) (net.Listener, error) { return nil, ErrUnsupportedPlatform }

func dial(context.Context, string) (net.Conn, error) { return nil, ErrUnsupportedPlatform }

func verifyPeer(net.Conn) error { return nil }

// CleanupSocket is a no-op on Windows.
func CleanupSocket(string) error { return nil }

// IsSocketListening always reports false on Windows.
func IsSocketListening(string) bool { return false }
