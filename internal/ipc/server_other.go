//go:build !windows && !linux && !darwin

package ipc

import (
	"errors"
	"net"
)

// GetPeerCredentials is not implemented on this platform.
func GetPeerCredentials(net.Conn) (*PeerCredentials, error) {
	return nil, errors.ErrUnsupported
}
