package peer

import (
	"errors"
	"fmt"
)

// Failure kinds of the public operations.
var (
	// ErrTransport: connect refused or timed out, stream truncated.
	ErrTransport = errors.New("transport error")
	// ErrProtocol: unexpected or malformed response, rejected request.
	ErrProtocol = errors.New("protocol error")
	// ErrIntegrity: checksum mismatch on a transferred file.
	ErrIntegrity = errors.New("integrity error")
	// ErrNotFound: the named local file does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSelf: the operation targets this node.
	ErrSelf = errors.New("target is this node")
)

// RemoteError is an error line sent back by a remote peer.
type RemoteError struct {
	Command string
	Reason  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s rejected by remote peer: %s", e.Command, e.Reason)
}

func (e *RemoteError) Unwrap() error {
	return ErrProtocol
}

func transportErr(op, addr string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrTransport, op, addr, err)
}

func protocolErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
