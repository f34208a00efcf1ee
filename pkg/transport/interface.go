package transport

import (
	"context"
	"net"
)

// Handler serves one accepted connection. The transport closes the
// connection once HandleConn returns.
type Handler interface {
	HandleConn(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, conn net.Conn)

func (f HandlerFunc) HandleConn(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Transport handles the network layer
type Transport interface {
	ListenAndAccept() error
	// Close stops accepting, then waits for in-flight connections until ctx
	// is done before tearing them down.
	Close(ctx context.Context) error
	Addr() string
}

// Dialer opens outbound connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}
