package tcp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn pushes an idle deadline forward before every read and write, so a
// silent peer can stall a call for at most the idle timeout.
type Conn struct {
	net.Conn
	idle atomic.Int64

	closeOnce sync.Once
	stop      func() bool
}

// WrapConn arms idle deadlines on c. A zero idle disables them.
func WrapConn(c net.Conn, idle time.Duration) *Conn {
	conn := &Conn{Conn: c}
	conn.idle.Store(int64(idle))
	return conn
}

// SetIdleTimeout changes the idle timeout for the following operations.
func (c *Conn) SetIdleTimeout(idle time.Duration) {
	c.idle.Store(int64(idle))
}

func (c *Conn) Read(p []byte) (int, error) {
	if idle := time.Duration(c.idle.Load()); idle > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}

func (c *Conn) Write(p []byte) (int, error) {
	if idle := time.Duration(c.idle.Load()); idle > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(idle)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(p)
}

func (c *Conn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		if c.stop != nil {
			c.stop()
		}
		err = c.Conn.Close()
	})
	return err
}

// closeWith closes the connection as soon as ctx is done.
func (c *Conn) closeWith(ctx context.Context) {
	c.stop = context.AfterFunc(ctx, func() { c.Conn.Close() })
}

// Dialer opens outbound TCP connections with a connect timeout and an idle
// timeout on every subsequent I/O call.
type Dialer struct {
	DialTimeout time.Duration
	IdleTimeout time.Duration
}

func (d Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := d.DialConn(ctx, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialConn is Dial returning the concrete connection, whose idle timeout can
// be changed mid-exchange.
func (d Dialer) DialConn(ctx context.Context, addr string) (*Conn, error) {
	nd := net.Dialer{Timeout: d.DialTimeout}
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	conn := WrapConn(c, d.IdleTimeout)
	conn.closeWith(ctx)
	return conn, nil
}
