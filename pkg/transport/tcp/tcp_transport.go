package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"

	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

const acceptRetryDelay = 50 * time.Millisecond

var (
	_ transport.Transport = (*TCPTransport)(nil)
	_ transport.Dialer    = Dialer{}
)

// TCPTransportOpts configures a TCPTransport.
type TCPTransportOpts struct {
	// ListenAddr is the TCP address to listen on, e.g. ":8000".
	ListenAddr string
	// Handler serves every accepted connection.
	Handler transport.Handler
	// MaxConns bounds the connections served at once; the accept loop waits
	// for a free slot. Zero means 64.
	MaxConns int64
	// IdleTimeout is applied to every read and write on accepted connections.
	IdleTimeout time.Duration
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	TCPTransportOpts

	listener net.Listener
	slots    *semaphore.Weighted

	// acceptCtx stops the accept loop; connCtx is handed to handlers and is
	// cancelled only when the grace period is over.
	acceptCtx    context.Context
	stopAccept   context.CancelFunc
	connCtx      context.Context
	abortHandles context.CancelFunc

	mu     sync.Mutex
	conns  map[string]net.Conn
	wg     sync.WaitGroup
	loopWg sync.WaitGroup
	closed atomic.Bool
}

func NewTCPTransport(opts TCPTransportOpts) *TCPTransport {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 64
	}
	acceptCtx, stopAccept := context.WithCancel(context.Background())
	connCtx, abort := context.WithCancel(context.Background())
	return &TCPTransport{
		TCPTransportOpts: opts,
		slots:            semaphore.NewWeighted(opts.MaxConns),
		acceptCtx:        acceptCtx,
		stopAccept:       stopAccept,
		connCtx:          connCtx,
		abortHandles:     abort,
		conns:            make(map[string]net.Conn),
	}
}

func (t *TCPTransport) ListenAndAccept() error {
	if t.Handler == nil {
		return errors.New("tcp transport: no handler configured")
	}
	ln, err := net.Listen("tcp", t.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.ListenAddr, err)
	}
	t.listener = ln

	t.loopWg.Add(1)
	go t.acceptLoop()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	defer t.loopWg.Done()

	for {
		if err := t.slots.Acquire(t.acceptCtx, 1); err != nil {
			return
		}
		conn, err := t.listener.Accept()
		if err != nil {
			t.slots.Release(1)
			if errors.Is(err, net.ErrClosed) || t.closed.Load() {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.Addr(), err)
			time.Sleep(acceptRetryDelay)
			continue
		}

		id := uuid.NewString()[:8]
		t.track(id, conn)
		t.wg.Add(1)
		go t.handleConn(id, conn)
	}
}

func (t *TCPTransport) handleConn(id string, raw net.Conn) {
	conn := WrapConn(raw, t.IdleTimeout)
	defer func() {
		if r := recover(); r != nil {
			logger.Sugar.Errorf("[TCPTransport] handler panic: conn=%s remote=%s panic=%v\n%s", id, raw.RemoteAddr(), r, debug.Stack())
		}
		conn.Close()
		t.untrack(id)
		t.slots.Release(1)
		t.wg.Done()
	}()

	logger.Sugar.Debugf("[TCPTransport] connection accepted: conn=%s remote=%s", id, raw.RemoteAddr())
	t.Handler.HandleConn(t.connCtx, conn)
}

func (t *TCPTransport) track(id string, conn net.Conn) {
	t.mu.Lock()
	t.conns[id] = conn
	t.mu.Unlock()
}

func (t *TCPTransport) untrack(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
}

// ActiveConns returns the number of connections being served.
func (t *TCPTransport) ActiveConns() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Close stops the accept loop, closes the listener and waits for in-flight
// handlers until ctx is done. Remaining connections are then closed forcibly.
func (t *TCPTransport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	var err error
	t.stopAccept()
	if t.listener != nil {
		if cerr := t.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close listener: %w", cerr))
		}
	}
	t.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.abortHandles()
		return err
	case <-ctx.Done():
	}

	t.abortHandles()
	t.mu.Lock()
	forced := len(t.conns)
	for id, conn := range t.conns {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close conn %s: %w", id, cerr))
		}
	}
	t.mu.Unlock()
	logger.Sugar.Warnf("[TCPTransport] grace period over, closed connections forcibly: listen=%s count=%d", t.Addr(), forced)

	<-done
	return err
}

// Addr returns the bound address once listening, the configured one before.
func (t *TCPTransport) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.ListenAddr
}
