package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tarun-kavipurapu/p2p-share/pkg/transport"
)

func TestBlobRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBlob(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	if buf.Len() != HeaderSize+5 {
		t.Fatalf("frame length = %d", buf.Len())
	}
	got, err := ReadBlob(&buf, 1024)
	if err != nil {
		t.Fatalf("ReadBlob: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("payload = %q", got)
	}
}

func TestBlobLimit(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBlob(&buf, make([]byte, 100)); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	if _, err := ReadBlob(&buf, 99); err == nil {
		t.Fatal("expected an error for a blob above the limit")
	}
}

func TestBlobTruncated(t *testing.T) {
	var buf bytes.Buffer
	WriteBlob(&buf, []byte("abcdef"))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	if _, err := ReadBlob(truncated, 1024); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func echoHandler() transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, conn net.Conn) {
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		io.WriteString(conn, strings.ToUpper(line))
	})
}

func startTransport(t *testing.T, opts TCPTransportOpts) *TCPTransport {
	t.Helper()
	opts.ListenAddr = "127.0.0.1:0"
	tr := NewTCPTransport(opts)
	if err := tr.ListenAndAccept(); err != nil {
		t.Fatalf("ListenAndAccept: %v", err)
	}
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr
}

func roundTrip(t *testing.T, addr, msg string) string {
	t.Helper()
	d := Dialer{DialTimeout: time.Second, IdleTimeout: 2 * time.Second}
	conn, err := d.Dial(context.Background(), addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	io.WriteString(conn, msg+"\n")
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return strings.TrimSpace(line)
}

func TestTransportServesConnections(t *testing.T) {
	tr := startTransport(t, TCPTransportOpts{Handler: echoHandler(), IdleTimeout: time.Second})
	for _, msg := range []string{"ping", "list"} {
		if got := roundTrip(t, tr.Addr(), msg); got != strings.ToUpper(msg) {
			t.Fatalf("reply = %q", got)
		}
	}
}

func TestPanicIsolatedToConnection(t *testing.T) {
	var calls atomic.Int32
	handler := transport.HandlerFunc(func(ctx context.Context, conn net.Conn) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		echoHandler().HandleConn(ctx, conn)
	})
	tr := startTransport(t, TCPTransportOpts{Handler: handler, IdleTimeout: time.Second})

	d := Dialer{DialTimeout: time.Second, IdleTimeout: time.Second}
	conn, err := d.Dial(context.Background(), tr.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := bufio.NewReader(conn).ReadString('\n'); err == nil {
		t.Fatal("panicking handler should have closed the connection")
	}
	conn.Close()

	if got := roundTrip(t, tr.Addr(), "still alive"); got != "STILL ALIVE" {
		t.Fatalf("reply = %q", got)
	}
}

func TestIdleTimeoutClosesSilentClient(t *testing.T) {
	done := make(chan error, 1)
	handler := transport.HandlerFunc(func(ctx context.Context, conn net.Conn) {
		_, err := bufio.NewReader(conn).ReadString('\n')
		done <- err
	})
	tr := startTransport(t, TCPTransportOpts{Handler: handler, IdleTimeout: 100 * time.Millisecond})

	conn, err := net.Dial("tcp", tr.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	select {
	case err := <-done:
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Fatalf("handler read error = %v, want timeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("idle connection was not timed out")
	}
}

func TestCloseForcesStuckConnections(t *testing.T) {
	entered := make(chan struct{})
	handler := transport.HandlerFunc(func(ctx context.Context, conn net.Conn) {
		close(entered)
		io.Copy(io.Discard, conn)
	})
	tr := NewTCPTransport(TCPTransportOpts{ListenAddr: "127.0.0.1:0", Handler: handler})
	if err := tr.ListenAndAccept(); err != nil {
		t.Fatalf("ListenAndAccept: %v", err)
	}

	conn, err := net.Dial("tcp", tr.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := tr.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Close took %v", elapsed)
	}
	if n := tr.ActiveConns(); n != 0 {
		t.Fatalf("ActiveConns after close = %d", n)
	}
	if _, err := net.DialTimeout("tcp", tr.Addr(), 200*time.Millisecond); err == nil {
		t.Fatal("listener still accepting after Close")
	}
}

func TestMaxConnsBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	release := make(chan struct{})
	handler := transport.HandlerFunc(func(ctx context.Context, conn net.Conn) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
	})
	tr := startTransport(t, TCPTransportOpts{Handler: handler, MaxConns: 2})

	var conns []net.Conn
	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", tr.Addr())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		conns = append(conns, c)
	}
	time.Sleep(200 * time.Millisecond)
	if p := peak.Load(); p != 2 {
		t.Fatalf("peak concurrency = %d, want 2", p)
	}
	close(release)
	for _, c := range conns {
		c.Close()
	}
}

func TestDialContextCancelClosesConn(t *testing.T) {
	tr := startTransport(t, TCPTransportOpts{Handler: transport.HandlerFunc(func(ctx context.Context, conn net.Conn) {
		io.Copy(io.Discard, conn)
	})})

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := Dialer{DialTimeout: time.Second}.Dial(ctx, tr.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() {
		_, err := conn.Read(make([]byte, 1))
		readErr <- err
	}()
	cancel()

	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("read should fail once the context is cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read not interrupted by context cancellation")
	}
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("PING\r\nLIST\npartial"), 16)

	for _, want := range []string{"PING", "LIST"} {
		got, err := ReadLine(r, 64)
		if err != nil || got != want {
			t.Fatalf("ReadLine = %q, %v, want %q", got, err, want)
		}
	}
	if _, err := ReadLine(r, 64); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("partial line err = %v, want ErrUnexpectedEOF", err)
	}
	if _, err := ReadLine(r, 64); !errors.Is(err, io.EOF) {
		t.Fatalf("err at end = %v, want EOF", err)
	}

	long := bufio.NewReaderSize(strings.NewReader(strings.Repeat("x", 100)+"\n"), 16)
	if _, err := ReadLine(long, 32); err == nil {
		t.Fatal("expected an error for a line above the limit")
	}
}
