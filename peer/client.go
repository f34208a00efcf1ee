package peer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/storage"
	"tarun-kavipurapu/p2p-share/pkg/transport/tcp"
)

// Client issues one command per connection to remote peers. Every call is
// bounded by the dial timeout and by an idle timeout on each read and write.
type Client struct {
	dialer          tcp.Dialer
	transferTimeout time.Duration
}

func NewClient(dialTimeout, ioTimeout, transferTimeout time.Duration) *Client {
	return &Client{
		dialer:          tcp.Dialer{DialTimeout: dialTimeout, IdleTimeout: ioTimeout},
		transferTimeout: transferTimeout,
	}
}

// FetchInfo is the metadata announced by GET.
type FetchInfo struct {
	Checksum string
	Size     int64
}

type session struct {
	conn *tcp.Conn
	r    *bufio.Reader
	addr string
	cmd  string
}

func (c *Client) open(ctx context.Context, addr, cmd string, args ...string) (*session, error) {
	conn, err := c.dialer.DialConn(ctx, addr)
	if err != nil {
		return nil, transportErr("dial", addr, err)
	}
	if err := tcp.WriteLine(conn, protocol.FormatCommand(cmd, args...)); err != nil {
		conn.Close()
		return nil, transportErr(cmd, addr, err)
	}
	return &session{
		conn: conn,
		r:    bufio.NewReaderSize(conn, storage.BufferSize),
		addr: addr,
		cmd:  cmd,
	}, nil
}

func (s *session) Close() error {
	return s.conn.Close()
}

// readLine reads a text response; error lines come back as *RemoteError.
func (s *session) readLine() (string, error) {
	line, err := tcp.ReadLine(s.r, protocol.MaxLineLength)
	if err != nil {
		return "", transportErr(s.cmd, s.addr, err)
	}
	if protocol.IsErrorLine(line) {
		return "", &RemoteError{Command: s.cmd, Reason: protocol.ErrorReason(line)}
	}
	return line, nil
}

// readBlob reads a framed payload. A text error line in its place is
// detected by its marker, which can never start a valid frame.
func (s *session) readBlob() ([]byte, error) {
	if head, err := s.r.Peek(len(protocol.ErrorMarker)); err == nil && bytes.Equal(head, []byte(protocol.ErrorMarker)) {
		_, err := s.readLine()
		return nil, err
	}
	data, err := tcp.ReadBlob(s.r, protocol.MaxBlobSize)
	if err != nil {
		return nil, transportErr(s.cmd, s.addr, err)
	}
	return data, nil
}

// Ping probes a peer and returns the name and port it reports.
func (c *Client) Ping(ctx context.Context, addr string) (string, int, error) {
	s, err := c.open(ctx, addr, protocol.CmdPing)
	if err != nil {
		return "", 0, err
	}
	defer s.Close()

	line, err := s.readLine()
	if err != nil {
		return "", 0, err
	}
	name, port, err := protocol.ParsePong(line)
	if err != nil {
		return "", 0, protocolErr("%v", err)
	}
	return name, port, nil
}

func (c *Client) List(ctx context.Context, addr string) ([]protocol.FileDescriptor, error) {
	s, err := c.open(ctx, addr, protocol.CmdList)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	data, err := s.readBlob()
	if err != nil {
		return nil, err
	}
	files, err := protocol.DecodeFiles(data)
	if err != nil {
		return nil, protocolErr("LIST from %s: %v", addr, err)
	}
	return files, nil
}

func (c *Client) Peers(ctx context.Context, addr string) ([]protocol.PeerDescriptor, error) {
	s, err := c.open(ctx, addr, protocol.CmdPeers)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	data, err := s.readBlob()
	if err != nil {
		return nil, err
	}
	peers, err := protocol.DecodePeers(data)
	if err != nil {
		return nil, protocolErr("PEERS from %s: %v", addr, err)
	}
	return peers, nil
}

// Announce registers this node with a remote peer; name may be empty. It
// reports whether the remote did not know us before.
func (c *Client) Announce(ctx context.Context, addr, name string, port int) (bool, error) {
	args := []string{strconv.Itoa(port)}
	if name != "" {
		args = append([]string{name}, args...)
	}
	s, err := c.open(ctx, addr, protocol.CmdAnnounce, args...)
	if err != nil {
		return false, err
	}
	defer s.Close()

	line, err := s.readLine()
	if err != nil {
		return false, err
	}
	switch line {
	case protocol.RespPeerAdded:
		return true, nil
	case protocol.RespPeerUpdated:
		return false, nil
	default:
		return false, protocolErr("unexpected ANNOUNCE response %q", line)
	}
}

// Fetch streams name from offset into dst. accept, when set, sees the
// announced metadata before any byte is copied and may refuse it. Fetch
// returns the metadata and the number of bytes written, even on failure.
func (c *Client) Fetch(ctx context.Context, addr, name string, offset int64, dst io.Writer, accept func(FetchInfo) error) (FetchInfo, int64, error) {
	s, err := c.open(ctx, addr, protocol.CmdGet, name, strconv.FormatInt(offset, 10))
	if err != nil {
		return FetchInfo{}, 0, err
	}
	defer s.Close()

	checksum, err := s.readLine()
	if err != nil {
		return FetchInfo{}, 0, err
	}
	if checksum == "" || strings.ContainsAny(checksum, " \t") {
		return FetchInfo{}, 0, protocolErr("malformed checksum line %q", checksum)
	}
	sizeLine, err := s.readLine()
	if err != nil {
		return FetchInfo{}, 0, err
	}
	size, err := strconv.ParseInt(sizeLine, 10, 64)
	if err != nil || size < 0 || offset > size {
		return FetchInfo{}, 0, protocolErr("malformed size line %q", sizeLine)
	}
	info := FetchInfo{Checksum: strings.ToLower(checksum), Size: size}
	if accept != nil {
		if err := accept(info); err != nil {
			return info, 0, err
		}
	}

	s.conn.SetIdleTimeout(c.transferTimeout)
	w := &errWriter{w: dst}
	n, err := io.CopyN(w, s.r, size-offset)
	if err != nil {
		if w.err != nil {
			return info, n, fmt.Errorf("write local copy of %s: %w", name, w.err)
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return info, n, transportErr("GET", addr, err)
	}
	return info, n, nil
}

// Push uploads size bytes from src under name. The remote verifies checksum
// before keeping the file.
func (c *Client) Push(ctx context.Context, addr, name string, size int64, checksum string, src io.Reader) error {
	s, err := c.open(ctx, addr, protocol.CmdUpload, name, strconv.FormatInt(size, 10), checksum)
	if err != nil {
		return err
	}
	defer s.Close()

	line, err := s.readLine()
	if err != nil {
		return err
	}
	if line != protocol.RespReady {
		return protocolErr("unexpected UPLOAD response %q", line)
	}

	s.conn.SetIdleTimeout(c.transferTimeout)
	if _, err := io.CopyN(s.conn, src, size); err != nil {
		return transportErr("UPLOAD", addr, err)
	}

	line, err = s.readLine()
	if err != nil {
		return err
	}
	if line != protocol.RespSuccess {
		return protocolErr("unexpected UPLOAD result %q", line)
	}
	return nil
}

// errWriter remembers the first write error so that local failures can be
// told apart from network ones.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	n, err := e.w.Write(p)
	if err != nil && e.err == nil {
		e.err = err
	}
	return n, err
}
