package peer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"

	"tarun-kavipurapu/p2p-share/pkg/config"
	"tarun-kavipurapu/p2p-share/pkg/membership"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/storage"
	"tarun-kavipurapu/p2p-share/pkg/transport/tcp"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// testConfig returns a config whose periodic maintenance never fires during a
// test and whose startup sweep is disabled.
func testConfig(t *testing.T, name string, seeds ...config.SeedFile) config.Config {
	t.Helper()
	cfg := config.New(name, freePort(t), filepath.Join(t.TempDir(), name), seeds...)
	cfg.Discovery.PortStart = 0
	cfg.Discovery.ProbeTimeout = 500 * time.Millisecond
	cfg.Timing.SyncInterval = time.Hour
	cfg.Timing.CleanupInterval = time.Hour
	cfg.Timing.RefreshInterval = time.Hour
	cfg.Timing.DialTimeout = time.Second
	cfg.Timing.IOTimeout = 2 * time.Second
	cfg.Timing.TransferTimeout = 5 * time.Second
	cfg.Timing.ShutdownGrace = time.Second
	return cfg
}

func startPeer(t *testing.T, cfg config.Config, opts ...Option) *Peer {
	t.Helper()
	p, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New(%s): %v", cfg.Name, err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start(%s): %v", cfg.Name, err)
	}
	t.Cleanup(func() { p.Stop() })
	return p
}

func seed(name, content string) config.SeedFile {
	return config.SeedFile{Name: name, Content: content}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// sharedNames lists every directory entry, temporary files included.
func sharedNames(t *testing.T, p *Peer) []string {
	t.Helper()
	entries, err := os.ReadDir(p.SharedDir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func sendLine(t *testing.T, port int, line string) *bufio.Reader {
	t.Helper()
	conn, err := net.DialTimeout("tcp", protocol.PeerKey("127.0.0.1", port), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := tcp.WriteLine(conn, line); err != nil {
		t.Fatalf("write: %v", err)
	}
	return bufio.NewReader(conn)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := tcp.ReadLine(r, protocol.MaxLineLength)
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	return line
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	for _, cfg := range []config.Config{
		config.New("", 8000, dir),
		config.New("alice", 0, dir),
		config.New("alice", 70000, dir),
	} {
		if _, err := New(cfg); !errors.Is(err, config.ErrInvalid) {
			t.Errorf("New(%q, %d) err = %v, want ErrInvalid", cfg.Name, cfg.Port, err)
		}
	}
}

func TestNewWritesSeedFilesOnce(t *testing.T) {
	cfg := testConfig(t, "alice", seed("readme.md", "seeded"))
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	path := filepath.Join(p.SharedDir(), "readme.md")
	if err := os.WriteFile(path, []byte("edited"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(cfg); err != nil {
		t.Fatalf("second New: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "edited" {
		t.Fatalf("seed overwrote an existing file: %q", data)
	}
}

func TestPingAndUnknownCommand(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice"))

	r := sendLine(t, a.Port(), "FOO bar")
	if line := readLine(t, r); !protocol.IsErrorLine(line) {
		t.Fatalf("reply to unknown command = %q", line)
	}

	r = sendLine(t, a.Port(), "PING extra")
	if line := readLine(t, r); !protocol.IsErrorLine(line) {
		t.Fatalf("reply to PING with an argument = %q", line)
	}

	name, port, err := a.client.Ping(testCtx(t), protocol.PeerKey("127.0.0.1", a.Port()))
	if err != nil {
		t.Fatalf("Ping after bad commands: %v", err)
	}
	if name != "alice" || port != a.Port() {
		t.Fatalf("PONG = %s %d", name, port)
	}
}

func TestGetReturnsMatchingChecksum(t *testing.T) {
	content := strings.Repeat("r", 19) + "\n"
	a := startPeer(t, testConfig(t, "alice", seed("readme.md", content)))
	b := startPeer(t, testConfig(t, "bob"))

	r := sendLine(t, a.Port(), "GET readme.md 0")
	checksum := readLine(t, r)
	if size := readLine(t, r); size != "20" {
		t.Fatalf("size line = %q, want 20", size)
	}
	body := make([]byte, 20)
	if _, err := io.ReadFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != content {
		t.Fatalf("body = %q", body)
	}

	stored, err := b.DownloadFrom(testCtx(t), "readme.md", "127.0.0.1", a.Port())
	if err != nil {
		t.Fatalf("DownloadFrom: %v", err)
	}
	if stored != "readme.md" {
		t.Fatalf("stored as %q", stored)
	}
	got, err := storage.HashFile(filepath.Join(b.SharedDir(), stored))
	if err != nil {
		t.Fatal(err)
	}
	if got != checksum {
		t.Fatalf("local checksum %s != remote %s", got, checksum)
	}
	if s := b.Statistics(); s.Transfers.Downloads != 1 || s.Transfers.BytesIn != 20 {
		t.Fatalf("statistics = %+v", s.Transfers)
	}
}

func TestFetchFromOffset(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice", seed("digits.txt", "0123456789")))

	var buf bytes.Buffer
	info, n, err := a.client.Fetch(testCtx(t), protocol.PeerKey("127.0.0.1", a.Port()), "digits.txt", 6, &buf, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if info.Size != 10 || n != 4 || buf.String() != "6789" {
		t.Fatalf("Fetch = %+v, %d, %q", info, n, buf.String())
	}

	_, _, err = a.client.Fetch(testCtx(t), protocol.PeerKey("127.0.0.1", a.Port()), "digits.txt", 11, &buf, nil)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("offset past the end: err = %v", err)
	}
}

func TestDownloadCollisionGetsUniqueName(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice", seed("x.txt", "local original")))
	b := startPeer(t, testConfig(t, "bob", seed("x.txt", "remote content")))

	stored, err := a.DownloadFrom(testCtx(t), "x.txt", "127.0.0.1", b.Port())
	if err != nil {
		t.Fatalf("DownloadFrom: %v", err)
	}
	if stored != "x(1).txt" {
		t.Fatalf("stored as %q, want x(1).txt", stored)
	}
	if data, _ := a.ReadLocalFile("x.txt"); string(data) != "local original" {
		t.Fatalf("original changed: %q", data)
	}
	if data, _ := a.ReadLocalFile("x(1).txt"); string(data) != "remote content" {
		t.Fatalf("downloaded copy = %q", data)
	}
}

func TestDownloadAbsentFileLeavesNothing(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice"))
	b := startPeer(t, testConfig(t, "bob"))

	r := sendLine(t, a.Port(), "GET absent.txt 0")
	if line := readLine(t, r); !protocol.IsErrorLine(line) {
		t.Fatalf("GET absent.txt = %q, want an error line", line)
	}

	_, err := b.DownloadFrom(testCtx(t), "absent.txt", "127.0.0.1", a.Port())
	var remote *RemoteError
	if !errors.As(err, &remote) || !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want a remote protocol error", err)
	}
	if names := sharedNames(t, b); len(names) != 0 {
		t.Fatalf("files left after a failed download: %v", names)
	}
	if s := b.Statistics(); s.Transfers.Failures != 1 {
		t.Fatalf("failures = %d", s.Transfers.Failures)
	}
}

func TestDownloadRejectsSelf(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice", seed("f.txt", "x")))
	if _, err := a.DownloadFrom(testCtx(t), "f.txt", "localhost", a.Port()); !errors.Is(err, ErrSelf) {
		t.Fatalf("err = %v, want ErrSelf", err)
	}
}

func TestUploadWithCorruptedChecksumIsRejected(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice"))
	b := startPeer(t, testConfig(t, "bob"))

	payload := bytes.Repeat([]byte{0xAB}, 1_000_000)
	corrupted := strings.Repeat("0", 64)
	addr := protocol.PeerKey("127.0.0.1", a.Port())

	err := b.client.Push(testCtx(t), addr, "y.bin", int64(len(payload)), corrupted, bytes.NewReader(payload))
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want a remote error", err)
	}
	if !strings.Contains(remote.Reason, "checksum") {
		t.Fatalf("reason = %q", remote.Reason)
	}

	files, err := b.client.List(testCtx(t), addr)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, f := range files {
		if f.Name == "y.bin" {
			t.Fatal("y.bin listed after a rejected upload")
		}
	}
	if names := sharedNames(t, a); len(names) != 0 {
		t.Fatalf("files left after a rejected upload: %v", names)
	}
}

func TestUploadIsNonDestructive(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice", seed("doc.txt", "alice's doc")))
	b := startPeer(t, testConfig(t, "bob", seed("doc.txt", "bob's doc")))

	if err := b.UploadTo(testCtx(t), "doc.txt", "127.0.0.1", a.Port()); err != nil {
		t.Fatalf("UploadTo: %v", err)
	}
	if data, _ := a.ReadLocalFile("doc.txt"); string(data) != "alice's doc" {
		t.Fatalf("upload replaced the existing file: %q", data)
	}
	if data, _ := a.ReadLocalFile("doc(1).txt"); string(data) != "bob's doc" {
		t.Fatalf("uploaded copy = %q", data)
	}
	if s := a.Statistics(); s.Transfers.Received != 1 {
		t.Fatalf("received = %d", s.Transfers.Received)
	}

	if err := b.UploadTo(testCtx(t), "missing.txt", "127.0.0.1", a.Port()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("upload of a missing file: err = %v", err)
	}
}

func TestUploadRejectsOversizedFile(t *testing.T) {
	cfg := testConfig(t, "alice")
	cfg.Limits.MaxUploadSize = 10
	a := startPeer(t, cfg)

	r := sendLine(t, a.Port(), "UPLOAD big.bin 11 "+strings.Repeat("0", 64))
	if line := readLine(t, r); !protocol.IsErrorLine(line) {
		t.Fatalf("reply = %q, want an error before READY", line)
	}
}

func TestAnnounceAndGossip(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice"))
	b := startPeer(t, testConfig(t, "bob"))
	c := startPeer(t, testConfig(t, "carol"))
	ctx := testCtx(t)

	if err := a.AddPeer(ctx, "127.0.0.1", b.Port()); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	got, ok := a.table.Get(protocol.PeerKey("127.0.0.1", b.Port()))
	if !ok || got.Name != "bob" {
		t.Fatalf("alice's entry for bob = %+v, %v", got, ok)
	}
	if _, ok := b.table.Get(protocol.PeerKey("127.0.0.1", a.Port())); !ok {
		t.Fatal("bob did not learn alice from her announce")
	}

	if err := c.AddPeer(ctx, "127.0.0.1", a.Port()); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if learned := c.SyncNow(ctx); learned != 1 {
		t.Fatalf("SyncNow learned %d peers, want 1", learned)
	}
	if _, ok := c.table.Get(protocol.PeerKey("127.0.0.1", b.Port())); !ok {
		t.Fatal("carol did not learn bob through alice")
	}
	for _, d := range c.KnownPeers() {
		if d.Port == c.Port() {
			t.Fatal("carol added herself")
		}
	}
}

func TestAnnounceTwiceIsUpdate(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice"))
	addr := protocol.PeerKey("127.0.0.1", a.Port())

	added, err := a.client.Announce(testCtx(t), addr, "ghost", 9)
	if err != nil || !added {
		t.Fatalf("first Announce = %v, %v", added, err)
	}
	added, err = a.client.Announce(testCtx(t), addr, "", 9)
	if err != nil || added {
		t.Fatalf("second Announce = %v, %v", added, err)
	}
	got, _ := a.table.Get(protocol.PeerKey("127.0.0.1", 9))
	if got.Name != "ghost" {
		t.Fatalf("name = %q, want ghost", got.Name)
	}
	if a.table.Len() != 1 {
		t.Fatalf("Len = %d", a.table.Len())
	}
}

func TestSweepDeadPortAddsNothing(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice"))
	dead := freePort(t)

	budget := 2 * time.Second
	start := time.Now()
	added := sweepPorts(testCtx(t), a.swarm, "127.0.0.1", dead, dead, 500*time.Millisecond, budget)
	if added != 0 || a.table.Len() != 0 {
		t.Fatalf("added = %d, Len = %d", added, a.table.Len())
	}
	if elapsed := time.Since(start); elapsed > budget+500*time.Millisecond {
		t.Fatalf("sweep took %v", elapsed)
	}
}

func TestSweepFindsPeersButNotSelf(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice"))
	b := startPeer(t, testConfig(t, "bob"))

	lo, hi := a.Port(), b.Port()
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi-lo > 200 {
		t.Skip("ports too far apart for a short sweep")
	}
	sweepPorts(testCtx(t), a.swarm, "127.0.0.1", lo, hi, 500*time.Millisecond, 5*time.Second)

	got, ok := a.table.Get(protocol.PeerKey("127.0.0.1", b.Port()))
	if !ok || got.Name != "bob" {
		t.Fatalf("entry for bob = %+v, %v", got, ok)
	}
	if _, ok := a.table.Get(protocol.PeerKey("127.0.0.1", a.Port())); ok {
		t.Fatal("sweep added the node itself")
	}
}

func TestCleanupRemovesOnlyUnreachableStalePeers(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(time.Hour)
	a := startPeer(t, testConfig(t, "alice"), WithClock(clk))
	b := startPeer(t, testConfig(t, "bob"))
	c := startPeer(t, testConfig(t, "carol"))
	ctx := testCtx(t)

	for _, p := range []*Peer{b, c} {
		if err := a.AddPeer(ctx, "127.0.0.1", p.Port()); err != nil {
			t.Fatalf("AddPeer: %v", err)
		}
	}
	a.bgWg.Wait()
	bKey := protocol.PeerKey("127.0.0.1", b.Port())
	a.catalog.Store(bKey, []protocol.FileDescriptor{{Name: "f"}}, clk.Now())

	if removed := cleanupPeers(ctx, a.swarm, time.Second); removed != 0 {
		t.Fatalf("fresh peers removed: %d", removed)
	}

	b.Stop()
	clk.Add(time.Minute)
	if removed := cleanupPeers(ctx, a.swarm, time.Second); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := a.table.Get(bKey); ok {
		t.Fatal("stopped peer still known")
	}
	if _, ok := a.catalog.Load(bKey); ok {
		t.Fatal("catalog of the removed peer still cached")
	}
	got, ok := a.table.Get(protocol.PeerKey("127.0.0.1", c.Port()))
	if !ok || !a.table.IsAlive(got, a.cfg.Timing.PeerTimeout) {
		t.Fatal("reachable peer was not kept alive")
	}
}

func TestSearchAndDownloadByName(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice"))
	b := startPeer(t, testConfig(t, "bob", seed("song.mp3", "la la la")))
	ctx := testCtx(t)

	if err := a.AddPeer(ctx, "127.0.0.1", b.Port()); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	files, err := a.ListRemoteFiles(ctx, "127.0.0.1", b.Port())
	if err != nil || len(files) != 1 {
		t.Fatalf("ListRemoteFiles = %v, %v", files, err)
	}

	owners := a.Search("song.mp3")
	if len(owners) != 1 || owners[0].Port != b.Port() {
		t.Fatalf("Search = %v", owners)
	}
	if nf := a.NetworkFiles(); len(nf["song.mp3"]) != 1 {
		t.Fatalf("NetworkFiles = %v", nf)
	}

	stored, err := a.Download(ctx, "song.mp3")
	if err != nil || stored != "song.mp3" {
		t.Fatalf("Download = %q, %v", stored, err)
	}
	if _, err := a.Download(ctx, "nobody-has-this"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Download of an unknown file: err = %v", err)
	}
}

func TestLocalFileOperations(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice", seed("a.txt", "aaa"), seed("b.txt", "bb")))

	files, err := a.LocalFiles()
	if err != nil || len(files) != 2 {
		t.Fatalf("LocalFiles = %v, %v", files, err)
	}
	if files[0].Name != "a.txt" || files[0].Size != 3 || files[0].Checksum == "" {
		t.Fatalf("first file = %+v", files[0])
	}

	if _, err := a.ReadLocalFile("nope.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadLocalFile err = %v, want ErrNotFound", err)
	}
	if err := a.DeleteLocalFile("a.txt"); err != nil {
		t.Fatalf("DeleteLocalFile: %v", err)
	}
	if err := a.DeleteLocalFile("a.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}

	s := a.Statistics()
	if s.SharedFiles != 1 || s.Name != "alice" || !s.Running {
		t.Fatalf("Statistics = %+v", s)
	}
	if !strings.Contains(s.String(), "alice") {
		t.Fatalf("String() = %q", s.String())
	}
	a.ClearCache()
	if a.Statistics().ChecksumCache != 0 {
		t.Fatal("cache not cleared")
	}
}

func TestTransferObserverSeesProgress(t *testing.T) {
	var trackers []*TransferTracker
	a := startPeer(t, testConfig(t, "alice", seed("big.bin", strings.Repeat("z", 100_000))))
	b := startPeer(t, testConfig(t, "bob"), WithTransferObserver(func(tr *TransferTracker) {
		trackers = append(trackers, tr)
	}))

	if _, err := b.DownloadFrom(testCtx(t), "big.bin", "127.0.0.1", a.Port()); err != nil {
		t.Fatalf("DownloadFrom: %v", err)
	}
	if len(trackers) != 1 {
		t.Fatalf("observed %d transfers", len(trackers))
	}
	tr := trackers[0]
	select {
	case <-tr.Done():
	default:
		t.Fatal("tracker not finished")
	}
	done, total, _ := tr.Progress()
	if tr.State() != TransferCompleted || done != 100_000 || total != 100_000 || tr.Percent() != 100 {
		t.Fatalf("tracker = %v %d/%d", tr.State(), done, total)
	}
}

func TestStopAndRestart(t *testing.T) {
	cfg := testConfig(t, "alice")
	a := startPeer(t, cfg)
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Running() {
		t.Fatal("still running after Stop")
	}
	if _, _, err := a.client.Ping(testCtx(t), protocol.PeerKey("127.0.0.1", cfg.Port)); !errors.Is(err, ErrTransport) {
		t.Fatalf("Ping a stopped peer: err = %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if _, port, err := a.client.Ping(testCtx(t), protocol.PeerKey("127.0.0.1", cfg.Port)); err != nil || port != cfg.Port {
		t.Fatalf("Ping after restart = %d, %v", port, err)
	}
}

func TestHandleConnIgnoresEmptyConnection(t *testing.T) {
	a := startPeer(t, testConfig(t, "alice"))
	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(a.Port()))
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	if _, _, err := a.client.Ping(testCtx(t), protocol.PeerKey("127.0.0.1", a.Port())); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// serveGets answers GET requests on a loopback port. reply is called once per
// connection with the attempt number and the requested offset.
func serveGets(t *testing.T, reply func(attempt int, offset int64, w io.Writer)) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		for attempt := 0; ; attempt++ {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			func() {
				defer conn.Close()
				conn.SetDeadline(time.Now().Add(5 * time.Second))
				line, err := tcp.ReadLine(bufio.NewReader(conn), protocol.MaxLineLength)
				if err != nil {
					return
				}
				fields := strings.Fields(line)
				if len(fields) != 3 || fields[0] != protocol.CmdGet {
					return
				}
				offset, _ := strconv.ParseInt(fields[2], 10, 64)
				reply(attempt, offset, conn)
			}()
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func writeGetReply(w io.Writer, checksum string, data []byte, offset, end int64) {
	fmt.Fprintf(w, "%s\n%d\n", checksum, len(data))
	w.Write(data[offset:end])
}

func testPayload(t *testing.T, n int) ([]byte, string) {
	t.Helper()
	data := bytes.Repeat([]byte("0123456789"), n/10)
	sum, err := storage.HashReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	return data, sum
}

func TestDownloadResumesAfterBrokenStream(t *testing.T) {
	data, sum := testPayload(t, 50000)
	offsets := make(chan int64, 4)
	port := serveGets(t, func(attempt int, offset int64, w io.Writer) {
		offsets <- offset
		end := int64(len(data))
		if attempt == 0 {
			end = 12345
		}
		writeGetReply(w, sum, data, offset, end)
	})

	var tracker *TransferTracker
	a := startPeer(t, testConfig(t, "alice"), WithTransferObserver(func(tr *TransferTracker) { tracker = tr }))
	stored, err := a.DownloadFrom(testCtx(t), "f.bin", "127.0.0.1", port)
	if err != nil || stored != "f.bin" {
		t.Fatalf("DownloadFrom = %q, %v", stored, err)
	}
	got, err := a.ReadLocalFile("f.bin")
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("stored content differs (%d bytes, err %v)", len(got), err)
	}
	if first, second := <-offsets, <-offsets; first != 0 || second != 12345 {
		t.Fatalf("offsets = %d, %d; want 0, 12345", first, second)
	}
	if tracker == nil || tracker.Resumes() != 1 || tracker.State() != TransferCompleted {
		t.Fatalf("tracker = %+v", tracker)
	}
}

func TestDownloadRefusesChecksumChangedOnResume(t *testing.T) {
	data, sum := testPayload(t, 50000)
	_, other := testPayload(t, 40000)
	port := serveGets(t, func(attempt int, offset int64, w io.Writer) {
		if attempt == 0 {
			writeGetReply(w, sum, data, offset, 12345)
			return
		}
		writeGetReply(w, other, data, offset, int64(len(data)))
	})

	a := startPeer(t, testConfig(t, "alice"))
	_, err := a.DownloadFrom(testCtx(t), "f.bin", "127.0.0.1", port)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("DownloadFrom err = %v, want ErrIntegrity", err)
	}
	if names := sharedNames(t, a); len(names) != 0 {
		t.Fatalf("shared dir = %v, want empty", names)
	}
}

func TestDownloadRejectsWrongChecksum(t *testing.T) {
	data, _ := testPayload(t, 50000)
	port := serveGets(t, func(_ int, offset int64, w io.Writer) {
		writeGetReply(w, strings.Repeat("a", 64), data, offset, int64(len(data)))
	})

	a := startPeer(t, testConfig(t, "alice"))
	_, err := a.DownloadFrom(testCtx(t), "f.bin", "127.0.0.1", port)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("DownloadFrom err = %v, want ErrIntegrity", err)
	}
	if names := sharedNames(t, a); len(names) != 0 {
		t.Fatalf("shared dir = %v, want empty", names)
	}
	if _, err := a.ReadLocalFile("f.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadLocalFile err = %v, want ErrNotFound", err)
	}
}

func TestPeersSharesOnlyNamedLivePeers(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(3 * time.Hour)
	a := startPeer(t, testConfig(t, "alice"), WithClock(clk))

	now := clk.Now()
	for _, d := range []protocol.PeerDescriptor{
		protocol.NewPeerDescriptor("10.0.0.1", 1, "named", now),
		protocol.NewPeerDescriptor("10.0.0.2", 2, "", now),
		protocol.NewPeerDescriptor("10.0.0.3", 3, "stale", now.Add(-time.Hour)),
	} {
		if res := a.table.Upsert(d); res != membership.Added {
			t.Fatalf("Upsert(%s) = %v", d.Key(), res)
		}
	}
	if res := a.table.Upsert(protocol.NewPeerDescriptor("localhost", a.Port(), "me", now)); res != membership.Ignored {
		t.Fatalf("self Upsert = %v", res)
	}

	peers, err := a.client.Peers(testCtx(t), protocol.PeerKey("127.0.0.1", a.Port()))
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 1 || peers[0].Name != "named" || peers[0].Key() != "10.0.0.1:1" {
		t.Fatalf("Peers = %+v, want only named@10.0.0.1:1", peers)
	}
}
