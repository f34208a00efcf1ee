package peer

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/membership"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/storage"
	"tarun-kavipurapu/p2p-share/pkg/transport/tcp"
)

// idleSetter is implemented by connections whose idle timeout can change
// mid-exchange (tcp.Conn).
type idleSetter interface {
	SetIdleTimeout(time.Duration)
}

// exchange is one accepted connection: a single request line, then either a
// text response, a framed payload or a byte stream.
type exchange struct {
	conn   net.Conn
	r      *bufio.Reader
	remote string
}

func (x *exchange) reply(line string) error {
	return tcp.WriteLine(x.conn, line)
}

func (x *exchange) fail(reason string) {
	if err := x.reply(protocol.ErrorLine(reason)); err != nil {
		logger.Sugar.Debugf("[PeerServer] could not send error line: remote=%s err=%v", x.remote, err)
	}
}

func (x *exchange) setIdle(d time.Duration) {
	if s, ok := x.conn.(idleSetter); ok {
		s.SetIdleTimeout(d)
	}
}

// HandleConn serves one command. A failure only ever affects this
// connection.
func (p *Peer) HandleConn(ctx context.Context, conn net.Conn) {
	p.metrics.RecordConnection()
	x := &exchange{
		conn:   conn,
		r:      bufio.NewReaderSize(conn, storage.BufferSize),
		remote: conn.RemoteAddr().String(),
	}

	line, err := tcp.ReadLine(x.r, protocol.MaxLineLength)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Sugar.Debugf("[PeerServer] read command error: remote=%s err=%v", x.remote, err)
			x.fail("commande illisible")
		}
		return
	}

	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		logger.Sugar.Debugf("[PeerServer] malformed command: remote=%s err=%v", x.remote, err)
		x.fail(err.Error())
		return
	}

	switch cmd.Name {
	case protocol.CmdPing:
		err = p.handlePing(x, cmd)
	case protocol.CmdList:
		err = p.handleList(x, cmd)
	case protocol.CmdGet:
		err = p.handleGet(x, cmd)
	case protocol.CmdPeers:
		err = p.handlePeers(x, cmd)
	case protocol.CmdAnnounce:
		err = p.handleAnnounce(x, cmd)
	case protocol.CmdUpload:
		err = p.handleUpload(ctx, x, cmd)
	default:
		x.fail("commande inconnue: " + cmd.Name)
		return
	}
	if err != nil {
		logger.Sugar.Warnf("[PeerServer] %s failed: remote=%s err=%v", cmd.Name, x.remote, err)
	}
}

// requestError is a bad request answered with an error line.
type requestError struct {
	reason string
}

func (e *requestError) Error() string {
	return e.reason
}

func rejectf(x *exchange, format string, args ...any) error {
	reason := fmt.Sprintf(format, args...)
	x.fail(reason)
	return &requestError{reason: reason}
}

func (p *Peer) handlePing(x *exchange, cmd protocol.Command) error {
	if err := cmd.Expect(0, 0); err != nil {
		return rejectf(x, "%v", err)
	}
	return x.reply(protocol.FormatPong(p.cfg.Name, p.cfg.Port))
}

func (p *Peer) handleList(x *exchange, cmd protocol.Command) error {
	if err := cmd.Expect(0, 0); err != nil {
		return rejectf(x, "%v", err)
	}
	files, err := p.LocalFiles()
	if err != nil {
		return rejectf(x, "liste indisponible")
	}
	payload, err := protocol.EncodeFiles(files)
	if err != nil {
		return rejectf(x, "liste indisponible")
	}
	return tcp.WriteBlob(x.conn, payload)
}

func (p *Peer) handlePeers(x *exchange, cmd protocol.Command) error {
	if err := cmd.Expect(0, 0); err != nil {
		return rejectf(x, "%v", err)
	}
	var shared []protocol.PeerDescriptor
	for _, d := range p.table.Snapshot() {
		if d.Name == "" || p.table.IsSelf(d) || !p.table.IsAlive(d, p.cfg.Timing.PeerTimeout) {
			continue
		}
		shared = append(shared, d)
	}
	payload, err := protocol.EncodePeers(shared)
	if err != nil {
		return rejectf(x, "liste indisponible")
	}
	return tcp.WriteBlob(x.conn, payload)
}

func (p *Peer) handleAnnounce(x *exchange, cmd protocol.Command) error {
	if err := cmd.Expect(1, 2); err != nil {
		return rejectf(x, "%v", err)
	}
	// the name is optional: a caller may not know its own name yet
	var name string
	portArg := cmd.Args[len(cmd.Args)-1]
	if len(cmd.Args) == 2 {
		name = cmd.Args[0]
	}
	port, err := strconv.Atoi(portArg)
	if err != nil {
		return rejectf(x, "port invalide: %s", portArg)
	}
	host, _, err := net.SplitHostPort(x.remote)
	if err != nil {
		return rejectf(x, "adresse inconnue")
	}

	d := protocol.NewPeerDescriptor(host, port, name, p.clk.Now())
	if err := d.Validate(); err != nil {
		return rejectf(x, "%v", err)
	}
	switch p.swarm.merge(d) {
	case membership.Added:
		return x.reply(protocol.RespPeerAdded)
	case membership.Updated:
		return x.reply(protocol.RespPeerUpdated)
	default:
		return rejectf(x, "annonce refusée")
	}
}

// handleGet streams a file from the requested offset after its checksum and
// full size. The node file lock is held for the whole stream.
func (p *Peer) handleGet(x *exchange, cmd protocol.Command) error {
	if err := cmd.Expect(1, 2); err != nil {
		return rejectf(x, "%v", err)
	}
	name := cmd.Args[0]
	var offset int64
	if len(cmd.Args) == 2 {
		v, err := strconv.ParseInt(cmd.Args[1], 10, 64)
		if err != nil || v < 0 {
			return rejectf(x, "offset invalide: %s", cmd.Args[1])
		}
		offset = v
	}
	if err := storage.ValidateName(name); err != nil {
		return rejectf(x, "nom de fichier invalide")
	}

	p.fileMu.Lock()
	defer p.fileMu.Unlock()

	file, info, err := p.store.Open(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return rejectf(x, "fichier introuvable: %s", name)
		}
		return rejectf(x, "lecture impossible: %s", name)
	}
	defer file.Close()

	checksum, err := p.store.Checksum(file.Name())
	if err != nil {
		return rejectf(x, "lecture impossible: %s", name)
	}
	size := info.Size()
	if offset > size {
		return rejectf(x, "offset %d au-delà de la taille %d", offset, size)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return rejectf(x, "lecture impossible: %s", name)
	}

	if err := x.reply(checksum); err != nil {
		return err
	}
	if err := x.reply(strconv.FormatInt(size, 10)); err != nil {
		return err
	}

	start := p.clk.Now()
	x.setIdle(p.cfg.Timing.TransferTimeout)
	n, err := io.CopyBuffer(x.conn, io.LimitReader(file, size-offset), make([]byte, storage.BufferSize))
	if err != nil {
		p.metrics.RecordFailure("serve")
		return fmt.Errorf("stream %s after %d bytes: %w", name, n, err)
	}
	p.metrics.RecordTransfer(monitor.Served, n, p.clk.Now().Sub(start))
	return nil
}

// handleUpload receives a pushed file. The size is checked before READY; the
// bytes go to a temporary file hashed on the fly and only a verified file is
// renamed into the shared directory, under a fresh name if needed.
func (p *Peer) handleUpload(ctx context.Context, x *exchange, cmd protocol.Command) error {
	if err := cmd.Expect(3, 3); err != nil {
		return rejectf(x, "%v", err)
	}
	name, sizeArg, expected := cmd.Args[0], cmd.Args[1], strings.ToLower(cmd.Args[2])
	if err := storage.ValidateName(name); err != nil {
		return rejectf(x, "nom de fichier invalide")
	}
	size, err := strconv.ParseInt(sizeArg, 10, 64)
	if err != nil || size < 0 || size > p.cfg.Limits.MaxUploadSize {
		return rejectf(x, "taille invalide: %s", sizeArg)
	}
	if expected == "" {
		return rejectf(x, "checksum manquant")
	}

	p.fileMu.Lock()
	defer p.fileMu.Unlock()

	tmp, err := p.store.CreateTemp()
	if err != nil {
		return rejectf(x, "stockage indisponible")
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := x.reply(protocol.RespReady); err != nil {
		return err
	}

	start := p.clk.Now()
	x.setIdle(p.cfg.Timing.TransferTimeout)
	hash := sha256.New()
	if _, err := io.CopyN(io.MultiWriter(tmp, hash), x.r, size); err != nil {
		p.metrics.RecordFailure("receive")
		x.fail("transfert interrompu")
		return fmt.Errorf("receive %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		p.metrics.RecordFailure("receive")
		return rejectf(x, "écriture impossible")
	}
	if ctx.Err() != nil {
		return rejectf(x, "arrêt en cours")
	}

	if actual := hex.EncodeToString(hash.Sum(nil)); actual != expected {
		p.metrics.RecordFailure("integrity")
		logger.Sugar.Warnf("[PeerServer] upload checksum mismatch: file=%s remote=%s expected=%s actual=%s", name, x.remote, expected, actual)
		return rejectf(x, "checksum invalide")
	}

	finalName, err := p.store.Commit(tmpPath, name, true)
	committed = true
	if err != nil {
		return rejectf(x, "écriture impossible")
	}

	p.metrics.RecordTransfer(monitor.Received, size, p.clk.Now().Sub(start))
	logger.Sugar.Infof("[PeerServer] upload stored: file=%s size=%d remote=%s", finalName, size, x.remote)
	if err := x.reply(protocol.RespSuccess); err != nil {
		return err
	}
	p.requestRefresh()
	return nil
}
