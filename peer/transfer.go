package peer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/multierr"

	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/storage"
)

// maxResumes bounds how many times an interrupted download is resumed from
// the bytes already received.
const maxResumes = 3

func (p *Peer) observe(t *TransferTracker) {
	if p.onTransfer != nil {
		p.onTransfer(t)
	}
}

func (p *Peer) target(host string, port int) (string, error) {
	d := protocol.NewPeerDescriptor(host, port, "", time.Time{})
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if p.table.IsSelf(d) {
		return "", fmt.Errorf("%s: %w", d.Key(), ErrSelf)
	}
	return d.Key(), nil
}

// DownloadFrom fetches name from host:port into the shared directory and
// returns the local name it was stored under. The file is only visible once
// its checksum matched; an existing local file is never replaced.
func (p *Peer) DownloadFrom(ctx context.Context, name, host string, port int) (string, error) {
	if err := storage.ValidateName(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	addr, err := p.target(host, port)
	if err != nil {
		return "", err
	}

	tracker := NewTransferTracker(string(monitor.Download), name, addr, 0)
	p.observe(tracker)
	start := p.clk.Now()

	stored, size, err := p.download(ctx, addr, name, tracker)
	if err != nil {
		tracker.Fail(err)
		p.metrics.RecordFailure(string(monitor.Download))
		logger.Sugar.Warnf("[Download] failed: file=%s peer=%s err=%v", name, addr, err)
		return "", err
	}
	tracker.Complete()
	p.metrics.RecordTransfer(monitor.Download, size, p.clk.Now().Sub(start))
	p.table.Touch(addr)
	logger.Sugar.Infof("[Download] stored: file=%s as=%s peer=%s", name, stored, addr)
	p.requestRefresh()
	return stored, nil
}

// download receives into a temporary file, resuming after a broken stream,
// then verifies and commits it. The temporary file is removed on every
// failure path.
func (p *Peer) download(ctx context.Context, addr, name string, tracker *TransferTracker) (string, int64, error) {
	tmp, err := p.store.CreateTemp()
	if err != nil {
		return "", 0, fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	hash := sha256.New()
	dst := io.MultiWriter(tmp, hash, tracker)

	var want FetchInfo
	accept := func(got FetchInfo) error {
		if want.Checksum != "" && got != want {
			return fmt.Errorf("%w: %s changed on %s during the transfer", ErrIntegrity, name, addr)
		}
		want = got
		tracker.SetTotal(got.Size)
		return nil
	}

	var offset int64
	for attempt := 0; ; attempt++ {
		_, n, err := p.client.Fetch(ctx, addr, name, offset, dst, accept)
		offset += n
		if err == nil {
			break
		}
		if want.Checksum == "" || !errors.Is(err, ErrTransport) || attempt >= maxResumes || ctx.Err() != nil {
			return "", 0, err
		}
		tracker.Resumed()
		logger.Sugar.Infof("[Download] resuming: file=%s peer=%s offset=%d attempt=%d", name, addr, offset, attempt+1)
	}

	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if actual := hex.EncodeToString(hash.Sum(nil)); actual != want.Checksum {
		return "", 0, fmt.Errorf("%w: %s from %s: expected %s, got %s", ErrIntegrity, name, addr, want.Checksum, actual)
	}

	p.fileMu.Lock()
	defer p.fileMu.Unlock()
	stored, err := p.store.Commit(tmpPath, name, true)
	committed = true
	if err != nil {
		return "", 0, err
	}
	return stored, offset, nil
}

// Download fetches name from the first alive peer whose catalog offers it.
// The remote catalogs are refreshed once when no owner is known.
func (p *Peer) Download(ctx context.Context, name string) (string, error) {
	owners := p.Search(name)
	if len(owners) == 0 {
		refreshCatalogs(ctx, p.swarm, p.cfg.Timing.RefreshTimeout)
		owners = p.Search(name)
	}
	if len(owners) == 0 {
		return "", fmt.Errorf("%s: no peer offers it: %w", name, ErrNotFound)
	}

	var errs error
	for _, owner := range owners {
		stored, err := p.DownloadFrom(ctx, name, owner.Address, owner.Port)
		if err == nil {
			return stored, nil
		}
		errs = multierr.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", errs
}

// UploadTo pushes a shared file to host:port. The node file lock covers
// opening the file and its checksum only; the open descriptor keeps reading
// the same content even if the file is replaced during the push.
func (p *Peer) UploadTo(ctx context.Context, name, host string, port int) error {
	addr, err := p.target(host, port)
	if err != nil {
		return err
	}

	p.fileMu.Lock()
	file, info, err := p.store.Open(name)
	if err != nil {
		p.fileMu.Unlock()
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrInvalidName) {
			return fmt.Errorf("upload %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("upload %s: %w", name, err)
	}
	checksum, err := p.store.Checksum(file.Name())
	p.fileMu.Unlock()
	defer file.Close()
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}

	tracker := NewTransferTracker(string(monitor.Upload), name, addr, info.Size())
	p.observe(tracker)
	start := p.clk.Now()

	if err := p.client.Push(ctx, addr, name, info.Size(), checksum, io.TeeReader(file, tracker)); err != nil {
		tracker.Fail(err)
		p.metrics.RecordFailure(string(monitor.Upload))
		logger.Sugar.Warnf("[Upload] failed: file=%s peer=%s err=%v", name, addr, err)
		return err
	}
	tracker.Complete()
	p.metrics.RecordTransfer(monitor.Upload, info.Size(), p.clk.Now().Sub(start))
	p.table.Touch(addr)
	logger.Sugar.Infof("[Upload] done: file=%s size=%d peer=%s", name, info.Size(), addr)
	return nil
}
