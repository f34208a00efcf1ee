package peer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"

	"tarun-kavipurapu/p2p-share/pkg/config"
	"tarun-kavipurapu/p2p-share/pkg/discovery"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/membership"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/scheduler"
	"tarun-kavipurapu/p2p-share/pkg/storage"
	"tarun-kavipurapu/p2p-share/pkg/transport"
	"tarun-kavipurapu/p2p-share/pkg/transport/tcp"
)

const metricsLogInterval = time.Minute

// Peer is one node of the overlay: the listener serving the wire protocol,
// the client side used against other nodes, and the maintenance tasks that
// keep the membership table and the remote catalogs fresh.
type Peer struct {
	cfg     config.Config
	clk     clock.Clock
	scope   tally.Scope
	store   *storage.Store
	table   *membership.Table
	catalog *membership.Catalog
	metrics *monitor.Metrics
	client  *Client
	swarm   *swarm

	// fileMu serializes every read or write of shared file bytes and the
	// enumeration of the shared directory. One lock per node.
	fileMu sync.Mutex

	onTransfer func(*TransferTracker)

	mu         sync.Mutex
	running    bool
	transport  transport.Transport
	sched      *scheduler.Scheduler
	advertiser *discovery.Advertiser
	bgCtx      context.Context
	bgCancel   context.CancelFunc
	bgWg       sync.WaitGroup
}

// Option customizes a Peer at construction.
type Option func(*Peer)

// WithClock replaces the wall clock, e.g. with a mock in tests.
func WithClock(clk clock.Clock) Option {
	return func(p *Peer) { p.clk = clk }
}

// WithScope reports metrics to scope instead of discarding them.
func WithScope(scope tally.Scope) Option {
	return func(p *Peer) { p.scope = scope }
}

// WithTransferObserver is called with the tracker of every download and
// upload this node starts, before any byte moves.
func WithTransferObserver(fn func(*TransferTracker)) Option {
	return func(p *Peer) { p.onTransfer = fn }
}

// New builds a peer from cfg. An invalid configuration is rejected here and
// no node is created. Seed files missing from the shared directory are
// written before New returns.
func New(cfg config.Config, opts ...Option) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Peer{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	if p.clk == nil {
		p.clk = clock.New()
	}
	if p.scope == nil {
		p.scope = tally.NoopScope
	}

	store, err := storage.NewStore(cfg.SharedDir)
	if err != nil {
		return nil, err
	}
	p.store = store
	p.table = membership.NewTable(cfg.Host, cfg.Port, p.clk)
	p.catalog = membership.NewCatalog()
	p.metrics = monitor.New(p.clk, p.scope)
	p.client = NewClient(cfg.Timing.DialTimeout, cfg.Timing.IOTimeout, cfg.Timing.TransferTimeout)
	p.swarm = &swarm{
		self:        protocol.NewPeerDescriptor(cfg.Host, cfg.Port, cfg.Name, time.Time{}),
		table:       p.table,
		catalog:     p.catalog,
		client:      p.client,
		clk:         p.clk,
		peerTimeout: cfg.Timing.PeerTimeout,
		parallel:    cfg.Limits.MaxParallel,
		onAdded:     p.fetchNewPeer,
	}

	if err := p.writeSeedFiles(); err != nil {
		return nil, err
	}
	logger.Sugar.Infof("[Peer] created: name=%s port=%d shared=%s", cfg.Name, cfg.Port, store.Root())
	return p, nil
}

func (p *Peer) writeSeedFiles() error {
	for _, seed := range p.cfg.SeedFiles {
		if p.store.Exists(seed.Name) {
			continue
		}
		if err := p.store.WriteAtomic(seed.Name, strings.NewReader(seed.Content)); err != nil {
			return fmt.Errorf("write seed file %s: %w", seed.Name, err)
		}
		logger.Sugar.Debugf("[Peer] seed file written: file=%s", seed.Name)
	}
	return nil
}

func (p *Peer) Name() string {
	return p.cfg.Name
}

func (p *Peer) Port() int {
	return p.cfg.Port
}

// SharedDir is the absolute path of the shared directory.
func (p *Peer) SharedDir() string {
	return p.store.Root()
}

func (p *Peer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start opens the listener, then schedules the maintenance tasks and the
// one-shot discovery sweep. A peer can be restarted after Stop.
func (p *Peer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	trans := tcp.NewTCPTransport(tcp.TCPTransportOpts{
		ListenAddr:  p.cfg.Addr(),
		Handler:     p,
		MaxConns:    p.cfg.Limits.MaxConnections,
		IdleTimeout: p.cfg.Timing.IOTimeout,
	})
	if err := trans.ListenAndAccept(); err != nil {
		return fmt.Errorf("start peer %s: %w", p.cfg.Name, err)
	}

	p.transport = trans
	p.bgCtx, p.bgCancel = context.WithCancel(context.Background())
	p.sched = scheduler.New(p.clk, p.scope)

	if err := p.schedule(); err != nil {
		p.sched.Stop()
		p.bgCancel()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timing.ShutdownGrace)
		defer cancel()
		return multierr.Append(fmt.Errorf("schedule maintenance: %w", err), trans.Close(ctx))
	}
	p.running = true
	logger.Sugar.Infof("[Peer] started: name=%s addr=%s", p.cfg.Name, trans.Addr())
	return nil
}

func (p *Peer) schedule() error {
	t := p.cfg.Timing
	d := p.cfg.Discovery
	sw := p.swarm

	err := multierr.Combine(
		p.sched.Every(scheduler.Task{
			Name:     taskSync,
			Interval: t.SyncInterval,
			Run:      func(ctx context.Context) { syncMembership(ctx, sw, t.SyncTimeout) },
		}),
		p.sched.Every(scheduler.Task{
			Name:     taskCleanup,
			Interval: t.CleanupInterval,
			Run:      func(ctx context.Context) { cleanupPeers(ctx, sw, d.ProbeTimeout) },
		}),
		p.sched.Every(scheduler.Task{
			Name:     taskRefresh,
			Interval: t.RefreshInterval,
			Run:      func(ctx context.Context) { refreshCatalogs(ctx, sw, t.RefreshTimeout) },
		}),
		p.sched.Once(taskMetrics, func(ctx context.Context) {
			p.metrics.LogPeriodic(ctx, metricsLogInterval)
		}),
	)
	if err != nil {
		return err
	}

	if d.PortStart != 0 {
		if err := p.sched.Once(taskSweep, func(ctx context.Context) {
			sweepPorts(ctx, sw, d.Host, d.PortStart, d.PortEnd, d.ProbeTimeout, d.Timeout)
		}); err != nil {
			return err
		}
	}
	if d.MDNS {
		p.startMDNS()
	}
	return nil
}

// Stop stops scheduling maintenance, stops accepting connections and closes
// the listener. In-flight exchanges get the shutdown grace period before
// their connections are closed under them.
func (p *Peer) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	sched, trans, adv, cancel := p.sched, p.transport, p.advertiser, p.bgCancel
	p.advertiser = nil
	p.mu.Unlock()

	sched.Stop()
	if adv != nil {
		adv.Stop()
	}

	ctx, done := context.WithTimeout(context.Background(), p.cfg.Timing.ShutdownGrace)
	defer done()
	err := trans.Close(ctx)

	cancel()
	p.bgWg.Wait()

	if err != nil {
		logger.Sugar.Warnf("[Peer] stopped with errors: name=%s err=%v", p.cfg.Name, err)
		return err
	}
	logger.Sugar.Infof("[Peer] stopped: name=%s", p.cfg.Name)
	return nil
}

// goBackground runs fn on the node's background context. It is a no-op
// while the node is stopped.
func (p *Peer) goBackground(fn func(ctx context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	ctx := p.bgCtx
	p.bgWg.Add(1)
	go func() {
		defer p.bgWg.Done()
		fn(ctx)
	}()
	return true
}

// fetchNewPeer loads the file list of a peer that just entered the table.
func (p *Peer) fetchNewPeer(d protocol.PeerDescriptor) {
	p.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.Timing.RefreshTimeout)
		defer cancel()
		if err := refreshPeer(ctx, p.swarm, d); err != nil {
			logger.Sugar.Debugf("[Peer] initial catalog fetch failed: peer=%s err=%v", d, err)
		}
	})
}

// requestRefresh asks for an out-of-period catalog refresh without waiting
// for it.
func (p *Peer) requestRefresh() {
	p.mu.Lock()
	sched := p.sched
	running := p.running
	p.mu.Unlock()
	if running && sched != nil {
		sched.Trigger(taskRefresh)
	}
}

// AddPeer contacts host:port and adds it to the membership table under the
// name it reports. This node is then announced to it.
func (p *Peer) AddPeer(ctx context.Context, host string, port int) error {
	d := protocol.NewPeerDescriptor(host, port, "", time.Time{})
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if p.table.IsSelf(d) {
		return fmt.Errorf("add %s: %w", d.Key(), ErrSelf)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timing.SyncTimeout)
	defer cancel()
	name, _, err := p.client.Ping(ctx, d.Key())
	if err != nil {
		return err
	}
	d.Name = name
	d.LastSeen = p.clk.Now()
	res := p.swarm.merge(d)
	logger.Sugar.Infof("[Peer] add peer: peer=%s result=%s", d, res)

	if _, err := p.client.Announce(ctx, d.Key(), p.cfg.Name, p.cfg.Port); err != nil {
		logger.Sugar.Debugf("[Peer] announce after add failed: peer=%s err=%v", d, err)
	}
	return nil
}

// SyncNow runs one gossip round and one catalog refresh immediately and
// waits for both. It returns how many peers were learned.
func (p *Peer) SyncNow(ctx context.Context) int {
	learned := syncMembership(ctx, p.swarm, p.cfg.Timing.SyncTimeout)
	refreshCatalogs(ctx, p.swarm, p.cfg.Timing.RefreshTimeout)
	return learned
}

// TestConnectivity probes every known peer and refreshes the catalogs of the
// ones that answer. It returns the number of reachable peers.
func (p *Peer) TestConnectivity(ctx context.Context) int {
	peers := p.table.Snapshot()
	reachable := make([]bool, len(peers))
	var wg sync.WaitGroup
	for i, d := range peers {
		i, d := i, d
		wg.Add(1)
		go func() {
			defer wg.Done()
			name, ok := probe(ctx, p.swarm, d.Key(), p.cfg.Discovery.ProbeTimeout)
			if !ok {
				return
			}
			reachable[i] = true
			p.table.Touch(d.Key())
			p.table.Rename(d.Key(), name)
		}()
	}
	wg.Wait()

	n := 0
	for _, ok := range reachable {
		if ok {
			n++
		}
	}
	refreshCatalogs(ctx, p.swarm, p.cfg.Timing.RefreshTimeout)
	logger.Sugar.Infof("[Peer] connectivity: reachable=%d known=%d", n, len(peers))
	return n
}

// ListRemoteFiles fetches the file list of host:port and caches it.
func (p *Peer) ListRemoteFiles(ctx context.Context, host string, port int) ([]protocol.FileDescriptor, error) {
	key := protocol.PeerKey(host, port)
	files, err := p.client.List(ctx, key)
	if err != nil {
		return []protocol.FileDescriptor{}, err
	}
	if _, known := p.table.Get(key); known {
		p.catalog.Store(key, files, p.clk.Now())
		p.table.Touch(key)
	}
	return files, nil
}

// Search returns the alive peers whose cached catalog offers name.
func (p *Peer) Search(name string) []protocol.PeerDescriptor {
	owners := []protocol.PeerDescriptor{}
	for _, key := range p.catalog.Owners(name) {
		d, ok := p.table.Get(key)
		if ok && p.table.IsAlive(d, p.cfg.Timing.PeerTimeout) {
			owners = append(owners, d)
		}
	}
	return owners
}

// NetworkFiles maps every file name offered by an alive peer to the keys of
// the peers offering it.
func (p *Peer) NetworkFiles() map[string][]string {
	files := make(map[string][]string)
	for _, key := range p.catalog.Keys() {
		d, ok := p.table.Get(key)
		if !ok || !p.table.IsAlive(d, p.cfg.Timing.PeerTimeout) {
			continue
		}
		entry, ok := p.catalog.Load(key)
		if !ok {
			continue
		}
		for _, f := range entry.Files {
			files[f.Name] = append(files[f.Name], key)
		}
	}
	return files
}

// LocalFiles describes every file of the shared directory.
func (p *Peer) LocalFiles() ([]protocol.FileDescriptor, error) {
	p.fileMu.Lock()
	defer p.fileMu.Unlock()

	entries, err := p.store.List()
	if err != nil {
		return []protocol.FileDescriptor{}, err
	}
	now := p.clk.Now()
	files := make([]protocol.FileDescriptor, 0, len(entries))
	for _, e := range entries {
		checksum, err := p.store.Checksum(e.Path)
		if err != nil {
			logger.Sugar.Warnf("[Peer] skipping unreadable file: file=%s err=%v", e.Name, err)
			continue
		}
		files = append(files, protocol.FileDescriptor{
			Name:      e.Name,
			Size:      e.Size,
			Checksum:  checksum,
			Timestamp: now,
		})
	}
	return files, nil
}

// ReadLocalFile returns the content of a shared file. A missing file is
// reported as ErrNotFound.
func (p *Peer) ReadLocalFile(name string) ([]byte, error) {
	p.fileMu.Lock()
	defer p.fileMu.Unlock()

	data, err := p.store.ReadFile(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrInvalidName) {
			return nil, fmt.Errorf("read %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// DeleteLocalFile removes a shared file and asks for a catalog refresh.
func (p *Peer) DeleteLocalFile(name string) error {
	p.fileMu.Lock()
	err := p.store.Remove(name)
	p.fileMu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrInvalidName) {
			return fmt.Errorf("delete %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("delete %s: %w", name, err)
	}
	logger.Sugar.Infof("[Peer] deleted local file: file=%s", name)
	p.requestRefresh()
	return nil
}

// KnownPeers is a snapshot of the membership table, sorted by address.
func (p *Peer) KnownPeers() []protocol.PeerDescriptor {
	return p.table.Snapshot()
}

// ClearCache drops every cached checksum.
func (p *Peer) ClearCache() {
	p.store.ClearCache()
}

// Statistics is a point-in-time summary of the node.
type Statistics struct {
	Name           string
	Port           int
	Running        bool
	KnownPeers     int
	AlivePeers     int
	SharedFiles    int
	CachedCatalogs int
	ChecksumCache  int
	Transfers      monitor.Snapshot
}

func (s Statistics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "peer %s (port %d) running=%v\n", s.Name, s.Port, s.Running)
	fmt.Fprintf(&b, "  peers: %d known, %d alive\n", s.KnownPeers, s.AlivePeers)
	fmt.Fprintf(&b, "  files: %d shared, %d remote catalogs, %d cached checksums\n", s.SharedFiles, s.CachedCatalogs, s.ChecksumCache)
	t := s.Transfers
	fmt.Fprintf(&b, "  transfers: %d downloads, %d uploads, %d received, %d served, %d failures\n", t.Downloads, t.Uploads, t.Received, t.Served, t.Failures)
	fmt.Fprintf(&b, "  bytes: %s in, %s out, uptime %s", formatBytes(float64(t.BytesIn)), formatBytes(float64(t.BytesOut)), formatDuration(t.Uptime))
	return b.String()
}

func (p *Peer) Statistics() Statistics {
	shared := 0
	p.fileMu.Lock()
	if entries, err := p.store.List(); err == nil {
		shared = len(entries)
	}
	p.fileMu.Unlock()

	return Statistics{
		Name:           p.cfg.Name,
		Port:           p.cfg.Port,
		Running:        p.Running(),
		KnownPeers:     p.table.Len(),
		AlivePeers:     len(p.table.Alive(p.cfg.Timing.PeerTimeout)),
		SharedFiles:    shared,
		CachedCatalogs: p.catalog.Len(),
		ChecksumCache:  p.store.CacheSize(),
		Transfers:      p.metrics.Snapshot(),
	}
}
