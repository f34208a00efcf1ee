package peer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/andres-erbsen/clock"
	"golang.org/x/sync/errgroup"

	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/membership"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// Names of the scheduled maintenance tasks.
const (
	taskSync    = "sync"
	taskCleanup = "cleanup"
	taskRefresh = "refresh"
	taskSweep   = "sweep"
	taskMDNS    = "mdns"
	taskMetrics = "metrics"
)

// swarm is the state the maintenance tasks work on. Tasks are plain functions
// of it, so their data dependencies are visible in their signatures.
type swarm struct {
	self        protocol.PeerDescriptor
	table       *membership.Table
	catalog     *membership.Catalog
	client      *Client
	clk         clock.Clock
	peerTimeout time.Duration
	parallel    int
	// onAdded is called for every peer that enters the table.
	onAdded func(protocol.PeerDescriptor)
}

// fanOut runs fn for every peer with at most sw.parallel calls in flight and
// waits for all of them. Errors are logged and never abort the batch.
func fanOut(ctx context.Context, sw *swarm, task string, peers []protocol.PeerDescriptor, fn func(context.Context, protocol.PeerDescriptor) error) {
	var g errgroup.Group
	g.SetLimit(sw.parallel)
	for _, p := range peers {
		p := p
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := fn(ctx, p); err != nil {
				logger.Sugar.Debugf("[Maintenance] %s failed for peer: peer=%s err=%v", task, p, err)
			}
			return nil
		})
	}
	g.Wait()
}

func (sw *swarm) merge(p protocol.PeerDescriptor) membership.UpsertResult {
	res := sw.table.Upsert(p)
	if res == membership.Added {
		logger.Sugar.Infof("[Maintenance] new peer: peer=%s", p)
		if sw.onAdded != nil {
			if known, ok := sw.table.Get(p.Key()); ok {
				sw.onAdded(known)
			}
		}
	}
	return res
}

// syncMembership announces this node to every known peer and merges the peer
// lists they return. It returns how many peers were learned.
func syncMembership(ctx context.Context, sw *swarm, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var learned atomic.Int32
	fanOut(ctx, sw, taskSync, sw.table.Snapshot(), func(ctx context.Context, p protocol.PeerDescriptor) error {
		if _, err := sw.client.Announce(ctx, p.Key(), sw.self.Name, sw.self.Port); err != nil {
			return err
		}
		sw.table.Touch(p.Key())

		remote, err := sw.client.Peers(ctx, p.Key())
		if err != nil {
			return err
		}
		for _, d := range remote {
			if sw.merge(d) == membership.Added {
				learned.Add(1)
			}
		}
		return nil
	})

	if ctx.Err() == context.DeadlineExceeded {
		logger.Sugar.Debugf("[Maintenance] sync hit its time budget: timeout=%v", timeout)
	}
	return int(learned.Load())
}

// cleanupPeers removes the peers that are past the liveness timeout and do
// not answer a direct probe. Their cached catalogs are purged as well.
func cleanupPeers(ctx context.Context, sw *swarm, probeTimeout time.Duration) int {
	var stale []protocol.PeerDescriptor
	for _, p := range sw.table.Snapshot() {
		if !sw.table.IsAlive(p, sw.peerTimeout) {
			stale = append(stale, p)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	var removed atomic.Int32
	fanOut(ctx, sw, taskCleanup, stale, func(ctx context.Context, p protocol.PeerDescriptor) error {
		if name, ok := probe(ctx, sw, p.Key(), probeTimeout); ok {
			sw.table.Touch(p.Key())
			sw.table.Rename(p.Key(), name)
			return nil
		}
		if ctx.Err() != nil {
			// abandoned, not a failed probe
			return ctx.Err()
		}
		if sw.table.Remove(p) {
			sw.catalog.Delete(p.Key())
			removed.Add(1)
			logger.Sugar.Infof("[Maintenance] removed unreachable peer: peer=%s", p)
		}
		return nil
	})
	return int(removed.Load())
}

// refreshCatalogs re-fetches the file list of every alive peer.
func refreshCatalogs(ctx context.Context, sw *swarm, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var refreshed atomic.Int32
	fanOut(ctx, sw, taskRefresh, sw.table.Alive(sw.peerTimeout), func(ctx context.Context, p protocol.PeerDescriptor) error {
		if err := refreshPeer(ctx, sw, p); err != nil {
			return err
		}
		refreshed.Add(1)
		return nil
	})
	return int(refreshed.Load())
}

// refreshPeer fetches one peer's file list into the catalog cache.
func refreshPeer(ctx context.Context, sw *swarm, p protocol.PeerDescriptor) error {
	files, err := sw.client.List(ctx, p.Key())
	if err != nil {
		return err
	}
	sw.catalog.Store(p.Key(), files, sw.clk.Now())
	sw.table.Touch(p.Key())
	return nil
}

// sweepPorts probes host on every port of [start, end] except this node's
// own and merges each responsive address. It returns how many peers were
// added and never runs longer than timeout.
func sweepPorts(ctx context.Context, sw *swarm, host string, start, end int, probeTimeout, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var targets []protocol.PeerDescriptor
	for port := start; port <= end; port++ {
		d := protocol.NewPeerDescriptor(host, port, "", time.Time{})
		if sw.table.IsSelf(d) {
			continue
		}
		targets = append(targets, d)
	}

	var added atomic.Int32
	fanOut(ctx, sw, taskSweep, targets, func(ctx context.Context, d protocol.PeerDescriptor) error {
		name, ok := probe(ctx, sw, d.Key(), probeTimeout)
		if !ok {
			return nil
		}
		d.Name = name
		d.LastSeen = sw.clk.Now()
		if sw.merge(d) == membership.Added {
			added.Add(1)
		}
		return nil
	})

	logger.Sugar.Infof("[Maintenance] port sweep done: host=%s range=%d..%d added=%d", host, start, end, added.Load())
	return int(added.Load())
}

// probe is the lightweight liveness check: a PING answered with PONG.
func probe(ctx context.Context, sw *swarm, addr string, timeout time.Duration) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, _, err := sw.client.Ping(ctx, addr)
	if err != nil {
		return "", false
	}
	return name, true
}
