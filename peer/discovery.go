package peer

import (
	"context"

	"tarun-kavipurapu/p2p-share/pkg/discovery"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/membership"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// startMDNS advertises the node over multicast DNS and browses for the
// others. Failures are logged; the port sweep and gossip still work without
// it. Must be called with p.mu held.
func (p *Peer) startMDNS() {
	adv := discovery.NewAdvertiser()
	if err := adv.Start(p.cfg.Name, p.cfg.Port, map[string]string{discovery.MetaName: p.cfg.Name}); err != nil {
		logger.Sugar.Warnf("[Discovery] advertise failed: err=%v", err)
	} else {
		p.advertiser = adv
	}

	resolver, err := discovery.NewResolver()
	if err != nil {
		logger.Sugar.Warnf("[Discovery] resolver unavailable: err=%v", err)
		return
	}
	sw, own := p.swarm, adv.Instance()
	if err := p.sched.Once(taskMDNS, func(ctx context.Context) {
		browseMDNS(ctx, sw, resolver, own)
	}); err != nil {
		logger.Sugar.Warnf("[Discovery] browse not scheduled: err=%v", err)
	}
}

// browseMDNS merges every advertised peer into the membership table until
// ctx is done. The node's own instance is skipped.
func browseMDNS(ctx context.Context, sw *swarm, resolver *discovery.Resolver, own string) {
	services, err := resolver.Browse(ctx)
	if err != nil {
		logger.Sugar.Warnf("[Discovery] browse failed: err=%v", err)
		return
	}
	for svc := range services {
		if own != "" && svc.InstanceName == own {
			continue
		}
		for _, ip := range svc.IPs {
			d := protocol.NewPeerDescriptor(ip, svc.Port, svc.Name(), sw.clk.Now())
			if d.Validate() != nil || sw.table.IsSelf(d) {
				continue
			}
			if sw.merge(d) == membership.Added {
				logger.Sugar.Infof("[Discovery] peer found over mDNS: peer=%s instance=%s", d, svc.InstanceName)
			}
			break
		}
	}
}
