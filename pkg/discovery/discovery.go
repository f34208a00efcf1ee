package discovery

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

const (
	// ServiceType defines the mDNS service type for p2p-share nodes
	ServiceType = "_p2p-share._tcp"
	// Domain is the local domain for mDNS
	Domain = "local."

	// MetaName carries the display name of the advertised peer.
	MetaName = "name"
)

// ServiceInfo contains information about a discovered peer
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// Name returns the advertised display name, if any.
func (s *ServiceInfo) Name() string {
	return s.Meta[MetaName]
}

// Advertiser handles service broadcasting
type Advertiser struct {
	server   *zeroconf.Server
	instance string
}

// Resolver handles service discovery
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start begins broadcasting the service. Instance names must be unique on the
// link, so a random suffix is appended to the given name.
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		instanceName = "p2p-share"
	}
	instanceName = fmt.Sprintf("%s-%s", instanceName, uuid.NewString()[:8])

	var txtRecords []string
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	server, err := zeroconf.Register(
		instanceName,
		ServiceType,
		Domain,
		port,
		txtRecords,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	a.instance = instanceName
	logger.Sugar.Infof("[Discovery] advertising: instance=%s port=%d", instanceName, port)
	return nil
}

// Instance is the registered instance name, empty until Start succeeds.
func (a *Advertiser) Instance() string {
	return a.instance
}

// Stop stops broadcasting the service
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse scans for peers until the context is canceled.
// The returned channel is closed when browsing ends.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}

				info := &ServiceInfo{
					InstanceName: entry.Instance,
					HostName:     entry.HostName,
					Port:         entry.Port,
					IPs:          make([]string, 0, len(entry.AddrIPv4)),
					Meta:         make(map[string]string),
				}
				for _, ip := range entry.AddrIPv4 {
					info.IPs = append(info.IPs, ip.String())
				}
				for _, record := range entry.Text {
					if k, v, found := strings.Cut(record, "="); found {
						info.Meta[k] = v
					}
				}

				if len(info.IPs) == 0 {
					continue
				}
				logger.Sugar.Debugf("[Discovery] discovered peer: instance=%s ips=%v port=%d", info.InstanceName, info.IPs, info.Port)
				select {
				case results <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return results, nil
}
