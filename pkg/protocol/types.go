package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Version tags every binary record; a mismatch on decode is fatal for that record.
const Version = 1

// FileMagic prefixes every binary FileDescriptor ("META").
const FileMagic uint32 = 0x4D455441

// Decode bounds. Any length field above these fails the decode.
const (
	MaxStringLen   = 1000
	MaxListCount   = 10000
	MaxPeerRecord  = 10000
	MaxFileRecord  = 100000
	MaxBlobSize    = 10 * 1024 * 1024
	maxPortNumber  = 65535
	loopbackHostV4 = "127.0.0.1"
)

// PeerDescriptor identifies a remote node. Identity is (Address, Port);
// Name and LastSeen are mutable metadata.
type PeerDescriptor struct {
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"-"`
}

// NewPeerDescriptor builds a descriptor with a canonical host.
func NewPeerDescriptor(address string, port int, name string, lastSeen time.Time) PeerDescriptor {
	return PeerDescriptor{
		Address:  CanonicalHost(address),
		Port:     port,
		Name:     name,
		LastSeen: lastSeen,
	}
}

// Key is the identity of the peer in "host:port" form.
func (p PeerDescriptor) Key() string {
	return PeerKey(p.Address, p.Port)
}

// Same reports whether both descriptors denote the same peer.
func (p PeerDescriptor) Same(other PeerDescriptor) bool {
	return p.Key() == other.Key()
}

// Validate checks the descriptor invariants.
func (p PeerDescriptor) Validate() error {
	if strings.TrimSpace(p.Address) == "" {
		return fmt.Errorf("peer address is empty")
	}
	if p.Port < 1 || p.Port > maxPortNumber {
		return fmt.Errorf("peer port %d out of range", p.Port)
	}
	return nil
}

func (p PeerDescriptor) String() string {
	if p.Name == "" {
		return p.Key()
	}
	return fmt.Sprintf("%s@%s", p.Name, p.Key())
}

// PeerKey joins a canonical host and a port.
func PeerKey(host string, port int) string {
	return net.JoinHostPort(CanonicalHost(host), strconv.Itoa(port))
}

// CanonicalHost folds the loopback aliases onto 127.0.0.1 so that a peer
// reached as "localhost" and as "127.0.0.1" has a single identity.
func CanonicalHost(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if strings.EqualFold(host, "localhost") {
		return loopbackHostV4
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return loopbackHostV4
		}
		return ip.String()
	}
	return host
}

// IsLoopback reports whether host designates the local machine.
func IsLoopback(host string) bool {
	return CanonicalHost(host) == loopbackHostV4
}

// FileDescriptor describes one shared file as published by its owner.
type FileDescriptor struct {
	Name      string
	Size      int64
	Checksum  string
	Timestamp time.Time
}

func (f FileDescriptor) Validate() error {
	if f.Size < 0 {
		return fmt.Errorf("file %q has negative size %d", f.Name, f.Size)
	}
	return nil
}

func (f FileDescriptor) String() string {
	return fmt.Sprintf("%s (%d bytes, %s)", f.Name, f.Size, shortDigest(f.Checksum))
}

func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
