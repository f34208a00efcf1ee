package membership

import (
	"sort"
	"sync"
	"time"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// CatalogEntry is the last file list observed from one remote peer.
type CatalogEntry struct {
	Files     []protocol.FileDescriptor
	FetchedAt time.Time
}

// Catalog caches remote file lists per peer key. It is only used to find
// candidates to contact, never for correctness.
type Catalog struct {
	entries sync.Map // peer key -> CatalogEntry
}

func NewCatalog() *Catalog {
	return &Catalog{}
}

func (c *Catalog) Store(key string, files []protocol.FileDescriptor, at time.Time) {
	cp := make([]protocol.FileDescriptor, len(files))
	copy(cp, files)
	c.entries.Store(key, CatalogEntry{Files: cp, FetchedAt: at})
}

func (c *Catalog) Load(key string) (CatalogEntry, bool) {
	v, ok := c.entries.Load(key)
	if !ok {
		return CatalogEntry{}, false
	}
	return v.(CatalogEntry), true
}

func (c *Catalog) Delete(key string) {
	c.entries.Delete(key)
}

func (c *Catalog) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Keys returns the cached peer keys in sorted order.
func (c *Catalog) Keys() []string {
	var keys []string
	c.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Owners returns, in key order, the peers whose cached list contains a file
// called name.
func (c *Catalog) Owners(name string) []string {
	var owners []string
	for _, key := range c.Keys() {
		entry, ok := c.Load(key)
		if !ok {
			continue
		}
		for _, f := range entry.Files {
			if f.Name == name {
				owners = append(owners, key)
				break
			}
		}
	}
	return owners
}
