// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/apex-lang/apex/pkg/registryapi"
)

// detailCache holds assembled package detail documents. Every mutation of a
// package bumps its generation, and a document assembled under an older
// generation is never stored, so a read that raced a publish, yank or owner
// change cannot pin the pre-mutation state.
type detailCache struct {
	mu   sync.Mutex
	docs *lru.Cache[string, registryapi.PackageDetail]
	gens map[string]uint64
}

func newDetailCache(size int) (*detailCache, error) {
	docs, err := lru.New[string, registryapi.PackageDetail](size)
	if err != nil {
		return nil, err
	}
	return &detailCache{docs: docs, gens: make(map[string]uint64)}, nil
}

// get returns the cached document, or the generation the caller must pass to
// add once it has read the package from the store.
func (c *detailCache) get(name string) (registryapi.PackageDetail, uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.docs.Get(name); ok {
		return d, 0, true
	}
	return registryapi.PackageDetail{}, c.gens[name], false
}

// add stores d unless name was invalidated after gen was taken.
func (c *detailCache) add(name string, gen uint64, d registryapi.PackageDetail) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[name] != gen {
		return false
	}
	c.docs.Add(name, d)
	return true
}

// invalidate drops the document of name. Call it after the mutation has
// committed.
func (c *detailCache) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[name]++
	c.docs.Remove(name)
}
