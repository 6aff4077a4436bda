package device

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Program identifies one of the driver's precompiled internal kernels.
type Program uint32

// Loader uploads the binary for a precompiled kernel and returns its
// shader artifact. Called at most once per program; must be safe to
// call from any goroutine.
type Loader func(Program) (*Shader, error)

// PrecompCache lazily uploads and caches the driver's precompiled
// internal kernels. Shaders live for the owning device's lifetime and
// are shared by every command buffer.
//
// PrecompCache is safe for concurrent use.
type PrecompCache struct {
	mu      sync.RWMutex
	loader  Loader
	shaders map[Program]*Shader

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewPrecompCache creates an empty cache backed by the given loader.
func NewPrecompCache(loader Loader) *PrecompCache {
	if loader == nil {
		panic("device: nil precomp loader")
	}
	return &PrecompCache{
		loader:  loader,
		shaders: make(map[Program]*Shader),
	}
}

// Get returns the shader for the given program, uploading it on first
// use. A failed upload is not cached; the next Get retries.
func (c *PrecompCache) Get(p Program) (*Shader, error) {
	c.mu.RLock()
	s, ok := c.shaders[p]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another goroutine may have uploaded it while we waited.
	if s, ok := c.shaders[p]; ok {
		c.hits.Add(1)
		return s, nil
	}

	c.misses.Add(1)
	s, err := c.loader(p)
	if err != nil {
		return nil, fmt.Errorf("device: load precomp program %d: %w", p, err)
	}
	if s == nil || s.SPD == 0 {
		return nil, fmt.Errorf("device: precomp program %d produced no linked shader", p)
	}
	c.shaders[p] = s
	return s, nil
}

// Stats returns the cache hit and miss counts.
func (c *PrecompCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
