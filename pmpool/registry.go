package pmpool

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// registry implements the pool_of(ptr) contract (spec §4.1): mapping
// any address inside an open pool's arena back to its *Pool.
var (
	registryMu sync.RWMutex
	registry   []*Pool
)

func registerPool(p *Pool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, p)
}

func unregisterPool(p *Pool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for i, q := range registry {
		if q == p {
			registry = append(registry[:i], registry[i+1:]...)
			return
		}
	}
}

// PoolOf returns the open pool whose arena contains addr, or
// ErrPool if none does.
func PoolOf(addr unsafe.Pointer) (*Pool, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a := uintptr(addr)
	for _, p := range registry {
		b := p.data.Bytes()
		start := uintptr(unsafe.Pointer(&b[0]))
		end := start + uintptr(len(b))
		if a >= start && a < end {
			return p, nil
		}
	}
	return nil, errors.WithStack(ErrPool)
}
