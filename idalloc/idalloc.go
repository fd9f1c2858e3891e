// Package idalloc implements the Persistent-ID Allocator: a singleton
// that hands out monotonically increasing 32-bit object IDs, checkpointed
// to stable storage.
package idalloc

import (
	"fmt"
	"sync"
)

// Backend is the subset of store.Store the Allocator needs. Decoupled from
// the concrete store so tests can swap in a fake.
type Backend interface {
	LoadAllocatorHighWater() (uint32, error)
	SaveAllocatorHighWater(uint32) error
}

// Allocator is the process-wide Persistent-ID singleton. It is not
// internally locked beyond what's needed for the Control Loop's
// single-threaded access contract to hold even if called from an admin
// snapshot goroutine — allocate/save are always called from the Control
// Loop thread, but HighWater is exposed for the read-only admin surface.
type Allocator struct {
	mu      sync.Mutex
	backend Backend
	next    uint32
}

// Load reads the initial high-water mark from backend. Failure to read the
// initial value is fatal — callers should treat a non-nil error as a
// startup-fatal condition.
func Load(backend Backend) (*Allocator, error) {
	v, err := backend.LoadAllocatorHighWater()
	if err != nil {
		return nil, fmt.Errorf("idalloc: load initial high-water mark: %w", err)
	}
	return &Allocator{backend: backend, next: v}, nil
}

// Allocate returns the next ID, never reused.
func (a *Allocator) Allocate() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return a.next
}

// Save writes the current high-water mark to stable storage. Called
// periodically by the Control Loop and once more during the Shutdown
// Coordinator's drain.
func (a *Allocator) Save() error {
	a.mu.Lock()
	v := a.next
	a.mu.Unlock()
	if err := a.backend.SaveAllocatorHighWater(v); err != nil {
		return fmt.Errorf("idalloc: save high-water mark: %w", err)
	}
	return nil
}

// HighWater reports the current in-memory high-water mark, for logging and
// the admin HTTP surface.
func (a *Allocator) HighWater() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
