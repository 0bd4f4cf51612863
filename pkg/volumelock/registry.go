// Package volumelock provides per-volume-handle serialization.
//
// CSI requires that at most one lifecycle operation (create/delete/
// expand/publish/unpublish/snapshot-from) run at a time for a given
// volume handle, while operations on distinct handles must run
// concurrently. Registry is a reaped map from handle to a reference
// counted mutex that provides exactly that guarantee without holding a
// lock per handle forever.
package volumelock

import (
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// entry is one handle's lock plus bookkeeping for idle reaping.
type entry struct {
	mu       sync.Mutex
	refs     int
	lastUsed time.Time
}

// Registry maps a volume/resource handle to a dedicated mutex.
type Registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	idleReap   time.Duration
	reapTicker *time.Ticker
	stopReaper chan struct{}
}

// New creates a Registry that reaps entries idle longer than idleReap.
// A non-positive idleReap disables background reaping (entries are only
// ever removed when their ref count returns to zero on Unlock, which is
// what every production call site observes anyway).
func New(idleReap time.Duration) *Registry {
	r := &Registry{
		entries:  make(map[string]*entry),
		idleReap: idleReap,
	}
	if idleReap > 0 {
		r.reapTicker = time.NewTicker(idleReap)
		r.stopReaper = make(chan struct{})
		go r.reapLoop()
	}
	return r
}

// Stop halts the background reaper, if one is running.
func (r *Registry) Stop() {
	if r.reapTicker != nil {
		r.reapTicker.Stop()
		close(r.stopReaper)
	}
}

func (r *Registry) reapLoop() {
	for {
		select {
		case <-r.reapTicker.C:
			r.reapIdle()
		case <-r.stopReaper:
			return
		}
	}
}

func (r *Registry) reapIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.idleReap)
	for handle, e := range r.entries {
		if e.refs == 0 && e.lastUsed.Before(cutoff) {
			delete(r.entries, handle)
		}
	}
}

func (r *Registry) acquire(handle string) *entry {
	r.mu.Lock()
	e, ok := r.entries[handle]
	if !ok {
		e = &entry{}
		r.entries[handle] = e
	}
	e.refs++
	r.mu.Unlock()
	return e
}

func (r *Registry) release(handle string, e *entry) {
	r.mu.Lock()
	e.refs--
	e.lastUsed = time.Now()
	if e.refs == 0 && r.idleReap <= 0 {
		delete(r.entries, handle)
	}
	r.mu.Unlock()
}

// WithLock runs fn while holding the handle's lock. Concurrent WithLock
// calls for the same handle execute fn one at a time, in arbitrary
// order; calls for different handles run in parallel.
func WithLock(r *Registry, handle string, fn func() error) error {
	e := r.acquire(handle)
	e.mu.Lock()
	defer func() {
		e.mu.Unlock()
		r.release(handle, e)
	}()
	klog.V(5).Infof("volumelock: acquired lock for %s", handle)
	err := fn()
	klog.V(5).Infof("volumelock: released lock for %s", handle)
	return err
}

// Len reports the number of tracked handles, for tests and metrics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
