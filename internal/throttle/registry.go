package throttle

import (
	"sync"

	"github.com/ferrydb/ferry/internal/logging"
)

// Registry tracks one Throttler per active transfer. Lock hold times are
// map operations only; throttling itself sleeps outside any lock.
type Registry struct {
	mu         sync.Mutex
	throttlers map[string]*Throttler
	log        *logging.Logger
}

// NewRegistry creates an empty throttler registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		throttlers: make(map[string]*Throttler),
		log:        log,
	}
}

// Create registers a new throttler for a transfer, replacing any existing
// handle under the same id.
func (r *Registry) Create(transferID string, maxMbps float64) *Throttler {
	t := newThrottler(maxMbps)

	r.mu.Lock()
	r.throttlers[transferID] = t
	r.mu.Unlock()

	r.log.Info("Created bandwidth throttler",
		"transfer_id", transferID,
		"max_mbps", maxMbps)
	return t
}

// Get returns the throttler for a transfer, if one is registered.
func (r *Registry) Get(transferID string) (*Throttler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.throttlers[transferID]
	return t, ok
}

// Remove drops a transfer's throttler after the transfer finishes.
func (r *Registry) Remove(transferID string) {
	r.mu.Lock()
	_, existed := r.throttlers[transferID]
	delete(r.throttlers, transferID)
	r.mu.Unlock()

	if existed {
		r.log.Info("Removed bandwidth throttler", "transfer_id", transferID)
	}
}

// Len returns the number of registered throttlers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.throttlers)
}

// Speeds returns the current average speed per registered transfer in Mbps.
func (r *Registry) Speeds() map[string]float64 {
	r.mu.Lock()
	ids := make([]string, 0, len(r.throttlers))
	handles := make([]*Throttler, 0, len(r.throttlers))
	for id, t := range r.throttlers {
		ids = append(ids, id)
		handles = append(handles, t)
	}
	r.mu.Unlock()

	out := make(map[string]float64, len(ids))
	for i, id := range ids {
		out[id] = handles[i].CurrentSpeed()
	}
	return out
}
