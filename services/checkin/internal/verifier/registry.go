package verifier

import (
	"sync"

	"github.com/diagnosis/eventcheckin/services/checkin/internal/payload"
)

// Registry hands out one Verifier per scanning session so that the
// single-flight latch applies to a user's device, not to the whole service.
// Entries live only while a scan holds them.
type Registry struct {
	signer   *payload.Signer
	recorder Recorder
	opts     Options

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	v    *Verifier
	refs int
}

func NewRegistry(signer *payload.Signer, recorder Recorder, opts Options) *Registry {
	return &Registry{
		signer:   signer,
		recorder: recorder,
		opts:     opts,
		entries:  make(map[string]*entry),
	}
}

// SessionKey identifies a scanning session. An empty device id groups all of
// the user's scans together.
func SessionKey(userID, deviceID string) string {
	return userID + "|" + deviceID
}

// Acquire returns the verifier for key, creating it on first use. Callers
// must call release once when done; the entry is dropped when no caller
// holds it.
func (r *Registry) Acquire(key string) (v *Verifier, release func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &entry{v: New(r.signer, r.recorder, r.opts)}
		r.entries[key] = e
	}
	e.refs++

	var once sync.Once
	return e.v, func() {
		once.Do(func() { r.release(key, e) })
	}
}

func (r *Registry) release(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.refs--
	if e.refs == 0 && r.entries[key] == e {
		delete(r.entries, key)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
