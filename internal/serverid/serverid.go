// Package serverid defines the opaque instance identity shared across the
// topology holder, shard, dispatcher and subscription FSM packages.
package serverid

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// ID is an opaque integer identity for one Redis instance, monotonically
// assigned. The zero value is Any ("no preference").
type ID int64

// Any is the sentinel value meaning "no preference" / "not yet assigned".
const Any ID = 0

// IsAny reports whether id is the Any sentinel.
func (id ID) IsAny() bool { return id == Any }

// String implements fmt.Stringer so log lines can print IDs directly.
func (id ID) String() string {
	if id.IsAny() {
		return "any"
	}
	return strconv.FormatInt(int64(id), 10)
}

var counter int64

// Generator hands out monotonically increasing IDs, skipping the Any
// sentinel (0).
type Generator struct{}

// Next returns the next monotonically increasing ID. Pair it with
// Registry.Set to attach a human-readable description for logging.
func (Generator) Next() ID {
	return ID(atomic.AddInt64(&counter, 1))
}

// Registry tracks the human-readable description for each assigned ID, so
// log lines can print "server_id=3 (10.0.0.1:6379)" the way the original
// driver's ServerId::GetDescription does.
type Registry struct {
	mu   sync.Mutex
	byID map[ID]string
}

// NewRegistry builds an empty description Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[ID]string)}
}

// Set records the description for id.
func (r *Registry) Set(id ID, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = description
}

// Description returns the recorded description for id, or "" if unknown.
func (r *Registry) Description(id ID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// Delete removes id's recorded description, called once the Instance it
// names has fully drained and been destroyed.
func (r *Registry) Delete(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}
