package ulrt

import (
	"sync"
	"sync/atomic"
)

// registry is the process-wide runtime handle, keeping one global table of
// execution streams guarded by a lock - the same shape as a runtime's own
// global scheduler state. It partitions ESs by lifecycle bucket and hands
// out ranks.
type registry struct {
	mu      sync.Mutex
	created map[uint64]*ES
	active  map[uint64]*ES
	deads   map[uint64]*ES

	nextRank atomic.Uint64
	primary  *ES
}

var globalRegistry = &registry{
	created: map[uint64]*ES{},
	active:  map[uint64]*ES{},
	deads:   map[uint64]*ES{},
}

func (r *registry) newRank() uint64 {
	return r.nextRank.Add(1) - 1
}

func (r *registry) addCreated(es *ES) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created[es.rank] = es
	if es.typ == esPrimary {
		r.primary = es
	}
}

// moveToActive transitions an ES from the created bucket to the active
// bucket (called when start() wins the CREATED->READY CAS).
func (r *registry) moveToActive(es *ES) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.created, es.rank)
	r.active[es.rank] = es
}

// moveToDead transitions an ES out of whichever bucket it is in (created,
// if it was joined without ever starting, or active) into deads.
func (r *registry) moveToDead(es *ES) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.created, es.rank)
	delete(r.active, es.rank)
	r.deads[es.rank] = es
}

// numActive returns the number of ESs currently in the active bucket,
// backing ES.GetNum.
func (r *registry) numActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *registry) getPrimary() *ES {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.primary
}

// reset clears the registry. Exercised by tests that need a clean process-
// wide state between scenarios; never called by production code paths.
func (r *registry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = map[uint64]*ES{}
	r.active = map[uint64]*ES{}
	r.deads = map[uint64]*ES{}
	r.nextRank.Store(0)
	r.primary = nil
}
