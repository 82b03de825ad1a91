package ulrt

import (
	"runtime"
	"sync/atomic"

	"github.com/nullsafe/ulrt/internal/rtlog"
	"go.uber.org/zap"
)

// SchedState is a scheduler's lifecycle state.
type SchedState int32

const (
	SchedReady SchedState = iota
	SchedRunning
	SchedStopped
	SchedTerminated
)

func (s SchedState) String() string {
	switch s {
	case SchedReady:
		return "READY"
	case SchedRunning:
		return "RUNNING"
	case SchedStopped:
		return "STOPPED"
	case SchedTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// SelectFunc is the pluggable unit-selection policy a scheduler's run loop
// consults each iteration; FIFO-round-robin-over-pools by default (see
// BasicConfig / roundRobinSelect).
type SelectFunc func(pools []Pool) (u *Unit, from Pool)

// BasicConfig configures the predefined scheduler (the Go-native analogue
// of Argobots' ABT_sched_config). EventFreq gives event checking a
// configurable cadence instead of a hardcoded constant.
type BasicConfig struct {
	// EventFreq is how many dispatched units occur between check_events
	// calls. Zero defaults to 1 (check after every dispatch).
	EventFreq int
}

// Scheduler owns one or more pools, a run entry point, and a lifecycle
// state (C4). It is realized as a ULT itself (via its hosting Unit, set by
// SetHostedScheduler) so that schedulers nest by context-switching, except
// the very first scheduler on the primary ES, which runs directly on the
// calling goroutine.
type Scheduler struct {
	pools  []Pool
	state  atomic.Int32
	thread *Unit // the ULT hosting this scheduler's run, nil for the bootstrap case

	automatic bool
	config    BasicConfig
	selectFn  SelectFunc

	finishReq atomic.Bool
	exitReq   atomic.Bool

	// ctx is where this scheduler runs: either the hosting ULT's own
	// context, or (bootstrap case) a captured self-context.
	ctx *fiberContext
}

// NewBasicScheduler builds the predefined scheduler: round-robin FIFO pop
// across pools, draining on Finish, stopping immediately on Exit. automatic
// mirrors Argobots' ABTI_sched.automatic: when true, ES teardown frees this
// scheduler; when false the caller owns its lifetime because it is shared
// across ESs.
func NewBasicScheduler(pools []Pool, config BasicConfig) *Scheduler {
	if config.EventFreq <= 0 {
		config.EventFreq = 1
	}
	sc := &Scheduler{
		pools:     pools,
		automatic: true,
		config:    config,
	}
	sc.selectFn = roundRobinSelect(sc)
	sc.state.Store(int32(SchedReady))
	return sc
}

// roundRobinSelect returns a SelectFunc that walks pools in order each
// call, remembering where it left off - the simplest fair default, left
// pluggable for anything fancier such as a work-stealing policy.
func roundRobinSelect(sc *Scheduler) SelectFunc {
	var next int
	return func(pools []Pool) (*Unit, Pool) {
		n := len(pools)
		for i := 0; i < n; i++ {
			idx := (next + i) % n
			p := pools[idx]
			if u, ok := p.Pop(); ok {
				next = (idx + 1) % n
				return u, p
			}
		}
		return nil, nil
	}
}

func (sc *Scheduler) Pools() []Pool { return sc.pools }

func (sc *Scheduler) State() SchedState { return SchedState(sc.state.Load()) }

// Finish requests a soft stop: the run loop drains its pools before
// returning. Tied to the JOIN request (see DESIGN.md's drain-on-JOIN
// resolution).
func (sc *Scheduler) Finish() { sc.finishReq.Store(true) }

// Exit requests a hard, immediate stop.
func (sc *Scheduler) Exit() { sc.exitReq.Store(true) }

// Free releases this scheduler. Only meaningful bookkeeping here since Go
// is garbage collected; kept so ES.Free has a symmetric call when tearing
// down an automatic scheduler.
func (sc *Scheduler) Free() {
	sc.state.Store(int32(SchedTerminated))
}

// run is the scheduler's run entry point: repeatedly select a unit,
// dispatch it through the owning ES, and periodically check events, until
// Finish (after draining) or Exit (immediately) has been posted. Finish
// only breaks the loop once every pool is empty, so a JOIN request never
// leaves ready units stranded (DESIGN.md's drain-on-JOIN resolution).
func (sc *Scheduler) run(es *ES) {
	sc.state.Store(int32(SchedRunning))
	rtlog.L().Debug("scheduler run start", zap.Uint64("es_rank", es.rank))

	dispatched := 0
	for {
		if sc.exitReq.Load() {
			break
		}
		u, from := sc.selectFn(sc.pools)
		if u == nil {
			es.checkEvents(sc)
			if sc.finishReq.Load() && sc.allPoolsEmpty() {
				break
			}
			runtime.Gosched()
			continue
		}
		es.runUnit(u, from)
		dispatched++
		if dispatched%sc.config.EventFreq == 0 {
			es.checkEvents(sc)
		}
	}

	sc.state.Store(int32(SchedTerminated))
	rtlog.L().Debug("scheduler run end", zap.Uint64("es_rank", es.rank))
}

// NewSchedulerULT builds a ULT whose body drives nested's run loop to
// completion on its own dedicated context: pushing the returned unit into
// any pool and letting a scheduler dispatch it is how a nested scheduler
// gets its own context distinct from its parent's.
func NewSchedulerULT(nested *Scheduler, stackSize int) *Unit {
	u := NewULT(func(self *Unit) {
		nested.run(self.LastES())
	}, stackSize)
	u.SetHostedScheduler(nested)
	return u
}

func (sc *Scheduler) allPoolsEmpty() bool {
	for _, p := range sc.pools {
		if p.Size() > 0 {
			return false
		}
	}
	return true
}
