package ulrt

import (
	"sync"
	"sync/atomic"

	"github.com/nullsafe/ulrt/internal/rtlog"
	"go.uber.org/zap"
)

// Kind tags which variant a Unit is - a tagged-variant replacement for a
// dynamic "is this a ULT or a tasklet" dispatch.
type Kind int

const (
	KindULT Kind = iota
	KindTasklet
)

func (k Kind) String() string {
	if k == KindTasklet {
		return "TASKLET"
	}
	return "ULT"
}

// State is a work unit's lifecycle state. ULTs use all four values;
// Tasklets never observe StateBlocked.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Unit is the work unit: a tagged variant carrying state, request bits,
// owning-ES/owning-pool back references and, for ULTs, a context and stack.
// Both ULTs and tasklets are represented by this single type; Kind() and the
// variant-specific constructors (NewULT, NewTasklet) are the only place the
// distinction shows up to callers.
type Unit struct {
	kind  Kind
	state atomic.Int32
	req   requestBits

	pPool   atomic.Pointer[Pool]
	curES   atomic.Pointer[ES]
	isSched atomic.Pointer[Scheduler]

	// ULT-only fields.
	ctx       *fiberContext
	fn        func(u *Unit)
	stackSize int

	// Tasklet-only fields.
	fTask func(arg any)
	pArg  any

	mu            sync.Mutex // guards migrateTarget
	migrateTarget Pool

	joinOnce sync.Once
	joinCh   chan struct{}

	termErr error
}

// NewULT constructs a ready-to-schedule ULT running fn on a dedicated
// goroutine-backed context with the given stack-size hint (stackSize is
// informational only - see context.go).
func NewULT(fn func(u *Unit), stackSize int) *Unit {
	if stackSize <= 0 {
		stackSize = activeConfig().DefaultStackSize
	}
	u := &Unit{
		kind:      KindULT,
		fn:        fn,
		stackSize: stackSize,
		joinCh:    make(chan struct{}),
	}
	u.state.Store(int32(StateReady))
	u.ctx = newEntryContext(func(arg any) {
		ult := arg.(*Unit)
		ult.bindTLS()
		ult.fn(ult)
		// Normal return: behave like an implicit terminate request so the
		// dispatcher (runULT) sees a terminating bit after the switch
		// returns control to it, exactly as ABTD_thread_terminate does
		// before falling through to the scheduler link.
		ult.req.Set(reqTerminate)
	}, u, nil)
	return u
}

// NewTasklet constructs a ready-to-run, stackless tasklet. Tasklets never
// suspend and must not rely on any per-ULT thread-local state.
func NewTasklet(fTask func(arg any), arg any) *Unit {
	u := &Unit{
		kind:   KindTasklet,
		fTask:  fTask,
		pArg:   arg,
		joinCh: make(chan struct{}),
	}
	u.state.Store(int32(StateReady))
	return u
}

func (u *Unit) Kind() Kind   { return u.kind }
func (u *Unit) State() State { return State(u.state.Load()) }

// Pool returns the pool this unit currently belongs to when ready, or nil.
func (u *Unit) Pool() Pool {
	p := u.pPool.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (u *Unit) setPool(p Pool) {
	if p == nil {
		u.pPool.Store(nil)
		return
	}
	u.pPool.Store(&p)
}

// LastES returns the ES this unit last ran on (may lag its pool's consumer
// right after a migration until the next dispatch).
func (u *Unit) LastES() *ES { return u.curES.Load() }

// HostedScheduler returns the scheduler this unit hosts, if is_sched was set
// via SetHostedScheduler, making this unit a nested scheduler's carrier.
func (u *Unit) HostedScheduler() *Scheduler {
	return u.isSched.Load()
}

// SetHostedScheduler marks this ULT as the host of sched: dispatching this
// unit will push sched onto the ES's scheduler stack before switching into
// it, the mechanism behind a nested scheduler.
func (u *Unit) SetHostedScheduler(sched *Scheduler) {
	u.isSched.Store(sched)
}

// Yield saves the running ULT's context and switches back to the current
// ES's top-scheduler context. A no-op (logged) if called on a tasklet,
// since a tasklet runs to completion and is never yieldable.
func (u *Unit) Yield() {
	if u.kind != KindULT {
		rtlog.L().Warn("Yield called on a tasklet; ignored")
		return
	}
	es := u.curES.Load()
	if es == nil {
		return
	}
	top := es.topSchedulerContext()
	switchContext(u.ctx, top)
	u.bindTLS()
}

// Join blocks the caller until unit.state == TERMINATED.
func (u *Unit) Join() {
	<-u.joinCh
}

// Cancel sets the CANCEL request bit; effect is taken at the next
// observation point (dispatcher entry, or, for a ULT, its next switch back
// to the scheduler).
func (u *Unit) Cancel() {
	u.req.Set(reqCancel)
}

// ExitSelf sets the EXIT request bit on a running ULT so its next
// scheduler hand-off tears it down; it must not be called on a tasklet
// (tasklets cannot suspend to let the request take effect) and returns
// CodeInvalidES in that case.
func (u *Unit) ExitSelf() error {
	if u.kind != KindULT {
		return errf("Unit.ExitSelf", CodeInvalidES)
	}
	u.req.Set(reqExit)
	u.Yield()
	return nil
}

// MigrateTo sets the MIGRATE request and stores the destination pool,
// realized by the ES at this unit's next hand-off. Only valid for ULTs -
// tasklets run to completion inline and are never migrated.
func (u *Unit) MigrateTo(dest Pool) error {
	if u.kind != KindULT {
		return errf("Unit.MigrateTo", CodeInvalidES)
	}
	if dest == nil {
		return errf("Unit.MigrateTo", CodeInvalidPool)
	}
	if src := u.Pool(); src != nil {
		src.incMigrations()
	}
	u.mu.Lock()
	u.migrateTarget = dest
	u.mu.Unlock()
	u.req.Set(reqMigrate)
	return nil
}

// takeMigrationTarget atomically extracts and clears the stored migration
// target together with the MIGRATE bit, under the unit's own mutex.
func (u *Unit) takeMigrationTarget() Pool {
	u.mu.Lock()
	defer u.mu.Unlock()
	dest := u.migrateTarget
	u.migrateTarget = nil
	u.req.Clear(reqMigrate)
	return dest
}

func (u *Unit) bindTLS() {
	switch u.kind {
	case KindULT:
		tlsBind(u.curES.Load(), u, nil)
	case KindTasklet:
		tlsBind(u.curES.Load(), nil, u)
	}
}

// terminate marks the unit TERMINATED, records an optional failure - a
// partial failure inside the dispatcher is fatal to the unit involved but
// never to the ES - and wakes any joiners exactly once.
func (u *Unit) terminate(err error) {
	u.state.Store(int32(StateTerminated))
	u.termErr = err
	u.joinOnce.Do(func() { close(u.joinCh) })
	if err != nil {
		rtlog.L().Error("unit terminated with error", zap.String("kind", u.kind.String()), zap.Error(err))
	} else {
		rtlog.L().Debug("unit terminated", zap.String("kind", u.kind.String()))
	}
}

// Err returns the error flag a unit may terminate with, or nil.
func (u *Unit) Err() error { return u.termErr }
