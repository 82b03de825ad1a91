package ulrt

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/nullsafe/ulrt/internal/rtlog"
	"go.uber.org/zap"
)

// ESType distinguishes the one PRIMARY ES (coincides with the thread that
// initializes the runtime) from the SECONDARY ESs created afterward.
type ESType int

const (
	esSecondary ESType = iota
	esPrimary
)

func (t ESType) String() string {
	if t == esPrimary {
		return "PRIMARY"
	}
	return "SECONDARY"
}

// ESState is an execution stream's lifecycle state: CREATED -> READY ->
// RUNNING -> READY (scheduler returns, re-enterable) -> ... -> TERMINATED.
type ESState int32

const (
	ESCreated ESState = iota
	ESReady
	ESRunning
	ESTerminated
)

func (s ESState) String() string {
	switch s {
	case ESCreated:
		return "CREATED"
	case ESReady:
		return "READY"
	case ESRunning:
		return "RUNNING"
	case ESTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// ES is the execution stream: a kernel-thread-bound carrier (a goroutine
// pinned with runtime.LockOSThread for SECONDARY, the caller's own goroutine
// for PRIMARY) hosting a stack of schedulers, the bottom one being its main
// scheduler.
type ES struct {
	rank uint64
	typ  ESType

	state atomic.Int32

	schedMu       sync.Mutex
	scheds        []*Scheduler
	mainSched     *Scheduler
	topSchedMutex sync.Mutex // held across nested-scheduler push/teardown

	ctx *fiberContext

	request requestBits

	nameMu sync.Mutex
	name   string

	setAffinity bool

	// doneCh closes once this ES's kernel-thread goroutine has fully
	// returned (context_join's real analogue; SECONDARY only).
	doneCh chan struct{}
}

func defaultPools() []Pool {
	return []Pool{NewFIFOPool()}
}

func defaultScheduler() *Scheduler {
	return NewBasicScheduler(defaultPools(), BasicConfig{})
}

func newES(typ ESType, mainSched *Scheduler, setAffinity bool) *ES {
	if mainSched == nil {
		mainSched = defaultScheduler()
	}
	es := &ES{
		rank:        globalRegistry.newRank(),
		typ:         typ,
		mainSched:   mainSched,
		setAffinity: setAffinity,
		doneCh:      make(chan struct{}),
	}
	es.state.Store(int32(ESCreated))
	globalRegistry.addCreated(es)
	es.bindPoolsConsumer(mainSched)
	return es
}

// bindPoolsConsumer binds es as the consumer of every pool sc owns: the
// default behind both creation and SetMainSched, so a freshly assigned
// scheduler's pools are ready to Pop from without a separate manual step. A
// pool already bound to a different ES (shared-pool setups) logs instead of
// failing creation outright.
func (es *ES) bindPoolsConsumer(sc *Scheduler) {
	if sc == nil {
		return
	}
	for _, p := range sc.Pools() {
		if err := p.SetConsumer(es); err != nil {
			rtlog.L().Warn("pool already bound to a different consumer", zap.Error(err))
		}
	}
}

// NewSecondaryES creates a SECONDARY ES in state CREATED; a nil mainSched
// gets a single-FIFO-pool BasicScheduler. It does not start running until
// Start is called.
func NewSecondaryES(mainSched *Scheduler) *ES {
	return newES(esSecondary, mainSched, activeConfig().SetAffinity)
}

// newPrimaryES is invoked exactly once, from Init.
func newPrimaryES(mainSched *Scheduler, setAffinity bool) *ES {
	return newES(esPrimary, mainSched, setAffinity)
}

// Start transitions CREATED->READY and begins this ES's scheduling loop.
// For PRIMARY, the loop runs inline on the calling goroutine - there is no
// separate kernel thread to spawn, the primary ES *is* the thread that
// called Init - so Start blocks until the primary's main scheduler
// eventually returns under an EXIT request (see ExitSelf). For SECONDARY, a
// dedicated goroutine is spawned and pinned with LockOSThread, and Start
// returns immediately.
func (es *ES) Start() error {
	if !es.state.CompareAndSwap(int32(ESCreated), int32(ESReady)) {
		return nil
	}
	globalRegistry.moveToActive(es)
	es.pushScheduler(es.mainSched)

	if es.typ == esPrimary {
		es.bootstrap()
		es.runOuterLoop()
		return nil
	}

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		es.bootstrap()
		es.runOuterLoop()
		close(es.doneCh)
	}()
	return nil
}

func (es *ES) bootstrap() {
	es.ctx = newSelfContext()
	es.mainSched.ctx = es.ctx
	tlsBind(es, nil, nil)
	if es.setAffinity {
		if err := setThreadAffinity(es.rank); err != nil {
			rtlog.L().Warn("set affinity failed", zap.Uint64("rank", es.rank), zap.Error(err))
		}
	}
}

func (es *ES) runOuterLoop() {
	rtlog.L().Debug("es loop start", zap.Uint64("rank", es.rank), zap.String("type", es.typ.String()))
	for {
		es.state.Store(int32(ESRunning))
		top := es.topScheduler()
		top.run(es)
		es.state.Store(int32(ESReady))
		if es.request.Has(esReqExit | esReqCancel) {
			break
		}
		if es.request.Has(esReqJoin) {
			break
		}
	}
	es.state.Store(int32(ESTerminated))
	globalRegistry.moveToDead(es)
	tlsClear()
	rtlog.L().Debug("es loop end", zap.Uint64("rank", es.rank))
}

// DrainOnce runs this ES's top scheduler until its pools are empty, then
// returns, leaving the ES in READY (re-enterable) state rather than tearing
// it down. This makes the documented "-> READY (scheduler returns,
// re-enterable) ->" lifecycle step directly callable, which is how the
// PRIMARY ES - never Start()/Join()-able by another party - is driven to
// service its own ULTs and tasklets to completion.
func (es *ES) DrainOnce() error {
	if ESState(es.state.Load()) == ESCreated {
		if !es.state.CompareAndSwap(int32(ESCreated), int32(ESReady)) {
			return errf("ES.DrainOnce", CodeESState)
		}
		globalRegistry.moveToActive(es)
		es.pushScheduler(es.mainSched)
		es.bootstrap()
	}
	if ESState(es.state.Load()) == ESTerminated {
		return errf("ES.DrainOnce", CodeESState)
	}
	top := es.topScheduler()
	top.Finish()
	es.state.Store(int32(ESRunning))
	top.run(es)
	es.state.Store(int32(ESReady))
	return nil
}

// Join blocks the caller until es reaches TERMINATED, requesting a drain-
// then-stop first (DESIGN.md's drain-on-JOIN resolution). Forbidden on the
// PRIMARY ES and on the calling ES itself, which cannot be joined.
func (es *ES) Join() error {
	if es.IsPrimary() {
		return errf("ES.Join", CodeInvalidES)
	}
	if self, err := Self(); err == nil && self != nil && self.rank == es.rank {
		return errf("ES.Join", CodeInvalidES)
	}
	if ESState(es.state.Load()) == ESCreated {
		if es.state.CompareAndSwap(int32(ESCreated), int32(ESTerminated)) {
			globalRegistry.moveToDead(es)
			return nil
		}
	}
	es.request.Set(esReqJoin)
	for ESState(es.state.Load()) != ESTerminated {
		runtime.Gosched()
	}
	<-es.doneCh
	return nil
}

// Cancel requests an immediate, non-draining stop. Forbidden on the PRIMARY
// ES.
func (es *ES) Cancel() error {
	if es.IsPrimary() {
		return errf("ES.Cancel", CodeInvalidES)
	}
	es.request.Set(esReqCancel)
	return nil
}

// Free releases a TERMINATED ES's automatic main scheduler. Calling it
// before TERMINATED is a state error.
func (es *ES) Free() error {
	if ESState(es.state.Load()) != ESTerminated {
		return errf("ES.Free", CodeESState)
	}
	if es.mainSched != nil && es.mainSched.automatic {
		es.mainSched.Free()
	}
	return nil
}

// ExitSelf sets EXIT on the calling goroutine's own ES and waits for that
// ES to tear down, yielding cooperatively if running as a ULT. It is an
// error to call this off-ES (CodeUninitialized) or from a tasklet
// (CodeInvalidES, tasklets cannot suspend to let EXIT take effect).
func ExitSelf() error {
	es, err := Self()
	if err != nil {
		return err
	}
	if _, tasklet, _ := currentUnit(); tasklet != nil {
		return errf("ExitSelf", CodeInvalidES)
	}
	es.request.Set(esReqExit)
	for ESState(es.state.Load()) != ESTerminated {
		if ult, _, _ := currentUnit(); ult != nil {
			ult.Yield()
		} else {
			runtime.Gosched()
		}
	}
	return nil
}

// pushScheduler installs sc as the (initially only) entry on the scheduler
// stack - used for the main scheduler at Start/DrainOnce time, before any
// dispatch-time nesting can occur.
func (es *ES) pushScheduler(sc *Scheduler) {
	es.schedMu.Lock()
	es.scheds = append(es.scheds, sc)
	es.schedMu.Unlock()
}

// pushNestedScheduler pushes sc as a nested scheduler at dispatch time,
// acquiring topSchedMutex for the duration of the nesting (held until the
// caller invokes the returned release, after popping sc back off and
// marking it terminated - see DESIGN.md's nested-scheduler locking
// resolution).
func (es *ES) pushNestedScheduler(sc *Scheduler) (release func()) {
	es.topSchedMutex.Lock()
	es.schedMu.Lock()
	es.scheds = append(es.scheds, sc)
	es.schedMu.Unlock()
	return es.topSchedMutex.Unlock
}

// popScheduler removes and returns the top of the scheduler stack.
func (es *ES) popScheduler() *Scheduler {
	es.schedMu.Lock()
	defer es.schedMu.Unlock()
	n := len(es.scheds)
	if n == 0 {
		return nil
	}
	top := es.scheds[n-1]
	es.scheds = es.scheds[:n-1]
	return top
}

func (es *ES) topScheduler() *Scheduler {
	es.schedMu.Lock()
	defer es.schedMu.Unlock()
	return es.scheds[len(es.scheds)-1]
}

func (es *ES) topSchedulerContext() *fiberContext {
	return es.topScheduler().ctx
}

// GetMainSched returns the bottom of the scheduler stack (the ES's main
// scheduler, as last set by SetMainSched or creation).
func (es *ES) GetMainSched() *Scheduler {
	es.schedMu.Lock()
	defer es.schedMu.Unlock()
	if len(es.scheds) == 0 {
		return es.mainSched
	}
	return es.scheds[0]
}

// SetMainSched replaces the ES's main scheduler (only valid before the ES
// starts running a fresh cycle - CREATED or READY). The previous scheduler
// is freed exactly once if it was automatic.
func (es *ES) SetMainSched(sc *Scheduler) error {
	if sc == nil {
		return errf("ES.SetMainSched", CodeInvalidSched)
	}
	st := ESState(es.state.Load())
	if st != ESCreated && st != ESReady {
		return errf("ES.SetMainSched", CodeESState)
	}
	es.schedMu.Lock()
	old := es.mainSched
	es.mainSched = sc
	if len(es.scheds) > 0 {
		es.scheds[0] = sc
	}
	es.schedMu.Unlock()
	es.bindPoolsConsumer(sc)
	if old != nil && old.automatic {
		old.Free()
	}
	return nil
}

func (es *ES) GetMainPools() []Pool { return es.mainSched.Pools() }

func (es *ES) GetState() ESState { return ESState(es.state.Load()) }

func (es *ES) Equal(other *ES) bool { return other != nil && es.rank == other.rank }

func (es *ES) SetName(name string) {
	es.nameMu.Lock()
	es.name = name
	es.nameMu.Unlock()
}

func (es *ES) GetName() string {
	es.nameMu.Lock()
	defer es.nameMu.Unlock()
	return es.name
}

// GetNum returns the number of currently active ESs process-wide, the
// analogue of Argobots' ABT_xstream_get_num.
func (es *ES) GetNum() int { return globalRegistry.numActive() }

func (es *ES) IsPrimary() bool { return es.typ == esPrimary }

func (es *ES) Rank() uint64 { return es.rank }

// SetRank overrides this ES's rank, e.g. to pin it to a specific CPU index
// before its first Start (Argobots' ABT_xstream_set_rank).
func (es *ES) SetRank(r uint64) { es.rank = r }

// Self returns the ES bound to the calling goroutine, or CodeUninitialized
// if none (the goroutine never entered an ES's dispatch loop).
func Self() (*ES, error) {
	s := tlsCurrent()
	if s == nil || s.es == nil {
		return nil, errf("Self", CodeUninitialized)
	}
	return s.es, nil
}

// SelfRank is a convenience wrapper over Self().Rank().
func SelfRank() (uint64, error) {
	es, err := Self()
	if err != nil {
		return 0, err
	}
	return es.rank, nil
}

// currentUnit returns the (ULT, tasklet) pair currently dispatched on the
// calling goroutine, per the TLS contract (tls.go); at most one is non-nil.
func currentUnit() (ult *Unit, tasklet *Unit, err error) {
	s := tlsCurrent()
	if s == nil {
		return nil, nil, errf("currentUnit", CodeUninitialized)
	}
	return s.ult, s.tasklet, nil
}

// runUnit is the dispatcher: the single entry point a scheduler's run loop
// calls to hand a popped unit to this ES, branching on its Kind.
func (es *ES) runUnit(u *Unit, from Pool) {
	switch u.Kind() {
	case KindTasklet:
		es.runTasklet(u, from)
	case KindULT:
		es.runULT(u, from)
	}
}

func (es *ES) runTasklet(u *Unit, from Pool) {
	if u.req.Has(reqCancel) {
		u.req.Clear(reqCancel)
		u.terminate(nil)
		return
	}

	prevULT, prevTasklet := tlsSetCurrentUnit(nil, u)
	u.curES.Store(es)
	u.state.Store(int32(StateRunning))

	var nested *Scheduler
	var release func()
	if hosted := u.HostedScheduler(); hosted != nil {
		nested = hosted
		release = es.pushNestedScheduler(nested)
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				rtlog.L().Error("tasklet panicked", zap.Any("recovered", r))
			}
		}()
		u.fTask(u.pArg)
	}()

	if nested != nil {
		es.popScheduler()
		nested.Free()
		release()
	}

	u.terminate(nil)
	tlsSetCurrentUnit(prevULT, prevTasklet)
}

func (es *ES) runULT(u *Unit, from Pool) {
	bits := u.req.Load()
	if bits&(reqCancel|reqExit) != 0 {
		u.req.Clear(reqCancel | reqExit)
		u.terminate(nil)
		return
	}
	if bits&reqMigrate != 0 {
		es.migrateUnit(u, from)
		return
	}

	prevULT, prevTasklet := tlsSetCurrentUnit(u, nil)
	schedCtx := es.topSchedulerContext()
	u.ctx.changeLink(schedCtx)

	var nested *Scheduler
	var release func()
	if hosted := u.HostedScheduler(); hosted != nil {
		nested = hosted
		release = es.pushNestedScheduler(nested)
		nested.ctx = u.ctx
		nested.thread = u
	}

	u.curES.Store(es)
	u.state.Store(int32(StateRunning))

	switchContext(schedCtx, u.ctx)

	if nested != nil {
		es.popScheduler()
		nested.Free()
		release()
	}

	after := u.req.Load()
	switch {
	case after&terminatingBits != 0:
		u.req.Clear(terminatingBits)
		u.terminate(u.Err())
	case after&reqBlock != 0:
		u.req.Clear(reqBlock)
		u.state.Store(int32(StateBlocked))
	default:
		u.state.Store(int32(StateReady))
		if p := u.Pool(); p != nil {
			if err := p.Push(u); err != nil {
				rtlog.L().Warn("re-push after dispatch failed", zap.Error(err))
			}
		}
	}
	tlsSetCurrentUnit(prevULT, prevTasklet)
}

// migrateUnit implements the migration engine for a ULT observed with
// MIGRATE set at dispatch entry, before any context switch happens - the
// unit never resumes running on the source ES.
func (es *ES) migrateUnit(u *Unit, from Pool) {
	dest := u.takeMigrationTarget()
	if from != nil {
		from.decMigrations()
	}
	if dest == nil {
		rtlog.L().Warn("migrate requested with no stored target; dropping")
		return
	}
	u.setPool(dest)
	if err := dest.Push(u); err != nil {
		rtlog.L().Error("migration push failed", zap.Error(err))
		return
	}
	consumer := dest.Consumer()
	if consumer == nil {
		u.req.Set(reqOrphan)
		rtlog.L().Warn("migrated unit landed in an unbound pool; marked ORPHAN")
		return
	}
	if consumer.GetState() == ESCreated {
		_ = consumer.Start()
	}
}

func (es *ES) checkEvents(sc *Scheduler) {
	bits := es.request.Load()
	if bits&(esReqExit|esReqCancel) != 0 {
		sc.Exit()
		return
	}
	if bits&esReqJoin != 0 {
		sc.Finish()
	}
}
