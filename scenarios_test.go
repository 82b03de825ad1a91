package ulrt

import (
	"sync"
	"sync/atomic"
	"testing"
)

// TestScenarioCounter runs 4 ESs (including primary), each dispatching 4
// ULTs that yield, bump a shared counter, then yield again.
func TestScenarioCounter(t *testing.T) {
	globalRegistry.reset()
	rt, err := Init(DefaultConfig())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	const (
		numSecondary = 3
		ultsPerES    = 4
	)

	var mu sync.Mutex
	counter := 0

	secondaries := make([]*ES, numSecondary)
	for i := range secondaries {
		secondaries[i] = NewSecondaryES(nil)
	}
	all := append([]*ES{rt.Primary}, secondaries...)

	var units []*Unit
	for _, es := range all {
		pool := es.GetMainPools()[0]
		for j := 0; j < ultsPerES; j++ {
			u := NewULT(func(self *Unit) {
				self.Yield()
				mu.Lock()
				counter++
				mu.Unlock()
				self.Yield()
			}, 0)
			units = append(units, u)
			if err := pool.Push(u); err != nil {
				t.Fatalf("Push: %v", err)
			}
		}
	}

	for _, es := range secondaries {
		if err := es.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	if err := rt.Primary.DrainOnce(); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	for _, es := range secondaries {
		if err := es.Join(); err != nil {
			t.Fatalf("Join: %v", err)
		}
	}
	for _, u := range units {
		u.Join()
		if u.State() != StateTerminated {
			t.Fatalf("unit state = %v, want TERMINATED", u.State())
		}
	}

	want := (numSecondary + 1) * ultsPerES
	mu.Lock()
	got := counter
	mu.Unlock()
	if got != want {
		t.Fatalf("counter = %d, want %d", got, want)
	}
	for _, es := range secondaries {
		if es.GetState() != ESTerminated {
			t.Fatalf("secondary ES state = %v, want TERMINATED", es.GetState())
		}
	}
}

// TestScenarioNestedScheduler runs a ULT hosting a scheduler with one pool
// of 3 tasklets, dispatched from the primary ES.
func TestScenarioNestedScheduler(t *testing.T) {
	globalRegistry.reset()
	primary := newPrimaryES(nil, false)

	var mu sync.Mutex
	var order []int

	innerPool := NewFIFOPool()
	nested := NewBasicScheduler([]Pool{innerPool}, BasicConfig{})
	nested.Finish() // drain-then-stop once the 3 tasklets are consumed

	for i := 0; i < 3; i++ {
		idx := i
		task := NewTasklet(func(any) {
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
		}, nil)
		if err := innerPool.Push(task); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	host := NewSchedulerULT(nested, 0)
	mainPool := primary.GetMainPools()[0]
	if err := mainPool.Push(host); err != nil {
		t.Fatalf("Push host: %v", err)
	}

	if err := primary.DrainOnce(); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	host.Join()

	mu.Lock()
	n := len(order)
	mu.Unlock()
	if n != 3 {
		t.Fatalf("tasklets executed = %d, want 3", n)
	}

	primary.schedMu.Lock()
	depth := len(primary.scheds)
	primary.schedMu.Unlock()
	if depth != 1 {
		t.Fatalf("primary scheduler-stack depth = %d, want 1", depth)
	}
}

// TestScenarioMigration migrates a ULT from e1's pool to e2's pool; it must
// subsequently run only on e2, and e1's migration counter returns to zero.
func TestScenarioMigration(t *testing.T) {
	globalRegistry.reset()
	e1 := NewSecondaryES(nil)
	e2 := NewSecondaryES(nil)
	pool1 := e1.GetMainPools()[0]
	pool2 := e2.GetMainPools()[0]

	started := make(chan struct{}, 1)
	var ranOnE2 atomic.Bool
	migrated := make(chan struct{})

	u := NewULT(func(self *Unit) {
		started <- struct{}{}
		<-migrated
		for i := 0; i < 8; i++ {
			self.Yield()
			select {
			case <-migrated:
				if self.LastES() == e2 {
					ranOnE2.Store(true)
				}
			default:
			}
		}
	}, 0)
	if err := pool1.Push(u); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := e1.Start(); err != nil {
		t.Fatalf("e1.Start: %v", err)
	}
	if err := e2.Start(); err != nil {
		t.Fatalf("e2.Start: %v", err)
	}

	<-started
	if err := u.MigrateTo(pool2); err != nil {
		t.Fatalf("MigrateTo: %v", err)
	}
	close(migrated)

	u.Join()

	if !ranOnE2.Load() {
		t.Fatal("migrated ULT never observed running on E2")
	}
	if pool1.inflightMigrations() != 0 {
		t.Fatalf("E1 pool migration counter = %d, want 0", pool1.inflightMigrations())
	}

	_ = e1.Join()
	_ = e2.Join()
}

// TestScenarioCancelRace verifies cancelling a running ES stops it from
// dispatching any further unit once the currently-RUNNING one completes.
func TestScenarioCancelRace(t *testing.T) {
	globalRegistry.reset()
	e := NewSecondaryES(nil)
	pool := e.GetMainPools()[0]

	const total = 5
	var mu sync.Mutex
	ran := 0
	firstRunning := make(chan struct{}, 1)
	allowNext := make(chan struct{})

	for i := 0; i < total; i++ {
		idx := i
		u := NewTasklet(func(any) {
			if idx == 0 {
				firstRunning <- struct{}{}
				<-allowNext
			}
			mu.Lock()
			ran++
			mu.Unlock()
		}, nil)
		if err := pool.Push(u); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-firstRunning

	if err := e.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(allowNext)

	if err := e.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if e.GetState() != ESTerminated {
		t.Fatalf("state = %v, want TERMINATED", e.GetState())
	}

	mu.Lock()
	got := ran
	mu.Unlock()
	if got != 1 {
		t.Fatalf("ran = %d, want exactly 1 (cancel must block any further dispatch)", got)
	}
}

// TestScenarioJoinOnCreated verifies joining a never-started ES moves it
// straight from CREATED to TERMINATED without a kernel thread ever running.
func TestScenarioJoinOnCreated(t *testing.T) {
	globalRegistry.reset()
	e := NewSecondaryES(nil)
	if err := e.Join(); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if e.GetState() != ESTerminated {
		t.Fatalf("state = %v, want TERMINATED", e.GetState())
	}
}

// TestScenarioSelfExitForbiddenForTasklet verifies ExitSelf rejects a
// tasklet rather than hanging it on a suspend it cannot perform.
func TestScenarioSelfExitForbiddenForTasklet(t *testing.T) {
	globalRegistry.reset()
	primary := newPrimaryES(nil, false)
	pool := primary.GetMainPools()[0]

	var errOut error
	done := make(chan struct{})
	task := NewTasklet(func(any) {
		errOut = ExitSelf()
		close(done)
	}, nil)
	if err := pool.Push(task); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := primary.DrainOnce(); err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	<-done

	if errOut == nil {
		t.Fatal("ExitSelf on a tasklet succeeded, want CodeInvalidES")
	}
	uerr, ok := errOut.(*Error)
	if !ok || uerr.Code != CodeInvalidES {
		t.Fatalf("err = %v, want CodeInvalidES", errOut)
	}
	if task.State() != StateTerminated {
		t.Fatalf("tasklet state = %v, want TERMINATED", task.State())
	}
}
