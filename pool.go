package ulrt

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/nullsafe/ulrt/internal/rtlog"
	"go.uber.org/zap"
)

// Pool is the pool contract: a queue of ready work units exposing a single
// assignable consumer ES. Custom queueing disciplines can implement this
// interface; FIFOPool below is the one concrete default, the Go-native
// analogue of Argobots' ABT_POOL_FIFO.
type Pool interface {
	Push(u *Unit) error
	Pop() (*Unit, bool)
	Size() int

	// Consumer returns the ES currently authorized to Pop from this pool,
	// or nil if none is bound yet.
	Consumer() *ES
	// SetConsumer binds consumer as the pool's authorized popper. Fails
	// with CodeConsumerConflict if a different ES already owns it.
	SetConsumer(consumer *ES) error

	// GetUnitType, GetThread and GetTask classify a unit without exposing
	// Unit internals. With a tagged Unit these reduce to trivial accessors,
	// but stay on the interface so a custom pool implementation is never
	// forced to reach past it into Unit internals.
	GetUnitType(u *Unit) Kind
	GetThread(u *Unit) *Unit
	GetTask(u *Unit) *Unit

	// inflightMigrations tracks in-flight MIGRATE hand-offs out of this pool.
	inflightMigrations() int32
	incMigrations()
	decMigrations()
}

// FIFOPool is the default Pool implementation: a mutex-guarded doubly
// linked list, preferring a plain sync.Mutex-protected structure over
// lock-free trickery when the hot path isn't proven to need it.
type FIFOPool struct {
	mu   sync.Mutex
	q    list.List
	cons atomic.Pointer[ES]

	migrations atomic.Int32
}

// NewFIFOPool constructs an empty FIFO pool with no bound consumer.
func NewFIFOPool() *FIFOPool {
	p := &FIFOPool{}
	p.q.Init()
	return p
}

func (p *FIFOPool) Push(u *Unit) error {
	if u == nil {
		return errf("Pool.Push", CodeInvalidUnit)
	}
	u.setPool(p)
	p.mu.Lock()
	p.q.PushBack(u)
	p.mu.Unlock()
	rtlog.L().Debug("pool push", zap.Int("size", p.Size()))
	return nil
}

func (p *FIFOPool) Pop() (*Unit, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.q.Front()
	if e == nil {
		return nil, false
	}
	p.q.Remove(e)
	return e.Value.(*Unit), true
}

func (p *FIFOPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Len()
}

func (p *FIFOPool) Consumer() *ES {
	return p.cons.Load()
}

// SetConsumer enforces that a pool's consumer may only be (re)assigned when
// no ES already owns it, or when the caller is reassigning it to the same
// ES it is already bound to.
func (p *FIFOPool) SetConsumer(consumer *ES) error {
	for {
		old := p.cons.Load()
		if old != nil && old != consumer {
			return errf("Pool.SetConsumer", CodeConsumerConflict)
		}
		if p.cons.CompareAndSwap(old, consumer) {
			return nil
		}
	}
}

func (p *FIFOPool) GetUnitType(u *Unit) Kind { return u.Kind() }

func (p *FIFOPool) GetThread(u *Unit) *Unit {
	if u.Kind() == KindULT {
		return u
	}
	return nil
}

func (p *FIFOPool) GetTask(u *Unit) *Unit {
	if u.Kind() == KindTasklet {
		return u
	}
	return nil
}

func (p *FIFOPool) inflightMigrations() int32 { return p.migrations.Load() }
func (p *FIFOPool) incMigrations()            { p.migrations.Add(1) }
func (p *FIFOPool) decMigrations()            { p.migrations.Add(-1) }
