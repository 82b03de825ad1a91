package ulrt

import "testing"

func TestFIFOPoolOrdering(t *testing.T) {
	p := NewFIFOPool()
	a := NewTasklet(func(any) {}, nil)
	b := NewTasklet(func(any) {}, nil)
	c := NewTasklet(func(any) {}, nil)

	for _, u := range []*Unit{a, b, c} {
		if err := p.Push(u); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	if got := p.Size(); got != 3 {
		t.Fatalf("Size() = %d, want 3", got)
	}

	for _, want := range []*Unit{a, b, c} {
		got, ok := p.Pop()
		if !ok {
			t.Fatal("Pop() returned ok=false before pool emptied")
		}
		if got != want {
			t.Fatalf("Pop() returned wrong unit, want FIFO order")
		}
	}
	if _, ok := p.Pop(); ok {
		t.Fatal("Pop() on empty pool returned ok=true")
	}
}

func TestFIFOPoolPushNilRejected(t *testing.T) {
	p := NewFIFOPool()
	if err := p.Push(nil); err == nil {
		t.Fatal("Push(nil) succeeded, want CodeInvalidUnit")
	}
}

// TestFIFOPoolConsumerConflict verifies a second, different ES may
// not bind as consumer once one is already bound.
func TestFIFOPoolConsumerConflict(t *testing.T) {
	globalRegistry.reset()
	p := NewFIFOPool()
	e1 := NewSecondaryES(nil)
	e2 := NewSecondaryES(nil)

	if err := p.SetConsumer(e1); err != nil {
		t.Fatalf("first SetConsumer: %v", err)
	}
	if err := p.SetConsumer(e1); err != nil {
		t.Fatalf("re-binding the same consumer should succeed: %v", err)
	}
	err := p.SetConsumer(e2)
	if err == nil {
		t.Fatal("SetConsumer with a different ES succeeded, want CodeConsumerConflict")
	}
	if uerr, ok := err.(*Error); !ok || uerr.Code != CodeConsumerConflict {
		t.Fatalf("err = %v, want CodeConsumerConflict", err)
	}
}

func TestFIFOPoolMigrationCounter(t *testing.T) {
	p := NewFIFOPool()
	if p.inflightMigrations() != 0 {
		t.Fatal("fresh pool has non-zero migration counter")
	}
	p.incMigrations()
	p.incMigrations()
	if p.inflightMigrations() != 2 {
		t.Fatalf("inflightMigrations() = %d, want 2", p.inflightMigrations())
	}
	p.decMigrations()
	p.decMigrations()
	if p.inflightMigrations() != 0 {
		t.Fatalf("inflightMigrations() = %d, want 0", p.inflightMigrations())
	}
}

func TestFIFOPoolGetAccessors(t *testing.T) {
	p := NewFIFOPool()
	ult := NewULT(func(*Unit) {}, 0)
	task := NewTasklet(func(any) {}, nil)

	if p.GetUnitType(ult) != KindULT {
		t.Fatal("GetUnitType(ult) != KindULT")
	}
	if p.GetUnitType(task) != KindTasklet {
		t.Fatal("GetUnitType(task) != KindTasklet")
	}
	if p.GetThread(ult) != ult {
		t.Fatal("GetThread(ult) did not return ult")
	}
	if p.GetThread(task) != nil {
		t.Fatal("GetThread(task) returned non-nil")
	}
	if p.GetTask(task) != task {
		t.Fatal("GetTask(task) did not return task")
	}
	if p.GetTask(ult) != nil {
		t.Fatal("GetTask(ult) returned non-nil")
	}
}
