package ulrt

import "sync"

// fiberContext is the context primitive: save/restore an execution point
// and switch between two of them. Real stackful coroutines need
// per-architecture assembly or cgo to swap registers and stack pointers;
// absent a toolchain to validate that against, this runtime realizes the
// same contract with a goroutine-per-context baton (see DESIGN.md, Open
// Question 1): a context is "suspended" by blocking its goroutine on a
// one-slot channel, and "switched to" by sending into it. Exactly one side
// of any switch pair is ever runnable at a time, which is all a caller
// alternating between two contexts actually needs.
type fiberContext struct {
	resume chan struct{} // sent to in order to run this context

	mu   sync.Mutex
	link *fiberContext // where this context falls through to on return
}

// newSelfContext captures the calling goroutine's context without spawning
// anything - used for a kernel thread's own flow: the primary ES's initial
// context, or a secondary ES's dedicated worker goroutine before it creates
// its first scheduler context.
func newSelfContext() *fiberContext {
	return &fiberContext{
		resume: make(chan struct{}, 1),
	}
}

// newEntryContext produces a new suspended context that, once entered via
// switchContext, runs entry(arg) on its own goroutine and upon return
// switches to link. It takes no stack size: a ULT's configured stack size
// (Unit.stackSize) is not used here, because a real stack is unnecessary
// - the goroutine's own growable stack backs it, so there is no separate
// stack-memory allocator or reclamation strategy to implement.
func newEntryContext(entry func(arg any), arg any, link *fiberContext) *fiberContext {
	c := &fiberContext{
		resume: make(chan struct{}, 1),
		link:   link,
	}
	go func() {
		<-c.resume // wait for the first switchContext into this context
		entry(arg)
		l := c.currentLink()
		if l != nil {
			// Fall through to link without a "from" side to block: the
			// caller that switched into c is the one resuming, so just
			// hand control to link directly.
			l.resume <- struct{}{}
		}
	}()
	return c
}

func (c *fiberContext) currentLink() *fiberContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

// changeLink re-points a context's fallthrough target, letting the same
// ULT body return to a different scheduler across runs (e.g. after a
// migration rebinds which ES's scheduler dispatched it).
func (c *fiberContext) changeLink(newLink *fiberContext) {
	c.mu.Lock()
	c.link = newLink
	c.mu.Unlock()
}

// switchContext saves from (by leaving its goroutine blocked on from.resume)
// and jumps to to (by unblocking to's goroutine). When some other switch
// later targets from again, this call returns.
func switchContext(from, to *fiberContext) {
	to.resume <- struct{}{}
	<-from.resume
}
