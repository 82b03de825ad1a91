package ulrt

import (
	"runtime"
	"strconv"
	"sync"
)

// tlsSlot holds the per-kernel-thread pointers a dispatched goroutine needs
// to recover: current ES, current ULT, current tasklet. Go has no public
// goroutine-local storage, so we key a map by a best-effort goroutine id
// parsed from runtime.Stack on every lookup (the same trick several "goid"-style
// helpers in the wider Go ecosystem use) - see DESIGN.md Open Question 2.
// This is only consulted at dispatch entry/exit, never on a hot path, and
// no unit may depend on it - tasklets in particular must stay TLS-free.
// Both ult and tasklet are *Unit - the tagged variant from unit.go - and
// are never both non-nil at once: whichever is currently dispatched on this
// goroutine occupies its matching field, the other stays nil.
type tlsSlot struct {
	es      *ES
	ult     *Unit
	tasklet *Unit
}

var (
	tlsMu sync.Mutex
	tlsM  = map[int64]*tlsSlot{}
)

func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Stack traces start with "goroutine <id> [running]:".
	b := buf[:n]
	i := 0
	for i < len(b) && b[i] != ' ' {
		i++
	}
	i++
	j := i
	for j < len(b) && b[j] != ' ' {
		j++
	}
	id, err := strconv.ParseInt(string(b[i:j]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

func tlsCurrent() *tlsSlot {
	gid := goroutineID()
	tlsMu.Lock()
	defer tlsMu.Unlock()
	return tlsM[gid]
}

func tlsBind(es *ES, ult *Unit, tasklet *Unit) {
	gid := goroutineID()
	tlsMu.Lock()
	defer tlsMu.Unlock()
	tlsM[gid] = &tlsSlot{es: es, ult: ult, tasklet: tasklet}
}

// tlsSetCurrentUnit updates only the unit half of the calling goroutine's
// slot, leaving the ES pointer (set once at ES entry) untouched. Used by
// the dispatcher to swap in the unit about to be dispatched and restore the
// previous pair afterward.
func tlsSetCurrentUnit(ult *Unit, tasklet *Unit) (prevULT *Unit, prevTasklet *Unit) {
	gid := goroutineID()
	tlsMu.Lock()
	defer tlsMu.Unlock()
	s := tlsM[gid]
	if s == nil {
		s = &tlsSlot{}
		tlsM[gid] = s
	}
	prevULT, prevTasklet = s.ult, s.tasklet
	s.ult, s.tasklet = ult, tasklet
	return
}

func tlsClear() {
	gid := goroutineID()
	tlsMu.Lock()
	defer tlsMu.Unlock()
	delete(tlsM, gid)
}
