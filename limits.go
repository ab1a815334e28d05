package realtime

import (
	"math/rand/v2"
	"sync/atomic"
)

// Limits bounds how many calls a Server runs at once across all peers.
// A call arriving while the limit is reached is answered with
// {"call":"Busy","wait":ms}, where wait is a suggested retry delay in
// milliseconds.
type Limits struct {
	limit uint32
	count atomic.Uint32
}

// NewLimits returns Limits allowing at most maxCalls concurrent calls.
// Zero means unlimited.
func NewLimits(maxCalls uint32) *Limits {
	return &Limits{limit: maxCalls}
}

// Active returns the number of calls currently running.
func (l *Limits) Active() uint32 {
	return l.count.Load()
}

// acquire reserves a call slot. A nil Limits never refuses.
func (l *Limits) acquire() bool {
	if l == nil {
		return true
	}
	n := l.count.Add(1)
	if l.limit > 0 && n > l.limit {
		l.release()
		return false
	}
	return true
}

func (l *Limits) release() {
	if l != nil {
		l.count.Add(^uint32(0))
	}
}

// limitWait picks a retry delay in milliseconds for a refused call.
func limitWait() int {
	return 1000 + rand.IntN(19000)
}
