package engine

import (
	"sync"
	"time"
)

// runLocks serializes writers per run id. Entries are dropped once unused.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	mu   sync.Mutex
	refs int
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*runLock)}
}

// lock blocks until the caller is the single writer of runID.
func (l *runLocks) lock(runID string) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[runID]
	if !ok {
		rl = &runLock{}
		l.locks[runID] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, runID)
		}
		l.mu.Unlock()
	}
}

// timerSet holds at most one wake-up timer per run. No goroutine exists until
// a timer fires.
type timerSet struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimerSet() *timerSet {
	return &timerSet{timers: make(map[string]*time.Timer)}
}

// arm replaces the run's timer with one firing fn at `at`.
func (t *timerSet) arm(runID string, at time.Time, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[runID]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(time.Until(at), func() {
		t.mu.Lock()
		if t.timers[runID] == timer {
			delete(t.timers, runID)
		}
		t.mu.Unlock()
		fn()
	})
	t.timers[runID] = timer
}

func (t *timerSet) stop(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[runID]; ok {
		timer.Stop()
		delete(t.timers, runID)
	}
}

func (t *timerSet) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}

func (t *timerSet) armed(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[runID]
	return ok
}
