// Package progress keeps a timeline of named steps, each with a completion
// fraction, for display while a long device operation is running.
package progress

import (
	"sync"

	"github.com/golang/glog"
)

// Step is a snapshot of one entry in the timeline.
type Step struct {
	Description string
	// Percentage is the completed fraction, from 0.0 to 1.0.
	Percentage float64
}

// Done returns whether the step has completed.
func (s Step) Done() bool {
	return s.Percentage >= 1.0
}

// Tracker records an ordered list of steps. At most the last step is ever
// incomplete: starting a new step completes the previous one.
//
// A Tracker never blocks on or fails because of its observers. It is safe for
// concurrent use.
type Tracker struct {
	mu    sync.Mutex
	steps []Step
	// gen is bumped on every Reset so that handles to discarded steps become
	// inert.
	gen       uint64
	observers map[int]func([]Step)
	nextObs   int
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// OnChange registers fn to be called with a snapshot of all steps after every
// change. Calls are made synchronously on the goroutine making the change.
// The returned function unregisters fn.
func (t *Tracker) OnChange(fn func([]Step)) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.observers == nil {
		t.observers = make(map[int]func([]Step))
	}
	id := t.nextObs
	t.nextObs += 1
	t.observers[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.observers, id)
	}
}

// Steps returns a snapshot of the current timeline.
func (t *Tracker) Steps() []Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() []Step {
	res := make([]Step, len(t.steps))
	copy(res, t.steps)
	return res
}

// commit applies mutate under the lock and then notifies observers with the
// resulting snapshot. Observers are called in registration order.
func (t *Tracker) commit(mutate func() bool) {
	t.mu.Lock()
	if !mutate() {
		t.mu.Unlock()
		return
	}
	snap := t.snapshotLocked()
	fns := make([]func([]Step), 0, len(t.observers))
	for i := 0; i < t.nextObs; i++ {
		if fn, ok := t.observers[i]; ok {
			fns = append(fns, fn)
		}
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Reset discards all steps. Handles returned before the reset no longer
// affect the timeline.
func (t *Tracker) Reset() {
	t.commit(func() bool {
		t.steps = nil
		t.gen += 1
		return true
	})
}

// Step completes the currently open step, if any, and starts a new one at
// 0%.
func (t *Tracker) Step(description string) *Handle {
	glog.Infof("Progress: starting step %q", description)
	var h *Handle
	t.commit(func() bool {
		if n := len(t.steps); n > 0 {
			t.steps[n-1].Percentage = 1.0
		}
		t.steps = append(t.steps, Step{Description: description})
		h = &Handle{
			t:     t,
			gen:   t.gen,
			index: len(t.steps) - 1,
		}
		return true
	})
	return h
}

// Handle updates a single step of a Tracker.
type Handle struct {
	t     *Tracker
	gen   uint64
	index int
}

// Set updates the completion fraction of the step. Values are clamped to
// [0, 1] and a step's percentage never decreases.
func (h *Handle) Set(fraction float64) {
	switch {
	case fraction < 0 || fraction != fraction:
		fraction = 0
	case fraction > 1:
		fraction = 1
	}
	h.t.commit(func() bool {
		if h.gen != h.t.gen || h.index >= len(h.t.steps) {
			return false
		}
		s := &h.t.steps[h.index]
		if fraction <= s.Percentage {
			return false
		}
		s.Percentage = fraction
		return true
	})
}

// Complete marks the step as fully done.
func (h *Handle) Complete() {
	h.Set(1.0)
}

// Percentage returns the current completion fraction of the step, or 0 if
// the step was discarded by a Reset.
func (h *Handle) Percentage() float64 {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if h.gen != h.t.gen || h.index >= len(h.t.steps) {
		return 0
	}
	return h.t.steps[h.index].Percentage
}
