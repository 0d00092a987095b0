package guard

import (
	"context"
	"sync"
)

// Outcome is the result of an attempt to use a guard.
type Outcome int

const (
	// Indeterminate means the attempt neither proved nor disproved the
	// guard, e.g. a later hop failed.
	Indeterminate Outcome = iota
	Success
	Failure
	// Abandoned means the attempt was given up before it said anything
	// about the guard. It is never held against the guard.
	Abandoned
)

func (o Outcome) String() string {
	switch o {
	case Indeterminate:
		return "indeterminate"
	case Success:
		return "success"
	case Failure:
		return "failure"
	case Abandoned:
		return "abandoned"
	}
	return "unknown"
}

// Monitor reports the outcome of one circuit attempt through a guard. Only
// the first report counts.
type Monitor struct {
	mu                  sync.Mutex
	pending             Outcome
	ignoreIndeterminate bool
	reported            bool
	report              func(Outcome)
}

// NewMonitor returns a Monitor that passes the outcome to report. GuardMgr
// implementations use it to learn how their guards fared.
func NewMonitor(report func(Outcome)) *Monitor {
	return &Monitor{pending: Indeterminate, report: report}
}

// IgnoreIndeterminateStatus makes an indeterminate outcome count as
// abandoned. It is set when the rest of the path was not chosen freely, so
// failures there must not be blamed on the guard.
func (m *Monitor) IgnoreIndeterminateStatus() {
	m.mu.Lock()
	m.ignoreIndeterminate = true
	m.mu.Unlock()
}

// Succeeded reports that the circuit was built through the guard.
func (m *Monitor) Succeeded() { m.Report(Success) }

// Failed reports that the guard could not be used.
func (m *Monitor) Failed() { m.Report(Failure) }

// Attempted reports that the attempt was abandoned.
func (m *Monitor) Attempted() { m.Report(Abandoned) }

// Pending records the outcome Commit will report, so that a later step can
// finish the attempt without knowing how far it got.
func (m *Monitor) Pending(o Outcome) {
	m.mu.Lock()
	m.pending = o
	m.mu.Unlock()
}

// Commit reports the pending outcome.
func (m *Monitor) Commit() {
	m.mu.Lock()
	o := m.pending
	m.mu.Unlock()
	m.Report(o)
}

// Report sends o to the guard manager unless an outcome was already sent.
func (m *Monitor) Report(o Outcome) {
	m.mu.Lock()
	if m.reported {
		m.mu.Unlock()
		return
	}
	m.reported = true
	if o == Indeterminate && m.ignoreIndeterminate {
		o = Abandoned
	}
	report := m.report
	m.mu.Unlock()
	if report != nil {
		report(o)
	}
}

// Usable resolves once the guard's usability is known.
type Usable struct {
	once sync.Once
	ch   chan struct{}
	ok   bool
}

// NewUsable returns an unresolved Usable.
func NewUsable() *Usable {
	return &Usable{ch: make(chan struct{})}
}

// Resolve sets the result. Only the first call has any effect.
func (u *Usable) Resolve(ok bool) {
	u.once.Do(func() {
		u.ok = ok
		close(u.ch)
	})
}

// C is closed when the result is available.
func (u *Usable) C() <-chan struct{} {
	return u.ch
}

// Wait blocks until the guard is known usable or unusable, or ctx ends.
func (u *Usable) Wait(ctx context.Context) (bool, error) {
	select {
	case <-u.ch:
		return u.ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
