package stream

import "sync"

// Finisher converges every terminal event of a response (upstream end,
// upstream close, translator end, client close) onto a single completion
// action. Do runs its function at most once across all callers, so the
// trailing [DONE] frame is written exactly once.
type Finisher struct {
	mu   sync.Mutex
	done bool
}

// NewFinisher returns a Finisher with no terminal action recorded yet.
func NewFinisher() *Finisher { return &Finisher{} }

// Do runs fn if no terminal action has run yet. Returns true when fn ran.
func (f *Finisher) Do(fn func()) bool {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return false
	}
	f.done = true
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

// Done reports whether the finish action already ran.
func (f *Finisher) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}
