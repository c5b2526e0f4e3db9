package session

import "sync"

// Lock allows a single holder at a time. It never waits, a second TryAcquire fails immediately
// and reports the current holder.
type Lock struct {
	mu     sync.Mutex
	held   bool
	holder string
}

// TryAcquire takes the lock for jobID if it is free. Otherwise returns false and the job holding it.
func (l *Lock) TryAcquire(jobID string) (ok bool, holder string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, l.holder
	}
	l.held, l.holder = true, jobID
	return true, jobID
}

// Release frees the lock. Safe to call multiple times
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held, l.holder = false, ""
}

// Holder returns the job holding the lock, if any
func (l *Lock) Holder() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.held
}
