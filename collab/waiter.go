package collab

import "sync"

// Notification is the state snapshot delivered to every waiter released by
// the same change.
type Notification struct {
	Version   int
	UserCount int
	// Closed is set when the instance was stopped rather than changed.
	Closed bool
}

// Waiter is a pending long-poll registration on an instance.
type Waiter struct {
	ClientID string

	inst *Instance
	done chan struct{}
	once sync.Once
	note Notification
}

// Done is closed when the waiter is released. It is never closed for a
// cancelled waiter.
func (w *Waiter) Done() <-chan struct{} { return w.done }

// Notification returns the snapshot the waiter was released with. Only valid
// after Done is closed.
func (w *Waiter) Notification() Notification { return w.note }

// Cancel removes the waiter from its instance. Safe to call more than once
// and after release.
func (w *Waiter) Cancel() {
	w.inst.mu.Lock()
	w.inst.removeWaiterLocked(w)
	w.inst.mu.Unlock()
}

func (w *Waiter) release(n Notification) {
	w.once.Do(func() {
		w.note = n
		close(w.done)
	})
}
