package loop

// Waiter is a counting barrier: it waits for n things to be done and then
// runs a completion callback on the loop goroutine. Done may be called from
// any goroutine; the decrement itself is submitted to the loop so the count
// and the completion callback stay inside the serialized callback context.
type Waiter struct {
	loop      *Loop
	remaining int
	ready     func()
}

// NewWaiter creates a barrier that runs ready on the loop after n calls to
// Done. With n <= 0 the callback is scheduled immediately.
func (l *Loop) NewWaiter(n int, ready func()) *Waiter {
	w := &Waiter{loop: l, remaining: n, ready: ready}
	if n <= 0 {
		l.Submit(ready)
	}
	return w
}

// Done records one completion. The last Done triggers the ready callback.
func (w *Waiter) Done() {
	w.loop.Submit(func() {
		w.remaining--
		if w.remaining == 0 {
			w.ready()
		}
	})
}
