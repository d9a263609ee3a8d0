package upstream

import (
	"context"
	"sync"
)

// Loop runs every provider socket operation and callback on one goroutine.
// Blocking dials and reads happen elsewhere and hand their results to the
// loop, so connection state is only ever touched from here.
type Loop struct {
	tasks    chan func()
	stopped  chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

func NewLoop(backlog int) *Loop {
	l := &Loop{
		tasks:    make(chan func(), backlog),
		stopped:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.finished)
	for {
		select {
		case <-l.stopped:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post schedules fn and returns immediately. It reports false once the loop
// has been stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}

	select {
	case l.tasks <- fn:
		return true
	case <-l.stopped:
		return false
	}
}

// Do runs fn on the loop and waits for it.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		fn()
		close(done)
	}) {
		return ErrLoopStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrLoopStopped
	}
}

// Stop ends the loop after the task in progress. Pending tasks are dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopped) })
	<-l.finished
}
