package dstore_client

import (
	"errors"
	"sync"
)

var ErrAlreadyStarted = errors.New("already started")

type (
	// worker tracks the lifecycle of one long-lived goroutine. A worker can
	// be started again after it has stopped.
	worker struct {
		mu       sync.Mutex
		running  bool
		stopping bool
		exit     chan struct{}
		done     chan struct{}
	}
)

func (w *worker) start(loop func(exit <-chan struct{})) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyStarted
	}

	w.running = true
	w.stopping = false
	w.exit = make(chan struct{})
	w.done = make(chan struct{})

	exit := w.exit
	done := w.done
	go func() {
		defer close(done)
		loop(exit)
	}()
	return nil
}

// requests the loop to end; returns false if the worker isn't running or
// a stop was already requested
func (w *worker) requestStop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running || w.stopping {
		return false
	}
	w.stopping = true
	close(w.exit)
	return true
}

func (w *worker) wait() {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done != nil {
		<-done
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

func (w *worker) stop() {
	w.requestStop()
	w.wait()
}

func (w *worker) isStopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopping
}

// returns a channel that is closed when the goroutine ends
func (w *worker) finished() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return w.done
}
