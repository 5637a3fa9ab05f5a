package workers

import "context"

// Handle tracks a submitted task
type Handle struct {
	ID   string
	done chan struct{}
	err  error
}

func newHandle(id string) *Handle {
	return &Handle{ID: id, done: make(chan struct{})}
}

// Done is closed when the task has finished
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the task's error once Done is closed
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(err error) {
	h.err = err
	close(h.done)
}
