package session

import "context"

// writeSerializer is a binary semaphore guaranteeing that each reply
// (header, optional payload, optional iso descriptor array) is written to
// the stream atomically with respect to every other reply. Go's channel
// runtime services blocked senders/receivers in the order they blocked, so
// a single-slot channel gives FIFO-fair acquisition for free.
type writeSerializer struct {
	slot chan struct{}
}

func newWriteSerializer() *writeSerializer {
	w := &writeSerializer{slot: make(chan struct{}, 1)}
	w.slot <- struct{}{}
	return w
}

// acquire blocks until the serializer is free or ctx is cancelled.
func (w *writeSerializer) acquire(ctx context.Context) error {
	select {
	case <-w.slot:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release must run on every exit path of the critical section acquire
// guards, including error paths.
func (w *writeSerializer) release() {
	w.slot <- struct{}{}
}
