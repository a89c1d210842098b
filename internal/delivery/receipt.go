package delivery

import (
	"context"
	"sync"
)

type sendJob struct {
	id         string
	peerID     string
	msgType    string
	payload    []byte
	opts       SendOptions
	receipt    *Receipt
	ack        chan struct{}
	ackOnce    sync.Once
	cancel     chan struct{}
	cancelOnce sync.Once
}

// Receipt tracks one send to its terminal status.
type Receipt struct {
	id     string
	peerID string

	mu     sync.Mutex
	status Status
	err    error
	done   chan struct{}
}

func newReceipt(peerID string) *Receipt {
	return &Receipt{
		peerID: peerID,
		status: StatusPending,
		done:   make(chan struct{}),
	}
}

func (r *Receipt) ID() string { return r.id }

// Done closes when the send reaches Delivered, Sent (no ack requested) or
// Failed.
func (r *Receipt) Done() <-chan struct{} { return r.done }

func (r *Receipt) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Receipt) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the send completes or the context ends.
func (r *Receipt) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receipt) set(s Status, err error) {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return
	default:
	}
	r.status = s
	r.err = err
	r.mu.Unlock()
}

func (r *Receipt) complete(s Status, err error) {
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return
	default:
	}
	r.status = s
	r.err = err
	close(r.done)
	r.mu.Unlock()
}
