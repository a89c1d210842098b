package delivery

import "sync"

// actor serializes sends to one peer. Delivery order across peers is
// independent; within a peer a send runs to its terminal status before the
// next one starts.
type actor struct {
	peerID string
	queue  chan *sendJob
	once   sync.Once
	done   chan struct{}
}

func newActor(peerID string) *actor {
	return &actor{
		peerID: peerID,
		queue:  make(chan *sendJob, actorQueueSize),
		done:   make(chan struct{}),
	}
}

func (a *actor) enqueue(job *sendJob) bool {
	select {
	case <-a.done:
		return false
	default:
	}
	select {
	case a.queue <- job:
		return true
	case <-a.done:
		return false
	}
}

func (a *actor) run(d *Layer) {
	for {
		select {
		case <-a.done:
			return
		case job := <-a.queue:
			d.process(job)
		}
	}
}

func (a *actor) stop() {
	a.once.Do(func() { close(a.done) })
}
