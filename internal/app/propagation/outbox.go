package propagation

import (
	"context"
	"sync"

	"github.com/coachpo/waitroom/internal/domain/queue"
)

type jobKind int

const (
	jobState jobKind = iota
	jobPromotion
	jobAdmission
)

type job struct {
	kind      jobKind
	state     queue.State
	promotion queue.Promotion
	admission queue.Admission
}

// outbox is a FIFO of pending jobs. At the limit the oldest pending state
// snapshot is dropped, since only the newest state matters. Promotions and
// admissions are never dropped; without a snapshot to coalesce the outbox
// grows past the limit instead.
type outbox struct {
	mu     sync.Mutex
	jobs   []job
	limit  int
	signal chan struct{}
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = defaultBufferSize
	}
	return &outbox{
		mu:     sync.Mutex{},
		jobs:   make([]job, 0, limit),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// push appends j and reports whether an older snapshot was discarded to make room.
func (o *outbox) push(j job) (dropped bool) {
	o.mu.Lock()
	if len(o.jobs) >= o.limit {
		for i := range o.jobs {
			if o.jobs[i].kind == jobState {
				o.jobs = append(o.jobs[:i], o.jobs[i+1:]...)
				dropped = true
				break
			}
		}
	}
	o.jobs = append(o.jobs, j)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
	return dropped
}

// pop waits for the next job until ctx ends.
func (o *outbox) pop(ctx context.Context) (job, bool) {
	for {
		o.mu.Lock()
		if len(o.jobs) > 0 {
			next := o.jobs[0]
			o.jobs[0] = job{}
			o.jobs = o.jobs[1:]
			o.mu.Unlock()
			return next, true
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return job{}, false
		case <-o.signal:
		}
	}
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs)
}
