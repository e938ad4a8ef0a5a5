package sink

import (
	"sync"
	"sync/atomic"
	"time"
)

type job struct {
	pending  *Pending
	enqueued time.Time
	gate     *gate // set when the job sits on two lanes
}

// gate holds a statement queued on two lanes until both lanes reach it. The
// second lane to arrive runs it; the first one waits for done.
type gate struct {
	arrived int32
	done    chan struct{}
}

func newGate() *gate {
	return &gate{done: make(chan struct{})}
}

// arrive reports whether the caller is the last lane to reach the gate
func (g *gate) arrive() bool {
	return atomic.AddInt32(&g.arrived, 1) == 2
}

// lane is an unbounded FIFO drained by exactly one worker. Statements with
// the same ordering key always land on the same lane, so they complete in
// submission order. push never blocks the submitter.
type lane struct {
	mu     sync.Mutex
	queue  []*job
	wake   chan struct{}
	closed bool
}

func newLane() *lane {
	return &lane{wake: make(chan struct{}, 1)}
}

func (l *lane) push(j *job) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, j)
	l.mu.Unlock()

	l.signal()
	return true
}

// close stops accepting work. Queued jobs are still handed out by next.
func (l *lane) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.signal()
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next blocks until a job is available. It returns false once the lane is
// closed and empty, or when stop fires. After stop, queued jobs are left for
// drain.
func (l *lane) next(stop <-chan struct{}) (*job, bool) {
	for {
		select {
		case <-stop:
			return nil, false
		default:
		}

		l.mu.Lock()
		if len(l.queue) > 0 {
			j := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return j, true
		}
		closed := l.closed
		l.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-l.wake:
		case <-stop:
			return nil, false
		}
	}
}

// drain removes and returns everything still queued
func (l *lane) drain() []*job {
	l.mu.Lock()
	defer l.mu.Unlock()

	jobs := l.queue
	l.queue = nil
	return jobs
}

func (l *lane) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
