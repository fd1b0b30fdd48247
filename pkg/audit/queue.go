package audit

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Sink is where queue workers deliver records. Writer satisfies it.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// DeadLetter receives records whose retries are exhausted.
type DeadLetter interface {
	Reject(ctx context.Context, rec Record, cause error)
}

// Queue is the bounded handoff between request handlers and the audit
// store. Enqueue never blocks: when the buffer is full the record is
// dropped and counted, because hot-path availability outranks audit
// completeness.
type Queue struct {
	Sink        Sink
	Dead        DeadLetter
	Workers     int
	MaxAttempts int
	BaseBackoff time.Duration
	// OnDrop is invoked for every record dropped on a full buffer.
	OnDrop func()

	ch      chan Record
	dropped atomic.Int64
	wg      sync.WaitGroup
	once    sync.Once

	// mu orders Enqueue sends against Close; sending on a closed
	// channel panics, so the closed check and the send must be one
	// critical section.
	mu     sync.RWMutex
	closed bool
}

func NewQueue(sink Sink, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		Sink:        sink,
		Workers:     4,
		MaxAttempts: 5,
		BaseBackoff: 100 * time.Millisecond,
		ch:          make(chan Record, capacity),
	}
}

// Enqueue hands a record to the background workers. It returns false
// when the record was dropped.
func (q *Queue) Enqueue(rec Record) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop()
		return false
	}
	select {
	case q.ch <- rec:
		return true
	default:
		q.drop()
		return false
	}
}

func (q *Queue) drop() {
	q.dropped.Add(1)
	if q.OnDrop != nil {
		q.OnDrop()
	}
}

// Dropped reports the total number of records lost to backpressure.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Start launches the worker pool. Workers run until Close.
func (q *Queue) Start(ctx context.Context) {
	q.once.Do(func() {
		n := q.Workers
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			q.wg.Add(1)
			go q.worker(ctx)
		}
	})
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for rec := range q.ch {
		q.persist(ctx, rec)
	}
}

func (q *Queue) persist(ctx context.Context, rec Record) {
	attempts := q.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := q.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := q.Sink.Append(ctx, rec)
		if err == nil {
			return
		}
		lastErr = err
		if attempt < attempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				attempt = attempts
			}
			backoff *= 2
		}
	}
	if q.Dead != nil {
		q.Dead.Reject(ctx, rec, lastErr)
		return
	}
	log.Printf("component=audit event=record_lost record_id=%s err=%v", rec.RecordID, lastErr)
}

// Close stops intake and drains buffered records for up to grace,
// then discards the rest.
func (q *Queue) Close(grace time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		log.Printf("component=audit event=drain_timeout dropped=%d", len(q.ch))
	}
}
