package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type memorySink struct {
	mu      sync.Mutex
	records map[string]Record
	appends int
	fail    int // fail the first N appends
}

func newMemorySink() *memorySink {
	return &memorySink{records: map[string]Record{}}
}

func (s *memorySink) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.fail > 0 {
		s.fail--
		return errors.New("store unavailable")
	}
	// Idempotent on record id, like the real writer.
	if _, ok := s.records[rec.RecordID]; !ok {
		s.records[rec.RecordID] = rec
	}
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testRecord() Record {
	return Record{
		RecordID:  uuid.NewString(),
		UserID:    "u1",
		ProjectID: "auc-1",
		Model:     "gpt-4o",
		CreatedAt: time.Now().UTC(),
	}
}

func TestQueueDeliversRecords(t *testing.T) {
	sink := newMemorySink()
	q := NewQueue(sink, 16)
	q.Start(context.Background())
	for i := 0; i < 10; i++ {
		if !q.Enqueue(testRecord()) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	q.Close(2 * time.Second)
	if got := sink.count(); got != 10 {
		t.Fatalf("expected 10 persisted records, got %d", got)
	}
}

func TestQueueNeverBlocksWhenFull(t *testing.T) {
	sink := newMemorySink()
	q := NewQueue(sink, 2)
	// Workers deliberately not started: the buffer fills immediately.
	drops := 0
	q.OnDrop = func() { drops++ }

	accepted := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if q.Enqueue(testRecord()) {
				accepted++
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked the producer")
	}
	if accepted != 2 {
		t.Fatalf("expected 2 accepted, got %d", accepted)
	}
	if drops != 8 || q.Dropped() != 8 {
		t.Fatalf("expected 8 drops, got cb=%d counter=%d", drops, q.Dropped())
	}
}

func TestQueueRetriesTransientFailures(t *testing.T) {
	sink := newMemorySink()
	sink.fail = 2
	q := NewQueue(sink, 4)
	q.BaseBackoff = time.Millisecond
	q.Start(context.Background())
	q.Enqueue(testRecord())
	q.Close(2 * time.Second)
	if got := sink.count(); got != 1 {
		t.Fatalf("record must persist after retries, got %d", got)
	}
	if sink.appends != 3 {
		t.Fatalf("expected 3 attempts, got %d", sink.appends)
	}
}

type captureDeadLetter struct {
	mu   sync.Mutex
	recs []Record
}

func (d *captureDeadLetter) Reject(ctx context.Context, rec Record, cause error) {
	d.mu.Lock()
	d.recs = append(d.recs, rec)
	d.mu.Unlock()
}

func TestQueueExhaustedRecordsGoToDeadLetter(t *testing.T) {
	sink := newMemorySink()
	sink.fail = 100
	dead := &captureDeadLetter{}
	q := NewQueue(sink, 4)
	q.MaxAttempts = 3
	q.BaseBackoff = time.Millisecond
	q.Dead = dead
	q.Start(context.Background())
	rec := testRecord()
	q.Enqueue(rec)
	q.Close(2 * time.Second)

	dead.mu.Lock()
	defer dead.mu.Unlock()
	if len(dead.recs) != 1 || dead.recs[0].RecordID != rec.RecordID {
		t.Fatalf("expected dead-lettered record, got %+v", dead.recs)
	}
	if sink.appends != 3 {
		t.Fatalf("expected bounded attempts, got %d", sink.appends)
	}
}

func TestQueueEnqueueAfterCloseDrops(t *testing.T) {
	q := NewQueue(newMemorySink(), 4)
	q.Start(context.Background())
	q.Close(time.Second)
	if q.Enqueue(testRecord()) {
		t.Fatal("enqueue after close must report a drop")
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected drop counter 1, got %d", q.Dropped())
	}
}

func TestQueueShutdownDuringEnqueueBurst(t *testing.T) {
	q := NewQueue(newMemorySink(), 8)
	q.Start(context.Background())
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				q.Enqueue(testRecord())
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		q.Close(time.Second)
	}()
	// Producers and shutdown race; a send on the closed channel would
	// panic here.
	close(start)
	wg.Wait()
	if q.Enqueue(testRecord()) {
		t.Fatal("queue must stay closed after shutdown")
	}
}

func TestHashSubjectIsSaltedAndStable(t *testing.T) {
	a := HashSubject("user-1", []byte("salt"))
	b := HashSubject("user-1", []byte("salt"))
	c := HashSubject("user-1", []byte("other"))
	if a != b {
		t.Fatal("hash must be deterministic")
	}
	if a == c {
		t.Fatal("salt must change the hash")
	}
	if a == "user-1" || len(a) != 64 {
		t.Fatalf("unexpected hash %q", a)
	}
}
