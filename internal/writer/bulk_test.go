package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/ais"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/logging"
	"github.com/withObsrvr/obsrvr-ais-cleaner/internal/vesselstore"
)

// mockInserter returns scripted errors, then rejects the configured indexes.
type mockInserter struct {
	mu       sync.Mutex
	errs     []error
	reject   map[int]bool
	calls    int
	received int
}

func (m *mockInserter) InsertMany(ctx context.Context, coll vesselstore.Collection, records []ais.Record) (vesselstore.InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return vesselstore.InsertResult{}, err
		}
	}

	var res vesselstore.InsertResult
	for i := range records {
		if m.reject[i] {
			res.Rejected = append(res.Rejected, vesselstore.Rejection{Index: i, Reason: "duplicate"})
			continue
		}
		res.Inserted++
	}
	m.received += res.Inserted
	return res, nil
}

func batchOf(n int) []ais.Record {
	out := make([]ais.Record, n)
	for i := range out {
		out[i] = ais.Record{ais.FieldMMSI: int64(123456789), "seq": i}
	}
	return out
}

func newTestWriter(policy RetryPolicy) (*BulkWriter, *[]time.Duration) {
	w := New(Options{
		Collection: vesselstore.Clean,
		Retry:      policy,
		Logger:     logging.Discard(),
	})
	var delays []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return w, &delays
}

func TestWrite_PartialRejection(t *testing.T) {
	w, _ := newTestWriter(DefaultRetryPolicy())
	dst := &mockInserter{reject: map[int]bool{2: true, 7: true}}

	res := w.Write(context.Background(), dst, batchOf(10))

	if res.Failed {
		t.Fatalf("partial rejection should not fail: %v", res.Err)
	}
	if res.Written != 8 {
		t.Errorf("Written = %d, want 8", res.Written)
	}
	if res.Rejected != 2 {
		t.Errorf("Rejected = %d, want 2", res.Rejected)
	}
	if dst.calls != 1 {
		t.Errorf("calls = %d, want 1 (rejections are not retried)", dst.calls)
	}
}

func TestWrite_RetryThenSuccess(t *testing.T) {
	w, delays := newTestWriter(RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Second})
	transient := vesselstore.Transient("copy", errors.New("connection reset"))
	dst := &mockInserter{errs: []error{transient, transient}}

	res := w.Write(context.Background(), dst, batchOf(4))

	if res.Failed || res.Written != 4 {
		t.Fatalf("Result = %+v, want 4 written", res)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
	want := []time.Duration{10 * time.Second, 20 * time.Second}
	if fmt.Sprint(*delays) != fmt.Sprint(want) {
		t.Errorf("delays = %v, want %v", *delays, want)
	}
}

func TestWrite_RetriesExhausted(t *testing.T) {
	w, delays := newTestWriter(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second})
	transient := vesselstore.Transient("copy", errors.New("timeout"))
	dst := &mockInserter{errs: []error{transient, transient, transient, transient}}

	res := w.Write(context.Background(), dst, batchOf(20))

	if !res.Failed {
		t.Fatal("expected failure after exhausting retries")
	}
	if res.Written != 0 {
		t.Errorf("Written = %d, want 0", res.Written)
	}
	if dst.calls != 3 {
		t.Errorf("calls = %d, want 3", dst.calls)
	}
	if len(*delays) != 2 {
		t.Errorf("slept %d times, want 2", len(*delays))
	}
	if !errors.Is(res.Err, transient) {
		t.Errorf("Err = %v, want last transient error", res.Err)
	}
}

func TestWrite_PermanentErrorNotRetried(t *testing.T) {
	w, delays := newTestWriter(DefaultRetryPolicy())
	dst := &mockInserter{errs: []error{vesselstore.Permanent("copy", errors.New("relation does not exist"))}}

	res := w.Write(context.Background(), dst, batchOf(3))

	if !res.Failed || dst.calls != 1 || len(*delays) != 0 {
		t.Errorf("Result = %+v calls = %d delays = %v", res, dst.calls, *delays)
	}
}

func TestWrite_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(Options{
		Collection: vesselstore.Raw,
		Retry:      RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour},
		Logger:     logging.Discard(),
	})
	dst := &mockInserter{errs: []error{vesselstore.Transient("copy", errors.New("busy"))}}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan Result, 1)
	go func() { done <- w.Write(ctx, dst, batchOf(2)) }()

	select {
	case res := <-done:
		if !res.Failed || !errors.Is(res.Err, context.Canceled) {
			t.Errorf("Result = %+v, want cancelled failure", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Write did not return after cancellation")
	}
}

func TestWrite_EmptyBatch(t *testing.T) {
	w, _ := newTestWriter(DefaultRetryPolicy())
	dst := &mockInserter{}

	res := w.Write(context.Background(), dst, nil)
	if res.Failed || res.Written != 0 || dst.calls != 0 {
		t.Errorf("empty batch: Result = %+v calls = %d", res, dst.calls)
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
	for attempt, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		if got := p.Delay(attempt); got != want {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestSample(t *testing.T) {
	w, _ := newTestWriter(DefaultRetryPolicy())
	if n := len(w.sample(batchOf(3))); n != 3 {
		t.Errorf("sample of 3 = %d", n)
	}
	if n := len(w.sample(batchOf(100))); n != 5 {
		t.Errorf("sample of 100 = %d, want 5", n)
	}
}
