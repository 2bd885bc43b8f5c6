package syncer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/kvstore"
	"github.com/hydrosense/gateway/internal/queue"
	"github.com/hydrosense/gateway/internal/readings"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// scriptedSender fails the readings whose TDS is listed in failTDS.
type scriptedSender struct {
	mu      sync.Mutex
	failTDS map[float64]bool
	sent    []float64
	started chan struct{}
	block   chan struct{}
}

func (s *scriptedSender) Transmit(ctx context.Context, r *readings.Reading) error {
	if s.block != nil {
		s.started <- struct{}{}
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failTDS[*r.TDS] {
		return errors.New("HTTP 500")
	}
	s.sent = append(s.sent, *r.TDS)
	return nil
}

func fill(t *testing.T, q *queue.Store, tds ...float64) []readings.Reading {
	t.Helper()
	var out []readings.Reading
	for i, v := range tds {
		r, err := q.Enqueue(readings.Reading{
			TDS:       readings.Float(v),
			Timestamp: time.Date(2024, 5, 1, 12, i, 0, 0, time.UTC),
			SensorID:  readings.DefaultSensorID,
		})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, r)
	}
	return out
}

func TestFlushPartial(t *testing.T) {
	kv := kvstore.NewMemKV()
	q := queue.Open(kv, nil, testLogger())
	entries := fill(t, q, 1000, 2000, 3000)

	sender := &scriptedSender{failTDS: map[float64]bool{2000: true}}
	f := NewFlusher(q, sender, testLogger())

	res, err := f.Flush(context.Background())
	if err != nil {
		t.Fatalf("partial flush should not error: %v", err)
	}
	if res.Outcome != OutcomePartial || res.Sent != 2 || res.Remaining != 1 {
		t.Fatalf("result = %+v, want partial 2 sent / 1 remaining", res)
	}

	// The persisted queue holds exactly the failed entry.
	left := queue.Open(kv, nil, testLogger()).PeekAll()
	if len(left) != 1 || left[0].ID != entries[1].ID {
		t.Fatalf("persisted queue = %+v, want only the second entry", left)
	}
	if len(sender.sent) != 2 || sender.sent[0] != 1000 || sender.sent[1] != 3000 {
		t.Errorf("sent order = %v", sender.sent)
	}
}

func TestFlushOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		tds         []float64
		fail        map[float64]bool
		wantOutcome Outcome
		wantErr     bool
		wantLeft    int
	}{
		{"empty queue", nil, nil, OutcomeEmpty, false, 0},
		{"all sent", []float64{1, 2}, nil, OutcomeComplete, false, 0},
		{"all failed", []float64{1, 2}, map[float64]bool{1: true, 2: true}, OutcomeFailed, true, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := queue.Open(kvstore.NewMemKV(), nil, testLogger())
			fill(t, q, tt.tds...)
			f := NewFlusher(q, &scriptedSender{failTDS: tt.fail}, testLogger())

			res, err := f.Flush(context.Background())
			if res.Outcome != tt.wantOutcome {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.wantOutcome)
			}
			var fe *FlushError
			if tt.wantErr != errors.As(err, &fe) {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if fe != nil && fe.Pending != tt.wantLeft {
				t.Errorf("pending = %d, want %d", fe.Pending, tt.wantLeft)
			}
			if q.Len() != tt.wantLeft {
				t.Errorf("left = %d, want %d", q.Len(), tt.wantLeft)
			}
		})
	}
}

// memQueue lets a test plant entries the real store would refuse.
type memQueue struct {
	items []readings.Reading
}

func (m *memQueue) PeekAll() []readings.Reading { return append([]readings.Reading(nil), m.items...) }

func (m *memQueue) Drain(ids ...string) error {
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	var keep []readings.Reading
	for _, r := range m.items {
		if !drop[r.ID] {
			keep = append(keep, r)
		}
	}
	m.items = keep
	return nil
}

func TestFlushSkipsMeaningless(t *testing.T) {
	q := &memQueue{items: []readings.Reading{
		{ID: "a", SensorID: "x"},
		{ID: "b", TDS: readings.Float(10)},
	}}
	f := NewFlusher(q, &scriptedSender{failTDS: map[float64]bool{10: true}}, testLogger())

	res, err := f.Flush(context.Background())
	if res.Skipped != 1 || res.Sent != 0 || res.Outcome != OutcomeFailed {
		t.Errorf("result = %+v", res)
	}
	if err == nil {
		t.Error("expected FlushError when nothing was sent")
	}
	if len(q.items) != 1 || q.items[0].ID != "b" {
		t.Errorf("queue = %+v, want only b", q.items)
	}
}

func TestFlushKeepsConcurrentEnqueue(t *testing.T) {
	q := queue.Open(kvstore.NewMemKV(), nil, testLogger())
	fill(t, q, 1)

	sender := &scriptedSender{started: make(chan struct{}), block: make(chan struct{})}
	f := NewFlusher(q, sender, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Flush(context.Background())
	}()

	// Wait for the flush to be sending, then enqueue behind its back.
	<-sender.started
	late := fill(t, q, 2)
	if _, err := f.Flush(context.Background()); !errors.Is(err, ErrFlushInProgress) {
		t.Errorf("overlapping flush err = %v, want ErrFlushInProgress", err)
	}
	close(sender.block)
	<-done

	left := q.PeekAll()
	if len(left) != 1 || left[0].ID != late[0].ID {
		t.Fatalf("queue = %+v, want only the late entry", left)
	}
}
