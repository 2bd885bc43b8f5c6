package bus

import (
	"testing"
	"time"

	"github.com/hydrosense/gateway/internal/readings"
)

func reading(tds float64) readings.Reading {
	return readings.Reading{
		TDS:       readings.Float(tds),
		SensorID:  readings.DefaultSensorID,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFanOut(t *testing.T) {
	b := New()
	a := b.Subscribe(2)
	c := b.Subscribe(2)

	if skipped := b.Publish(reading(1200)); skipped != 0 {
		t.Fatalf("skipped = %d", skipped)
	}
	for _, ch := range []<-chan readings.Reading{a, c} {
		got := <-ch
		if *got.TDS != 1200 {
			t.Errorf("got TDS %v", *got.TDS)
		}
	}
}

func TestSubscribersGetCopies(t *testing.T) {
	b := New()
	a := b.Subscribe(1)
	c := b.Subscribe(1)
	b.Publish(reading(900))

	ra := <-a
	*ra.TDS = 5000
	if rc := <-c; *rc.TDS != 900 {
		t.Errorf("mutation leaked between subscribers: %v", *rc.TDS)
	}
}

func TestFullSubscriberIsSkipped(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(4)

	b.Publish(reading(1))
	if skipped := b.Publish(reading(2)); skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}
	if got := <-slow; *got.TDS != 1 {
		t.Errorf("slow got %v", *got.TDS)
	}
	if len(fast) != 2 {
		t.Errorf("fast buffered %d, want 2", len(fast))
	}
}

func TestUnsubscribeAndClose(t *testing.T) {
	b := New()
	a := b.Subscribe(1)
	c := b.Subscribe(1)

	b.Unsubscribe(a)
	if _, ok := <-a; ok {
		t.Error("unsubscribed channel still open")
	}

	b.Close()
	if _, ok := <-c; ok {
		t.Error("channel open after Close")
	}
	b.Publish(reading(1))
	if _, ok := <-b.Subscribe(1); ok {
		t.Error("subscribe after Close should return a closed channel")
	}
}
