// Package syncer pushes the pending queue to the ingestion service.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/readings"
)

// Outcome of one flush.
type Outcome int

const (
	OutcomeEmpty    Outcome = iota // nothing was queued
	OutcomeComplete                // every entry sent or skipped
	OutcomePartial                 // some sent, some still pending
	OutcomeFailed                  // nothing sent, something pending
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeComplete:
		return "complete"
	case OutcomePartial:
		return "partial"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrFlushInProgress is returned when a flush is requested while another one
// is still running.
var ErrFlushInProgress = errors.New("flush already in progress")

// FlushError reports a flush in which nothing could be delivered.
type FlushError struct {
	Pending int
	Err     error // last delivery error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush failed, %d reading(s) still pending: %v", e.Pending, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// Result summarizes one flush.
type Result struct {
	Outcome   Outcome
	Sent      int
	Skipped   int
	Remaining int
	LastError error
}

// Queue is the part of the queue store a Flusher needs.
type Queue interface {
	PeekAll() []readings.Reading
	Drain(ids ...string) error
}

// Sender delivers one reading.
type Sender interface {
	Transmit(ctx context.Context, r *readings.Reading) error
}

// Flusher delivers queued readings in order and drains the delivered ones.
type Flusher struct {
	queue    Queue
	sender   Sender
	logger   *logrus.Logger
	inFlight atomic.Bool
}

// NewFlusher creates a Flusher.
func NewFlusher(q Queue, s Sender, logger *logrus.Logger) *Flusher {
	return &Flusher{queue: q, sender: s, logger: logger}
}

// InFlight reports whether a flush is currently running.
func (f *Flusher) InFlight() bool { return f.inFlight.Load() }

// Flush attempts every queued entry once. Entries without a measurement are
// dropped, delivered entries are drained and failed ones stay queued in their
// original order. When nothing could be delivered a *FlushError is returned;
// entries sent before that point are still drained.
func (f *Flusher) Flush(ctx context.Context) (Result, error) {
	if !f.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrFlushInProgress
	}
	defer f.inFlight.Store(false)

	entries := f.queue.PeekAll()
	if len(entries) == 0 {
		return Result{Outcome: OutcomeEmpty}, nil
	}

	var (
		res  Result
		done []string
	)
	for i := range entries {
		e := &entries[i]

		if err := ctx.Err(); err != nil {
			res.Remaining += len(entries) - i
			res.LastError = err
			break
		}
		if !e.Meaningful() {
			res.Skipped++
			done = append(done, e.ID)
			f.logger.WithField("id", e.ID).Warn("Dropping queued reading without measurements")
			continue
		}
		if err := f.sender.Transmit(ctx, e); err != nil {
			res.Remaining++
			res.LastError = err
			f.logger.WithFields(logrus.Fields{
				"id":        e.ID,
				"sensor_id": e.SensorID,
			}).WithError(err).Debug("Queued reading not delivered")
			continue
		}
		res.Sent++
		done = append(done, e.ID)
	}

	if err := f.queue.Drain(done...); err != nil {
		// The store keeps the drained state in memory and rewrites it on the
		// next mutation.
		f.logger.WithError(err).Warn("Failed to persist queue after flush")
	}

	switch {
	case res.Remaining == 0:
		res.Outcome = OutcomeComplete
	case res.Sent > 0:
		res.Outcome = OutcomePartial
	default:
		res.Outcome = OutcomeFailed
	}

	f.logger.WithFields(logrus.Fields{
		"outcome":   res.Outcome.String(),
		"sent":      res.Sent,
		"skipped":   res.Skipped,
		"remaining": res.Remaining,
	}).Info("Queue flush finished")

	if res.Outcome == OutcomeFailed {
		return res, &FlushError{Pending: res.Remaining, Err: res.LastError}
	}
	return res, nil
}
