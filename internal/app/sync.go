package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hydrosense/gateway/internal/device"
	"github.com/hydrosense/gateway/internal/queue"
	"github.com/hydrosense/gateway/internal/readings"
	"github.com/hydrosense/gateway/internal/syncer"
)

// SyncReport describes one read, enqueue and flush cycle.
type SyncReport struct {
	Reading readings.Reading `json:"reading"`
	Queued  bool             `json:"queued"`
	Flushed bool             `json:"flushed"`
	Flush   *FlushReport     `json:"flush,omitempty"`
	Status  string           `json:"status"`
}

// SyncNow reads the device, queues the reading and flushes the queue. A device
// error aborts the cycle and is returned. A flush failure is not an error:
// the reading stays queued and the report says so.
func (a *App) SyncNow(ctx context.Context) (SyncReport, error) {
	var rep SyncReport

	r, err := a.readDevice(ctx)
	if err != nil {
		return rep, err
	}
	stored, qerr := a.accept(*r, "sync")
	rep.Reading = stored
	rep.Queued = !errors.Is(qerr, queue.ErrNotMeaningful)

	if a.monitor != nil && !a.monitor.Online() {
		rep.Status = a.setStatus("Offline: reading stored locally (%d pending)", a.queue.Len())
		return rep, nil
	}

	res, ferr := a.Flush(ctx)
	rep.Flushed = ferr == nil
	if !errors.Is(ferr, syncer.ErrFlushInProgress) {
		fr := newFlushReport(res, ferr, a.now())
		rep.Flush = &fr
	}
	switch {
	case errors.Is(ferr, syncer.ErrFlushInProgress):
		rep.Status = a.setStatus("Reading stored, a sync is already running")
	case ferr != nil:
		rep.Status = a.setStatus("Reading stored, delivery pending: %v", ferr)
	case res.Outcome == syncer.OutcomePartial:
		rep.Status = a.setStatus("Sent %d reading(s), %d still pending", res.Sent, res.Remaining)
	default:
		rep.Status = a.setStatus("Sent %d reading(s)", res.Sent)
	}
	return rep, nil
}

// Flush delivers the queue once and records the outcome.
func (a *App) Flush(ctx context.Context) (syncer.Result, error) {
	start := a.now()
	res, err := a.flusher.Flush(ctx)
	if errors.Is(err, syncer.ErrFlushInProgress) {
		return res, err
	}

	a.metrics.ObserveFlush(res, a.now().Sub(start).Seconds())
	a.metrics.QueueDepth.Set(float64(a.queue.Len()))

	rep := newFlushReport(res, err, a.now())
	a.mu.Lock()
	a.lastFlush = &rep
	a.mu.Unlock()
	return res, err
}

// FlushReport is the JSON form of a flush outcome.
type FlushReport struct {
	Outcome   string    `json:"outcome"`
	Sent      int       `json:"sent"`
	Skipped   int       `json:"skipped"`
	Remaining int       `json:"remaining"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func newFlushReport(res syncer.Result, err error, at time.Time) FlushReport {
	rep := FlushReport{
		Outcome:   res.Outcome.String(),
		Sent:      res.Sent,
		Skipped:   res.Skipped,
		Remaining: res.Remaining,
		At:        at.UTC(),
	}
	switch {
	case err != nil:
		rep.Error = err.Error()
	case res.LastError != nil:
		rep.Error = res.LastError.Error()
	}
	return rep
}

// FlushNow is Flush for callers that want the JSON report.
func (a *App) FlushNow(ctx context.Context) (FlushReport, error) {
	res, err := a.Flush(ctx)
	if errors.Is(err, syncer.ErrFlushInProgress) {
		return FlushReport{}, err
	}
	return newFlushReport(res, err, a.now()), err
}

// LastFlush returns the most recent flush outcome, if any.
func (a *App) LastFlush() (FlushReport, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastFlush == nil {
		return FlushReport{}, false
	}
	return *a.lastFlush, true
}

// autoFlush is the timer/online/command trigger: failures only reach the log
// and the status line.
func (a *App) autoFlush(ctx context.Context, trigger string) {
	if a.queue.Len() == 0 {
		return
	}
	if a.monitor != nil && !a.monitor.Online() {
		a.logger.WithField("trigger", trigger).Debug("Offline, auto-sync postponed")
		return
	}
	res, err := a.Flush(ctx)
	log := a.logger.WithField("trigger", trigger)
	switch {
	case errors.Is(err, syncer.ErrFlushInProgress):
		log.Debug("Auto-sync skipped, flush in progress")
	case err != nil:
		log.WithError(err).Warn("Auto-sync failed")
		a.setStatus("Auto-sync failed, %d reading(s) pending", res.Remaining)
	case res.Sent > 0 || res.Skipped > 0:
		a.setStatus("Auto-sync sent %d reading(s), %d pending", res.Sent, res.Remaining)
	}
}

// readDevice reads one reading and turns failures into a status line.
func (a *App) readDevice(ctx context.Context) (*readings.Reading, error) {
	r, err := a.source.Read(ctx)
	if err != nil {
		a.recordDeviceError(err)
		a.setStatus("%s", deviceStatus(err))
		return nil, err
	}
	return r, nil
}

func (a *App) recordDeviceError(err error) {
	if err == nil {
		return
	}
	kind := "other"
	var de *device.Error
	if errors.As(err, &de) {
		kind = de.Kind.String()
	}
	a.metrics.DeviceErrors.WithLabelValues(kind).Inc()
}

// deviceStatus renders a device error for the operator.
func deviceStatus(err error) string {
	switch {
	case errors.Is(err, device.ErrUnsupportedTransport):
		return "No device link available on this gateway"
	case errors.Is(err, device.ErrDeviceNotFound):
		return "Sensor not found, is it powered on and in range?"
	case errors.Is(err, device.ErrDisconnected):
		return "Sensor connection lost, reconnecting on next read"
	case errors.Is(err, device.ErrProtocol):
		return fmt.Sprintf("Sensor sent unreadable data: %v", err)
	default:
		return fmt.Sprintf("Device read failed: %v", err)
	}
}

// accept is the single entry point for readings produced on this gateway:
// it stamps the location, queues, updates the dashboard and publishes to the
// mirrors.
func (a *App) accept(r readings.Reading, source string) (readings.Reading, error) {
	for _, w := range readings.Validate(&r) {
		a.logger.WithFields(logrus.Fields{"sensor_id": r.SensorID, "source": source}).Warn(w)
	}

	if a.cfg.Location.Attach && !r.HasLocation() && a.locator != nil {
		if fix, ok := a.locator.Cached(); ok {
			r.Lat = readings.Float(fix.Latitude)
			r.Lon = readings.Float(fix.Longitude)
		}
	}

	stored, err := a.queue.Enqueue(r)
	switch {
	case errors.Is(err, queue.ErrNotMeaningful):
		a.logger.WithField("source", source).Warn("Discarding reading without measurements")
		return r, err
	case err != nil:
		// Still queued in memory; the next mutation retries the write.
		a.logger.WithError(err).Warn("Failed to persist queue")
	}

	a.dash.Apply(stored)
	a.metrics.ObserveReading(source, stored)
	a.metrics.QueueDepth.Set(float64(a.queue.Len()))
	a.refreshRiskMetrics()
	a.bus.Publish(stored)

	a.logger.WithFields(logrus.Fields{
		"id":        stored.ID,
		"sensor_id": stored.SensorID,
		"tds":       fmtValue(stored.TDS),
		"moisture":  fmtValue(stored.Moisture),
		"source":    source,
	}).Debug("Reading queued")
	return stored, err
}

func (a *App) refreshRiskMetrics() {
	counts := make(map[readings.RiskLevel]int)
	for _, s := range a.dash.SensorsMatching(readings.AllRiskLevels) {
		counts[s.RiskLevel]++
	}
	a.metrics.SetRiskCounts(counts)
}

// setStatus updates the dashboard status line and the notifier, returning
// the rendered message.
func (a *App) setStatus(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	a.dash.SetStatus("%s", msg)
	a.notifier.Notify("HydroSense", msg)
	return msg
}

func fmtValue(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// Status is the snapshot served by the status endpoint.
type Status struct {
	Message       string            `json:"message"`
	At            time.Time         `json:"at"`
	Online        bool              `json:"online"`
	OnlineSince   time.Time         `json:"onlineSince,omitempty"`
	Pending       int               `json:"pending"`
	FlushInFlight bool              `json:"flushInFlight"`
	LastFlush     *FlushReport      `json:"lastFlush,omitempty"`
	DeviceState   string            `json:"deviceState"`
	Remote        string            `json:"remote,omitempty"`
	RemoteOK      time.Time         `json:"remoteOk,omitempty"`
	Breakers      map[string]string `json:"breakers"`
	Location      *LocationStatus   `json:"location,omitempty"`
	Sensors       int               `json:"sensors"`
}

// LocationStatus is the cached gateway fix.
type LocationStatus struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Accuracy float64   `json:"accuracy"`
	Provider string    `json:"provider"`
	At       time.Time `json:"at"`
}

// Status collects the gateway's current state.
func (a *App) Status() Status {
	st := a.dash.Status()
	s := Status{
		Message:       st.Message,
		At:            st.At,
		Online:        true,
		Pending:       a.queue.Len(),
		FlushInFlight: a.flusher.InFlight(),
		DeviceState:   device.StateDisconnected.String(),
		Breakers:      a.ingest.Status(),
		Sensors:       a.dash.Count(),
	}
	if a.reader != nil {
		s.DeviceState = a.reader.State().String()
	}
	if a.monitor != nil {
		s.Online = a.monitor.Online()
		s.OnlineSince = a.monitor.Since()
	}
	if lf, ok := a.LastFlush(); ok {
		s.LastFlush = &lf
	}
	if a.poller != nil {
		s.Remote, s.RemoteOK = a.poller.Status()
	}
	if a.locator != nil {
		if fix, ok := a.locator.Cached(); ok {
			s.Location = &LocationStatus{
				Lat:      fix.Latitude,
				Lon:      fix.Longitude,
				Accuracy: fix.Accuracy,
				Provider: fix.Provider,
				At:       fix.Timestamp,
			}
		}
	}
	return s
}
