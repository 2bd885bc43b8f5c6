// Package app wires the gateway together: collectors feed readings into the
// queue and the dashboard, timers and connectivity events flush the queue,
// pollers mirror the remote view and mirrors fan readings out to MQTT and
// InfluxDB.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hydrosense/gateway/internal/bus"
	"github.com/hydrosense/gateway/internal/config"
	"github.com/hydrosense/gateway/internal/dashboard"
	"github.com/hydrosense/gateway/internal/device"
	"github.com/hydrosense/gateway/internal/location"
	"github.com/hydrosense/gateway/internal/metrics"
	"github.com/hydrosense/gateway/internal/netutil"
	"github.com/hydrosense/gateway/internal/notify"
	"github.com/hydrosense/gateway/internal/prefs"
	"github.com/hydrosense/gateway/internal/queue"
	"github.com/hydrosense/gateway/internal/readings"
	"github.com/hydrosense/gateway/internal/remote"
	"github.com/hydrosense/gateway/internal/syncer"
	"github.com/hydrosense/gateway/internal/transmission"
)

// OnlineFlushTimeout bounds the flush started by a reconnect.
const OnlineFlushTimeout = 2 * time.Minute

// Commander delivers remote commands (the MQTT command topic).
type Commander interface {
	Subscribe(topic string, handler func(topic, payload string)) error
	CommandTopic() string
}

// Options carries the collaborators built by main. Nil optional fields
// disable the corresponding feature.
type Options struct {
	Config    *config.Config
	Source    device.Source  // required; usually a FallbackSource
	Reader    *device.Reader // optional; streaming and link state
	Queue     *queue.Store
	Ingest    *transmission.IngestClient
	Dashboard *dashboard.State
	Prefs     *prefs.Store
	Poller    *remote.Poller
	Monitor   *netutil.Monitor
	Locator   *location.Acquirer
	Mirrors   []transmission.Transmitter
	Metrics   *metrics.Metrics
	Notifier  notify.Notifier
	Commander Commander
	Logger    *logrus.Logger
}

// App is the running gateway.
type App struct {
	cfg       *config.Config
	source    device.Source
	reader    *device.Reader
	queue     *queue.Store
	ingest    *transmission.IngestClient
	flusher   *syncer.Flusher
	dash      *dashboard.State
	prefs     *prefs.Store
	poller    *remote.Poller
	monitor   *netutil.Monitor
	locator   *location.Acquirer
	mirrors   []transmission.Transmitter
	metrics   *metrics.Metrics
	notifier  notify.Notifier
	commander Commander
	logger    *logrus.Logger

	bus *bus.Bus
	now func() time.Time

	mu        sync.Mutex
	lastFlush *FlushReport
	runCtx    context.Context
}

// New assembles an App. Mirrors are wrapped so unchanged readings are not
// sent twice.
func New(o Options) (*App, error) {
	if o.Config == nil || o.Source == nil || o.Queue == nil || o.Ingest == nil || o.Logger == nil {
		return nil, errors.New("app: config, source, queue, ingest client and logger are required")
	}
	if o.Dashboard == nil {
		o.Dashboard = dashboard.New()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Notifier == nil {
		o.Notifier = notify.LogNotifier{Logger: o.Logger}
	}

	a := &App{
		cfg:       o.Config,
		source:    o.Source,
		reader:    o.Reader,
		queue:     o.Queue,
		ingest:    o.Ingest,
		flusher:   syncer.NewFlusher(o.Queue, o.Ingest, o.Logger),
		dash:      o.Dashboard,
		prefs:     o.Prefs,
		poller:    o.Poller,
		monitor:   o.Monitor,
		locator:   o.Locator,
		metrics:   o.Metrics,
		notifier:  o.Notifier,
		commander: o.Commander,
		logger:    o.Logger,
		bus:       bus.New(),
		now:       time.Now,
		runCtx:    context.Background(),
	}
	for _, m := range o.Mirrors {
		a.mirrors = append(a.mirrors, transmission.OnChange(m))
	}
	if a.poller != nil {
		a.poller.OnOutcome(func(kind string, err error) {
			if err != nil {
				a.metrics.PollErrors.WithLabelValues(kind).Inc()
			}
			a.refreshRiskMetrics()
		})
	}
	if a.monitor != nil {
		a.monitor.OnOnline(func() {
			a.metrics.SetOnline(true)
			a.flushOnline()
		})
	}
	a.metrics.QueueDepth.Set(float64(a.queue.Len()))
	return a, nil
}

// Dashboard returns the live dashboard state.
func (a *App) Dashboard() *dashboard.State { return a.dash }

// Prefs returns the preference store, nil when persistence is off.
func (a *App) Prefs() *prefs.Store { return a.prefs }

// Pending returns a copy of the queue.
func (a *App) Pending() []readings.Reading { return a.queue.PeekAll() }

// Run starts every background worker and the HTTP server (when handler is
// non-nil) and blocks until ctx is cancelled or a worker fails.
func (a *App) Run(ctx context.Context, handler http.Handler) error {
	grp, ctx := errgroup.WithContext(ctx)
	a.setRunContext(ctx)

	a.startMirrors(ctx, grp)

	// Collector ---------------------------------------------------------
	switch {
	case a.cfg.Device.Stream && a.reader != nil:
		grp.Go(func() error { return a.streamLoop(ctx) })
	case a.cfg.Device.ReadInterval > 0:
		grp.Go(func() error { return a.collectLoop(ctx, a.cfg.Device.ReadInterval.D()) })
	}

	// Auto-sync ---------------------------------------------------------
	if a.cfg.Sync.AutoInterval > 0 {
		grp.Go(func() error {
			ticker := time.NewTicker(a.cfg.Sync.AutoInterval.D())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					a.autoFlush(ctx, "timer")
				}
			}
		})
	}

	if a.monitor != nil {
		grp.Go(func() error {
			return a.monitor.Run(ctx, a.cfg.Sync.ProbeInterval.D())
		})
		grp.Go(func() error {
			// Mirror the monitor state into the gauge between transitions.
			ticker := time.NewTicker(a.cfg.Sync.ProbeInterval.D())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					a.metrics.SetOnline(a.monitor.Online())
				}
			}
		})
	}

	if a.poller != nil {
		grp.Go(func() error {
			return a.poller.Run(ctx, a.cfg.Sync.LatestInterval.D(), a.cfg.Sync.HistoryInterval.D())
		})
	}

	if a.locator != nil {
		grp.Go(func() error { return a.locator.Run(ctx, a.cfg.Location.Refresh.D()) })
	}

	if a.commander != nil {
		topic := a.commander.CommandTopic()
		if err := a.commander.Subscribe(topic, func(_, payload string) { a.handleCommand(ctx, payload) }); err != nil {
			a.logger.WithError(err).Warn("Remote commands unavailable")
		}
	}

	if handler != nil {
		srv := &http.Server{
			Addr:              a.cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		grp.Go(func() error {
			a.logger.WithField("addr", srv.Addr).Info("HTTP API listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		grp.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.setStatus("Gateway started, %d reading(s) pending", a.queue.Len())

	err := grp.Wait()
	a.bus.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) setRunContext(ctx context.Context) {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()
}

// flushOnline drains the queue after an offline to online transition. It is
// bound to the context of the running gateway and does nothing once that is
// done.
func (a *App) flushOnline() {
	a.mu.Lock()
	base := a.runCtx
	a.mu.Unlock()
	if base.Err() != nil {
		a.logger.Debug("Gateway stopping, online flush skipped")
		return
	}
	ctx, cancel := context.WithTimeout(base, OnlineFlushTimeout)
	defer cancel()
	a.autoFlush(ctx, "online")
}

func (a *App) collectLoop(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r, err := a.readDevice(ctx)
			if err != nil {
				continue
			}
			a.accept(*r, "collector")
		}
	}
}

// streamLoop keeps a notification subscription open, reconnecting with
// exponential backoff whenever the link drops.
func (a *App) streamLoop(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		started := a.now()
		err := a.reader.Stream(ctx, func(r *readings.Reading) {
			a.accept(*r, "stream")
		})
		if ctx.Err() != nil {
			return nil
		}
		a.recordDeviceError(err)
		if a.now().Sub(started) > bo.MaxInterval {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		a.logger.WithError(err).WithField("retry_in", wait).Warn("Device stream ended")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (a *App) startMirrors(ctx context.Context, grp *errgroup.Group) {
	if len(a.mirrors) == 0 {
		return
	}
	sub := a.bus.Subscribe(64)
	grp.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case r, ok := <-sub:
				if !ok {
					return nil
				}
				a.mirror(ctx, &r)
			}
		}
	})
}

func (a *App) mirror(ctx context.Context, r *readings.Reading) {
	for _, m := range a.mirrors {
		if !m.IsConnected() {
			a.logger.WithField("transmitter", m.Name()).Debug("Mirror not connected, skipping")
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := m.Transmit(tctx, r)
		cancel()
		if err != nil {
			a.metrics.MirrorErrors.WithLabelValues(m.Name()).Inc()
			a.logger.WithError(err).WithField("transmitter", m.Name()).Warn("Mirror transmit failed")
		}
	}
}

func (a *App) handleCommand(ctx context.Context, payload string) {
	a.logger.WithField("command", payload).Info("Remote command received")
	switch payload {
	case "sync":
		if _, err := a.SyncNow(ctx); err != nil {
			a.logger.WithError(err).Debug("Remote sync failed")
		}
	case "flush":
		a.autoFlush(ctx, "command")
	default:
		a.logger.WithField("command", payload).Warn("Unknown remote command")
	}
}
