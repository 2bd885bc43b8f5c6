package netutil

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// commandRunner runs a command and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// AndroidWiFi re-enables WiFi on Android field tablets when the radio was
// switched off, which is the usual cause of a gateway going offline there.
type AndroidWiFi struct {
	logger *logrus.Logger
	run    commandRunner
	settle time.Duration
}

// NewAndroidWiFi creates the reviver.
func NewAndroidWiFi(logger *logrus.Logger) *AndroidWiFi {
	return &AndroidWiFi{logger: logger, run: execRunner, settle: 500 * time.Millisecond}
}

// Enabled reports whether WiFi is on ("settings get global wifi_on" == 1).
func (w *AndroidWiFi) Enabled(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := w.run(ctx, "settings", "get", "global", "wifi_on")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(out)) == "1", nil
}

// Revive turns WiFi back on when it is off. It returns true when WiFi was
// off and is now enabled.
func (w *AndroidWiFi) Revive(ctx context.Context) (bool, error) {
	enabled, err := w.Enabled(ctx)
	if err != nil || enabled {
		return false, err
	}

	w.logger.Info("WiFi is disabled, attempting to re-enable...")
	ectx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err = w.run(ectx, "svc", "wifi", "enable")
	cancel()
	if err != nil {
		w.logger.WithError(err).Warn("Failed to enable WiFi")
		return false, err
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(w.settle):
	}

	enabled, err = w.Enabled(ctx)
	if err != nil {
		// Assume it worked if we can't verify.
		return true, nil
	}
	if !enabled {
		w.logger.Warn("WiFi enable command succeeded but WiFi is still disabled")
	}
	return enabled, nil
}
