// Package notify surfaces the gateway's human-readable status line outside
// the process: an ongoing Android notification under Termux, or the log.
package notify

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier posts a status update. Implementations must not block the caller
// for long and never fail loudly.
type Notifier interface {
	Notify(title, content string)
}

// termuxNotificationPath is absolute to skip the PATH lookup, whose
// faccessat2 call is blocked by seccomp on older Android releases.
var termuxNotificationPath = func() string {
	prefix := os.Getenv("PREFIX")
	if prefix == "" {
		prefix = "/data/data/com.termux/files/usr"
	}
	return prefix + "/bin/termux-notification"
}()

// TermuxNotifier updates a single ongoing notification in place.
type TermuxNotifier struct {
	id     string
	path   string
	logger *logrus.Logger

	run func(ctx context.Context, path string, args ...string) error

	mu   sync.Mutex
	last string
}

// NewTermuxNotifier returns a notifier bound to one notification ID.
func NewTermuxNotifier(logger *logrus.Logger) *TermuxNotifier {
	return &TermuxNotifier{
		id:     "4210",
		path:   termuxNotificationPath,
		logger: logger,
		run: func(ctx context.Context, path string, args ...string) error {
			return exec.CommandContext(ctx, path, args...).Run()
		},
	}
}

// Notify posts title/content unless it repeats the previous update.
func (n *TermuxNotifier) Notify(title, content string) {
	if title == "" {
		return
	}
	n.mu.Lock()
	key := title + "\x00" + content
	if key == n.last {
		n.mu.Unlock()
		return
	}
	n.last = key
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()

	args := []string{
		"--id", n.id,
		"-t", title,
		"-c", content,
		"--priority", "low",
		"--ongoing",
	}
	if err := n.run(ctx, n.path, args...); err != nil {
		n.logger.WithError(err).Debug("termux-notification execution failed")
	}
}

// LogNotifier writes updates to the logger; used off-device.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (l LogNotifier) Notify(title, content string) {
	l.Logger.WithField("title", title).Info(content)
}

// Multi fans an update out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(title, content string) {
	for _, n := range m {
		n.Notify(title, content)
	}
}
