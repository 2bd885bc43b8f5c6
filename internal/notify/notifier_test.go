package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestTermuxNotifierDedupes(t *testing.T) {
	n := NewTermuxNotifier(testLogger())
	var calls [][]string
	n.run = func(_ context.Context, path string, args ...string) error {
		calls = append(calls, args)
		return nil
	}

	n.Notify("HydroSense", "3 readings pending")
	n.Notify("HydroSense", "3 readings pending")
	n.Notify("HydroSense", "synced 3 readings")
	n.Notify("", "ignored")

	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if got := strings.Join(calls[1], " "); !strings.Contains(got, "-c synced 3 readings") || !strings.Contains(got, "--id 4210") {
		t.Errorf("args = %q", got)
	}
}

func TestTermuxNotifierSwallowsErrors(t *testing.T) {
	n := NewTermuxNotifier(testLogger())
	n.run = func(context.Context, string, ...string) error { return errors.New("not on android") }
	n.Notify("HydroSense", "offline")
}

func TestMulti(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)

	var got []string
	rec := recorder(func(title, content string) { got = append(got, content) })

	Multi{LogNotifier{Logger: l}, rec}.Notify("HydroSense", "device connected")

	if len(got) != 1 || got[0] != "device connected" {
		t.Errorf("recorder got %v", got)
	}
	if !strings.Contains(buf.String(), "device connected") {
		t.Errorf("log output = %q", buf.String())
	}
}

type recorder func(title, content string)

func (r recorder) Notify(title, content string) { r(title, content) }
