package alert

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kon-rad/sentiment-alerts/internal/db"
	"github.com/kon-rad/sentiment-alerts/internal/logevent"
	"github.com/kon-rad/sentiment-alerts/internal/logging"
	"github.com/kon-rad/sentiment-alerts/internal/window"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, a Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) Alerts() []Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Alert(nil), n.alerts...)
}

func newTestDispatcher(n Notifier, opts ...Option) *Dispatcher {
	base := []Option{WithLogger(logging.Discard())}
	if n != nil {
		base = append(base, WithNotifier(n))
	}
	return NewDispatcher(3, 5*time.Minute, "air-paradis-sentiment", append(base, opts...)...)
}

func errorEntry(msg string) window.Entry {
	return window.Entry{ReceivedAt: time.Now(), Level: logevent.LevelError, Message: msg}
}

func TestMaybeAlertBelowThresholdDoesNothing(t *testing.T) {
	t.Parallel()

	n := &recordingNotifier{}
	d := newTestDispatcher(n)
	for count := 0; count < 3; count++ {
		if d.MaybeAlert(context.Background(), count, nil) {
			t.Fatalf("MaybeAlert(%d) fired below threshold", count)
		}
	}
	if len(n.Alerts()) != 0 || d.Stats().Fired != 0 {
		t.Fatalf("unexpected alerts: %d", len(n.Alerts()))
	}
}

func TestMaybeAlertAtThresholdFiresOnce(t *testing.T) {
	t.Parallel()

	n := &recordingNotifier{}
	d := newTestDispatcher(n)
	recent := []window.Entry{errorEntry("e1"), errorEntry("e2"), errorEntry("e3"), errorEntry("e4")}

	if !d.MaybeAlert(context.Background(), 4, recent) {
		t.Fatalf("MaybeAlert(4) did not fire")
	}
	alerts := n.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Kind != KindThreshold || a.Count != 4 || a.WindowMinutes != 5 || a.ProjectID != "air-paradis-sentiment" {
		t.Fatalf("unexpected alert: %+v", a)
	}
	if len(a.Recent) != MaxRecent || a.Recent[0].Message != "e2" || a.Recent[2].Message != "e4" {
		t.Fatalf("recent entries = %+v, want last three", a.Recent)
	}
	if a.ID == "" || a.Timestamp.IsZero() {
		t.Fatalf("alert missing id/timestamp: %+v", a)
	}
	if s := d.Stats(); s.Fired != 1 || s.Delivered != 1 || s.Failed != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestFireImmediateIgnoresThreshold(t *testing.T) {
	t.Parallel()

	n := &recordingNotifier{}
	d := newTestDispatcher(n)
	entry := window.Entry{Level: logevent.LevelCritical, Message: "boom"}

	if !d.FireImmediate(context.Background(), entry) {
		t.Fatalf("FireImmediate did not fire")
	}
	alerts := n.Alerts()
	if len(alerts) != 1 || alerts[0].Kind != KindCritical || alerts[0].Recent[0].Message != "boom" {
		t.Fatalf("unexpected alerts: %+v", alerts)
	}
}

func TestDeliveryFailureIsAbsorbed(t *testing.T) {
	t.Parallel()

	n := &recordingNotifier{err: errors.New("connection refused")}
	d := newTestDispatcher(n)

	if !d.MaybeAlert(context.Background(), 3, nil) {
		t.Fatalf("alert should be reported as fired even when delivery fails")
	}
	if s := d.Stats(); s.Fired != 1 || s.Failed != 1 || s.Delivered != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestDispatcherWithoutNotifierOnlyLogs(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil)
	if d.WebhookEnabled() {
		t.Fatalf("webhook reported enabled without notifier")
	}
	if !d.FireInternal(context.Background(), "panic in forwarder") {
		t.Fatalf("FireInternal did not fire")
	}
	if s := d.Stats(); s.Fired != 1 || s.Delivered != 0 || s.Failed != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestDispatcherRecordsHistory(t *testing.T) {
	t.Parallel()

	dbm, err := db.Open(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = dbm.Close() }()

	n := &recordingNotifier{err: errors.New("webhook: HTTP 500")}
	d := newTestDispatcher(n, WithRecorder(dbm))
	d.FireImmediate(context.Background(), window.Entry{Level: logevent.LevelCritical, Message: "boom"})

	rows, err := dbm.RecentAlerts(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentAlerts() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Kind != "critical" || rows[0].Delivered || rows[0].DeliveryError != "webhook: HTTP 500" {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}
