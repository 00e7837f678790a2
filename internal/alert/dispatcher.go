// Package alert decides when the error window warrants an alert and delivers
// it. Delivery is best-effort: failures are logged and counted, never returned.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kon-rad/sentiment-alerts/internal/db"
	"github.com/kon-rad/sentiment-alerts/internal/window"
)

// MaxRecent is how many window entries an alert carries.
const MaxRecent = 3

type Kind string

const (
	KindThreshold Kind = "threshold"
	KindCritical  Kind = "critical"
	KindInternal  Kind = "internal"
)

type Alert struct {
	ID            string
	Kind          Kind
	Summary       string
	Count         int
	WindowMinutes int
	Recent        []window.Entry
	Timestamp     time.Time
	ProjectID     string
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

type Recorder interface {
	InsertAlert(ctx context.Context, row db.AlertInsert) error
}

type Dispatcher struct {
	threshold int
	window    time.Duration
	projectID string
	notifier  Notifier
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time

	fired     atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
}

type Option func(*Dispatcher)

// WithNotifier sets the delivery channel. Without one, alerts are only logged.
func WithNotifier(n Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(threshold int, span time.Duration, projectID string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		threshold: threshold,
		window:    span,
		projectID: projectID,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Threshold() int { return d.threshold }

func (d *Dispatcher) WebhookEnabled() bool { return d.notifier != nil }

func (d *Dispatcher) windowMinutes() int {
	return int(d.window / time.Minute)
}

// MaybeAlert fires one alert when count has reached the threshold. It does
// not touch the window, so a sustained burst fires again on the next event.
func (d *Dispatcher) MaybeAlert(ctx context.Context, count int, recent []window.Entry) bool {
	if count < d.threshold {
		return false
	}
	d.dispatch(ctx, Alert{
		Kind:    KindThreshold,
		Summary: fmt.Sprintf("%d erreurs détectées en %d minutes", count, d.windowMinutes()),
		Count:   count,
		Recent:  lastN(recent, MaxRecent),
	})
	return true
}

// FireImmediate alerts on a single CRITICAL entry regardless of the window.
func (d *Dispatcher) FireImmediate(ctx context.Context, entry window.Entry) bool {
	d.dispatch(ctx, Alert{
		Kind:    KindCritical,
		Summary: "Événement CRITICAL: " + entry.Message,
		Count:   1,
		Recent:  []window.Entry{entry},
	})
	return true
}

// FireInternal reports a fault of the ingestion service itself.
func (d *Dispatcher) FireInternal(ctx context.Context, cause string) bool {
	d.dispatch(ctx, Alert{
		Kind:    KindInternal,
		Summary: "Erreur interne du service de logging: " + cause,
		Count:   1,
	})
	return true
}

func (d *Dispatcher) dispatch(ctx context.Context, a Alert) {
	a.ID = uuid.NewString()
	a.Timestamp = d.now()
	a.WindowMinutes = d.windowMinutes()
	a.ProjectID = d.projectID
	d.fired.Add(1)

	d.logger.Error("alert fired",
		"alert_id", a.ID,
		"kind", string(a.Kind),
		"count", a.Count,
		"window_minutes", a.WindowMinutes,
		"project_id", a.ProjectID,
		"summary", a.Summary,
	)

	var deliveryErr error
	if d.notifier != nil {
		deliveryErr = d.notifier.Notify(ctx, a)
		if deliveryErr != nil {
			d.failed.Add(1)
			d.logger.Warn("alert delivery failed", "alert_id", a.ID, "error", deliveryErr)
		} else {
			d.delivered.Add(1)
		}
	}

	if d.recorder != nil {
		row := db.AlertInsert{
			AlertID:       a.ID,
			CreatedAt:     a.Timestamp.UnixMilli(),
			Kind:          string(a.Kind),
			Summary:       a.Summary,
			ErrorCount:    a.Count,
			WindowMinutes: a.WindowMinutes,
			ProjectID:     a.ProjectID,
			Delivered:     d.notifier != nil && deliveryErr == nil,
		}
		if deliveryErr != nil {
			row.DeliveryError = deliveryErr.Error()
		}
		if err := d.recorder.InsertAlert(context.WithoutCancel(ctx), row); err != nil {
			d.logger.Warn("alert history write failed", "alert_id", a.ID, "error", err)
		}
	}
}

type Stats struct {
	Fired     int64
	Delivered int64
	Failed    int64
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Fired:     d.fired.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
	}
}

func lastN(entries []window.Entry, n int) []window.Entry {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}
