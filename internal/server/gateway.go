package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kon-rad/sentiment-alerts/internal/alert"
	"github.com/kon-rad/sentiment-alerts/internal/db"
	"github.com/kon-rad/sentiment-alerts/internal/forward"
	"github.com/kon-rad/sentiment-alerts/internal/logevent"
	"github.com/kon-rad/sentiment-alerts/internal/window"
)

const (
	MaxBodyBytes      = 1 << 20
	alertHistoryLimit = 20

	msgAccepted  = "Log traité avec succès"
	msgDegraded  = "Log reçu en mode dégradé"
	msgTooLarge  = "Corps de requête trop volumineux"
	msgNoJournal = "Historique des alertes indisponible"
)

type Tracker interface {
	Record(ev logevent.Event) (count int, tracked bool)
	Count() int
	Snapshot(n int) []window.Entry
	Window() time.Duration
}

type Alerter interface {
	Threshold() int
	WebhookEnabled() bool
	MaybeAlert(ctx context.Context, count int, recent []window.Entry) bool
	FireImmediate(ctx context.Context, entry window.Entry) bool
	FireInternal(ctx context.Context, cause string) bool
}

type Forwarder interface {
	Forward(ctx context.Context, ev logevent.Event) forward.Result
}

type AlertLister interface {
	RecentAlerts(ctx context.Context, limit int) ([]db.AlertRow, error)
}

type GatewayConfig struct {
	Defaults            logevent.Defaults
	Environment         string
	CloudLoggingEnabled bool
	RecentErrorsLimit   int
}

type Gateway struct {
	cfg       GatewayConfig
	tracker   Tracker
	alerter   Alerter
	forwarder Forwarder
	history   AlertLister
	logger    *slog.Logger
	now       func() time.Time
}

type GatewayOption func(*Gateway)

func WithAlertHistory(h AlertLister) GatewayOption {
	return func(g *Gateway) { g.history = h }
}

func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

func NewGateway(cfg GatewayConfig, tracker Tracker, alerter Alerter, forwarder Forwarder, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		tracker:   tracker,
		alerter:   alerter,
		forwarder: forwarder,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type responseMetadata struct {
	Timestamp string `json:"timestamp"`
	ProjectID string `json:"projectId"`
	LogName   string `json:"logName"`
}

type ingestResponse struct {
	Success          bool              `json:"success"`
	Message          string            `json:"message,omitempty"`
	LogID            string            `json:"logId,omitempty"`
	RecentErrorCount int               `json:"recentErrorCount"`
	AlertThreshold   int               `json:"alertThreshold"`
	Metadata         *responseMetadata `json:"metadata,omitempty"`
	Details          string            `json:"details,omitempty"`
}

type rejection struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (g *Gateway) PostLog(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, rejection{Error: msgTooLarge})
			return
		}
		writeJSON(w, http.StatusBadRequest, rejection{Error: logevent.ReasonInvalidJSON})
		return
	}

	sub, err := logevent.Parse(body)
	if err != nil {
		reason := logevent.ReasonInvalidJSON
		var ve *logevent.ValidationError
		if errors.As(err, &ve) {
			reason = ve.Reason
		}
		g.logger.Info("log rejected", "reason", reason, "client_ip", clientIP(r))
		writeJSON(w, http.StatusBadRequest, rejection{Error: reason})
		return
	}

	meta := logevent.RequestMeta{UserAgent: r.UserAgent(), ClientIP: clientIP(r)}
	ctx := context.WithoutCancel(r.Context())

	var ev logevent.Event
	resp, err := g.ingest(ctx, sub, meta, &ev)
	if err != nil {
		g.logger.Error("ingestion fault", "error", err, "level", sub.Level)
		g.reportInternal(ctx, err)
		if ev.ID == "" {
			ev = logevent.Event{
				ID:         uuid.NewString(),
				ProjectID:  g.cfg.Defaults.ProjectID,
				LogName:    g.cfg.Defaults.LogName,
				ReceivedAt: g.now(),
			}
		}
		resp = ingestResponse{
			Success:          true,
			Message:          msgDegraded,
			LogID:            ev.ID,
			RecentErrorCount: g.safeCount(),
			AlertThreshold:   g.alerter.Threshold(),
			Metadata:         metadataFor(ev),
		}
		if !g.production() {
			resp.Details = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ingest stores the built event in *ev as soon as it exists so a later fault
// can still answer with its id.
func (g *Gateway) ingest(ctx context.Context, sub logevent.Submission, meta logevent.RequestMeta, ev *logevent.Event) (resp ingestResponse, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("recovered: %v", rec)
		}
	}()

	*ev = logevent.Build(sub, g.cfg.Defaults, meta, g.now())
	if strings.EqualFold(g.cfg.Environment, "development") {
		g.logger.Log(ctx, mirrorLevel(ev.Level), "log received",
			"event_level", string(ev.Level),
			"message", ev.Message,
			"data", ev.Data,
			"client_ip", ev.ClientIP,
		)
	}

	count, tracked := g.tracker.Record(*ev)
	switch {
	case ev.Level == logevent.LevelCritical:
		g.alerter.FireImmediate(ctx, window.Entry{
			ReceivedAt: ev.ReceivedAt,
			Timestamp:  ev.Timestamp,
			Level:      ev.Level,
			Message:    ev.Message,
			Data:       ev.Data,
		})
	case tracked && count >= g.alerter.Threshold():
		g.alerter.MaybeAlert(ctx, count, g.tracker.Snapshot(alert.MaxRecent))
	}

	g.forwarder.Forward(ctx, *ev)

	return ingestResponse{
		Success:          true,
		Message:          msgAccepted,
		LogID:            ev.ID,
		RecentErrorCount: count,
		AlertThreshold:   g.alerter.Threshold(),
		Metadata:         metadataFor(*ev),
	}, nil
}

func metadataFor(ev logevent.Event) *responseMetadata {
	return &responseMetadata{
		Timestamp: ev.ReceivedAt.UTC().Format(time.RFC3339Nano),
		ProjectID: ev.ProjectID,
		LogName:   ev.LogName,
	}
}

// mirrorLevel maps a submitted severity onto the service log so mirrored
// events show up under the configured log level.
func mirrorLevel(l logevent.Level) slog.Level {
	switch l {
	case logevent.LevelDebug:
		return slog.LevelDebug
	case logevent.LevelWarning:
		return slog.LevelWarn
	case logevent.LevelError, logevent.LevelCritical:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (g *Gateway) reportInternal(ctx context.Context, cause error) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("internal alert failed", "error", fmt.Sprint(rec))
		}
	}()
	g.alerter.FireInternal(ctx, cause.Error())
}

func (g *Gateway) safeCount() (n int) {
	defer func() {
		if recover() != nil {
			n = 0
		}
	}()
	return g.tracker.Count()
}

func (g *Gateway) production() bool {
	return strings.EqualFold(g.cfg.Environment, "production")
}

type recentError struct {
	Timestamp string         `json:"timestamp"`
	Level     logevent.Level `json:"level"`
	Message   string         `json:"message"`
	EventType string         `json:"eventType,omitempty"`
}

type systemStatus struct {
	GoogleCloudLoggingEnabled bool   `json:"googleCloudLoggingEnabled"`
	AlertWebhookEnabled       bool   `json:"alertWebhookEnabled"`
	Environment               string `json:"environment"`
}

type statsResponse struct {
	RecentErrorCount  int           `json:"recentErrorCount"`
	AlertThreshold    int           `json:"alertThreshold"`
	TimeWindowMinutes int           `json:"timeWindowMinutes"`
	ProjectID         string        `json:"projectId"`
	RecentErrors      []recentError `json:"recentErrors"`
	SystemStatus      systemStatus  `json:"systemStatus"`
}

func (g *Gateway) GetStats(w http.ResponseWriter, _ *http.Request) {
	count := g.tracker.Count()
	entries := g.tracker.Snapshot(g.cfg.RecentErrorsLimit)

	recent := make([]recentError, 0, len(entries))
	for _, e := range entries {
		ts := e.ReceivedAt
		if e.Timestamp > 0 {
			ts = time.UnixMilli(e.Timestamp)
		}
		recent = append(recent, recentError{
			Timestamp: ts.UTC().Format(time.RFC3339Nano),
			Level:     e.Level,
			Message:   e.Message,
			EventType: e.EventType(),
		})
	}

	writeJSON(w, http.StatusOK, statsResponse{
		RecentErrorCount:  count,
		AlertThreshold:    g.alerter.Threshold(),
		TimeWindowMinutes: int(g.tracker.Window() / time.Minute),
		ProjectID:         g.cfg.Defaults.ProjectID,
		RecentErrors:      recent,
		SystemStatus: systemStatus{
			GoogleCloudLoggingEnabled: g.cfg.CloudLoggingEnabled,
			AlertWebhookEnabled:       g.alerter.WebhookEnabled(),
			Environment:               g.cfg.Environment,
		},
	})
}

type alertView struct {
	ID            string `json:"id"`
	CreatedAt     string `json:"createdAt"`
	Kind          string `json:"kind"`
	Summary       string `json:"summary"`
	ErrorCount    int    `json:"errorCount"`
	WindowMinutes int    `json:"windowMinutes"`
	ProjectID     string `json:"projectId"`
	Delivered     bool   `json:"delivered"`
	DeliveryError string `json:"deliveryError,omitempty"`
}

func (g *Gateway) GetAlerts(w http.ResponseWriter, r *http.Request) {
	if g.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, rejection{Error: msgNoJournal})
		return
	}
	rows, err := g.history.RecentAlerts(r.Context(), alertHistoryLimit)
	if err != nil {
		g.logger.Warn("alert history query failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, rejection{Error: msgNoJournal})
		return
	}

	out := make([]alertView, 0, len(rows))
	for _, row := range rows {
		out = append(out, alertView{
			ID:            row.AlertID,
			CreatedAt:     time.UnixMilli(row.CreatedAt).UTC().Format(time.RFC3339),
			Kind:          row.Kind,
			Summary:       row.Summary,
			ErrorCount:    row.ErrorCount,
			WindowMinutes: row.WindowMinutes,
			ProjectID:     row.ProjectID,
			Delivered:     row.Delivered,
			DeliveryError: row.DeliveryError,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
