package server

import (
	"context"
	"net/http"
	"time"

	"github.com/kon-rad/sentiment-alerts/internal/db"
	"github.com/kon-rad/sentiment-alerts/internal/hardening"
)

type RuntimeSnapshot struct {
	QueueDepth       int64
	EventsJournaled  int64
	EventsDropped    int64
	WindowCount      int
	AlertsFired      int64
	AlertsFailed     int64
	ForwardDelivered int64
	ForwardFailed    int64
}

type SnapshotProvider interface {
	Snapshot() RuntimeSnapshot
}

type HealthResponse struct {
	Status           string   `json:"status"`
	UptimeSeconds    int64    `json:"uptime_seconds"`
	Version          string   `json:"version"`
	DBStatus         string   `json:"db_status"`
	DBSizeBytes      int64    `json:"db_size_bytes"`
	WALSizeBytes     int64    `json:"wal_size_bytes"`
	JournalEvents    int64    `json:"journal_events"`
	JournalAlerts    int64    `json:"journal_alerts"`
	RSSBytes         int64    `json:"rss_bytes"`
	PeakRSSBytes     int64    `json:"peak_rss_bytes"`
	WindowCount      int      `json:"window_count"`
	QueueDepth       int64    `json:"queue_depth"`
	EventsJournaled  int64    `json:"events_journaled"`
	EventsDropped    int64    `json:"events_dropped"`
	AlertsFired      int64    `json:"alerts_fired"`
	AlertsFailed     int64    `json:"alerts_failed"`
	ForwardDelivered int64    `json:"forward_delivered"`
	ForwardFailed    int64    `json:"forward_failed"`
	GeneratedAt      string   `json:"generated_at"`
	Warnings         []string `json:"warnings,omitempty"`
}

// HealthHandler reports process and journal state. A nil dbm means the
// journal is disabled, which is not a degradation.
type HealthHandler struct {
	dbm         *db.Manager
	startTime   time.Time
	version     string
	snapshotter SnapshotProvider
	memory      func() (hardening.ProcessMemory, error)
}

func NewHealthHandler(dbm *db.Manager, start time.Time, version string, snapshotter SnapshotProvider) *HealthHandler {
	return &HealthHandler{
		dbm:         dbm,
		startTime:   start,
		version:     version,
		snapshotter: snapshotter,
		memory:      hardening.ReadProcessMemory,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snapshot := h.snapshotter.Snapshot()

	resp := HealthResponse{
		Status:           "ok",
		UptimeSeconds:    int64(time.Since(h.startTime).Seconds()),
		Version:          h.version,
		DBStatus:         "disabled",
		WindowCount:      snapshot.WindowCount,
		QueueDepth:       snapshot.QueueDepth,
		EventsJournaled:  snapshot.EventsJournaled,
		EventsDropped:    snapshot.EventsDropped,
		AlertsFired:      snapshot.AlertsFired,
		AlertsFailed:     snapshot.AlertsFailed,
		ForwardDelivered: snapshot.ForwardDelivered,
		ForwardFailed:    snapshot.ForwardFailed,
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
	}

	if h.dbm != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		stats := h.dbm.Stats(ctx)
		cancel()
		resp.DBStatus = stats.DBStatus
		resp.DBSizeBytes = stats.DBSizeBytes
		resp.WALSizeBytes = stats.WALSize
		resp.JournalEvents = stats.EventRows
		resp.JournalAlerts = stats.AlertRows
		if stats.DBStatus != "ok" {
			resp.Status = "degraded"
		}
	}

	if mem, err := h.memory(); err == nil {
		resp.RSSBytes = mem.RSSBytes
		resp.PeakRSSBytes = mem.PeakRSSBytes
	} else {
		resp.Warnings = append(resp.Warnings, "rss_unavailable")
	}

	writeJSON(w, http.StatusOK, resp)
}
