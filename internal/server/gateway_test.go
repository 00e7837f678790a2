package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kon-rad/sentiment-alerts/internal/alert"
	"github.com/kon-rad/sentiment-alerts/internal/db"
	"github.com/kon-rad/sentiment-alerts/internal/forward"
	"github.com/kon-rad/sentiment-alerts/internal/logevent"
	"github.com/kon-rad/sentiment-alerts/internal/logging"
	"github.com/kon-rad/sentiment-alerts/internal/window"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *recordingNotifier) byKind(k alert.Kind) []alert.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []alert.Alert
	for _, a := range n.alerts {
		if a.Kind == k {
			out = append(out, a)
		}
	}
	return out
}

type fakeForwarder struct {
	mu     sync.Mutex
	events []logevent.Event
	panics bool
}

func (f *fakeForwarder) Forward(_ context.Context, ev logevent.Event) forward.Result {
	if f.panics {
		panic("sink table corrupted")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return forward.Result{Delivered: 1}
}

func (f *fakeForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type harness struct {
	gateway   *Gateway
	tracker   *window.Tracker
	notifier  *recordingNotifier
	forwarder *fakeForwarder
}

func newHarness(t *testing.T, fwd Forwarder, opts ...GatewayOption) *harness {
	t.Helper()
	h := &harness{
		tracker:   window.NewTracker(5 * time.Minute),
		notifier:  &recordingNotifier{},
		forwarder: &fakeForwarder{},
	}
	if fwd == nil {
		fwd = h.forwarder
	}
	dispatcher := alert.NewDispatcher(3, 5*time.Minute, "air-paradis-sentiment",
		alert.WithNotifier(h.notifier),
		alert.WithLogger(logging.Discard()),
	)
	cfg := GatewayConfig{
		Defaults: logevent.Defaults{
			ProjectID: "air-paradis-sentiment",
			LogName:   "air-paradis-frontend",
			Source:    "air-paradis-frontend",
		},
		Environment:       "development",
		RecentErrorsLimit: 10,
	}
	opts = append([]GatewayOption{WithGatewayLogger(logging.Discard())}, opts...)
	h.gateway = NewGateway(cfg, h.tracker, dispatcher, fwd, opts...)
	return h
}

func (h *harness) post(t *testing.T, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/logging", strings.NewReader(body))
	req.Header.Set("User-Agent", "Mozilla/5.0")
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.gateway.PostLog(rec, req)

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, out
}

func (h *harness) stats(t *testing.T) map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	h.gateway.GetStats(rec, httptest.NewRequest(http.MethodGet, "/api/logging", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	return out
}

const incorrectPrediction = `{"level":"WARNING","message":"m1","data":{"event_type":"incorrect_prediction"}}`

func TestPostRejectsMissingFields(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	for _, body := range []string{
		`{"message":"no level"}`,
		`{"level":"ERROR"}`,
		`{"level":"  ","message":"blank level"}`,
		`{"level":"ERROR","message":""}`,
	} {
		rec, out := h.post(t, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", body, rec.Code)
		}
		if out["success"] != false || out["error"] != logevent.ReasonMissingFields {
			t.Fatalf("%s: body = %v", body, out)
		}
	}
	if h.tracker.Count() != 0 || h.forwarder.count() != 0 {
		t.Fatalf("rejected submissions mutated state: count=%d forwarded=%d", h.tracker.Count(), h.forwarder.count())
	}
}

func TestPostRejectsMalformedJSON(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec, out := h.post(t, `{"level":`)
	if rec.Code != http.StatusBadRequest || out["error"] != logevent.ReasonInvalidJSON {
		t.Fatalf("status=%d body=%v", rec.Code, out)
	}
}

func TestPostRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	big := `{"level":"INFO","message":"` + strings.Repeat("x", MaxBodyBytes) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/logging", strings.NewReader(big))
	rec := httptest.NewRecorder()
	h.gateway.PostLog(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if h.forwarder.count() != 0 {
		t.Fatalf("oversized body was forwarded")
	}
}

func TestThreeIncorrectPredictionsFireOneAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	var last map[string]any
	for i := 0; i < 3; i++ {
		rec, out := h.post(t, incorrectPrediction)
		if rec.Code != http.StatusOK {
			t.Fatalf("post %d status = %d", i, rec.Code)
		}
		last = out
	}
	if last["success"] != true || last["recentErrorCount"] != float64(3) || last["alertThreshold"] != float64(3) {
		t.Fatalf("third response = %v", last)
	}
	alerts := h.notifier.byKind(alert.KindThreshold)
	if len(alerts) != 1 || alerts[0].Count != 3 {
		t.Fatalf("threshold alerts = %+v, want exactly one with count 3", alerts)
	}
	if h.forwarder.count() != 3 {
		t.Fatalf("forwarded = %d, want 3", h.forwarder.count())
	}
}

func TestBelowThresholdBurstDoesNotAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.post(t, `{"level":"ERROR","message":"e1"}`)
	h.post(t, `{"level":"ERROR","message":"e2"}`)
	if n := len(h.notifier.byKind(alert.KindThreshold)); n != 0 {
		t.Fatalf("alerts = %d, want 0", n)
	}
}

func TestNoAutoResetAfterAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.post(t, `{"level":"ERROR","message":"e"}`)
	}
	_, out := h.post(t, `{"level":"ERROR","message":"e4"}`)
	if out["recentErrorCount"] != float64(4) {
		t.Fatalf("recentErrorCount = %v, want 4", out["recentErrorCount"])
	}
	if n := len(h.notifier.byKind(alert.KindThreshold)); n != 2 {
		t.Fatalf("threshold alerts = %d, want 2", n)
	}
}

func TestInfoIsNotCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, out := h.post(t, `{"level":"INFO","message":"ok"}`)
	if out["recentErrorCount"] != float64(0) {
		t.Fatalf("recentErrorCount = %v, want 0", out["recentErrorCount"])
	}
	stats := h.stats(t)
	if stats["recentErrorCount"] != float64(0) {
		t.Fatalf("stats recentErrorCount = %v", stats["recentErrorCount"])
	}
	if h.forwarder.count() != 1 {
		t.Fatalf("INFO event was not forwarded")
	}
}

func TestCriticalFiresImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, out := h.post(t, `{"level":"CRITICAL","message":"boom"}`)
	if out["recentErrorCount"] != float64(1) {
		t.Fatalf("recentErrorCount = %v", out["recentErrorCount"])
	}
	critical := h.notifier.byKind(alert.KindCritical)
	if len(critical) != 1 || !strings.Contains(critical[0].Summary, "boom") {
		t.Fatalf("critical alerts = %+v", critical)
	}
	if n := len(h.notifier.byKind(alert.KindThreshold)); n != 0 {
		t.Fatalf("threshold alerts = %d, want 0", n)
	}
}

func TestCriticalOverFullWindowSkipsThresholdAlert(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.post(t, `{"level":"ERROR","message":"e"}`)
	}
	before := len(h.notifier.byKind(alert.KindThreshold))
	if before != 1 {
		t.Fatalf("threshold alerts before critical = %d, want 1", before)
	}

	_, out := h.post(t, `{"level":"CRITICAL","message":"boom"}`)
	if out["recentErrorCount"] != float64(4) {
		t.Fatalf("recentErrorCount = %v, want 4", out["recentErrorCount"])
	}
	critical := h.notifier.byKind(alert.KindCritical)
	if len(critical) != 1 || !strings.Contains(critical[0].Summary, "boom") {
		t.Fatalf("critical alerts = %+v, want exactly one", critical)
	}
	if n := len(h.notifier.byKind(alert.KindThreshold)); n != before {
		t.Fatalf("threshold alerts = %d, want %d", n, before)
	}
}

func TestForwardFailureStillSucceeds(t *testing.T) {
	t.Parallel()

	failing := forward.New(logging.Discard(), 20*time.Millisecond, failingSink{})
	h := newHarness(t, failing)

	rec, out := h.post(t, `{"level":"ERROR","message":"downstream is down"}`)
	if rec.Code != http.StatusOK || out["success"] != true || out["recentErrorCount"] != float64(1) {
		t.Fatalf("status=%d body=%v", rec.Code, out)
	}
	if failing.Stats().Failed != 1 {
		t.Fatalf("forward failures = %d", failing.Stats().Failed)
	}
}

type failingSink struct{}

func (failingSink) Name() string { return "backend" }

func (failingSink) Send(ctx context.Context, _ logevent.Event) error {
	<-ctx.Done()
	return errors.New("simulated timeout")
}

func TestInternalFaultDegradesToSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &fakeForwarder{panics: true})
	rec, out := h.post(t, `{"level":"ERROR","message":"e1"}`)
	if rec.Code != http.StatusOK || out["success"] != true || out["message"] != msgDegraded {
		t.Fatalf("status=%d body=%v", rec.Code, out)
	}
	if out["recentErrorCount"] != float64(1) {
		t.Fatalf("recentErrorCount = %v, want 1", out["recentErrorCount"])
	}
	if details, _ := out["details"].(string); !strings.Contains(details, "sink table corrupted") {
		t.Fatalf("details = %v", out["details"])
	}
	if n := len(h.notifier.byKind(alert.KindInternal)); n != 1 {
		t.Fatalf("internal alerts = %d, want 1", n)
	}
	if id, _ := out["logId"].(string); id == "" {
		t.Fatalf("degraded response has no logId: %v", out)
	}
	meta, _ := out["metadata"].(map[string]any)
	if meta["projectId"] != "air-paradis-sentiment" || meta["logName"] != "air-paradis-frontend" {
		t.Fatalf("metadata = %v", out["metadata"])
	}
	if ts, _ := meta["timestamp"].(string); ts == "" {
		t.Fatalf("metadata timestamp missing: %v", meta)
	}
}

func TestDevelopmentMirrorsAtEventSeverity(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := logging.New(&buf, "info", "json")
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}
	h := newHarness(t, nil, WithGatewayLogger(logger))

	h.post(t, `{"level":"INFO","message":"mirror-me"}`)
	h.post(t, `{"level":"DEBUG","message":"too-quiet"}`)
	h.post(t, `{"level":"CRITICAL","message":"mirror-loud"}`)

	out := buf.String()
	if !strings.Contains(out, "mirror-me") {
		t.Fatalf("INFO event not mirrored at info level: %q", out)
	}
	if strings.Contains(out, "too-quiet") {
		t.Fatalf("DEBUG event mirrored above configured level: %q", out)
	}
	if !strings.Contains(out, `"level":"ERROR","msg":"log received"`) || !strings.Contains(out, "mirror-loud") {
		t.Fatalf("CRITICAL event not mirrored at error: %q", out)
	}
}

func TestProductionDoesNotMirror(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := logging.New(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("logging.New() error = %v", err)
	}
	h := newHarness(t, nil, WithGatewayLogger(logger))
	h.gateway.cfg.Environment = "production"

	h.post(t, `{"level":"ERROR","message":"private-detail"}`)
	if strings.Contains(buf.String(), "private-detail") {
		t.Fatalf("production mirrored the event: %q", buf.String())
	}
}

func TestSuccessResponseShape(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	_, out := h.post(t, `{"level":"info","message":" hi ","projectId":"other","timestamp":1735732800000}`)
	if out["logId"] == "" || out["message"] != msgAccepted {
		t.Fatalf("body = %v", out)
	}
	meta, _ := out["metadata"].(map[string]any)
	if meta["projectId"] != "other" || meta["logName"] != "air-paradis-frontend" {
		t.Fatalf("metadata = %v", meta)
	}
	if _, err := time.Parse(time.RFC3339Nano, meta["timestamp"].(string)); err != nil {
		t.Fatalf("metadata timestamp: %v", err)
	}

	ev := h.forwarder.events[0]
	if ev.Level != logevent.LevelInfo || ev.Message != "hi" || ev.Timestamp != 1735732800000 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.ClientIP != "203.0.113.7" || ev.UserAgent != "Mozilla/5.0" {
		t.Fatalf("request meta = %q / %q", ev.ClientIP, ev.UserAgent)
	}
}

func TestStatsReportsRecentErrors(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.post(t, incorrectPrediction)
	h.post(t, `{"level":"ERROR","message":"e2"}`)
	h.post(t, `{"level":"DEBUG","message":"noise"}`)

	stats := h.stats(t)
	if stats["recentErrorCount"] != float64(2) || stats["timeWindowMinutes"] != float64(5) {
		t.Fatalf("stats = %v", stats)
	}
	recent, _ := stats["recentErrors"].([]any)
	if len(recent) != 2 {
		t.Fatalf("recentErrors = %v", recent)
	}
	first := recent[0].(map[string]any)
	if first["message"] != "m1" || first["eventType"] != "incorrect_prediction" {
		t.Fatalf("first entry = %v", first)
	}
	status := stats["systemStatus"].(map[string]any)
	if status["alertWebhookEnabled"] != true || status["environment"] != "development" {
		t.Fatalf("systemStatus = %v", status)
	}
}

func TestAlertsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	rec := httptest.NewRecorder()
	h.gateway.GetAlerts(rec, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status without journal = %d, want 503", rec.Code)
	}

	dbm, err := db.Open(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = dbm.Close() }()
	err = dbm.InsertAlert(context.Background(), db.AlertInsert{
		AlertID: "a-1", CreatedAt: time.Now().UnixMilli(), Kind: "threshold",
		Summary: "3 erreurs détectées en 5 minutes", ErrorCount: 3, WindowMinutes: 5,
		ProjectID: "air-paradis-sentiment", Delivered: true,
	})
	if err != nil {
		t.Fatalf("insert alert: %v", err)
	}

	h = newHarness(t, nil, WithAlertHistory(dbm))
	rec = httptest.NewRecorder()
	h.gateway.GetAlerts(rec, httptest.NewRequest(http.MethodGet, "/api/alerts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Alerts []alertView `json:"alerts"`
	}
	if err := json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Alerts) != 1 || out.Alerts[0].ID != "a-1" || !out.Alerts[0].Delivered {
		t.Fatalf("alerts = %+v", out.Alerts)
	}
}

func TestRoutes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	health := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := New(":0", health, h.gateway)

	cases := []struct {
		method, path string
		body         string
		want         int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/api/logging", "", http.StatusOK},
		{http.MethodPost, "/api/logging", `{"level":"INFO","message":"x"}`, http.StatusOK},
		{http.MethodGet, "/api/alerts", "", http.StatusServiceUnavailable},
		{http.MethodDelete, "/api/logging", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body)))
		if rec.Code != tc.want {
			t.Fatalf("%s %s = %d, want %d", tc.method, tc.path, rec.Code, tc.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": " 198.51.100.1 , 10.0.0.1"}, "10.0.0.2:5000", "198.51.100.1"},
		{"real ip", map[string]string{"X-Real-Ip": "198.51.100.2"}, "10.0.0.2:5000", "198.51.100.2"},
		{"remote addr", nil, "192.0.2.9:4321", "192.0.2.9"},
		{"unparseable", nil, "garbage", ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		for k, v := range tc.headers {
			req.Header.Set(k, v)
		}
		if got := clientIP(req); got != tc.want {
			t.Fatalf("%s: clientIP = %q, want %q", tc.name, got, tc.want)
		}
	}
}
