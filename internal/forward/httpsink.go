package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kon-rad/sentiment-alerts/internal/logevent"
)

const (
	backendUserAgent = "Air-Paradis-Frontend/1.0.0"
	maxErrorBody     = 512
)

// DeliveryError is a non-2xx answer from a sink.
type DeliveryError struct {
	Sink       string
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Sink, e.StatusCode, e.Body)
}

func postJSON(ctx context.Context, client *http.Client, sink, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", sink, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", sink, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", sink, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &DeliveryError{Sink: sink, StatusCode: resp.StatusCode, Body: string(raw)}
}

// CloudLogSink writes structured entries to a logging service over HTTP,
// authenticated with a bearer credential.
type CloudLogSink struct {
	client     *http.Client
	endpoint   string
	credential string
}

type cloudEntry struct {
	LogName     string            `json:"logName"`
	Severity    string            `json:"severity"`
	Timestamp   string            `json:"timestamp"`
	Labels      map[string]string `json:"labels"`
	JSONPayload map[string]any    `json:"jsonPayload"`
}

func NewCloudLogSink(endpoint, credential string, client *http.Client) *CloudLogSink {
	if client == nil {
		client = &http.Client{}
	}
	return &CloudLogSink{client: client, endpoint: endpoint, credential: credential}
}

func (s *CloudLogSink) Name() string { return "cloud_logging" }

func (s *CloudLogSink) Send(ctx context.Context, ev logevent.Event) error {
	payload := map[string]any{
		"message":    ev.Message,
		"user_agent": ev.UserAgent,
		"client_ip":  ev.ClientIP,
	}
	if et := ev.EventType(); et != "" {
		payload["event_type"] = et
	}
	if len(ev.Data) > 0 {
		payload["data"] = ev.Data
	}
	entry := cloudEntry{
		LogName:   "projects/" + ev.ProjectID + "/logs/" + ev.LogName,
		Severity:  severity(ev.Level),
		Timestamp: time.UnixMilli(ev.Timestamp).UTC().Format(time.RFC3339Nano),
		Labels: map[string]string{
			"project_id": ev.ProjectID,
			"source":     ev.Source,
			"log_id":     ev.ID,
		},
		JSONPayload: payload,
	}

	headers := map[string]string{}
	if s.credential != "" {
		headers["Authorization"] = "Bearer " + s.credential
	}
	return postJSON(ctx, s.client, s.Name(), s.endpoint, headers, entry)
}

func severity(l logevent.Level) string {
	if l.Known() {
		return string(l)
	}
	return "DEFAULT"
}

// BackendSink relays the enriched entry to the aggregation API's /api/logging.
type BackendSink struct {
	client *http.Client
	url    string
}

type backendEntry struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
	ProjectID string         `json:"projectId"`
	LogName   string         `json:"logName"`
}

func NewBackendSink(baseURL string, client *http.Client) *BackendSink {
	if client == nil {
		client = &http.Client{}
	}
	return &BackendSink{client: client, url: strings.TrimRight(baseURL, "/") + "/api/logging"}
}

func (s *BackendSink) Name() string { return "backend" }

func (s *BackendSink) Send(ctx context.Context, ev logevent.Event) error {
	data := make(map[string]any, len(ev.Data)+4)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["frontend_source"] = true
	data["user_agent"] = ev.UserAgent
	data["ip"] = ev.ClientIP
	data["timestamp_frontend"] = ev.ReceivedAt.UTC().Format(time.RFC3339Nano)

	entry := backendEntry{
		Level:     string(ev.Level),
		Message:   ev.Message,
		Data:      data,
		Timestamp: ev.Timestamp,
		ProjectID: ev.ProjectID,
		LogName:   ev.LogName,
	}
	return postJSON(ctx, s.client, s.Name(), s.url, map[string]string{"User-Agent": backendUserAgent}, entry)
}
