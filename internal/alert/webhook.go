package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const defaultWebhookTimeout = 5 * time.Second

type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type Attachment struct {
	Color  string  `json:"color"`
	Fields []Field `json:"fields"`
}

// Payload is the incoming-webhook body understood by Slack and compatible
// chat services.
type Payload struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
}

func BuildPayload(a Alert) Payload {
	fields := []Field{
		{Title: "Erreurs", Value: strconv.Itoa(a.Count), Short: true},
		{Title: "Fenêtre", Value: fmt.Sprintf("%d minutes", a.WindowMinutes), Short: true},
		{Title: "Projet", Value: a.ProjectID, Short: true},
		{Title: "Horodatage", Value: a.Timestamp.UTC().Format(time.RFC3339), Short: true},
	}
	if len(a.Recent) > 0 {
		lines := make([]string, 0, len(a.Recent))
		for _, e := range a.Recent {
			lines = append(lines, fmt.Sprintf("- [%s] %s", e.Level, e.Message))
		}
		fields = append(fields, Field{Title: "Dernières erreurs", Value: strings.Join(lines, "\n")})
	}
	return Payload{
		Text: "ALERTE " + a.ProjectID + ": " + a.Summary,
		Attachments: []Attachment{{
			Color:  "danger",
			Fields: fields,
		}},
	}
}

// Webhook posts alerts to an operator-configured URL. It never retries.
type Webhook struct {
	client *http.Client
	url    string
}

type WebhookOption func(*Webhook)

func WithTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.client.Timeout = d }
}

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		client: &http.Client{Timeout: defaultWebhookTimeout},
		url:    url,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(BuildPayload(a))
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: HTTP %d", resp.StatusCode)
	}
	return nil
}
