package logevent

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// KeyValue holds a non-object data payload so it still travels with the event.
const KeyValue = "value"

const (
	ReasonMissingFields = "Niveau et message requis"
	ReasonInvalidJSON   = "Corps JSON invalide"
)

var ErrValidation = errors.New("validation failed")

type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Submission is the raw body accepted by the ingestion endpoint.
type Submission struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp *float64       `json:"timestamp,omitempty"`
	ProjectID string         `json:"projectId,omitempty"`
	LogName   string         `json:"logName,omitempty"`
}

type wireSubmission struct {
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
	ProjectID string          `json:"projectId"`
	LogName   string          `json:"logName"`
}

// UnmarshalJSON only checks that level and message are strings. data is
// opaque: an object is kept as-is, any other value is wrapped under
// KeyValue. A timestamp that is not a number is dropped.
func (s *Submission) UnmarshalJSON(b []byte) error {
	var w wireSubmission
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = Submission{
		Level:     w.Level,
		Message:   w.Message,
		Data:      decodeData(w.Data),
		Timestamp: decodeTimestamp(w.Timestamp),
		ProjectID: w.ProjectID,
		LogName:   w.LogName,
	}
	return nil
}

func decodeData(raw json.RawMessage) map[string]any {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return map[string]any{KeyValue: v}
}

func decodeTimestamp(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
			return &f
		}
	}
	return nil
}

func Parse(body []byte) (Submission, error) {
	var sub Submission
	if err := json.Unmarshal(body, &sub); err != nil {
		return Submission{}, &ValidationError{Reason: ReasonInvalidJSON, Err: err}
	}
	if err := sub.Validate(); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

func (s Submission) Validate() error {
	if strings.TrimSpace(s.Level) == "" || strings.TrimSpace(s.Message) == "" {
		return &ValidationError{Reason: ReasonMissingFields}
	}
	return nil
}
