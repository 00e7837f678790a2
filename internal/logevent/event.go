// Package logevent holds the submitted log event, its validation and the
// error-class rule shared by the window tracker and the gateway.
package logevent

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// ParseLevel normalizes case and surrounding space. Unknown names are kept
// as-is (upper-cased); they are valid submissions that never count as errors.
func ParseLevel(s string) Level {
	return Level(strings.ToUpper(strings.TrimSpace(s)))
}

func (l Level) Known() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError, LevelCritical:
		return true
	}
	return false
}

// Well-known keys of Event.Data.
const (
	KeyEventType          = "event_type"
	KeyText               = "text"
	KeyPredictedSentiment = "predicted_sentiment"
	KeyActualSentiment    = "actual_sentiment"
	KeyConfidence         = "confidence"
	KeyUserID             = "user_id"
	KeyRequestID          = "request_id"
	KeyError              = "error"
	KeyStack              = "stack"
	KeyPerformanceMetrics = "performance_metrics"
)

const EventTypeIncorrectPrediction = "incorrect_prediction"

type Event struct {
	ID         string
	Level      Level
	Message    string
	Data       map[string]any
	Timestamp  int64
	ProjectID  string
	LogName    string
	Source     string
	UserAgent  string
	ClientIP   string
	ReceivedAt time.Time
}

type Defaults struct {
	ProjectID string
	LogName   string
	Source    string
}

type RequestMeta struct {
	UserAgent string
	ClientIP  string
}

// Build enriches a validated submission. It assumes sub.Validate() passed.
func Build(sub Submission, d Defaults, meta RequestMeta, now time.Time) Event {
	ev := Event{
		ID:         uuid.NewString(),
		Level:      ParseLevel(sub.Level),
		Message:    strings.TrimSpace(sub.Message),
		Data:       sub.Data,
		Timestamp:  now.UnixMilli(),
		ProjectID:  sub.ProjectID,
		LogName:    sub.LogName,
		Source:     d.Source,
		UserAgent:  meta.UserAgent,
		ClientIP:   meta.ClientIP,
		ReceivedAt: now,
	}
	if sub.Timestamp != nil && *sub.Timestamp > 0 {
		ev.Timestamp = int64(*sub.Timestamp)
	}
	if ev.ProjectID == "" {
		ev.ProjectID = d.ProjectID
	}
	if ev.LogName == "" {
		ev.LogName = d.LogName
	}
	if ev.ClientIP == "" {
		ev.ClientIP = "unknown"
	}
	return ev
}

func (e Event) EventType() string {
	return StringField(e.Data, KeyEventType)
}

func (e Event) IsErrorClass() bool {
	return IsErrorClass(e.Level, e.Data)
}

// IsErrorClass reports whether an event counts toward the alert window:
// ERROR, CRITICAL, or WARNING tagged as an incorrect prediction.
func IsErrorClass(level Level, data map[string]any) bool {
	switch level {
	case LevelError, LevelCritical:
		return true
	case LevelWarning:
		return StringField(data, KeyEventType) == EventTypeIncorrectPrediction
	}
	return false
}

func StringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}
