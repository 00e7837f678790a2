package ingest

import "time"

const (
	QueueCapacity = 512
	MaxBatchSize  = 50
	FlushWindow   = 500 * time.Millisecond
)

// Record is one accepted log event on its way to the journal.
type Record struct {
	LogID      string
	ReceivedAt int64
	EventTS    int64
	Level      string
	Message    string
	EventType  string
	ErrorClass bool
	ProjectID  string
	LogName    string
	Source     string
	UserAgent  string
	ClientIP   string
	Data       map[string]any
}

func TryEnqueue(ch chan<- Record, rec Record) bool {
	select {
	case ch <- rec:
		return true
	default:
		return false
	}
}
