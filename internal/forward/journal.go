package forward

import (
	"context"
	"errors"

	"github.com/kon-rad/sentiment-alerts/internal/ingest"
	"github.com/kon-rad/sentiment-alerts/internal/logevent"
)

var ErrJournalFull = errors.New("journal queue full")

type Enqueuer interface {
	Enqueue(rec ingest.Record) bool
}

// JournalSink hands events to the local sqlite journal without blocking.
type JournalSink struct {
	enqueuer Enqueuer
}

func NewJournalSink(enqueuer Enqueuer) *JournalSink {
	return &JournalSink{enqueuer: enqueuer}
}

func (s *JournalSink) Name() string { return "journal" }

func (s *JournalSink) Send(_ context.Context, ev logevent.Event) error {
	if !s.enqueuer.Enqueue(RecordFor(ev)) {
		return ErrJournalFull
	}
	return nil
}

func RecordFor(ev logevent.Event) ingest.Record {
	return ingest.Record{
		LogID:      ev.ID,
		ReceivedAt: ev.ReceivedAt.UnixMilli(),
		EventTS:    ev.Timestamp,
		Level:      string(ev.Level),
		Message:    ev.Message,
		EventType:  ev.EventType(),
		ErrorClass: ev.IsErrorClass(),
		ProjectID:  ev.ProjectID,
		LogName:    ev.LogName,
		Source:     ev.Source,
		UserAgent:  ev.UserAgent,
		ClientIP:   ev.ClientIP,
		Data:       ev.Data,
	}
}
