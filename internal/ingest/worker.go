package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kon-rad/sentiment-alerts/internal/db"
)

type Inserter interface {
	InsertEvents(ctx context.Context, events []db.EventInsert) error
}

// Worker drains the journal queue into sqlite, flushing every MaxBatchSize
// records or FlushWindow, whichever comes first.
type Worker struct {
	logger       *slog.Logger
	dbm          Inserter
	maxTextBytes int
}

func NewWorker(logger *slog.Logger, dbm Inserter, maxTextBytes int) *Worker {
	return &Worker{
		logger:       logger,
		dbm:          dbm,
		maxTextBytes: maxTextBytes,
	}
}

// Run returns when records is closed and the final batch is flushed. A failed
// batch is logged and discarded; the journal is best-effort.
func (w *Worker) Run(records <-chan Record) error {
	ticker := time.NewTicker(FlushWindow)
	defer ticker.Stop()

	buffer := make([]Record, 0, MaxBatchSize)

	flush := func(batch []Record) error {
		if len(batch) == 0 {
			return nil
		}
		rows := make([]db.EventInsert, 0, len(batch))
		for _, rec := range batch {
			rows = append(rows, w.toRow(rec))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := w.dbm.InsertEvents(ctx, rows); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		return nil
	}

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return flush(buffer)
			}
			buffer = append(buffer, rec)
			if len(buffer) >= MaxBatchSize {
				if err := flush(buffer); err != nil {
					w.logger.Error("journal flush failed", "error", err, "dropped", len(buffer))
				}
				buffer = buffer[:0]
			}
		case <-ticker.C:
			if len(buffer) == 0 {
				continue
			}
			if err := flush(buffer); err != nil {
				w.logger.Error("journal timed flush failed", "error", err, "dropped", len(buffer))
			}
			buffer = buffer[:0]
		}
	}
}

func (w *Worker) toRow(rec Record) db.EventInsert {
	receivedAt := rec.ReceivedAt
	if receivedAt == 0 {
		receivedAt = time.Now().UnixMilli()
	}
	var data string
	if len(rec.Data) > 0 {
		raw, err := json.Marshal(rec.Data)
		if err != nil {
			w.logger.Warn("journal data not serializable", "log_id", rec.LogID, "error", err)
		} else {
			data = TruncateBytes(string(raw), w.maxTextBytes)
		}
	}
	return db.EventInsert{
		LogID:      rec.LogID,
		ReceivedAt: receivedAt,
		EventTS:    rec.EventTS,
		Level:      rec.Level,
		Message:    TruncateBytes(rec.Message, w.maxTextBytes),
		EventType:  rec.EventType,
		ErrorClass: rec.ErrorClass,
		ProjectID:  rec.ProjectID,
		LogName:    rec.LogName,
		Source:     rec.Source,
		UserAgent:  rec.UserAgent,
		ClientIP:   rec.ClientIP,
		Data:       data,
	}
}
