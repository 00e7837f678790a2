package db

import (
	"context"
	"database/sql"
	"fmt"
)

type EventInsert struct {
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
	Data       string
}

type EventRow struct {
	LogID      string
	ReceivedAt int64
	EventTS    int64
	Level      string
	Message    string
	EventType  string
	ErrorClass bool
	ProjectID  string
	LogName    string
	Data       string
}

type AlertInsert struct {
	AlertID       string
	CreatedAt     int64
	Kind          string
	Summary       string
	ErrorCount    int
	WindowMinutes int
	ProjectID     string
	Delivered     bool
	DeliveryError string
}

type AlertRow = AlertInsert

func (m *Manager) InsertEvents(ctx context.Context, events []EventInsert) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := m.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO log_events (
  log_id, received_at, event_ts, level, message, event_type, error_class,
  project_id, log_name, source, user_agent, client_ip, data
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range events {
		if _, err := stmt.ExecContext(
			ctx,
			row.LogID,
			row.ReceivedAt,
			row.EventTS,
			row.Level,
			row.Message,
			nullable(row.EventType),
			boolInt(row.ErrorClass),
			row.ProjectID,
			row.LogName,
			row.Source,
			row.UserAgent,
			row.ClientIP,
			nullable(row.Data),
		); err != nil {
			return fmt.Errorf("insert event row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (m *Manager) InsertAlert(ctx context.Context, row AlertInsert) error {
	_, err := m.writer.ExecContext(ctx, `
INSERT INTO alerts (
  alert_id, created_at, kind, summary, error_count, window_minutes, project_id, delivered, delivery_error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		row.AlertID,
		row.CreatedAt,
		row.Kind,
		row.Summary,
		row.ErrorCount,
		row.WindowMinutes,
		row.ProjectID,
		boolInt(row.Delivered),
		nullable(row.DeliveryError),
	)
	if err != nil {
		return fmt.Errorf("insert alert row: %w", err)
	}
	return nil
}

func (m *Manager) EventCount(ctx context.Context) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM log_events").Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}

func (m *Manager) EventCountByLevel(ctx context.Context, level string) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM log_events WHERE level = ?", level).Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}

func (m *Manager) ErrorClassCountSince(ctx context.Context, sinceMillis int64) (int64, error) {
	var out int64
	err := m.reader.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM log_events WHERE error_class = 1 AND received_at >= ?", sinceMillis,
	).Scan(&out)
	if err != nil {
		return 0, err
	}
	return out, nil
}

func (m *Manager) LatestEvent(ctx context.Context) (EventRow, error) {
	var row EventRow
	var errorClass int
	err := m.reader.QueryRowContext(ctx, `
SELECT log_id, received_at, event_ts, level, message, COALESCE(event_type,''), error_class, project_id, log_name, COALESCE(data,'')
FROM log_events
ORDER BY id DESC LIMIT 1
`).Scan(
		&row.LogID,
		&row.ReceivedAt,
		&row.EventTS,
		&row.Level,
		&row.Message,
		&row.EventType,
		&errorClass,
		&row.ProjectID,
		&row.LogName,
		&row.Data,
	)
	row.ErrorClass = errorClass == 1
	return row, err
}

func (m *Manager) AlertCount(ctx context.Context) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM alerts").Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (m *Manager) RecentAlerts(ctx context.Context, limit int) ([]AlertRow, error) {
	rows, err := m.reader.QueryContext(ctx, `
SELECT alert_id, created_at, kind, summary, error_count, window_minutes, project_id, delivered, COALESCE(delivery_error,'')
FROM alerts
ORDER BY id DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AlertRow, 0, limit)
	for rows.Next() {
		var row AlertRow
		var delivered int
		if err := rows.Scan(
			&row.AlertID,
			&row.CreatedAt,
			&row.Kind,
			&row.Summary,
			&row.ErrorCount,
			&row.WindowMinutes,
			&row.ProjectID,
			&delivered,
			&row.DeliveryError,
		); err != nil {
			return nil, err
		}
		row.Delivered = delivered == 1
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
