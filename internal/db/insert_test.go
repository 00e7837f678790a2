package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestInsertEventsAndQueries(t *testing.T) {
	t.Parallel()

	dbm, err := Open(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = dbm.Close() }()

	now := time.Now().UnixMilli()
	err = dbm.InsertEvents(context.Background(), []EventInsert{
		{
			LogID:      "11111111-1111-4111-8111-111111111111",
			ReceivedAt: now - 1000,
			EventTS:    now - 1000,
			Level:      "INFO",
			Message:    "prediction ok",
			ProjectID:  "air-paradis-sentiment",
			LogName:    "air-paradis-frontend",
		},
		{
			LogID:      "22222222-2222-4222-8222-222222222222",
			ReceivedAt: now,
			EventTS:    now - 5,
			Level:      "WARNING",
			Message:    "wrong label",
			EventType:  "incorrect_prediction",
			ErrorClass: true,
			ProjectID:  "air-paradis-sentiment",
			LogName:    "air-paradis-frontend",
			Data:       `{"event_type":"incorrect_prediction"}`,
		},
	})
	if err != nil {
		t.Fatalf("InsertEvents() error = %v", err)
	}

	count, err := dbm.EventCount(context.Background())
	if err != nil || count != 2 {
		t.Fatalf("EventCount() = %d, %v; want 2", count, err)
	}
	warn, err := dbm.EventCountByLevel(context.Background(), "WARNING")
	if err != nil || warn != 1 {
		t.Fatalf("EventCountByLevel(WARNING) = %d, %v; want 1", warn, err)
	}
	errs, err := dbm.ErrorClassCountSince(context.Background(), now-60_000)
	if err != nil || errs != 1 {
		t.Fatalf("ErrorClassCountSince() = %d, %v; want 1", errs, err)
	}

	row, err := dbm.LatestEvent(context.Background())
	if err != nil {
		t.Fatalf("LatestEvent() error = %v", err)
	}
	if row.EventType != "incorrect_prediction" || !row.ErrorClass || row.EventTS != now-5 {
		t.Fatalf("unexpected latest row: %+v", row)
	}
}

func TestInsertAlertAndRecentAlerts(t *testing.T) {
	t.Parallel()

	dbm, err := Open(filepath.Join(t.TempDir(), "alerts.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = dbm.Close() }()

	for i, kind := range []string{"threshold", "critical"} {
		err := dbm.InsertAlert(context.Background(), AlertInsert{
			AlertID:       []string{"a-1", "a-2"}[i],
			CreatedAt:     time.Now().UnixMilli() + int64(i),
			Kind:          kind,
			Summary:       "summary " + kind,
			ErrorCount:    3 + i,
			WindowMinutes: 5,
			ProjectID:     "p",
			Delivered:     i == 0,
			DeliveryError: []string{"", "webhook: HTTP 500"}[i],
		})
		if err != nil {
			t.Fatalf("InsertAlert(%s) error = %v", kind, err)
		}
	}

	alerts, err := dbm.RecentAlerts(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentAlerts() error = %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want 2", len(alerts))
	}
	if alerts[0].Kind != "critical" || alerts[0].Delivered || alerts[0].DeliveryError == "" {
		t.Fatalf("newest alert = %+v", alerts[0])
	}
	if alerts[1].Kind != "threshold" || !alerts[1].Delivered || alerts[1].ErrorCount != 3 {
		t.Fatalf("oldest alert = %+v", alerts[1])
	}
}
