package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
)

// schemaVersion is stored in PRAGMA user_version. Bump it together with a
// migration step in migrate.
const schemaVersion = 1

// Manager owns the event and alert journal. Writes go through a single
// connection; reads use a small pool so health and alert-history queries do
// not queue behind a batch flush.
type Manager struct {
	path   string
	writer *sql.DB
	reader *sql.DB
}

type HealthStats struct {
	DBStatus    string
	DBSizeBytes int64
	WALSize     int64
	EventRows   int64
	AlertRows   int64
}

// Applied on every new connection. auto_vacuum is not here: it only takes
// effect on an empty file or after VACUUM, see ensureAutoVacuum.
var connPragmas = []string{
	"journal_mode = WAL",
	"synchronous = NORMAL",
	"busy_timeout = 10000",
	"temp_store = MEMORY",
	"foreign_keys = ON",
	"cache_size = -8000",
	"journal_size_limit = 67108864",
}

func init() {
	var b strings.Builder
	for _, p := range connPragmas {
		b.WriteString("PRAGMA " + p + ";\n")
	}
	hookSQL := b.String()
	sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
		_, err := conn.ExecContext(context.Background(), hookSQL, []driver.NamedValue{})
		return err
	})
}

func Open(path string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	dsn := "file:" + path
	writer, err := openPool(dsn, 1)
	if err != nil {
		return nil, fmt.Errorf("open journal writer: %w", err)
	}
	reader, err := openPool(dsn, 4)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open journal reader: %w", err)
	}

	m := &Manager{path: path, writer: writer, reader: reader}
	if err := m.migrate(context.Background()); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func openPool(dsn string, conns int) (*sql.DB, error) {
	pool, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(conns)
	pool.SetMaxIdleConns(conns)
	if err := pool.PingContext(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}

func (m *Manager) migrate(ctx context.Context) error {
	version, err := m.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > schemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", version, schemaVersion)
	}
	if err := ensureAutoVacuum(ctx, m.writer); err != nil {
		return fmt.Errorf("ensure auto_vacuum incremental: %w", err)
	}
	if _, err := m.writer.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if version < schemaVersion {
		if _, err := m.writer.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	}
	return nil
}

func (m *Manager) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := m.writer.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Checkpoint(ctx context.Context) error {
	_, err := m.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (m *Manager) Close() error {
	return errors.Join(m.writer.Close(), m.reader.Close())
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.writer.PingContext(ctx)
}

// Stats never fails: an unreachable journal is reported as DBStatus "error"
// with whatever sizes the filesystem still gives.
func (m *Manager) Stats(ctx context.Context) HealthStats {
	stats := HealthStats{
		DBStatus:    "ok",
		DBSizeBytes: m.DBSizeBytes(),
		WALSize:     m.WALSizeBytes(),
	}
	if err := m.Ping(ctx); err != nil {
		stats.DBStatus = "error"
		return stats
	}
	var err error
	if stats.EventRows, err = m.EventCount(ctx); err != nil {
		stats.DBStatus = "error"
	}
	if stats.AlertRows, err = m.AlertCount(ctx); err != nil {
		stats.DBStatus = "error"
	}
	return stats
}

func (m *Manager) Pragmas(ctx context.Context) (journalMode string, busyTimeout int, autoVacuum int, err error) {
	row := m.writer.QueryRowContext(ctx, "SELECT * FROM pragma_journal_mode, pragma_busy_timeout, pragma_auto_vacuum")
	if err = row.Scan(&journalMode, &busyTimeout, &autoVacuum); err != nil {
		return "", 0, 0, err
	}
	return journalMode, busyTimeout, autoVacuum, nil
}

// ensureAutoVacuum switches an existing file to incremental mode; a fresh
// file picks it up before the first table is created.
func ensureAutoVacuum(ctx context.Context, writer *sql.DB) error {
	var mode int
	if err := writer.QueryRowContext(ctx, "PRAGMA auto_vacuum").Scan(&mode); err != nil {
		return err
	}
	if mode == 2 {
		return nil
	}
	if _, err := writer.ExecContext(ctx, "PRAGMA auto_vacuum = INCREMENTAL"); err != nil {
		return err
	}
	_, err := writer.ExecContext(ctx, "VACUUM")
	return err
}
