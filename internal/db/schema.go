package db

const schemaDDL = `
CREATE TABLE IF NOT EXISTS log_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  log_id TEXT NOT NULL UNIQUE,
  received_at INTEGER NOT NULL,
  event_ts INTEGER NOT NULL,
  level TEXT NOT NULL,
  message TEXT NOT NULL,
  event_type TEXT,
  error_class INTEGER NOT NULL DEFAULT 0,
  project_id TEXT NOT NULL,
  log_name TEXT NOT NULL,
  source TEXT,
  user_agent TEXT,
  client_ip TEXT,
  data TEXT
);

CREATE TABLE IF NOT EXISTS alerts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  alert_id TEXT NOT NULL UNIQUE,
  created_at INTEGER NOT NULL,
  kind TEXT NOT NULL,
  summary TEXT NOT NULL,
  error_count INTEGER NOT NULL,
  window_minutes INTEGER NOT NULL,
  project_id TEXT NOT NULL,
  delivered INTEGER NOT NULL DEFAULT 0,
  delivery_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_received ON log_events (received_at);
CREATE INDEX IF NOT EXISTS idx_events_level ON log_events (level, received_at);
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts (created_at);
`
