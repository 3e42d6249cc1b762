package journal

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    timestamp TEXT NOT NULL,
    language TEXT NOT NULL,
    row_from INTEGER NOT NULL,
    row_to INTEGER NOT NULL,
    filter TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'running',
    started_at TEXT NOT NULL,
    finished_at TEXT
);

CREATE TABLE IF NOT EXISTS invocations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    project TEXT NOT NULL,
    tool TEXT NOT NULL,
    status TEXT NOT NULL,
    cause TEXT NOT NULL,
    started_at TEXT,
    ended_at TEXT,
    elapsed_ms INTEGER NOT NULL,
    peak_bytes INTEGER NOT NULL,
    exit_code INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_invocations_run_id ON invocations(run_id);
`
