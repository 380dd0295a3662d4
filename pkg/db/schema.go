package db

// Schema defines the run history tables. A run is one fleet command; each
// image transfer it attempted is a row in transfers.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    operation TEXT NOT NULL,
    node_count INTEGER NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('running', 'succeeded', 'failed')),
    failed_nodes INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS transfers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    node TEXT NOT NULL,
    image_type TEXT NOT NULL,
    partition INTEGER NOT NULL,
    priority INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK(status IN ('complete', 'failed')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transfers_run_id ON transfers(run_id);
CREATE INDEX IF NOT EXISTS idx_transfers_node ON transfers(node);
`

// Run status constants
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Transfer status constants
const (
	TransferComplete = "complete"
	TransferFailed   = "failed"
)

// Run is one fleet command.
type Run struct {
	ID           string
	Operation    string
	NodeCount    int
	Status       string
	FailedNodes  int
	ErrorMessage string
	StartedAt    string
	FinishedAt   string
}

// Transfer is one (image, partition) write on a node.
type Transfer struct {
	ID           int64
	RunID        string
	Node         string
	ImageType    string
	Partition    int
	Priority     uint32
	Status       string
	ErrorMessage string
	CreatedAt    string
}
