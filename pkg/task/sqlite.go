package task

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Repository persists workflows and their task arenas to sqlite, so a
// crashed run can be resumed.
type Repository struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenRepository opens (or creates) the database at path.
func OpenRepository(path string, logger zerolog.Logger) (*Repository, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps readers alive while the engine writes after every
	// state change.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	r := &Repository{
		db:     db,
		logger: logger.With().Str("component", "task-repository").Logger(),
	}
	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		goal TEXT NOT NULL,
		status TEXT NOT NULL,
		cursor INTEGER NOT NULL,
		executed_log TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS tasks (
		workflow_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		task_id TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (workflow_id, position),
		FOREIGN KEY (workflow_id) REFERENCES workflows(id)
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Save writes the workflow record and the full arena in one
// transaction. Called after every task state change; the row set is
// small enough that rewriting it beats tracking dirty rows.
func (r *Repository) Save(wf *Workflow, store *Store) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	logJSON, err := json.Marshal(wf.ExecutedLog)
	if err != nil {
		return fmt.Errorf("encode executed log: %w", err)
	}

	wf.UpdatedAt = time.Now()
	_, err = tx.Exec(`
		INSERT INTO workflows (id, goal, status, cursor, executed_log, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			cursor = excluded.cursor,
			executed_log = excluded.executed_log,
			updated_at = excluded.updated_at`,
		wf.ID, wf.Goal, string(wf.Status), store.Cursor(), string(logJSON), wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}

	if _, err := tx.Exec("DELETE FROM tasks WHERE workflow_id = ?", wf.ID); err != nil {
		return fmt.Errorf("clear tasks for %s: %w", wf.ID, err)
	}

	for pos, t := range store.Tasks() {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode task %s: %w", t.ID, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO tasks (workflow_id, position, task_id, data) VALUES (?, ?, ?, ?)",
			wf.ID, pos, t.ID, string(data)); err != nil {
			return fmt.Errorf("save task %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

// Load restores a workflow and its arena. The arena is validated on
// load; corruption is surfaced, not repaired.
func (r *Repository) Load(workflowID string, maxDepth int) (*Workflow, *Store, error) {
	wf := &Workflow{ID: workflowID}
	var status, logJSON string
	var cursor int

	err := r.db.QueryRow(
		"SELECT goal, status, cursor, executed_log, created_at, updated_at FROM workflows WHERE id = ?",
		workflowID).Scan(&wf.Goal, &status, &cursor, &logJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	wf.Status = WorkflowStatus(status)
	if err := json.Unmarshal([]byte(logJSON), &wf.ExecutedLog); err != nil {
		return nil, nil, fmt.Errorf("decode executed log: %w", err)
	}

	rows, err := r.db.Query(
		"SELECT data FROM tasks WHERE workflow_id = ? ORDER BY position", workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("load tasks for %s: %w", workflowID, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, nil, fmt.Errorf("scan task row: %w", err)
		}
		t := &Task{}
		if err := json.Unmarshal([]byte(data), t); err != nil {
			return nil, nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("read task rows: %w", err)
	}

	// A task caught mid-call by a crash goes back to pending so the
	// run re-executes it. A decomposed parent stays in progress: its
	// collector completes it.
	parents := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		parents[ParentID(t.ID)] = true
	}
	for _, t := range tasks {
		if t.Status == StatusInProgress && !t.IsCollector && !parents[t.ID] {
			t.Status = StatusPending
		}
	}

	store := NewStore(maxDepth)
	store.restore(tasks, cursor)
	if err := store.Validate(); err != nil {
		return nil, nil, err
	}

	r.logger.Info().Str("workflow", workflowID).Int("tasks", len(tasks)).Msg("Workflow restored")
	return wf, store, nil
}

// Close releases the database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}
