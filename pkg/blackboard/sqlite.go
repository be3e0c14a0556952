package blackboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend persists artifacts in an embedded SQLite database, one row per
// artifact. The AUTOINCREMENT rowid is the sequence number.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens the database at dbPath and creates tables if they don't exist.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps seq assignment linear.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteBackend) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		producer TEXT NOT NULL,
		visibility TEXT NOT NULL,
		tags TEXT NOT NULL,
		correlation_key TEXT,
		created_at INTEGER NOT NULL,
		consumed_by TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(type, seq);
	CREATE INDEX IF NOT EXISTS idx_artifacts_correlation ON artifacts(correlation_key);
	`
	_, err := db.Exec(schema)
	return err
}

// Append inserts the artifact row and returns its rowid as the sequence number.
func (s *SQLiteBackend) Append(ctx context.Context, a *Artifact) (int64, error) {
	visibilityJSON, err := json.Marshal(a.Visibility)
	if err != nil {
		return 0, fmt.Errorf("marshal visibility: %w", err)
	}
	tagsJSON, err := json.Marshal(nonNil(a.Tags))
	if err != nil {
		return 0, fmt.Errorf("marshal tags: %w", err)
	}
	consumedJSON, err := json.Marshal(nonNil(a.ConsumedBy))
	if err != nil {
		return 0, fmt.Errorf("marshal consumed_by: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, type, payload, producer, visibility, tags, correlation_key, created_at, consumed_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Type, string(a.Payload), a.Producer, string(visibilityJSON), string(tagsJSON),
		a.CorrelationKey, a.CreatedAt.UnixNano(), string(consumedJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read artifact seq: %w", err)
	}
	return seq, nil
}

const selectArtifact = `SELECT seq, id, type, payload, producer, visibility, tags, correlation_key, created_at, consumed_by FROM artifacts`

// Get retrieves an artifact by ID.
func (s *SQLiteBackend) Get(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, selectArtifact+` WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	return a, nil
}

// Scan returns artifacts after afterSeq in sequence order.
func (s *SQLiteBackend) Scan(ctx context.Context, afterSeq int64, types []string, limit int) ([]*Artifact, error) {
	query := selectArtifact + ` WHERE seq > ?`
	args := []any{afterSeq}
	if len(types) > 0 {
		query += ` AND type IN (?` + strings.Repeat(`, ?`, len(types)-1) + `)`
		for _, t := range types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	out := []*Artifact{}
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkConsumed updates consumed_by inside a transaction.
func (s *SQLiteBackend) MarkConsumed(ctx context.Context, id, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var consumedJSON string
	err = tx.QueryRowContext(ctx, `SELECT consumed_by FROM artifacts WHERE id = ?`, id).Scan(&consumedJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read consumed_by: %w", err)
	}

	var consumed []string
	if err := json.Unmarshal([]byte(consumedJSON), &consumed); err != nil {
		return fmt.Errorf("unmarshal consumed_by: %w", err)
	}
	if slices.Contains(consumed, agentID) {
		return nil
	}
	consumed = append(consumed, agentID)

	updated, err := json.Marshal(consumed)
	if err != nil {
		return fmt.Errorf("marshal consumed_by: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE artifacts SET consumed_by = ? WHERE id = ?`, string(updated), id); err != nil {
		return fmt.Errorf("update consumed_by: %w", err)
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a                                   Artifact
		payload, visibility, tags, consumed string
		correlation                         sql.NullString
		createdAt                           int64
	)
	if err := row.Scan(&a.Seq, &a.ID, &a.Type, &payload, &a.Producer, &visibility, &tags, &correlation, &createdAt, &consumed); err != nil {
		return nil, err
	}

	a.Payload = json.RawMessage(payload)
	a.CorrelationKey = correlation.String
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	if err := json.Unmarshal([]byte(visibility), &a.Visibility); err != nil {
		return nil, fmt.Errorf("unmarshal visibility: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &a.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(consumed), &a.ConsumedBy); err != nil {
		return nil, fmt.Errorf("unmarshal consumed_by: %w", err)
	}
	a.Tags = nonNil(a.Tags)
	a.ConsumedBy = nonNil(a.ConsumedBy)
	return &a, nil
}
