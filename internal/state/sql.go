package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/chainflow-ai/chainflow/internal/platform/logger"
	"github.com/chainflow-ai/chainflow/internal/variable"
)

// SQLStore persists records in Postgres or MySQL. Records travel as JSON
// payloads; the relational columns exist for keying and recency queries.
type SQLStore struct {
	db      *sql.DB
	dialect string
	log     logger.Logger
}

// OpenSQL connects to the database and bootstraps the schema. dialect is
// "postgres" or "mysql".
func OpenSQL(ctx context.Context, dialect, dsn string, log logger.Logger) (*SQLStore, error) {
	if dialect != "postgres" && dialect != "mysql" {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", dialect, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect, err)
	}

	store := &SQLStore{db: db, dialect: dialect, log: log}
	if err := store.bootstrap(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) bootstrap(ctx context.Context) error {
	textType := "TEXT"
	if s.dialect == "mysql" {
		textType = "LONGTEXT"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS flow_runs (
			run_id     VARCHAR(64) PRIMARY KEY,
			flow_id    VARCHAR(64) NOT NULL DEFAULT '',
			payload    %s NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, textType),
		`CREATE INDEX IF NOT EXISTS idx_flow_runs_flow_id ON flow_runs (flow_id, updated_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS flow_variables (
			scope      VARCHAR(128) PRIMARY KEY,
			payload    %s NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, textType),
	}
	// MySQL has no CREATE INDEX IF NOT EXISTS; a duplicate-key error on
	// re-bootstrap is harmless.
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.dialect == "mysql" && isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("failed to bootstrap state schema: %w", err)
		}
	}
	return nil
}

func isDuplicateIndex(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate key name") || strings.Contains(msg, "already exists")
}

func (s *SQLStore) SaveRun(ctx context.Context, record RunRecord) error {
	now := time.Now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode run record: %w", err)
	}

	var query string
	if s.dialect == "postgres" {
		query = `INSERT INTO flow_runs (run_id, flow_id, payload, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (run_id) DO UPDATE SET
				flow_id = EXCLUDED.flow_id,
				payload = EXCLUDED.payload,
				updated_at = EXCLUDED.updated_at`
	} else {
		query = `INSERT INTO flow_runs (run_id, flow_id, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				flow_id = VALUES(flow_id),
				payload = VALUES(payload),
				updated_at = VALUES(updated_at)`
	}

	_, err = s.db.ExecContext(ctx, query,
		record.RunID, record.FlowID, string(payload), record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", record.RunID, err)
	}
	return nil
}

func (s *SQLStore) LoadRun(ctx context.Context, runID string) (*RunRecord, error) {
	query := `SELECT payload FROM flow_runs WHERE run_id = $1`
	if s.dialect == "mysql" {
		query = `SELECT payload FROM flow_runs WHERE run_id = ?`
	}

	var payload string
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("failed to decode run record %s: %w", runID, err)
	}
	return &record, nil
}

func (s *SQLStore) LoadLatest(ctx context.Context, flowID string) (*RunRecord, error) {
	query := `SELECT payload FROM flow_runs WHERE flow_id = $1 ORDER BY updated_at DESC LIMIT 1`
	if s.dialect == "mysql" {
		query = `SELECT payload FROM flow_runs WHERE flow_id = ? ORDER BY updated_at DESC LIMIT 1`
	}

	var payload string
	err := s.db.QueryRowContext(ctx, query, flowID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("failed to decode latest run for flow %s: %w", flowID, err)
	}
	return &record, nil
}

func (s *SQLStore) SaveVariables(ctx context.Context, scope string, vars map[string]variable.Variable) error {
	payload, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}

	var query string
	if s.dialect == "postgres" {
		query = `INSERT INTO flow_variables (scope, payload, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (scope) DO UPDATE SET
				payload = EXCLUDED.payload,
				updated_at = EXCLUDED.updated_at`
	} else {
		query = `INSERT INTO flow_variables (scope, payload, updated_at)
			VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE
				payload = VALUES(payload),
				updated_at = VALUES(updated_at)`
	}

	_, err = s.db.ExecContext(ctx, query, scope, string(payload), time.Now())
	if err != nil {
		return fmt.Errorf("failed to save variables for scope %s: %w", scope, err)
	}
	return nil
}

func (s *SQLStore) LoadVariables(ctx context.Context, scope string) (map[string]variable.Variable, error) {
	query := `SELECT payload FROM flow_variables WHERE scope = $1`
	if s.dialect == "mysql" {
		query = `SELECT payload FROM flow_variables WHERE scope = ?`
	}

	var payload string
	err := s.db.QueryRowContext(ctx, query, scope).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	vars := make(map[string]variable.Variable)
	if err := json.Unmarshal([]byte(payload), &vars); err != nil {
		return nil, fmt.Errorf("failed to decode variables for scope %s: %w", scope, err)
	}
	return vars, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
