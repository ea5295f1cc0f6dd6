package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/funnyzak/reqsnipe/internal/config"
	"github.com/funnyzak/reqsnipe/internal/logger"
	"github.com/funnyzak/reqsnipe/pkg/request"

	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
)

type sqliteStore struct {
	db  *sql.DB
	cfg *config.StorageConfig
	log logger.Logger
}

func newSQLiteStore(cfg *config.StorageConfig, log logger.Logger) (Store, error) {
	path := cfg.Path
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(absPath))
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=MEMORY;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %s: %w", stmt, err)
		}
	}

	store := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *sqliteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS kv (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_ns INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    template_index INTEGER NOT NULL,
    label TEXT,
    timestamp_ns INTEGER NOT NULL,
    method TEXT NOT NULL,
    url TEXT NOT NULL,
    headers_json TEXT,
    body TEXT,
    status_code INTEGER,
    response_body BLOB,
    response_time_ms INTEGER,
    outcome TEXT,
    message TEXT,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_attempts_ts ON attempts(timestamp_ns DESC);
`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, key, def string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("read key %s: %w", key, err)
	}
	return value, nil
}

func (s *sqliteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_ns) VALUES (?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_ns = excluded.updated_ns`,
		key, value, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("write key %s: %w", key, err)
	}
	return nil
}

// RecordAttempt stores a replay attempt and prunes history beyond max_attempts
func (s *sqliteStore) RecordAttempt(ctx context.Context, data *request.Attempt) error {
	if data == nil {
		return fmt.Errorf("attempt is nil")
	}
	if strings.TrimSpace(data.ID) == "" {
		data.ID = fmt.Sprintf("RPL-%d", time.Now().UnixNano())
	}
	ts := data.Timestamp.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
		data.Timestamp = ts
	}

	headersJSON, err := json.Marshal(data.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	insertSQL := `INSERT INTO attempts (
        id, seq, template_index, label, timestamp_ns, method, url, headers_json, body,
        status_code, response_body, response_time_ms, outcome, message, error
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, insertSQL,
		data.ID,
		data.Seq,
		data.TemplateIndex,
		data.Label,
		ts.UnixNano(),
		data.Method,
		data.URL,
		string(headersJSON),
		data.Body,
		data.StatusCode,
		data.ResponseBody,
		data.ResponseTimeMs,
		string(data.Outcome),
		data.Message,
		data.Error,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}

	if err = s.prune(ctx, tx); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *sqliteStore) prune(ctx context.Context, tx *sql.Tx) error {
	if s.cfg.MaxAttempts <= 0 {
		return nil
	}
	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM attempts").Scan(&count); err != nil {
		return fmt.Errorf("count attempts: %w", err)
	}
	if excess := count - s.cfg.MaxAttempts; excess > 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM attempts WHERE id IN (SELECT id FROM attempts ORDER BY timestamp_ns ASC, seq ASC LIMIT ?)", excess); err != nil {
			return fmt.Errorf("prune attempts: %w", err)
		}
	}
	return nil
}

// ListAttempts returns the newest attempts first
func (s *sqliteStore) ListAttempts(ctx context.Context, limit int) ([]*request.Attempt, error) {
	query := `SELECT id, seq, template_index, label, timestamp_ns, method, url, headers_json, body,
        status_code, response_body, response_time_ms, outcome, message, error
        FROM attempts ORDER BY timestamp_ns DESC, seq DESC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*request.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, attempt)
	}
	return result, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanAttempt(scanner interface {
	Scan(dest ...interface{}) error
}) (*request.Attempt, error) {
	var (
		id             string
		seq            int
		templateIndex  int
		label          sql.NullString
		ts             int64
		method         string
		url            string
		headersJSON    sql.NullString
		body           sql.NullString
		statusCode     sql.NullInt64
		responseBody   []byte
		responseTimeMs sql.NullInt64
		outcome        sql.NullString
		message        sql.NullString
		errorMsg       sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&seq,
		&templateIndex,
		&label,
		&ts,
		&method,
		&url,
		&headersJSON,
		&body,
		&statusCode,
		&responseBody,
		&responseTimeMs,
		&outcome,
		&message,
		&errorMsg,
	); err != nil {
		return nil, err
	}

	headers := request.Headers{}
	if headersJSON.Valid && headersJSON.String != "" {
		if err := json.Unmarshal([]byte(headersJSON.String), &headers); err != nil {
			headers = request.Headers{}
		}
	}

	return &request.Attempt{
		ID:             id,
		Seq:            seq,
		TemplateIndex:  templateIndex,
		Label:          label.String,
		Timestamp:      time.Unix(0, ts).UTC(),
		Method:         method,
		URL:            url,
		Headers:        headers,
		Body:           body.String,
		StatusCode:     int(statusCode.Int64),
		ResponseBody:   append([]byte(nil), responseBody...),
		ResponseTimeMs: responseTimeMs.Int64,
		Outcome:        request.Outcome(outcome.String),
		Message:        message.String,
		Error:          errorMsg.String,
	}, nil
}
