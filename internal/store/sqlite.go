package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/llmobs/telemetry-pipeline/internal/telemetry"
)

// SQLiteStore is the default Store implementation: a single-file,
// cgo-free sqlite database opened in WAL mode.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// initializes the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) PutRecord(ctx context.Context, rec telemetry.Record, enrichment telemetry.Enrichment) error {
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	enr, err := json.Marshal(enrichment)
	if err != nil {
		return fmt.Errorf("failed to marshal enrichment: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO records
			(trace_id, ingested_at, model_id, prompt, response, input_tokens,
			 output_tokens, latency_ms, cost_usd, error_occurred, user_id,
			 session_id, tags, enrichment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TraceID, rec.IngestedAt.UTC().Format(time.RFC3339Nano), rec.ModelID,
		rec.Prompt, rec.Response, rec.InputTokens, rec.OutputTokens,
		rec.LatencyMS, rec.CostUSD, rec.ErrorOccurred, rec.UserID,
		rec.SessionID, string(tags), string(enr),
	)
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.TraceID, err)
	}
	return nil
}

func (s *SQLiteStore) PutIncident(ctx context.Context, inc *telemetry.Incident) error {
	threats, err := json.Marshal(inc.Threats)
	if err != nil {
		return fmt.Errorf("failed to marshal threats: %w", err)
	}
	anomalies, err := json.Marshal(inc.Anomalies)
	if err != nil {
		return fmt.Errorf("failed to marshal anomalies: %w", err)
	}
	var quality sql.NullString
	if inc.Quality != nil {
		q, err := json.Marshal(inc.Quality)
		if err != nil {
			return fmt.Errorf("failed to marshal quality: %w", err)
		}
		quality = sql.NullString{String: string(q), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO incidents
			(id, trace_id, created_at, severity, status, summary, partial, threats, anomalies, quality)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.TraceID, inc.CreatedAt, string(inc.Severity), string(inc.Status),
		inc.Summary, inc.Partial, string(threats), string(anomalies), quality,
	)
	if err != nil {
		return fmt.Errorf("failed to store incident %s: %w", inc.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetIncident(ctx context.Context, id string) (*telemetry.Incident, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, trace_id, created_at, severity, status, summary, partial, threats, anomalies, quality
		FROM incidents WHERE id = ?`, id)
	return scanIncident(row)
}

func (s *SQLiteStore) UpdateIncidentStatus(ctx context.Context, id string, status telemetry.IncidentStatus) (*telemetry.Incident, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, trace_id, created_at, severity, status, summary, partial, threats, anomalies, quality
		FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row)
	if err != nil {
		return nil, err
	}

	if err := inc.Transition(status); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE incidents SET status = ? WHERE id = ?`, string(inc.Status), id); err != nil {
		return nil, fmt.Errorf("failed to update incident %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit status update: %w", err)
	}
	return inc, nil
}

func (s *SQLiteStore) QueryIncidents(ctx context.Context, filter Filter, limit int) ([]*telemetry.Incident, error) {
	query := `
		SELECT id, trace_id, created_at, severity, status, summary, partial, threats, anomalies, quality
		FROM incidents WHERE 1=1`
	args := []any{}
	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.Severity != nil {
		query += " AND severity = ?"
		args = append(args, string(*filter.Severity))
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.UnixNano())
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var out []*telemetry.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanIncident(row scanner) (*telemetry.Incident, error) {
	var inc telemetry.Incident
	var severity, status, threats, anomalies string
	var quality sql.NullString

	err := row.Scan(&inc.ID, &inc.TraceID, &inc.CreatedAt, &severity, &status,
		&inc.Summary, &inc.Partial, &threats, &anomalies, &quality)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan incident: %w", err)
	}

	inc.Severity = telemetry.Severity(severity)
	inc.Status = telemetry.IncidentStatus(status)
	if err := json.Unmarshal([]byte(threats), &inc.Threats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal threats for %s: %w", inc.ID, err)
	}
	if err := json.Unmarshal([]byte(anomalies), &inc.Anomalies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal anomalies for %s: %w", inc.ID, err)
	}
	if quality.Valid {
		var q telemetry.QualityScore
		if err := json.Unmarshal([]byte(quality.String), &q); err != nil {
			return nil, fmt.Errorf("failed to unmarshal quality for %s: %w", inc.ID, err)
		}
		inc.Quality = &q
	}
	return &inc, nil
}
