// Package history persists finalized incident records to SQLite so audit
// data survives restarts. The core pipeline works without it; the sink is
// wired into the orchestrator as an optional collaborator.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/stratusops/stratus/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS incidents (
	incident_id  TEXT PRIMARY KEY,
	trigger_type TEXT NOT NULL,
	region       TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	duration_ms  INTEGER NOT NULL,
	error        TEXT,
	record       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_created ON incidents(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
`

// Store is a SQLite-backed incident sink.
type Store struct {
	db *sql.DB
}

// Open creates or opens the incident database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open incident db: %w", err)
	}
	// Single writer; WAL keeps readers unblocked during inserts.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	log.Info().Str("path", path).Msg("Incident history store opened")
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record upserts one finalized incident record.
func (s *Store) Record(ctx context.Context, rec *models.IncidentRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal incident record: %w", err)
	}
	var completedAt interface{}
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO incidents (incident_id, trigger_type, region, status, created_at, completed_at, duration_ms, error, record)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(incident_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			error = excluded.error,
			record = excluded.record`,
		rec.IncidentID, string(rec.TriggerType), rec.Region, string(rec.Status),
		rec.CreatedAt.UTC(), completedAt, rec.DurationMs, rec.Error, string(blob))
	if err != nil {
		return fmt.Errorf("insert incident %s: %w", rec.IncidentID, err)
	}
	return nil
}

// Get loads one record by ID.
func (s *Store) Get(ctx context.Context, incidentID string) (*models.IncidentRecord, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM incidents WHERE incident_id = ?", incidentID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", incidentID, err)
	}
	var rec models.IncidentRecord
	if err := json.Unmarshal([]byte(blob), &rec); err != nil {
		return nil, fmt.Errorf("decode incident %s: %w", incidentID, err)
	}
	return &rec, nil
}

// Recent returns up to limit records, newest first, optionally filtered by
// status.
func (s *Store) Recent(ctx context.Context, limit int, status models.IncidentStatus) ([]*models.IncidentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT record FROM incidents"
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()

	var out []*models.IncidentRecord
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var rec models.IncidentRecord
		if err := json.Unmarshal([]byte(blob), &rec); err != nil {
			log.Warn().Err(err).Msg("Skipping undecodable incident row")
			continue
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// PurgeOlderThan removes records created before the cutoff and returns the
// number deleted.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM incidents WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge incidents: %w", err)
	}
	return res.RowsAffected()
}
