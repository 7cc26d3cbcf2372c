// Package history journals analyzed verdicts to SQLite and pages them for
// review.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entry kinds.
const (
	KindAnalysis    = "analysis"
	KindCalibration = "calibration"
)

// Entry is one journaled result.
type Entry struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Kind         string    `json:"kind"`
	Posture      string    `json:"posture,omitempty"`
	PostureType  string    `json:"posture_type,omitempty"`
	TorsoAngle   *float64  `json:"torso_angle,omitempty"`
	NeckAngle    *float64  `json:"neck_angle,omitempty"`
	ShoulderTilt *float64  `json:"shoulder_tilt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS posture_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id    TEXT    NOT NULL,
	kind          TEXT    NOT NULL,
	posture       TEXT    NOT NULL DEFAULT '',
	posture_type  TEXT    NOT NULL DEFAULT '',
	torso_angle   REAL,
	neck_angle    REAL,
	shoulder_tilt REAL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS posture_log_created_at ON posture_log (created_at);
`

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store persists entries in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the history database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Insert stores e and returns its id.
func (s *Store) Insert(ctx context.Context, e Entry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if e.SessionID == "" {
		return 0, fmt.Errorf("session id is required")
	}
	if e.Kind == "" {
		e.Kind = KindAnalysis
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	res, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO posture_log (
		   session_id,
		   kind,
		   posture,
		   posture_type,
		   torso_angle,
		   neck_angle,
		   shoulder_tilt,
		   created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID,
		e.Kind,
		e.Posture,
		e.PostureType,
		nullFloat(e.TorsoAngle),
		nullFloat(e.NeckAngle),
		nullFloat(e.ShoulderTilt),
		toMillis(e.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("insert posture log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("posture log id: %w", err)
	}
	return id, nil
}

// List returns analysis entries created at or after since, oldest first.
func (s *Store) List(ctx context.Context, since time.Time) ([]Entry, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT id, session_id, kind, posture, posture_type, torso_angle, neck_angle, shoulder_tilt, created_at
		   FROM posture_log
		  WHERE kind = ? AND created_at >= ?
		  ORDER BY created_at ASC, id ASC`,
		KindAnalysis,
		toMillis(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query posture log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			torso, neck, tilt sql.NullFloat64
			createdAt         int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Posture, &e.PostureType, &torso, &neck, &tilt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan posture log: %w", err)
		}
		e.TorsoAngle = floatPtr(torso)
		e.NeckAngle = floatPtr(neck)
		e.ShoulderTilt = floatPtr(tilt)
		e.CreatedAt = fromMillis(createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posture log: %w", err)
	}
	return out, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
