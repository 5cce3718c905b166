// Package store - Append-only SQLite log of detections and identity assignments.
package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/nvr-ai/perch/identity"
	"github.com/nvr-ai/perch/models"
	"github.com/nvr-ai/perch/models/postprocess"
)

const (
	sqliteBusyCode   = 5
	busyRetries      = 5
	busyInitialDelay = 10 * time.Millisecond
	busyMaxDelay     = 200 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS detections (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tag         TEXT    NOT NULL,
	det_index   INTEGER NOT NULL,
	class_id    INTEGER NOT NULL,
	label       TEXT    NOT NULL,
	confidence  REAL    NOT NULL,
	x1          REAL    NOT NULL,
	y1          REAL    NOT NULL,
	x2          REAL    NOT NULL,
	y2          REAL    NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_detections_tag ON detections(tag);
CREATE TABLE IF NOT EXISTS identity_assignments (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	tag         TEXT    NOT NULL,
	identity_id TEXT    NOT NULL,
	outcome     TEXT    NOT NULL,
	similarity  REAL    NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assignments_identity ON identity_assignments(identity_id);
`

// Assignment is one row of the identity_assignments table.
type Assignment struct {
	Tag        string
	IdentityID string
	Outcome    string
	Similarity float32
	RecordedAt time.Time
}

// Store is the observation log. It satisfies controller.Sink.
type Store struct {
	db      *sql.DB
	classes *models.ClassTable
	now     func() time.Time
}

// Open opens or creates the log at path. classes labels detection rows; nil
// stores the numeric class id as the label.
func Open(path string, classes *models.ClassTable) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening sqlite database")
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, multierr.Append(errors.Wrapf(err, "applying %q", pragma), db.Close())
		}
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, multierr.Append(errors.Wrap(err, "creating schema"), db.Close())
	}

	return &Store{db: db, classes: classes, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) label(class int) string {
	if s.classes != nil && class >= 0 && class < s.classes.Len() {
		return s.classes.Name(class)
	}
	return strconv.Itoa(class)
}

// RecordDetections writes every detection of a frame in one transaction.
func (s *Store) RecordDetections(ctx context.Context, tag string, detections []postprocess.Result) error {
	if len(detections) == 0 {
		return nil
	}
	now := s.now().UnixNano()

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "beginning transaction")
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO detections
			(tag, det_index, class_id, label, confidence, x1, y1, x2, y2, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return multierr.Append(errors.Wrap(err, "preparing insert"), tx.Rollback())
		}
		defer stmt.Close()

		for i, d := range detections {
			if _, err := stmt.ExecContext(ctx, tag, i, d.Class, s.label(d.Class), d.Score,
				d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2, now); err != nil {
				return multierr.Append(errors.Wrapf(err, "inserting detection %d of %s", i, tag), tx.Rollback())
			}
		}
		return errors.Wrap(tx.Commit(), "committing detections")
	})
}

// RecordAssignment writes one identity assignment.
func (s *Store) RecordAssignment(ctx context.Context, tag string, result identity.MatchResult) error {
	now := s.now().UnixNano()
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO identity_assignments
			(tag, identity_id, outcome, similarity, recorded_at) VALUES (?, ?, ?, ?, ?)`,
			tag, result.Identity.ID, result.Outcome.String(), result.Similarity, now)
		return errors.Wrapf(err, "inserting assignment for %s", tag)
	})
}

// CountDetections returns the number of detection rows, optionally restricted to one label.
func (s *Store) CountDetections(ctx context.Context, label string) (int, error) {
	query := "SELECT COUNT(*) FROM detections"
	var args []any
	if label != "" {
		query += " WHERE label = ?"
		args = append(args, label)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "counting detections")
	}
	return n, nil
}

// Assignments returns the assignments of one identity, oldest first. An empty
// id returns every assignment.
func (s *Store) Assignments(ctx context.Context, identityID string) ([]Assignment, error) {
	query := "SELECT tag, identity_id, outcome, similarity, recorded_at FROM identity_assignments"
	var args []any
	if identityID != "" {
		query += " WHERE identity_id = ?"
		args = append(args, identityID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying assignments")
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var (
			a  Assignment
			ns int64
		)
		if err := rows.Scan(&a.Tag, &a.IdentityID, &a.Outcome, &a.Similarity, &ns); err != nil {
			return nil, errors.Wrap(err, "scanning assignment")
		}
		a.RecordedAt = time.Unix(0, ns)
		out = append(out, a)
	}
	return out, errors.Wrap(rows.Err(), "iterating assignments")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy retries op with exponential backoff while SQLite reports a busy database.
func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyInitialDelay
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = op(); err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if delay *= 2; delay > busyMaxDelay {
			delay = busyMaxDelay
		}
	}
	return err
}
