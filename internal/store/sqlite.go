package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cms-dev/cms-sub006/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

const submissionColumns = `id, task_name, timestamp, source_digest, tokened,
	compilation_outcome, compilation_tries, evaluation_outcome, evaluation_tries,
	created_at, updated_at`

func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *model.Submission) error {
	s.logger.Debug("sql", "op", "insert", "table", "submissions", "id", sub.ID)

	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO submissions (`+submissionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.TaskName, sub.Timestamp.UTC().Format(time.RFC3339Nano),
		sub.SourceDigest, boolToInt(sub.Tokened),
		string(sub.CompilationOutcome), sub.CompilationTries,
		string(sub.EvaluationOutcome), sub.EvaluationTries,
		sub.CreatedAt.Format(time.RFC3339Nano), sub.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	s.logger.Debug("sql", "op", "select", "table", "submissions", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, opts ListOptions) ([]*model.Submission, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "submissions", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		 ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var subs []*model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, err
		}
		subs = append(subs, sub)
	}
	return subs, total, rows.Err()
}

func (s *SQLiteStore) UpdateSubmission(ctx context.Context, sub *model.Submission) error {
	s.logger.Debug("sql", "op", "update", "table", "submissions", "id", sub.ID)

	sub.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE submissions SET
			task_name = ?, timestamp = ?, source_digest = ?, tokened = ?,
			compilation_outcome = ?, compilation_tries = ?,
			evaluation_outcome = ?, evaluation_tries = ?,
			updated_at = ?
		 WHERE id = ?`,
		sub.TaskName, sub.Timestamp.UTC().Format(time.RFC3339Nano),
		sub.SourceDigest, boolToInt(sub.Tokened),
		string(sub.CompilationOutcome), sub.CompilationTries,
		string(sub.EvaluationOutcome), sub.EvaluationTries,
		sub.UpdatedAt.Format(time.RFC3339Nano), sub.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, sub.ID)
	}
	return nil
}

func (s *SQLiteStore) ListUnfinished(ctx context.Context) ([]*model.Submission, error) {
	s.logger.Debug("sql", "op", "list_unfinished", "table", "submissions")

	// A submission is finished once it either failed compilation or has an
	// evaluation outcome.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions
		 WHERE compilation_outcome != 'fail' AND evaluation_outcome = ''
		 ORDER BY timestamp ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*model.Submission, error) {
	var sub model.Submission
	var timestamp, createdAt, updatedAt string
	var tokened int
	var compOutcome, evalOutcome string

	err := row.Scan(&sub.ID, &sub.TaskName, &timestamp, &sub.SourceDigest, &tokened,
		&compOutcome, &sub.CompilationTries, &evalOutcome, &sub.EvaluationTries,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	sub.Tokened = tokened != 0
	sub.CompilationOutcome = model.Outcome(compOutcome)
	sub.EvaluationOutcome = model.Outcome(evalOutcome)
	sub.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sub.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sub, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
