package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/coverwise/coverwise/internal/insurance"
	"github.com/coverwise/coverwise/internal/redact"
)

// SQLite stores submissions in a single-file database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate %s: %w", path, err)
	}
	redact.Logf("store: sqlite ready at %s", path)
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS submissions (
  id TEXT PRIMARY KEY,
  client_id TEXT NOT NULL,
  age INTEGER NOT NULL,
  income INTEGER NOT NULL,
  dependents INTEGER NOT NULL,
  risk_tolerance TEXT NOT NULL,
  recommended_policy TEXT NOT NULL,
  recommended_coverage INTEGER NOT NULL,
  recommended_term INTEGER,
  explanation TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS submissions_client_created
  ON submissions(client_id, created_at DESC);
`)
	return err
}

func (s *SQLite) Save(ctx context.Context, sub Submission) error {
	if err := checkSubmission(sub); err != nil {
		return err
	}
	var term sql.NullInt64
	if years, ok := sub.TermYears(); ok {
		term = sql.NullInt64{Int64: int64(years), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO submissions(id, client_id, age, income, dependents, risk_tolerance,
  recommended_policy, recommended_coverage, recommended_term, explanation, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, sub.ID, sub.ClientID, sub.Age, sub.Income, sub.Dependents, string(sub.RiskTolerance),
		sub.PolicyType, sub.Coverage, term, sub.Explanation, sub.CreatedAt.UnixNano())
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
		return fmt.Errorf("%w: %s", ErrDuplicate, sub.ID)
	}
	return err
}

const selectSubmission = `
SELECT id, client_id, age, income, dependents, risk_tolerance,
  recommended_policy, recommended_coverage, recommended_term, explanation, created_at
FROM submissions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (Submission, error) {
	var (
		sub     Submission
		risk    string
		term    sql.NullInt64
		created int64
	)
	err := row.Scan(&sub.ID, &sub.ClientID, &sub.Age, &sub.Income, &sub.Dependents, &risk,
		&sub.PolicyType, &sub.Coverage, &term, &sub.Explanation, &created)
	if err != nil {
		return Submission{}, err
	}
	sub.RiskTolerance = insurance.RiskTolerance(risk)
	if term.Valid {
		years := int(term.Int64)
		sub.Term = &years
	}
	sub.CreatedAt = time.Unix(0, created).UTC()
	return sub, nil
}

func (s *SQLite) Get(ctx context.Context, id string) (Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, selectSubmission+` WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	return sub, err
}

func (s *SQLite) List(ctx context.Context, clientID string, limit int) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, selectSubmission+`
WHERE client_id=? ORDER BY created_at DESC, id DESC LIMIT ?;`, clientID, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
