package trials

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool and pgxmock.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore reads trials and their embeddings.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	if db == nil {
		panic("trials: db required")
	}
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const trialColumns = `id, COALESCE(external_id, ''), name, description, conditions, keywords, locations, study_id, embedding, created_at`

func (s *PostgresStore) Active(ctx context.Context, location string) ([]Trial, error) {
	query := `SELECT ` + trialColumns + `
		FROM trials
		WHERE is_active
		  AND ($1 = '' OR EXISTS (SELECT 1 FROM unnest(locations) AS loc WHERE loc ILIKE $2))
		ORDER BY created_at DESC, id DESC`
	rows, err := s.db.Query(ctx, query, location, "%"+escapeLike(location)+"%")
	if err != nil {
		return nil, fmt.Errorf("trials: query active: %w", err)
	}
	defer rows.Close()
	return scanTrials(rows)
}

func (s *PostgresStore) MissingEmbeddings(ctx context.Context, limit int) ([]Trial, error) {
	query := `SELECT ` + trialColumns + `
		FROM trials
		WHERE is_active AND embedding IS NULL
		ORDER BY id
		LIMIT $1`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("trials: query missing embeddings: %w", err)
	}
	defer rows.Close()
	return scanTrials(rows)
}

func (s *PostgresStore) SetEmbedding(ctx context.Context, trialID int64, vec []float32) error {
	if _, err := s.db.Exec(ctx, `UPDATE trials SET embedding = $2 WHERE id = $1`, trialID, vec); err != nil {
		return fmt.Errorf("trials: set embedding: %w", err)
	}
	return nil
}

func scanTrials(rows pgx.Rows) ([]Trial, error) {
	var out []Trial
	for rows.Next() {
		var t Trial
		if err := rows.Scan(&t.ID, &t.ExternalID, &t.Name, &t.Description, &t.Conditions, &t.Keywords,
			&t.Locations, &t.StudyID, &t.Embedding, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("trials: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := make([]rune, 0, len(s))
	for _, c := range s {
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}
