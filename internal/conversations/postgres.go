package conversations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
)

// PgxPool is satisfied by *pgxpool.Pool and pgxmock.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const sessionColumns = `id, channel, COALESCE(phone, ''), context, is_active, created_at, updated_at, expired_at`

// PostgresStore keeps sessions in conversation_sessions.
type PostgresStore struct {
	db PgxPool
}

func NewPostgresStore(db PgxPool) *PostgresStore {
	if db == nil {
		panic("conversations: db required")
	}
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Ensure never overwrites an existing row; the no-op update lets RETURNING
// hand back whichever row won.
func (s *PostgresStore) Ensure(ctx context.Context, sess Session) (Session, error) {
	ctxJSON, err := json.Marshal(sess.Context)
	if err != nil {
		return Session{}, fmt.Errorf("conversations: encode context: %w", err)
	}
	if sess.Context == nil {
		ctxJSON = []byte(`{}`)
	}
	var phone *string
	if sess.Phone != "" {
		phone = &sess.Phone
	}
	query := `
		INSERT INTO conversation_sessions (id, channel, phone, context, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		ON CONFLICT (id) DO UPDATE SET phone = COALESCE(conversation_sessions.phone, EXCLUDED.phone)
		RETURNING ` + sessionColumns
	out, err := scanSession(s.db.QueryRow(ctx, query, sess.ID, string(sess.Channel), phone, ctxJSON, sess.CreatedAt))
	if err != nil {
		return Session{}, fmt.Errorf("conversations: ensure: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	out, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM conversation_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, apperr.Wrap("conversations: get", apperr.ErrNotFound, fmt.Errorf("conversation session %s", id))
	}
	if err != nil {
		return Session{}, fmt.Errorf("conversations: get: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversation_sessions SET updated_at = $2
		WHERE id = $1 AND is_active`, id, at)
	if err != nil {
		return false, fmt.Errorf("conversations: touch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Expire(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversation_sessions SET is_active = FALSE, expired_at = $2, updated_at = $2
		WHERE id = $1 AND is_active`, id, at)
	if err != nil {
		return false, fmt.Errorf("conversations: expire: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ExpireIdle(ctx context.Context, before, at time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE conversation_sessions SET is_active = FALSE, expired_at = $2, updated_at = $2
		WHERE is_active AND updated_at < $1`, before, at)
	if err != nil {
		return 0, fmt.Errorf("conversations: expire idle: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		out     Session
		channel string
		raw     []byte
	)
	if err := row.Scan(&out.ID, &channel, &out.Phone, &raw, &out.IsActive, &out.CreatedAt, &out.UpdatedAt, &out.ExpiredAt); err != nil {
		return Session{}, err
	}
	out.Channel = Channel(channel)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out.Context); err != nil {
			return Session{}, fmt.Errorf("decode context: %w", err)
		}
	}
	return out, nil
}
