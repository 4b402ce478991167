package prescreening

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
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists prescreening sessions and answers.
type PostgresStore struct {
	db PgxPool
}

func NewPostgresStore(db PgxPool) *PostgresStore {
	if db == nil {
		panic("prescreening: db required")
	}
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const sessionColumns = `id, conversation_session_id, trial_id, condition, status, eligibility, started_at, completed_at`

const answerColumns = `id, prescreening_session_id, question_key, question_text, raw_answer, parsed_value,
	auto_evaluated, confidence, COALESCE(validated_by, ''), corrected_value, validated_at, created_at`

func (s *PostgresStore) OpenSession(ctx context.Context, sess Session) (Session, bool, error) {
	existing, err := s.openSession(ctx, sess.ConversationSessionID, sess.TrialID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, fmt.Errorf("prescreening: find open session: %w", err)
	}
	query := `
		INSERT INTO prescreening_sessions (id, conversation_session_id, trial_id, condition, status, eligibility, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.db.Exec(ctx, query, sess.ID, sess.ConversationSessionID, sess.TrialID, sess.Condition,
		string(sess.Status), string(sess.Eligibility), sess.StartedAt); err != nil {
		return Session{}, false, fmt.Errorf("prescreening: insert session: %w", err)
	}
	return sess, true, nil
}

func (s *PostgresStore) openSession(ctx context.Context, conversationID uuid.UUID, trialID int64) (Session, error) {
	query := `SELECT ` + sessionColumns + `
		FROM prescreening_sessions
		WHERE conversation_session_id = $1 AND trial_id = $2 AND status IN ('started', 'in_progress')
		ORDER BY started_at DESC
		LIMIT 1`
	return scanSession(s.db.QueryRow(ctx, query, conversationID, trialID))
}

func (s *PostgresStore) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM prescreening_sessions WHERE id = $1`
	sess, err := scanSession(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, apperr.Wrap("prescreening: get session", apperr.ErrNotFound, nil)
	}
	if err != nil {
		return Session{}, fmt.Errorf("prescreening: get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Questions(ctx context.Context, trialID int64) ([]Question, error) {
	query := `
		SELECT question_key, question_text, kind, unit, choices, required, position, criterion
		FROM prescreening_questions
		WHERE trial_id = $1
		ORDER BY position, question_key
	`
	rows, err := s.db.Query(ctx, query, trialID)
	if err != nil {
		return nil, fmt.Errorf("prescreening: query questions: %w", err)
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		var (
			q         Question
			kind      string
			criterion []byte
		)
		if err := rows.Scan(&q.Key, &q.Text, &kind, &q.Unit, &q.Choices, &q.Required, &q.Position, &criterion); err != nil {
			return nil, fmt.Errorf("prescreening: scan question: %w", err)
		}
		q.Kind = QuestionKind(kind)
		if len(criterion) > 0 && string(criterion) != "null" {
			var c Criterion
			if err := json.Unmarshal(criterion, &c); err != nil {
				return nil, fmt.Errorf("prescreening: decode criterion for %s: %w", q.Key, err)
			}
			q.Criterion = &c
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Answers(ctx context.Context, sessionID uuid.UUID) ([]Answer, error) {
	query := `SELECT ` + answerColumns + `
		FROM prescreening_answers
		WHERE prescreening_session_id = $1
		ORDER BY created_at`
	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("prescreening: query answers: %w", err)
	}
	defer rows.Close()
	return scanAnswers(rows)
}

func (s *PostgresStore) GetAnswer(ctx context.Context, id uuid.UUID) (Answer, error) {
	query := `SELECT ` + answerColumns + ` FROM prescreening_answers WHERE id = $1`
	a, err := scanAnswer(s.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Answer{}, apperr.Wrap("prescreening: get answer", apperr.ErrNotFound, nil)
	}
	if err != nil {
		return Answer{}, fmt.Errorf("prescreening: get answer: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) PendingValidation(ctx context.Context, limit int) ([]Answer, error) {
	query := `SELECT ` + answerColumns + `
		FROM prescreening_answers
		WHERE auto_evaluated = FALSE AND validated_at IS NULL
		ORDER BY created_at
		LIMIT $1`
	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("prescreening: query pending answers: %w", err)
	}
	defer rows.Close()
	return scanAnswers(rows)
}

func (s *PostgresStore) SaveAnswer(ctx context.Context, a Answer, upd SessionUpdate) error {
	parsed, err := encodeValue(a.ParsedValue)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("prescreening: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO prescreening_answers (id, prescreening_session_id, question_key, question_text, raw_answer,
			parsed_value, auto_evaluated, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	if _, err := tx.Exec(ctx, insert, a.ID, a.SessionID, a.QuestionKey, a.QuestionText, a.RawAnswer,
		parsed, a.AutoEvaluated, a.Confidence, a.CreatedAt); err != nil {
		return fmt.Errorf("prescreening: insert answer: %w", err)
	}
	if err := applySessionUpdate(ctx, tx, upd); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("prescreening: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApplyValidation(ctx context.Context, v Validation, at time.Time, upd SessionUpdate) error {
	corrected, err := encodeValue(v.Corrected)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("prescreening: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE prescreening_answers
		SET validated_by = $2, corrected_value = $3, validated_at = $4
		WHERE id = $1 AND validated_at IS NULL
	`
	tag, err := tx.Exec(ctx, query, v.AnswerID, v.ValidatedBy, corrected, at)
	if err != nil {
		return fmt.Errorf("prescreening: validate answer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Wrap("prescreening: validate answer", apperr.ErrIllegalTransition,
			fmt.Errorf("answer %s already validated", v.AnswerID))
	}
	if err := applySessionUpdate(ctx, tx, upd); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("prescreening: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, upd SessionUpdate) (bool, error) {
	tag, err := s.db.Exec(ctx, updateSessionSQL, upd.ID, string(upd.From), string(upd.Status), string(upd.Eligibility), upd.CompletedAt)
	if err != nil {
		return false, fmt.Errorf("prescreening: update session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const updateSessionSQL = `
	UPDATE prescreening_sessions
	SET status = $3, eligibility = $4, completed_at = $5, updated_at = now()
	WHERE id = $1 AND status = $2
`

// applySessionUpdate moves the session and mirrors eligibility onto the
// patient contact, when one exists for the conversation.
func applySessionUpdate(ctx context.Context, tx pgx.Tx, upd SessionUpdate) error {
	tag, err := tx.Exec(ctx, updateSessionSQL, upd.ID, string(upd.From), string(upd.Status), string(upd.Eligibility), upd.CompletedAt)
	if err != nil {
		return fmt.Errorf("prescreening: update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Wrap("prescreening: update session", apperr.ErrIllegalTransition,
			fmt.Errorf("session %s is no longer %s", upd.ID, upd.From))
	}
	contact := `
		UPDATE patient_contacts
		SET eligibility_status = $2, updated_at = now()
		WHERE conversation_session_id = $1
	`
	if _, err := tx.Exec(ctx, contact, upd.ConversationSessionID, string(upd.Eligibility)); err != nil {
		return fmt.Errorf("prescreening: update contact eligibility: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		sess        Session
		status      string
		eligibility string
	)
	if err := row.Scan(&sess.ID, &sess.ConversationSessionID, &sess.TrialID, &sess.Condition,
		&status, &eligibility, &sess.StartedAt, &sess.CompletedAt); err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	sess.Eligibility = Eligibility(eligibility)
	return sess, nil
}

func scanAnswers(rows pgx.Rows) ([]Answer, error) {
	var out []Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("prescreening: scan answer: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAnswer(row pgx.Row) (Answer, error) {
	var (
		a         Answer
		parsed    []byte
		corrected []byte
	)
	if err := row.Scan(&a.ID, &a.SessionID, &a.QuestionKey, &a.QuestionText, &a.RawAnswer, &parsed,
		&a.AutoEvaluated, &a.Confidence, &a.ValidatedBy, &corrected, &a.ValidatedAt, &a.CreatedAt); err != nil {
		return Answer{}, err
	}
	var err error
	if a.ParsedValue, err = decodeValue(parsed); err != nil {
		return Answer{}, err
	}
	if a.CorrectedValue, err = decodeValue(corrected); err != nil {
		return Answer{}, err
	}
	return a, nil
}
