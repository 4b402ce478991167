// Package prescreening runs the eligibility question flow for a trial.
//
// Answers are parsed by deterministic extractors. Only answers parsed with
// enough confidence, or confirmed by a human, take part in automatic
// eligibility. Human corrections are stored beside the original value.
package prescreening

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the prescreening session lifecycle.
type Status string

const (
	StatusStarted    Status = "started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether no further answers are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Session is a prescreening_sessions row.
type Session struct {
	ID                    uuid.UUID   `json:"id"`
	ConversationSessionID uuid.UUID   `json:"conversation_session_id"`
	TrialID               int64       `json:"trial_id"`
	Condition             string      `json:"condition"`
	Status                Status      `json:"status"`
	Eligibility           Eligibility `json:"eligibility"`
	StartedAt             time.Time   `json:"started_at"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
}

// Answer is a prescreening_answers row.
type Answer struct {
	ID             uuid.UUID  `json:"id"`
	SessionID      uuid.UUID  `json:"prescreening_session_id"`
	QuestionKey    string     `json:"question_key"`
	QuestionText   string     `json:"question_text"`
	RawAnswer      string     `json:"raw_answer"`
	ParsedValue    *Value     `json:"parsed_value,omitempty"`
	AutoEvaluated  bool       `json:"auto_evaluated"`
	Confidence     float64    `json:"confidence"`
	ValidatedBy    string     `json:"validated_by,omitempty"`
	CorrectedValue *Value     `json:"corrected_value,omitempty"`
	ValidatedAt    *time.Time `json:"validated_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Validated reports whether a human has reviewed the answer.
func (a Answer) Validated() bool { return a.ValidatedAt != nil }

// Effective returns the value eligibility should use: a human correction,
// a human-confirmed parse, or an auto-evaluated parse.
func (a Answer) Effective() (Value, bool) {
	switch {
	case a.Validated() && a.CorrectedValue != nil:
		return *a.CorrectedValue, true
	case a.Validated() && a.ParsedValue != nil:
		return *a.ParsedValue, true
	case a.AutoEvaluated && a.ParsedValue != nil:
		return *a.ParsedValue, true
	}
	return Value{}, false
}

// SessionUpdate is written together with an answer or validation.
type SessionUpdate struct {
	ID                    uuid.UUID
	ConversationSessionID uuid.UUID
	From                  Status
	Status                Status
	Eligibility           Eligibility
	CompletedAt           *time.Time
}

// Validation is a human review of one answer. A nil Corrected confirms the
// parsed value as-is.
type Validation struct {
	AnswerID    uuid.UUID `json:"answer_id"`
	ValidatedBy string    `json:"validated_by"`
	Corrected   *Value    `json:"corrected_value,omitempty"`
}

// Store persists sessions, questions and answers.
type Store interface {
	// OpenSession returns the open session for the conversation and trial,
	// creating s when none exists.
	OpenSession(ctx context.Context, s Session) (Session, bool, error)
	GetSession(ctx context.Context, id uuid.UUID) (Session, error)
	Questions(ctx context.Context, trialID int64) ([]Question, error)
	Answers(ctx context.Context, sessionID uuid.UUID) ([]Answer, error)
	GetAnswer(ctx context.Context, id uuid.UUID) (Answer, error)
	// SaveAnswer inserts a and applies upd in one transaction.
	SaveAnswer(ctx context.Context, a Answer, upd SessionUpdate) error
	// ApplyValidation records the review only if the answer has none yet,
	// and applies upd in the same transaction.
	ApplyValidation(ctx context.Context, v Validation, at time.Time, upd SessionUpdate) error
	// UpdateSession applies upd when the session is still in upd.From.
	UpdateSession(ctx context.Context, upd SessionUpdate) (bool, error)
	PendingValidation(ctx context.Context, limit int) ([]Answer, error)
}
