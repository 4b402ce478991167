package prescreening

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/conversations"
	"github.com/wolfman30/trial-scheduling-engine/internal/observability/metrics"
	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

var tracer = otel.Tracer("trialsched.internal.prescreening")

// DefaultConfidenceThreshold applies when the engine is built with zero.
const DefaultConfidenceThreshold = 0.8

type auditor interface {
	LogValidation(ctx context.Context, answerID, validator string, corrected json.RawMessage) error
}

// ConversationGuard keeps the owning conversation session alive and refuses
// turns once it has expired.
type ConversationGuard interface {
	Begin(ctx context.Context, id uuid.UUID, channel conversations.Channel, phone string) (conversations.Session, error)
	Touch(ctx context.Context, id uuid.UUID) error
}

// Engine drives prescreening sessions.
type Engine struct {
	store     Store
	threshold float64
	metrics   *metrics.EngineMetrics
	audit     auditor
	convos    ConversationGuard
	now       func() time.Time
	logger    *logging.Logger
}

// StartRequest opens a session for a conversation and trial.
type StartRequest struct {
	ConversationSessionID uuid.UUID `json:"conversation_session_id"`
	TrialID               int64     `json:"trial_id"`
	Condition             string    `json:"condition"`
	// Channel and Phone describe the conversation when it is first seen.
	Channel conversations.Channel `json:"channel,omitempty"`
	Phone   string                `json:"phone,omitempty"`
}

// Progress is the state returned after every engine operation.
type Progress struct {
	Session Session   `json:"session"`
	Verdict Verdict   `json:"verdict"`
	Next    *Question `json:"next_question,omitempty"`
	// Answer is set by SubmitAnswer and ValidateAnswer.
	Answer *Answer `json:"answer,omitempty"`
}

func NewEngine(store Store, threshold float64, m *metrics.EngineMetrics, logger *logging.Logger) *Engine {
	if store == nil {
		panic("prescreening: store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConfidenceThreshold
	}
	return &Engine{
		store:     store,
		threshold: threshold,
		metrics:   m,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// WithAuditor records human validations in the compliance trail.
func (e *Engine) WithAuditor(a auditor) *Engine {
	e.audit = a
	return e
}

// WithConversations checks the conversation session on every turn.
func (e *Engine) WithConversations(g ConversationGuard) *Engine {
	e.convos = g
	return e
}

// Threshold is the minimum confidence for auto evaluation.
func (e *Engine) Threshold() float64 { return e.threshold }

// Start opens a session, or returns the open one for the same conversation
// and trial.
func (e *Engine) Start(ctx context.Context, req StartRequest) (Progress, error) {
	if req.ConversationSessionID == uuid.Nil || req.TrialID <= 0 {
		return Progress{}, errors.New("prescreening: conversation session id and trial id are required")
	}
	ctx, span := tracer.Start(ctx, "prescreening.start")
	defer span.End()
	span.SetAttributes(attribute.Int64("trial.id", req.TrialID))

	if e.convos != nil {
		if _, err := e.convos.Begin(ctx, req.ConversationSessionID, req.Channel, req.Phone); err != nil {
			span.RecordError(err)
			return Progress{}, err
		}
	}
	s, created, err := e.store.OpenSession(ctx, Session{
		ID:                    uuid.New(),
		ConversationSessionID: req.ConversationSessionID,
		TrialID:               req.TrialID,
		Condition:             strings.TrimSpace(req.Condition),
		Status:                StatusStarted,
		Eligibility:           EligibilityPending,
		StartedAt:             e.now().UTC(),
	})
	if err != nil {
		span.RecordError(err)
		return Progress{}, fmt.Errorf("prescreening: open session: %w", err)
	}
	if created {
		e.logger.Info("prescreening session started", "session_id", s.ID, "trial_id", s.TrialID)
	}
	return e.progress(ctx, s)
}

// Get returns the session with its current verdict and next question.
func (e *Engine) Get(ctx context.Context, sessionID uuid.UUID) (Progress, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return Progress{}, err
	}
	return e.progress(ctx, s)
}

// SubmitAnswer parses raw for the question and stores it. A parse failure
// is stored with no value and never aborts the session.
func (e *Engine) SubmitAnswer(ctx context.Context, sessionID uuid.UUID, questionKey, raw string) (Progress, error) {
	ctx, span := tracer.Start(ctx, "prescreening.answer")
	defer span.End()
	span.SetAttributes(attribute.String("question.key", questionKey))

	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return Progress{}, err
	}
	if s.Status.Terminal() {
		return Progress{}, apperr.Wrap("prescreening.answer", apperr.ErrIllegalTransition,
			fmt.Errorf("session %s is %s", s.ID, s.Status))
	}
	if e.convos != nil {
		if err := e.convos.Touch(ctx, s.ConversationSessionID); err != nil {
			return Progress{}, err
		}
	}
	questions, err := e.questions(ctx, s)
	if err != nil {
		return Progress{}, err
	}
	q, ok := findQuestion(questions, questionKey)
	if !ok {
		return Progress{}, apperr.Wrap("prescreening.answer", apperr.ErrNotFound,
			fmt.Errorf("question %q", questionKey))
	}
	answers, err := e.store.Answers(ctx, s.ID)
	if err != nil {
		return Progress{}, fmt.Errorf("prescreening: load answers: %w", err)
	}

	ex, parseErr := Extract(q, raw)
	ans := Answer{
		ID:           uuid.New(),
		SessionID:    s.ID,
		QuestionKey:  q.Key,
		QuestionText: q.Text,
		RawAnswer:    raw,
		ParsedValue:  ex.Value,
		Confidence:   ex.Confidence,
		CreatedAt:    e.now().UTC(),
	}
	if parseErr != nil {
		e.logger.Warn("prescreening answer not parsed", "session_id", s.ID, "question_key", q.Key, "error", parseErr)
	} else {
		ans.AutoEvaluated = ex.Confidence >= e.threshold
	}
	e.metrics.ObservePrescreenAnswer(ex.Extractor, ans.AutoEvaluated)

	answers = append(answers, ans)
	upd := e.nextState(s, questions, answers)
	if err := e.store.SaveAnswer(ctx, ans, upd); err != nil {
		span.RecordError(err)
		return Progress{}, fmt.Errorf("prescreening: save answer: %w", err)
	}
	s = applyUpdate(s, upd)
	out := e.build(s, questions, answers)
	out.Answer = &ans
	return out, nil
}

// ValidateAnswer records a human review. The correction is kept beside the
// original parsed value and eligibility is recomputed.
func (e *Engine) ValidateAnswer(ctx context.Context, v Validation) (Progress, error) {
	if strings.TrimSpace(v.ValidatedBy) == "" {
		return Progress{}, errors.New("prescreening: validator is required")
	}
	if v.Corrected != nil {
		if err := v.Corrected.Validate(); err != nil {
			return Progress{}, err
		}
	}
	ctx, span := tracer.Start(ctx, "prescreening.validate")
	defer span.End()

	ans, err := e.store.GetAnswer(ctx, v.AnswerID)
	if err != nil {
		return Progress{}, err
	}
	if ans.Validated() {
		return Progress{}, apperr.Wrap("prescreening.validate", apperr.ErrIllegalTransition,
			fmt.Errorf("answer %s already validated", ans.ID))
	}
	if v.Corrected == nil && ans.ParsedValue == nil {
		return Progress{}, errors.New("prescreening: answer has no parsed value to confirm; a corrected value is required")
	}
	s, err := e.store.GetSession(ctx, ans.SessionID)
	if err != nil {
		return Progress{}, err
	}
	if s.Status == StatusAbandoned {
		return Progress{}, apperr.Wrap("prescreening.validate", apperr.ErrIllegalTransition,
			fmt.Errorf("session %s is abandoned", s.ID))
	}
	questions, err := e.questions(ctx, s)
	if err != nil {
		return Progress{}, err
	}
	answers, err := e.store.Answers(ctx, s.ID)
	if err != nil {
		return Progress{}, fmt.Errorf("prescreening: load answers: %w", err)
	}

	at := e.now().UTC()
	for i := range answers {
		if answers[i].ID == ans.ID {
			answers[i].ValidatedAt = &at
			answers[i].ValidatedBy = v.ValidatedBy
			answers[i].CorrectedValue = v.Corrected
			ans = answers[i]
		}
	}
	upd := e.nextState(s, questions, answers)
	if err := e.store.ApplyValidation(ctx, v, at, upd); err != nil {
		span.RecordError(err)
		return Progress{}, err
	}
	if e.audit != nil {
		corrected, _ := encodeValue(v.Corrected)
		if err := e.audit.LogValidation(ctx, ans.ID.String(), v.ValidatedBy, corrected); err != nil {
			e.logger.Warn("failed to audit validation", "answer_id", ans.ID, "error", err)
		}
	}
	s = applyUpdate(s, upd)
	out := e.build(s, questions, answers)
	out.Answer = &ans
	return out, nil
}

// Abandon ends a started or in-progress session.
func (e *Engine) Abandon(ctx context.Context, sessionID uuid.UUID) (Session, error) {
	s, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Status.Terminal() {
		return Session{}, apperr.Wrap("prescreening.abandon", apperr.ErrIllegalTransition,
			fmt.Errorf("session %s is %s", s.ID, s.Status))
	}
	upd := SessionUpdate{
		ID:                    s.ID,
		ConversationSessionID: s.ConversationSessionID,
		From:                  s.Status,
		Status:                StatusAbandoned,
		Eligibility:           s.Eligibility,
	}
	ok, err := e.store.UpdateSession(ctx, upd)
	if err != nil {
		return Session{}, fmt.Errorf("prescreening: abandon: %w", err)
	}
	if !ok {
		return Session{}, apperr.Wrap("prescreening.abandon", apperr.ErrIllegalTransition,
			fmt.Errorf("session %s changed concurrently", s.ID))
	}
	return applyUpdate(s, upd), nil
}

// PendingValidation lists answers waiting for a human.
func (e *Engine) PendingValidation(ctx context.Context, limit int) ([]Answer, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return e.store.PendingValidation(ctx, limit)
}

func (e *Engine) progress(ctx context.Context, s Session) (Progress, error) {
	questions, err := e.questions(ctx, s)
	if err != nil {
		return Progress{}, err
	}
	answers, err := e.store.Answers(ctx, s.ID)
	if err != nil {
		return Progress{}, fmt.Errorf("prescreening: load answers: %w", err)
	}
	return e.build(s, questions, answers), nil
}

func (e *Engine) build(s Session, questions []Question, answers []Answer) Progress {
	out := Progress{Session: s, Verdict: Evaluate(questions, answers)}
	if !s.Status.Terminal() {
		out.Next = NextQuestion(questions, answers)
	}
	return out
}

func (e *Engine) questions(ctx context.Context, s Session) ([]Question, error) {
	qs, err := e.store.Questions(ctx, s.TrialID)
	if err != nil {
		return nil, fmt.Errorf("prescreening: load questions: %w", err)
	}
	if len(qs) == 0 {
		return DefaultQuestions(s.Condition), nil
	}
	return qs, nil
}

// nextState moves started to in_progress on the first answer and to
// completed once every required question has a parsed value. A completed
// session keeps its status; only eligibility is recomputed.
func (e *Engine) nextState(s Session, questions []Question, answers []Answer) SessionUpdate {
	upd := SessionUpdate{
		ID:                    s.ID,
		ConversationSessionID: s.ConversationSessionID,
		From:                  s.Status,
		Status:                s.Status,
		Eligibility:           Evaluate(questions, answers).Eligibility,
		CompletedAt:           s.CompletedAt,
	}
	if s.Status == StatusStarted {
		upd.Status = StatusInProgress
	}
	if upd.Status == StatusInProgress && Complete(questions, answers) {
		now := e.now().UTC()
		upd.Status = StatusCompleted
		upd.CompletedAt = &now
	}
	if upd.From != upd.Status {
		e.logger.Info("prescreening session transition", "session_id", s.ID, "from", upd.From, "to", upd.Status)
	}
	return upd
}

func applyUpdate(s Session, upd SessionUpdate) Session {
	s.Status = upd.Status
	s.Eligibility = upd.Eligibility
	s.CompletedAt = upd.CompletedAt
	return s
}

func findQuestion(questions []Question, key string) (Question, bool) {
	key = strings.TrimSpace(key)
	for _, q := range questions {
		if q.Key == key {
			return q, true
		}
	}
	return Question{}, false
}
