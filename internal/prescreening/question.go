package prescreening

import (
	"fmt"
	"strings"
)

// QuestionKind selects the extractor for a question.
type QuestionKind string

const (
	QuestionNumeric QuestionKind = "numeric"
	QuestionDate    QuestionKind = "date"
	QuestionChoice  QuestionKind = "choice"
	QuestionYesNo   QuestionKind = "yes_no"
	QuestionText    QuestionKind = "text"
)

// Question is one prescreening_questions row.
type Question struct {
	Key       string       `json:"key"`
	Text      string       `json:"text"`
	Kind      QuestionKind `json:"kind"`
	Unit      string       `json:"unit,omitempty"`
	Choices   []string     `json:"choices,omitempty"`
	Required  bool         `json:"required"`
	Position  int          `json:"position"`
	Criterion *Criterion   `json:"criterion,omitempty"`
}

// CriterionType distinguishes inclusion from exclusion rules.
type CriterionType string

const (
	Inclusion CriterionType = "inclusion"
	Exclusion CriterionType = "exclusion"
)

// Operator compares an answer against a criterion.
type Operator string

const (
	OpGreaterOrEqual Operator = "gte"
	OpGreater        Operator = "gt"
	OpLessOrEqual    Operator = "lte"
	OpLess           Operator = "lt"
	OpEqual          Operator = "eq"
	OpBetween        Operator = "between"
	OpIsTrue         Operator = "is_true"
	OpIsFalse        Operator = "is_false"
	OpOneOf          Operator = "one_of"
	OpBefore         Operator = "before"
	OpAfter          Operator = "after"
)

// Criterion is the rule attached to a question. An exclusion criterion
// fails when its condition holds. Soft criteria are reported but never make
// a session ineligible.
type Criterion struct {
	Type     CriterionType `json:"type"`
	Operator Operator      `json:"operator"`
	Value    float64       `json:"value,omitempty"`
	Min      float64       `json:"min,omitempty"`
	Max      float64       `json:"max,omitempty"`
	Values   []string      `json:"values,omitempty"`
	Date     string        `json:"date,omitempty"`
	Soft     bool          `json:"soft,omitempty"`
}

// Hard reports whether a failure makes the session ineligible.
func (c Criterion) Hard() bool { return !c.Soft }

// Describe renders the criterion for eligibility summaries.
func (c Criterion) Describe() string {
	var rule string
	switch c.Operator {
	case OpGreaterOrEqual:
		rule = fmt.Sprintf("at least %g", c.Value)
	case OpGreater:
		rule = fmt.Sprintf("more than %g", c.Value)
	case OpLessOrEqual:
		rule = fmt.Sprintf("at most %g", c.Value)
	case OpLess:
		rule = fmt.Sprintf("fewer than %g", c.Value)
	case OpEqual:
		rule = fmt.Sprintf("exactly %g", c.Value)
	case OpBetween:
		rule = fmt.Sprintf("between %g and %g", c.Min, c.Max)
	case OpIsTrue:
		rule = "yes"
	case OpIsFalse:
		rule = "no"
	case OpOneOf:
		rule = "one of " + strings.Join(c.Values, ", ")
	case OpBefore:
		rule = "before " + c.Date
	case OpAfter:
		rule = "after " + c.Date
	default:
		rule = string(c.Operator)
	}
	if c.Type == Exclusion {
		return "not " + rule
	}
	return rule
}

// DefaultQuestions is the base flow used when a trial has no configured
// questions: age within 18 to 99 and a confirmed diagnosis.
func DefaultQuestions(condition string) []Question {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		condition = "this condition"
	}
	return []Question{
		{
			Key:       "age",
			Text:      "What is your age?",
			Kind:      QuestionNumeric,
			Unit:      "years",
			Required:  true,
			Position:  1,
			Criterion: &Criterion{Type: Inclusion, Operator: OpBetween, Min: 18, Max: 99},
		},
		{
			Key:       "diagnosis",
			Text:      fmt.Sprintf("Have you been diagnosed with %s by a doctor?", condition),
			Kind:      QuestionYesNo,
			Required:  true,
			Position:  2,
			Criterion: &Criterion{Type: Inclusion, Operator: OpIsTrue},
		},
	}
}
