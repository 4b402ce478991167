package prescreening

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Eligibility is the session-level verdict.
type Eligibility string

const (
	EligibilityPending    Eligibility = "pending"
	EligibilityEligible   Eligibility = "eligible"
	EligibilityIneligible Eligibility = "ineligible"
)

// Verdict explains an eligibility computation.
type Verdict struct {
	Eligibility Eligibility `json:"eligibility"`
	// FailedKey is the question whose hard criterion failed, if any.
	FailedKey string   `json:"failed_key,omitempty"`
	Met       []string `json:"met,omitempty"`
	Unmet     []string `json:"unmet,omitempty"`
	Missing   []string `json:"missing,omitempty"`
}

// Evaluate computes eligibility from the latest usable answer per question.
// Answers awaiting human validation count as missing. The first failing hard
// criterion in question order decides ineligible without looking further.
func Evaluate(questions []Question, answers []Answer) Verdict {
	usable := latestUsable(answers)
	ordered := orderQuestions(questions)

	var v Verdict
	for _, q := range ordered {
		val, ok := usable[q.Key]
		if !ok {
			if q.Required {
				v.Missing = append(v.Missing, q.Key)
			}
			continue
		}
		if q.Criterion == nil {
			continue
		}
		pass, err := q.Criterion.Check(val)
		if err != nil {
			v.Missing = append(v.Missing, q.Key)
			continue
		}
		label := fmt.Sprintf("%s: %s (requires %s)", q.Key, val.String(), q.Criterion.Describe())
		if pass {
			v.Met = append(v.Met, label)
			continue
		}
		v.Unmet = append(v.Unmet, label)
		if q.Criterion.Hard() {
			v.Eligibility = EligibilityIneligible
			v.FailedKey = q.Key
			return v
		}
	}
	if len(v.Missing) > 0 {
		v.Eligibility = EligibilityPending
		return v
	}
	v.Eligibility = EligibilityEligible
	return v
}

// Complete reports whether every required question has a parsed value,
// validated or not.
func Complete(questions []Question, answers []Answer) bool {
	parsed := map[string]bool{}
	for _, a := range answers {
		if a.ParsedValue != nil || a.CorrectedValue != nil {
			parsed[a.QuestionKey] = true
		}
	}
	for _, q := range questions {
		if q.Required && !parsed[q.Key] {
			return false
		}
	}
	return true
}

// NextQuestion returns the first question, in position order, that has no
// parsed answer yet, or nil when all are answered.
func NextQuestion(questions []Question, answers []Answer) *Question {
	parsed := map[string]bool{}
	for _, a := range answers {
		if a.ParsedValue != nil || a.CorrectedValue != nil {
			parsed[a.QuestionKey] = true
		}
	}
	for _, q := range orderQuestions(questions) {
		if !parsed[q.Key] {
			return &q
		}
	}
	return nil
}

// latestUsable picks, per question, the newest answer that may take part in
// automatic eligibility: a human correction, or an auto-evaluated value.
func latestUsable(answers []Answer) map[string]Value {
	sorted := make([]Answer, len(answers))
	copy(sorted, answers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })
	out := map[string]Value{}
	for _, a := range sorted {
		if v, ok := a.Effective(); ok {
			out[a.QuestionKey] = v
		}
	}
	return out
}

func orderQuestions(questions []Question) []Question {
	out := make([]Question, len(questions))
	copy(out, questions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Check evaluates v against the criterion; true means the criterion is
// satisfied (for exclusions, the excluded condition does not hold).
func (c Criterion) Check(v Value) (bool, error) {
	holds, err := c.holds(v)
	if err != nil {
		return false, err
	}
	if c.Type == Exclusion {
		return !holds, nil
	}
	return holds, nil
}

func (c Criterion) holds(v Value) (bool, error) {
	switch c.Operator {
	case OpGreaterOrEqual, OpGreater, OpLessOrEqual, OpLess, OpEqual, OpBetween:
		if v.Kind != KindNumeric {
			return false, fmt.Errorf("prescreening: %s needs a number, got %s", c.Operator, v.Kind)
		}
		n := v.Number
		switch c.Operator {
		case OpGreaterOrEqual:
			return n >= c.Value, nil
		case OpGreater:
			return n > c.Value, nil
		case OpLessOrEqual:
			return n <= c.Value, nil
		case OpLess:
			return n < c.Value, nil
		case OpEqual:
			return n == c.Value, nil
		default:
			return n >= c.Min && n <= c.Max, nil
		}
	case OpIsTrue, OpIsFalse:
		if v.Kind != KindBoolean {
			return false, fmt.Errorf("prescreening: %s needs yes/no, got %s", c.Operator, v.Kind)
		}
		return v.Bool == (c.Operator == OpIsTrue), nil
	case OpOneOf:
		candidate := v.Choice
		if v.Kind == KindText {
			candidate = v.Text
		}
		for _, allowed := range c.Values {
			if strings.EqualFold(strings.TrimSpace(allowed), strings.TrimSpace(candidate)) {
				return true, nil
			}
		}
		return false, nil
	case OpBefore, OpAfter:
		t, ok := v.Time()
		if !ok {
			return false, fmt.Errorf("prescreening: %s needs a date, got %s", c.Operator, v.Kind)
		}
		ref, err := time.Parse(dateLayout, c.Date)
		if err != nil {
			return false, fmt.Errorf("prescreening: criterion date: %w", err)
		}
		if c.Operator == OpBefore {
			return t.Before(ref), nil
		}
		return t.After(ref), nil
	default:
		return false, fmt.Errorf("prescreening: unknown operator %q", c.Operator)
	}
}
