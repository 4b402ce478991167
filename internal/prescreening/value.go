package prescreening

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ValueKind tags which field of a Value is populated.
type ValueKind string

const (
	KindNumeric ValueKind = "numeric"
	KindDate    ValueKind = "date"
	KindChoice  ValueKind = "choice"
	KindBoolean ValueKind = "boolean"
	KindText    ValueKind = "text"
)

const dateLayout = "2006-01-02"

// Value is a parsed answer. Exactly one payload field is meaningful, chosen
// by Kind; constructors below are the only way the engine builds one.
type Value struct {
	Kind   ValueKind `json:"kind"`
	Number float64   `json:"number,omitempty"`
	Unit   string    `json:"unit,omitempty"`
	Date   string    `json:"date,omitempty"`
	Choice string    `json:"choice,omitempty"`
	Bool   bool      `json:"bool,omitempty"`
	Text   string    `json:"text,omitempty"`
}

func NumericValue(n float64, unit string) Value {
	return Value{Kind: KindNumeric, Number: n, Unit: unit}
}

func DateValue(t time.Time) Value {
	return Value{Kind: KindDate, Date: t.Format(dateLayout)}
}

func ChoiceValue(choice string) Value {
	return Value{Kind: KindChoice, Choice: choice}
}

func BoolValue(b bool) Value {
	return Value{Kind: KindBoolean, Bool: b}
}

func TextValue(s string) Value {
	return Value{Kind: KindText, Text: s}
}

// Time returns the date payload.
func (v Value) Time() (time.Time, bool) {
	if v.Kind != KindDate {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, v.Date)
	return t, err == nil
}

// String renders the value for coordinators and logs.
func (v Value) String() string {
	switch v.Kind {
	case KindNumeric:
		n := strconv.FormatFloat(v.Number, 'f', -1, 64)
		if v.Unit != "" {
			return n + " " + v.Unit
		}
		return n
	case KindDate:
		return v.Date
	case KindChoice:
		return v.Choice
	case KindBoolean:
		if v.Bool {
			return "yes"
		}
		return "no"
	case KindText:
		return v.Text
	default:
		return ""
	}
}

// Validate rejects values whose payload does not match the tag.
func (v Value) Validate() error {
	switch v.Kind {
	case KindNumeric, KindBoolean:
		return nil
	case KindDate:
		if _, ok := v.Time(); !ok {
			return fmt.Errorf("prescreening: invalid date %q", v.Date)
		}
		return nil
	case KindChoice:
		if v.Choice == "" {
			return fmt.Errorf("prescreening: empty choice")
		}
		return nil
	case KindText:
		return nil
	default:
		return fmt.Errorf("prescreening: unknown value kind %q", v.Kind)
	}
}

func encodeValue(v *Value) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeValue(raw []byte) (*Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("prescreening: decode value: %w", err)
	}
	return &v, nil
}
