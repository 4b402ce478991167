package campaigns

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/messaging"
)

// RowError explains why an import row was skipped.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// ImportResult is returned from ImportContactsCSV.
type ImportResult struct {
	Added    int        `json:"added"`
	Skipped  int        `json:"skipped"`
	Rejected []RowError `json:"rejected,omitempty"`
}

// ParseContactsCSV reads first_name, last_name, phone and email columns.
// A single "name" column is split into first and last name.
func ParseContactsCSV(data []byte) ([]Contact, []RowError, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, apperr.Wrap("campaigns: parse contacts", apperr.ErrParseFailure, fmt.Errorf("read header: %w", err))
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	if _, ok := cols["phone"]; !ok {
		return nil, nil, apperr.Wrap("campaigns: parse contacts", apperr.ErrParseFailure, errors.New(`missing column "phone"`))
	}

	var (
		out      []Contact
		rejected []RowError
		seen     = map[string]int{}
	)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			rejected = append(rejected, RowError{Line: pe.StartLine, Reason: "malformed row"})
			continue
		}
		if err != nil {
			return nil, nil, apperr.Wrap("campaigns: parse contacts", apperr.ErrParseFailure, err)
		}
		line, _ := r.FieldPos(0)
		get := func(name string) string {
			if i, ok := cols[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		if strings.TrimSpace(strings.Join(rec, "")) == "" {
			continue
		}

		c := Contact{
			FirstName: get("first_name"),
			LastName:  get("last_name"),
			Phone:     messaging.NormalizeE164(get("phone")),
			Email:     get("email"),
		}
		if c.FirstName == "" && c.LastName == "" {
			if parts := strings.Fields(get("name")); len(parts) > 0 {
				c.FirstName = parts[0]
				c.LastName = strings.Join(parts[1:], " ")
			}
		}
		if len(c.Phone) < 11 {
			rejected = append(rejected, RowError{Line: line, Reason: "valid phone required"})
			continue
		}
		if first, dup := seen[c.Phone]; dup {
			rejected = append(rejected, RowError{Line: line, Reason: fmt.Sprintf("duplicate phone (line %d)", first)})
			continue
		}
		seen[c.Phone] = line
		out = append(out, c)
	}
	return out, rejected, nil
}

// ImportContactsCSV parses an uploaded list and adds it to the campaign.
func (e *Engine) ImportContactsCSV(ctx context.Context, id uuid.UUID, data []byte) (ImportResult, error) {
	contacts, rejected, err := ParseContactsCSV(data)
	if err != nil {
		return ImportResult{}, err
	}
	res := ImportResult{Rejected: rejected}
	if len(contacts) == 0 {
		return res, apperr.Wrap("campaigns: import contacts", apperr.ErrInvalidInput, errors.New("no valid rows"))
	}
	added, err := e.AddContacts(ctx, id, contacts)
	if err != nil {
		return res, err
	}
	res.Added = added
	res.Skipped = len(contacts) - added
	e.logger.Info("campaign contacts imported", "campaign_id", id, "added", added, "skipped", res.Skipped, "rejected", len(rejected))
	return res, nil
}
