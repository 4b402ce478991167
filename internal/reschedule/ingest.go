package reschedule

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfman30/trial-scheduling-engine/internal/apperr"
	"github.com/wolfman30/trial-scheduling-engine/internal/archive"
)

// Archiver keeps the raw upload. *archive.Store satisfies it.
type Archiver interface {
	ArchiveBatch(ctx context.Context, u archive.Upload, data []byte) (string, error)
}

// WithArchiver stores every uploaded file.
func (e *Engine) WithArchiver(a Archiver) *Engine {
	e.archiver = a
	return e
}

// Upload is a coordinator CSV file.
type Upload struct {
	Name       string
	UploadedBy string
	Filename   string
	Data       []byte
}

// RowError explains why a CSV row did not become a request. Line is the
// 1-based line in the file, counting the header.
type RowError struct {
	Line   int    `json:"line"`
	Phone  string `json:"phone,omitempty"`
	Reason string `json:"reason"`
}

// BatchResult is returned from CreateBatch.
type BatchResult struct {
	Batch    Batch      `json:"batch"`
	Rejected []RowError `json:"rejected,omitempty"`
}

var requiredColumns = []string{"phone", "site_id", "study_id", "appointment_id"}

// ParseBatchCSV reads the upload into requests. Rows that fail validation
// are reported and skipped; a malformed header fails the whole file.
func ParseBatchCSV(data []byte) ([]Request, []RowError, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, apperr.Wrap("reschedule: parse batch", apperr.ErrParseFailure, fmt.Errorf("read header: %w", err))
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, nil, apperr.Wrap("reschedule: parse batch", apperr.ErrParseFailure, fmt.Errorf("missing column %q", c))
		}
	}

	var (
		reqs     []Request
		rejected []RowError
		seen     = map[string]int{}
	)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return nil, nil, apperr.Wrap("reschedule: parse batch", apperr.ErrParseFailure, err)
			}
			rejected = append(rejected, RowError{Line: pe.StartLine, Reason: pe.Err.Error()})
			continue
		}
		line, _ := r.FieldPos(0)
		field := func(name string) string {
			if i, ok := cols[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		if blank(rec) {
			continue
		}

		req := Request{
			Phone:                      field("phone"),
			PatientName:                field("patient_name"),
			SiteID:                     field("site_id"),
			StudyID:                    field("study_id"),
			VisitID:                    field("visit_id"),
			RemoteSubjectID:            field("subject_id"),
			CurrentRemoteAppointmentID: field("appointment_id"),
			AvailabilityNotes:          field("availability_notes"),
		}
		if v := field("earliest_date"); v != "" {
			t, err := parseDate(v)
			if err != nil {
				rejected = append(rejected, RowError{Line: line, Phone: req.Phone, Reason: "invalid earliest_date"})
				continue
			}
			req.EarliestNewDate = &t
		}
		if v := field("appointment_at"); v != "" {
			t, err := parseDate(v)
			if err != nil {
				rejected = append(rejected, RowError{Line: line, Phone: req.Phone, Reason: "invalid appointment_at"})
				continue
			}
			req.CurrentAppointmentAt = &t
		}
		if err := validate(&req); err != nil {
			rejected = append(rejected, RowError{Line: line, Phone: req.Phone, Reason: err.Error()})
			continue
		}
		if prev, dup := seen[req.CurrentRemoteAppointmentID]; dup {
			rejected = append(rejected, RowError{Line: line, Phone: req.Phone, Reason: fmt.Sprintf("duplicate appointment_id (line %d)", prev)})
			continue
		}
		seen[req.CurrentRemoteAppointmentID] = line
		reqs = append(reqs, req)
	}
	return reqs, rejected, nil
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func parseDate(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02", "01/02/2006"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", v)
}

// CreateBatch validates the upload, archives the raw file and stores the
// batch with one pending request per valid row.
func (e *Engine) CreateBatch(ctx context.Context, u Upload) (BatchResult, error) {
	ctx, span := tracer.Start(ctx, "reschedule.create_batch")
	defer span.End()

	parsed, rejected, err := ParseBatchCSV(u.Data)
	if err != nil {
		span.RecordError(err)
		return BatchResult{}, err
	}
	reqs := make([]Request, 0, len(parsed))
	for _, r := range parsed {
		if err := e.prepare(&r); err != nil {
			return BatchResult{}, err
		}
		reqs = append(reqs, r)
	}
	if len(reqs) == 0 {
		return BatchResult{Rejected: rejected}, apperr.Wrap("reschedule: create batch", apperr.ErrInvalidInput, errors.New("no valid rows"))
	}

	b := Batch{ID: uuid.New(), Name: u.Name, UploadedBy: u.UploadedBy, Status: BatchPending}
	if b.Name == "" {
		b.Name = u.Filename
	}
	for i := range reqs {
		id := b.ID
		reqs[i].BatchID = &id
	}

	if e.archiver != nil {
		key, err := e.archiver.ArchiveBatch(ctx, archive.Upload{
			BatchID:    b.ID,
			Filename:   u.Filename,
			UploadedBy: u.UploadedBy,
			Accepted:   len(reqs),
			Rejected:   archiveRows(rejected),
			UploadedAt: e.now().UTC(),
		}, u.Data)
		if err != nil {
			e.logger.Error("failed to archive reschedule batch", "batch_id", b.ID, "error", err)
		}
		b.ArchiveKey = key
	}

	created, err := e.store.CreateBatch(ctx, b, reqs)
	if err != nil {
		span.RecordError(err)
		return BatchResult{}, err
	}
	e.logger.Info("reschedule batch created", "batch_id", created.ID, "requests", len(reqs), "rejected", len(rejected), "uploaded_by", u.UploadedBy)
	return BatchResult{Batch: created, Rejected: rejected}, nil
}

func archiveRows(rows []RowError) []archive.RejectedRow {
	out := make([]archive.RejectedRow, len(rows))
	for i, r := range rows {
		out[i] = archive.RejectedRow{Line: r.Line, Reason: r.Reason, Phone: r.Phone}
	}
	return out
}
