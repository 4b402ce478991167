package archive

import (
	"time"

	"github.com/google/uuid"
)

// Upload describes one coordinator file archived to S3.
type Upload struct {
	BatchID    uuid.UUID
	Filename   string
	UploadedBy string
	Accepted   int
	Rejected   []RejectedRow
	UploadedAt time.Time
}

// RejectedRow is a row that did not become a request. Phone is hashed
// before it reaches the manifest.
type RejectedRow struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
	Phone  string `json:"phone_hash,omitempty"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	BatchID    string        `json:"batch_id"`
	S3Key      string        `json:"s3_key"`
	Filename   string        `json:"filename"`
	UploadedBy string        `json:"uploaded_by"`
	Accepted   int           `json:"accepted"`
	Rejected   []RejectedRow `json:"rejected,omitempty"`
	ArchivedAt string        `json:"archived_at"`
}
