package models

import "time"

// SubmissionStatus is the persisted state of a submission in the ledger.
type SubmissionStatus string

const (
	StatusPendingApproval SubmissionStatus = "pending_approval"
	StatusApproved        SubmissionStatus = "approved"
	StatusVaulted         SubmissionStatus = "vaulted"
	StatusExtracted       SubmissionStatus = "extracted"
	StatusPersisted       SubmissionStatus = "persisted"
	StatusRejected        SubmissionStatus = "rejected"
)

// Submission represents one intake in the submission ledger (Firestore).
// It only ever holds storage keys and identifiers, never document bytes.
type Submission struct {
	CorrelationID string           `firestore:"correlationId"`
	UserID        string           `firestore:"userId"`
	Status        SubmissionStatus `firestore:"status"`
	RawKey        string           `firestore:"rawKey,omitempty"`
	RedactedKey   string           `firestore:"redactedKey,omitempty"`
	PageCount     int              `firestore:"pageCount,omitempty"`
	RegionCount   int              `firestore:"regionCount"`
	DocumentID    string           `firestore:"documentId,omitempty"`
	VaultKey      string           `firestore:"vaultKey,omitempty"`
	Fields        *TaxFields       `firestore:"fields,omitempty"`
	RecordID      int64            `firestore:"recordId,omitempty"`
	CreatedAt     time.Time        `firestore:"createdAt,omitempty"`
	UpdatedAt     time.Time        `firestore:"updatedAt,omitempty"`
}

// Region is an axis-aligned rectangle in the pixel space of one page image.
type Region struct {
	Top    int `json:"top"`
	Left   int `json:"left"`
	Width  int `json:"width"`
	Height int `json:"height"`
}
