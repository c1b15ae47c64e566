package models

// These structs define the JSON payloads exchanged with the HTTP entry points.

// SubmitResponse is returned after a document has been redacted and quarantined.
type SubmitResponse struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	PreviewURL    string `json:"preview_url"`
	PageCount     int    `json:"page_count"`
}

// ApproveRequest addresses a quarantined submission by correlation ID.
type ApproveRequest struct {
	CorrelationID string `json:"correlation_id"`
}

// ApproveResponse carries the extracted fields of an approved submission.
type ApproveResponse struct {
	Status   string    `json:"status"`
	Data     TaxFields `json:"data"`
	RecordID int64     `json:"record_id"`
}

type PreviewResponse struct {
	PreviewURL string `json:"preview_url"`
}

// PendingSubmission is the caller-visible view of a submission awaiting approval.
type PendingSubmission struct {
	CorrelationID string `json:"correlation_id"`
	PageCount     int    `json:"page_count"`
	CreatedAt     string `json:"created_at"`
}

// ErrorResponse is written for any failed operation.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}
