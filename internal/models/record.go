package models

// TaxFields are the structured values extracted from an approved document.
// A nil field means the value was redacted, missing or blank.
type TaxFields struct {
	FilingStatus     *string  `json:"filing_status" firestore:"filingStatus"`
	W2Wages          *float64 `json:"w2_wages" firestore:"w2Wages"`
	TotalDeductions  *float64 `json:"total_deductions" firestore:"totalDeductions"`
	IRADistributions *float64 `json:"ira_distributions" firestore:"iraDistributions"`
	CapitalGainLoss  *float64 `json:"capital_gain_loss" firestore:"capitalGainLoss"`
}

// ExtractedRecord is one persisted row per approved submission.
type ExtractedRecord struct {
	ID         int64  `json:"id"`
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	TaxFields
}
