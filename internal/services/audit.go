package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

const auditEventSource = "taxdocumentvault/pipeline"

// AuditFact is one thing the pipeline did to a submission. The flags record which
// physical copies exist after the step so an operator can reconstruct state.
type AuditFact struct {
	Event                string `json:"event"`
	UserID               string `json:"user_id"`
	CorrelationID        string `json:"correlation_id"`
	DocumentID           string `json:"document_id,omitempty"`
	Step                 string `json:"step,omitempty"`
	RawInQuarantine      *bool  `json:"raw_in_quarantine,omitempty"`
	RedactedInQuarantine *bool  `json:"redacted_in_quarantine,omitempty"`
	RedactedInVault      *bool  `json:"redacted_in_vault,omitempty"`
	RecordID             int64  `json:"record_id,omitempty"`
	Error                string `json:"error,omitempty"`
}

// Auditor receives pipeline facts.
type Auditor interface {
	Record(ctx context.Context, fact AuditFact)
}

// CloudEventAuditor wraps each fact in a CloudEvents envelope and writes it to the log.
type CloudEventAuditor struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewCloudEventAuditor(logger *slog.Logger) *CloudEventAuditor {
	return &CloudEventAuditor{logger: logger, now: time.Now}
}

// Event builds the envelope for a fact.
func (a *CloudEventAuditor) Event(fact AuditFact) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(auditEventSource)
	event.SetType("com.taxdocumentvault.submission." + fact.Event)
	event.SetSubject(fact.CorrelationID)
	event.SetTime(a.now().UTC())
	if err := event.SetData(cloudevents.ApplicationJSON, fact); err != nil {
		return event, err
	}
	return event, event.Validate()
}

func (a *CloudEventAuditor) Record(ctx context.Context, fact AuditFact) {
	event, err := a.Event(fact)
	if err != nil {
		a.logger.Error("Failed to build audit event", "error", err, "event", fact.Event, "correlationId", fact.CorrelationID)
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		a.logger.Error("Failed to encode audit event", "error", err, "event", fact.Event, "correlationId", fact.CorrelationID)
		return
	}
	a.logger.InfoContext(ctx, "Audit: "+fact.Event,
		"audit_event", true,
		"userId", fact.UserID,
		"correlationId", fact.CorrelationID,
		"cloudevent", json.RawMessage(payload),
	)
}

// NopAuditor discards facts.
type NopAuditor struct{}

func (NopAuditor) Record(context.Context, AuditFact) {}

func flag(b bool) *bool { return &b }
