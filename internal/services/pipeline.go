package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/taxdocumentvault/internal/models"
	"github.com/google/uuid"
)

// Step names used in errors, logs and audit facts.
const (
	stepIntake   = "intake"
	stepRedact   = "redact"
	stepStage    = "stage"
	stepApprove  = "approve"
	stepVault    = "vault"
	stepPurgeRaw = "purge_raw"
	stepExtract  = "extract"
	stepPersist  = "persist"
	stepPreview  = "preview"
	stepReject   = "reject"
)

const cleanupTimeout = 30 * time.Second

// DocumentRedactor produces a redacted copy of a raw document.
type DocumentRedactor interface {
	Redact(ctx context.Context, raw []byte) (*RedactionResult, error)
}

// Dependencies are the constructed collaborators of a Pipeline.
type Dependencies struct {
	Redactor   DocumentRedactor
	Blobs      BlobGateway
	Extractor  FieldExtractor
	Ledger     SubmissionLedger
	Records    RecordStore
	Auditor    Auditor
	Logger     *slog.Logger
	PreviewTTL time.Duration
}

// Pipeline drives a submission from intake to a persisted record. It is the only
// component that knows the full sequence and the only holder of correlation IDs.
type Pipeline struct {
	redactor   DocumentRedactor
	blobs      BlobGateway
	extractor  FieldExtractor
	ledger     SubmissionLedger
	records    RecordStore
	auditor    Auditor
	logger     *slog.Logger
	previewTTL time.Duration
	newID      func() string
}

// SubmitResult is returned once both copies are quarantined.
type SubmitResult struct {
	CorrelationID string `json:"correlation_id"`
	PreviewURL    string `json:"preview_url"`
	PageCount     int    `json:"page_count"`
}

// ApproveResult is returned once the record is persisted.
type ApproveResult struct {
	RecordID   int64            `json:"record_id"`
	DocumentID string           `json:"document_id"`
	Fields     models.TaxFields `json:"data"`
}

func NewPipeline(d Dependencies) (*Pipeline, error) {
	switch {
	case d.Redactor == nil:
		return nil, fmt.Errorf("pipeline: redactor is required")
	case d.Blobs == nil:
		return nil, fmt.Errorf("pipeline: blob gateway is required")
	case d.Extractor == nil:
		return nil, fmt.Errorf("pipeline: extractor is required")
	case d.Ledger == nil:
		return nil, fmt.Errorf("pipeline: ledger is required")
	case d.Records == nil:
		return nil, fmt.Errorf("pipeline: record store is required")
	}
	if d.Auditor == nil {
		d.Auditor = NopAuditor{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Pipeline{
		redactor:   d.Redactor,
		blobs:      d.Blobs,
		extractor:  d.Extractor,
		ledger:     d.Ledger,
		records:    d.Records,
		auditor:    d.Auditor,
		logger:     d.Logger,
		previewTTL: d.PreviewTTL,
		newID:      uuid.NewString,
	}, nil
}

func quarantineKeys(userID, correlationID string) (raw, redacted string) {
	return fmt.Sprintf("%s/%s_raw.pdf", userID, correlationID),
		fmt.Sprintf("%s/%s_redacted.pdf", userID, correlationID)
}

func vaultKey(userID, documentID string) string {
	return fmt.Sprintf("%s/%s.pdf", userID, documentID)
}

// validateUserID rejects identities that would escape their key namespace.
func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user identity is required", ErrInvalidInput)
	}
	if strings.ContainsAny(userID, "/\\") || userID == "." || userID == ".." {
		return fmt.Errorf("%w: user identity %q is not a valid key segment", ErrInvalidInput, userID)
	}
	return nil
}

// Submit redacts the document and stages the raw and redacted copies in quarantine.
// Nothing is uploaded until redaction succeeds, and any later failure removes
// what was uploaded, so no raw copy is ever left without its redacted pair.
func (p *Pipeline) Submit(ctx context.Context, userID string, document []byte) (*SubmitResult, error) {
	if err := validateUserID(userID); err != nil {
		return nil, newStepError(stepIntake, ErrInvalidInput, userID, "", err)
	}
	correlationID := p.newID()
	logCtx := p.logger.With("userId", userID, "correlationId", correlationID)
	logCtx.Info("Starting intake.", "bytes", len(document))

	redaction, err := p.redactor.Redact(ctx, document)
	if err != nil {
		logCtx.Error("Redaction failed; nothing was uploaded.", "step", stepRedact, "error", err)
		p.auditor.Record(ctx, AuditFact{Event: "failed", UserID: userID, CorrelationID: correlationID, Step: stepRedact,
			RawInQuarantine: flag(false), RedactedInQuarantine: flag(false), Error: err.Error()})
		return nil, newStepError(stepRedact, classify(err), userID, correlationID, err)
	}

	rawKey, redactedKey := quarantineKeys(userID, correlationID)
	var uploaded []string
	fail := func(err error) (*SubmitResult, error) {
		logCtx.Error("Intake failed; removing quarantined copies.", "step", stepStage, "error", err, "uploaded", uploaded)
		p.cleanupQuarantine(ctx, logCtx, uploaded...)
		p.auditor.Record(ctx, AuditFact{Event: "failed", UserID: userID, CorrelationID: correlationID, Step: stepStage,
			RawInQuarantine: flag(false), RedactedInQuarantine: flag(false), Error: err.Error()})
		return nil, newStepError(stepStage, classify(err), userID, correlationID, err)
	}

	// Redacted first: a raw copy is never the only object under this correlation ID.
	if err := p.blobs.Upload(ctx, AreaQuarantine, redactedKey, redaction.PDF); err != nil {
		return fail(err)
	}
	uploaded = append(uploaded, redactedKey)
	if err := p.blobs.Upload(ctx, AreaQuarantine, rawKey, document); err != nil {
		return fail(err)
	}
	uploaded = append(uploaded, rawKey)

	previewURL, err := p.blobs.SignedReadURL(ctx, AreaQuarantine, redactedKey, p.previewTTL)
	if err != nil {
		return fail(err)
	}

	sub := &models.Submission{
		CorrelationID: correlationID,
		UserID:        userID,
		Status:        models.StatusPendingApproval,
		RawKey:        rawKey,
		RedactedKey:   redactedKey,
		PageCount:     redaction.PageCount,
		RegionCount:   redaction.RegionCount,
	}
	if err := p.ledger.Create(ctx, sub); err != nil {
		return fail(err)
	}

	logCtx.Info("Submission quarantined, awaiting approval.", "pageCount", redaction.PageCount, "regionCount", redaction.RegionCount)
	p.auditor.Record(ctx, AuditFact{Event: "quarantined", UserID: userID, CorrelationID: correlationID, Step: stepStage,
		RawInQuarantine: flag(true), RedactedInQuarantine: flag(true)})
	return &SubmitResult{
		CorrelationID: correlationID,
		PreviewURL:    previewURL,
		PageCount:     redaction.PageCount,
	}, nil
}

// cleanupQuarantine deletes keys even if the caller's context was cancelled.
func (p *Pipeline) cleanupQuarantine(ctx context.Context, logCtx *slog.Logger, keys ...string) {
	if len(keys) == 0 {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	for _, key := range keys {
		if err := p.blobs.Delete(cctx, AreaQuarantine, key); err != nil {
			logCtx.Error("CRITICAL: failed to remove quarantined object after intake failure.", "key", key, "error", err)
		}
	}
}

// owned loads a submission and hides it from any user but its owner.
func (p *Pipeline) owned(ctx context.Context, step, correlationID, userID string) (*models.Submission, error) {
	if err := validateUserID(userID); err != nil {
		return nil, newStepError(step, ErrInvalidInput, userID, correlationID, err)
	}
	if _, err := uuid.Parse(correlationID); err != nil {
		return nil, newStepError(step, ErrNotFound, userID, correlationID, fmt.Errorf("malformed correlation id"))
	}
	sub, err := p.ledger.Get(ctx, correlationID)
	if err != nil {
		return nil, newStepError(step, classify(err), userID, correlationID, err)
	}
	if sub.UserID != userID {
		p.logger.Warn("Cross-user access to submission refused.", "userId", userID, "correlationId", correlationID, "step", step)
		return nil, newStepError(step, ErrNotFound, userID, correlationID, fmt.Errorf("submission %s", correlationID))
	}
	return sub, nil
}

// Approve vaults the redacted copy, destroys the raw copy, extracts fields and
// persists the record. The ledger status decides where work resumes, so a
// repeated call after a partial failure continues instead of starting over, and
// a repeated call after success returns the existing record.
func (p *Pipeline) Approve(ctx context.Context, correlationID, userID string) (*ApproveResult, error) {
	sub, err := p.owned(ctx, stepApprove, correlationID, userID)
	if err != nil {
		return nil, err
	}
	logCtx := p.logger.With("userId", userID, "correlationId", correlationID)
	logCtx.Info("Approval requested.", "status", sub.Status)

	for {
		switch sub.Status {
		case models.StatusPendingApproval:
			sub, err = p.claim(ctx, sub)
		case models.StatusApproved:
			sub, err = p.vault(ctx, logCtx, sub)
		case models.StatusVaulted:
			sub, err = p.extract(ctx, logCtx, sub)
		case models.StatusExtracted:
			sub, err = p.persist(ctx, logCtx, sub)
		case models.StatusPersisted:
			return p.approved(ctx, sub)
		default:
			return nil, newStepError(stepApprove, ErrInvalidState, userID, correlationID,
				fmt.Errorf("submission is %s", sub.Status))
		}
		if err != nil {
			var se *StepError
			step := stepApprove
			if errors.As(err, &se) {
				step = se.Step
			}
			logCtx.Error("Approval failed.", "step", step, "error", err, "retryable", Retryable(err))
			return nil, err
		}
	}
}

// stepFailed records the one failure fact for an approval step, carrying whatever
// the step knows about where the copies are, and wraps the cause.
func (p *Pipeline) stepFailed(ctx context.Context, sub *models.Submission, step string, kind, cause error, fact AuditFact) error {
	fact.Event = "failed"
	fact.UserID = sub.UserID
	fact.CorrelationID = sub.CorrelationID
	fact.DocumentID = sub.DocumentID
	fact.Step = step
	fact.Error = cause.Error()
	p.auditor.Record(ctx, fact)
	return newStepError(step, kind, sub.UserID, sub.CorrelationID, cause)
}

// vaultedFact describes a submission whose raw copy is gone and whose redacted copy is vaulted.
func vaultedFact() AuditFact {
	return AuditFact{RawInQuarantine: flag(false), RedactedInVault: flag(true)}
}

// claim assigns the permanent document identity. It is deliberately unrelated to
// the correlation ID so vault keys reveal nothing about the quarantine session.
func (p *Pipeline) claim(ctx context.Context, sub *models.Submission) (*models.Submission, error) {
	documentID := p.newID()
	next, err := p.ledger.Transition(ctx, sub.CorrelationID, models.StatusPendingApproval, models.StatusApproved, func(s *models.Submission) {
		s.DocumentID = documentID
		s.VaultKey = vaultKey(s.UserID, documentID)
	})
	if err != nil {
		return nil, p.stepFailed(ctx, sub, stepApprove, classify(err), err, AuditFact{})
	}
	p.auditor.Record(ctx, AuditFact{Event: "approved", UserID: sub.UserID, CorrelationID: sub.CorrelationID, DocumentID: documentID, Step: stepApprove})
	return next, nil
}

func (p *Pipeline) vault(ctx context.Context, logCtx *slog.Logger, sub *models.Submission) (*models.Submission, error) {
	logCtx = logCtx.With("documentId", sub.DocumentID)

	err := p.blobs.Move(ctx, AreaQuarantine, sub.RedactedKey, AreaVault, sub.VaultKey)
	if errors.Is(err, ErrObjectNotFound) {
		vaulted, xerr := p.blobs.Exists(ctx, AreaVault, sub.VaultKey)
		if xerr != nil {
			return nil, p.stepFailed(ctx, sub, stepVault, classify(xerr), xerr, AuditFact{RawInQuarantine: flag(true)})
		}
		if !vaulted {
			return nil, p.stepFailed(ctx, sub, stepVault, ErrIntegrity, fmt.Errorf("redacted copy is in neither quarantine nor vault"),
				AuditFact{RawInQuarantine: flag(true), RedactedInQuarantine: flag(false), RedactedInVault: flag(false)})
		}
		logCtx.Info("Redacted copy already vaulted by an earlier attempt.")
		err = nil
	}
	if err != nil {
		fact := AuditFact{RawInQuarantine: flag(true)}
		if errors.Is(err, ErrIntegrity) {
			// The copy reached the vault and only the source delete failed, so the
			// raw copy goes now instead of waiting for a retried approval.
			fact.RedactedInQuarantine = flag(true)
			fact.RedactedInVault = flag(true)
			if derr := p.blobs.Delete(ctx, AreaQuarantine, sub.RawKey); derr != nil {
				logCtx.Error("CRITICAL: raw copy could not be deleted after an interrupted move.", "rawKey", sub.RawKey, "error", derr)
			} else {
				fact.RawInQuarantine = flag(false)
			}
		}
		return nil, p.stepFailed(ctx, sub, stepVault, classify(err), err, fact)
	}
	p.auditor.Record(ctx, AuditFact{Event: "vaulted", UserID: sub.UserID, CorrelationID: sub.CorrelationID, DocumentID: sub.DocumentID,
		Step: stepVault, RedactedInQuarantine: flag(false), RedactedInVault: flag(true)})

	// The raw copy must not outlive a reported approval. Delete is idempotent, so a
	// retried approval can always finish this step.
	if err := p.blobs.Delete(ctx, AreaQuarantine, sub.RawKey); err != nil {
		logCtx.Error("CRITICAL: redacted copy vaulted but raw copy could not be deleted.", "rawKey", sub.RawKey, "error", err)
		return nil, p.stepFailed(ctx, sub, stepPurgeRaw, ErrIntegrity, err,
			AuditFact{RawInQuarantine: flag(true), RedactedInVault: flag(true)})
	}

	next, err := p.ledger.Transition(ctx, sub.CorrelationID, models.StatusApproved, models.StatusVaulted, func(s *models.Submission) {
		s.RawKey = ""
		s.RedactedKey = ""
	})
	if err != nil {
		return nil, p.stepFailed(ctx, sub, stepVault, classify(err), err, vaultedFact())
	}
	logCtx.Info("Redacted copy vaulted and raw copy destroyed.", "vaultKey", sub.VaultKey)
	p.auditor.Record(ctx, AuditFact{Event: "raw_purged", UserID: sub.UserID, CorrelationID: sub.CorrelationID, DocumentID: sub.DocumentID,
		Step: stepPurgeRaw, RawInQuarantine: flag(false), RedactedInVault: flag(true)})
	return next, nil
}

// extract only ever sees the vault URI; quarantine keys are cleared by now.
func (p *Pipeline) extract(ctx context.Context, logCtx *slog.Logger, sub *models.Submission) (*models.Submission, error) {
	uri := p.blobs.URI(AreaVault, sub.VaultKey)
	fields, err := p.extractor.Extract(ctx, uri)
	if err != nil {
		return nil, p.stepFailed(ctx, sub, stepExtract, classify(err), err, vaultedFact())
	}
	next, err := p.ledger.Transition(ctx, sub.CorrelationID, models.StatusVaulted, models.StatusExtracted, func(s *models.Submission) {
		s.Fields = &fields
	})
	if err != nil {
		return nil, p.stepFailed(ctx, sub, stepExtract, classify(err), err, vaultedFact())
	}
	logCtx.Info("Fields extracted.", "documentId", sub.DocumentID, "presentFields", presentFieldCount(fields))
	p.auditor.Record(ctx, AuditFact{Event: "extracted", UserID: sub.UserID, CorrelationID: sub.CorrelationID, DocumentID: sub.DocumentID, Step: stepExtract})
	return next, nil
}

func (p *Pipeline) persist(ctx context.Context, logCtx *slog.Logger, sub *models.Submission) (*models.Submission, error) {
	if sub.Fields == nil {
		return nil, p.stepFailed(ctx, sub, stepPersist, ErrIntegrity, fmt.Errorf("extracted submission has no fields"), vaultedFact())
	}
	rec, err := p.records.Create(ctx, models.ExtractedRecord{
		UserID:     sub.UserID,
		DocumentID: sub.DocumentID,
		TaxFields:  *sub.Fields,
	})
	if err != nil {
		return nil, p.stepFailed(ctx, sub, stepPersist, classify(err), err, vaultedFact())
	}
	next, err := p.ledger.Transition(ctx, sub.CorrelationID, models.StatusExtracted, models.StatusPersisted, func(s *models.Submission) {
		s.RecordID = rec.ID
	})
	if err != nil {
		return nil, p.stepFailed(ctx, sub, stepPersist, classify(err), err, vaultedFact())
	}
	logCtx.Info("Record persisted.", "documentId", sub.DocumentID, "recordId", rec.ID)
	p.auditor.Record(ctx, AuditFact{Event: "persisted", UserID: sub.UserID, CorrelationID: sub.CorrelationID, DocumentID: sub.DocumentID,
		Step: stepPersist, RecordID: rec.ID})
	return next, nil
}

func (p *Pipeline) approved(ctx context.Context, sub *models.Submission) (*ApproveResult, error) {
	rec, err := p.records.Get(ctx, sub.UserID, sub.RecordID)
	if err != nil {
		return nil, newStepError(stepApprove, classify(err), sub.UserID, sub.CorrelationID, err)
	}
	return &ApproveResult{
		RecordID:   rec.ID,
		DocumentID: rec.DocumentID,
		Fields:     rec.TaxFields,
	}, nil
}

// Preview re-issues a signed URL to the redacted copy after checking ownership.
func (p *Pipeline) Preview(ctx context.Context, correlationID, userID string) (string, error) {
	sub, err := p.owned(ctx, stepPreview, correlationID, userID)
	if err != nil {
		return "", err
	}
	if sub.Status != models.StatusPendingApproval {
		return "", newStepError(stepPreview, ErrInvalidState, userID, correlationID, fmt.Errorf("submission is %s", sub.Status))
	}
	url, err := p.blobs.SignedReadURL(ctx, AreaQuarantine, sub.RedactedKey, p.previewTTL)
	if err != nil {
		return "", newStepError(stepPreview, classify(err), userID, correlationID, err)
	}
	return url, nil
}

// Reject discards a pending submission and both of its quarantined copies.
// Calling it again on a rejected submission retries the deletes.
func (p *Pipeline) Reject(ctx context.Context, correlationID, userID string) error {
	sub, err := p.owned(ctx, stepReject, correlationID, userID)
	if err != nil {
		return err
	}
	switch sub.Status {
	case models.StatusPendingApproval:
		// Flip the status first so a concurrent approval cannot vault a rejected document.
		if _, err := p.ledger.Transition(ctx, correlationID, models.StatusPendingApproval, models.StatusRejected, nil); err != nil {
			return newStepError(stepReject, classify(err), userID, correlationID, err)
		}
	case models.StatusRejected:
	default:
		return newStepError(stepReject, ErrInvalidState, userID, correlationID, fmt.Errorf("submission is %s", sub.Status))
	}

	for _, key := range []string{sub.RawKey, sub.RedactedKey} {
		if err := p.blobs.Delete(ctx, AreaQuarantine, key); err != nil {
			return newStepError(stepReject, ErrIntegrity, userID, correlationID, err)
		}
	}
	p.logger.Info("Submission rejected.", "userId", userID, "correlationId", correlationID)
	p.auditor.Record(ctx, AuditFact{Event: "rejected", UserID: userID, CorrelationID: correlationID, Step: stepReject,
		RawInQuarantine: flag(false), RedactedInQuarantine: flag(false)})
	return nil
}

// Pending lists the caller's submissions awaiting approval.
func (p *Pipeline) Pending(ctx context.Context, userID string) ([]*models.Submission, error) {
	if err := validateUserID(userID); err != nil {
		return nil, newStepError("pending", ErrInvalidInput, userID, "", err)
	}
	subs, err := p.ledger.ListPending(ctx, userID)
	if err != nil {
		return nil, newStepError("pending", classify(err), userID, "", err)
	}
	return subs, nil
}

// ListRecords returns only the caller's records.
func (p *Pipeline) ListRecords(ctx context.Context, userID string) ([]models.ExtractedRecord, error) {
	if err := validateUserID(userID); err != nil {
		return nil, newStepError("records", ErrInvalidInput, userID, "", err)
	}
	recs, err := p.records.ListByUser(ctx, userID)
	if err != nil {
		return nil, newStepError("records", classify(err), userID, "", err)
	}
	return recs, nil
}
