package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lllllllleong/taxdocumentvault/internal/models"
)

func TestMemoryLedgerTransitionIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	if err := l.Create(ctx, &models.Submission{CorrelationID: "c1", UserID: "u1", Status: models.StatusPendingApproval}); err != nil {
		t.Fatal(err)
	}
	if err := l.Create(ctx, &models.Submission{CorrelationID: "c1", UserID: "u1"}); !errors.Is(err, ErrStateConflict) {
		t.Errorf("duplicate Create err = %v, want ErrStateConflict", err)
	}

	got, err := l.Transition(ctx, "c1", models.StatusPendingApproval, models.StatusApproved, func(s *models.Submission) {
		s.DocumentID = "d1"
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Status != models.StatusApproved || got.DocumentID != "d1" {
		t.Errorf("transitioned submission = %+v", got)
	}

	if _, err := l.Transition(ctx, "c1", models.StatusPendingApproval, models.StatusRejected, nil); !errors.Is(err, ErrStateConflict) {
		t.Errorf("stale Transition err = %v, want ErrStateConflict", err)
	}
	if _, err := l.Transition(ctx, "missing", models.StatusPendingApproval, models.StatusApproved, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown Transition err = %v, want ErrNotFound", err)
	}
}

func TestMemoryLedgerReturnsCopies(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	fields := MockTaxFields()
	if err := l.Create(ctx, &models.Submission{CorrelationID: "c1", UserID: "u1", Status: models.StatusExtracted, Fields: &fields}); err != nil {
		t.Fatal(err)
	}
	sub, err := l.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	sub.Status = models.StatusRejected
	sub.Fields.W2Wages = nil

	again, _ := l.Get(ctx, "c1")
	if again.Status != models.StatusExtracted || again.Fields.W2Wages == nil {
		t.Errorf("caller mutation leaked into the ledger: %+v", again)
	}
}

func TestMemoryLedgerListPending(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	for _, s := range []models.Submission{
		{CorrelationID: "b", UserID: "u1", Status: models.StatusPendingApproval},
		{CorrelationID: "a", UserID: "u1", Status: models.StatusPendingApproval},
		{CorrelationID: "x", UserID: "u2", Status: models.StatusPendingApproval},
		{CorrelationID: "y", UserID: "u1", Status: models.StatusPersisted},
	} {
		s := s
		if err := l.Create(ctx, &s); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := l.ListPending(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].CorrelationID != "b" || pending[1].CorrelationID != "a" {
		t.Errorf("pending = %+v, want b then a", pending)
	}
}
