package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/taxdocumentvault/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SubmissionLedger tracks where each submission is in the approval state machine.
type SubmissionLedger interface {
	Create(ctx context.Context, sub *models.Submission) error
	// Get returns ErrNotFound for unknown correlation IDs.
	Get(ctx context.Context, correlationID string) (*models.Submission, error)
	// Transition moves a submission from one status to the next, applying mutate
	// to the stored document. It fails with ErrStateConflict if the stored status
	// is not from.
	Transition(ctx context.Context, correlationID string, from, to models.SubmissionStatus, mutate func(*models.Submission)) (*models.Submission, error)
	ListPending(ctx context.Context, userID string) ([]*models.Submission, error)
}

// FirestoreLedger stores one document per correlation ID.
type FirestoreLedger struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

func NewFirestoreLedger(client *firestore.Client, collection string) *FirestoreLedger {
	if collection == "" {
		collection = "submissions"
	}
	return &FirestoreLedger{client: client, collection: collection, now: time.Now}
}

func (l *FirestoreLedger) Create(ctx context.Context, sub *models.Submission) error {
	now := l.now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now
	if _, err := l.client.Collection(l.collection).Doc(sub.CorrelationID).Create(ctx, sub); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("submission %s: %w", sub.CorrelationID, ErrStateConflict)
		}
		return fmt.Errorf("failed to create submission document: %w", err)
	}
	return nil
}

func (l *FirestoreLedger) Get(ctx context.Context, correlationID string) (*models.Submission, error) {
	snap, err := l.client.Collection(l.collection).Doc(correlationID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("submission %s: %w", correlationID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read submission: %w", err)
	}
	var sub models.Submission
	if err := snap.DataTo(&sub); err != nil {
		return nil, fmt.Errorf("failed to decode submission: %w", err)
	}
	return &sub, nil
}

func (l *FirestoreLedger) Transition(ctx context.Context, correlationID string, from, to models.SubmissionStatus, mutate func(*models.Submission)) (*models.Submission, error) {
	ref := l.client.Collection(l.collection).Doc(correlationID)
	var updated models.Submission
	err := l.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("submission %s: %w", correlationID, ErrNotFound)
			}
			return err
		}
		var sub models.Submission
		if err := snap.DataTo(&sub); err != nil {
			return fmt.Errorf("failed to decode submission: %w", err)
		}
		if sub.Status != from {
			return fmt.Errorf("submission %s is %s, expected %s: %w", correlationID, sub.Status, from, ErrStateConflict)
		}
		if mutate != nil {
			mutate(&sub)
		}
		sub.Status = to
		sub.UpdatedAt = l.now().UTC()
		updated = sub
		return tx.Set(ref, &sub)
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to transition submission to %s: %w", to, err)
	}
	return &updated, nil
}

func (l *FirestoreLedger) ListPending(ctx context.Context, userID string) ([]*models.Submission, error) {
	it := l.client.Collection(l.collection).
		Where("userId", "==", userID).
		Where("status", "==", string(models.StatusPendingApproval)).
		Documents(ctx)
	defer it.Stop()

	var out []*models.Submission
	for {
		snap, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list pending submissions: %w", err)
		}
		var sub models.Submission
		if err := snap.DataTo(&sub); err != nil {
			return nil, fmt.Errorf("failed to decode submission %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &sub)
	}
	sortByCreated(out)
	return out, nil
}

func sortByCreated(subs []*models.Submission) {
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
}

// MemoryLedger is the in-process ledger for mock mode and tests.
type MemoryLedger struct {
	mu   sync.Mutex
	subs map[string]models.Submission
	now  func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{subs: map[string]models.Submission{}, now: time.Now}
}

func (l *MemoryLedger) Create(ctx context.Context, sub *models.Submission) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.subs[sub.CorrelationID]; ok {
		return fmt.Errorf("submission %s: %w", sub.CorrelationID, ErrStateConflict)
	}
	now := l.now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now
	l.subs[sub.CorrelationID] = cloneSubmission(*sub)
	return nil
}

func (l *MemoryLedger) Get(ctx context.Context, correlationID string) (*models.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.subs[correlationID]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", correlationID, ErrNotFound)
	}
	out := cloneSubmission(sub)
	return &out, nil
}

func (l *MemoryLedger) Transition(ctx context.Context, correlationID string, from, to models.SubmissionStatus, mutate func(*models.Submission)) (*models.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub, ok := l.subs[correlationID]
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", correlationID, ErrNotFound)
	}
	if sub.Status != from {
		return nil, fmt.Errorf("submission %s is %s, expected %s: %w", correlationID, sub.Status, from, ErrStateConflict)
	}
	if mutate != nil {
		mutate(&sub)
	}
	sub.Status = to
	sub.UpdatedAt = l.now().UTC()
	l.subs[correlationID] = cloneSubmission(sub)
	out := cloneSubmission(sub)
	return &out, nil
}

func (l *MemoryLedger) ListPending(ctx context.Context, userID string) ([]*models.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.Submission
	for _, sub := range l.subs {
		if sub.UserID == userID && sub.Status == models.StatusPendingApproval {
			c := cloneSubmission(sub)
			out = append(out, &c)
		}
	}
	sortByCreated(out)
	return out, nil
}

func cloneSubmission(s models.Submission) models.Submission {
	if s.Fields != nil {
		f := *s.Fields
		s.Fields = &f
	}
	return s
}
