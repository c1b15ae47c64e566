package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Lllllllleong/taxdocumentvault/internal/models"
	"github.com/Lllllllleong/taxdocumentvault/internal/services"
	"github.com/google/go-cmp/cmp"
)

type fakePipeline struct {
	gotUser     string
	gotID       string
	gotDocument []byte
	err         error
}

func (f *fakePipeline) Submit(ctx context.Context, userID string, document []byte) (*services.SubmitResult, error) {
	f.gotUser, f.gotDocument = userID, document
	if f.err != nil {
		return nil, f.err
	}
	return &services.SubmitResult{CorrelationID: "c1", PreviewURL: "https://preview", PageCount: 2}, nil
}

func (f *fakePipeline) Approve(ctx context.Context, correlationID, userID string) (*services.ApproveResult, error) {
	f.gotUser, f.gotID = userID, correlationID
	if f.err != nil {
		return nil, f.err
	}
	return &services.ApproveResult{RecordID: 7, DocumentID: "d1", Fields: services.MockTaxFields()}, nil
}

func (f *fakePipeline) ListRecords(ctx context.Context, userID string) ([]models.ExtractedRecord, error) {
	f.gotUser = userID
	return []models.ExtractedRecord{{ID: 7, UserID: userID, DocumentID: "d1"}}, f.err
}

func (f *fakePipeline) Preview(ctx context.Context, correlationID, userID string) (string, error) {
	f.gotUser, f.gotID = userID, correlationID
	return "https://preview/again", f.err
}

func (f *fakePipeline) Reject(ctx context.Context, correlationID, userID string) error {
	f.gotUser, f.gotID = userID, correlationID
	return f.err
}

func (f *fakePipeline) Pending(ctx context.Context, userID string) ([]*models.Submission, error) {
	f.gotUser = userID
	return []*models.Submission{{CorrelationID: "c1", PageCount: 3, CreatedAt: time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC)}}, f.err
}

func newTestServer(p *fakePipeline) *server {
	return &server{pipeline: p, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func multipartUpload(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "w2.pdf")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(data)
	mw.Close()
	return &body, mw.FormDataContentType()
}

func TestHandleSubmit(t *testing.T) {
	p := &fakePipeline{}
	body, contentType := multipartUpload(t, "file", []byte("%PDF-1.7"))
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(userHeader, "u1")
	rec := httptest.NewRecorder()

	newTestServer(p).handleSubmit(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got models.SubmitResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := models.SubmitResponse{Status: "pending_approval", CorrelationID: "c1", PreviewURL: "https://preview", PageCount: 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
	if p.gotUser != "u1" || string(p.gotDocument) != "%PDF-1.7" {
		t.Errorf("pipeline got user %q document %q", p.gotUser, p.gotDocument)
	}
}

func TestHandleSubmitWithoutFile(t *testing.T) {
	body, contentType := multipartUpload(t, "attachment", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	newTestServer(&fakePipeline{}).handleSubmit(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleApprove(t *testing.T) {
	p := &fakePipeline{}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"correlation_id":"c1"}`))
	req.Header.Set(userHeader, "u1")
	rec := httptest.NewRecorder()

	newTestServer(p).handleApprove(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var got models.ApproveResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != "success" || got.RecordID != 7 {
		t.Errorf("response = %+v", got)
	}
	if diff := cmp.Diff(services.MockTaxFields(), got.Data); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}
	if p.gotID != "c1" || p.gotUser != "u1" {
		t.Errorf("pipeline got id %q user %q", p.gotID, p.gotUser)
	}
}

func TestHandlePending(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(userHeader, "u1")
	rec := httptest.NewRecorder()

	newTestServer(&fakePipeline{}).handlePending(rec, req)

	var got []models.PendingSubmission
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := []models.PendingSubmission{{CorrelationID: "c1", PageCount: 3, CreatedAt: "2025-04-01T09:30:00Z"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		kind      error
		status    int
		retryable bool
	}{
		{services.ErrInvalidInput, http.StatusBadRequest, false},
		{services.ErrNotFound, http.StatusNotFound, false},
		{services.ErrInvalidState, http.StatusConflict, false},
		{services.ErrStateConflict, http.StatusConflict, true},
		{services.ErrResourceExhausted, http.StatusTooManyRequests, true},
		{services.ErrDependencyUnavailable, http.StatusServiceUnavailable, false},
		{services.ErrDependencyFailed, http.StatusBadGateway, false},
		{services.ErrIntegrity, http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.Error(), func(t *testing.T) {
			err := &services.StepError{Step: "extract", Kind: tt.kind, UserID: "u1", CorrelationID: "c1",
				Cause: fmt.Errorf("object u1/secret_raw.pdf: boom")}
			p := &fakePipeline{err: err}
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"correlation_id":"c1"}`))
			req.Header.Set(userHeader, "u1")
			rec := httptest.NewRecorder()

			newTestServer(p).handleApprove(rec, req)

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			var got models.ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", got.Retryable, tt.retryable)
			}
			if strings.Contains(got.Error, "secret_raw") {
				t.Errorf("error body leaks the cause: %q", got.Error)
			}
		})
	}
}
