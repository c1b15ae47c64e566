package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/taxdocumentvault/internal/models"
	"github.com/Lllllllleong/taxdocumentvault/internal/services"
)

const (
	userHeader     = "X-User-ID"
	maxUploadBytes = 25 << 20
)

var (
	srv     *server
	once    sync.Once
	initErr error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleSubmit", withServer(func(s *server) http.HandlerFunc { return s.handleSubmit }))
	functions.HTTP("HandleApprove", withServer(func(s *server) http.HandlerFunc { return s.handleApprove }))
	functions.HTTP("HandleRecords", withServer(func(s *server) http.HandlerFunc { return s.handleRecords }))
	functions.HTTP("HandlePreview", withServer(func(s *server) http.HandlerFunc { return s.handlePreview }))
	functions.HTTP("HandleReject", withServer(func(s *server) http.HandlerFunc { return s.handleReject }))
	functions.HTTP("HandlePending", withServer(func(s *server) http.HandlerFunc { return s.handlePending }))
}

// main is required by the Go Functions Framework.
func main() {}

// withServer defers pipeline construction to the first request, once per instance.
func withServer(route func(*server) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			var p *services.Pipeline
			// Clients live as long as the instance; the platform reclaims them on shutdown.
			p, _, initErr = services.NewPipelineFromConfig(context.Background(), services.LoadConfig(), slog.Default())
			srv = &server{pipeline: p, logger: slog.Default()}
		})
		if initErr != nil {
			slog.Error("Critical error during function initialization", "error", initErr)
			http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
			return
		}
		route(srv)(w, r)
	}
}

// pipeline is the part of services.Pipeline the HTTP surface calls.
type pipeline interface {
	Submit(ctx context.Context, userID string, document []byte) (*services.SubmitResult, error)
	Approve(ctx context.Context, correlationID, userID string) (*services.ApproveResult, error)
	ListRecords(ctx context.Context, userID string) ([]models.ExtractedRecord, error)
	Preview(ctx context.Context, correlationID, userID string) (string, error)
	Reject(ctx context.Context, correlationID, userID string) error
	Pending(ctx context.Context, userID string) ([]*models.Submission, error)
}

type server struct {
	pipeline pipeline
	logger   *slog.Logger
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		s.logger.Warn("Could not read uploaded file", "error", err)
		s.writeError(w, fmt.Errorf("%w: multipart field \"file\" is required", services.ErrInvalidInput))
		return
	}
	defer file.Close()
	document, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: could not read upload: %v", services.ErrInvalidInput, err))
		return
	}

	res, err := s.pipeline.Submit(r.Context(), r.Header.Get(userHeader), document)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.SubmitResponse{
		Status:        "pending_approval",
		CorrelationID: res.CorrelationID,
		PreviewURL:    res.PreviewURL,
		PageCount:     res.PageCount,
	})
}

func (s *server) handleApprove(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeApproveRequest(w, r)
	if !ok {
		return
	}
	res, err := s.pipeline.Approve(r.Context(), req.CorrelationID, r.Header.Get(userHeader))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.ApproveResponse{
		Status:   "success",
		Data:     res.Fields,
		RecordID: res.RecordID,
	})
}

func (s *server) handleReject(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeApproveRequest(w, r)
	if !ok {
		return
	}
	if err := s.pipeline.Reject(r.Context(), req.CorrelationID, r.Header.Get(userHeader)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *server) handlePreview(w http.ResponseWriter, r *http.Request) {
	url, err := s.pipeline.Preview(r.Context(), r.URL.Query().Get("correlation_id"), r.Header.Get(userHeader))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.PreviewResponse{PreviewURL: url})
}

func (s *server) handleRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.pipeline.ListRecords(r.Context(), r.Header.Get(userHeader))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *server) handlePending(w http.ResponseWriter, r *http.Request) {
	subs, err := s.pipeline.Pending(r.Context(), r.Header.Get(userHeader))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]models.PendingSubmission, 0, len(subs))
	for _, sub := range subs {
		out = append(out, models.PendingSubmission{
			CorrelationID: sub.CorrelationID,
			PageCount:     sub.PageCount,
			CreatedAt:     sub.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *server) decodeApproveRequest(w http.ResponseWriter, r *http.Request) (models.ApproveRequest, bool) {
	var req models.ApproveRequest
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Could not decode request body", "error", err)
		s.writeError(w, fmt.Errorf("%w: could not parse JSON", services.ErrInvalidInput))
		return req, false
	}
	return req, true
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidState), errors.Is(err, services.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, services.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrDependencyFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError reports the failing step and kind only. Causes can carry object keys
// and stay in the logs.
func (s *server) writeError(w http.ResponseWriter, err error) {
	msg := err.Error()
	var se *services.StepError
	if errors.As(err, &se) {
		msg = fmt.Sprintf("%s failed: %v", se.Step, se.Kind)
	}
	s.writeJSON(w, statusFor(err), models.ErrorResponse{
		Error:     msg,
		Retryable: services.Retryable(err),
	})
}

func (s *server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", "error", err)
	}
}
