package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// ErrPreconditionFailed is returned when a conditional write finds the object already present.
var ErrPreconditionFailed = errors.New("gcs precondition failed")

// WriteObjectIfAbsent writes data to a GCS object only if it doesn't already exist.
// A 412 from GCS is reported as ErrPreconditionFailed, still wrapping the API error,
// so callers can decide whether an existing object is a collision or a previous attempt.
func WriteObjectIfAbsent(ctx context.Context, bucket *storage.BucketHandle, objectName, contentType string, data []byte) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		_ = writer.Close()
		if IsPreconditionFailed(err) {
			return fmt.Errorf("object %s: %w: %w", objectName, ErrPreconditionFailed, err)
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if IsPreconditionFailed(err) {
			return fmt.Errorf("object %s: %w: %w", objectName, ErrPreconditionFailed, err)
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

// IsPreconditionFailed reports whether err is an HTTP 412 from the GCS JSON API.
func IsPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// IsNotFound reports whether err means the object (or bucket) does not exist.
func IsNotFound(err error) bool {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
