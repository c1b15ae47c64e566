package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/taxdocumentvault/internal/gcp"
)

// Area names one of the two storage domains.
type Area string

const (
	AreaQuarantine Area = "quarantine"
	AreaVault      Area = "vault"
)

const (
	// DefaultSignedURLTTL is used when a caller passes a non-positive ttl.
	DefaultSignedURLTTL = 5 * time.Minute
	maxSignedURLTTL     = 7 * 24 * time.Hour
	pdfContentType      = "application/pdf"
)

// BlobGateway uploads, moves, deletes and signs blobs in the quarantine and vault areas.
// Implementations never retry.
type BlobGateway interface {
	Upload(ctx context.Context, area Area, key string, data []byte) error
	// Move copies then deletes the source. A failed source delete after a
	// successful copy is reported as ErrIntegrity.
	Move(ctx context.Context, srcArea Area, srcKey string, dstArea Area, dstKey string) error
	// Delete succeeds when the object is already gone.
	Delete(ctx context.Context, area Area, key string) error
	Exists(ctx context.Context, area Area, key string) (bool, error)
	SignedReadURL(ctx context.Context, area Area, key string, ttl time.Duration) (string, error)
	// URI returns the locator handed to the extraction model.
	URI(area Area, key string) string
}

func normalizeTTL(ttl time.Duration) (time.Duration, error) {
	if ttl <= 0 {
		return DefaultSignedURLTTL, nil
	}
	if ttl > maxSignedURLTTL {
		return 0, fmt.Errorf("signed url ttl %s exceeds %s", ttl, maxSignedURLTTL)
	}
	return ttl, nil
}

// GCSBlobGateway maps each area to its own bucket.
type GCSBlobGateway struct {
	client  *storage.Client
	buckets map[Area]string
	logger  *slog.Logger
}

// NewGCSBlobGateway refuses to merge the two areas into one bucket.
func NewGCSBlobGateway(client *storage.Client, quarantineBucket, vaultBucket string, logger *slog.Logger) (*GCSBlobGateway, error) {
	if quarantineBucket == "" || vaultBucket == "" {
		return nil, fmt.Errorf("quarantine and vault buckets must both be set")
	}
	if quarantineBucket == vaultBucket {
		return nil, fmt.Errorf("quarantine and vault must be distinct buckets, both are %q", vaultBucket)
	}
	return &GCSBlobGateway{
		client: client,
		buckets: map[Area]string{
			AreaQuarantine: quarantineBucket,
			AreaVault:      vaultBucket,
		},
		logger: logger,
	}, nil
}

func (g *GCSBlobGateway) bucket(area Area) (*storage.BucketHandle, error) {
	name, ok := g.buckets[area]
	if !ok {
		return nil, fmt.Errorf("unknown storage area %q", area)
	}
	return g.client.Bucket(name), nil
}

func (g *GCSBlobGateway) Upload(ctx context.Context, area Area, key string, data []byte) error {
	bucket, err := g.bucket(area)
	if err != nil {
		return err
	}
	if err := gcp.WriteObjectIfAbsent(ctx, bucket, key, pdfContentType, data); err != nil {
		if errors.Is(err, gcp.ErrPreconditionFailed) {
			return fmt.Errorf("upload %s/%s: %w", area, key, ErrObjectExists)
		}
		return fmt.Errorf("upload %s/%s: %w", area, key, err)
	}
	return nil
}

func (g *GCSBlobGateway) Move(ctx context.Context, srcArea Area, srcKey string, dstArea Area, dstKey string) error {
	srcBucket, err := g.bucket(srcArea)
	if err != nil {
		return err
	}
	dstBucket, err := g.bucket(dstArea)
	if err != nil {
		return err
	}
	src := srcBucket.Object(srcKey)
	dst := dstBucket.Object(dstKey).If(storage.Conditions{DoesNotExist: true})

	logCtx := g.logger.With("srcArea", srcArea, "srcKey", srcKey, "dstArea", dstArea, "dstKey", dstKey)
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		switch {
		case gcp.IsPreconditionFailed(err):
			// An earlier attempt copied the object but did not remove the source.
			logCtx.Info("SKIPPING copy: destination already exists.")
		case gcp.IsNotFound(err):
			return fmt.Errorf("move %s/%s: %w", srcArea, srcKey, ErrObjectNotFound)
		default:
			return fmt.Errorf("copy %s/%s to %s/%s: %w", srcArea, srcKey, dstArea, dstKey, err)
		}
	}

	if err := src.Delete(ctx); err != nil && !gcp.IsNotFound(err) {
		logCtx.Error("Copy succeeded but source delete failed; both copies are live.", "error", err)
		return fmt.Errorf("move %s/%s: source delete after copy: %w: %w", srcArea, srcKey, ErrIntegrity, err)
	}
	return nil
}

func (g *GCSBlobGateway) Delete(ctx context.Context, area Area, key string) error {
	bucket, err := g.bucket(area)
	if err != nil {
		return err
	}
	if err := bucket.Object(key).Delete(ctx); err != nil {
		if gcp.IsNotFound(err) {
			g.logger.Info("SKIPPING delete: object already absent.", "area", area, "key", key)
			return nil
		}
		return fmt.Errorf("delete %s/%s: %w", area, key, err)
	}
	return nil
}

func (g *GCSBlobGateway) Exists(ctx context.Context, area Area, key string) (bool, error) {
	bucket, err := g.bucket(area)
	if err != nil {
		return false, err
	}
	if _, err := bucket.Object(key).Attrs(ctx); err != nil {
		if gcp.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s/%s: %w", area, key, err)
	}
	return true, nil
}

func (g *GCSBlobGateway) SignedReadURL(ctx context.Context, area Area, key string, ttl time.Duration) (string, error) {
	bucket, err := g.bucket(area)
	if err != nil {
		return "", err
	}
	ttl, err = normalizeTTL(ttl)
	if err != nil {
		return "", err
	}
	url, err := bucket.SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("sign %s/%s: %w", area, key, err)
	}
	return url, nil
}

func (g *GCSBlobGateway) URI(area Area, key string) string {
	return fmt.Sprintf("gs://%s/%s", g.buckets[area], key)
}
