package services

import (
	"context"
	"fmt"
	"log/slog"

	dlp "cloud.google.com/go/dlp/apiv2"
	"cloud.google.com/go/dlp/apiv2/dlppb"
	"github.com/Lllllllleong/taxdocumentvault/internal/models"
	"github.com/googleapis/gax-go/v2"
)

// PIIDetector returns the regions of one rasterized page that contain PII.
// An empty result means no PII was found; errors always wrap ErrDetection or
// ErrDependencyUnavailable.
type PIIDetector interface {
	Detect(ctx context.Context, pagePNG []byte) ([]models.Region, error)
}

// dlpInspector is the subset of the Cloud DLP client used here.
type dlpInspector interface {
	InspectContent(ctx context.Context, req *dlppb.InspectContentRequest, opts ...gax.CallOption) (*dlppb.InspectContentResponse, error)
}

var _ dlpInspector = (*dlp.Client)(nil)

// DLPDetector inspects page images with Cloud DLP.
type DLPDetector struct {
	client    dlpInspector
	projectID string
	infoTypes []string
	logger    *slog.Logger
}

func NewDLPDetector(client dlpInspector, projectID string, infoTypes []string, logger *slog.Logger) *DLPDetector {
	return &DLPDetector{
		client:    client,
		projectID: projectID,
		infoTypes: infoTypes,
		logger:    logger,
	}
}

func (d *DLPDetector) Detect(ctx context.Context, pagePNG []byte) ([]models.Region, error) {
	infoTypes := make([]*dlppb.InfoType, 0, len(d.infoTypes))
	for _, name := range d.infoTypes {
		infoTypes = append(infoTypes, &dlppb.InfoType{Name: name})
	}

	req := &dlppb.InspectContentRequest{
		Parent: fmt.Sprintf("projects/%s/locations/global", d.projectID),
		InspectConfig: &dlppb.InspectConfig{
			InfoTypes:     infoTypes,
			MinLikelihood: dlppb.Likelihood_POSSIBLE,
			IncludeQuote:  false,
		},
		Item: &dlppb.ContentItem{
			DataItem: &dlppb.ContentItem_ByteItem{
				ByteItem: &dlppb.ByteContentItem{
					Type: dlppb.ByteContentItem_IMAGE_PNG,
					Data: pagePNG,
				},
			},
		},
	}

	resp, err := d.client.InspectContent(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: dlp inspect: %w", ErrDetection, err)
	}

	regions := []models.Region{}
	for _, finding := range resp.GetResult().GetFindings() {
		d.logger.Debug("PII finding.", "infoType", finding.GetInfoType().GetName(), "likelihood", finding.GetLikelihood().String())
		for _, loc := range finding.GetLocation().GetContentLocations() {
			for _, box := range loc.GetImageLocation().GetBoundingBoxes() {
				regions = append(regions, models.Region{
					Top:    int(box.GetTop()),
					Left:   int(box.GetLeft()),
					Width:  int(box.GetWidth()),
					Height: int(box.GetHeight()),
				})
			}
		}
	}
	if resp.GetResult().GetFindingsTruncated() {
		// A truncated finding list would leave PII unmasked.
		return nil, fmt.Errorf("%w: dlp findings truncated", ErrDetection)
	}
	return regions, nil
}

// StaticDetector returns the same regions for every page. Used in mock mode.
type StaticDetector struct {
	Regions []models.Region
}

func (d StaticDetector) Detect(ctx context.Context, pagePNG []byte) ([]models.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]models.Region{}, d.Regions...), nil
}

// unavailableDetector stands in for a live client that failed to initialize.
type unavailableDetector struct {
	cause error
}

func (d unavailableDetector) Detect(context.Context, []byte) ([]models.Region, error) {
	return nil, fmt.Errorf("pii detector: %w: %v", ErrDependencyUnavailable, d.cause)
}
