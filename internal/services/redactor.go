package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"
	"time"

	"github.com/Lllllllleong/taxdocumentvault/internal/models"
	"github.com/jung-kurt/gofpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRasterDPI       = 200
	DefaultPageConcurrency = 4
)

// pdfEpoch is stamped as the creation date so identical inputs produce identical bytes.
var pdfEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

func init() {
	// pdfcpu otherwise writes a config directory under the user's home.
	api.DisableConfigDir()
}

// RedactionResult is the output of one redaction pass.
type RedactionResult struct {
	PDF         []byte
	PageCount   int
	RegionCount int
}

// Redactor rasterizes a document, masks every detected PII region with an opaque
// fill and reassembles the pages into a new PDF.
type Redactor struct {
	rasterizer  Rasterizer
	detector    PIIDetector
	mask        color.RGBA
	concurrency int
	logger      *slog.Logger
}

func NewRedactor(rasterizer Rasterizer, detector PIIDetector, concurrency int, logger *slog.Logger) *Redactor {
	if concurrency <= 0 {
		concurrency = DefaultPageConcurrency
	}
	return &Redactor{
		rasterizer:  rasterizer,
		detector:    detector,
		mask:        color.RGBA{A: 0xff},
		concurrency: concurrency,
		logger:      logger,
	}
}

// WithMaskColor overrides the fill colour. Alpha is forced to opaque.
func (r *Redactor) WithMaskColor(c color.RGBA) *Redactor {
	c.A = 0xff
	r.mask = c
	return r
}

// Redact never returns a result with zero pages: empty or unparseable input is
// ErrInvalidDocument, and any per-page failure aborts the whole document.
func (r *Redactor) Redact(ctx context.Context, raw []byte) (*RedactionResult, error) {
	pageCount, err := countPDFPages(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if pageCount == 0 {
		return nil, fmt.Errorf("%w: document has no pages", ErrInvalidDocument)
	}
	logCtx := r.logger.With("pageCount", pageCount, "dpi", r.rasterizer.DPI())
	logCtx.Info("Starting PDF redaction.")

	images, err := r.rasterizer.Rasterize(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("rasterize: %w", err)
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: rasterizer produced no pages", ErrInvalidDocument)
	}
	if len(images) != pageCount {
		return nil, fmt.Errorf("%w: rasterized %d pages, document has %d", ErrDependencyFailed, len(images), pageCount)
	}

	pages, regionCount, err := r.redactPages(ctx, images)
	if err != nil {
		logCtx.Error("Page redaction failed; nothing will be emitted.", "error", err)
		return nil, err
	}

	out, err := assemblePDF(pages, r.rasterizer.DPI())
	if err != nil {
		return nil, fmt.Errorf("reassemble: %w", err)
	}
	outCount, err := countPDFPages(out)
	if err != nil {
		return nil, fmt.Errorf("%w: reassembled pdf unreadable: %v", ErrDependencyFailed, err)
	}
	if outCount != pageCount {
		return nil, fmt.Errorf("%w: reassembled %d pages, expected %d", ErrDependencyFailed, outCount, pageCount)
	}

	logCtx.Info("PDF redaction complete.", "regionCount", regionCount, "bytes", len(out))
	return &RedactionResult{PDF: out, PageCount: pageCount, RegionCount: regionCount}, nil
}

// redactPages runs detection concurrently but stores each result at its page index,
// so output order never depends on completion order.
func (r *Redactor) redactPages(ctx context.Context, images []image.Image) ([]*image.RGBA, int, error) {
	pages := make([]*image.RGBA, len(images))
	counts := make([]int, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, img := range images {
		g.Go(func() error {
			page, n, err := r.redactPage(gctx, img)
			if err != nil {
				return fmt.Errorf("page %d: %w", i+1, err)
			}
			pages[i] = page
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	return pages, total, nil
}

func (r *Redactor) redactPage(ctx context.Context, img image.Image) (*image.RGBA, int, error) {
	page := toRGBA(img)

	var buf bytes.Buffer
	if err := png.Encode(&buf, page); err != nil {
		return nil, 0, fmt.Errorf("encode page: %w", err)
	}

	regions, err := r.detector.Detect(ctx, buf.Bytes())
	if err != nil {
		if !errors.Is(err, ErrDetection) && !errors.Is(err, ErrDependencyUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDetection, err)
		}
		return nil, 0, err
	}

	applied := 0
	for _, region := range regions {
		rect, ok, err := regionRect(region, page.Bounds())
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			r.logger.Warn("Skipping zero-area region.", "region", region)
			continue
		}
		draw.Draw(page, rect, &image.Uniform{C: r.mask}, image.Point{}, draw.Src)
		applied++
	}
	return page, applied, nil
}

// regionRect converts a detection into a rectangle, asserting it lies inside the
// page the detector saw. Detection and drawing share one pixel space; a region
// outside it means the detector scaled the image and the mask would miss.
func regionRect(region models.Region, bounds image.Rectangle) (image.Rectangle, bool, error) {
	if region.Width <= 0 || region.Height <= 0 {
		return image.Rectangle{}, false, nil
	}
	rect := image.Rect(region.Left, region.Top, region.Left+region.Width, region.Top+region.Height)
	if !rect.In(bounds) {
		return image.Rectangle{}, false, fmt.Errorf("%w: region %+v, page %dx%d",
			ErrResolutionMismatch, region, bounds.Dx(), bounds.Dy())
	}
	return rect, true, nil
}

// toRGBA copies img into a fresh RGBA anchored at the origin.
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// assemblePDF writes one page per image, sized so the image keeps its DPI.
func assemblePDF(pages []*image.RGBA, dpi int) ([]byte, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages to assemble")
	}
	pointsPerPixel := 72.0 / float64(dpi)
	size := func(img *image.RGBA) gofpdf.SizeType {
		return gofpdf.SizeType{
			Wd: float64(img.Bounds().Dx()) * pointsPerPixel,
			Ht: float64(img.Bounds().Dy()) * pointsPerPixel,
		}
	}

	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           size(pages[0]),
	})
	pdf.SetCreationDate(pdfEpoch)
	pdf.SetCatalogSort(true)
	pdf.SetCompression(true)
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)

	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	for i, page := range pages {
		sz := size(page)
		// "P" keeps Wd/Ht as given; landscape pages are expressed by their own size.
		pdf.AddPageFormat("P", sz)

		var buf bytes.Buffer
		if err := png.Encode(&buf, page); err != nil {
			return nil, fmt.Errorf("encode page %d: %w", i+1, err)
		}
		name := fmt.Sprintf("page-%05d", i+1)
		pdf.RegisterImageOptionsReader(name, opts, &buf)
		pdf.ImageOptions(name, 0, 0, sz.Wd, sz.Ht, false, opts, 0, "")
		if err := pdf.Error(); err != nil {
			return nil, fmt.Errorf("page %d: %w", i+1, err)
		}
	}

	var out bytes.Buffer
	if err := pdf.Output(&out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// countPDFPages validates the document with pdfcpu and returns its page count.
func countPDFPages(data []byte) (n int, err error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty document")
	}
	// pdfcpu can panic on some malformed inputs.
	defer func() {
		if rec := recover(); rec != nil {
			n, err = 0, fmt.Errorf("malformed pdf: %v", rec)
		}
	}()
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), conf)
}
