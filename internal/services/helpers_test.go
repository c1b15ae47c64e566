package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/Lllllllleong/taxdocumentvault/internal/models"
	"github.com/jung-kurt/gofpdf"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// makePDF writes a document with the given number of text pages.
func makePDF(t *testing.T, pages int) []byte {
	t.Helper()
	pdf := gofpdf.New("P", "mm", "Letter", "")
	pdf.SetFont("Helvetica", "", 12)
	for i := 0; i < pages; i++ {
		pdf.AddPage()
		pdf.Cell(120, 10, fmt.Sprintf("Form 1040 page %d  SSN 123-45-6789", i+1))
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		t.Fatalf("gofpdf output: %v", err)
	}
	return buf.Bytes()
}

const (
	fakePageWidth  = 170
	fakePageHeight = 220
)

// pageMarker is the fill colour of page i (0-based) produced by fakeRasterizer.
func pageMarker(i int) color.RGBA {
	return color.RGBA{R: uint8(i + 1), G: 0xf0, B: 0xf0, A: 0xff}
}

// fakeRasterizer renders each page as a flat image whose red channel is the
// 1-based page number.
type fakeRasterizer struct {
	err   error
	extra int
	calls int
	mu    sync.Mutex
}

func (f *fakeRasterizer) DPI() int { return 72 }

func (f *fakeRasterizer) Rasterize(ctx context.Context, pdf []byte) ([]image.Image, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n, err := countPDFPages(pdf)
	if err != nil {
		return nil, err
	}
	images := make([]image.Image, 0, n+f.extra)
	for i := 0; i < n+f.extra; i++ {
		img := image.NewRGBA(image.Rect(0, 0, fakePageWidth, fakePageHeight))
		draw.Draw(img, img.Bounds(), &image.Uniform{C: pageMarker(i)}, image.Point{}, draw.Src)
		images = append(images, img)
	}
	return images, nil
}

// pageNumber reads the marker back out of an encoded page.
func pageNumber(t *testing.T, pagePNG []byte) int {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(pagePNG))
	if err != nil {
		t.Errorf("decode page: %v", err)
		return 0
	}
	r, _, _, _ := img.At(fakePageWidth-1, fakePageHeight-1).RGBA()
	return int(r >> 8)
}

// recordingDetector returns fixed regions and records which pages it saw.
type recordingDetector struct {
	t        *testing.T
	regions  []models.Region
	failPage int
	mu       sync.Mutex
	seen     map[int]int
}

func newRecordingDetector(t *testing.T, regions ...models.Region) *recordingDetector {
	return &recordingDetector{t: t, regions: regions, seen: map[int]int{}}
}

func (d *recordingDetector) Detect(ctx context.Context, pagePNG []byte) ([]models.Region, error) {
	page := pageNumber(d.t, pagePNG)
	d.mu.Lock()
	d.seen[page]++
	d.mu.Unlock()
	if d.failPage != 0 && page == d.failPage {
		return nil, fmt.Errorf("inspect page %d: backend error", page)
	}
	return append([]models.Region{}, d.regions...), nil
}

func (d *recordingDetector) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.seen {
		n += c
	}
	return n
}
