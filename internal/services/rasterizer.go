package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Rasterizer renders every page of a PDF into an image at a fixed resolution.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte) ([]image.Image, error)
	DPI() int
}

// CommandRunner lets us stub external commands in tests.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct {
	logger *slog.Logger
}

func (r execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, name, args...)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb

	err := cmd.Run()
	if err != nil {
		r.logger.Error("exec failed",
			"cmd", name,
			"args", strings.Join(args, " "),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
			"stderr", truncate(errb.String(), 8<<10),
		)
	} else {
		r.logger.Debug("exec ok",
			"cmd", name,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return out.Bytes(), errb.Bytes(), err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

// PdftoppmRasterizer shells out to poppler's pdftoppm.
type PdftoppmRasterizer struct {
	binary string
	dpi    int
	runner CommandRunner
}

func NewPdftoppmRasterizer(binary string, dpi int, logger *slog.Logger) *PdftoppmRasterizer {
	return newPdftoppmRasterizer(binary, dpi, execRunner{logger: logger})
}

func newPdftoppmRasterizer(binary string, dpi int, runner CommandRunner) *PdftoppmRasterizer {
	if binary == "" {
		binary = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = DefaultRasterDPI
	}
	return &PdftoppmRasterizer{binary: binary, dpi: dpi, runner: runner}
}

func (r *PdftoppmRasterizer) DPI() int { return r.dpi }

func (r *PdftoppmRasterizer) Rasterize(ctx context.Context, pdf []byte) ([]image.Image, error) {
	tmpDir, err := os.MkdirTemp("", "vault-raster-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	// The raw document only ever touches this directory.
	defer os.RemoveAll(tmpDir)

	inPath := filepath.Join(tmpDir, "in.pdf")
	if err := os.WriteFile(inPath, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("failed to stage pdf: %w", err)
	}

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r <dpi> -png <in.pdf> <tmp/page>
	if _, errb, err := r.runner.Run(ctx, r.binary, "-r", strconv.Itoa(r.dpi), "-png", inPath, prefix); err != nil {
		return nil, fmt.Errorf("pdftoppm: %w: %s", err, truncate(string(errb), 512))
	}

	matches, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, err
	}
	if err := sortByPageNumber(matches, prefix+"-"); err != nil {
		return nil, err
	}

	pages := make([]image.Image, 0, len(matches))
	for _, path := range matches {
		img, err := decodePNGFile(path)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
		}
		pages = append(pages, img)
	}
	return pages, nil
}

// sortByPageNumber orders pdftoppm outputs numerically (page-2 before page-10).
func sortByPageNumber(paths []string, prefix string) error {
	nums := make(map[string]int, len(paths))
	for _, p := range paths {
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(p, prefix), ".png"))
		if err != nil {
			return fmt.Errorf("unexpected rasterizer output %q", filepath.Base(p))
		}
		nums[p] = n
	}
	sort.Slice(paths, func(i, j int) bool { return nums[paths[i]] < nums[paths[j]] })
	return nil
}

func decodePNGFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}
