package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakePdftoppm writes pages PNGs the way pdftoppm names them for a document
// of that length (zero-padded once there are ten or more).
type fakePdftoppm struct {
	pages  int
	err    error
	name   string
	args   []string
	staged []byte
}

func (f *fakePdftoppm) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.name, f.args = name, args
	if f.err != nil {
		return nil, []byte("Syntax Error: Couldn't find trailer dictionary"), f.err
	}
	staged, err := os.ReadFile(args[len(args)-2])
	if err != nil {
		return nil, nil, err
	}
	f.staged = staged
	prefix := args[len(args)-1]
	width := len(fmt.Sprint(f.pages))
	for i := 1; i <= f.pages; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 4, 4))
		img.SetRGBA(0, 0, color.RGBA{R: uint8(i), A: 0xff})
		out, err := os.Create(fmt.Sprintf("%s-%0*d.png", prefix, width, i))
		if err != nil {
			return nil, nil, err
		}
		if err := png.Encode(out, img); err != nil {
			out.Close()
			return nil, nil, err
		}
		out.Close()
	}
	return nil, nil, nil
}

func TestPdftoppmRasterizerOrdersPagesNumerically(t *testing.T) {
	runner := &fakePdftoppm{pages: 12}
	r := newPdftoppmRasterizer("/usr/bin/pdftoppm", 150, runner)

	pages, err := r.Rasterize(context.Background(), []byte("%PDF-1.4 stub"))
	if err != nil {
		t.Fatalf("Rasterize: %v", err)
	}
	if len(pages) != 12 {
		t.Fatalf("got %d pages, want 12", len(pages))
	}
	for i, page := range pages {
		r, _, _, _ := page.At(0, 0).RGBA()
		if int(r>>8) != i+1 {
			t.Errorf("position %d holds page %d", i+1, r>>8)
		}
	}

	if runner.name != "/usr/bin/pdftoppm" {
		t.Errorf("ran %q", runner.name)
	}
	if diff := cmp.Diff([]string{"-r", "150", "-png"}, runner.args[:3]); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if string(runner.staged) != "%PDF-1.4 stub" {
		t.Errorf("staged input = %q", runner.staged)
	}
	if _, err := os.Stat(runner.args[len(runner.args)-2]); !os.IsNotExist(err) {
		t.Errorf("staged pdf was not removed: %v", err)
	}
}

func TestPdftoppmRasterizerReportsFailure(t *testing.T) {
	r := newPdftoppmRasterizer("", 0, &fakePdftoppm{err: errors.New("exit status 1")})
	if r.DPI() != DefaultRasterDPI {
		t.Errorf("DPI = %d, want default %d", r.DPI(), DefaultRasterDPI)
	}
	if _, err := r.Rasterize(context.Background(), []byte("junk")); err == nil {
		t.Fatal("expected error")
	}
}

func TestSortByPageNumberRejectsForeignFiles(t *testing.T) {
	paths := []string{"/tmp/x/page-2.png", "/tmp/x/page-notes.png"}
	if err := sortByPageNumber(paths, "/tmp/x/page-"); err == nil {
		t.Fatal("expected error for unexpected output name")
	}
}
