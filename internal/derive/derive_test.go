package derive

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
)

type recordingUploader struct {
	mu      sync.Mutex
	keys    []string
	failKey string
	bounds  map[string]image.Rectangle
}

func (u *recordingUploader) Upload(_ context.Context, path, key string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if key == u.failKey {
		return "", errors.New("object store unavailable")
	}
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	if strings.HasSuffix(key, ".jpg") {
		if img, err := imaging.Open(path); err == nil {
			if u.bounds == nil {
				u.bounds = make(map[string]image.Rectangle)
			}
			u.bounds[key] = img.Bounds()
		}
	}
	u.keys = append(u.keys, key)
	return "https://cdn.example/" + key, nil
}

func writeTestImage(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 7 {
		img.Set(x, x%h, color.NRGBA{R: 200, G: 40, B: 90, A: 255})
	}
	path := filepath.Join(t.TempDir(), "source.png")
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save source: %v", err)
	}
	return path
}

// pngEncoder keeps tests fast; the real webp and avif encoders are slow on
// large images.
func pngEncoder(w io.Writer, img image.Image) error { return png.Encode(w, img) }

func TestGenerateDefaultDerivativeKeys(t *testing.T) {
	scratch := t.TempDir()
	up := &recordingUploader{}
	g := New(up, Options{
		Sizes:                  []int{1024},
		EnableWebP:             true,
		EnableResizedOriginals: true,
		EnableAVIF:             false,
		ScratchDir:             scratch,
	}, WithEncoder(FormatWebP, pngEncoder))

	arts, err := g.Generate(context.Background(), 100, 42, writeTestImage(t, 2000, 2000))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sort.Strings(up.keys)
	want := []string{"100/42.webp", "100/42_1024.jpg", "100/42_1024.webp"}
	if strings.Join(up.keys, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected keys %v", up.keys)
	}
	for _, a := range arts {
		if a.Err != nil || a.URL == "" {
			t.Fatalf("unexpected artifact %+v", a)
		}
		if a.Format == FormatAVIF {
			t.Fatalf("avif disabled but produced %+v", a)
		}
	}
	if b := up.bounds["100/42_1024.jpg"]; b.Dx() != 1024 || b.Dy() != 1024 {
		t.Fatalf("thumbnail not bounded to 1024: %v", b)
	}
	if entries, _ := os.ReadDir(scratch); len(entries) != 0 {
		t.Fatalf("scratch files left behind: %d", len(entries))
	}
}

func TestGenerateIsolatesFailures(t *testing.T) {
	scratch := t.TempDir()
	up := &recordingUploader{failKey: "5/6_64.webp"}
	g := New(up, Options{
		Sizes:                  []int{64},
		EnableWebP:             true,
		EnableAVIF:             true,
		EnableResizedOriginals: true,
		ScratchDir:             scratch,
	},
		WithEncoder(FormatWebP, pngEncoder),
		WithEncoder(FormatAVIF, func(io.Writer, image.Image) error { panic("codec crashed") }),
	)

	arts, err := g.Generate(context.Background(), 5, 6, writeTestImage(t, 200, 100))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(arts) != 5 {
		t.Fatalf("expected 5 artifacts, got %d", len(arts))
	}
	failed := map[string]bool{}
	for _, a := range arts {
		if a.Err != nil {
			failed[a.Key] = true
		}
	}
	wantFailed := []string{"5/6_64.webp", "5/6_64.avif", "5/6.avif"}
	for _, k := range wantFailed {
		if !failed[k] {
			t.Fatalf("expected %s to fail, failures: %v", k, failed)
		}
	}
	if len(failed) != len(wantFailed) {
		t.Fatalf("unexpected failures %v", failed)
	}
	if entries, _ := os.ReadDir(scratch); len(entries) != 0 {
		t.Fatalf("scratch files left behind after failures: %d", len(entries))
	}
}

func TestGenerateSkipsOversizeSource(t *testing.T) {
	up := &recordingUploader{}
	g := New(up, Options{Sizes: []int{64}, EnableWebP: true, MaxSourceBytes: 10, ScratchDir: t.TempDir()})
	_, err := g.Generate(context.Background(), 1, 2, writeTestImage(t, 50, 50))
	if !errors.Is(err, ErrSourceTooLarge) || len(up.keys) != 0 {
		t.Fatalf("expected ErrSourceTooLarge and no uploads, got %v %v", err, up.keys)
	}
}

func TestGenerateDownsamplesLargeSource(t *testing.T) {
	up := &recordingUploader{}
	g := New(up, Options{Sizes: []int{4096}, EnableResizedOriginals: true, MaxDimension: 300, ScratchDir: t.TempDir()})
	if _, err := g.Generate(context.Background(), 1, 2, writeTestImage(t, 600, 300)); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if b := up.bounds["1/2_4096.jpg"]; b.Dx() != 300 || b.Dy() != 150 {
		t.Fatalf("expected 300x150 after downsampling, got %v", b)
	}
}

func TestGenerateUndecodable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jpg")
	if err := os.WriteFile(path, []byte("not an image"), 0o600); err != nil {
		t.Fatal(err)
	}
	g := New(&recordingUploader{}, Options{Sizes: []int{64}, EnableWebP: true, ScratchDir: t.TempDir()})
	if _, err := g.Generate(context.Background(), 1, 2, path); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestPlan(t *testing.T) {
	g := New(nil, Options{Sizes: []int{320, 640}, EnableWebP: true, EnableAVIF: true})
	got := strings.Join(g.Plan(), ",")
	if got != "_320.webp,_320.avif,_640.webp,_640.avif,.webp,.avif" {
		t.Fatalf("unexpected plan %s", got)
	}
}
