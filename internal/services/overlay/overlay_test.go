package overlay

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	"tethercam/internal/models"
)

type fakeSource struct {
	captures []models.Capture // newest first
	calls    int
}

func (f *fakeSource) RecentCaptures(n int) ([]models.Capture, error) {
	f.calls++
	if n > len(f.captures) {
		n = len(f.captures)
	}
	return f.captures[:n], nil
}

func (f *fakeSource) add(c models.Capture) {
	f.captures = append([]models.Capture{c}, f.captures...)
}

func writeImage(t *testing.T, dir, name string, c color.NRGBA) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := imaging.Save(imaging.New(40, 30, c), path); err != nil {
		t.Fatalf("save %s: %v", name, err)
	}
	return path
}

func TestTargetRect(t *testing.T) {
	tests := []struct {
		name               string
		scale, horiz, vert int
		want               image.Rectangle
	}{
		{"full", 100, 0, 0, image.Rect(0, 0, 200, 100)},
		{"half centred", 50, 0, 0, image.Rect(50, 25, 150, 75)},
		{"half shifted", 50, 10, -10, image.Rect(70, 15, 170, 65)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetRect(200, 100, tt.scale, tt.horiz, tt.vert); got != tt.want {
				t.Errorf("TargetRect = %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestCompositor_RebuildsOnlyOnFingerprintChange(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{}
	for i := 0; i < 3; i++ {
		name := fmt.Sprintf("%d.png", i)
		src.add(models.Capture{Filename: name, FilePath: writeImage(t, dir, name, color.NRGBA{R: uint8(i * 80), A: 255})})
	}

	c := NewCompositor(src, nil)
	defer c.Close()
	c.SetDescriptor(Descriptor{Enabled: true, Mode: ModeLastCaptured, Count: 3, Scale: 100, Transparency: 50, TransparencyBetween: 40})

	for i := 0; i < 10; i++ {
		if err := c.Refresh(); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
	if got := c.Rebuilds(); got != 1 {
		t.Fatalf("rebuilds after unchanged refreshes = %d, expected 1", got)
	}
	if src.calls != 1 {
		t.Errorf("source listed %d times for unchanged refreshes, expected 1", src.calls)
	}

	src.add(models.Capture{Filename: "3.png", FilePath: writeImage(t, dir, "3.png", color.NRGBA{G: 255, A: 255})})
	c.Invalidate()
	c.Refresh()
	c.Refresh()
	if got := c.Rebuilds(); got != 2 {
		t.Errorf("rebuilds after new capture = %d, expected 2", got)
	}

	d := c.Descriptor()
	d.TransparencyBetween = 70
	c.SetDescriptor(d)
	c.Refresh()
	if got := c.Rebuilds(); got != 3 {
		t.Errorf("rebuilds after transparency change = %d, expected 3", got)
	}

	d.Count = 2
	c.SetDescriptor(d)
	c.Refresh()
	if got := c.Rebuilds(); got != 4 {
		t.Errorf("rebuilds after count change = %d, expected 4", got)
	}

	// an older image changing does not invalidate the cache
	src.captures[1].FilePath = writeImage(t, dir, "replaced.png", color.NRGBA{B: 255, A: 255})
	c.Invalidate()
	c.Refresh()
	if got := c.Rebuilds(); got != 4 {
		t.Errorf("rebuilds after older image change = %d, expected 4", got)
	}
}

func TestCompositor_NewCaptureSeenOnlyAfterInvalidate(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{}
	src.add(models.Capture{Filename: "a.png", FilePath: writeImage(t, dir, "a.png", color.NRGBA{R: 255, A: 255})})

	c := NewCompositor(src, nil)
	defer c.Close()
	c.SetDescriptor(Descriptor{Enabled: true, Mode: ModeLastCaptured, Count: 1, Scale: 100, Transparency: 50})
	c.Refresh()

	src.add(models.Capture{Filename: "b.png", FilePath: writeImage(t, dir, "b.png", color.NRGBA{G: 255, A: 255})})
	c.Refresh()
	if got := c.Rebuilds(); got != 1 {
		t.Fatalf("rebuilds before Invalidate = %d, expected 1", got)
	}

	c.Invalidate()
	c.Refresh()
	if got := c.Rebuilds(); got != 2 {
		t.Errorf("rebuilds after Invalidate = %d, expected 2", got)
	}
}

func TestCompositor_FileMode(t *testing.T) {
	dir := t.TempDir()
	a := writeImage(t, dir, "a.png", color.NRGBA{R: 255, A: 255})
	b := writeImage(t, dir, "b.png", color.NRGBA{G: 255, A: 255})

	c := NewCompositor(nil, nil)
	defer c.Close()
	c.SetFile(a)
	c.Refresh()
	c.Refresh()
	c.SetFile(b)
	c.Refresh()
	if got := c.Rebuilds(); got != 2 {
		t.Errorf("rebuilds = %d, expected 2", got)
	}

	c.SetFile("")
	if c.Descriptor().Enabled {
		t.Error("empty file should disable the overlay")
	}
}

func TestCompositor_ApplyBlendsIntoTarget(t *testing.T) {
	dir := t.TempDir()
	white := writeImage(t, dir, "white.png", color.NRGBA{R: 255, G: 255, B: 255, A: 255})

	c := NewCompositor(nil, nil)
	defer c.Close()
	c.SetDescriptor(Descriptor{Enabled: true, Mode: ModeFile, File: white, Scale: 50, Transparency: 100})

	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 100, 200, gocv.MatTypeCV8UC3)
	defer img.Close()

	for i := 0; i < 3; i++ {
		if err := c.Apply(&img); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	inside := img.GetVecbAt(50, 100)
	outside := img.GetVecbAt(5, 5)
	if inside[0] != 255 {
		t.Errorf("inside pixel = %v, expected white", inside)
	}
	if outside[0] != 0 {
		t.Errorf("outside pixel = %v, expected untouched", outside)
	}
	if c.Rebuilds() != 1 {
		t.Errorf("rebuilds = %d, expected 1", c.Rebuilds())
	}
}
