package composite

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"keikou/internal/camera"
	"keikou/internal/config"
)

func TestCalculateLayout(t *testing.T) {
	tests := []struct {
		count      int
		cols, rows int
	}{
		{0, 1, 1},
		{1, 1, 1},
		{2, 2, 1},
		{3, 2, 2},
		{4, 2, 2},
		{5, 4, 2},
		{6, 4, 2},
	}
	for _, tt := range tests {
		l := calculateLayout(tt.count, 800, 600)
		if l.Cols != tt.cols || l.Rows != tt.rows {
			t.Errorf("calculateLayout(%d) = %dx%d, want %dx%d", tt.count, l.Cols, l.Rows, tt.cols, tt.rows)
		}
		if l.CellWidth != 800/tt.cols || l.CellHeight != 600/tt.rows {
			t.Errorf("calculateLayout(%d) cell = %dx%d", tt.count, l.CellWidth, l.CellHeight)
		}
	}
}

func uniform(c color.RGBA, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestCompose(t *testing.T) {
	red := uniform(color.RGBA{255, 0, 0, 255}, 4, 4)
	blue := uniform(color.RGBA{0, 0, 255, 255}, 4, 4)

	out := Compose([]image.Image{red, blue}, 8, 4)
	if out.Bounds().Dx() != 8 || out.Bounds().Dy() != 4 {
		t.Fatalf("bounds = %v", out.Bounds())
	}
	if got := out.RGBAAt(1, 1); got.R != 255 || got.B != 0 {
		t.Errorf("left cell = %v, want red", got)
	}
	if got := out.RGBAAt(6, 2); got.B != 255 || got.R != 0 {
		t.Errorf("right cell = %v, want blue", got)
	}
}

func TestCompose_KeepsAspectAndEmptyCells(t *testing.T) {
	// 横長の画像は正方形のセルの上下に余白ができる
	wide := uniform(color.RGBA{0, 255, 0, 255}, 8, 2)
	out := Compose([]image.Image{wide, nil}, 16, 8)

	if got := out.RGBAAt(4, 0); got.G != 0 {
		t.Errorf("letterbox pixel = %v, want black", got)
	}
	if got := out.RGBAAt(4, 4); got.G != 255 {
		t.Errorf("center pixel = %v, want green", got)
	}
	if got := out.RGBAAt(12, 4); got != (color.RGBA{0, 0, 0, 255}) {
		t.Errorf("empty cell = %v, want black", got)
	}

	if empty := Compose(nil, 4, 4); empty.RGBAAt(0, 0) != (color.RGBA{0, 0, 0, 255}) {
		t.Error("Expected black frame for no inputs")
	}
}

func bootManager(t *testing.T, composite bool) *camera.StreamManager {
	t.Helper()
	cfg := config.Default()
	cfg.Camera.Devices = []config.CameraDevice{
		{Name: "a", Backend: string(camera.KindMock)},
		{Name: "b", Backend: string(camera.KindMock)},
	}
	cfg.Poll = config.PollConfig{
		Interval:       5 * time.Millisecond,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
	}
	cfg.Capture.Root = t.TempDir()
	cfg.Composite.Enabled = composite
	cfg.Composite.Width = 64
	cfg.Composite.Height = 48

	factory := camera.NewBackendFactory()
	factory.Register(camera.KindMock, func(camera.CameraConfig, zerolog.Logger) (camera.Backend, error) {
		return camera.NewMockBackend(16, 12), nil
	})
	m := camera.NewStreamManager(&cfg, camera.WithBackendFactory(factory))
	if err := m.Boot(context.Background()); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	t.Cleanup(m.ShutdownAll)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCompositor_ComposeOnce(t *testing.T) {
	m := bootManager(t, true)
	c := New(m, 5*time.Millisecond, zerolog.Nop())

	waitFor(t, "physical frames", func() bool {
		return m.GetCurrentFrame(0) != nil && m.GetCurrentFrame(1) != nil
	})
	for i := 0; i < 2; i++ {
		if err := m.SetPolling(i, false); err != nil {
			t.Fatal(err)
		}
		idx := i
		waitFor(t, "idle camera", func() bool { return m.GetState(idx) == camera.StateIdling })
	}

	if ok, err := c.ComposeOnce(); !ok || err != nil {
		t.Fatalf("ComposeOnce = %v, %v, want composed", ok, err)
	}
	// 変更カウンタが進んでいなければ合成しない
	if ok, _ := c.ComposeOnce(); ok {
		t.Error("ComposeOnce composed without changes")
	}
	if c.Composed() != 1 {
		t.Errorf("composed = %d, want 1", c.Composed())
	}

	idx := m.CompositeIndex()
	waitFor(t, "composite frame", func() bool { return m.GetChangeCounter(idx) == 1 })
	f := m.GetCurrentFrame(idx)
	if f.Width() != 64 || f.Height() != 48 {
		t.Errorf("composite size = %dx%d, want 64x48", f.Width(), f.Height())
	}
}

func TestCompositor_StartStop(t *testing.T) {
	m := bootManager(t, true)
	c := New(m, 5*time.Millisecond, zerolog.Nop())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}

	idx := m.CompositeIndex()
	waitFor(t, "composite frames", func() bool { return m.GetChangeCounter(idx) >= 3 })
	c.Stop()
	c.Stop()

	if c.Composed() < 3 {
		t.Errorf("composed = %d, want >= 3", c.Composed())
	}
}

func TestCompositor_Disabled(t *testing.T) {
	m := bootManager(t, false)
	c := New(m, 0, zerolog.Nop())
	if err := c.Start(context.Background()); !errors.Is(err, camera.ErrNotExternal) {
		t.Errorf("Start = %v, want ErrNotExternal", err)
	}
}

// fakeManager はサイズ未設定の合成カメラを持つ
type fakeManager struct {
	injected []image.Image
}

func (f *fakeManager) PhysicalCameras() []*camera.ManagedCamera { return nil }
func (f *fakeManager) CompositeIndex() int                      { return 0 }

func (f *fakeManager) GetFloat(int, camera.ParamID) (float64, error) {
	return 0, nil
}

func (f *fakeManager) InjectCompositeFrame(img image.Image) error {
	f.injected = append(f.injected, img)
	return nil
}

func TestCompositor_FallbackSize(t *testing.T) {
	c := New(&fakeManager{}, time.Millisecond, zerolog.Nop())
	if w, h := c.outputSize(); w != fallbackWidth || h != fallbackHeight {
		t.Errorf("outputSize = %dx%d", w, h)
	}
	if ok, _ := c.ComposeOnce(); ok {
		t.Error("ComposeOnce composed without cameras")
	}
}
