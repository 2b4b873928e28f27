package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // 静止画のデコーダ登録
	_ "image/png"
	"os"
	"sync"

	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// staticBackend は静止画ファイルをフレームとして返す
// ポーリングのたびにファイルを読み直すので、実行中に差し替えられる。
type staticBackend struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	active bool
	size   image.Point
}

func newStaticBackend(cfg CameraConfig, logger zerolog.Logger) (Backend, error) {
	if cfg.Image == "" {
		return nil, errors.New("静止画バックエンドには画像ファイルが必要です")
	}
	return &staticBackend{path: cfg.Image, logger: logger}, nil
}

func (s *staticBackend) Kind() BackendKind { return KindStatic }

// IsValid はファイルの存在のみを確認する
func (s *staticBackend) IsValid() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

func (s *staticBackend) Activate(_ context.Context) error {
	if !s.IsValid() {
		return fmt.Errorf("画像ファイルが見つかりません: %s", s.path)
	}
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	return nil
}

func (s *staticBackend) Deactivate() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return nil
}

func (s *staticBackend) PollFrame(_ context.Context) (image.Image, error) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return nil, ErrNotActivated
	}

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("画像ファイルのオープンに失敗: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("画像のデコードに失敗: %w", err)
	}

	s.mu.Lock()
	s.size = img.Bounds().Size()
	s.mu.Unlock()
	return img, nil
}

func (s *staticBackend) InjectMetadata(w MetadataWriter) {
	s.mu.Lock()
	size := s.size
	s.mu.Unlock()

	w.Put("CAMKIND", string(KindStatic))
	w.Put("IMAGE", s.path)
	if size.X > 0 {
		w.Put("WIDTH", size.X)
		w.Put("HEIGHT", size.Y)
	}
}
