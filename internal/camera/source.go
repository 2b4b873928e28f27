package camera

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/disintegration/gift"
	"github.com/rs/zerolog"
)

// CameraSource は1つのバックエンドのライフサイクルを管理する
// Initialize は1回だけ、Shutdown は高々1回。Activate と Deactivate は何度呼んでもよい。
// 呼び出し順の誤りはエラーを返してログに残し、処理は行わない。
type CameraSource struct {
	backend Backend
	logger  zerolog.Logger

	// lifeMu はライフサイクル操作を直列化する。バックエンドのI/O中も保持する。
	lifeMu sync.Mutex

	mu          sync.Mutex
	cfg         CameraConfig
	initialized bool
	active      bool
	shutdown    bool
	flip        *gift.GIFT
}

// NewCameraSource は新しいCameraSourceを作成する
func NewCameraSource(backend Backend, cfg CameraConfig, logger zerolog.Logger) *CameraSource {
	return &CameraSource{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
	}
}

// Initialize は反転フィルタを準備する
func (s *CameraSource) Initialize() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return s.misuse("Initialize", ErrSourceShutdown)
	}
	if s.initialized {
		return s.misuse("Initialize", ErrAlreadyInitialized)
	}

	var filters []gift.Filter
	if s.cfg.FlipHorizontal {
		filters = append(filters, gift.FlipHorizontal())
	}
	if s.cfg.FlipVertical {
		filters = append(filters, gift.FlipVertical())
	}
	if len(filters) > 0 {
		s.flip = gift.New(filters...)
	}
	s.initialized = true
	return nil
}

// Activate はバックエンドを起動する。起動済みなら何もしない。
func (s *CameraSource) Activate(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	err := s.usableLocked("Activate")
	active, name := s.active, s.cfg.Name
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	if !s.backend.IsValid() {
		return fmt.Errorf("カメラ設定が無効です: %s", name)
	}
	if err := s.backend.Activate(ctx); err != nil {
		return fmt.Errorf("バックエンドの起動に失敗: %w", err)
	}
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	return nil
}

// Deactivate はバックエンドを停止する。停止済みなら何もしない。
func (s *CameraSource) Deactivate() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	err := s.usableLocked("Deactivate")
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.deactivate()
}

// deactivate は lifeMu を保持して呼ぶ
func (s *CameraSource) deactivate() error {
	s.mu.Lock()
	active := s.active
	s.active = false
	s.mu.Unlock()
	if !active {
		return nil
	}
	if err := s.backend.Deactivate(); err != nil {
		return fmt.Errorf("バックエンドの停止に失敗: %w", err)
	}
	return nil
}

// Shutdown はバックエンドを停止し、以降の操作をすべて拒否する
func (s *CameraSource) Shutdown() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return s.misuse("Shutdown", ErrSourceShutdown)
	}
	s.mu.Unlock()

	err := s.deactivate()
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return err
}

func (s *CameraSource) usableLocked(op string) error {
	if s.shutdown {
		return s.misuse(op, ErrSourceShutdown)
	}
	if !s.initialized {
		return s.misuse(op, ErrNotInitialized)
	}
	return nil
}

func (s *CameraSource) misuse(op string, err error) error {
	s.logger.Error().Err(err).Str("op", op).Msg("カメラソースの呼び出し順が不正です")
	return fmt.Errorf("%s: %w", op, err)
}

// PollFrame はバックエンドからフレームを取得し、反転を適用する
func (s *CameraSource) PollFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	active, flip := s.active, s.flip
	s.mu.Unlock()
	if !active {
		return nil, ErrNotActivated
	}

	img, err := s.backend.PollFrame(ctx)
	if err != nil {
		return nil, err
	}
	if img == nil || flip == nil {
		return img, nil
	}
	dst := image.NewRGBA(flip.Bounds(img.Bounds()))
	flip.Draw(dst, img)
	return dst, nil
}

// IsValid はバックエンドの設定が有効かどうかを返す
func (s *CameraSource) IsValid() bool {
	return s.backend.IsValid()
}

// IsActive は起動中かどうかを返す
func (s *CameraSource) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetExposure は露出時間を変更する。反映には再起動が必要。
func (s *CameraSource) SetExposure(us float64) {
	s.mu.Lock()
	s.cfg.ExposureMicroseconds = us
	s.mu.Unlock()
	if setter, ok := s.backend.(exposureSetter); ok {
		setter.SetExposure(us)
	}
}

// Exposure は設定中の露出時間を返す
func (s *CameraSource) Exposure() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ExposureMicroseconds
}

// Config は設定のコピーを返す
func (s *CameraSource) Config() CameraConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Backend はバックエンドを返す
func (s *CameraSource) Backend() Backend { return s.backend }

// InjectMetadata はバックエンドの情報に反転設定を加えて書き込む
func (s *CameraSource) InjectMetadata(w MetadataWriter) {
	cfg := s.Config()
	s.backend.InjectMetadata(w)
	w.Put("CAMNAME", cfg.Name)
	w.Put("FLIPH", cfg.FlipHorizontal)
	w.Put("FLIPV", cfg.FlipVertical)
}
