package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"

	"github.com/rs/zerolog"
)

// MockBackend はテスト用のバックエンド実装
// ポーリングのたびに新しいフレームを返し、起動失敗や切断を再現できる。
type MockBackend struct {
	mu sync.Mutex

	frame       image.Image
	valid       bool
	active      bool
	failCount   int  // 残りの起動失敗回数
	alwaysFail  bool // 常に起動失敗
	disconnect  bool // 次のポーリングで切断を報告する
	pollErr     error
	exposure    float64
	activations int
	deactivates int
}

// NewMockBackend は指定サイズのグラデーション画像を返すMockBackendを作成する
func NewMockBackend(width, height int) *MockBackend {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8((x + y) * 255 / max(1, width+height-2))
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return &MockBackend{frame: img, valid: true}
}

// newMockBackend は設定の解像度でMockBackendを作る。未指定なら640x480。
func newMockBackend(cfg CameraConfig, _ zerolog.Logger) (Backend, error) {
	w, h := cfg.Width, cfg.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	return NewMockBackend(w, h), nil
}

func (m *MockBackend) Kind() BackendKind { return KindMock }

func (m *MockBackend) IsValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

func (m *MockBackend) Activate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.valid {
		return errors.New("モックバックエンドは無効に設定されています")
	}
	if m.alwaysFail {
		return errors.New("モックバックエンドの起動に失敗しました")
	}
	if m.failCount > 0 {
		m.failCount--
		return errors.New("モックバックエンドの起動に失敗しました")
	}
	m.active = true
	m.activations++
	return nil
}

func (m *MockBackend) Deactivate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		m.deactivates++
	}
	m.active = false
	return nil
}

func (m *MockBackend) PollFrame(_ context.Context) (image.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return nil, ErrNotActivated
	}
	if m.disconnect {
		m.disconnect = false
		m.active = false
		return nil, ErrBackendClosed
	}
	if m.pollErr != nil {
		return nil, m.pollErr
	}
	return m.frame, nil
}

func (m *MockBackend) SetExposure(us float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exposure = us
}

func (m *MockBackend) InjectMetadata(w MetadataWriter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.Put("CAMKIND", string(KindMock))
	w.Put("EXPOSURE", m.exposure)
}

// FailActivations は次のn回の起動を失敗させる
func (m *MockBackend) FailActivations(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCount = n
}

// SetValid は設定の有効・無効を切り替える
func (m *MockBackend) SetValid(valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.valid = valid
}

// SetAlwaysFail は起動を常に失敗させる
func (m *MockBackend) SetAlwaysFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alwaysFail = fail
}

// Disconnect は次のポーリングで切断を報告させる
func (m *MockBackend) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnect = true
}

// SetPollError はポーリング時の一時的なエラーを設定する。nilで解除。
func (m *MockBackend) SetPollError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollErr = err
}

// SetFrame は返すフレームを差し替える
func (m *MockBackend) SetFrame(img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frame = img
}

// Exposure は最後に設定された露出時間を返す
func (m *MockBackend) Exposure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposure
}

// Activations は起動に成功した回数を返す
func (m *MockBackend) Activations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activations
}

// Deactivations は停止した回数を返す
func (m *MockBackend) Deactivations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deactivates
}

// IsActive は起動中かどうかを返す
func (m *MockBackend) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
