package camera

import (
	"context"
	"image"
	"sync"
)

// ExternalBackend は外部から注入されたフレームを返す
// 合成カメラのように、レンダラーが描いた映像を他のカメラと同じ経路で扱うために使う。
type ExternalBackend struct {
	name string

	mu     sync.Mutex
	active bool
	latest image.Image
	seq    uint64
	polled uint64
}

// NewExternalBackend は新しいExternalBackendを作成する
func NewExternalBackend(cfg CameraConfig) *ExternalBackend {
	return &ExternalBackend{name: cfg.Name}
}

func (e *ExternalBackend) Kind() BackendKind { return KindExternal }

// IsValid は常に true
func (e *ExternalBackend) IsValid() bool { return true }

func (e *ExternalBackend) Activate(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = true
	return nil
}

func (e *ExternalBackend) Deactivate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active = false
	return nil
}

// Push は新しいフレームを注入する。未起動の間も最新の1枚は保持する。
func (e *ExternalBackend) Push(img image.Image) {
	if img == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.latest = img
	e.seq++
}

// PollFrame は前回から新しく注入されたフレームがあればそれを返す
func (e *ExternalBackend) PollFrame(_ context.Context) (image.Image, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return nil, ErrNotActivated
	}
	if e.latest == nil || e.seq == e.polled {
		return nil, nil
	}
	e.polled = e.seq
	return e.latest, nil
}

func (e *ExternalBackend) InjectMetadata(w MetadataWriter) {
	e.mu.Lock()
	img := e.latest
	e.mu.Unlock()

	w.Put("CAMKIND", string(KindExternal))
	w.Put("SOURCE", e.name)
	if img != nil {
		w.Put("WIDTH", img.Bounds().Dx())
		w.Put("HEIGHT", img.Bounds().Dy())
	}
}
