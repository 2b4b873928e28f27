package camera

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// BackendKind はバックエンドの種類
type BackendKind string

const (
	KindDevice   BackendKind = "device"   // V4L2 デバイス
	KindNetwork  BackendKind = "network"  // RTSP/HTTP ストリーム
	KindStatic   BackendKind = "static"   // 静止画ファイル
	KindExternal BackendKind = "external" // 外部から注入されるフレーム
	KindMock     BackendKind = "mock"     // テスト用
)

// CameraConfig はカメラ1台分の設定
// セッション中は変更しない。露出時間だけは CameraSource.SetExposure で再起動を伴って変更できる。
type CameraConfig struct {
	Name   string
	Kind   BackendKind
	Device string // KindDevice
	URL    string // KindNetwork
	Image  string // KindStatic

	Width  int
	Height int
	FPS    int

	FlipHorizontal bool
	FlipVertical   bool

	// ExposureMicroseconds が0なら自動露出
	ExposureMicroseconds float64
}

// MetadataWriter はDICOMなどの出力にセンサー情報を書き込む先
type MetadataWriter interface {
	Put(key string, value interface{})
}

// Backend は映像ソースの実装を抽象化する
type Backend interface {
	// Kind はバックエンドの種類を返す
	Kind() BackendKind

	// Activate はフレーム取得を開始する。失敗した場合は未起動のまま
	Activate(ctx context.Context) error

	// Deactivate はフレーム取得を停止する
	Deactivate() error

	// PollFrame は最新フレームを返す
	// 新しいフレームがなければ (nil, nil)、切断された場合は ErrBackendClosed を返す。
	// それ以外のエラーは一時的なもので、次のポーリングで回復しうる。
	PollFrame(ctx context.Context) (image.Image, error)

	// IsValid は設定が有効で、起動を試みる価値があるかを返す
	IsValid() bool

	// InjectMetadata はセンサー情報を書き込む
	InjectMetadata(w MetadataWriter)
}

// exposureSetter は露出時間を変更できるバックエンド
// 値は次回の Activate で反映される。
type exposureSetter interface {
	SetExposure(us float64)
}

// BackendCreator はバックエンド作成関数の型
type BackendCreator func(cfg CameraConfig, logger zerolog.Logger) (Backend, error)

// BackendFactory はバックエンド作成ファクトリー
type BackendFactory interface {
	Create(cfg CameraConfig, logger zerolog.Logger) (Backend, error)
	SupportedKinds() []BackendKind
}

// DefaultBackendFactory は標準実装
type DefaultBackendFactory struct {
	mu       sync.RWMutex
	creators map[BackendKind]BackendCreator
}

// platformCreators はビルドタグで差し替えられる作成関数
var platformCreators = map[BackendKind]BackendCreator{}

// NewBackendFactory は新しいファクトリーを作成する
func NewBackendFactory() *DefaultBackendFactory {
	f := &DefaultBackendFactory{
		creators: make(map[BackendKind]BackendCreator),
	}

	f.Register(KindDevice, newDeviceBackend)
	f.Register(KindNetwork, newNetworkBackend)
	f.Register(KindStatic, newStaticBackend)
	f.Register(KindExternal, func(cfg CameraConfig, _ zerolog.Logger) (Backend, error) {
		return NewExternalBackend(cfg), nil
	})
	f.Register(KindMock, newMockBackend)

	for kind, creator := range platformCreators {
		f.Register(kind, creator)
	}

	return f
}

// Register はバックエンド作成関数を登録する
func (f *DefaultBackendFactory) Register(kind BackendKind, creator BackendCreator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[kind] = creator
}

// Create はバックエンドを作成する
func (f *DefaultBackendFactory) Create(cfg CameraConfig, logger zerolog.Logger) (Backend, error) {
	f.mu.RLock()
	creator, exists := f.creators[cfg.Kind]
	f.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("サポートされていないバックエンド: %s", cfg.Kind)
	}

	return creator(cfg, logger)
}

// SupportedKinds はサポートされているバックエンドの種類を返す
func (f *DefaultBackendFactory) SupportedKinds() []BackendKind {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]BackendKind, 0, len(f.creators))
	for kind := range f.creators {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// deviceOpenMu はプロセス全体でデバイスのオープンを直列化する
// 同じUSBハブ上のカメラを同時に開くと帯域の取り合いで失敗するため。
var deviceOpenMu sync.Mutex
