//go:build gocv

package camera

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// OpenCV の CAP_PROP_AUTO_EXPOSURE はV4L2バックエンドで 0.25=手動, 0.75=自動
const (
	cvAutoExposureManual = 0.25
	cvAutoExposureAuto   = 0.75
)

func init() {
	// gocv タグ付きビルドではデバイスとネットワークをOpenCVで開く
	platformCreators[KindDevice] = newGoCVBackend
	platformCreators[KindNetwork] = newGoCVBackend
}

// gocvBackend はOpenCVのVideoCaptureでフレームを取得する
type gocvBackend struct {
	kind      BackendKind
	logger    zerolog.Logger
	discovery Discovery

	mu      sync.Mutex
	cfg     CameraConfig
	capture *gocv.VideoCapture
	mat     gocv.Mat
	misses  int
}

func newGoCVBackend(cfg CameraConfig, logger zerolog.Logger) (Backend, error) {
	b := &gocvBackend{kind: cfg.Kind, cfg: cfg, logger: logger}
	switch cfg.Kind {
	case KindDevice:
		if cfg.Device == "" {
			return nil, fmt.Errorf("デバイスバックエンドにはデバイスパスが必要です")
		}
		b.discovery = NewLinuxDiscovery()
	case KindNetwork:
		if cfg.URL == "" {
			return nil, fmt.Errorf("ネットワークバックエンドにはURLが必要です")
		}
	}
	return b, nil
}

func (b *gocvBackend) Kind() BackendKind { return b.kind }

func (b *gocvBackend) IsValid() bool {
	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()
	if b.kind == KindDevice {
		return b.discovery.IsDeviceAvailable(context.Background(), cfg.Device)
	}
	return validStreamURL(cfg.URL)
}

func (b *gocvBackend) SetExposure(us float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.ExposureMicroseconds = us
}

func (b *gocvBackend) Activate(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capture != nil {
		return nil
	}

	var (
		capture *gocv.VideoCapture
		err     error
	)
	if b.kind == KindDevice {
		deviceOpenMu.Lock()
		capture, err = gocv.OpenVideoCapture(deviceID(b.cfg.Device))
		deviceOpenMu.Unlock()
	} else {
		capture, err = gocv.VideoCaptureFile(b.cfg.URL)
	}
	if err != nil {
		return fmt.Errorf("VideoCaptureのオープンに失敗: %w", err)
	}
	if !capture.IsOpened() {
		_ = capture.Close()
		return fmt.Errorf("映像ソースを開けません: %s", b.source())
	}

	b.tune(capture)
	b.capture = capture
	b.mat = gocv.NewMat()
	b.misses = 0
	b.logger.Info().Str("source", b.source()).Msg("OpenCVでのフレーム取得を開始しました")
	return nil
}

// tune は起動後の共通設定を行う
func (b *gocvBackend) tune(capture *gocv.VideoCapture) {
	capture.Set(gocv.VideoCaptureBufferSize, 1)
	if b.cfg.Width > 0 && b.cfg.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(b.cfg.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(b.cfg.Height))
	}
	if b.cfg.FPS > 0 {
		capture.Set(gocv.VideoCaptureFPS, float64(b.cfg.FPS))
	}
	if us := b.cfg.ExposureMicroseconds; us > 0 {
		capture.Set(gocv.VideoCaptureAutoExposure, cvAutoExposureManual)
		capture.Set(gocv.VideoCaptureExposure, ExposureToLog2Seconds(us))
	} else {
		capture.Set(gocv.VideoCaptureAutoExposure, cvAutoExposureAuto)
	}
}

func (b *gocvBackend) source() string {
	if b.kind == KindDevice {
		return b.cfg.Device
	}
	return b.cfg.URL
}

// deviceID は /dev/videoN をOpenCVのデバイス番号に変換する
func deviceID(device string) interface{} {
	if n, err := strconv.Atoi(strings.TrimPrefix(device, "/dev/video")); err == nil {
		return n
	}
	return device
}

// 連続してこの回数読み取れなければ切断とみなす
const gocvMaxMisses = 30

func (b *gocvBackend) PollFrame(_ context.Context) (image.Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capture == nil {
		return nil, ErrNotActivated
	}

	if ok := b.capture.Read(&b.mat); !ok || b.mat.Empty() {
		b.misses++
		if b.misses >= gocvMaxMisses {
			return nil, fmt.Errorf("%w: %s", ErrBackendClosed, b.source())
		}
		return nil, nil
	}
	b.misses = 0

	img, err := b.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("Matの変換に失敗: %w", err)
	}
	return img, nil
}

func (b *gocvBackend) Deactivate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capture == nil {
		return nil
	}
	_ = b.mat.Close()
	err := b.capture.Close()
	b.capture = nil
	if err != nil {
		return fmt.Errorf("VideoCaptureのクローズに失敗: %w", err)
	}
	return nil
}

func (b *gocvBackend) InjectMetadata(w MetadataWriter) {
	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()
	w.Put("CAMKIND", string(b.kind))
	w.Put("DRIVER", "opencv")
	if b.kind == KindDevice {
		w.Put("DEVICE", cfg.Device)
	} else {
		w.Put("STREAM", cfg.URL)
	}
	w.Put("EXPOSURE", cfg.ExposureMicroseconds)
}
