package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ffmpegBackend はffmpegのMJPEGパイプからフレームを取得する
// デバイス(v4l2)とネットワークストリームで共通の実装。
type ffmpegBackend struct {
	kind      BackendKind
	logger    zerolog.Logger
	discovery Discovery

	mu      sync.Mutex
	cfg     CameraConfig
	active  bool
	cancel  context.CancelFunc
	latest  chan []byte // 最新フレームのみ保持する（バッファサイズ1）
	done    chan struct{}
	readErr error
}

func newDeviceBackend(cfg CameraConfig, logger zerolog.Logger) (Backend, error) {
	if cfg.Device == "" {
		return nil, errors.New("デバイスバックエンドにはデバイスパスが必要です")
	}
	return &ffmpegBackend{kind: KindDevice, cfg: cfg, logger: logger, discovery: NewLinuxDiscovery()}, nil
}

func newNetworkBackend(cfg CameraConfig, logger zerolog.Logger) (Backend, error) {
	if cfg.URL == "" {
		return nil, errors.New("ネットワークバックエンドにはURLが必要です")
	}
	return &ffmpegBackend{kind: KindNetwork, cfg: cfg, logger: logger}, nil
}

func (b *ffmpegBackend) Kind() BackendKind { return b.kind }

// IsValid はデバイスの存在、またはURLの形式を確認する
func (b *ffmpegBackend) IsValid() bool {
	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()

	switch b.kind {
	case KindDevice:
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return b.discovery.IsDeviceAvailable(ctx, cfg.Device)
	default:
		return validStreamURL(cfg.URL)
	}
}

func validStreamURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "rtsp", "rtsps", "http", "https", "udp", "tcp", "rtmp":
		return true
	}
	return false
}

// SetExposure は露出時間を変更する。次回の Activate で反映される。
func (b *ffmpegBackend) SetExposure(us float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.ExposureMicroseconds = us
}

// Activate はffmpegを起動してフレームの読み取りを開始する
func (b *ffmpegBackend) Activate(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		return nil
	}

	if b.kind == KindDevice {
		deviceOpenMu.Lock()
		defer deviceOpenMu.Unlock()
	}

	if !b.isValidLocked(ctx) {
		return fmt.Errorf("映像ソースが利用できません: %s", b.source())
	}
	b.tune(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, "ffmpeg", b.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	b.cancel = cancel
	b.latest = make(chan []byte, 1)
	b.done = make(chan struct{})
	b.readErr = nil
	b.active = true

	go b.readFrames(cmd, stdout, &stderr, b.latest, b.done)

	b.logger.Info().Str("source", b.source()).Msg("ffmpegでのフレーム取得を開始しました")
	return nil
}

func (b *ffmpegBackend) isValidLocked(ctx context.Context) bool {
	if b.kind == KindDevice {
		return b.discovery.IsDeviceAvailable(ctx, b.cfg.Device)
	}
	return validStreamURL(b.cfg.URL)
}

func (b *ffmpegBackend) source() string {
	if b.kind == KindDevice {
		return b.cfg.Device
	}
	return b.cfg.URL
}

// args はffmpegの引数を組み立てる
// -fflags nobuffer と最新フレームのみの受け渡しで遅延を最小にする。
func (b *ffmpegBackend) args() []string {
	cfg := b.cfg
	args := []string{"-hide_banner", "-loglevel", "error", "-fflags", "nobuffer", "-flags", "low_delay"}

	switch b.kind {
	case KindDevice:
		args = append(args, "-f", "v4l2")
		if cfg.Width > 0 && cfg.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
		}
		if cfg.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(cfg.FPS))
		}
		args = append(args, "-i", cfg.Device)
	default:
		if strings.HasPrefix(cfg.URL, "rtsp") {
			args = append(args, "-rtsp_transport", "tcp")
		}
		args = append(args, "-i", cfg.URL)
		if cfg.Width > 0 && cfg.Height > 0 {
			args = append(args, "-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height))
		}
	}

	if cfg.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(cfg.FPS)) // 出力フレームレートを固定
	}
	return append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "3", "-")
}

// tune は起動後の露出設定を行う
// 露出時間の指定があれば手動露出に切り替え、なければ最速の自動露出にする。
func (b *ffmpegBackend) tune(ctx context.Context) {
	us := b.cfg.ExposureMicroseconds
	if b.kind != KindDevice {
		if us > 0 {
			b.logger.Warn().Float64("exposure_us", us).Msg("ネットワークストリームでは露出時間を設定できません")
		}
		return
	}

	var controls []v4l2Control
	if us > 0 {
		units := ExposureToV4L2Units(us)
		controls = []v4l2Control{{"auto_exposure", "1"}, {"exposure_time_absolute", strconv.Itoa(units)}}
	} else {
		controls = []v4l2Control{{"auto_exposure", "3"}}
	}

	if err := setV4L2Controls(ctx, b.cfg.Device, controls); err != nil {
		// 古いカーネルのコントロール名で再試行
		legacy := make([]v4l2Control, len(controls))
		for i, c := range controls {
			legacy[i] = c
			switch c.name {
			case "auto_exposure":
				legacy[i].name = "exposure_auto"
			case "exposure_time_absolute":
				legacy[i].name = "exposure_absolute"
			}
		}
		if err2 := setV4L2Controls(ctx, b.cfg.Device, legacy); err2 != nil {
			b.logger.Warn().Err(err).Str("device", b.cfg.Device).Msg("露出の設定に失敗しました")
		}
	}
}

// readFrames はffmpegの出力をJPEG単位に分割して最新フレームとして渡す
func (b *ffmpegBackend) readFrames(cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, latest chan []byte, done chan struct{}) {
	var readErr error
	defer func() {
		waitErr := cmd.Wait()
		if readErr == nil {
			readErr = waitErr
		}
		if readErr == nil {
			readErr = io.EOF
		}
		b.mu.Lock()
		b.readErr = fmt.Errorf("%w (stderr: %s)", readErr, strings.TrimSpace(stderr.String()))
		b.mu.Unlock()
		close(done)
	}()

	r := bufio.NewReaderSize(stdout, 1024*1024)
	buf := make([]byte, 256*1024)
	splitter := jpegSplitter{limit: maxPendingFrame}
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if splitter.feed(buf[:n], func(frame []byte) {
				// 古いフレームは捨てる
				select {
				case <-latest:
				default:
				}
				latest <- frame
			}) {
				b.logger.Warn().Int("limit", maxPendingFrame).Msg("終了マーカーのないフレームを破棄しました")
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = fmt.Errorf("フレーム読み取りエラー: %w", err)
			}
			return
		}
	}
}

// maxPendingFrame は1フレームとして溜めるデータの上限
const maxPendingFrame = 8 * 1024 * 1024

// jpegSplitter はMJPEGストリームをJPEG単位に分割する
type jpegSplitter struct {
	pending []byte
	limit   int
}

// feed はデータを追加し、完成したフレームを emit に渡す
// 未完成のデータが上限を超えたら破棄して true を返す。
func (s *jpegSplitter) feed(data []byte, emit func([]byte)) (dropped bool) {
	s.pending = append(s.pending, data...)
	for {
		frame, rest, ok := nextJPEG(s.pending)
		s.pending = rest
		if !ok {
			break
		}
		emit(frame)
	}
	if s.limit > 0 && len(s.pending) > s.limit {
		s.pending = nil
		return true
	}
	return false
}

// nextJPEG はバッファの先頭から完全なJPEGを1枚取り出す
// 完全なフレームがなければ ok=false で、不要な先頭データを除いた残りを返す。
func nextJPEG(data []byte) (frame, rest []byte, ok bool) {
	// JPEGの開始マーカー（FF D8）を探す
	start := bytes.Index(data, []byte{0xFF, 0xD8})
	if start == -1 {
		// 末尾のFFは次の読み込みでマーカーになりうる
		if len(data) > 0 && data[len(data)-1] == 0xFF {
			return nil, data[len(data)-1:], false
		}
		return nil, nil, false
	}

	// JPEGの終了マーカー（FF D9）を探す
	end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
	if end == -1 {
		// 完全なフレームがまだない
		return nil, data[start:], false
	}

	end += start + 2 + 2 // マーカーのサイズを含める
	frame = make([]byte, end-start)
	copy(frame, data[start:end])
	return frame, data[end:], true
}

// PollFrame は最新フレームをデコードして返す
func (b *ffmpegBackend) PollFrame(_ context.Context) (image.Image, error) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return nil, ErrNotActivated
	}
	latest, done := b.latest, b.done
	b.mu.Unlock()

	select {
	case data := <-latest:
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
		}
		return img, nil
	default:
	}

	select {
	case <-done:
		b.mu.Lock()
		err := b.readErr
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrBackendClosed, err)
	default:
		return nil, nil
	}
}

// Deactivate はffmpegを停止する
func (b *ffmpegBackend) Deactivate() error {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return nil
	}
	cancel, done := b.cancel, b.done
	b.active = false
	b.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("ffmpegの停止がタイムアウトしました: %s", b.source())
	}
	b.logger.Info().Str("source", b.source()).Msg("ffmpegでのフレーム取得を停止しました")
	return nil
}

// InjectMetadata はセンサー情報を書き込む
func (b *ffmpegBackend) InjectMetadata(w MetadataWriter) {
	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()

	w.Put("CAMKIND", string(b.kind))
	if b.kind == KindDevice {
		w.Put("DEVICE", cfg.Device)
	} else {
		w.Put("STREAM", cfg.URL)
	}
	w.Put("FPS", cfg.FPS)
	w.Put("EXPOSURE", cfg.ExposureMicroseconds)
	if cfg.ExposureMicroseconds > 0 {
		w.Put("EXPMODE", "manual")
	} else {
		w.Put("EXPMODE", "auto")
	}
}

// v4l2Control はv4l2-ctlに渡すコントロール
// auto_exposure は露出時間より先に設定する必要があるため順序を保持する。
type v4l2Control struct {
	name  string
	value string
}

// setV4L2Controls はカメラのコントロールを順に設定する
func setV4L2Controls(ctx context.Context, device string, controls []v4l2Control) error {
	for _, c := range controls {
		cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--set-ctrl", fmt.Sprintf("%s=%s", c.name, c.value))
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("コントロール %s の設定に失敗: %w (%s)", c.name, err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}
