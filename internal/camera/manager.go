package camera

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/rs/zerolog"

	"keikou/internal/capture"
	"keikou/internal/config"
)

// CompositeName は合成カメラの名前
const CompositeName = "合成映像"

// StreamManager は全カメラを束ねる
// Boot で各カメラのポーリングを始め、ShutdownAll で全て止める。
// カメラ番号は設定順に 0..N-1、合成カメラが有効なら N。
type StreamManager struct {
	cfg       *config.Config
	factory   BackendFactory
	discovery Discovery
	logger    zerolog.Logger
	namer     *capture.Namer

	mu        sync.RWMutex
	cameras   []*ManagedCamera
	composite int
	booted    bool
	shutdown  bool

	shutdownOnce sync.Once
}

// Option はStreamManagerの設定関数
type Option func(*StreamManager)

// WithBackendFactory はバックエンドの作成方法を差し替える
func WithBackendFactory(f BackendFactory) Option {
	return func(m *StreamManager) { m.factory = f }
}

// WithDiscovery はデバイス検出を差し替える
func WithDiscovery(d Discovery) Option {
	return func(m *StreamManager) { m.discovery = d }
}

// WithLogger はロガーを設定する
func WithLogger(l zerolog.Logger) Option {
	return func(m *StreamManager) { m.logger = l }
}

// WithNamer は出力ファイル名の決め方を差し替える
func WithNamer(n *capture.Namer) Option {
	return func(m *StreamManager) { m.namer = n }
}

// NewStreamManager は新しいStreamManagerを作成する。カメラは Boot まで作らない。
func NewStreamManager(cfg *config.Config, opts ...Option) *StreamManager {
	m := &StreamManager{
		cfg:       cfg,
		logger:    zerolog.Nop(),
		composite: -1,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = NewBackendFactory()
	}
	if m.discovery == nil {
		m.discovery = NewLinuxDiscovery()
	}
	if m.namer == nil {
		c := cfg.Capture
		m.namer = capture.NewNamer(c.Root, c.DatedFolders, c.SnapshotExt, c.VideoExt)
	}
	return m
}

// DeviceToCameraConfig は設定ファイルのカメラ定義を変換する
func DeviceToCameraConfig(d config.CameraDevice, defaults config.CameraConfig) CameraConfig {
	cc := CameraConfig{
		Name:                 d.Name,
		Kind:                 BackendKind(d.Backend),
		Device:               d.Device,
		URL:                  d.URL,
		Image:                d.Image,
		Width:                d.Width,
		Height:               d.Height,
		FPS:                  d.FPS,
		FlipHorizontal:       d.FlipHorizontal,
		FlipVertical:         d.FlipVertical,
		ExposureMicroseconds: d.ExposureMicroseconds,
	}
	if cc.Width == 0 {
		cc.Width = defaults.DefaultWidth
	}
	if cc.Height == 0 {
		cc.Height = defaults.DefaultHeight
	}
	if cc.FPS == 0 {
		cc.FPS = defaults.DefaultFPS
	}
	return cc
}

// Boot は全カメラを作成してポーリングを開始する
// バックエンドを作れないカメラも番号を保ったまま登録し、接続待ちのままにする。
func (m *StreamManager) Boot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return ErrManagerShutdown
	}
	if m.booted {
		return ErrAlreadyBooted
	}

	opts := CameraOptions{
		PollInterval:   m.cfg.Poll.Interval,
		BackoffInitial: m.cfg.Poll.BackoffInitial,
		BackoffMax:     m.cfg.Poll.BackoffMax,
		VideoFPS:       m.cfg.Capture.VideoFPS,
		VideoQuality:   m.cfg.Capture.VideoQuality,
	}

	cameras := make([]*ManagedCamera, 0, len(m.cfg.Camera.Devices)+1)
	for i, d := range m.cfg.Camera.Devices {
		cc := DeviceToCameraConfig(d, m.cfg.Camera)
		logger := m.logger.With().Str("component", "camera").Str("name", cc.Name).Logger()
		backend, err := m.factory.Create(cc, logger)
		if err != nil {
			logger.Error().Err(err).Int("camera", i).Msg("バックエンドを作成できません。無効なカメラとして登録します")
			backend = &invalidBackend{kind: cc.Kind, err: err}
		}
		cameras = append(cameras, NewManagedCamera(i, NewCameraSource(backend, cc, logger), opts, logger))
	}

	composite := -1
	if m.cfg.Composite.Enabled {
		composite = len(cameras)
		cc := CameraConfig{Name: CompositeName, Kind: KindExternal}
		logger := m.logger.With().Str("component", "camera").Str("name", cc.Name).Logger()
		copts := opts
		copts.Composite = true
		cam := NewManagedCamera(composite, NewCameraSource(NewExternalBackend(cc), cc, logger), copts, logger)
		cam.params[ParamCompositeVideoWidth] = float64(m.cfg.Composite.Width)
		cam.params[ParamCompositeVideoHeight] = float64(m.cfg.Composite.Height)
		cameras = append(cameras, cam)
	}

	for i, cam := range cameras {
		if err := cam.Start(ctx); err != nil {
			for _, started := range cameras[:i] {
				started.Shutdown()
			}
			return fmt.Errorf("カメラ%dの起動に失敗: %w", i, err)
		}
	}

	m.cameras = cameras
	m.composite = composite
	m.booted = true
	m.logger.Info().Int("cameras", len(cameras)).Int("composite", composite).Msg("ストリームマネージャーを起動しました")
	return nil
}

// ShutdownAll は全カメラを停止して終了を待つ。2回目以降は何もしない。
func (m *StreamManager) ShutdownAll() {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.shutdown = true
		cameras := m.cameras
		m.mu.Unlock()

		var wg sync.WaitGroup
		for _, cam := range cameras {
			wg.Add(1)
			go func(cam *ManagedCamera) {
				defer wg.Done()
				cam.Shutdown()
			}(cam)
		}
		wg.Wait()
		m.logger.Info().Msg("全カメラを停止しました")
	})
}

// Booted は起動済みで、まだ停止していないかを返す
func (m *StreamManager) Booted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.booted && !m.shutdown
}

func (m *StreamManager) camera(idx int) (*ManagedCamera, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.booted {
		return nil, ErrNotBooted
	}
	if idx < 0 || idx >= len(m.cameras) {
		return nil, fmt.Errorf("%w: %d", ErrCameraIndex, idx)
	}
	return m.cameras[idx], nil
}

// Camera は指定番号のカメラを返す
func (m *StreamManager) Camera(idx int) (*ManagedCamera, error) {
	return m.camera(idx)
}

// NumCameras は合成カメラを含むカメラ数を返す
func (m *StreamManager) NumCameras() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cameras)
}

// CompositeIndex は合成カメラの番号を返す。無効なら -1。
func (m *StreamManager) CompositeIndex() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.composite
}

// PhysicalCameras は合成カメラ以外のカメラを返す
func (m *StreamManager) PhysicalCameras() []*ManagedCamera {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cams := make([]*ManagedCamera, 0, len(m.cameras))
	for i, cam := range m.cameras {
		if i != m.composite {
			cams = append(cams, cam)
		}
	}
	return cams
}

// Cameras は全カメラの状態を返す
func (m *StreamManager) Cameras() []CameraInfo {
	m.mu.RLock()
	cameras := m.cameras
	m.mu.RUnlock()
	infos := make([]CameraInfo, 0, len(cameras))
	for _, cam := range cameras {
		infos = append(infos, cam.Info())
	}
	return infos
}

// MenuTarget はメニュー操作の対象カメラ番号を返す
func (m *StreamManager) MenuTarget() int {
	return m.cfg.MenuTarget()
}

// Devices はシステム内のカメラデバイスを返す
func (m *StreamManager) Devices(ctx context.Context) ([]*DeviceInfo, error) {
	devices, err := m.discovery.ScanDevices(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]*DeviceInfo, 0, len(devices))
	for _, d := range devices {
		info, err := m.discovery.GetDeviceInfo(ctx, d)
		if err != nil {
			m.logger.Warn().Err(err).Str("device", d).Msg("デバイス情報の取得に失敗しました")
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// RequestSnapshot は静止画の保存を依頼する
// 失敗はエラーではなく、Error 状態のリクエストとして返す。
func (m *StreamManager) RequestSnapshot(idx int, base string, constraint Constraint) *SnapRequest {
	cam, err := m.camera(idx)
	if err != nil {
		m.logger.Warn().Err(err).Int("camera", idx).Msg("スナップショットを要求できません")
		return newFailedSnapRequest(base, idx, constraint, err)
	}
	path, err := m.namer.SnapshotPath(base, idx)
	if err != nil {
		m.logger.Warn().Err(err).Int("camera", idx).Msg("保存先を決められません")
		return newFailedSnapRequest(base, idx, constraint, err)
	}
	return cam.RequestSnapshot(path, constraint)
}

// RequestSnapshotAll はフレーム取得中の全カメラに静止画を依頼する
// 取得中でないカメラと合成カメラは対象外。
func (m *StreamManager) RequestSnapshotAll(base string) []*SnapRequest {
	var reqs []*SnapRequest
	for _, cam := range m.PhysicalCameras() {
		if cam.GetState() != StatePolling {
			continue
		}
		r := m.RequestSnapshot(cam.Index(), base, Indifferent)
		if r.Status() == StatusError {
			continue
		}
		reqs = append(reqs, r)
	}
	return reqs
}

// RecordVideo は録画を開始する
func (m *StreamManager) RecordVideo(idx int, base string) *VideoRequest {
	cam, err := m.camera(idx)
	if err != nil {
		m.logger.Warn().Err(err).Int("camera", idx).Msg("録画を開始できません")
		return newFailedVideoRequest(base, idx, err)
	}
	path, err := m.namer.VideoPath(base, idx)
	if err != nil {
		m.logger.Warn().Err(err).Int("camera", idx).Msg("保存先を決められません")
		return newFailedVideoRequest(base, idx, err)
	}
	return cam.RecordVideo(path)
}

// StopRecording は録画を終了する。録画していなければ false。
func (m *StreamManager) StopRecording(idx int) bool {
	cam, err := m.camera(idx)
	if err != nil {
		return false
	}
	return cam.StopRecording()
}

// IsRecording は録画中かどうかを返す
func (m *StreamManager) IsRecording(idx int) bool {
	cam, err := m.camera(idx)
	if err != nil {
		return false
	}
	return cam.IsRecording()
}

// GetCurrentFrame は最新フレームを返す
func (m *StreamManager) GetCurrentFrame(idx int) *Frame {
	cam, err := m.camera(idx)
	if err != nil {
		return nil
	}
	return cam.GetCurrentFrame()
}

// GetChangeCounter は変更カウンタを返す
func (m *StreamManager) GetChangeCounter(idx int) uint64 {
	cam, err := m.camera(idx)
	if err != nil {
		return 0
	}
	return cam.GetChangeCounter()
}

// GetState はポーリング状態を返す。範囲外なら StateShutdown。
func (m *StreamManager) GetState(idx int) PollState {
	cam, err := m.camera(idx)
	if err != nil {
		return StateShutdown
	}
	return cam.GetState()
}

// GetMsFrameTime はフレーム間隔(ms)を返す
func (m *StreamManager) GetMsFrameTime(idx int) float64 {
	cam, err := m.camera(idx)
	if err != nil {
		return 0
	}
	return cam.GetMsFrameTime()
}

// SetFloat はパラメータを設定する
// 不明なパラメータや範囲外の値はログに残して拒否する。
func (m *StreamManager) SetFloat(idx int, id ParamID, v float64) error {
	cam, err := m.camera(idx)
	if err == nil {
		err = cam.SetParam(id, v)
	}
	if err != nil {
		m.logger.Warn().Err(err).Int("camera", idx).Str("param", id.String()).Float64("value", v).Msg("パラメータを設定できません")
		return err
	}
	return nil
}

// GetFloat はパラメータの値を返す
func (m *StreamManager) GetFloat(idx int, id ParamID) (float64, error) {
	cam, err := m.camera(idx)
	if err == nil {
		var v float64
		v, err = cam.GetParam(id)
		if err == nil {
			return v, nil
		}
	}
	m.logger.Warn().Err(err).Int("camera", idx).Str("param", id.String()).Msg("パラメータを取得できません")
	return 0, err
}

// SetProcessingType は処理モードを変更する
func (m *StreamManager) SetProcessingType(idx int, mode ProcessingMode) error {
	cam, err := m.camera(idx)
	if err == nil {
		err = cam.SetProcessingType(mode)
	}
	if err != nil {
		m.logger.Warn().Err(err).Int("camera", idx).Msg("処理モードを変更できません")
	}
	return err
}

// GetProcessingType は処理モードを返す
func (m *StreamManager) GetProcessingType(idx int) (ProcessingMode, error) {
	cam, err := m.camera(idx)
	if err != nil {
		return ModeNone, err
	}
	return cam.GetProcessingType(), nil
}

// SetPolling はカメラのフレーム取得を切り替える
func (m *StreamManager) SetPolling(idx int, enabled bool) error {
	cam, err := m.camera(idx)
	if err != nil {
		return err
	}
	cam.SetPolling(enabled)
	return nil
}

// InjectCompositeFrame は合成カメラにフレームを渡す
func (m *StreamManager) InjectCompositeFrame(img image.Image) error {
	idx := m.CompositeIndex()
	if idx < 0 {
		return ErrNotExternal
	}
	cam, err := m.camera(idx)
	if err != nil {
		return err
	}
	return cam.InjectFrame(img)
}

// InjectMetadata は指定カメラのセンサー情報を書き込む
func (m *StreamManager) InjectMetadata(idx int, w MetadataWriter) error {
	cam, err := m.camera(idx)
	if err != nil {
		return err
	}
	cam.InjectMetadata(w)
	return nil
}

// invalidBackend は作成に失敗したバックエンドの代わり
// 常に無効で、カメラは接続待ちのまま残る。
type invalidBackend struct {
	kind BackendKind
	err  error
}

func (b *invalidBackend) Kind() BackendKind { return b.kind }
func (b *invalidBackend) IsValid() bool     { return false }

func (b *invalidBackend) Activate(context.Context) error {
	return fmt.Errorf("バックエンドが無効です: %w", b.err)
}

func (b *invalidBackend) Deactivate() error { return nil }

func (b *invalidBackend) PollFrame(context.Context) (image.Image, error) {
	return nil, ErrNotActivated
}

func (b *invalidBackend) InjectMetadata(w MetadataWriter) {
	w.Put("CAMKIND", string(b.kind))
	w.Put("ERROR", b.err.Error())
}
