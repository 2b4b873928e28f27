package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"keikou/internal/capture"
	"keikou/internal/imaging"
)

// CameraOptions はポーリングループの設定
type CameraOptions struct {
	PollInterval   time.Duration // フレーム取得間隔
	BackoffInitial time.Duration // 再接続待ちの初期値
	BackoffMax     time.Duration // 再接続待ちの上限
	VideoFPS       int
	VideoQuality   int
	Composite      bool // 合成カメラかどうか
}

func (o *CameraOptions) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 33 * time.Millisecond
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 250 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.VideoFPS <= 0 {
		o.VideoFPS = 30
	}
	if o.VideoQuality <= 0 {
		o.VideoQuality = 4
	}
}

// ポーリングを抜けた理由
type stopReason int

const (
	stopClosed      stopReason = iota // バックエンドが切断を報告した
	stopDeactivated                   // SetPolling(false)
	stopReconfigure                   // 露出時間の変更
	stopShutdown                      // 終了要求
)

// frameTimeSmoothing はフレーム間隔の指数移動平均の係数
const frameTimeSmoothing = 0.1

// ManagedCamera は1台のカメラとその専用ポーリングゴルーチンを管理する
// フレーム、処理モード、リクエスト一覧は mu で保護する。mu を保持したままI/Oは行わない。
type ManagedCamera struct {
	index  int
	source *CameraSource
	opts   CameraOptions
	logger zerolog.Logger

	writeSnapshot func(path string, img image.Image, md *capture.Metadata) error
	openVideo     func(path string, opts capture.VideoOptions) (capture.VideoWriter, error)

	mu              sync.Mutex
	frame           *Frame
	counter         uint64
	state           PollState
	shouldPoll      bool
	reconfigure     bool
	pendingExposure *float64
	mode            ProcessingMode
	params          map[ParamID]float64
	pending         []*SnapRequest
	active          *VideoRequest
	retiring        []*VideoRequest
	frameTime       float64
	lastPublish     time.Time
	started         bool

	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	// ポーリングゴルーチン専用
	writers map[*VideoRequest]capture.VideoWriter
}

// NewManagedCamera は新しいManagedCameraを作成する
func NewManagedCamera(index int, source *CameraSource, opts CameraOptions, logger zerolog.Logger) *ManagedCamera {
	opts.applyDefaults()
	return &ManagedCamera{
		index:         index,
		source:        source,
		opts:          opts,
		logger:        logger.With().Int("camera", index).Logger(),
		writeSnapshot: capture.WriteSnapshot,
		openVideo:     capture.OpenVideo,
		state:         StateIdling,
		shouldPoll:    true,
		params: map[ParamID]float64{
			ParamAlpha:           0.5,
			ParamStaticThreshold: 0.5,
		},
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		writers: make(map[*VideoRequest]capture.VideoWriter),
	}
}

// Index はカメラ番号を返す
func (c *ManagedCamera) Index() int { return c.index }

// Name はカメラ名を返す
func (c *ManagedCamera) Name() string { return c.source.Config().Name }

// Source はカメラソースを返す
func (c *ManagedCamera) Source() *CameraSource { return c.source }

// Start はポーリングゴルーチンを起動する
func (c *ManagedCamera) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("カメラ%dは既に起動しています", c.index)
	}
	if c.state == StateShuttingDown || c.state == StateShutdown {
		return ErrCameraShutdown
	}
	if err := c.source.Initialize(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true
	go c.run(runCtx)
	return nil
}

// Shutdown はポーリングゴルーチンを止めて終了を待つ。再開はできない。
func (c *ManagedCamera) Shutdown() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		started, cancel := c.started, c.cancel
		c.started = true
		c.setStateLocked(StateShuttingDown)
		c.mu.Unlock()

		if started {
			cancel()
			<-c.done
			return
		}
		// 起動前に停止された
		_ = c.source.Shutdown()
		c.setState(StateShutdown)
		close(c.done)
	})
}

// Done はポーリングゴルーチンの終了で閉じられるチャネルを返す
func (c *ManagedCamera) Done() <-chan struct{} { return c.done }

func (c *ManagedCamera) run(ctx context.Context) {
	defer close(c.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.BackoffInitial
	bo.MaxInterval = c.opts.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	limiter := rate.NewLimiter(rate.Every(c.opts.PollInterval), 1)

	c.logger.Info().Str("name", c.Name()).Msg("ポーリングを開始しました")
	for ctx.Err() == nil {
		if !c.wantPolling() {
			c.setState(StateIdling)
			c.sleep(ctx, 0)
			continue
		}

		c.applyExposure()
		c.setState(StateConnecting)
		if err := c.source.Activate(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			wait := bo.NextBackOff()
			c.setState(StateIdling)
			c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("カメラの接続に失敗しました。再試行します")
			c.sleep(ctx, wait)
			continue
		}
		bo.Reset()
		c.setState(StatePolling)
		c.logger.Info().Msg("カメラに接続しました")

		reason := c.poll(ctx, limiter)
		if reason == stopShutdown {
			break
		}
		c.disconnect(reason)
	}
	c.finish()
}

// poll は接続中のフレーム取得ループ
func (c *ManagedCamera) poll(ctx context.Context, limiter *rate.Limiter) stopReason {
	for {
		if err := limiter.Wait(ctx); err != nil {
			return stopShutdown
		}
		if reason, stop := c.interrupted(); stop {
			return reason
		}

		img, err := c.source.PollFrame(ctx)
		switch {
		case ctx.Err() != nil:
			return stopShutdown
		case errors.Is(err, ErrBackendClosed):
			c.logger.Warn().Err(err).Msg("カメラが切断されました")
			return stopClosed
		case err != nil:
			c.logger.Debug().Err(err).Msg("フレームの取得に失敗しました")
			c.serviceRecordings(nil)
			continue
		case img == nil:
			c.serviceRecordings(nil)
			continue
		}

		frame := c.publish(img)
		c.resolveSnapshots(frame)
		c.serviceRecordings(frame)
	}
}

func (c *ManagedCamera) interrupted() (stopReason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.shouldPoll {
		return stopDeactivated, true
	}
	if c.reconfigure {
		c.reconfigure = false
		return stopReconfigure, true
	}
	return 0, false
}

// publish は処理済み画像を作り、変更カウンタを進めてフレームを公開する
func (c *ManagedCamera) publish(img image.Image) *Frame {
	c.mu.Lock()
	mode := c.mode
	static := c.params[ParamStaticThreshold]
	alpha := c.params[ParamAlpha]
	c.mu.Unlock()

	processed, level := processFrame(img, mode, static, alpha)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter++
	frame := &Frame{
		Raw:       img,
		Processed: processed,
		Mode:      mode,
		Level:     level,
		Seq:       c.counter,
		Timestamp: now,
	}
	c.frame = frame
	if !c.lastPublish.IsZero() {
		ms := float64(now.Sub(c.lastPublish)) / float64(time.Millisecond)
		if c.frameTime == 0 {
			c.frameTime = ms
		} else {
			c.frameTime += frameTimeSmoothing * (ms - c.frameTime)
		}
	}
	c.lastPublish = now
	return frame
}

// processFrame は処理モードに従って閾値を求め、蛍光領域を重ねた画像を返す
func processFrame(raw image.Image, mode ProcessingMode, static, alpha float64) (image.Image, uint8) {
	if mode == ModeNone {
		return nil, 0
	}
	gray := imaging.Luminance(raw)
	var level uint8
	switch mode {
	case ModeStaticThreshold:
		level = imaging.StaticLevel(static)
	case ModeTwoStdevFromMean:
		level = imaging.MeanStdevLevel(imaging.NewHistogram(gray), 2)
	case ModeYen:
		level = imaging.YenLevel(imaging.NewHistogram(gray))
	case ModeYenCompressed:
		level = imaging.YenCompressedLevel(imaging.NewHistogram(gray))
	}
	return imaging.Overlay(raw, gray, level, alpha), level
}

// resolveSnapshots は条件を満たすリクエストを書き込む
// 条件を満たさないものは次のフレームまで待たせる。
func (c *ManagedCamera) resolveSnapshots(frame *Frame) {
	c.mu.Lock()
	var ready []*SnapRequest
	remaining := c.pending[:0]
	for _, r := range c.pending {
		if _, ok := frame.ImageFor(r.Constraint()); !ok {
			if !r.IsTerminal() {
				remaining = append(remaining, r)
			}
			continue
		}
		// キャンセル済みなら claim に失敗して一覧から外れる
		if r.claim() {
			ready = append(ready, r)
		}
	}
	for i := len(remaining); i < len(c.pending); i++ {
		c.pending[i] = nil
	}
	c.pending = remaining
	c.mu.Unlock()

	for _, r := range ready {
		img, _ := frame.ImageFor(r.Constraint())
		md := c.snapshotMetadata(frame)
		if err := c.writeSnapshot(r.Path(), img, md); err != nil {
			c.logger.Error().Err(err).Str("path", r.Path()).Msg("スナップショットの保存に失敗しました")
			r.fail(err)
			continue
		}
		r.fill()
		c.logger.Info().Str("path", r.Path()).Uint64("seq", frame.Seq).Msg("スナップショットを保存しました")
	}
}

func (c *ManagedCamera) snapshotMetadata(frame *Frame) *capture.Metadata {
	md := capture.NewMetadata()
	c.source.InjectMetadata(md)
	md.Put("CAMINDEX", c.index)
	md.Put("FRAMESEQ", frame.Seq)
	md.Put("DATE-OBS", frame.Timestamp.UTC().Format("2006-01-02T15:04:05.000"))
	md.Put("PROCMODE", frame.Mode.String())
	if frame.IsProcessed() {
		md.Put("THRESH", int(frame.Level))
	}
	return md
}

// serviceRecordings は録画の開始・追記・終了を行う
// 置き換えられた録画を閉じてから新しい録画を開く。
func (c *ManagedCamera) serviceRecordings(frame *Frame) {
	c.mu.Lock()
	retiring := c.retiring
	c.retiring = nil
	active := c.active
	width := int(c.params[ParamCompositeVideoWidth])
	height := int(c.params[ParamCompositeVideoHeight])
	c.mu.Unlock()

	for _, r := range retiring {
		c.closeRecording(r)
	}
	if active == nil || frame == nil {
		return
	}

	w, ok := c.writers[active]
	if !ok {
		// キャンセル済みなら開かない
		if !active.claim() {
			c.clearActive(active)
			return
		}
		var err error
		w, err = c.openVideo(active.Path(), capture.VideoOptions{
			FPS:     c.opts.VideoFPS,
			Quality: c.opts.VideoQuality,
			Width:   width,
			Height:  height,
		})
		if err != nil {
			c.logger.Error().Err(err).Str("path", active.Path()).Msg("録画ファイルを開けません")
			active.fail(err)
			c.clearActive(active)
			return
		}
		c.writers[active] = w
		active.markRecording()
		c.logger.Info().Str("path", active.Path()).Msg("録画を開始しました")
	}

	if err := w.WriteFrame(frame.Display()); err != nil {
		c.logger.Error().Err(err).Str("path", active.Path()).Msg("録画の書き込みに失敗しました")
		delete(c.writers, active)
		_ = w.Close()
		active.fail(err)
		c.clearActive(active)
		return
	}
	active.addFrame()
}

// closeRecording は書き込み先を閉じて Closed にする
func (c *ManagedCamera) closeRecording(r *VideoRequest) {
	if w, ok := c.writers[r]; ok {
		delete(c.writers, r)
		if err := w.Close(); err != nil {
			c.logger.Error().Err(err).Str("path", r.Path()).Msg("録画ファイルのクローズに失敗しました")
			r.fail(err)
			return
		}
		c.logger.Info().Str("path", r.Path()).Int("frames", w.Frames()).Msg("録画を終了しました")
	}
	r.close()
}

func (c *ManagedCamera) clearActive(r *VideoRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == r {
		c.active = nil
	}
}

// disconnect はバックエンドを停止し、満たせなくなったリクエストを終了させる
// 露出変更による再接続では静止画リクエストを保持する。
func (c *ManagedCamera) disconnect(reason stopReason) {
	if err := c.source.Deactivate(); err != nil {
		c.logger.Warn().Err(err).Msg("カメラの停止に失敗しました")
	}

	c.mu.Lock()
	var snaps []*SnapRequest
	if reason != stopReconfigure {
		snaps = c.pending
		c.pending = nil
	}
	recs := c.retiring
	c.retiring = nil
	if c.active != nil {
		recs = append(recs, c.active)
		c.active = nil
	}
	c.reconfigure = false
	if reason != stopShutdown {
		c.setStateLocked(StateIdling)
	}
	c.mu.Unlock()

	cause := ErrDisconnected
	if reason == stopShutdown {
		cause = ErrCameraShutdown
	}
	for _, r := range snaps {
		r.fail(cause)
	}
	for _, r := range recs {
		c.closeRecording(r)
	}
	for r := range c.writers {
		c.closeRecording(r)
	}
}

func (c *ManagedCamera) finish() {
	c.setState(StateShuttingDown)
	c.disconnect(stopShutdown)
	if err := c.source.Shutdown(); err != nil {
		c.logger.Warn().Err(err).Msg("カメラソースの終了に失敗しました")
	}
	c.setState(StateShutdown)
	c.logger.Info().Msg("ポーリングを終了しました")
}

// sleep は d の経過、wake、ctx の終了のいずれかまで待つ。d が0なら時間切れはない。
func (c *ManagedCamera) sleep(ctx context.Context, d time.Duration) {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
	case <-c.wake:
	case <-timeout:
	}
}

func (c *ManagedCamera) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *ManagedCamera) wantPolling() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shouldPoll
}

func (c *ManagedCamera) setState(s PollState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

// setStateLocked は状態を変える。停止処理に入った後は Shutdown 以外へ戻さない。
func (c *ManagedCamera) setStateLocked(s PollState) {
	switch c.state {
	case StateShutdown:
		return
	case StateShuttingDown:
		if s != StateShutdown {
			return
		}
	}
	c.state = s
}

func (c *ManagedCamera) applyExposure() {
	c.mu.Lock()
	us := c.pendingExposure
	c.pendingExposure = nil
	c.mu.Unlock()
	if us != nil {
		c.source.SetExposure(*us)
		c.logger.Info().Float64("exposure_us", *us).Msg("露出時間を変更しました")
	}
}

// SetPolling はフレーム取得の有効・無効を切り替える
// 無効にするとバックエンドを停止し、待機中のリクエストを終了させる。
func (c *ManagedCamera) SetPolling(enabled bool) {
	c.mu.Lock()
	c.shouldPoll = enabled
	c.mu.Unlock()
	c.signal()
}

// IsPollingEnabled はフレーム取得が有効かどうかを返す
func (c *ManagedCamera) IsPollingEnabled() bool {
	return c.wantPolling()
}

// GetCurrentFrame は最新のフレームを返す。まだなければ nil。
func (c *ManagedCamera) GetCurrentFrame() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// GetChangeCounter は変更カウンタを返す
func (c *ManagedCamera) GetChangeCounter() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}

// GetState はポーリング状態を返す
func (c *ManagedCamera) GetState() PollState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetMsFrameTime はフレーム間隔の移動平均(ms)を返す
func (c *ManagedCamera) GetMsFrameTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameTime
}

// RequestSnapshot は静止画の保存を依頼する
// 結果は返したリクエストの状態で確認する。フレーム取得中でなければ即座に Error になる。
func (c *ManagedCamera) RequestSnapshot(path string, constraint Constraint) *SnapRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePolling {
		return newFailedSnapRequest(path, c.index, constraint, fmt.Errorf("%w: %s", ErrNotPolling, c.state))
	}
	r := newSnapRequest(path, c.index, constraint)
	c.pending = append(c.pending, r)
	return r
}

// PendingSnapshots は処理待ちのリクエスト数を返す
func (c *ManagedCamera) PendingSnapshots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.pending {
		if !r.IsTerminal() {
			n++
		}
	}
	return n
}

// RecordVideo は録画を開始する
// 録画中なら前の録画を閉じてから新しい録画を始める。
func (c *ManagedCamera) RecordVideo(path string) *VideoRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePolling {
		return newFailedVideoRequest(path, c.index, fmt.Errorf("%w: %s", ErrNotPolling, c.state))
	}
	if c.active != nil {
		c.retiring = append(c.retiring, c.active)
	}
	r := newVideoRequest(path, c.index)
	c.active = r
	return r
}

// StopRecording は録画を終了する。録画していなければ false。
func (c *ManagedCamera) StopRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.IsTerminal() {
		return false
	}
	c.retiring = append(c.retiring, c.active)
	c.active = nil
	return true
}

// IsRecording は録画中（開始待ちを含む）かどうかを返す
func (c *ManagedCamera) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && !c.active.IsTerminal()
}

// ActiveRecording は現在の録画リクエストを返す
func (c *ManagedCamera) ActiveRecording() *VideoRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.IsTerminal() {
		return nil
	}
	return c.active
}

// SetProcessingType は処理モードを変更する
func (c *ManagedCamera) SetProcessingType(mode ProcessingMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidMode, int(mode))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
	return nil
}

// GetProcessingType は処理モードを返す
func (c *ManagedCamera) GetProcessingType() ProcessingMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetParam はパラメータを設定する
// 露出時間を変えると、接続中なら再接続して反映する。
func (c *ManagedCamera) SetParam(id ParamID, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s=%v", ErrInvalidParamValue, id, v)
	}
	switch id {
	case ParamAlpha, ParamStaticThreshold:
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: %s は0から1の範囲です", ErrInvalidParamValue, id)
		}
	case ParamCompositeVideoWidth, ParamCompositeVideoHeight:
		if v < 0 || v != math.Trunc(v) {
			return fmt.Errorf("%w: %s は0以上の整数です", ErrInvalidParamValue, id)
		}
	case ParamExposureMicroseconds:
		if v < 0 {
			return fmt.Errorf("%w: %s は0以上です", ErrInvalidParamValue, id)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownParam, id)
	}

	c.mu.Lock()
	c.params[id] = v
	if id == ParamExposureMicroseconds {
		exposure := v
		c.pendingExposure = &exposure
		if c.state == StateConnecting || c.state == StatePolling {
			c.reconfigure = true
		}
	}
	c.mu.Unlock()

	if id == ParamExposureMicroseconds {
		c.signal()
	}
	return nil
}

// GetParam はパラメータの値を返す
func (c *ManagedCamera) GetParam(id ParamID) (float64, error) {
	if _, ok := paramNames[id]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParam, id)
	}
	c.mu.Lock()
	v, ok := c.params[id]
	pending := c.pendingExposure
	c.mu.Unlock()
	if id == ParamExposureMicroseconds {
		if pending != nil {
			return *pending, nil
		}
		if !ok {
			return c.source.Exposure(), nil
		}
	}
	return v, nil
}

// InjectFrame は外部入力のカメラにフレームを渡す
func (c *ManagedCamera) InjectFrame(img image.Image) error {
	ext, ok := c.source.Backend().(*ExternalBackend)
	if !ok {
		return ErrNotExternal
	}
	ext.Push(img)
	return nil
}

// InjectMetadata はセンサー情報を書き込む
func (c *ManagedCamera) InjectMetadata(w MetadataWriter) {
	c.source.InjectMetadata(w)
	w.Put("CAMINDEX", c.index)
}

// Info は状態の要約を返す
func (c *ManagedCamera) Info() CameraInfo {
	cfg := c.source.Config()
	c.mu.Lock()
	defer c.mu.Unlock()
	info := CameraInfo{
		Index:       c.index,
		Name:        cfg.Name,
		Kind:        c.source.Backend().Kind(),
		State:       c.state,
		Counter:     c.counter,
		FrameTimeMs: c.frameTime,
		Mode:        c.mode,
		Recording:   c.active != nil && !c.active.IsTerminal(),
		Composite:   c.opts.Composite,
	}
	if c.frame != nil {
		info.Width = c.frame.Width()
		info.Height = c.frame.Height()
	}
	return info
}
