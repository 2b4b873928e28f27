package composite

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"keikou/internal/camera"
)

// 合成映像の大きさが未設定のときの値
const (
	fallbackWidth  = 1280
	fallbackHeight = 720
)

// Manager は合成に必要なカメラ管理の機能
// camera.StreamManager が満たす。
type Manager interface {
	PhysicalCameras() []*camera.ManagedCamera
	CompositeIndex() int
	GetFloat(idx int, id camera.ParamID) (float64, error)
	InjectCompositeFrame(img image.Image) error
}

// Compositor は物理カメラの最新フレームを並べて合成カメラに注入する
type Compositor struct {
	manager  Manager
	interval time.Duration
	logger   zerolog.Logger

	// 前回合成したときの各カメラの変更カウンタ。合成するゴルーチン専用
	lastSeq map[int]uint64

	mu       sync.Mutex
	composed uint64
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New は新しいCompositorを作成する
func New(manager Manager, interval time.Duration, logger zerolog.Logger) *Compositor {
	if interval <= 0 {
		interval = 33 * time.Millisecond
	}
	return &Compositor{
		manager:  manager,
		interval: interval,
		logger:   logger.With().Str("component", "composite").Logger(),
		lastSeq:  make(map[int]uint64),
	}
}

// Start は合成ループを開始する
func (c *Compositor) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("合成ループは既に起動しています")
	}
	if c.manager.CompositeIndex() < 0 {
		return fmt.Errorf("合成カメラが無効です: %w", camera.ErrNotExternal)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	go c.loop(runCtx)

	c.logger.Info().Dur("interval", c.interval).Msg("合成ループを開始しました")
	return nil
}

// Stop は合成ループを止めて終了を待つ
func (c *Compositor) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
	c.logger.Info().Uint64("frames", c.Composed()).Msg("合成ループを停止しました")
}

func (c *Compositor) loop(ctx context.Context) {
	defer c.wg.Done()

	limiter := rate.NewLimiter(rate.Every(c.interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if _, err := c.ComposeOnce(); err != nil {
			c.logger.Debug().Err(err).Msg("合成フレームを注入できません")
		}
	}
}

// ComposeOnce は変更があれば1枚合成して注入する
// どのカメラの変更カウンタも進んでいなければ何もせず false を返す。
func (c *Compositor) ComposeOnce() (bool, error) {
	cameras := c.manager.PhysicalCameras()

	frames := make([]image.Image, len(cameras))
	seqs := make(map[int]uint64, len(cameras))
	changed := false
	available := 0
	for i, cam := range cameras {
		f := cam.GetCurrentFrame()
		if f == nil {
			continue
		}
		frames[i] = f.Display()
		seqs[cam.Index()] = f.Seq
		available++
		if c.lastSeq[cam.Index()] != f.Seq {
			changed = true
		}
	}
	if available == 0 || !changed {
		return false, nil
	}

	width, height := c.outputSize()
	if err := c.manager.InjectCompositeFrame(Compose(frames, width, height)); err != nil {
		return false, err
	}
	c.lastSeq = seqs
	c.mu.Lock()
	c.composed++
	c.mu.Unlock()
	return true, nil
}

// outputSize は合成カメラのパラメータから出力サイズを決める
func (c *Compositor) outputSize() (int, int) {
	idx := c.manager.CompositeIndex()
	w, werr := c.manager.GetFloat(idx, camera.ParamCompositeVideoWidth)
	h, herr := c.manager.GetFloat(idx, camera.ParamCompositeVideoHeight)
	if werr != nil || herr != nil || w < 1 || h < 1 {
		return fallbackWidth, fallbackHeight
	}
	return int(w), int(h)
}

// Composed は注入した合成フレーム数を返す
func (c *Compositor) Composed() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.composed
}
