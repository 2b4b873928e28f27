// Package app はカメラ群・合成ループ・HTTPサーバーを組み立てて動かす
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"keikou/internal/camera"
	"keikou/internal/capture"
	"keikou/internal/composite"
	"keikou/internal/config"
	"keikou/internal/logging"
	"keikou/internal/server"
)

// App はコンソール全体のライフサイクルを管理する
type App struct {
	config     *config.Config
	logger     zerolog.Logger
	manager    *camera.StreamManager
	compositor *composite.Compositor
	server     *server.Server
}

// New は設定からAppを組み立てる。カメラは Run まで起動しない。
func New(cfg *config.Config, logger zerolog.Logger, opts ...camera.Option) *App {
	opts = append([]camera.Option{camera.WithLogger(logger)}, opts...)
	manager := camera.NewStreamManager(cfg, opts...)

	a := &App{
		config:  cfg,
		logger:  logging.Component(logger, "app"),
		manager: manager,
	}
	if cfg.Composite.Enabled {
		a.compositor = composite.New(manager, cfg.Composite.Interval, logger)
	}
	if cfg.Server.Enabled {
		a.server = server.New(cfg, manager, logger)
	}
	return a
}

// Manager は管理しているStreamManagerを返す
func (a *App) Manager() *camera.StreamManager { return a.manager }

// Run はカメラを起動し、ctx が終わるまで動かしてから全体を停止する
func (a *App) Run(ctx context.Context) error {
	if err := capture.ValidateFFmpeg(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("FFmpegがないため、デバイス・ネットワークカメラとMP4録画は使えません")
	}

	if err := a.manager.Boot(ctx); err != nil {
		return fmt.Errorf("カメラの起動に失敗: %w", err)
	}
	defer a.manager.ShutdownAll()

	if a.compositor != nil {
		if err := a.compositor.Start(ctx); err != nil {
			return fmt.Errorf("合成ループの起動に失敗: %w", err)
		}
		defer a.compositor.Stop()
	}

	a.logger.Info().
		Int("cameras", a.manager.NumCameras()).
		Int("composite", a.manager.CompositeIndex()).
		Int("menu_target", a.manager.MenuTarget()).
		Msg("コンソールを起動しました")

	if a.server != nil {
		if err := a.server.Start(ctx); err != nil {
			return err
		}
	} else {
		<-ctx.Done()
	}

	a.logger.Info().Msg("コンソールを停止しています")
	return nil
}
