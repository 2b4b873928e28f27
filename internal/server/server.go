package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"keikou/internal/camera"
	"keikou/internal/config"
)

// streamQuality は配信するJPEGの品質
const streamQuality = 80

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	manager    *camera.StreamManager
	logger     zerolog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	requests   *registry
	upgrader   websocket.Upgrader

	// ストリーム配信の確認間隔
	streamInterval time.Duration

	// 閉じるとストリーム配信を終える
	closing   chan struct{}
	closeOnce sync.Once
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, manager *camera.StreamManager, logger zerolog.Logger) *Server {
	s := &Server{
		config:   cfg,
		manager:  manager,
		logger:   logger.With().Str("component", "server").Logger(),
		requests: newRegistry(defaultRegistryLimit),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		streamInterval: cfg.Poll.Interval,
		closing:        make(chan struct{}),
	}
	if s.streamInterval <= 0 {
		s.streamInterval = 33 * time.Millisecond
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// Handler はルーティング済みのハンドラーを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/devices", s.handleDevices)
	api.GET("/cameras", s.handleCameras)
	api.POST("/snapshots", s.handleSnapshotAll)

	cam := api.Group("/cameras/:index")
	cam.GET("", s.handleCamera)
	cam.GET("/frame", s.handleFrame)
	cam.GET("/stream", s.handleStream)
	cam.GET("/ws", s.handleWebSocket)
	cam.POST("/snapshots", s.handleSnapshot)
	cam.POST("/recording", s.handleStartRecording)
	cam.DELETE("/recording", s.handleStopRecording)
	cam.GET("/processing", s.handleGetProcessing)
	cam.PUT("/processing", s.handleSetProcessing)
	cam.GET("/params/:param", s.handleGetParam)
	cam.PUT("/params/:param", s.handleSetParam)
	cam.PUT("/polling", s.handleSetPolling)

	api.GET("/requests/:id", s.handleGetRequest)
	api.POST("/requests/:id/cancel", s.handleCancelRequest)
}

// requestLogger はリクエストごとにアクセスログを出す
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := s.logger.Debug()
		switch {
		case status >= http.StatusInternalServerError:
			ev = s.logger.Error()
		case status >= http.StatusBadRequest:
			ev = s.logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("HTTPリクエスト")
	}
}

// Start はサーバーを起動し、ctx が終わるまで待ってからシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("コンテキストがキャンセルされました")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("サーバーをシャットダウンしています...")
	s.closeOnce.Do(func() { close(s.closing) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info().Msg("サーバーが正常にシャットダウンされました")
	return nil
}
