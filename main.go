package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"keikou/internal/app"
	"keikou/internal/config"
	"keikou/internal/logging"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load(os.Getenv(config.EnvPrefix + "CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの作成に失敗しました: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.New(cfg, logger).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("異常終了しました")
		closeLog()
		os.Exit(1)
	}
}
