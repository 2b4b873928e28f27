// Package main はkeikouコンソールのサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"keikou/internal/app"
	"keikou/internal/config"
	"keikou/internal/logging"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (デフォルト: "+config.DefaultConfigFile+")")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		dump       = flag.Bool("dump-config", false, "読み込んだ設定をYAMLで出力して終了")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("keikou - 蛍光ヘッドセット用カメラコンソール")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if *dump {
		if err := cfg.Dump(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "設定の出力に失敗しました: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの作成に失敗しました: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("addr", cfg.ServerAddress()).Bool("http", cfg.Server.Enabled).Msg("keikou を起動します")
	if err := app.New(cfg, logger).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("異常終了しました")
		closeLog()
		os.Exit(1)
	}
}
