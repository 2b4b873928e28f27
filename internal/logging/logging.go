// Package logging はzerologのロガー構築を担う
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"keikou/internal/config"
)

// New は設定に従ってロガーを作成する
// 戻り値のcloseはログファイルを閉じる。ファイル出力がない場合は何もしない。
func New(cfg config.LogConfig) (zerolog.Logger, func() error, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("ログレベルの解析に失敗: %w", err)
		}
		level = l
	}

	var out io.Writer = os.Stderr
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.DateTime}
	}

	closer := func() error { return nil }
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("ログファイル %s のオープンに失敗: %w", cfg.File, err)
		}
		// ファイルには常にJSONで書く
		out = zerolog.MultiLevelWriter(out, f)
		closer = f.Close
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

// Component はコンポーネント名を付与した子ロガーを返す
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
