package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	yamlv3 "gopkg.in/yaml.v3"

	"keikou/internal/capture"
)

const (
	// DefaultConfigFile は設定ファイルのデフォルトパス
	DefaultConfigFile = "keikou.yml"

	// EnvPrefix は設定を上書きする環境変数の接頭辞
	// 例: KEIKOU_SERVER__PORT=9090 は server.port を上書きする
	EnvPrefix = "KEIKOU_"
)

// バックエンド種別（設定ファイル上の表記）
const (
	BackendDevice  = "device"
	BackendNetwork = "network"
	BackendStatic  = "static"
	BackendMock    = "mock" // 試験用のグラデーション画像
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `koanf:"server" yaml:"server"`
	Log       LogConfig       `koanf:"log" yaml:"log"`
	Camera    CameraConfig    `koanf:"camera" yaml:"camera"`
	Poll      PollConfig      `koanf:"poll" yaml:"poll"`
	Capture   CaptureConfig   `koanf:"capture" yaml:"capture"`
	Composite CompositeConfig `koanf:"composite" yaml:"composite"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Enabled bool   `koanf:"enabled" yaml:"enabled"` // 制御APIを起動するか
	Host    string `koanf:"host" yaml:"host"`       // リッスンするホスト
	Port    int    `koanf:"port" yaml:"port"`       // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `koanf:"read_timeout" yaml:"read_timeout"`   // 読み込みタイムアウト
	WriteTimeout time.Duration `koanf:"write_timeout" yaml:"write_timeout"` // 書き込みタイムアウト
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`   // debug, info, warn, error
	Format string `koanf:"format" yaml:"format"` // console または json
	File   string `koanf:"file" yaml:"file"`     // 空なら標準エラー出力のみ
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	// 複数カメラ対応のための設定
	Devices []CameraDevice `koanf:"devices" yaml:"devices"`

	// デフォルト設定
	DefaultFPS    int `koanf:"default_fps" yaml:"default_fps"`       // フレームレート (fps)
	DefaultWidth  int `koanf:"default_width" yaml:"default_width"`   // 画像幅
	DefaultHeight int `koanf:"default_height" yaml:"default_height"` // 画像高さ
}

// CameraDevice は個別カメラの設定
type CameraDevice struct {
	Name    string `koanf:"name" yaml:"name"`       // カメラ名
	Backend string `koanf:"backend" yaml:"backend"` // device, network, static
	Device  string `koanf:"device" yaml:"device"`   // デバイスパス (例: /dev/video0)
	URL     string `koanf:"url" yaml:"url"`         // ネットワークストリームのURL
	Image   string `koanf:"image" yaml:"image"`     // 静止画ファイルのパス

	// カメラ固有の設定（デフォルト値より優先）
	FPS    int `koanf:"fps" yaml:"fps"`
	Width  int `koanf:"width" yaml:"width"`
	Height int `koanf:"height" yaml:"height"`

	FlipHorizontal bool `koanf:"flip_horizontal" yaml:"flip_horizontal"`
	FlipVertical   bool `koanf:"flip_vertical" yaml:"flip_vertical"`

	// ExposureMicroseconds が0なら自動露出
	ExposureMicroseconds float64 `koanf:"exposure_us" yaml:"exposure_us"`

	// MenuTarget はUIのメニューを表示するカメラ
	MenuTarget bool `koanf:"menu_target" yaml:"menu_target"`
}

// PollConfig はカメラごとのポーリングループの設定
type PollConfig struct {
	Interval       time.Duration `koanf:"interval" yaml:"interval"`               // フレーム取得間隔
	BackoffInitial time.Duration `koanf:"backoff_initial" yaml:"backoff_initial"` // 再接続待ちの初期値
	BackoffMax     time.Duration `koanf:"backoff_max" yaml:"backoff_max"`         // 再接続待ちの上限
}

// CaptureConfig はスナップショットと録画の出力設定
type CaptureConfig struct {
	Root         string `koanf:"root" yaml:"root"`                   // 出力先のルートディレクトリ
	DatedFolders bool   `koanf:"dated_folders" yaml:"dated_folders"` // yyyy-mm-dd のサブフォルダを作るか
	SnapshotExt  string `koanf:"snapshot_ext" yaml:"snapshot_ext"`   // 拡張子を省略したときの静止画形式
	VideoExt     string `koanf:"video_ext" yaml:"video_ext"`         // 拡張子を省略したときの動画形式
	VideoFPS     int    `koanf:"video_fps" yaml:"video_fps"`         // 録画のフレームレート
	VideoQuality int    `koanf:"video_quality" yaml:"video_quality"` // 1(低) - 5(高)
}

// CompositeConfig は合成カメラの設定
type CompositeConfig struct {
	Enabled  bool          `koanf:"enabled" yaml:"enabled"`   // 合成フレームを自前で生成するか
	Interval time.Duration `koanf:"interval" yaml:"interval"` // 合成間隔
	Width    int           `koanf:"width" yaml:"width"`       // 合成映像の幅
	Height   int           `koanf:"height" yaml:"height"`     // 合成映像の高さ
}

// Default はデフォルト設定を返す
func Default() Config {
	return Config{
		Server: ServerConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Camera: CameraConfig{
			Devices: []CameraDevice{
				{
					Name:    "メインカメラ",
					Backend: BackendDevice,
					Device:  "/dev/video0",
				},
			},
			DefaultFPS:    30,
			DefaultWidth:  1280,
			DefaultHeight: 720,
		},
		Poll: PollConfig{
			Interval:       33 * time.Millisecond,
			BackoffInitial: 250 * time.Millisecond,
			BackoffMax:     5 * time.Second,
		},
		Capture: CaptureConfig{
			Root:         "captures",
			DatedFolders: true,
			SnapshotExt:  ".png",
			VideoExt:     ".mp4",
			VideoFPS:     30,
			VideoQuality: 4,
		},
		Composite: CompositeConfig{
			Enabled:  true,
			Interval: 33 * time.Millisecond,
			Width:    1920,
			Height:   1080,
		},
	}
}

// Load は設定を読み込む
// デフォルト値、設定ファイル、環境変数の順に上書きする。
// path が空の場合は DefaultConfigFile を探し、存在しなければ無視する。
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("デフォルト設定の読み込みに失敗: %w", err)
	}

	if path == "" {
		path = DefaultConfigFile
		if _, err := os.Stat(path); err != nil {
			path = "" // ファイルがなければデフォルトのまま
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}
	cfg.applyDefaults()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return &cfg, nil
}

// envKey は KEIKOU_SERVER__READ_TIMEOUT を server.read_timeout に変換する
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// applyDefaults はカメラ個別設定の未指定項目をデフォルト値で埋める
func (c *Config) applyDefaults() {
	for i := range c.Camera.Devices {
		d := &c.Camera.Devices[i]
		if d.FPS == 0 {
			d.FPS = c.Camera.DefaultFPS
		}
		if d.Width == 0 {
			d.Width = c.Camera.DefaultWidth
		}
		if d.Height == 0 {
			d.Height = c.Camera.DefaultHeight
		}
		if d.Backend == "" {
			d.Backend = BackendDevice
		}
		if d.Name == "" {
			d.Name = fmt.Sprintf("カメラ %d", i)
		}
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("無効なログレベル: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("無効なログ形式: %s", c.Log.Format)
	}

	if len(c.Camera.Devices) == 0 {
		return errors.New("カメラデバイスが設定されていません")
	}
	menuTargets := 0
	for i, d := range c.Camera.Devices {
		if err := d.validate(); err != nil {
			return fmt.Errorf("カメラ %d: %w", i, err)
		}
		if d.MenuTarget {
			menuTargets++
		}
	}
	if menuTargets > 1 {
		return fmt.Errorf("menu_target が複数のカメラに設定されています: %d", menuTargets)
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("無効なポーリング間隔: %s", c.Poll.Interval)
	}
	if c.Poll.BackoffInitial <= 0 || c.Poll.BackoffMax < c.Poll.BackoffInitial {
		return fmt.Errorf("無効な再接続間隔: initial=%s max=%s", c.Poll.BackoffInitial, c.Poll.BackoffMax)
	}

	if !capture.IsSnapshotExt(c.Capture.SnapshotExt) {
		return fmt.Errorf("サポートされていない静止画形式: %s", c.Capture.SnapshotExt)
	}
	if !capture.IsVideoExt(c.Capture.VideoExt) {
		return fmt.Errorf("サポートされていない動画形式: %s", c.Capture.VideoExt)
	}
	if c.Capture.VideoFPS <= 0 {
		return fmt.Errorf("無効な録画フレームレート: %d", c.Capture.VideoFPS)
	}
	if c.Capture.VideoQuality < 1 || c.Capture.VideoQuality > 5 {
		return fmt.Errorf("録画品質は1-5で指定してください: %d", c.Capture.VideoQuality)
	}

	if c.Composite.Width <= 0 || c.Composite.Height <= 0 {
		return fmt.Errorf("無効な合成映像サイズ: %dx%d", c.Composite.Width, c.Composite.Height)
	}
	if c.Composite.Enabled && c.Composite.Interval <= 0 {
		return fmt.Errorf("無効な合成間隔: %s", c.Composite.Interval)
	}

	return nil
}

func (d CameraDevice) validate() error {
	switch d.Backend {
	case BackendDevice, "":
		if d.Device == "" {
			return errors.New("デバイスパスが指定されていません")
		}
	case BackendNetwork:
		if d.URL == "" {
			return errors.New("ストリームURLが指定されていません")
		}
	case BackendStatic:
		if d.Image == "" {
			return errors.New("画像ファイルが指定されていません")
		}
	case BackendMock:
	default:
		return fmt.Errorf("不明なバックエンド: %s", d.Backend)
	}
	if d.FPS < 0 || d.Width < 0 || d.Height < 0 {
		return fmt.Errorf("無効な映像設定: %dx%d@%d", d.Width, d.Height, d.FPS)
	}
	if d.ExposureMicroseconds < 0 {
		return fmt.Errorf("無効な露出時間: %v", d.ExposureMicroseconds)
	}
	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// MenuTarget はメニュー表示対象のカメラ番号を返す。未指定なら0。
func (c *Config) MenuTarget() int {
	for i, d := range c.Camera.Devices {
		if d.MenuTarget {
			return i
		}
	}
	return 0
}

// Dump は有効な設定をYAMLで書き出す
func (c *Config) Dump(w io.Writer) error {
	enc := yamlv3.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("設定の書き出しに失敗: %w", err)
	}
	return enc.Close()
}
