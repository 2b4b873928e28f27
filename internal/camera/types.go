package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"
)

// PollState はポーリングスレッドの状態を表す
type PollState int

const (
	StateIdling       PollState = iota // 未接続（再接続待ちを含む）
	StateConnecting                    // バックエンドを起動中
	StatePolling                       // フレームを取得中
	StateShuttingDown                  // 停止処理中
	StateShutdown                      // 停止済み。再開できない
)

func (s PollState) String() string {
	switch s {
	case StateIdling:
		return "idling"
	case StateConnecting:
		return "connecting"
	case StatePolling:
		return "polling"
	case StateShuttingDown:
		return "shutting_down"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("PollState(%d)", int(s))
	}
}

// ProcessingMode はカメラごとの閾値処理モード
type ProcessingMode int

const (
	ModeNone             ProcessingMode = iota // 処理なし
	ModeStaticThreshold                        // 固定閾値（StaticThreshold パラメータ）
	ModeTwoStdevFromMean                       // 平均+2σ
	ModeYen                                    // Yen法
	ModeYenCompressed                          // 対数圧縮ヒストグラムへのYen法
)

var modeNames = map[ProcessingMode]string{
	ModeNone:             "none",
	ModeStaticThreshold:  "static_threshold",
	ModeTwoStdevFromMean: "two_stdev_from_mean",
	ModeYen:              "yen",
	ModeYenCompressed:    "yen_compressed",
}

func (m ProcessingMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("ProcessingMode(%d)", int(m))
}

// Valid は定義済みのモードかどうかを返す
func (m ProcessingMode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// ParseProcessingMode は名前からモードを得る
func ParseProcessingMode(s string) (ProcessingMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return ModeNone, fmt.Errorf("不明な処理モード: %q", s)
}

// Constraint はスナップショットに使う画像の条件
type Constraint int

const (
	Indifferent     Constraint = iota // 処理済みがあればそれを、なければ生画像を使う
	MustBeProcessed                   // 処理済み画像のみ。処理モードがNoneの間は保留
	MustBeRaw                         // 生画像のみ
)

func (c Constraint) String() string {
	switch c {
	case Indifferent:
		return "indifferent"
	case MustBeProcessed:
		return "must_be_processed"
	case MustBeRaw:
		return "must_be_raw"
	default:
		return fmt.Sprintf("Constraint(%d)", int(c))
	}
}

// ParseConstraint は名前から条件を得る。空文字はIndifferent。
func ParseConstraint(s string) (Constraint, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "indifferent":
		return Indifferent, nil
	case "must_be_processed", "processed":
		return MustBeProcessed, nil
	case "must_be_raw", "raw":
		return MustBeRaw, nil
	default:
		return Indifferent, fmt.Errorf("不明な条件: %q", s)
	}
}

// ParamID はカメラごとの数値パラメータ
type ParamID int

const (
	ParamAlpha                ParamID = iota // 蛍光表示の不透明度 0-1
	ParamStaticThreshold                     // 固定閾値 0-1
	ParamCompositeVideoWidth                 // 録画・合成映像の幅。0は元の大きさ
	ParamCompositeVideoHeight                // 録画・合成映像の高さ。0は元の大きさ
	ParamExposureMicroseconds                // 露出時間。0は自動露出
)

var paramNames = map[ParamID]string{
	ParamAlpha:                "alpha",
	ParamStaticThreshold:      "static_threshold",
	ParamCompositeVideoWidth:  "composite_video_width",
	ParamCompositeVideoHeight: "composite_video_height",
	ParamExposureMicroseconds: "exposure_us",
}

func (p ParamID) String() string {
	if name, ok := paramNames[p]; ok {
		return name
	}
	return fmt.Sprintf("ParamID(%d)", int(p))
}

// ParseParamID は名前からパラメータを得る
func ParseParamID(s string) (ParamID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for id, name := range paramNames {
		if name == s {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownParam, s)
}

// Frame は公開されたフレーム
// 公開後は変更されないため、複数のゴルーチンから共有してよい。
type Frame struct {
	Raw       image.Image    // 反転適用後の生画像
	Processed image.Image    // 処理済み画像。Mode が None なら nil
	Mode      ProcessingMode // 処理に使ったモード
	Level     uint8          // 処理に使った輝度閾値
	Seq       uint64         // 公開時の変更カウンタ
	Timestamp time.Time
}

// Width はフレームの幅を返す
func (f *Frame) Width() int { return f.Raw.Bounds().Dx() }

// Height はフレームの高さを返す
func (f *Frame) Height() int { return f.Raw.Bounds().Dy() }

// IsProcessed は処理済み画像を持つかどうかを返す
func (f *Frame) IsProcessed() bool { return f.Processed != nil }

// Display は画面表示と録画に使う画像を返す
func (f *Frame) Display() image.Image {
	if f.Processed != nil {
		return f.Processed
	}
	return f.Raw
}

// ImageFor は条件を満たす画像を返す。満たせない場合は false。
func (f *Frame) ImageFor(c Constraint) (image.Image, bool) {
	switch c {
	case MustBeRaw:
		return f.Raw, true
	case MustBeProcessed:
		return f.Processed, f.Processed != nil
	default:
		return f.Display(), true
	}
}

// CameraInfo はカメラの状態の要約
type CameraInfo struct {
	Index       int
	Name        string
	Kind        BackendKind
	State       PollState
	Counter     uint64
	FrameTimeMs float64
	Mode        ProcessingMode
	Recording   bool
	Width       int
	Height      int
	Composite   bool
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device      string       // デバイスパス
	Name        string       // デバイス名
	Driver      string       // ドライバー名
	Resolutions []Resolution // サポートされる解像度
	Formats     []string     // サポートされるフォーマット
}

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int // 幅
	Height int // 高さ
}

var (
	ErrBackendClosed      = errors.New("バックエンドが切断されました")
	ErrNotActivated       = errors.New("バックエンドが起動していません")
	ErrAlreadyInitialized = errors.New("ソースは既に初期化されています")
	ErrNotInitialized     = errors.New("ソースが初期化されていません")
	ErrSourceShutdown     = errors.New("ソースは停止済みです")
	ErrUnknownParam       = errors.New("不明なパラメータ")
	ErrInvalidParamValue  = errors.New("パラメータの値が範囲外です")
	ErrInvalidMode        = errors.New("不明な処理モード")
	ErrCameraIndex        = errors.New("カメラ番号が範囲外です")
	ErrNotBooted          = errors.New("ストリームマネージャーが起動していません")
	ErrAlreadyBooted      = errors.New("ストリームマネージャーは既に起動しています")
	ErrManagerShutdown    = errors.New("ストリームマネージャーは停止済みです")
	ErrNotExternal        = errors.New("外部入力のカメラではありません")
	ErrNotPolling         = errors.New("カメラがフレームを取得していません")
	ErrCanceled           = errors.New("リクエストはキャンセルされました")
	ErrDisconnected       = errors.New("カメラが切断されました")
	ErrCameraShutdown     = errors.New("カメラは停止しました")
)
