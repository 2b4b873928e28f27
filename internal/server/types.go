package server

import (
	"time"

	"keikou/internal/camera"
)

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo はサーバー情報
type ServerInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Status     string     `json:"status"`
	Server     ServerInfo `json:"server"`
	Cameras    int        `json:"cameras"`
	Composite  int        `json:"composite"`
	MenuTarget int        `json:"menu_target"`
	Timestamp  time.Time  `json:"timestamp"`
}

// CameraResponse はカメラ1台分の状態
type CameraResponse struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	State       string  `json:"state"`
	Counter     uint64  `json:"counter"`
	FrameTimeMs float64 `json:"frame_time_ms"`
	Mode        string  `json:"mode"`
	Recording   bool    `json:"recording"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Composite   bool    `json:"composite"`
}

// CamerasResponse はカメラ一覧のレスポンス
type CamerasResponse struct {
	Cameras []CameraResponse `json:"cameras"`
}

// DeviceResponse は検出されたデバイス
type DeviceResponse struct {
	Device      string   `json:"device"`
	Name        string   `json:"name"`
	Driver      string   `json:"driver"`
	Formats     []string `json:"formats"`
	Resolutions []string `json:"resolutions"`
}

// RequestResponse は静止画・録画リクエストの状態
type RequestResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Camera    int       `json:"camera"`
	Path      string    `json:"path"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Frames    *int      `json:"frames,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CaptureBody は静止画・録画の開始リクエスト
type CaptureBody struct {
	Name       string `json:"name"`
	Constraint string `json:"constraint"`
}

// ProcessingBody は処理モードの変更リクエスト
type ProcessingBody struct {
	Mode string `json:"mode" binding:"required"`
}

// ParamBody はパラメータの変更リクエスト
type ParamBody struct {
	Value *float64 `json:"value" binding:"required"`
}

// PollingBody はフレーム取得の切り替えリクエスト
type PollingBody struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func newCameraResponse(info camera.CameraInfo) CameraResponse {
	return CameraResponse{
		Index:       info.Index,
		Name:        info.Name,
		Kind:        string(info.Kind),
		State:       info.State.String(),
		Counter:     info.Counter,
		FrameTimeMs: info.FrameTimeMs,
		Mode:        info.Mode.String(),
		Recording:   info.Recording,
		Width:       info.Width,
		Height:      info.Height,
		Composite:   info.Composite,
	}
}

func newRequestResponse(r camera.Request) RequestResponse {
	resp := RequestResponse{
		ID:        r.ID(),
		Kind:      r.Kind(),
		Camera:    r.CameraIndex(),
		Path:      r.Path(),
		Status:    r.Status().String(),
		CreatedAt: r.CreatedAt(),
	}
	if err := r.Err(); err != nil {
		resp.Error = err.Error()
	}
	if v, ok := r.(*camera.VideoRequest); ok {
		frames := v.Frames()
		resp.Frames = &frames
	}
	return resp
}
