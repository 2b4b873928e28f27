package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"keikou/internal/camera"
	"keikou/internal/capture"
)

// errorResponse はエラーJSONを返して処理を打ち切る
func errorResponse(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// cameraError はカメラ層のエラーをHTTPステータスに変換して返す
func cameraError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, camera.ErrNotBooted), errors.Is(err, camera.ErrManagerShutdown):
		errorResponse(c, http.StatusServiceUnavailable, "not_ready", err.Error())
	case errors.Is(err, camera.ErrCameraIndex):
		errorResponse(c, http.StatusNotFound, "camera_not_found", err.Error())
	case errors.Is(err, camera.ErrUnknownParam):
		errorResponse(c, http.StatusNotFound, "unknown_param", err.Error())
	case errors.Is(err, camera.ErrInvalidParamValue), errors.Is(err, camera.ErrInvalidMode):
		errorResponse(c, http.StatusBadRequest, "invalid_value", err.Error())
	case errors.Is(err, camera.ErrNotExternal):
		errorResponse(c, http.StatusConflict, "not_external", err.Error())
	default:
		errorResponse(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// camera はパスの :index からカメラを引く。失敗時はレスポンスを書いて false を返す。
func (s *Server) camera(c *gin.Context) (*camera.ManagedCamera, bool) {
	idx, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_index", fmt.Sprintf("カメラ番号が不正です: %q", c.Param("index")))
		return nil, false
	}
	cam, err := s.manager.Camera(idx)
	if err != nil {
		cameraError(c, err)
		return nil, false
	}
	return cam, true
}

// bindOptional は本文があるときだけJSONを読む
func bindOptional(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

// respondRequest は登録したリクエストを返す
// 保存先が不正なものは 400、それ以外で即座に失敗したものは 409。
func (s *Server) respondRequest(c *gin.Context, r camera.Request) {
	s.requests.add(r)
	status := http.StatusAccepted
	switch {
	case errors.Is(r.Err(), capture.ErrOutsideRoot):
		status = http.StatusBadRequest
	case r.Status() == camera.StatusError:
		status = http.StatusConflict
	}
	c.JSON(status, newRequestResponse(r))
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	status := "stopped"
	if s.manager.Booted() {
		status = "running"
	}
	c.JSON(http.StatusOK, StatusResponse{
		Status: status,
		Server: ServerInfo{
			Host: s.config.Server.Host,
			Port: s.config.Server.Port,
		},
		Cameras:    s.manager.NumCameras(),
		Composite:  s.manager.CompositeIndex(),
		MenuTarget: s.manager.MenuTarget(),
		Timestamp:  time.Now(),
	})
}

// handleDevices は接続されているカメラデバイスを返す
func (s *Server) handleDevices(c *gin.Context) {
	devices, err := s.manager.Devices(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "discovery_failed", err.Error())
		return
	}
	resp := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		res := make([]string, 0, len(d.Resolutions))
		for _, r := range d.Resolutions {
			res = append(res, fmt.Sprintf("%dx%d", r.Width, r.Height))
		}
		resp = append(resp, DeviceResponse{
			Device:      d.Device,
			Name:        d.Name,
			Driver:      d.Driver,
			Formats:     d.Formats,
			Resolutions: res,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": resp})
}

// handleCameras はカメラ一覧取得エンドポイント
func (s *Server) handleCameras(c *gin.Context) {
	infos := s.manager.Cameras()
	cameras := make([]CameraResponse, 0, len(infos))
	for _, info := range infos {
		cameras = append(cameras, newCameraResponse(info))
	}
	c.JSON(http.StatusOK, CamerasResponse{Cameras: cameras})
}

func (s *Server) handleCamera(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newCameraResponse(cam.Info()))
}

// handleFrame は最新フレームをJPEGで返す
// processed=true なら処理済み画像、それ以外は生画像。
func (s *Server) handleFrame(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	f := cam.GetCurrentFrame()
	if f == nil {
		errorResponse(c, http.StatusNotFound, "frame_not_available", "フレームがまだありません")
		return
	}

	img := f.Raw
	if c.Query("processed") == "true" {
		if !f.IsProcessed() {
			errorResponse(c, http.StatusNotFound, "frame_not_available", "処理済みのフレームがありません")
			return
		}
		img = f.Processed
	}

	data, err := encodeJPEG(img)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}
	c.Header("X-Frame-Seq", strconv.FormatUint(f.Seq, 10))
	c.Data(http.StatusOK, "image/jpeg", data)
}

// handleSnapshot は静止画の保存を依頼する
func (s *Server) handleSnapshot(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	var body CaptureBody
	if !bindOptional(c, &body) {
		return
	}
	constraint, err := camera.ParseConstraint(body.Constraint)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_constraint", err.Error())
		return
	}
	s.respondRequest(c, s.manager.RequestSnapshot(cam.Index(), body.Name, constraint))
}

// handleSnapshotAll はフレーム取得中の全カメラに静止画を依頼する
func (s *Server) handleSnapshotAll(c *gin.Context) {
	var body CaptureBody
	if !bindOptional(c, &body) {
		return
	}
	if !s.manager.Booted() {
		cameraError(c, camera.ErrNotBooted)
		return
	}
	reqs := s.manager.RequestSnapshotAll(body.Name)
	resp := make([]RequestResponse, 0, len(reqs))
	for _, r := range reqs {
		s.requests.add(r)
		resp = append(resp, newRequestResponse(r))
	}
	c.JSON(http.StatusAccepted, gin.H{"requests": resp})
}

// handleStartRecording は録画を開始する
func (s *Server) handleStartRecording(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	var body CaptureBody
	if !bindOptional(c, &body) {
		return
	}
	s.respondRequest(c, s.manager.RecordVideo(cam.Index(), body.Name))
}

// handleStopRecording は録画を終了する
func (s *Server) handleStopRecording(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	active := cam.ActiveRecording()
	if active == nil || !s.manager.StopRecording(cam.Index()) {
		errorResponse(c, http.StatusNotFound, "not_recording", "録画していません")
		return
	}
	c.JSON(http.StatusOK, newRequestResponse(active))
}

func (s *Server) handleGetProcessing(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": cam.GetProcessingType().String()})
}

func (s *Server) handleSetProcessing(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	var body ProcessingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	mode, err := camera.ParseProcessingMode(body.Mode)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_value", err.Error())
		return
	}
	if err := s.manager.SetProcessingType(cam.Index(), mode); err != nil {
		cameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode.String()})
}

func (s *Server) handleGetParam(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	id, err := camera.ParseParamID(c.Param("param"))
	if err != nil {
		cameraError(c, err)
		return
	}
	v, err := s.manager.GetFloat(cam.Index(), id)
	if err != nil {
		cameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"param": id.String(), "value": v})
}

func (s *Server) handleSetParam(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	id, err := camera.ParseParamID(c.Param("param"))
	if err != nil {
		cameraError(c, err)
		return
	}
	var body ParamBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.manager.SetFloat(cam.Index(), id, *body.Value); err != nil {
		cameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"param": id.String(), "value": *body.Value})
}

func (s *Server) handleSetPolling(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}
	var body PollingBody
	if err := c.ShouldBindJSON(&body); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := s.manager.SetPolling(cam.Index(), *body.Enabled); err != nil {
		cameraError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": *body.Enabled})
}

// request はパスの :id から登録済みのリクエストを引く
func (s *Server) request(c *gin.Context) (camera.Request, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid_id", fmt.Sprintf("リクエストIDが不正です: %q", id))
		return nil, false
	}
	r, ok := s.requests.get(id)
	if !ok {
		errorResponse(c, http.StatusNotFound, "request_not_found", "指定されたリクエストが見つかりません")
		return nil, false
	}
	return r, true
}

func (s *Server) handleGetRequest(c *gin.Context) {
	r, ok := s.request(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newRequestResponse(r))
}

// handleCancelRequest は処理前のリクエストを取り消す
func (s *Server) handleCancelRequest(c *gin.Context) {
	r, ok := s.request(c)
	if !ok {
		return
	}
	canceled := r.Cancel()
	c.JSON(http.StatusOK, gin.H{"canceled": canceled, "request": newRequestResponse(r)})
}
