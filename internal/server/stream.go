package server

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"keikou/internal/camera"
)

// wsWriteWait はWebSocketへの書き込み期限
const wsWriteWait = 2 * time.Second

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: streamQuality}); err != nil {
		return nil, fmt.Errorf("JPEG エンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

// frameWatcher は変更カウンタが進んだときだけ表示用フレームをJPEGにする
type frameWatcher struct {
	cam  *camera.ManagedCamera
	last uint64
}

// next は新しいフレームがあればJPEGを返す。カメラが停止したら done が true。
func (w *frameWatcher) next() (data []byte, done bool, err error) {
	if w.cam.GetState() == camera.StateShutdown {
		return nil, true, nil
	}
	f := w.cam.GetCurrentFrame()
	if f == nil || f.Seq == w.last {
		return nil, false, nil
	}
	w.last = f.Seq
	data, err = encodeJPEG(f.Display())
	return data, false, err
}

// handleStream はMJPEGストリーミングを配信する
func (s *Server) handleStream(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	writer := c.Writer
	watcher := &frameWatcher{cam: cam}
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return
		case <-s.closing:
			return
		case <-ticker.C:
		}

		frame, done, err := watcher.next()
		if done {
			return
		}
		if err != nil {
			s.logger.Warn().Err(err).Int("camera", cam.Index()).Msg("ストリーム用のエンコードに失敗しました")
			continue
		}
		if frame == nil {
			continue
		}

		if _, err := fmt.Fprintf(writer, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
			return
		}
		if _, err := writer.Write(frame); err != nil {
			return
		}
		if _, err := writer.Write([]byte("\r\n")); err != nil {
			return
		}
		writer.Flush()
	}
}

// handleWebSocket はフレームをWebSocketのバイナリメッセージで配信する
func (s *Server) handleWebSocket(c *gin.Context) {
	cam, ok := s.camera(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", c.Request.RemoteAddr).Msg("WebSocket接続の確立に失敗しました")
		return
	}
	defer conn.Close()
	s.logger.Info().Int("camera", cam.Index()).Str("remote", c.Request.RemoteAddr).Msg("WebSocket接続を確立しました")

	// 読み取りはクライアントの切断検知のみに使う
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	watcher := &frameWatcher{cam: cam}
	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(wsWriteWait))
			return
		case <-ticker.C:
		}

		frame, done, err := watcher.next()
		if done {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "camera shutdown"),
				time.Now().Add(wsWriteWait))
			return
		}
		if err != nil || frame == nil {
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.logger.Debug().Err(err).Int("camera", cam.Index()).Msg("WebSocketへの書き込みに失敗しました")
			return
		}
	}
}
