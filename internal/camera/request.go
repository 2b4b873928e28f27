package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestStatus はキャプチャリクエストの状態
type RequestStatus int

const (
	StatusUnknown   RequestStatus = iota
	StatusRequested               // 受け付け済み。ポーリングスレッドの処理待ち
	StatusFilled                  // 静止画の書き込み完了
	StatusRecording               // 録画中
	StatusClosed                  // 録画終了
	StatusError                   // 失敗またはキャンセル
)

func (s RequestStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusRequested:
		return "requested"
	case StatusFilled:
		return "filled"
	case StatusRecording:
		return "recording"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("RequestStatus(%d)", int(s))
	}
}

// IsTerminal は終端状態かどうかを返す
func (s RequestStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusClosed || s == StatusError
}

// Request は静止画・録画リクエストに共通の読み取り用インターフェース
type Request interface {
	ID() string
	Kind() string
	Path() string
	CameraIndex() int
	Status() RequestStatus
	Err() error
	CreatedAt() time.Time
	Cancel() bool
	Done() <-chan struct{}
}

// request は状態遷移を管理する
// ロックは葉のロックで、保持中に他のロックを取らない。
type request struct {
	id      string
	path    string
	camera  int
	created time.Time

	mu      sync.Mutex
	status  RequestStatus
	claimed bool
	err     error
	done    chan struct{}
}

func newRequest(path string, camIndex int) request {
	return request{
		id:      uuid.NewString(),
		path:    path,
		camera:  camIndex,
		created: time.Now(),
		status:  StatusRequested,
		done:    make(chan struct{}),
	}
}

func (r *request) ID() string           { return r.id }
func (r *request) Path() string         { return r.path }
func (r *request) CameraIndex() int     { return r.camera }
func (r *request) CreatedAt() time.Time { return r.created }

// Status は現在の状態を返す
func (r *request) Status() RequestStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err は失敗の理由を返す。失敗していなければ nil。
func (r *request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// IsTerminal は終端状態に達したかどうかを返す
func (r *request) IsTerminal() bool {
	return r.Status().IsTerminal()
}

// Done は終端状態に達すると閉じられるチャネルを返す
func (r *request) Done() <-chan struct{} { return r.done }

// Wait は終端状態に達するかctxが終わるまで待つ
func (r *request) Wait(ctx context.Context) (RequestStatus, error) {
	select {
	case <-r.done:
		return r.Status(), nil
	case <-ctx.Done():
		return r.Status(), ctx.Err()
	}
}

// Cancel はポーリングスレッドが処理を始める前なら Error に遷移させる
func (r *request) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRequested || r.claimed {
		return false
	}
	r.finishLocked(StatusError, ErrCanceled)
	return true
}

// claim はポーリングスレッドが処理を始める印をつける
// 以降の Cancel は失敗する。
func (r *request) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRequested || r.claimed {
		return false
	}
	r.claimed = true
	return true
}

// fail は終端状態でなければ Error に遷移させる
func (r *request) fail(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return false
	}
	r.finishLocked(StatusError, err)
	return true
}

func (r *request) finishLocked(status RequestStatus, err error) {
	r.status = status
	r.err = err
	close(r.done)
}

// SnapRequest は静止画の保存リクエスト
// Unknown → Requested → Filled | Error と遷移する。
type SnapRequest struct {
	request
	constraint Constraint
}

func newSnapRequest(path string, camIndex int, c Constraint) *SnapRequest {
	return &SnapRequest{request: newRequest(path, camIndex), constraint: c}
}

// newFailedSnapRequest は受け付けた時点で失敗しているリクエストを作る
func newFailedSnapRequest(path string, camIndex int, c Constraint, err error) *SnapRequest {
	r := newSnapRequest(path, camIndex, c)
	r.fail(err)
	return r
}

func (r *SnapRequest) Kind() string { return "snapshot" }

// Constraint は使う画像の条件を返す
func (r *SnapRequest) Constraint() Constraint { return r.constraint }

// fill は書き込み完了を記録する
func (r *SnapRequest) fill() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRequested {
		return false
	}
	r.finishLocked(StatusFilled, nil)
	return true
}

// VideoRequest は録画リクエスト
// Unknown → Requested → Recording → Closed | Error と遷移する。
// 最初のフレームより前に停止・置き換えられた場合は Requested から直接 Closed になる。
type VideoRequest struct {
	request
	frames int
}

func newVideoRequest(path string, camIndex int) *VideoRequest {
	return &VideoRequest{request: newRequest(path, camIndex)}
}

func newFailedVideoRequest(path string, camIndex int, err error) *VideoRequest {
	r := newVideoRequest(path, camIndex)
	r.fail(err)
	return r
}

func (r *VideoRequest) Kind() string { return "video" }

// Frames は書き込んだフレーム数を返す
func (r *VideoRequest) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// IsRecording は録画中かどうかを返す
func (r *VideoRequest) IsRecording() bool {
	return r.Status() == StatusRecording
}

func (r *VideoRequest) markRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusRequested {
		return false
	}
	r.status = StatusRecording
	return true
}

func (r *VideoRequest) addFrame() {
	r.mu.Lock()
	r.frames++
	r.mu.Unlock()
}

// close は録画を終了状態にする
func (r *VideoRequest) close() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return false
	}
	r.finishLocked(StatusClosed, nil)
	return true
}
