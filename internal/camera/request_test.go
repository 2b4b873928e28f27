package camera

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSnapRequest_Transitions(t *testing.T) {
	r := newSnapRequest("/tmp/a.png", 0, Indifferent)
	if r.Status() != StatusRequested {
		t.Fatalf("new request status = %s, want requested", r.Status())
	}
	if r.ID() == "" {
		t.Error("Expected request ID to be set")
	}

	if !r.claim() {
		t.Fatal("claim failed")
	}
	// 処理開始後はキャンセルできない
	if r.Cancel() {
		t.Error("Cancel succeeded after claim")
	}
	if !r.fill() {
		t.Fatal("fill failed")
	}

	// 終端状態からは遷移しない
	if r.fail(errors.New("late")) {
		t.Error("fail succeeded on filled request")
	}
	if r.Status() != StatusFilled || r.Err() != nil {
		t.Errorf("status = %s, err = %v", r.Status(), r.Err())
	}
	select {
	case <-r.Done():
	default:
		t.Error("Done channel not closed")
	}
}

func TestSnapRequest_Cancel(t *testing.T) {
	r := newSnapRequest("/tmp/a.png", 1, MustBeProcessed)
	if !r.Cancel() {
		t.Fatal("Cancel failed on requested snapshot")
	}
	if r.Status() != StatusError || !errors.Is(r.Err(), ErrCanceled) {
		t.Errorf("status = %s, err = %v", r.Status(), r.Err())
	}
	if r.Cancel() {
		t.Error("second Cancel succeeded")
	}
	if r.claim() {
		t.Error("claim succeeded on canceled request")
	}
	if r.fill() {
		t.Error("fill succeeded on canceled request")
	}
}

func TestVideoRequest_Transitions(t *testing.T) {
	r := newVideoRequest("/tmp/v.mjpeg", 0)
	if !r.claim() || !r.markRecording() {
		t.Fatal("could not start recording")
	}
	if !r.IsRecording() {
		t.Error("Expected recording")
	}
	r.addFrame()
	r.addFrame()
	if !r.close() {
		t.Fatal("close failed")
	}
	if r.Status() != StatusClosed || r.Frames() != 2 {
		t.Errorf("status = %s, frames = %d", r.Status(), r.Frames())
	}
	if r.close() || r.fail(errors.New("late")) || r.markRecording() {
		t.Error("closed request changed state")
	}
}

func TestVideoRequest_ClosedBeforeFirstFrame(t *testing.T) {
	r := newVideoRequest("/tmp/v.mjpeg", 0)
	if !r.close() {
		t.Fatal("close failed")
	}
	if r.Status() != StatusClosed {
		t.Errorf("status = %s, want closed", r.Status())
	}
	if r.Cancel() {
		t.Error("Cancel succeeded on closed request")
	}
}

func TestFailedRequests(t *testing.T) {
	s := newFailedSnapRequest("x", 3, MustBeRaw, ErrNotPolling)
	if s.Status() != StatusError || !errors.Is(s.Err(), ErrNotPolling) {
		t.Errorf("snap: status = %s, err = %v", s.Status(), s.Err())
	}
	v := newFailedVideoRequest("x", 3, ErrCameraIndex)
	if v.Status() != StatusError || !errors.Is(v.Err(), ErrCameraIndex) {
		t.Errorf("video: status = %s, err = %v", v.Status(), v.Err())
	}
	if s.CameraIndex() != 3 || s.Kind() != "snapshot" || v.Kind() != "video" {
		t.Error("unexpected request identity")
	}
}

func TestRequest_Wait(t *testing.T) {
	r := newSnapRequest("x", 0, Indifferent)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	status, err := r.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) || status != StatusRequested {
		t.Errorf("Wait = %s, %v", status, err)
	}

	go func() {
		r.claim()
		r.fill()
	}()
	status, err = r.Wait(context.Background())
	if err != nil || status != StatusFilled {
		t.Errorf("Wait = %s, %v", status, err)
	}
}

func TestRequestStatus_String(t *testing.T) {
	tests := map[RequestStatus]string{
		StatusUnknown:   "unknown",
		StatusRequested: "requested",
		StatusFilled:    "filled",
		StatusRecording: "recording",
		StatusClosed:    "closed",
		StatusError:     "error",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
