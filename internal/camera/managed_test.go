package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"keikou/internal/capture"
)

const testTimeout = 3 * time.Second

func testOptions() CameraOptions {
	return CameraOptions{
		PollInterval:   5 * time.Millisecond,
		BackoffInitial: 5 * time.Millisecond,
		BackoffMax:     20 * time.Millisecond,
		VideoFPS:       30,
		VideoQuality:   3,
	}
}

// newTestCamera は起動前のManagedCameraを作る
func newTestCamera(t *testing.T, backend Backend) *ManagedCamera {
	t.Helper()
	src := NewCameraSource(backend, CameraConfig{Name: "test", Kind: backend.Kind()}, zerolog.Nop())
	cam := NewManagedCamera(0, src, testOptions(), zerolog.Nop())
	t.Cleanup(cam.Shutdown)
	return cam
}

func startCamera(t *testing.T, cam *ManagedCamera) {
	t.Helper()
	if err := cam.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitPolling(t *testing.T, cam *ManagedCamera) {
	t.Helper()
	waitFor(t, "polling state", func() bool { return cam.GetState() == StatePolling })
}

func waitStatus(t *testing.T, r Request, want RequestStatus) {
	t.Helper()
	waitFor(t, fmt.Sprintf("request %s to be %s", r.ID(), want), func() bool { return r.Status() == want })
}

func waitDone(t *testing.T, r Request) RequestStatus {
	t.Helper()
	select {
	case <-r.Done():
		return r.Status()
	case <-time.After(testTimeout):
		t.Fatalf("request %s did not finish (status %s)", r.ID(), r.Status())
		return StatusUnknown
	}
}

func decodePNG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return img
}

func TestManagedCamera_ChangeCounterMonotonic(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(8, 8))
	if cam.GetCurrentFrame() != nil || cam.GetChangeCounter() != 0 {
		t.Fatal("Expected no frame before start")
	}
	startCamera(t, cam)

	var last uint64
	waitFor(t, "10 frames", func() bool {
		c := cam.GetChangeCounter()
		if c < last {
			t.Fatalf("counter went backwards: %d -> %d", last, c)
		}
		last = c
		return c >= 10
	})

	f := cam.GetCurrentFrame()
	if f == nil {
		t.Fatal("Expected a published frame")
	}
	if f.Seq == 0 || f.Seq > cam.GetChangeCounter() {
		t.Errorf("frame seq %d inconsistent with counter %d", f.Seq, cam.GetChangeCounter())
	}
	if f.IsProcessed() {
		t.Error("frame processed while mode is none")
	}
	if cam.GetMsFrameTime() <= 0 {
		t.Error("Expected frame time to be measured")
	}
}

func TestManagedCamera_SnapshotIndifferent(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(8, 8))
	startCamera(t, cam)
	waitPolling(t, cam)

	path := filepath.Join(t.TempDir(), "out.png")
	r := cam.RequestSnapshot(path, Indifferent)
	if got := waitDone(t, r); got != StatusFilled {
		t.Fatalf("status = %s, err = %v", got, r.Err())
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("snapshot file missing: %v", err)
	}
	if cam.PendingSnapshots() != 0 {
		t.Errorf("pending = %d, want 0", cam.PendingSnapshots())
	}
}

func TestManagedCamera_MustBeProcessedWaitsForMode(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(8, 8))
	startCamera(t, cam)
	waitPolling(t, cam)

	if err := cam.SetProcessingType(ModeNone); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "a.png")
	r := cam.RequestSnapshot(path, MustBeProcessed)

	// 何フレーム経っても処理なしの間は保留
	start := cam.GetChangeCounter()
	waitFor(t, "several frames", func() bool { return cam.GetChangeCounter() >= start+5 })
	if r.Status() != StatusRequested {
		t.Fatalf("status = %s, want requested while mode is none", r.Status())
	}

	if err := cam.SetProcessingType(ModeYen); err != nil {
		t.Fatal(err)
	}
	if got := waitDone(t, r); got != StatusFilled {
		t.Fatalf("status = %s, err = %v", got, r.Err())
	}
	if f := cam.GetCurrentFrame(); f == nil || f.Mode != ModeYen {
		t.Error("Expected published frame to be processed with yen")
	}
}

func TestManagedCamera_ConstraintSelectsImage(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(16, 16))
	startCamera(t, cam)
	waitPolling(t, cam)

	// 固定閾値0.5 = 輝度128。右下の白画素は蛍光として塗られる
	if err := cam.SetParam(ParamStaticThreshold, 0.5); err != nil {
		t.Fatal(err)
	}
	if err := cam.SetProcessingType(ModeStaticThreshold); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "processed frame", func() bool {
		f := cam.GetCurrentFrame()
		return f != nil && f.IsProcessed()
	})

	dir := t.TempDir()
	raw := cam.RequestSnapshot(filepath.Join(dir, "raw.png"), MustBeRaw)
	shown := cam.RequestSnapshot(filepath.Join(dir, "shown.png"), Indifferent)
	for _, r := range []*SnapRequest{raw, shown} {
		if got := waitDone(t, r); got != StatusFilled {
			t.Fatalf("%s: status = %s, err = %v", r.Path(), got, r.Err())
		}
	}

	rr, _, _, _ := decodePNG(t, raw.Path()).At(15, 15).RGBA()
	if rr>>8 != 255 {
		t.Errorf("raw snapshot R = %d, want 255", rr>>8)
	}
	pr, pg, _, _ := decodePNG(t, shown.Path()).At(15, 15).RGBA()
	if pr>>8 == 255 || pg>>8 != 255 {
		t.Errorf("processed snapshot RG = %d,%d, want highlight blend", pr>>8, pg>>8)
	}
}

func TestManagedCamera_CancelPending(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(8, 8))
	startCamera(t, cam)
	waitPolling(t, cam)

	r := cam.RequestSnapshot(filepath.Join(t.TempDir(), "c.png"), MustBeProcessed)
	if !r.Cancel() {
		t.Fatal("Cancel failed on pending request")
	}
	if err := cam.SetProcessingType(ModeTwoStdevFromMean); err != nil {
		t.Fatal(err)
	}
	start := cam.GetChangeCounter()
	waitFor(t, "frames after cancel", func() bool { return cam.GetChangeCounter() >= start+3 })

	if r.Status() != StatusError || !errors.Is(r.Err(), ErrCanceled) {
		t.Errorf("status = %s, err = %v", r.Status(), r.Err())
	}
	if _, err := os.Stat(r.Path()); !os.IsNotExist(err) {
		t.Error("canceled snapshot was written")
	}
	if cam.PendingSnapshots() != 0 {
		t.Errorf("pending = %d, want 0", cam.PendingSnapshots())
	}
}

func TestManagedCamera_CancelRace(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(4, 4))
	startCamera(t, cam)
	waitPolling(t, cam)

	dir := t.TempDir()
	for i := 0; i < 30; i++ {
		r := cam.RequestSnapshot(filepath.Join(dir, fmt.Sprintf("race%d.png", i)), Indifferent)
		canceled := make(chan bool, 1)
		go func() { canceled <- r.Cancel() }()

		status := waitDone(t, r)
		ok := <-canceled
		switch {
		case ok && status != StatusError:
			t.Fatalf("#%d: Cancel succeeded but status is %s", i, status)
		case !ok && status != StatusFilled:
			t.Fatalf("#%d: Cancel failed but status is %s (%v)", i, status, r.Err())
		}
	}
}

func TestManagedCamera_SnapshotWriteError(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(4, 4))
	cam.writeSnapshot = func(string, image.Image, *capture.Metadata) error {
		return errors.New("disk full")
	}
	startCamera(t, cam)
	waitPolling(t, cam)

	r := cam.RequestSnapshot("ignored.png", Indifferent)
	if got := waitDone(t, r); got != StatusError || r.Err() == nil {
		t.Errorf("status = %s, err = %v", got, r.Err())
	}
	// 書き込みに失敗してもカメラは動き続ける
	start := cam.GetChangeCounter()
	waitFor(t, "frames after write error", func() bool { return cam.GetChangeCounter() > start })
}

func TestManagedCamera_RequestWhileNotPolling(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(4, 4))

	// 起動前
	r := cam.RequestSnapshot("x.png", Indifferent)
	if r.Status() != StatusError || !errors.Is(r.Err(), ErrNotPolling) {
		t.Errorf("before start: status = %s, err = %v", r.Status(), r.Err())
	}

	startCamera(t, cam)
	waitPolling(t, cam)
	cam.SetPolling(false)
	waitFor(t, "idling", func() bool { return cam.GetState() == StateIdling })

	r = cam.RequestSnapshot("x.png", Indifferent)
	if r.Status() != StatusError || !errors.Is(r.Err(), ErrNotPolling) {
		t.Errorf("idle: status = %s, err = %v", r.Status(), r.Err())
	}
	v := cam.RecordVideo("x.mjpeg")
	if v.Status() != StatusError {
		t.Errorf("idle recording status = %s, want error", v.Status())
	}

	cam.SetPolling(true)
	waitPolling(t, cam)
}

func TestManagedCamera_SetPollingFalseFailsPending(t *testing.T) {
	mock := NewMockBackend(4, 4)
	cam := newTestCamera(t, mock)
	startCamera(t, cam)
	waitPolling(t, cam)

	r := cam.RequestSnapshot("pending.png", MustBeProcessed)
	cam.SetPolling(false)
	if got := waitDone(t, r); got != StatusError || !errors.Is(r.Err(), ErrDisconnected) {
		t.Errorf("status = %s, err = %v", got, r.Err())
	}
	waitFor(t, "backend deactivated", func() bool { return !mock.IsActive() })
}

func TestManagedCamera_DisconnectAndReconnect(t *testing.T) {
	mock := NewMockBackend(4, 4)
	cam := newTestCamera(t, mock)
	startCamera(t, cam)
	waitPolling(t, cam)

	pending := cam.RequestSnapshot("pending.png", MustBeProcessed)
	mock.Disconnect()

	if got := waitDone(t, pending); got != StatusError || !errors.Is(pending.Err(), ErrDisconnected) {
		t.Errorf("pending after disconnect: status = %s, err = %v", got, pending.Err())
	}
	waitFor(t, "reconnect", func() bool { return mock.Activations() >= 2 && cam.GetState() == StatePolling })
}

func TestManagedCamera_BackoffRetry(t *testing.T) {
	mock := NewMockBackend(4, 4)
	mock.FailActivations(3)
	cam := newTestCamera(t, mock)
	startCamera(t, cam)

	waitPolling(t, cam)
	if mock.Activations() != 1 {
		t.Errorf("activations = %d, want 1", mock.Activations())
	}
}

func TestManagedCamera_PersistentFailure(t *testing.T) {
	mock := NewMockBackend(4, 4)
	mock.SetAlwaysFail(true)
	cam := newTestCamera(t, mock)
	startCamera(t, cam)

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		if s := cam.GetState(); s == StatePolling {
			t.Fatal("camera reached polling with failing backend")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cam.GetCurrentFrame() != nil {
		t.Error("frame published without connection")
	}

	// 復旧すれば接続する
	mock.SetAlwaysFail(false)
	waitPolling(t, cam)
}

func TestManagedCamera_ExposureReconfigure(t *testing.T) {
	mock := NewMockBackend(4, 4)
	cam := newTestCamera(t, mock)
	startCamera(t, cam)
	waitPolling(t, cam)

	pending := cam.RequestSnapshot(filepath.Join(t.TempDir(), "keep.png"), MustBeProcessed)
	if err := cam.SetParam(ParamExposureMicroseconds, 5000); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reactivation", func() bool { return mock.Activations() >= 2 && cam.GetState() == StatePolling })

	if mock.Exposure() != 5000 {
		t.Errorf("backend exposure = %v, want 5000", mock.Exposure())
	}
	if v, _ := cam.GetParam(ParamExposureMicroseconds); v != 5000 {
		t.Errorf("GetParam = %v, want 5000", v)
	}
	// 露出変更の再接続では保留中のリクエストを残す
	if pending.Status() != StatusRequested {
		t.Errorf("pending status = %s, want requested", pending.Status())
	}
	if err := cam.SetProcessingType(ModeStaticThreshold); err != nil {
		t.Fatal(err)
	}
	if got := waitDone(t, pending); got != StatusFilled {
		t.Errorf("status = %s, err = %v", got, pending.Err())
	}
}

func TestManagedCamera_Params(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(4, 4))

	tests := []struct {
		name    string
		id      ParamID
		value   float64
		wantErr error
	}{
		{"alpha", ParamAlpha, 0.8, nil},
		{"alpha範囲外", ParamAlpha, 1.5, ErrInvalidParamValue},
		{"固定閾値", ParamStaticThreshold, 0.25, nil},
		{"固定閾値負", ParamStaticThreshold, -0.1, ErrInvalidParamValue},
		{"幅", ParamCompositeVideoWidth, 640, nil},
		{"幅小数", ParamCompositeVideoWidth, 640.5, ErrInvalidParamValue},
		{"高さ", ParamCompositeVideoHeight, 480, nil},
		{"露出負", ParamExposureMicroseconds, -1, ErrInvalidParamValue},
		{"不明", ParamID(99), 1, ErrUnknownParam},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := cam.SetParam(tt.id, tt.value)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("SetParam = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetParam failed: %v", err)
			}
			if got, _ := cam.GetParam(tt.id); got != tt.value {
				t.Errorf("GetParam = %v, want %v", got, tt.value)
			}
		})
	}

	if _, err := cam.GetParam(ParamID(42)); !errors.Is(err, ErrUnknownParam) {
		t.Errorf("GetParam unknown = %v", err)
	}
	if err := cam.SetProcessingType(ProcessingMode(42)); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("SetProcessingType invalid = %v", err)
	}
}

// videoLog は録画の開閉順を記録する
type videoLog struct {
	mu     sync.Mutex
	events []string
}

func (l *videoLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *videoLog) index(e string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, got := range l.events {
		if got == e {
			return i
		}
	}
	return -1
}

type fakeVideo struct {
	path    string
	log     *videoLog
	failErr error
	frames  int
}

func (f *fakeVideo) WriteFrame(image.Image) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.frames++
	return nil
}

func (f *fakeVideo) Close() error {
	f.log.add("close " + f.path)
	return nil
}

func (f *fakeVideo) Frames() int { return f.frames }

func useFakeVideo(cam *ManagedCamera, log *videoLog, failErr error) {
	cam.openVideo = func(path string, _ capture.VideoOptions) (capture.VideoWriter, error) {
		log.add("open " + path)
		return &fakeVideo{path: path, log: log, failErr: failErr}, nil
	}
}

func TestManagedCamera_Recording(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(4, 4))
	log := &videoLog{}
	useFakeVideo(cam, log, nil)
	startCamera(t, cam)
	waitPolling(t, cam)

	r := cam.RecordVideo("a.mjpeg")
	waitStatus(t, r, StatusRecording)
	waitFor(t, "recorded frames", func() bool { return r.Frames() >= 3 })
	if !cam.IsRecording() || cam.ActiveRecording() != r {
		t.Error("Expected camera to report recording")
	}

	if !cam.StopRecording() {
		t.Fatal("StopRecording returned false")
	}
	if got := waitDone(t, r); got != StatusClosed {
		t.Errorf("status = %s, want closed", got)
	}
	if log.index("close a.mjpeg") < 0 {
		t.Error("writer was not closed")
	}
	if cam.StopRecording() {
		t.Error("second StopRecording returned true")
	}
	if cam.IsRecording() {
		t.Error("still recording after stop")
	}
}

func TestManagedCamera_RecordingSupersede(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(4, 4))
	log := &videoLog{}
	useFakeVideo(cam, log, nil)
	startCamera(t, cam)
	waitPolling(t, cam)

	// 直後の置き換え: 最初の録画はフレームを受けずに Closed
	vid := cam.RecordVideo("vid.mjpeg")
	vid2 := cam.RecordVideo("vid2.mjpeg")
	waitStatus(t, vid2, StatusRecording)
	if vid.Status() != StatusClosed {
		t.Errorf("vid status = %s, want closed", vid.Status())
	}

	// 録画中の置き換え: 前の録画を閉じてから次を開く
	vid3 := cam.RecordVideo("vid3.mjpeg")
	waitStatus(t, vid3, StatusRecording)
	if vid2.Status() != StatusClosed {
		t.Errorf("vid2 status = %s, want closed", vid2.Status())
	}
	closed, opened := log.index("close vid2.mjpeg"), log.index("open vid3.mjpeg")
	if closed < 0 || opened < 0 || closed > opened {
		t.Errorf("close vid2 at %d, open vid3 at %d; want close first", closed, opened)
	}

	recording := 0
	for _, r := range []*VideoRequest{vid, vid2, vid3} {
		if r.Status() == StatusRecording {
			recording++
		}
	}
	if recording != 1 {
		t.Errorf("%d recordings active, want 1", recording)
	}
}

func TestManagedCamera_RecordingWriteError(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(4, 4))
	useFakeVideo(cam, &videoLog{}, errors.New("encoder broke"))
	startCamera(t, cam)
	waitPolling(t, cam)

	r := cam.RecordVideo("bad.mjpeg")
	if got := waitDone(t, r); got != StatusError {
		t.Errorf("status = %s, want error", got)
	}
	waitFor(t, "recording cleared", func() bool { return !cam.IsRecording() })
}

func TestManagedCamera_RecordingClosedOnDisconnect(t *testing.T) {
	mock := NewMockBackend(4, 4)
	cam := newTestCamera(t, mock)
	useFakeVideo(cam, &videoLog{}, nil)
	startCamera(t, cam)
	waitPolling(t, cam)

	r := cam.RecordVideo("d.mjpeg")
	waitStatus(t, r, StatusRecording)
	mock.Disconnect()
	if got := waitDone(t, r); got != StatusClosed {
		t.Errorf("status = %s, want closed", got)
	}
}

func TestManagedCamera_Shutdown(t *testing.T) {
	mock := NewMockBackend(4, 4)
	cam := newTestCamera(t, mock)
	useFakeVideo(cam, &videoLog{}, nil)
	startCamera(t, cam)
	waitPolling(t, cam)

	snap := cam.RequestSnapshot("never.png", MustBeProcessed)
	rec := cam.RecordVideo("s.mjpeg")
	waitStatus(t, rec, StatusRecording)

	cam.Shutdown()
	if cam.GetState() != StateShutdown {
		t.Errorf("state = %s, want shutdown", cam.GetState())
	}
	if snap.Status() != StatusError || !errors.Is(snap.Err(), ErrCameraShutdown) {
		t.Errorf("snap: status = %s, err = %v", snap.Status(), snap.Err())
	}
	if rec.Status() != StatusClosed {
		t.Errorf("rec status = %s, want closed", rec.Status())
	}
	if mock.IsActive() {
		t.Error("backend still active after shutdown")
	}

	// 2回目は何もしない。再起動もできない
	cam.Shutdown()
	if err := cam.Start(context.Background()); err == nil {
		t.Error("Start after Shutdown succeeded")
	}
	if r := cam.RequestSnapshot("late.png", Indifferent); r.Status() != StatusError {
		t.Errorf("request after shutdown status = %s", r.Status())
	}
}

// TestManagedCamera_ShuttingDownIsSticky は停止処理中の状態がポーリング側の遷移で戻らないことを確認する
func TestManagedCamera_ShuttingDownIsSticky(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(4, 4))
	cam.mu.Lock()
	cam.state = StateShuttingDown
	cam.mu.Unlock()

	for _, s := range []PollState{StateConnecting, StatePolling, StateIdling} {
		cam.setState(s)
		if got := cam.GetState(); got != StateShuttingDown {
			t.Errorf("setState(%s): state = %s, want shutting_down", s, got)
		}
	}
	// 切断による Idling への遷移も無視される
	cam.disconnect(stopClosed)
	if got := cam.GetState(); got != StateShuttingDown {
		t.Errorf("after disconnect: state = %s, want shutting_down", got)
	}

	cam.setState(StateShutdown)
	cam.setState(StatePolling)
	if got := cam.GetState(); got != StateShutdown {
		t.Errorf("state = %s, want shutdown", got)
	}
}

// TestManagedCamera_ShutdownAfterContextCancel は親コンテキストで終了したカメラを停止しても状態が戻らないことを確認する
func TestManagedCamera_ShutdownAfterContextCancel(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(4, 4))
	ctx, cancel := context.WithCancel(context.Background())
	if err := cam.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitPolling(t, cam)

	cancel()
	<-cam.Done()
	cam.Shutdown()
	if got := cam.GetState(); got != StateShutdown {
		t.Errorf("state = %s, want shutdown", got)
	}
}

func TestManagedCamera_ShutdownBeforeStart(t *testing.T) {
	cam := newTestCamera(t, NewMockBackend(4, 4))
	cam.Shutdown()
	if cam.GetState() != StateShutdown {
		t.Errorf("state = %s, want shutdown", cam.GetState())
	}
	select {
	case <-cam.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestManagedCamera_ExternalInjection(t *testing.T) {
	ext := NewExternalBackend(CameraConfig{Name: "composite"})
	cam := newTestCamera(t, ext)
	startCamera(t, cam)
	waitPolling(t, cam)

	// 注入がなければフレームは公開されない
	time.Sleep(20 * time.Millisecond)
	if cam.GetChangeCounter() != 0 {
		t.Fatalf("counter = %d before injection", cam.GetChangeCounter())
	}

	if err := cam.InjectFrame(image.NewRGBA(image.Rect(0, 0, 6, 4))); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "injected frame", func() bool { return cam.GetChangeCounter() == 1 })
	time.Sleep(20 * time.Millisecond)
	if cam.GetChangeCounter() != 1 {
		t.Errorf("counter = %d, want 1 for a single injection", cam.GetChangeCounter())
	}
	if info := cam.Info(); info.Width != 6 || info.Height != 4 || info.Kind != KindExternal {
		t.Errorf("unexpected info: %+v", info)
	}

	other := newTestCamera(t, NewMockBackend(2, 2))
	if err := other.InjectFrame(image.NewRGBA(image.Rect(0, 0, 1, 1))); !errors.Is(err, ErrNotExternal) {
		t.Errorf("InjectFrame on mock = %v, want ErrNotExternal", err)
	}
}

func TestProcessFrame(t *testing.T) {
	img := NewMockBackend(16, 16).frame

	if p, _ := processFrame(img, ModeNone, 0.5, 0.5); p != nil {
		t.Error("ModeNone produced a processed image")
	}
	for _, mode := range []ProcessingMode{ModeStaticThreshold, ModeTwoStdevFromMean, ModeYen, ModeYenCompressed} {
		p, _ := processFrame(img, mode, 0.5, 0.5)
		if p == nil || p.Bounds().Dx() != 16 {
			t.Errorf("%s: unexpected processed image", mode)
		}
	}
	if _, level := processFrame(img, ModeStaticThreshold, 0.5, 0.5); level != 128 {
		t.Errorf("static level = %d, want 128", level)
	}
}
