package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/gift"
)

// VideoWriter は録画中の動画ファイル
// ポーリングスレッドからのみ使われる前提で、スレッドセーフではない。
type VideoWriter interface {
	// WriteFrame はフレームを1枚追加する
	WriteFrame(img image.Image) error

	// Close はファイルを確定させる
	Close() error

	// Frames は書き込んだフレーム数を返す
	Frames() int
}

// VideoOptions は録画の設定
type VideoOptions struct {
	FPS     int // 出力フレームレート
	Quality int // 1(低) - 5(高)

	// Width と Height が正なら全フレームをこの大きさに揃える
	// 0なら最初のフレームの大きさに揃える。
	Width  int
	Height int
}

var videoExts = map[string]bool{
	".mp4":   true,
	".mkv":   true,
	".avi":   true,
	".mjpeg": true,
	".mjpg":  true,
}

// IsVideoExt は録画として保存できる拡張子かどうかを返す
func IsVideoExt(ext string) bool {
	return videoExts[strings.ToLower(ext)]
}

// OpenVideo は拡張子に応じた録画ファイルを開く
// .mjpeg/.mjpg はJPEGを連結するだけの形式でffmpegを必要としない。
func OpenVideo(path string, opts VideoOptions) (VideoWriter, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !IsVideoExt(ext) {
		return nil, fmt.Errorf("サポートされていない動画形式: %q", ext)
	}
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.Quality <= 0 {
		opts.Quality = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	switch ext {
	case ".mjpeg", ".mjpg":
		return newMJPEGWriter(path, opts)
	default:
		return newFFmpegWriter(path, ext, opts)
	}
}

// frameSizer は録画中のフレームサイズを一定に保つ
type frameSizer struct {
	width, height int
	even          bool // yuv420p は偶数サイズが必要
}

func (s *frameSizer) fit(img image.Image) image.Image {
	b := img.Bounds()
	if s.width == 0 || s.height == 0 {
		s.width, s.height = b.Dx(), b.Dy()
		if s.even {
			s.width &^= 1
			s.height &^= 1
		}
	}
	if b.Dx() == s.width && b.Dy() == s.height {
		return img
	}
	g := gift.New(gift.Resize(s.width, s.height, gift.LinearResampling))
	dst := image.NewRGBA(g.Bounds(b))
	g.Draw(dst, img)
	return dst
}

// mjpegWriter はJPEGを連結して書き出す
type mjpegWriter struct {
	f       *os.File
	w       *bufio.Writer
	quality int
	sizer   frameSizer
	frames  int
}

func newMJPEGWriter(path string, opts VideoOptions) (*mjpegWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("動画ファイルの作成に失敗: %w", err)
	}
	return &mjpegWriter{
		f:       f,
		w:       bufio.NewWriter(f),
		quality: opts.Quality * 20, // 1-5 を 20-100 に変換
		sizer:   frameSizer{width: opts.Width, height: opts.Height},
	}, nil
}

func (m *mjpegWriter) WriteFrame(img image.Image) error {
	if err := jpeg.Encode(m.w, m.sizer.fit(img), &jpeg.Options{Quality: m.quality}); err != nil {
		return fmt.Errorf("フレームのエンコードに失敗: %w", err)
	}
	m.frames++
	return nil
}

func (m *mjpegWriter) Close() error {
	if err := m.w.Flush(); err != nil {
		_ = m.f.Close()
		return fmt.Errorf("動画ファイルの書き込みに失敗: %w", err)
	}
	return m.f.Close()
}

func (m *mjpegWriter) Frames() int { return m.frames }

// ffmpegWriter はJPEGをffmpegの標準入力に流して動画にエンコードする
type ffmpegWriter struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  bytes.Buffer
	quality int
	sizer   frameSizer
	frames  int
	buf     bytes.Buffer
}

func newFFmpegWriter(path, ext string, opts VideoOptions) (*ffmpegWriter, error) {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-framerate", strconv.Itoa(opts.FPS),
		"-i", "-",
	}
	if ext == ".avi" {
		args = append(args, "-c:v", "mjpeg", "-q:v", "3")
	} else {
		args = append(args,
			"-c:v", "libx264",
			"-preset", "fast",
			"-crf", qualityToCRF(opts.Quality),
			"-pix_fmt", "yuv420p",
		)
	}
	args = append(args, "-y", path) // 上書き許可

	w := &ffmpegWriter{
		quality: 95,
		sizer:   frameSizer{width: opts.Width &^ 1, height: opts.Height &^ 1, even: true},
	}
	w.cmd = exec.Command("ffmpeg", args...)
	w.cmd.Stderr = &w.stderr
	stdin, err := w.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdinパイプの作成に失敗: %w", err)
	}
	w.stdin = stdin
	if err := w.cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}
	return w, nil
}

func (f *ffmpegWriter) WriteFrame(img image.Image) error {
	f.buf.Reset()
	if err := jpeg.Encode(&f.buf, f.sizer.fit(img), &jpeg.Options{Quality: f.quality}); err != nil {
		return fmt.Errorf("フレームのエンコードに失敗: %w", err)
	}
	if _, err := f.stdin.Write(f.buf.Bytes()); err != nil {
		return fmt.Errorf("ffmpegへの書き込みに失敗: %w (stderr: %s)", err, f.stderr.String())
	}
	f.frames++
	return nil
}

func (f *ffmpegWriter) Close() error {
	_ = f.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- f.cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("動画のエンコードに失敗: %w (stderr: %s)", err, f.stderr.String())
		}
		return nil
	case <-time.After(30 * time.Second):
		_ = f.cmd.Process.Kill()
		return fmt.Errorf("ffmpegの終了待ちがタイムアウトしました")
	}
}

func (f *ffmpegWriter) Frames() int { return f.frames }

// qualityToCRF は品質設定をFFmpegのCRF値に変換する
func qualityToCRF(quality int) string {
	// 品質1(低) -> CRF28, 品質5(高) -> CRF18
	crf := 28.0 - float64(quality-1)*2.5
	if crf < 18 {
		crf = 18
	}
	if crf > 28 {
		crf = 28
	}
	return strconv.FormatFloat(crf, 'f', 1, 64)
}

// ValidateFFmpeg はFFmpegが利用可能かチェックする
func ValidateFFmpeg(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("FFmpegが見つかりません。インストールしてください: %w", err)
	}

	return nil
}
