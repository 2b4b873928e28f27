// Package capture はスナップショットと録画のファイル出力を担う
package capture

import (
	"bufio"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/astrogo/fitsio"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

type encodeFunc func(w io.Writer, img image.Image, md *Metadata) error

var snapshotEncoders = map[string]encodeFunc{
	".png":  encodePNG,
	".jpg":  encodeJPEG,
	".jpeg": encodeJPEG,
	".bmp":  encodeBMP,
	".tif":  encodeTIFF,
	".tiff": encodeTIFF,
	".fits": encodeFITS,
}

// IsSnapshotExt は静止画として保存できる拡張子かどうかを返す
func IsSnapshotExt(ext string) bool {
	_, ok := snapshotEncoders[strings.ToLower(ext)]
	return ok
}

// WriteSnapshot は拡張子に応じた形式で画像を保存する
// 書き込み途中のファイルが残らないよう、一時ファイルに書いてから置き換える。
func WriteSnapshot(path string, img image.Image, md *Metadata) error {
	ext := strings.ToLower(filepath.Ext(path))
	enc, ok := snapshotEncoders[ext]
	if !ok {
		return fmt.Errorf("サポートされていない静止画形式: %q", ext)
	}
	if img == nil {
		return fmt.Errorf("保存する画像がありません: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("ファイルの作成に失敗: %w", err)
	}
	bw := bufio.NewWriter(f)
	if err := enc(bw, img, md); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%s のエンコードに失敗: %w", ext, err)
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("ファイルの書き込みに失敗: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ファイルのクローズに失敗: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("ファイルの置き換えに失敗: %w", err)
	}
	return nil
}

func encodePNG(w io.Writer, img image.Image, _ *Metadata) error {
	return png.Encode(w, img)
}

func encodeJPEG(w io.Writer, img image.Image, _ *Metadata) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
}

func encodeBMP(w io.Writer, img image.Image, _ *Metadata) error {
	return bmp.Encode(w, img)
}

func encodeTIFF(w io.Writer, img image.Image, _ *Metadata) error {
	return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
}

// encodeFITS は輝度を16bit符号付き整数（BZERO=32768）で書き出す
// メタデータはヘッダカードになる。
func encodeFITS(w io.Writer, img image.Image, md *Metadata) error {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	gray := image.NewGray16(image.Rect(0, 0, width, height))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)

	cards := make([]fitsio.Card, 0, len(md.Entries())+2)
	for _, e := range md.Entries() {
		cards = append(cards, fitsio.Card{Name: fitsKey(e.Key), Value: e.Value})
	}
	cards = append(cards,
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1.0},
	)

	f, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer f.Close()

	im := fitsio.NewImage(16, []int{width, height})
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}

	ints := make([]int16, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			ints[y*width+x] = int16(int32(gray.Gray16At(x, y).Y) - 32768)
		}
	}
	if err := im.Write(ints); err != nil {
		return err
	}
	return f.Write(im)
}

// fitsKey はFITSのキーワード規則（大文字8文字以内）に合わせる
func fitsKey(key string) string {
	key = strings.ToUpper(strings.NewReplacer(" ", "", "_", "-").Replace(key))
	if len(key) > 8 {
		key = key[:8]
	}
	return key
}
