// Package imaging は蛍光画像の閾値処理を提供する
//
// 閾値はいずれも輝度（0-255）で表し、輝度が閾値を超える画素を蛍光領域とみなす。
package imaging

import (
	"image"
	"math"

	"github.com/disintegration/gift"
)

// Histogram は輝度256階調のヒストグラム
type Histogram [256]int

var grayscale = gift.New(gift.Grayscale())

// Luminance は画像を輝度画像に変換する
func Luminance(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	dst := image.NewGray(grayscale.Bounds(img.Bounds()))
	grayscale.Draw(dst, img)
	return dst
}

// NewHistogram は輝度画像のヒストグラムを作成する
func NewHistogram(g *image.Gray) Histogram {
	var h Histogram
	b := g.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := g.Pix[(y-b.Min.Y)*g.Stride : (y-b.Min.Y)*g.Stride+b.Dx()]
		for _, v := range row {
			h[v]++
		}
	}
	return h
}

// Total は画素数を返す
func (h *Histogram) Total() int {
	n := 0
	for _, c := range h {
		n += c
	}
	return n
}

// StaticLevel は0-1に正規化された閾値を輝度に変換する
func StaticLevel(v float64) uint8 {
	return clampLevel(math.Round(v * 255))
}

// MeanStdevLevel は平均+k標準偏差を閾値とする
func MeanStdevLevel(h Histogram, k float64) uint8 {
	n := h.Total()
	if n == 0 {
		return 255
	}
	var sum, sq float64
	for i, c := range h {
		v := float64(i) * float64(c)
		sum += v
		sq += v * float64(i)
	}
	mean := sum / float64(n)
	variance := sq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0 // 丸め誤差
	}
	return clampLevel(mean + k*math.Sqrt(variance))
}

// YenLevel はYenの最大相関基準で閾値を求める
// Yen, Chang, Chang (1995) の実装に従い、同点の場合は最小の輝度を返す。
// 輝度が1種類しかなければその輝度を返す。
func YenLevel(h Histogram) uint8 {
	n := h.Total()
	if n == 0 {
		return 255
	}
	if v, ok := h.single(); ok {
		return v
	}

	var norm, p1, p1sq, p2sq [256]float64
	for i, c := range h {
		norm[i] = float64(c) / float64(n)
	}
	p1[0] = norm[0]
	p1sq[0] = norm[0] * norm[0]
	for i := 1; i < 256; i++ {
		p1[i] = p1[i-1] + norm[i]
		p1sq[i] = p1sq[i-1] + norm[i]*norm[i]
	}
	p2sq[255] = 0
	for i := 254; i >= 0; i-- {
		p2sq[i] = p2sq[i+1] + norm[i+1]*norm[i+1]
	}

	level := 0
	best := math.Inf(-1)
	for i := 0; i < 256; i++ {
		var a, b float64
		if v := p1sq[i] * p2sq[i]; v > 0 {
			a = math.Log(v)
		}
		if v := p1[i] * (1 - p1[i]); v > 0 {
			b = math.Log(v)
		}
		crit := -a + 2*b
		if crit > best {
			best = crit
			level = i
		}
	}
	return uint8(level)
}

// single は埋まっているビンが1つだけならその輝度を返す
func (h Histogram) single() (uint8, bool) {
	found := -1
	for i, c := range h {
		if c == 0 {
			continue
		}
		if found >= 0 {
			return 0, false
		}
		found = i
	}
	return uint8(found), found >= 0
}

// YenCompressedLevel は対数圧縮したヒストグラムにYen法を適用する
// 暗部に集中する蛍光画像で閾値が背景ノイズに引きずられるのを防ぐ。
func YenCompressedLevel(h Histogram) uint8 {
	var compressed Histogram
	for i, c := range h {
		compressed[compress(i)] += c
	}
	return expand(YenLevel(compressed))
}

var logScale = math.Log(256) / 255

func compress(v int) int {
	return int(math.Round(math.Log1p(float64(v)) / logScale))
}

// expand は圧縮後の階調を元の輝度へ戻す。圧縮階調 c に写る最大の輝度を返す。
func expand(c uint8) uint8 {
	v := math.Expm1((float64(c) + 0.5) * logScale)
	return clampLevel(math.Floor(v))
}

func clampLevel(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}
