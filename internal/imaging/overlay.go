package imaging

import (
	"image"
	"image/color"
	"image/draw"
)

// Highlight は蛍光領域を塗る色
var Highlight = color.RGBA{R: 0, G: 255, B: 64, A: 255}

// Overlay は輝度が level を超える画素に Highlight を alpha で重ねた画像を返す
// raw と gray は同じ大きさであること。
func Overlay(raw image.Image, gray *image.Gray, level uint8, alpha float64) *image.RGBA {
	b := raw.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), raw, b.Min, draw.Src)

	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	a := uint32(alpha * 256)
	gb := gray.Bounds()
	for y := 0; y < b.Dy() && y < gb.Dy(); y++ {
		grow := gray.Pix[y*gray.Stride:]
		drow := dst.Pix[y*dst.Stride:]
		for x := 0; x < b.Dx() && x < gb.Dx(); x++ {
			if grow[x] <= level {
				continue
			}
			p := drow[x*4 : x*4+4]
			p[0] = blend(p[0], Highlight.R, a)
			p[1] = blend(p[1], Highlight.G, a)
			p[2] = blend(p[2], Highlight.B, a)
			p[3] = 255
		}
	}
	return dst
}

func blend(dst, src uint8, a uint32) uint8 {
	return uint8((uint32(dst)*(256-a) + uint32(src)*a) >> 8)
}
