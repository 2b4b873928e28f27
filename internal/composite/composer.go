package composite

import (
	"image"
	"image/draw"

	"github.com/disintegration/gift"
)

// LayoutInfo はレイアウト情報
type LayoutInfo struct {
	Cols       int
	Rows       int
	CellWidth  int
	CellHeight int
}

// calculateLayout はフレーム数に基づいてレイアウトを計算する
func calculateLayout(frameCount, width, height int) LayoutInfo {
	var cols, rows int

	switch {
	case frameCount <= 1:
		cols, rows = 1, 1
	case frameCount == 2:
		cols, rows = 2, 1
	case frameCount <= 4:
		cols, rows = 2, 2 // 3つの場合も2x2で1つ空き
	default:
		// 5つ以上の場合は横を多めにとる
		cols = int(float64(frameCount)*0.6) + 1
		rows = (frameCount + cols - 1) / cols
	}

	return LayoutInfo{
		Cols:       cols,
		Rows:       rows,
		CellWidth:  width / cols,
		CellHeight: height / rows,
	}
}

// cellRect は index 番目のセルの範囲を返す
func (l LayoutInfo) cellRect(index int) image.Rectangle {
	row := index / l.Cols
	col := index % l.Cols
	origin := image.Pt(col*l.CellWidth, row*l.CellHeight)
	return image.Rectangle{Min: origin, Max: origin.Add(image.Pt(l.CellWidth, l.CellHeight))}
}

// Compose は画像を格子状に並べた width x height の画像を返す
// 各画像は縦横比を保ってセルに収め、中央に置く。nil の画像は空きセルになる。
func Compose(frames []image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(dst, dst.Bounds(), image.Black, image.Point{}, draw.Src)
	if len(frames) == 0 {
		return dst
	}

	layout := calculateLayout(len(frames), width, height)
	if layout.CellWidth <= 0 || layout.CellHeight <= 0 {
		return dst
	}
	fit := gift.New(gift.ResizeToFit(layout.CellWidth, layout.CellHeight, gift.LinearResampling))

	for i, src := range frames {
		if src == nil {
			continue
		}
		cell := layout.cellRect(i)
		size := fit.Bounds(src.Bounds())
		offset := image.Pt(
			cell.Min.X+(cell.Dx()-size.Dx())/2,
			cell.Min.Y+(cell.Dy()-size.Dy())/2,
		)
		fit.DrawAt(dst, src, offset, gift.CopyOperator)
	}
	return dst
}
