// Package convert turns arbitrary images into panel bitmaps: a hard
// threshold for rendered UI content and a dithered path for photos and
// generated illustrations.
package convert

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"

	"epdagenda/internal/bitmap"
)

// Pack thresholds img into a bitmap of the same size.
//
// Pixel classification:
//   - alpha < 128 → paper
//   - luma Y = 0.299R + 0.587G + 0.114B below 128 → ink
//   - everything else → paper
func Pack(img image.Image) *bitmap.Bitmap {
	b := img.Bounds()
	out := bitmap.New(b.Dx(), b.Dy())
	for py := 0; py < b.Dy(); py++ {
		for px := 0; px < b.Dx(); px++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+px, b.Min.Y+py)).(color.NRGBA)
			if c.A < 128 {
				continue
			}
			if luma(c) < 128 {
				out.SetInk(px, py, true)
			}
		}
	}
	return out
}

func luma(c color.NRGBA) float64 {
	return 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
}

var monoPalette = color.Palette{color.Black, color.White}

// Illustration scales img to fit w×h keeping its aspect ratio, centres it
// on a white canvas and dithers it down to one bit with Floyd–Steinberg.
func Illustration(img image.Image, w, h int) *bitmap.Bitmap {
	if w <= 0 || h <= 0 {
		return bitmap.New(0, 0)
	}
	gray := imaging.Grayscale(img)
	fitted := imaging.Fit(gray, w, h, imaging.Lanczos)
	canvas := imaging.PasteCenter(imaging.New(w, h, color.White), fitted)

	pal := image.NewPaletted(image.Rect(0, 0, w, h), monoPalette)
	draw.FloydSteinberg.Draw(pal, pal.Bounds(), canvas, image.Point{})

	out := bitmap.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if pal.ColorIndexAt(x, y) == 0 {
				out.SetInk(x, y, true)
			}
		}
	}
	return out
}
