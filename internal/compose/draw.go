package compose

import (
	"image"

	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"epdagenda/internal/bitmap"
)

// Low-level drawing on a bitmap. Rectangles are half-open like
// image.Rectangle.

func fillRect(b *bitmap.Bitmap, r image.Rectangle, ink bool) {
	r = r.Intersect(b.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			b.SetInk(x, y, ink)
		}
	}
}

func strokeRect(b *bitmap.Bitmap, r image.Rectangle) {
	if r.Empty() {
		return
	}
	hline(b, r.Min.X, r.Max.X-1, r.Min.Y)
	hline(b, r.Min.X, r.Max.X-1, r.Max.Y-1)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		b.SetInk(r.Min.X, y, true)
		b.SetInk(r.Max.X-1, y, true)
	}
}

// hline draws an inclusive horizontal line.
func hline(b *bitmap.Bitmap, x0, x1, y int) {
	for x := x0; x <= x1; x++ {
		b.SetInk(x, y, true)
	}
}

// circle draws an outline with the midpoint algorithm.
func circle(b *bitmap.Bitmap, cx, cy, r int) {
	x, y, d := r, 0, 1-r
	for x >= y {
		for _, p := range [8][2]int{
			{cx + x, cy + y}, {cx + y, cy + x}, {cx - y, cy + x}, {cx - x, cy + y},
			{cx - x, cy - y}, {cx - y, cy - x}, {cx + y, cy - x}, {cx + x, cy - y},
		} {
			b.SetInk(p[0], p[1], true)
		}
		y++
		if d < 0 {
			d += 2*y + 1
		} else {
			x--
			d += 2*(y-x) + 1
		}
	}
}

func dot(b *bitmap.Bitmap, cx, cy, r int) {
	for y := -r; y <= r; y++ {
		for x := -r; x <= r; x++ {
			if x*x+y*y <= r*r {
				b.SetInk(cx+x, cy+y, true)
			}
		}
	}
}

// text draws s with its baseline at y. White text is used on inverted bars.
func (c *Composer) text(b *bitmap.Bitmap, x, y int, s string, white bool) {
	src := image.Black
	if white {
		src = image.White
	}
	d := font.Drawer{
		Dst:  b,
		Src:  src,
		Face: c.face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func (c *Composer) textWidth(s string) int {
	return font.MeasureString(c.face, s).Ceil()
}

// centerText draws s horizontally centred in [x0, x1).
func (c *Composer) centerText(b *bitmap.Bitmap, x0, x1, y int, s string, white bool) {
	s = c.truncate(s, x1-x0)
	c.text(b, x0+(x1-x0-c.textWidth(s))/2, y, s, white)
}

// truncate shortens s with a trailing "..." until it fits in maxWidth.
func (c *Composer) truncate(s string, maxWidth int) string {
	if c.textWidth(s) <= maxWidth {
		return s
	}
	const ellipsis = "..."
	runes := []rune(s)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.textWidth(string(runes[:mid])+ellipsis) <= maxWidth {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 && c.textWidth(ellipsis) > maxWidth {
		return ""
	}
	return string(runes[:lo]) + ellipsis
}
