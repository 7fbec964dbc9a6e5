// Package bitmap provides the 1 bit per pixel image used for every frame
// pushed to the panel and for cached illustrations.
//
// Packing follows the panel's native layout:
//
//   - rows are y-major, MSB-first:
//     byteIndex = y*stride + (x >> 3)
//     mask      = 0x80 >> (x & 7)
//   - a set bit is white (paper), a cleared bit is ink.
package bitmap

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
)

var (
	Black = color.Gray{Y: 0}
	White = color.Gray{Y: 0xFF}
)

// Model maps any color onto Black or White using a mid-gray luma threshold.
// Mostly transparent pixels count as white.
var Model = color.ModelFunc(func(c color.Color) color.Color {
	if isInk(c) {
		return Black
	}
	return White
})

func isInk(c color.Color) bool {
	_, _, _, a := c.RGBA()
	if a < 0x8000 {
		return false
	}
	g := color.GrayModel.Convert(c).(color.Gray)
	return g.Y < 0x80
}

// Bitmap is a fixed-size monochrome image. It implements draw.Image so the
// standard drawing helpers and font drawers can target it directly.
type Bitmap struct {
	w, h   int
	stride int
	pix    []byte
}

// Signature is the content hash of a bitmap, dimensions included.
type Signature [sha256.Size]byte

func (s Signature) String() string {
	return hex.EncodeToString(s[:6])
}

// New returns an all-white bitmap. Non-positive dimensions yield an empty one.
func New(w, h int) *Bitmap {
	if w < 0 {
		w = 0
	}
	if h < 0 {
		h = 0
	}
	stride := (w + 7) / 8
	b := &Bitmap{w: w, h: h, stride: stride, pix: make([]byte, stride*h)}
	b.Fill(false)
	return b
}

// FromBytes wraps a packed plane. The data is copied.
func FromBytes(w, h int, data []byte) (*Bitmap, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("bitmap: invalid size %dx%d", w, h)
	}
	stride := (w + 7) / 8
	if len(data) != stride*h {
		return nil, fmt.Errorf("bitmap: expected %d bytes for %dx%d, got %d", stride*h, w, h, len(data))
	}
	pix := make([]byte, len(data))
	copy(pix, data)
	return &Bitmap{w: w, h: h, stride: stride, pix: pix}, nil
}

func (b *Bitmap) Width() int  { return b.w }
func (b *Bitmap) Height() int { return b.h }

// Size returns the dimensions as a point.
func (b *Bitmap) Size() image.Point { return image.Pt(b.w, b.h) }

func (b *Bitmap) Bounds() image.Rectangle { return image.Rect(0, 0, b.w, b.h) }

func (b *Bitmap) ColorModel() color.Model { return Model }

func (b *Bitmap) At(x, y int) color.Color {
	if b.Ink(x, y) {
		return Black
	}
	return White
}

func (b *Bitmap) Set(x, y int, c color.Color) {
	b.SetInk(x, y, isInk(c))
}

// Ink reports whether (x, y) is inked. Out-of-range points are paper.
func (b *Bitmap) Ink(x, y int) bool {
	if x < 0 || y < 0 || x >= b.w || y >= b.h {
		return false
	}
	return b.pix[y*b.stride+(x>>3)]&(0x80>>(x&7)) == 0
}

func (b *Bitmap) SetInk(x, y int, ink bool) {
	if x < 0 || y < 0 || x >= b.w || y >= b.h {
		return
	}
	i := y*b.stride + (x >> 3)
	mask := byte(0x80 >> (x & 7))
	if ink {
		b.pix[i] &^= mask
	} else {
		b.pix[i] |= mask
	}
}

// Fill sets every pixel to ink or paper.
func (b *Bitmap) Fill(ink bool) {
	v := byte(0xFF)
	if ink {
		v = 0
	}
	for i := range b.pix {
		b.pix[i] = v
	}
}

// Blit copies src onto b with its top-left corner at p, clipping to b.
func (b *Bitmap) Blit(p image.Point, src *Bitmap) {
	if src == nil {
		return
	}
	for y := 0; y < src.h; y++ {
		for x := 0; x < src.w; x++ {
			b.SetInk(p.X+x, p.Y+y, src.Ink(x, y))
		}
	}
}

// Bytes returns a copy of the packed plane.
func (b *Bitmap) Bytes() []byte {
	out := make([]byte, len(b.pix))
	copy(out, b.pix)
	return out
}

func (b *Bitmap) Clone() *Bitmap {
	c := &Bitmap{w: b.w, h: b.h, stride: b.stride, pix: make([]byte, len(b.pix))}
	copy(c.pix, b.pix)
	return c
}

// InkCount returns the number of inked pixels.
func (b *Bitmap) InkCount() int {
	n := 0
	for y := 0; y < b.h; y++ {
		for x := 0; x < b.w; x++ {
			if b.Ink(x, y) {
				n++
			}
		}
	}
	return n
}

func (b *Bitmap) Signature() Signature {
	h := sha256.New()
	var dims [8]byte
	binary.BigEndian.PutUint32(dims[0:4], uint32(b.w))
	binary.BigEndian.PutUint32(dims[4:8], uint32(b.h))
	h.Write(dims[:])
	h.Write(b.pix)
	var s Signature
	copy(s[:], h.Sum(nil))
	return s
}

// Equal compares content, not identity.
func (b *Bitmap) Equal(o *Bitmap) bool {
	if b == nil || o == nil {
		return b == o
	}
	return b.Signature() == o.Signature()
}

// Gray renders the bitmap as an 8-bit grayscale image (for PNG previews).
func (b *Bitmap) Gray() *image.Gray {
	g := image.NewGray(b.Bounds())
	for y := 0; y < b.h; y++ {
		for x := 0; x < b.w; x++ {
			if !b.Ink(x, y) {
				g.Pix[y*g.Stride+x] = 0xFF
			}
		}
	}
	return g
}

// Rotate returns a copy of b turned clockwise by deg, which must be a
// multiple of 90. Any other value is treated as 0.
func Rotate(b *Bitmap, deg int) *Bitmap {
	deg = ((deg % 360) + 360) % 360
	switch deg {
	case 90:
		out := New(b.h, b.w)
		for y := 0; y < b.h; y++ {
			for x := 0; x < b.w; x++ {
				out.SetInk(b.h-1-y, x, b.Ink(x, y))
			}
		}
		return out
	case 180:
		out := New(b.w, b.h)
		for y := 0; y < b.h; y++ {
			for x := 0; x < b.w; x++ {
				out.SetInk(b.w-1-x, b.h-1-y, b.Ink(x, y))
			}
		}
		return out
	case 270:
		out := New(b.h, b.w)
		for y := 0; y < b.h; y++ {
			for x := 0; x < b.w; x++ {
				out.SetInk(y, b.w-1-x, b.Ink(x, y))
			}
		}
		return out
	default:
		return b.Clone()
	}
}
