// Package compose lays out one frame: the agenda (or an illustration, or a
// free-day placeholder) on the left and a date/time panel on the right.
// Composition never fails; degraded inputs still yield a valid frame of the
// configured size.
package compose

import (
	"fmt"
	"image"
	"strconv"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"epdagenda/internal/bitmap"
	"epdagenda/internal/model"
	"epdagenda/internal/pagination"
)

// Layout is the panel geometry in pixels. Defaults match a Waveshare 2.13"
// V2 used in landscape.
type Layout struct {
	Width, Height   int
	Margin          int
	LeftPanelWidth  int
	TimeBlockHeight int
	LineSpacing     int
}

func DefaultLayout() Layout {
	return Layout{
		Width:           250,
		Height:          122,
		Margin:          3,
		LeftPanelWidth:  106,
		TimeBlockHeight: 15,
		LineSpacing:     2,
	}
}

// ListPanel is the region holding the agenda or the illustration.
func (l Layout) ListPanel() image.Rectangle {
	return image.Rect(l.Margin, l.Margin, l.LeftPanelWidth-l.Margin, l.Height-l.Margin)
}

// DatePanel is the region holding the calendar glyph and the clock.
func (l Layout) DatePanel() image.Rectangle {
	return image.Rect(l.LeftPanelWidth+1, l.Margin, l.Width-l.Margin, l.Height-l.Margin)
}

// Messages are the user-visible strings.
type Messages struct {
	EventsTitle string
	NoEvents    string
	FreeDay     string
	AllDay      string
}

func DefaultMessages() Messages {
	return Messages{
		EventsTitle: "Events",
		NoEvents:    "No events",
		FreeDay:     "Free day",
		AllDay:      "All day",
	}
}

type Composer struct {
	layout Layout
	msgs   Messages
	face   font.Face
}

func New(layout Layout, msgs Messages) *Composer {
	return &Composer{layout: layout, msgs: msgs, face: basicfont.Face7x13}
}

func (c *Composer) Layout() Layout { return c.layout }

// Compose renders a frame. illus may be nil. now should already be in the
// display timezone.
func (c *Composer) Compose(page pagination.Page, illus *bitmap.Bitmap, now time.Time) *bitmap.Bitmap {
	b := bitmap.New(c.layout.Width, c.layout.Height)

	list := c.layout.ListPanel()
	strokeRect(b, list.Inset(-1))

	switch {
	case !page.Empty():
		c.drawItems(b, list, page)
	case illus != nil:
		c.drawIllustration(b, list, illus)
	default:
		c.drawFreeDay(b, list)
	}

	c.drawDatePanel(b, c.layout.DatePanel(), now)
	return b
}

func (c *Composer) titleBar(b *bitmap.Bitmap, r image.Rectangle, title string) int {
	bar := image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+c.layout.TimeBlockHeight)
	fillRect(b, bar, true)
	c.centerText(b, bar.Min.X, bar.Max.X, bar.Min.Y+c.baselineOffset(bar.Dy()), title, true)
	return bar.Max.Y
}

// baselineOffset vertically centres one line of text in a band of height h.
func (c *Composer) baselineOffset(h int) int {
	m := c.face.Metrics()
	ascent, descent := m.Ascent.Ceil(), m.Descent.Ceil()
	return (h-ascent-descent)/2 + ascent
}

func (c *Composer) drawItems(b *bitmap.Bitmap, r image.Rectangle, page pagination.Page) {
	title := c.msgs.EventsTitle
	if page.Count > 1 {
		title = fmt.Sprintf("%s (%d/%d)", title, page.Index+1, page.Count)
	}
	y := c.titleBar(b, r, title) + 2

	lineH := c.face.Metrics().Height.Ceil()
	ascent := c.face.Metrics().Ascent.Ceil()
	x := r.Min.X + 2
	width := r.Dx() - 4

	for _, it := range page.Items {
		if y+lineH > r.Max.Y {
			break
		}
		tx := x
		if it.Kind == model.KindTask {
			box := image.Rect(x, y+ascent-7, x+7, y+ascent)
			strokeRect(b, box)
			tx += 9
		}
		c.text(b, tx, y+ascent, c.truncate(c.itemLine(it), width-(tx-x)), false)
		y += lineH + 1

		if it.Location != "" && y+lineH <= r.Max.Y {
			c.text(b, x+6, y+ascent, c.truncate(it.Location, width-6), false)
			y += lineH
		}
		y += c.layout.LineSpacing
		hline(b, r.Min.X, r.Max.X-1, y)
		y += 2
	}
}

func (c *Composer) itemLine(it model.DisplayItem) string {
	switch {
	case it.AllDay:
		return c.msgs.AllDay + " " + it.Title
	case it.HasStart():
		return it.Start.Format("15:04") + " " + it.Title
	default:
		return it.Title
	}
}

func (c *Composer) drawIllustration(b *bitmap.Bitmap, r image.Rectangle, illus *bitmap.Bitmap) {
	off := image.Pt((r.Dx()-illus.Width())/2, (r.Dy()-illus.Height())/2)
	if off.X < 0 {
		off.X = 0
	}
	if off.Y < 0 {
		off.Y = 0
	}
	// Clip to the panel so an oversized bitmap never bleeds into the clock.
	clipped := bitmap.New(r.Dx(), r.Dy())
	clipped.Blit(off, illus)
	b.Blit(r.Min, clipped)
}

func (c *Composer) drawFreeDay(b *bitmap.Bitmap, r image.Rectangle) {
	top := c.titleBar(b, r, c.msgs.NoEvents)

	msgY := top + 10 + c.face.Metrics().Ascent.Ceil()
	c.centerText(b, r.Min.X, r.Max.X, msgY, c.msgs.FreeDay, false)

	// Smiley under the message.
	cx := r.Min.X + r.Dx()/2
	space := r.Max.Y - msgY
	radius := space/2 - 4
	if radius > 18 {
		radius = 18
	}
	if radius < 6 {
		return
	}
	cy := msgY + space/2
	circle(b, cx, cy, radius)
	eye := radius / 3
	dot(b, cx-eye, cy-eye, 1)
	dot(b, cx+eye, cy-eye, 1)
	mouth := radius / 2
	for dx := -mouth; dx <= mouth; dx++ {
		dy := mouth - (dx*dx)/(mouth+1)
		b.SetInk(cx+dx, cy+dy/2+2, true)
	}
}

func (c *Composer) drawDatePanel(b *bitmap.Bitmap, r image.Rectangle, now time.Time) {
	strokeRect(b, r.Inset(-1))
	ascent := c.face.Metrics().Ascent.Ceil()

	// Calendar glyph: a tear-off page with the day of month.
	glyph := image.Rect(r.Min.X+6, r.Min.Y+6, r.Min.X+44, r.Min.Y+46)
	strokeRect(b, glyph)
	band := image.Rect(glyph.Min.X, glyph.Min.Y, glyph.Max.X, glyph.Min.Y+10)
	fillRect(b, band, true)
	for _, rx := range []int{glyph.Min.X + 9, glyph.Max.X - 10} {
		fillRect(b, image.Rect(rx, band.Min.Y+3, rx+2, band.Max.Y-3), false)
	}
	body := image.Rect(glyph.Min.X, band.Max.Y, glyph.Max.X, glyph.Max.Y)
	c.centerText(b, body.Min.X, body.Max.X, body.Min.Y+c.baselineOffset(body.Dy()), strconv.Itoa(now.Day()), false)

	tx := glyph.Max.X + 6
	tw := r.Max.X - 2 - tx
	c.text(b, tx, glyph.Min.Y+ascent, c.truncate(now.Weekday().String(), tw), false)
	c.text(b, tx, glyph.Min.Y+ascent+14, c.truncate(now.Month().String(), tw), false)
	c.text(b, tx, glyph.Min.Y+ascent+28, strconv.Itoa(now.Year()), false)

	_, week := now.ISOWeek()
	info := fmt.Sprintf("Week %d  Day %d", week, now.YearDay())
	c.text(b, r.Min.X+6, glyph.Max.Y+6+ascent, c.truncate(info, r.Dx()-12), false)

	clock := image.Rect(r.Min.X+2, r.Max.Y-2-c.layout.TimeBlockHeight, r.Max.X-2, r.Max.Y-2)
	fillRect(b, clock, true)
	c.centerText(b, clock.Min.X, clock.Max.X, clock.Min.Y+c.baselineOffset(clock.Dy()), now.Format("15:04"), true)
}
