// Package epd drives the Waveshare 2.13" V2 e-paper HAT through periph.io and
// provides the preview sinks used when no hardware is attached.
package epd

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"sync"

	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/devices/v3/waveshare2in13v2"
	"periph.io/x/host/v3"

	"epdagenda/internal/bitmap"
	appLog "epdagenda/internal/log"
	"epdagenda/internal/model"
)

// driver is the subset of *waveshare2in13v2.Dev the panel uses.
type driver interface {
	Bounds() image.Rectangle
	SetUpdateMode(mode waveshare2in13v2.PartialUpdate) error
	Draw(dstRect image.Rectangle, src image.Image, sp image.Point) error
	Sleep() error
}

// Config selects the SPI port and the frame orientation.
type Config struct {
	// SPIPort is the spireg name; empty opens the first registered port.
	SPIPort string
	// Rotation is applied to every frame before it is sent (0/90/180/270,
	// clockwise). The HAT is portrait, so a landscape layout needs 90 or 270.
	Rotation int
}

// Panel is a refresh sink backed by the HAT. Writes are serialised.
type Panel struct {
	mu       sync.Mutex
	port     spi.PortCloser
	dev      driver
	buf      *image1bit.VerticalLSB
	rotation int

	mode    waveshare2in13v2.PartialUpdate
	modeSet bool
	closed  bool
}

// Open initialises the host drivers, opens SPI and brings the panel up.
func Open(cfg Config) (*Panel, error) {
	if _, err := host.Init(); err != nil {
		return nil, &model.HardwareError{Op: "host init", Err: err}
	}
	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, &model.HardwareError{Op: "open spi", Err: err}
	}
	dev, err := waveshare2in13v2.NewHat(port, &waveshare2in13v2.EPD2in13v2)
	if err != nil {
		_ = port.Close()
		return nil, &model.HardwareError{Op: "open hat", Err: err}
	}
	if err := dev.Init(); err != nil {
		_ = port.Close()
		return nil, &model.HardwareError{Op: "init", Err: err}
	}

	p := newPanel(dev, cfg.Rotation)
	p.port = port
	appLog.Info("e-paper panel ready",
		"port", port.String(),
		"bounds", dev.Bounds().String(),
		"rotation", cfg.Rotation,
	)
	return p, nil
}

func newPanel(dev driver, rotation int) *Panel {
	return &Panel{
		dev:      dev,
		buf:      image1bit.NewVerticalLSB(dev.Bounds()),
		rotation: rotation,
	}
}

func (p *Panel) FullRefresh(ctx context.Context, frame *bitmap.Bitmap) error {
	return p.write(ctx, "full", waveshare2in13v2.Full, frame)
}

func (p *Panel) PartialRefresh(ctx context.Context, frame *bitmap.Bitmap) error {
	return p.write(ctx, "partial", waveshare2in13v2.Partial, frame)
}

func (p *Panel) write(ctx context.Context, op string, mode waveshare2in13v2.PartialUpdate, frame *bitmap.Bitmap) error {
	if err := ctx.Err(); err != nil {
		return &model.HardwareError{Op: op, Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return &model.HardwareError{Op: op, Err: fmt.Errorf("panel closed")}
	}

	img := bitmap.Rotate(frame, p.rotation)
	if img.Size() != p.buf.Bounds().Size() {
		return &model.HardwareError{
			Op:  op,
			Err: fmt.Errorf("frame %dx%d (rotation %d) does not match panel %v", img.Width(), img.Height(), p.rotation, p.buf.Bounds().Size()),
		}
	}
	draw.Draw(p.buf, p.buf.Bounds(), img, image.Point{}, draw.Src)

	if !p.modeSet || p.mode != mode {
		if err := p.dev.SetUpdateMode(mode); err != nil {
			p.modeSet = false
			return &model.HardwareError{Op: op, Err: fmt.Errorf("set update mode: %w", err)}
		}
		p.mode = mode
		p.modeSet = true
	}

	if err := p.dev.Draw(p.dev.Bounds(), p.buf, image.Point{}); err != nil {
		return &model.HardwareError{Op: op, Err: err}
	}
	return nil
}

// Close puts the panel into deep sleep and releases SPI. Further writes fail.
func (p *Panel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	if err := p.dev.Sleep(); err != nil {
		firstErr = &model.HardwareError{Op: "sleep", Err: err}
	}
	if p.port != nil {
		if err := p.port.Close(); err != nil && firstErr == nil {
			firstErr = &model.HardwareError{Op: "close spi", Err: err}
		}
	}
	return firstErr
}
