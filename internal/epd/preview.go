package epd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/disintegration/imaging"

	"epdagenda/internal/bitmap"
	appLog "epdagenda/internal/log"
	"epdagenda/internal/model"
	"epdagenda/internal/refresh"
)

// Preview is a sink that keeps the last frame in memory and, when Path is
// set, mirrors it to a PNG file. It stands in for the panel during
// development and backs the /preview.png endpoint.
type Preview struct {
	Path string

	mu    sync.RWMutex
	last  *bitmap.Bitmap
	kind  refresh.Kind
	count int
}

func NewPreview(path string) *Preview {
	return &Preview{Path: path}
}

func (p *Preview) FullRefresh(_ context.Context, frame *bitmap.Bitmap) error {
	return p.store(refresh.Full, frame)
}

func (p *Preview) PartialRefresh(_ context.Context, frame *bitmap.Bitmap) error {
	return p.store(refresh.Partial, frame)
}

func (p *Preview) store(kind refresh.Kind, frame *bitmap.Bitmap) error {
	p.mu.Lock()
	p.last = frame.Clone()
	p.kind = kind
	p.count++
	p.mu.Unlock()

	if p.Path == "" {
		return nil
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame.Gray(), imaging.PNG); err != nil {
		return &model.HardwareError{Op: "preview encode", Err: err}
	}
	if err := writeFileAtomic(p.Path, buf.Bytes()); err != nil {
		return &model.HardwareError{Op: "preview write", Err: err}
	}
	appLog.Debug("preview written", "path", p.Path, "kind", kind.String())
	return nil
}

// Frame returns a copy of the last frame written, or nil.
func (p *Preview) Frame() *bitmap.Bitmap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return nil
	}
	return p.last.Clone()
}

// Writes returns the number of frames received and the kind of the last one.
func (p *Preview) Writes() (int, refresh.Kind) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count, p.kind
}

// WritePNG encodes the last frame to w.
func (p *Preview) WritePNG(w io.Writer) error {
	frame := p.Frame()
	if frame == nil {
		return fmt.Errorf("preview: no frame yet")
	}
	return imaging.Encode(w, frame.Gray(), imaging.PNG)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".preview-*.png")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// Tee writes to Primary and, once that succeeds, to every mirror. Mirror
// failures are logged and never fail the write, so the refresh state only
// tracks the primary sink.
type Tee struct {
	Primary refresh.Sink
	Mirrors []refresh.Sink
}

func (t Tee) FullRefresh(ctx context.Context, frame *bitmap.Bitmap) error {
	if err := t.Primary.FullRefresh(ctx, frame); err != nil {
		return err
	}
	for _, m := range t.Mirrors {
		if err := m.FullRefresh(ctx, frame); err != nil {
			appLog.Warn("mirror sink failed", "kind", "full", "err", err.Error())
		}
	}
	return nil
}

func (t Tee) PartialRefresh(ctx context.Context, frame *bitmap.Bitmap) error {
	if err := t.Primary.PartialRefresh(ctx, frame); err != nil {
		return err
	}
	for _, m := range t.Mirrors {
		if err := m.PartialRefresh(ctx, frame); err != nil {
			appLog.Warn("mirror sink failed", "kind", "partial", "err", err.Error())
		}
	}
	return nil
}
