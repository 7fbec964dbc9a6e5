package imagegen

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/disintegration/imaging"

	appLog "epdagenda/internal/log"
	"epdagenda/internal/model"
)

const (
	defaultCaptureWidth   = 400
	defaultCaptureHeight  = 400
	defaultCaptureTimeout = 30 * time.Second
	defaultReadySelector  = "body"
)

// Capture renders a web page in headless Chromium and uses the screenshot
// as the illustration. URLTemplate may contain {prompt}, replaced with the
// query-escaped prompt, so a local page can draw something per theme.
type Capture struct {
	URLTemplate string
	// ExecPath overrides the Chromium binary; empty lets chromedp find one.
	ExecPath string
	Width    int
	Height   int
	// ReadySelector must be visible before the screenshot is taken.
	ReadySelector string
	Timeout       time.Duration
}

func (c *Capture) Generate(ctx context.Context, prompt string) (image.Image, error) {
	target, err := captureURL(c.URLTemplate, prompt)
	if err != nil {
		return nil, &model.GenerationError{Op: "capture", Err: err}
	}

	width, height := c.Width, c.Height
	if width <= 0 {
		width = defaultCaptureWidth
	}
	if height <= 0 {
		height = defaultCaptureHeight
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCaptureTimeout
	}
	ready := c.ReadySelector
	if ready == "" {
		ready = defaultReadySelector
	}

	allocCtx := ctx
	if c.ExecPath != "" {
		opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.ExecPath(c.ExecPath))
		var cancelAlloc context.CancelFunc
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(ctx, opts...)
		defer cancelAlloc()
	}

	browserCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()
	browserCtx, cancelTimeout := context.WithTimeout(browserCtx, timeout)
	defer cancelTimeout()

	var shot []byte
	err = chromedp.Run(browserCtx,
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(target),
		chromedp.WaitVisible(ready, chromedp.ByQuery),
		chromedp.Sleep(300*time.Millisecond),
		chromedp.CaptureScreenshot(&shot),
	)
	if err != nil {
		return nil, &model.GenerationError{Op: "capture", Err: err}
	}

	img, err := imaging.Decode(bytes.NewReader(shot))
	if err != nil {
		return nil, &model.GenerationError{Op: "capture", Err: fmt.Errorf("decode screenshot: %w", err)}
	}
	appLog.Debug("page captured", "bounds", img.Bounds().String())
	return img, nil
}

func captureURL(tmpl, prompt string) (string, error) {
	if tmpl == "" {
		return "", fmt.Errorf("no capture url configured")
	}
	raw := strings.ReplaceAll(tmpl, "{prompt}", url.QueryEscape(prompt))
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "file" {
		return "", fmt.Errorf("unsupported capture url scheme %q", u.Scheme)
	}
	return u.String(), nil
}
