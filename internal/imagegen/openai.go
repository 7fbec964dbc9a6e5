// Package imagegen holds the bitmap providers behind the illustration
// cache: OpenAI image generation and a headless-Chromium page capture.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	appLog "epdagenda/internal/log"
	"epdagenda/internal/model"
)

const (
	DefaultModel = "dall-e-3"
	DefaultSize  = "1024x1024"

	maxImageBytes = 16 << 20
)

// OpenAI calls the images API.
type OpenAI struct {
	BaseURL string
	APIKey  string
	Model   string
	Size    string
	HTTP    *http.Client
}

func NewOpenAI(baseURL, apiKey, model, size string) *OpenAI {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	if model == "" {
		model = DefaultModel
	}
	if size == "" {
		size = DefaultSize
	}
	return &OpenAI{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		Size:    size,
		HTTP:    &http.Client{Timeout: 90 * time.Second},
	}
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate requests one image for prompt. Errors are *model.GenerationError.
func (c *OpenAI) Generate(ctx context.Context, prompt string) (image.Image, error) {
	start := time.Now()

	b, err := json.Marshal(imageRequest{
		Model:          c.Model,
		Prompt:         prompt,
		N:              1,
		Size:           c.Size,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return nil, genErr(0, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/images/generations", bytes.NewReader(b))
	if err != nil {
		return nil, genErr(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, genErr(0, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, genErr(resp.StatusCode, err)
	}

	var out imageResponse
	jsonErr := json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if jsonErr == nil && out.Error != nil && out.Error.Message != "" {
			return nil, genErr(resp.StatusCode, fmt.Errorf("%s", out.Error.Message))
		}
		return nil, genErr(resp.StatusCode, fmt.Errorf("%s", truncate(string(raw), 200)))
	}
	if jsonErr != nil {
		return nil, genErr(resp.StatusCode, jsonErr)
	}
	if len(out.Data) == 0 {
		return nil, genErr(resp.StatusCode, fmt.Errorf("empty data"))
	}

	var img image.Image
	switch d := out.Data[0]; {
	case d.B64JSON != "":
		payload, err := base64.StdEncoding.DecodeString(d.B64JSON)
		if err != nil {
			return nil, genErr(resp.StatusCode, fmt.Errorf("decode b64_json: %w", err))
		}
		img, err = imaging.Decode(bytes.NewReader(payload))
		if err != nil {
			return nil, genErr(resp.StatusCode, fmt.Errorf("decode image: %w", err))
		}
	case d.URL != "":
		img, err = c.download(ctx, d.URL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, genErr(resp.StatusCode, fmt.Errorf("response has neither b64_json nor url"))
	}

	appLog.Debug("openai image generated", "model", c.Model, "bounds", img.Bounds().String(), "elapsed", time.Since(start).String())
	return img, nil
}

func (c *OpenAI) download(ctx context.Context, u string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, genErr(0, err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, genErr(0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, genErr(resp.StatusCode, fmt.Errorf("image download failed"))
	}
	img, err := imaging.Decode(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, genErr(resp.StatusCode, fmt.Errorf("decode image: %w", err))
	}
	return img, nil
}

func genErr(status int, err error) error {
	return &model.GenerationError{Op: "openai", StatusCode: status, Err: err}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
