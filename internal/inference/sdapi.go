package inference

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"

	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/prompt"
)

// samplers maps scheduler names to the sampler names the web UI API expects.
var samplers = map[string]string{
	"DPMSolverMultistepScheduler":     "DPM++ 2M",
	"DDIMScheduler":                   "DDIM",
	"EulerDiscreteScheduler":          "Euler",
	"PNDMScheduler":                   "PLMS",
	"LMSDiscreteScheduler":            "LMS",
	"EulerAncestralDiscreteScheduler": "Euler a",
	"HeunDiscreteScheduler":           "Heun",
	"KDPM2DiscreteScheduler":          "DPM2",
	"KDPM2AncestralDiscreteScheduler": "DPM2 a",
}

type sdapiRequest struct {
	Prompt            string   `json:"prompt"`
	NegativePrompt    string   `json:"negative_prompt,omitempty"`
	Width             int      `json:"width,omitempty"`
	Height            int      `json:"height,omitempty"`
	Steps             int      `json:"steps,omitempty"`
	CFGScale          float64  `json:"cfg_scale,omitempty"`
	SamplerName       string   `json:"sampler_name,omitempty"`
	Seed              int64    `json:"seed"`
	BatchSize         int      `json:"batch_size"`
	NIter             int      `json:"n_iter"`
	InitImages        []string `json:"init_images,omitempty"`
	DenoisingStrength *float64 `json:"denoising_strength,omitempty"`
	SendImages        bool     `json:"send_images"`
	SaveImages        bool     `json:"save_images"`
}

type sdapiResponse struct {
	Images []string `json:"images"`
}

type sdapiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
	Errors string `json:"errors"`
}

func (e *sdapiError) message() string {
	for _, s := range []string{e.Detail, e.Errors, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// SDAPIClient drives a Stable Diffusion web UI through its /sdapi/v1 endpoints.
type SDAPIClient struct {
	client *resty.Client
	loaded atomic.Bool
	logger *logger.CustomLogger
}

// NewSDAPIClient builds a client for baseURL. A zero timeout leaves inference unbounded.
func NewSDAPIClient(baseURL string, timeout time.Duration) *SDAPIClient {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &SDAPIClient{
		client: client,
		logger: logger.NewCustomLogger().With("component", "sdapi"),
	}
}

func (c *SDAPIClient) Loaded() bool {
	return c.loaded.Load()
}

// Warmup polls the model list until the web UI answers, then marks the engine loaded.
func (c *SDAPIClient) Warmup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		resp, err := c.client.R().SetContext(ctx).Get("/sdapi/v1/sd-models")
		if err == nil && resp.IsSuccess() {
			c.loaded.Store(true)
			c.logger.Infof("inference engine is ready")
			return
		}
		if err != nil {
			c.logger.Debugf("inference engine not ready: %s", err)
		} else {
			c.logger.Debugf("inference engine not ready: status %d", resp.StatusCode())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *SDAPIClient) Generate(ctx context.Context, req prompt.Resolved) ([]Image, error) {
	body := buildRequest(req)
	endpoint := "/sdapi/v1/txt2img"
	if req.Mode == prompt.ModeImg2Img {
		endpoint = "/sdapi/v1/img2img"
	}

	var result sdapiResponse
	var apiErr sdapiError
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&apiErr).
		Post(endpoint)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", endpoint, err)
	}
	if resp.IsError() {
		if msg := apiErr.message(); msg != "" {
			return nil, fmt.Errorf("inference engine returned %d: %s", resp.StatusCode(), msg)
		}
		return nil, fmt.Errorf("inference engine returned %d", resp.StatusCode())
	}

	encoded := result.Images
	// a grid of the whole batch comes first when batch_size > 1
	if len(encoded) == req.NumImages+1 {
		encoded = encoded[1:]
	}
	if len(encoded) < req.NumImages {
		return nil, fmt.Errorf("inference engine returned %d images, want %d", len(encoded), req.NumImages)
	}
	encoded = encoded[:req.NumImages]

	images := make([]Image, 0, len(encoded))
	for i, s := range encoded {
		data, err := decodeImage(s)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		images = append(images, Image{Data: data, ContentType: mimetype.Detect(data).String()})
	}
	return images, nil
}

func buildRequest(req prompt.Resolved) sdapiRequest {
	text := req.Prompt
	for _, l := range req.Loras {
		text += " <lora:" + l.Name + ":" + strconv.FormatFloat(l.Weight, 'f', -1, 64) + ">"
	}
	body := sdapiRequest{
		Prompt:         text,
		NegativePrompt: req.NegativePrompt,
		Steps:          req.Steps,
		CFGScale:       req.GuidanceScale,
		SamplerName:    samplers[req.Scheduler],
		Seed:           -1,
		BatchSize:      req.NumImages,
		NIter:          1,
		SendImages:     true,
	}
	if req.Seed != nil {
		body.Seed = *req.Seed
	}
	if req.Mode == prompt.ModeImg2Img {
		strength := req.Strength
		body.DenoisingStrength = &strength
		body.InitImages = []string{base64.StdEncoding.EncodeToString(req.InitImage)}
	} else {
		body.Width = req.Width
		body.Height = req.Height
	}
	return body
}

func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return data, nil
}
