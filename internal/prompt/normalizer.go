package prompt

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	minDimension = 64
	maxDimension = 2048
	maxSteps     = 150
	maxGuidance  = 30
)

type Config struct {
	DefaultScheduler string

	// TriggerWords apply to every request and rank below all registry models.
	TriggerWords []string
}

// Normalizer turns raw requests into Resolved ones. It holds no mutable state.
type Normalizer struct {
	config     Config
	registry   TriggerRegistry
	translator Translator
}

// NewNormalizer accepts a nil registry or translator. Without a translator natural
// language requests fail with ErrTranslatorUnavailable.
func NewNormalizer(config Config, registry TriggerRegistry, translator Translator) (*Normalizer, error) {
	if config.DefaultScheduler != "" && !IsScheduler(config.DefaultScheduler) {
		return nil, fmt.Errorf("default scheduler %q is not supported", config.DefaultScheduler)
	}
	if registry == nil {
		registry = NewStaticRegistry()
	}
	words := make([]string, len(config.TriggerWords))
	copy(words, config.TriggerWords)
	config.TriggerWords = words
	return &Normalizer{config: config, registry: registry, translator: translator}, nil
}

func (n *Normalizer) Normalize(ctx context.Context, req Request) (Resolved, error) {
	res := Resolved{
		Mode:        ModeText2Img,
		NumImages:   1,
		Scheduler:   n.config.DefaultScheduler,
		Seed:        req.Seed,
		CallbackURL: strings.TrimSpace(req.CallbackURL),
	}

	if req.InitImage != "" {
		image, err := decodeInitImage(req.InitImage)
		if err != nil {
			return Resolved{}, err
		}
		res.Mode = ModeImg2Img
		res.InitImage = image
	}

	if req.NumImages != nil {
		if *req.NumImages < MinNumImages || *req.NumImages > MaxNumImages {
			return Resolved{}, invalid("num_images", "num_images out of range")
		}
		res.NumImages = *req.NumImages
	}

	switch format := strings.ToLower(strings.TrimSpace(req.OutputFormat)); format {
	case "":
		res.OutputFormat = FormatPNG
	case FormatPNG, FormatJPG, FormatJPEG:
		res.OutputFormat = format
	default:
		return Resolved{}, invalid("output_format", "unsupported output_format")
	}

	if req.Scheduler != "" {
		if !IsScheduler(req.Scheduler) {
			return Resolved{}, invalid("scheduler", "unknown scheduler")
		}
		res.Scheduler = req.Scheduler
	}

	if res.Mode == ModeText2Img {
		var err error
		if res.Width, err = dimension("width", req.Width); err != nil {
			return Resolved{}, err
		}
		if res.Height, err = dimension("height", req.Height); err != nil {
			return Resolved{}, err
		}
	} else {
		res.Strength = DefaultStrength
		if req.Strength != nil {
			res.Strength = clamp(*req.Strength, 0, 1)
		}
	}

	if req.Steps != nil {
		if *req.Steps < 1 || *req.Steps > maxSteps {
			return Resolved{}, invalid("num_inference_steps", fmt.Sprintf("num_inference_steps must be between 1 and %d", maxSteps))
		}
		res.Steps = *req.Steps
	}
	if req.GuidanceScale != nil {
		if *req.GuidanceScale <= 0 || *req.GuidanceScale > maxGuidance {
			return Resolved{}, invalid("guidance_scale", fmt.Sprintf("guidance_scale must be greater than 0 and at most %d", maxGuidance))
		}
		res.GuidanceScale = *req.GuidanceScale
	}

	if res.CallbackURL != "" {
		if err := validateCallbackURL(res.CallbackURL); err != nil {
			return Resolved{}, err
		}
	}

	text, negative, err := n.resolvePrompt(ctx, req, res.Mode)
	if err != nil {
		return Resolved{}, err
	}
	res.Prompt = n.InjectTriggerWords(text)
	res.NegativePrompt = negative
	res.Loras = n.loras()
	return res, nil
}

func (n *Normalizer) resolvePrompt(ctx context.Context, req Request, mode Mode) (string, string, error) {
	text := strings.TrimSpace(req.Prompt)
	negative := strings.TrimSpace(req.NegativePrompt)
	if text != "" {
		return text, negative, nil
	}

	natural := strings.TrimSpace(req.NaturalLanguage)
	if natural == "" {
		return "", "", invalid("prompt", "missing prompt")
	}
	if n.translator == nil {
		return "", "", ErrTranslatorUnavailable
	}
	translation, err := n.translator.Translate(ctx, natural, mode == ModeImg2Img)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrTranslationFailed, err)
	}
	text = strings.TrimSpace(translation.Prompt)
	if text == "" {
		return "", "", fmt.Errorf("%w: empty prompt returned", ErrTranslationFailed)
	}
	if negative == "" {
		negative = strings.TrimSpace(translation.NegativePrompt)
	}
	return text, negative, nil
}

// InjectTriggerWords prepends every trigger word that is not already a literal,
// case-sensitive substring of text. Newest model first, global words last.
func (n *Normalizer) InjectTriggerWords(text string) string {
	var missing []string
	seen := make(map[string]struct{})
	add := func(words []string) {
		for _, w := range words {
			w = strings.TrimSpace(w)
			if w == "" {
				continue
			}
			if _, dup := seen[w]; dup {
				continue
			}
			seen[w] = struct{}{}
			if !strings.Contains(text, w) {
				missing = append(missing, w)
			}
		}
	}

	models := n.registry.Models()
	for i := len(models) - 1; i >= 0; i-- {
		words, _, ok := n.registry.Lookup(models[i])
		if ok {
			add(words)
		}
	}
	add(n.config.TriggerWords)

	if len(missing) == 0 {
		return text
	}
	return strings.Join(missing, ", ") + ", " + text
}

func (n *Normalizer) loras() []LoraRef {
	var refs []LoraRef
	for _, name := range n.registry.Models() {
		if _, weight, ok := n.registry.Lookup(name); ok {
			refs = append(refs, LoraRef{Name: name, Weight: weight})
		}
	}
	return refs
}

func dimension(field string, v *int) (int, error) {
	if v == nil {
		return 0, nil
	}
	if *v < minDimension || *v > maxDimension || *v%8 != 0 {
		return 0, invalid(field, fmt.Sprintf("%s must be a multiple of 8 between %d and %d", field, minDimension, maxDimension))
	}
	return *v, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func validateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return invalid("callback_url", "callback_url must be an absolute http or https URL")
	}
	return nil
}

func decodeInitImage(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "data:") {
		i := strings.Index(raw, ",")
		if i < 0 {
			return nil, invalid("init_image", "init_image data URL has no payload")
		}
		raw = raw[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		var rawErr error
		if data, rawErr = base64.RawStdEncoding.DecodeString(raw); rawErr != nil {
			return nil, invalid("init_image", "init_image is not valid base64")
		}
	}
	if len(data) == 0 {
		return nil, invalid("init_image", "init_image is empty")
	}
	if mt := mimetype.Detect(data); !strings.HasPrefix(mt.String(), "image/") {
		return nil, invalid("init_image", fmt.Sprintf("init_image has unsupported content type %s", mt.String()))
	}
	return data, nil
}
