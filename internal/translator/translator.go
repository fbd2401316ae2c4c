package translator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haojie06/sd-task-http/internal/logger"
	"github.com/haojie06/sd-task-http/internal/prompt"
)

const DefaultNegativePrompt = "lowres, bad anatomy, bad hands, text, error, missing fingers, extra digit, fewer digits, " +
	"cropped, worst quality, low quality, normal quality, jpeg artifacts, signature, watermark, username, blurry, " +
	"deformed, ugly, disfigured, bad proportions, malformed, mutated, extra limbs, missing limbs, extra arms, " +
	"extra legs, unnatural, unrealistic, distorted, out of focus, grainy, noise, oversaturated, undersaturated, " +
	"compression artifacts"

const systemPrompt = `You write Stable Diffusion prompts.
Turn the user's description into an English, comma separated keyword prompt ordered as:
subject, environment, style or medium, lighting and color, composition, quality tags, mood.
Keep the prompt between 50 and 150 words. Use photographic lighting terms only for photographic styles.
The negative prompt lists at least ten common defects (quality, anatomy, hands, text and watermarks).
Answer with a JSON object only: {"prompt": "...", "negative_prompt": "..."}`

const img2imgHint = "The prompt will steer an image-to-image edit, describe the desired result rather than a new scene."

var ErrEmptyPrompt = errors.New("translator returned an empty prompt")

type Options struct {
	APIBase     string
	APIKey      string
	Model       string
	Temperature float32
	Timeout     time.Duration
	// PromptPrefix is prepended to every translated prompt when set.
	PromptPrefix string
}

// OpenAITranslator talks to any OpenAI compatible chat completions endpoint.
type OpenAITranslator struct {
	client *openai.Client
	opts   Options
	logger *logger.CustomLogger
}

func NewOpenAITranslator(opts Options) *OpenAITranslator {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.APIBase != "" {
		cfg.BaseURL = strings.TrimSuffix(opts.APIBase, "/")
	}
	return &OpenAITranslator{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
		logger: logger.NewCustomLogger().With("component", "translator", "model", opts.Model),
	}
}

func (t *OpenAITranslator) Translate(ctx context.Context, text string, img2img bool) (prompt.Translation, error) {
	if t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	system := systemPrompt
	if img2img {
		system += "\n" + img2imgHint
	}
	resp, err := t.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       t.opts.Model,
		Temperature: t.opts.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: "Description:\n" + text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return prompt.Translation{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return prompt.Translation{}, errors.New("chat completion returned no choices")
	}

	tr, err := ParseTranslation(resp.Choices[0].Message.Content)
	if err != nil {
		return prompt.Translation{}, err
	}
	if prefix := strings.TrimSpace(t.opts.PromptPrefix); prefix != "" {
		tr.Prompt = prefix + ", " + tr.Prompt
	}
	t.logger.Infof("translated %d characters of natural language into a %d character prompt", len([]rune(text)), len(tr.Prompt))
	return tr, nil
}

// ParseTranslation reads the model answer. Fenced code blocks are unwrapped, and an
// answer that is not JSON is used verbatim as the prompt.
func ParseTranslation(content string) (prompt.Translation, error) {
	body := unfence(content)

	var out struct {
		Prompt         string `json:"prompt"`
		NegativePrompt string `json:"negative_prompt"`
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		var syntaxErr *json.SyntaxError
		if !errors.As(err, &syntaxErr) {
			return prompt.Translation{}, fmt.Errorf("decode translation: %w", err)
		}
		out.Prompt = body
	}
	out.Prompt = strings.TrimSpace(out.Prompt)
	if out.Prompt == "" {
		return prompt.Translation{}, ErrEmptyPrompt
	}
	if strings.TrimSpace(out.NegativePrompt) == "" {
		out.NegativePrompt = DefaultNegativePrompt
	}
	return prompt.Translation{Prompt: out.Prompt, NegativePrompt: strings.TrimSpace(out.NegativePrompt)}, nil
}

func unfence(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return strings.TrimSpace(s)
	}
	rest := s[start+3:]
	rest = strings.TrimPrefix(rest, "json")
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
