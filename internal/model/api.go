package model

import "github.com/haojie06/sd-task-http/internal/prompt"

type GenerationTaskRequest struct {
	Prompt          string `json:"prompt"`
	NaturalLanguage string `json:"natural_language"`
	NegativePrompt  string `json:"negative_prompt"`

	// base64 or data URL, switches the task to img2img
	InitImage string `json:"init_image"`

	Width             *int     `json:"width"`
	Height            *int     `json:"height"`
	NumImages         *int     `json:"num_images"`
	NumInferenceSteps *int     `json:"num_inference_steps"`
	GuidanceScale     *float64 `json:"guidance_scale"`
	Strength          *float64 `json:"strength"`
	Scheduler         string   `json:"scheduler"`
	Seed              *int64   `json:"seed"`
	OutputFormat      string   `json:"output_format"`

	CallbackURL string `json:"callback_url"`
}

func (r GenerationTaskRequest) ToPromptRequest() prompt.Request {
	return prompt.Request{
		Prompt:          r.Prompt,
		NaturalLanguage: r.NaturalLanguage,
		NegativePrompt:  r.NegativePrompt,
		InitImage:       r.InitImage,
		Width:           r.Width,
		Height:          r.Height,
		NumImages:       r.NumImages,
		Steps:           r.NumInferenceSteps,
		GuidanceScale:   r.GuidanceScale,
		Strength:        r.Strength,
		Scheduler:       r.Scheduler,
		Seed:            r.Seed,
		OutputFormat:    r.OutputFormat,
		CallbackURL:     r.CallbackURL,
	}
}

type GenerationTaskResponse struct {
	TaskId string `json:"task_id"`

	Status string `json:"status"` // pending, processing, completed, failed

	Message string `json:"message,omitempty"`
}

type TaskHTTPResponse struct {
	TaskId  string `json:"task_id,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Storage     string `json:"storage,omitempty"`
}
