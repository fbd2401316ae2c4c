package prompt

// Mode is derived from the presence of an init image, callers never set it.
type Mode string

const (
	ModeText2Img Mode = "text2img"
	ModeImg2Img  Mode = "img2img"
)

// Supported output formats. jpg and jpeg are the same encoding.
const (
	FormatPNG  = "png"
	FormatJPG  = "jpg"
	FormatJPEG = "jpeg"
)

const (
	MinNumImages = 1
	MaxNumImages = 10

	DefaultStrength = 0.75
)

// Schedulers lists the accepted sampler names.
var Schedulers = []string{
	"DPMSolverMultistepScheduler",
	"DDIMScheduler",
	"EulerDiscreteScheduler",
	"PNDMScheduler",
	"LMSDiscreteScheduler",
	"EulerAncestralDiscreteScheduler",
	"HeunDiscreteScheduler",
	"KDPM2DiscreteScheduler",
	"KDPM2AncestralDiscreteScheduler",
}

func IsScheduler(name string) bool {
	for _, s := range Schedulers {
		if s == name {
			return true
		}
	}
	return false
}

// Request is a raw generation request. Nil pointers mean "not supplied".
type Request struct {
	Prompt          string
	NaturalLanguage string
	NegativePrompt  string

	// InitImage is base64, optionally wrapped in a data URL.
	InitImage string

	Width         *int
	Height        *int
	NumImages     *int
	Steps         *int
	GuidanceScale *float64
	Strength      *float64
	Scheduler     string
	Seed          *int64
	OutputFormat  string
	CallbackURL   string
}

// LoraRef is a weight set the engine has to apply.
type LoraRef struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
}

// Resolved is a validated request with defaults applied. Zero Width, Height, Steps
// and GuidanceScale leave the choice to the engine.
type Resolved struct {
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt,omitempty"`
	Mode           Mode      `json:"mode"`
	InitImage      []byte    `json:"init_image,omitempty"`
	Width          int       `json:"width,omitempty"`
	Height         int       `json:"height,omitempty"`
	NumImages      int       `json:"num_images"`
	Steps          int       `json:"num_inference_steps,omitempty"`
	GuidanceScale  float64   `json:"guidance_scale,omitempty"`
	Strength       float64   `json:"strength,omitempty"`
	Scheduler      string    `json:"scheduler"`
	Seed           *int64    `json:"seed,omitempty"`
	OutputFormat   string    `json:"output_format"`
	CallbackURL    string    `json:"callback_url,omitempty"`
	Loras          []LoraRef `json:"loras,omitempty"`
}
