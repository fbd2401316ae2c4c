package prompt

import "context"

// TriggerRegistry is the read-only LoRA catalogue.
type TriggerRegistry interface {
	// Models returns model names in configuration order, oldest first.
	Models() []string
	Lookup(name string) (triggerWords []string, weight float64, ok bool)
}

// Translation is a prompt pair derived from free text.
type Translation struct {
	Prompt         string
	NegativePrompt string
}

type Translator interface {
	Translate(ctx context.Context, text string, img2img bool) (Translation, error)
}

type LoraModel struct {
	Name         string
	Weight       float64
	TriggerWords []string
}

// StaticRegistry is a TriggerRegistry fixed at construction.
type StaticRegistry struct {
	order  []string
	models map[string]LoraModel
}

func NewStaticRegistry(models ...LoraModel) *StaticRegistry {
	r := &StaticRegistry{models: make(map[string]LoraModel, len(models))}
	for _, m := range models {
		if _, dup := r.models[m.Name]; !dup {
			r.order = append(r.order, m.Name)
		}
		words := make([]string, len(m.TriggerWords))
		copy(words, m.TriggerWords)
		m.TriggerWords = words
		r.models[m.Name] = m
	}
	return r
}

func (r *StaticRegistry) Models() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *StaticRegistry) Lookup(name string) ([]string, float64, bool) {
	m, ok := r.models[name]
	if !ok {
		return nil, 0, false
	}
	words := make([]string, len(m.TriggerWords))
	copy(words, m.TriggerWords)
	return words, m.Weight, true
}
