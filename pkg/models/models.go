package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Workflow steps in fixed order. StepInput is initial, StepOutput terminal.
type Step int

const (
	StepInput Step = iota
	StepPottedPlant
	StepGenerationBase
	StepGenerationScene
	StepRefinement
	StepOutput
)

var stepNames = map[Step]string{
	StepInput:           "INPUT",
	StepPottedPlant:     "POTTED_PLANT",
	StepGenerationBase:  "GENERATION_BASE",
	StepGenerationScene: "GENERATION_SCENE",
	StepRefinement:      "REFINEMENT",
	StepOutput:          "OUTPUT",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

func (s Step) IsValid() bool {
	return s >= StepInput && s <= StepOutput
}

// Next returns the following step, or StepOutput when already terminal.
func (s Step) Next() Step {
	if s >= StepOutput {
		return StepOutput
	}
	return s + 1
}

// Prev returns the preceding step, or StepInput when already initial.
func (s Step) Prev() Step {
	if s <= StepInput {
		return StepInput
	}
	return s - 1
}

func Steps() []Step {
	return []Step{StepInput, StepPottedPlant, StepGenerationBase, StepGenerationScene, StepRefinement, StepOutput}
}

func ParseStep(name string) (Step, bool) {
	for step, n := range stepNames {
		if strings.EqualFold(n, name) {
			return step, true
		}
	}
	return StepInput, false
}

// Defaults applied when a spec field is absent.
const (
	DefaultProductHeightCm   = 100.0
	DefaultPotHeightCm       = 15.0
	DefaultContainerHeightCm = 18.0
	DefaultSceneText         = "Studio setting: white background"
)

type Topping string

const (
	ToppingSoil    Topping = "Soil"
	ToppingPebbles Topping = "Pebbles"
	ToppingMoss    Topping = "Moss"
	ToppingBark    Topping = "Bark"
)

func ValidToppings() []Topping {
	return []Topping{ToppingSoil, ToppingPebbles, ToppingMoss, ToppingBark}
}

func (t Topping) IsValid() bool {
	return slices.Contains(ValidToppings(), t)
}

func (t Topping) String() string {
	return string(t)
}

// ProductSpec describes the plant being staged. Heights are centimeters.
type ProductSpec struct {
	ID              string
	Name            string
	Category        string
	HeightCm        float64
	PotHeightCm     float64
	ImageURL        string
	DetailImageURLs []string
}

// ContainerSpec describes the pot or planter the product is staged into.
type ContainerSpec struct {
	ID         string
	Name       string
	HeightCm   float64
	DiameterCm float64
	Dimension  string // free-text, e.g. "Ø22 x 18 cm"
	Topping    Topping
	Color      string
	ImageURL   string
}

// SceneConfig is a background scene, either a preset or user-authored.
type SceneConfig struct {
	ID       string
	Name     string
	Template string // prompt fragment
	Custom   bool
}

// NewCustomScene creates a user-authored scene with a timestamp-derived id.
func NewCustomScene(name, template string) SceneConfig {
	return SceneConfig{
		ID:       fmt.Sprintf("custom-%d", time.Now().UnixMilli()),
		Name:     name,
		Template: template,
		Custom:   true,
	}
}

// ImageRef is a single image reference: a data URI, a remote URL, or the
// sentinel "error" marking a failed generation with no fallback available.
type ImageRef string

const ImageRefError ImageRef = "error"

func (r ImageRef) String() string { return string(r) }

func (r ImageRef) IsZero() bool { return r == "" }

func (r ImageRef) IsError() bool { return r == ImageRefError }

func (r ImageRef) IsDataURI() bool { return strings.HasPrefix(string(r), "data:") }

func (r ImageRef) IsRemote() bool {
	return strings.HasPrefix(string(r), "http://") || strings.HasPrefix(string(r), "https://")
}

// ReferenceImage is an input image passed to a provider inline.
type ReferenceImage struct {
	Data     []byte
	MimeType string
}

// GenerateRequest carries everything a provider needs for one generation.
type GenerateRequest struct {
	Prompt     string
	Model      string
	References []ReferenceImage

	// Async provider parameters. Resolution and SafetyFilterLevel are
	// only sent for pro model variants.
	AspectRatio       string
	OutputFormat      string
	Resolution        string
	SafetyFilterLevel string
}

func NewGenerateRequest(prompt, model string) *GenerateRequest {
	return &GenerateRequest{
		Prompt:       prompt,
		Model:        model,
		AspectRatio:  "1:1",
		OutputFormat: "png",
	}
}

// GenerateResult is a normalized provider response.
type GenerateResult struct {
	Image ImageRef
	Model string
}

type ProviderKind string

const (
	ProviderGemini    ProviderKind = "gemini"
	ProviderReplicate ProviderKind = "replicate"
)

// AsyncModelPrefix marks models served by the create-and-poll provider.
// Everything else routes to the synchronous provider.
const AsyncModelPrefix = "flux-"

func ProviderFor(model string) ProviderKind {
	if strings.HasPrefix(model, AsyncModelPrefix) {
		return ProviderReplicate
	}
	return ProviderGemini
}

type ModelCapabilities struct {
	Name               string
	Provider           ProviderKind
	AspectRatios       []string
	DefaultAspectRatio string
	ProVariant         bool
}

func (c *ModelCapabilities) ApplyDefaults(req *GenerateRequest) {
	if req.Model == "" {
		req.Model = c.Name
	}
	if req.AspectRatio == "" {
		req.AspectRatio = c.DefaultAspectRatio
	}
}

type ModelRegistry struct {
	models map[string]*ModelCapabilities
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		models: make(map[string]*ModelCapabilities),
	}
}

func (r *ModelRegistry) Register(cap *ModelCapabilities) {
	r.models[cap.Name] = cap
}

func (r *ModelRegistry) Get(name string) (*ModelCapabilities, bool) {
	cap, ok := r.models[name]
	return cap, ok
}

func (r *ModelRegistry) List() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *ModelRegistry) ListByProvider(provider ProviderKind) []string {
	var names []string
	for name, cap := range r.models {
		if cap.Provider == provider {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash-image"

func DefaultRegistry() *ModelRegistry {
	r := NewModelRegistry()

	r.Register(&ModelCapabilities{
		Name:               "gemini-2.5-flash-image",
		Provider:           ProviderGemini,
		AspectRatios:       []string{"1:1", "3:4", "4:3", "9:16", "16:9"},
		DefaultAspectRatio: "1:1",
	})

	r.Register(&ModelCapabilities{
		Name:               "gemini-2.0-flash-exp-image",
		Provider:           ProviderGemini,
		AspectRatios:       []string{"1:1"},
		DefaultAspectRatio: "1:1",
	})

	r.Register(&ModelCapabilities{
		Name:               "flux-kontext-pro",
		Provider:           ProviderReplicate,
		AspectRatios:       []string{"1:1", "4:3", "3:4", "16:9", "9:16", "match_input_image"},
		DefaultAspectRatio: "match_input_image",
		ProVariant:         true,
	})

	r.Register(&ModelCapabilities{
		Name:               "flux-dev",
		Provider:           ProviderReplicate,
		AspectRatios:       []string{"1:1", "4:3", "3:4", "16:9", "9:16"},
		DefaultAspectRatio: "1:1",
	})

	return r
}
