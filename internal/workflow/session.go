// Package workflow owns the staging session: the fixed step sequence, the
// product/container/scene inputs, and the derived geometry and prompt that
// must stay consistent with them.
package workflow

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/verdantlab/plantstage/internal/geometry"
	"github.com/verdantlab/plantstage/internal/history"
	"github.com/verdantlab/plantstage/internal/prompt"
	"github.com/verdantlab/plantstage/pkg/models"
)

var ErrGenerationInFlight = errors.New("a generation is already running for this session")

// Config is the session configuration, resolved once from the settings store
// when the session starts and passed in explicitly.
type Config struct {
	Model             string
	Template          string
	AspectRatio       string
	OutputFormat      string
	Resolution        string
	SafetyFilterLevel string
}

// GeneratedAssets is the observable generation state of a session.
type GeneratedAssets struct {
	BaseImage   models.ImageRef
	IsFallback  bool
	Loading     bool
	ModelUsed   string
	History     []models.ImageRef
	FinalImages []models.ImageRef
}

// Session is the workflow aggregate. It is exclusively owned by its methods;
// a mutex plus a single-flight flag keep concurrent generate calls from
// racing on the base image.
type Session struct {
	mu sync.Mutex

	id   string
	step models.Step

	product   *models.ProductSpec
	container *models.ContainerSpec
	scene     *models.SceneConfig
	model     string

	customLift   *float64
	customPrompt string
	template     string

	geom       geometry.Result
	promptText string

	baseImage   models.ImageRef
	isFallback  bool
	loading     bool
	modelUsed   string
	hist        *history.Ring
	finalImages []models.ImageRef
	lastFailure string

	generating bool
	cancelGen  func()

	cfg       Config
	registry  *models.ModelRegistry
	generator Generator
	images    ImageSource
}

func NewSession(cfg Config, generator Generator, images ImageSource) *Session {
	s := &Session{
		id:        uuid.New().String(),
		step:      models.StepInput,
		template:  cfg.Template,
		model:     cfg.Model,
		cfg:       cfg,
		registry:  models.DefaultRegistry(),
		generator: generator,
		images:    images,
		hist:      history.New(),
	}
	if s.template == "" {
		s.template = prompt.DefaultTemplate
	}
	if s.model == "" {
		s.model = models.DefaultModel
	}
	s.rederive()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Step() models.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// Advance moves to the next step; a no-op at OUTPUT.
func (s *Session) Advance() models.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = s.step.Next()
	return s.step
}

// Retreat moves to the previous step. Retreating from GENERATION_BASE before
// any base image exists jumps back to INPUT: the staging confirmation step
// was never confirmed, so it is treated as skipped.
func (s *Session) Retreat() models.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step == models.StepGenerationBase && s.baseImage.IsZero() {
		s.step = models.StepInput
		return s.step
	}
	s.step = s.step.Prev()
	return s.step
}

// SkipTo jumps to step unconditionally.
func (s *Session) SkipTo(step models.Step) models.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.IsValid() {
		s.step = step
	}
	return s.step
}

func (s *Session) SetProduct(p models.ProductSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.product = &p
	s.rederive()
}

// Product returns the current product spec, or a default one when unset.
func (s *Session) Product() models.ProductSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.product == nil {
		return models.ProductSpec{
			HeightCm:    models.DefaultProductHeightCm,
			PotHeightCm: models.DefaultPotHeightCm,
		}
	}
	return *s.product
}

// Container returns the current container spec, or a default one when unset.
func (s *Session) Container() models.ContainerSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.container == nil {
		return models.ContainerSpec{
			HeightCm: models.DefaultContainerHeightCm,
			Topping:  models.ToppingSoil,
		}
	}
	return *s.container
}

// Scene returns the current scene, or the default studio scene when unset.
func (s *Session) Scene() models.SceneConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scene == nil {
		return models.SceneConfig{Name: "Studio", Template: models.DefaultSceneText}
	}
	return *s.scene
}

func (s *Session) SetContainer(c models.ContainerSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.container = &c
	s.rederive()
}

func (s *Session) SetScene(sc models.SceneConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scene = &sc
	s.rederive()
}

func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
	s.rederive()
}

func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetCustomLift overrides the derived lift. The value is clamped into
// [0, maxLift]; the session owns that invariant so no caller has to.
func (s *Session) SetCustomLift(lift float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxLift := geometry.MaxLift(s.containerHeight(), s.potHeight())
	if lift < 0 {
		lift = 0
	}
	if lift > maxLift {
		lift = maxLift
	}
	s.customLift = &lift
	s.rederive()
}

// ClearCustomLift restores the derived lift.
func (s *Session) ClearCustomLift() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customLift = nil
	s.rederive()
}

// SetCustomPrompt replaces the computed prompt text verbatim. An empty text
// restores computed prompts.
func (s *Session) SetCustomPrompt(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customPrompt = text
}

// SetPromptTemplate replaces the template and rebuilds the prompt from the
// current spec values.
func (s *Session) SetPromptTemplate(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == "" {
		text = prompt.DefaultTemplate
	}
	s.template = text
	s.rederive()
}

func (s *Session) Geometry() geometry.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geom
}

// Prompt returns the active prompt text: the custom override when set,
// otherwise the rendered template.
func (s *Session) Prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePrompt()
}

func (s *Session) Assets() GeneratedAssets {
	s.mu.Lock()
	defer s.mu.Unlock()
	final := make([]models.ImageRef, len(s.finalImages))
	copy(final, s.finalImages)
	return GeneratedAssets{
		BaseImage:   s.baseImage,
		IsFallback:  s.isFallback,
		Loading:     s.loading,
		ModelUsed:   s.modelUsed,
		History:     s.hist.Items(),
		FinalImages: final,
	}
}

// LastFailure describes the most recent generation failure, "" when the last
// generation succeeded.
func (s *Session) LastFailure() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFailure
}

// DeleteHistoryItem removes the history entry at index. The displayed base
// image is a ref value, not an index, so deleting it does not reselect.
func (s *Session) DeleteHistoryItem(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hist.DeleteAt(index)
}

// SelectHistoryImage makes ref the displayed base image. Refs that are not
// in the history are ignored.
func (s *Session) SelectHistoryImage(ref models.ImageRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hist.Contains(ref) {
		return
	}
	s.baseImage = ref
	s.isFallback = false
}

// rederive recomputes geometry and prompt from the current inputs. Every
// setter that touches product, container, scene, lift or template calls this
// before returning, keeping both consistent with the inputs at all times.
// Callers must hold s.mu.
func (s *Session) rederive() {
	s.geom = geometry.Derive(geometry.Input{
		ProductHeightCm:   s.productHeight(),
		PotHeightCm:       s.potHeight(),
		ContainerHeightCm: s.containerHeight(),
		CustomLift:        s.customLift,
	})
	s.promptText = prompt.Render(s.template, s.promptValues())
}

func (s *Session) activePrompt() string {
	if s.customPrompt != "" {
		return s.customPrompt
	}
	return s.promptText
}

func (s *Session) promptValues() prompt.Values {
	v := prompt.Values{
		ProductName:       "the plant",
		ProductHeightCm:   s.productHeight(),
		PotHeightCm:       s.potHeight(),
		ContainerName:     "the container",
		ContainerHeightCm: s.containerHeight(),
		Topping:           string(models.ToppingSoil),
		Scene:             models.DefaultSceneText,
		CustomLift:        s.customLift,
	}
	if s.product != nil && s.product.Name != "" {
		v.ProductName = s.product.Name
	}
	if s.container != nil {
		if s.container.Name != "" {
			v.ContainerName = s.container.Name
		}
		v.ContainerDimension = s.container.Dimension
		if s.container.Topping != "" {
			v.Topping = string(s.container.Topping)
		}
	}
	if s.scene != nil && s.scene.Template != "" {
		v.Scene = s.scene.Template
	}
	return v
}

func (s *Session) productHeight() float64 {
	if s.product == nil {
		return models.DefaultProductHeightCm
	}
	return s.product.HeightCm
}

func (s *Session) potHeight() float64 {
	if s.product == nil {
		return models.DefaultPotHeightCm
	}
	return s.product.PotHeightCm
}

func (s *Session) containerHeight() float64 {
	if s.container == nil {
		return models.DefaultContainerHeightCm
	}
	return s.container.HeightCm
}
