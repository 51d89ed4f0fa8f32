package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/verdantlab/plantstage/internal/geometry"
	"github.com/verdantlab/plantstage/internal/history"
	"github.com/verdantlab/plantstage/internal/provider"
	"github.com/verdantlab/plantstage/pkg/models"
)

// fakeGenerator numbers its results so tests can tell generations apart.
type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	requests []*models.GenerateRequest
	err      error
	block    chan struct{} // when set, Generate waits for ctx or the channel
}

func (g *fakeGenerator) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.requests = append(g.requests, req)
	block := g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if g.err != nil {
		return nil, g.err
	}

	image := models.ImageRef(fmt.Sprintf("data:image/png;base64,gen%d", call))
	return &models.GenerateResult{Image: image, Model: req.Model}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGenerator) lastRequest() *models.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		return nil
	}
	return g.requests[len(g.requests)-1]
}

// fakeImages resolves every source to stub bytes, except listed failures.
type fakeImages struct {
	failing map[string]bool
}

func (f *fakeImages) LoadReference(_ context.Context, source string) (models.ReferenceImage, error) {
	if f.failing[source] {
		return models.ReferenceImage{}, errors.New("unreachable")
	}
	return models.ReferenceImage{Data: []byte(source), MimeType: "image/png"}, nil
}

func (f *fakeImages) Fetch(_ context.Context, ref models.ImageRef) ([]byte, string, error) {
	if ref.IsZero() || ref.IsError() {
		return nil, "", errors.New("no image data")
	}
	return []byte(ref), "image/png", nil
}

func newTestSession(gen *fakeGenerator) *Session {
	return NewSession(Config{}, gen, &fakeImages{})
}

func TestNewSessionDefaults(t *testing.T) {
	s := newTestSession(&fakeGenerator{})

	if s.ID() == "" {
		t.Error("ID() should not be empty")
	}
	if s.Step() != models.StepInput {
		t.Errorf("Step() = %s, want INPUT", s.Step())
	}
	if s.Model() != models.DefaultModel {
		t.Errorf("Model() = %q, want %q", s.Model(), models.DefaultModel)
	}

	// defaults flow into geometry: container 18 - pot 15 = lift 3
	geom := s.Geometry()
	if geom.LiftHeightCm != 3 {
		t.Errorf("LiftHeightCm = %v, want 3", geom.LiftHeightCm)
	}
	if geom.VisualTotalCm != 103 {
		t.Errorf("VisualTotalCm = %v, want 103", geom.VisualTotalCm)
	}
}

func TestAdvanceAndRetreatWalkTheSequence(t *testing.T) {
	s := newTestSession(&fakeGenerator{})

	want := []models.Step{
		models.StepPottedPlant,
		models.StepGenerationBase,
		models.StepGenerationScene,
		models.StepRefinement,
		models.StepOutput,
	}
	for _, step := range want {
		if got := s.Advance(); got != step {
			t.Fatalf("Advance() = %s, want %s", got, step)
		}
	}

	// terminal no-op
	if got := s.Advance(); got != models.StepOutput {
		t.Errorf("Advance() at OUTPUT = %s", got)
	}

	if got := s.Retreat(); got != models.StepRefinement {
		t.Errorf("Retreat() = %s, want REFINEMENT", got)
	}
}

func TestRetreatFromGenerationBaseWithoutImage(t *testing.T) {
	s := newTestSession(&fakeGenerator{})
	s.SkipTo(models.StepGenerationBase)

	if got := s.Retreat(); got != models.StepInput {
		t.Errorf("Retreat() = %s, want INPUT", got)
	}
}

func TestRetreatFromGenerationBaseWithImage(t *testing.T) {
	gen := &fakeGenerator{}
	s := newTestSession(gen)
	s.SkipTo(models.StepGenerationBase)

	if err := s.GeneratePreview(context.Background(), false); err != nil {
		t.Fatalf("GeneratePreview() error = %v", err)
	}

	if got := s.Retreat(); got != models.StepPottedPlant {
		t.Errorf("Retreat() = %s, want POTTED_PLANT", got)
	}
}

func TestRetreatAtInputStays(t *testing.T) {
	s := newTestSession(&fakeGenerator{})
	if got := s.Retreat(); got != models.StepInput {
		t.Errorf("Retreat() at INPUT = %s", got)
	}
}

func TestSettersRederiveGeometryAndPrompt(t *testing.T) {
	s := newTestSession(&fakeGenerator{})
	s.SetPromptTemplate("{{productName}} / {{productHeight}} / {{finalHeight}} / {{topping}} / {{scene}}")

	s.SetProduct(models.ProductSpec{Name: "Ficus", HeightCm: 180, PotHeightCm: 15})
	s.SetContainer(models.ContainerSpec{Name: "Cube", HeightCm: 30, Topping: models.ToppingMoss})
	s.SetScene(models.NewCustomScene("loft", "Sunlit loft"))

	geom := s.Geometry()
	if geom.LiftHeightCm != 15 {
		t.Errorf("LiftHeightCm = %v, want 15", geom.LiftHeightCm)
	}
	if geom.VisualTotalCm != 195 {
		t.Errorf("VisualTotalCm = %v, want 195", geom.VisualTotalCm)
	}

	if got, want := s.Prompt(), "Ficus / 180 / 195 / Moss / Sunlit loft"; got != want {
		t.Errorf("Prompt() = %q, want %q", got, want)
	}
}

func TestSetCustomLiftClamps(t *testing.T) {
	s := newTestSession(&fakeGenerator{})
	s.SetProduct(models.ProductSpec{HeightCm: 180, PotHeightCm: 15})
	s.SetContainer(models.ContainerSpec{HeightCm: 30}) // maxLift 15

	tests := []struct {
		lift      float64
		wantLift  float64
		wantTotal float64
	}{
		{5, 5, 185},
		{-3, 0, 180},
		{40, 15, 195},
	}

	for _, tt := range tests {
		s.SetCustomLift(tt.lift)
		geom := s.Geometry()
		if geom.LiftHeightCm != tt.wantLift {
			t.Errorf("SetCustomLift(%v): lift = %v, want %v", tt.lift, geom.LiftHeightCm, tt.wantLift)
		}
		if geom.VisualTotalCm != tt.wantTotal {
			t.Errorf("SetCustomLift(%v): total = %v, want %v", tt.lift, geom.VisualTotalCm, tt.wantTotal)
		}
	}

	s.ClearCustomLift()
	if geom := s.Geometry(); geom.LiftHeightCm != 15 {
		t.Errorf("ClearCustomLift(): lift = %v, want 15", geom.LiftHeightCm)
	}
}

func TestCustomPromptOverride(t *testing.T) {
	s := newTestSession(&fakeGenerator{})

	s.SetCustomPrompt("exactly this text")
	if got := s.Prompt(); got != "exactly this text" {
		t.Errorf("Prompt() = %q", got)
	}

	// inputs changing underneath does not disturb the override
	s.SetProduct(models.ProductSpec{Name: "Ficus", HeightCm: 180, PotHeightCm: 15})
	if got := s.Prompt(); got != "exactly this text" {
		t.Errorf("Prompt() after SetProduct = %q", got)
	}

	s.SetCustomPrompt("")
	if got := s.Prompt(); !strings.Contains(got, "Ficus") {
		t.Errorf("Prompt() after clearing override = %q", got)
	}
}

func TestGeneratePreviewSuccess(t *testing.T) {
	gen := &fakeGenerator{}
	s := newTestSession(gen)
	s.SetProduct(models.ProductSpec{
		Name:            "Ficus",
		HeightCm:        180,
		PotHeightCm:     15,
		ImageURL:        "https://cdn/x/main.png",
		DetailImageURLs: []string{"https://cdn/x/detail.png"},
	})
	s.SetContainer(models.ContainerSpec{HeightCm: 30, ImageURL: "https://cdn/x/pot.png"})

	if err := s.GeneratePreview(context.Background(), false); err != nil {
		t.Fatalf("GeneratePreview() error = %v", err)
	}

	assets := s.Assets()
	if assets.BaseImage.IsZero() || assets.IsFallback {
		t.Errorf("assets = %+v", assets)
	}
	if assets.Loading {
		t.Error("Loading should be false after completion")
	}
	if assets.ModelUsed != models.DefaultModel {
		t.Errorf("ModelUsed = %q", assets.ModelUsed)
	}
	if len(assets.History) != 1 || assets.History[0] != assets.BaseImage {
		t.Errorf("History = %v", assets.History)
	}
	if s.LastFailure() != "" {
		t.Errorf("LastFailure() = %q", s.LastFailure())
	}

	// all three reference images loaded
	if req := gen.lastRequest(); len(req.References) != 3 {
		t.Errorf("got %d references, want 3", len(req.References))
	}
}

func TestGeneratePreviewIsIdempotent(t *testing.T) {
	gen := &fakeGenerator{}
	s := newTestSession(gen)

	s.GeneratePreview(context.Background(), false)
	s.GeneratePreview(context.Background(), false)

	if gen.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", gen.callCount())
	}

	s.GeneratePreview(context.Background(), true)
	if gen.callCount() != 2 {
		t.Errorf("forceRetry: provider called %d times, want 2", gen.callCount())
	}
}

func TestGeneratePreviewClearanceRefusal(t *testing.T) {
	gen := &fakeGenerator{}
	s := newTestSession(gen)
	s.SetProduct(models.ProductSpec{HeightCm: 180, PotHeightCm: 15})
	s.SetContainer(models.ContainerSpec{HeightCm: 16}) // clearance 1cm

	err := s.GeneratePreview(context.Background(), false)
	if !errors.Is(err, geometry.ErrInsufficientClearance) {
		t.Fatalf("error = %v, want ErrInsufficientClearance", err)
	}
	if gen.callCount() != 0 {
		t.Errorf("provider called %d times, want 0", gen.callCount())
	}
	if s.LastFailure() == "" {
		t.Error("LastFailure() should describe the refusal")
	}

	// widening the container makes the same call succeed
	s.SetContainer(models.ContainerSpec{HeightCm: 17})
	if err := s.GeneratePreview(context.Background(), false); err != nil {
		t.Errorf("GeneratePreview() after widening error = %v", err)
	}
}

func TestGeneratePreviewFallbackToProductImage(t *testing.T) {
	gen := &fakeGenerator{err: provider.ErrSafetyBlocked}
	s := newTestSession(gen)
	s.SetProduct(models.ProductSpec{HeightCm: 180, PotHeightCm: 15, ImageURL: "https://cdn/x/main.png"})
	s.SetContainer(models.ContainerSpec{HeightCm: 30, ImageURL: "https://cdn/x/pot.png"})

	if err := s.GeneratePreview(context.Background(), false); err != nil {
		t.Fatalf("provider failure must not surface, got %v", err)
	}

	assets := s.Assets()
	if assets.BaseImage != "https://cdn/x/main.png" || !assets.IsFallback {
		t.Errorf("assets = %+v, want product fallback", assets)
	}
	if len(assets.History) != 0 {
		t.Errorf("fallbacks must not enter history, got %v", assets.History)
	}
	if !strings.Contains(s.LastFailure(), "safety") {
		t.Errorf("LastFailure() = %q", s.LastFailure())
	}
}

func TestGeneratePreviewFallbackToContainerImage(t *testing.T) {
	gen := &fakeGenerator{err: provider.ErrNoResult}
	s := newTestSession(gen)
	s.SetProduct(models.ProductSpec{HeightCm: 180, PotHeightCm: 15})
	s.SetContainer(models.ContainerSpec{HeightCm: 30, ImageURL: "https://cdn/x/pot.png"})

	s.GeneratePreview(context.Background(), false)

	assets := s.Assets()
	if assets.BaseImage != "https://cdn/x/pot.png" || !assets.IsFallback {
		t.Errorf("assets = %+v, want container fallback", assets)
	}
}

func TestGeneratePreviewFallbackSentinel(t *testing.T) {
	gen := &fakeGenerator{err: provider.ErrRequestFailed}
	s := newTestSession(gen)

	s.GeneratePreview(context.Background(), false)

	assets := s.Assets()
	if !assets.BaseImage.IsError() {
		t.Errorf("BaseImage = %q, want error sentinel", assets.BaseImage)
	}
	if assets.IsFallback {
		t.Error("the sentinel is not a fallback image")
	}
}

func TestGeneratePreviewRetryAfterFallback(t *testing.T) {
	gen := &fakeGenerator{err: provider.ErrRequestFailed}
	s := newTestSession(gen)
	s.SetProduct(models.ProductSpec{HeightCm: 180, PotHeightCm: 15, ImageURL: "https://cdn/x/main.png"})
	s.SetContainer(models.ContainerSpec{HeightCm: 30})

	s.GeneratePreview(context.Background(), false)
	if !s.Assets().IsFallback {
		t.Fatal("expected a fallback")
	}

	// fallbacks are not retried automatically, only explicitly
	s.GeneratePreview(context.Background(), false)
	if gen.callCount() != 1 {
		t.Fatalf("provider called %d times, want 1", gen.callCount())
	}

	gen.err = nil
	s.GeneratePreview(context.Background(), true)
	assets := s.Assets()
	if assets.IsFallback || assets.BaseImage.IsZero() {
		t.Errorf("assets after explicit retry = %+v", assets)
	}
	if s.LastFailure() != "" {
		t.Errorf("LastFailure() = %q", s.LastFailure())
	}
}

func TestHistoryKeepsFourMostRecent(t *testing.T) {
	gen := &fakeGenerator{}
	s := newTestSession(gen)

	for i := 0; i < 5; i++ {
		if err := s.GeneratePreview(context.Background(), true); err != nil {
			t.Fatalf("GeneratePreview() #%d error = %v", i+1, err)
		}
	}

	assets := s.Assets()
	if len(assets.History) != history.Capacity {
		t.Fatalf("history has %d entries, want %d", len(assets.History), history.Capacity)
	}
	wantOldest := models.ImageRef("data:image/png;base64,gen2")
	if assets.History[0] != wantOldest {
		t.Errorf("oldest survivor = %q, want %q", assets.History[0], wantOldest)
	}
	if assets.BaseImage != "data:image/png;base64,gen5" {
		t.Errorf("BaseImage = %q, want the newest", assets.BaseImage)
	}
}

func TestSelectAndDeleteHistory(t *testing.T) {
	gen := &fakeGenerator{}
	s := newTestSession(gen)
	s.GeneratePreview(context.Background(), true)
	s.GeneratePreview(context.Background(), true)

	first := s.Assets().History[0]
	s.SelectHistoryImage(first)
	if got := s.Assets().BaseImage; got != first {
		t.Errorf("BaseImage = %q, want %q", got, first)
	}

	// deleting the displayed entry keeps it displayed
	s.DeleteHistoryItem(0)
	assets := s.Assets()
	if len(assets.History) != 1 {
		t.Fatalf("history has %d entries, want 1", len(assets.History))
	}
	if assets.BaseImage != first {
		t.Errorf("BaseImage = %q, want %q after delete", assets.BaseImage, first)
	}

	// out-of-range delete is ignored
	s.DeleteHistoryItem(9)
	if got := len(s.Assets().History); got != 1 {
		t.Errorf("history has %d entries, want 1", got)
	}

	// selecting a ref that is not in history is ignored
	s.SelectHistoryImage("data:image/png;base64,unknown")
	if got := s.Assets().BaseImage; got != first {
		t.Errorf("BaseImage = %q, want %q", got, first)
	}
}

func TestGeneratePreviewSingleFlight(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{})}
	s := newTestSession(gen)

	done := make(chan error, 1)
	go func() {
		done <- s.GeneratePreview(context.Background(), false)
	}()

	// wait for the first call to reach the provider
	for gen.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	if err := s.GeneratePreview(context.Background(), true); !errors.Is(err, ErrGenerationInFlight) {
		t.Errorf("second call error = %v, want ErrGenerationInFlight", err)
	}

	close(gen.block)
	if err := <-done; err != nil {
		t.Errorf("first call error = %v", err)
	}
	if s.Assets().Loading {
		t.Error("Loading should clear when the generation finishes")
	}
}

func TestStopGeneration(t *testing.T) {
	gen := &fakeGenerator{block: make(chan struct{})}
	s := newTestSession(gen)

	done := make(chan error, 1)
	go func() {
		done <- s.GeneratePreview(context.Background(), false)
	}()
	for gen.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	s.StopGeneration()
	if err := <-done; err != nil {
		t.Fatalf("GeneratePreview() error = %v", err)
	}

	assets := s.Assets()
	if assets.Loading {
		t.Error("Loading should be false after stop")
	}
	if !assets.BaseImage.IsZero() {
		t.Errorf("BaseImage = %q, want none", assets.BaseImage)
	}
	if s.LastFailure() != "generation stopped" {
		t.Errorf("LastFailure() = %q", s.LastFailure())
	}

	// the session accepts new generations afterwards
	gen.mu.Lock()
	gen.block = nil
	gen.mu.Unlock()
	if err := s.GeneratePreview(context.Background(), false); err != nil {
		t.Errorf("GeneratePreview() after stop error = %v", err)
	}
	if s.Assets().BaseImage.IsZero() {
		t.Error("expected a base image after the follow-up generation")
	}
}

func TestGenerateFinalSceneSuccess(t *testing.T) {
	gen := &fakeGenerator{}
	s := newTestSession(gen)
	s.SetScene(models.NewCustomScene("loft", "Sunlit loft"))
	s.GeneratePreview(context.Background(), false)
	s.SkipTo(models.StepRefinement)

	if err := s.GenerateFinalScene(context.Background()); err != nil {
		t.Fatalf("GenerateFinalScene() error = %v", err)
	}

	if s.Step() != models.StepOutput {
		t.Errorf("Step() = %s, want OUTPUT", s.Step())
	}
	assets := s.Assets()
	if len(assets.FinalImages) != 1 {
		t.Fatalf("FinalImages = %v", assets.FinalImages)
	}

	req := gen.lastRequest()
	if !strings.Contains(req.Prompt, "Sunlit loft") {
		t.Errorf("scene prompt = %q", req.Prompt)
	}
	if len(req.References) != 1 {
		t.Errorf("got %d references, want the base image", len(req.References))
	}
}

func TestGenerateFinalSceneFailureStillReachesOutput(t *testing.T) {
	gen := &fakeGenerator{err: provider.ErrTimeout}
	s := newTestSession(gen)
	s.SkipTo(models.StepRefinement)

	if err := s.GenerateFinalScene(context.Background()); err != nil {
		t.Fatalf("provider failure must not surface, got %v", err)
	}

	if s.Step() != models.StepOutput {
		t.Errorf("Step() = %s, want OUTPUT", s.Step())
	}
	if got := s.Assets().FinalImages; len(got) != 0 {
		t.Errorf("FinalImages = %v, want none", got)
	}
	if s.LastFailure() == "" {
		t.Error("LastFailure() should describe the failure")
	}
}

func TestBuildRequestProVariantParameters(t *testing.T) {
	cfg := Config{
		Model:             "flux-kontext-pro",
		Resolution:        "1080p",
		SafetyFilterLevel: "block_medium_and_above",
	}
	gen := &fakeGenerator{}
	s := NewSession(cfg, gen, &fakeImages{})

	s.GeneratePreview(context.Background(), false)
	req := gen.lastRequest()
	if req.Resolution != "1080p" || req.SafetyFilterLevel != "block_medium_and_above" {
		t.Errorf("pro parameters missing: %+v", req)
	}

	// non-pro models never send them
	s.SetModel("flux-dev")
	s.GeneratePreview(context.Background(), true)
	req = gen.lastRequest()
	if req.Resolution != "" || req.SafetyFilterLevel != "" {
		t.Errorf("non-pro request carries pro parameters: %+v", req)
	}
}

func TestLoadReferencesSkipsFailures(t *testing.T) {
	gen := &fakeGenerator{}
	images := &fakeImages{failing: map[string]bool{"https://cdn/x/detail.png": true}}
	s := NewSession(Config{}, gen, images)
	s.SetProduct(models.ProductSpec{
		HeightCm:        180,
		PotHeightCm:     15,
		ImageURL:        "https://cdn/x/main.png",
		DetailImageURLs: []string{"https://cdn/x/detail.png"},
	})

	if err := s.GeneratePreview(context.Background(), false); err != nil {
		t.Fatalf("GeneratePreview() error = %v", err)
	}
	if req := gen.lastRequest(); len(req.References) != 1 {
		t.Errorf("got %d references, want 1", len(req.References))
	}
}
