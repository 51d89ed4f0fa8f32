package workflow

import (
	"context"
	"errors"

	"github.com/verdantlab/plantstage/internal/geometry"
	"github.com/verdantlab/plantstage/pkg/models"
)

// Generator dispatches one generation request. Satisfied by
// provider.Dispatcher.
type Generator interface {
	Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error)
}

// ImageSource resolves reference images for requests. Satisfied by
// imagefetch.Fetcher.
type ImageSource interface {
	LoadReference(ctx context.Context, source string) (models.ReferenceImage, error)
	Fetch(ctx context.Context, ref models.ImageRef) ([]byte, string, error)
}

// GeneratePreview produces the base composite (product staged inside the
// container). A no-op when a base image already exists and forceRetry is
// false. The clearance admission check runs before any provider call.
//
// Provider failures never escape: they become a fallback image when a static
// reference image exists, or the error sentinel otherwise, and the failure
// text is kept on the session. The returned error only reports local
// refusals (clearance, a generation already in flight).
func (s *Session) GeneratePreview(ctx context.Context, forceRetry bool) error {
	s.mu.Lock()
	if !s.baseImage.IsZero() && !s.baseImage.IsError() && !forceRetry {
		s.mu.Unlock()
		return nil
	}
	if err := geometry.CheckClearance(s.containerHeight(), s.potHeight()); err != nil {
		s.lastFailure = err.Error()
		s.mu.Unlock()
		return err
	}
	if s.generating {
		s.mu.Unlock()
		return ErrGenerationInFlight
	}

	genCtx, cancel := context.WithCancel(ctx)
	s.generating = true
	s.loading = true
	s.cancelGen = cancel
	req := s.buildRequest(s.activePrompt())
	sources := s.referenceSources()
	s.mu.Unlock()

	defer cancel()
	req.References = s.loadReferences(genCtx, sources)
	result, err := s.generator.Generate(genCtx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	s.generating = false
	s.cancelGen = nil

	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.lastFailure = "generation stopped"
			return nil
		}
		s.applyFallback(err)
		return nil
	}

	s.baseImage = result.Image
	s.isFallback = false
	s.modelUsed = result.Model
	s.lastFailure = ""
	s.hist.Push(result.Image)
	return nil
}

// GenerateFinalScene composites the base image into the configured scene.
// It always lands the session in OUTPUT: a failure yields an empty result
// set rather than a stuck state, and is never returned to the caller.
func (s *Session) GenerateFinalScene(ctx context.Context) error {
	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()
		return ErrGenerationInFlight
	}

	genCtx, cancel := context.WithCancel(ctx)
	s.generating = true
	s.loading = true
	s.cancelGen = cancel
	req := s.buildRequest(s.scenePrompt())
	base := s.baseImage
	s.mu.Unlock()

	defer cancel()
	var refs []models.ReferenceImage
	if !base.IsZero() && !base.IsError() {
		if data, mime, err := s.images.Fetch(genCtx, base); err == nil {
			refs = append(refs, models.ReferenceImage{Data: data, MimeType: mime})
		}
	}
	req.References = refs
	result, err := s.generator.Generate(genCtx, req)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	s.generating = false
	s.cancelGen = nil
	s.step = models.StepOutput

	if err != nil {
		s.finalImages = nil
		if errors.Is(err, context.Canceled) {
			s.lastFailure = "generation stopped"
		} else {
			s.lastFailure = err.Error()
		}
		return nil
	}

	s.finalImages = append(s.finalImages, result.Image)
	s.modelUsed = result.Model
	s.lastFailure = ""
	return nil
}

// StopGeneration cancels the in-flight generation, if any, and clears the
// loading flag. The canceled request stops at its next suspension point.
func (s *Session) StopGeneration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if s.cancelGen != nil {
		s.cancelGen()
	}
}

// applyFallback implements the caller-owned fallback policy: substitute a
// static reference image when one exists, otherwise the error sentinel.
// Fallbacks are never retried automatically. Callers must hold s.mu.
func (s *Session) applyFallback(genErr error) {
	s.lastFailure = genErr.Error()
	if s.product != nil && s.product.ImageURL != "" {
		s.baseImage = models.ImageRef(s.product.ImageURL)
		s.isFallback = true
		return
	}
	if s.container != nil && s.container.ImageURL != "" {
		s.baseImage = models.ImageRef(s.container.ImageURL)
		s.isFallback = true
		return
	}
	s.baseImage = models.ImageRefError
	s.isFallback = false
}

// buildRequest assembles a request from the session configuration. The
// resolution and safety filter parameters are only sent to pro model
// variants. Callers must hold s.mu.
func (s *Session) buildRequest(promptText string) *models.GenerateRequest {
	req := models.NewGenerateRequest(promptText, s.model)
	if s.cfg.AspectRatio != "" {
		req.AspectRatio = s.cfg.AspectRatio
	}
	if s.cfg.OutputFormat != "" {
		req.OutputFormat = s.cfg.OutputFormat
	}
	if cap, ok := s.registry.Get(s.model); ok {
		if req.AspectRatio == "" {
			req.AspectRatio = cap.DefaultAspectRatio
		}
		if cap.ProVariant {
			req.Resolution = s.cfg.Resolution
			req.SafetyFilterLevel = s.cfg.SafetyFilterLevel
		}
	}
	return req
}

// referenceSources lists the static images sent alongside the base prompt:
// the product's main and detail shots, then the container shot. Callers must
// hold s.mu.
func (s *Session) referenceSources() []string {
	var sources []string
	if s.product != nil {
		if s.product.ImageURL != "" {
			sources = append(sources, s.product.ImageURL)
		}
		sources = append(sources, s.product.DetailImageURLs...)
	}
	if s.container != nil && s.container.ImageURL != "" {
		sources = append(sources, s.container.ImageURL)
	}
	return sources
}

// loadReferences resolves sources to bytes, skipping any that fail to load.
// A missing reference degrades the prompt, it does not block generation.
func (s *Session) loadReferences(ctx context.Context, sources []string) []models.ReferenceImage {
	var refs []models.ReferenceImage
	for _, source := range sources {
		ref, err := s.images.LoadReference(ctx, source)
		if err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

// scenePrompt is the contextual scene instruction used for the final
// composite. Callers must hold s.mu.
func (s *Session) scenePrompt() string {
	scene := models.DefaultSceneText
	if s.scene != nil && s.scene.Template != "" {
		scene = s.scene.Template
	}
	return "Place the potted plant from the reference image into the following setting, " +
		"keeping the plant and container exactly as shown: " + scene
}
