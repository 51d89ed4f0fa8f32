// Package provider defines the image generation contract and dispatches
// requests to the configured backend implementations.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/verdantlab/plantstage/pkg/models"
)

var (
	ErrProviderNotFound = errors.New("provider not configured")

	// ErrMissingCredential: no credential configured for the selected
	// provider; surfaced, never retried automatically.
	ErrMissingCredential = errors.New("no API credential configured")

	// ErrSafetyBlocked: the provider stopped generation on a moderation
	// filter; surfaced, never retried automatically.
	ErrSafetyBlocked = errors.New("generation blocked by safety filter")

	// ErrTimeout: the asynchronous provider exhausted its poll budget.
	ErrTimeout = errors.New("generation timed out")

	// ErrRequestFailed: transport failure or non-2xx provider response.
	ErrRequestFailed = errors.New("provider request failed")

	// ErrNoResult: the provider answered successfully but carried no image
	// payload. Soft failure; the caller falls back instead of surfacing it.
	ErrNoResult = errors.New("provider returned no image")
)

type Provider interface {
	Kind() models.ProviderKind
	Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error)
}

// Config is the per-provider connection configuration, resolved once per
// session from settings and passed in explicitly.
type Config struct {
	APIKey     string
	BaseURL    string
	TimeoutSec int
	Verbose    bool
}

// Dispatcher routes a generation request to the provider owning the
// requested model. Routing is pure: the async model prefix selects the
// create-and-poll provider, everything else the synchronous one. The
// dispatcher holds no mutable state between calls.
type Dispatcher struct {
	providers map[models.ProviderKind]Provider
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		providers: make(map[models.ProviderKind]Provider),
	}
}

func (d *Dispatcher) Register(p Provider) {
	d.providers[p.Kind()] = p
}

func (d *Dispatcher) Get(kind models.ProviderKind) (Provider, error) {
	p, ok := d.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, kind)
	}
	return p, nil
}

func (d *Dispatcher) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	p, err := d.Get(models.ProviderFor(req.Model))
	if err != nil {
		return nil, err
	}
	return p.Generate(ctx, req)
}

// Unavailable returns a Provider that fails every call with err. Used to
// keep the failure category (typically ErrMissingCredential) when a backend
// could not be constructed.
func Unavailable(kind models.ProviderKind, err error) Provider {
	return &unavailable{kind: kind, err: err}
}

type unavailable struct {
	kind models.ProviderKind
	err  error
}

func (u *unavailable) Kind() models.ProviderKind {
	return u.kind
}

func (u *unavailable) Generate(_ context.Context, _ *models.GenerateRequest) (*models.GenerateResult, error) {
	return nil, u.err
}
