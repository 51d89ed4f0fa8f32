// Package replicate implements the asynchronous image generation backend:
// create a prediction job, then poll it once per second until it reaches a
// terminal status or the attempt budget runs out.
package replicate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/verdantlab/plantstage/internal/provider"
	"github.com/verdantlab/plantstage/pkg/models"
)

const (
	defaultBaseURL = "https://api.replicate.com/v1"
	defaultTimeout = 30 * time.Second

	// model owner namespace on the provider side
	modelOwner = "black-forest-labs"
)

var (
	defaultPollInterval = 1 * time.Second
	maxPollAttempts     = 60 // ~60s before giving up
)

type createRequest struct {
	Input predictionInput `json:"input"`
}

type predictionInput struct {
	Prompt            string   `json:"prompt"`
	ImageInput        []string `json:"image_input,omitempty"`
	AspectRatio       string   `json:"aspect_ratio,omitempty"`
	OutputFormat      string   `json:"output_format,omitempty"`
	Resolution        string   `json:"resolution,omitempty"`
	SafetyFilterLevel string   `json:"safety_filter_level,omitempty"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type Provider struct {
	apiToken     string
	baseURL      string
	httpClient   *http.Client
	verbose      bool
	pollInterval time.Duration
	maxAttempts  int
}

func New(cfg *provider.Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: replicate", provider.ErrMissingCredential)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := defaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	return &Provider{
		apiToken: cfg.APIKey,
		baseURL:  baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		verbose:      cfg.Verbose,
		pollInterval: defaultPollInterval,
		maxAttempts:  maxPollAttempts,
	}, nil
}

func (p *Provider) Kind() models.ProviderKind {
	return models.ProviderReplicate
}

func (p *Provider) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	pred, err := p.createPrediction(ctx, req)
	if err != nil {
		return nil, err
	}

	completed, err := p.pollPrediction(ctx, pred.ID)
	if err != nil {
		return nil, err
	}

	ref, err := outputImage(completed.Output)
	if err != nil {
		return nil, err
	}

	return &models.GenerateResult{
		Image: ref,
		Model: req.Model,
	}, nil
}

func (p *Provider) createPrediction(ctx context.Context, req *models.GenerateRequest) (*prediction, error) {
	input := predictionInput{
		Prompt:            req.Prompt,
		AspectRatio:       req.AspectRatio,
		OutputFormat:      req.OutputFormat,
		Resolution:        req.Resolution,
		SafetyFilterLevel: req.SafetyFilterLevel,
	}
	for _, ref := range req.References {
		mime := ref.MimeType
		if mime == "" {
			mime = "image/png"
		}
		uri := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(ref.Data))
		input.ImageInput = append(input.ImageInput, uri)
	}

	jsonData, err := json.Marshal(&createRequest{Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s/%s/predictions", p.baseURL, modelOwner, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiToken)

	provider.LogRequest(p.verbose, http.MethodPost, url, httpReq.Header, jsonData)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", provider.ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	provider.LogResponse(p.verbose, resp.StatusCode, resp.Header, body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: status %d", provider.ErrRequestFailed, resp.StatusCode)
	}

	var pred prediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if pred.ID == "" {
		return nil, fmt.Errorf("%w: create response carried no prediction id", provider.ErrRequestFailed)
	}

	return &pred, nil
}

// pollPrediction checks the job once per tick until it reaches a terminal
// status. Exhausting the attempt budget without one is a timeout. The ctx
// carries the caller's cancellation, so an abandoned generation stops
// polling at the next tick.
func (p *Provider) pollPrediction(ctx context.Context, id string) (*prediction, error) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			pred, err := p.getPrediction(ctx, id)
			if err != nil {
				return nil, err
			}

			switch pred.Status {
			case "succeeded":
				return pred, nil
			case "failed", "canceled":
				errMsg := pred.Error
				if errMsg == "" {
					errMsg = pred.Status
				}
				return nil, fmt.Errorf("%w: %s", provider.ErrRequestFailed, errMsg)
			case "starting", "processing":
				continue
			default:
				return nil, fmt.Errorf("unknown prediction status: %s", pred.Status)
			}
		}
	}

	return nil, fmt.Errorf("%w: prediction %s not done after %d polls", provider.ErrTimeout, id, p.maxAttempts)
}

func (p *Provider) getPrediction(ctx context.Context, id string) (*prediction, error) {
	url := p.baseURL + "/predictions/" + id
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+p.apiToken)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", provider.ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	provider.LogResponse(p.verbose, resp.StatusCode, resp.Header, body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", provider.ErrRequestFailed, resp.StatusCode)
	}

	var pred prediction
	if err := json.Unmarshal(body, &pred); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &pred, nil
}

// outputImage extracts the result URL. The provider returns either a bare
// string or a list of URLs depending on the model.
func outputImage(raw json.RawMessage) (models.ImageRef, error) {
	if len(raw) == 0 {
		return "", provider.ErrNoResult
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return models.ImageRef(single), nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 && list[0] != "" {
		return models.ImageRef(list[0]), nil
	}

	return "", provider.ErrNoResult
}
