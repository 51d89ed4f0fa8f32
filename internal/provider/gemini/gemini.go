// Package gemini implements the synchronous image generation backend: one
// generateContent call carrying the prompt and all reference images inline.
package gemini

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
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 120 * time.Second
)

type apiRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type apiResponse struct {
	Candidates []candidate `json:"candidates"`
	Error      *apiError   `json:"error,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	verbose    bool
}

func New(cfg *provider.Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: gemini", provider.ErrMissingCredential)
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
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		verbose: cfg.Verbose,
	}, nil
}

func (p *Provider) Kind() models.ProviderKind {
	return models.ProviderGemini
}

// Generate performs one round trip. Reference images are interleaved as
// inline base64 blocks with the prompt text as the trailing part.
func (p *Provider) Generate(ctx context.Context, req *models.GenerateRequest) (*models.GenerateResult, error) {
	apiReq := buildAPIRequest(req)

	jsonData, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

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

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if apiResp.Error != nil {
		return nil, fmt.Errorf("%w: %s", provider.ErrRequestFailed, apiResp.Error.Message)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", provider.ErrRequestFailed, resp.StatusCode)
	}

	return buildResult(req.Model, apiResp)
}

func buildAPIRequest(req *models.GenerateRequest) *apiRequest {
	parts := make([]part, 0, len(req.References)+1)
	for _, ref := range req.References {
		mime := ref.MimeType
		if mime == "" {
			mime = "image/png"
		}
		parts = append(parts, part{
			InlineData: &inlineData{
				MimeType: mime,
				Data:     base64.StdEncoding.EncodeToString(ref.Data),
			},
		})
	}
	parts = append(parts, part{Text: req.Prompt})

	return &apiRequest{
		Contents: []content{{Parts: parts}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"IMAGE"},
		},
	}
}

// buildResult walks the candidate parts and returns the first inline image
// as a data URI. A moderation finish reason fails hard; a response with no
// image payload fails soft so the caller can fall back.
func buildResult(model string, apiResp apiResponse) (*models.GenerateResult, error) {
	if len(apiResp.Candidates) == 0 {
		return nil, provider.ErrNoResult
	}

	cand := apiResp.Candidates[0]
	if isSafetyStop(cand.FinishReason) {
		return nil, fmt.Errorf("%w: finish reason %s", provider.ErrSafetyBlocked, cand.FinishReason)
	}

	for _, pt := range cand.Content.Parts {
		if pt.InlineData != nil && pt.InlineData.Data != "" {
			uri := fmt.Sprintf("data:%s;base64,%s", pt.InlineData.MimeType, pt.InlineData.Data)
			return &models.GenerateResult{
				Image: models.ImageRef(uri),
				Model: model,
			}, nil
		}
	}

	return nil, provider.ErrNoResult
}

func isSafetyStop(finishReason string) bool {
	switch finishReason {
	case "SAFETY", "IMAGE_SAFETY", "PROHIBITED_CONTENT":
		return true
	}
	return false
}
