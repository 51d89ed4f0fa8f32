package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/verdantlab/plantstage/internal/provider"
	"github.com/verdantlab/plantstage/pkg/models"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*Provider, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New(&provider.Config{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p, server
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(&provider.Config{})
	if !errors.Is(err, provider.ErrMissingCredential) {
		t.Errorf("New() error = %v, want ErrMissingCredential", err)
	}
}

func TestGenerateSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotReq apiRequest

	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}

		json.NewEncoder(w).Encode(apiResponse{
			Candidates: []candidate{{
				Content: content{Parts: []part{
					{Text: "here is your image"},
					{InlineData: &inlineData{MimeType: "image/png", Data: "aW1hZ2U="}},
				}},
				FinishReason: "STOP",
			}},
		})
	})

	req := models.NewGenerateRequest("a plant in a pot", "gemini-2.5-flash-image")
	req.References = []models.ReferenceImage{
		{Data: []byte("ref1"), MimeType: "image/jpeg"},
		{Data: []byte("ref2")},
	}

	result, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if gotPath != "/models/gemini-2.5-flash-image:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if gotKey != "test-key" {
		t.Errorf("x-goog-api-key = %q", gotKey)
	}

	parts := gotReq.Contents[0].Parts
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	if parts[0].InlineData == nil || parts[0].InlineData.MimeType != "image/jpeg" {
		t.Errorf("first part = %+v, want image/jpeg inline data", parts[0])
	}
	if parts[1].InlineData == nil || parts[1].InlineData.MimeType != "image/png" {
		t.Errorf("second part should default to image/png, got %+v", parts[1])
	}
	if parts[2].Text != "a plant in a pot" {
		t.Errorf("trailing part text = %q", parts[2].Text)
	}

	want := models.ImageRef("data:image/png;base64,aW1hZ2U=")
	if result.Image != want {
		t.Errorf("Image = %q, want %q", result.Image, want)
	}
	if result.Model != "gemini-2.5-flash-image" {
		t.Errorf("Model = %q", result.Model)
	}
}

func TestGenerateSafetyBlocked(t *testing.T) {
	reasons := []string{"SAFETY", "IMAGE_SAFETY", "PROHIBITED_CONTENT"}
	for _, reason := range reasons {
		t.Run(reason, func(t *testing.T) {
			p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(apiResponse{
					Candidates: []candidate{{FinishReason: reason}},
				})
			})

			_, err := p.Generate(context.Background(), models.NewGenerateRequest("p", "gemini-2.5-flash-image"))
			if !errors.Is(err, provider.ErrSafetyBlocked) {
				t.Errorf("error = %v, want ErrSafetyBlocked", err)
			}
		})
	}
}

func TestGenerateNoImagePayload(t *testing.T) {
	tests := []struct {
		name string
		resp apiResponse
	}{
		{"no candidates", apiResponse{}},
		{"text only", apiResponse{
			Candidates: []candidate{{
				Content:      content{Parts: []part{{Text: "I cannot draw that"}}},
				FinishReason: "STOP",
			}},
		}},
		{"empty inline data", apiResponse{
			Candidates: []candidate{{
				Content: content{Parts: []part{{InlineData: &inlineData{MimeType: "image/png"}}}},
			}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.resp)
			})

			_, err := p.Generate(context.Background(), models.NewGenerateRequest("p", "gemini-2.5-flash-image"))
			if !errors.Is(err, provider.ErrNoResult) {
				t.Errorf("error = %v, want ErrNoResult", err)
			}
		})
	}
}

func TestGenerateAPIError(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(apiResponse{
			Error: &apiError{Code: 400, Message: "invalid model", Status: "INVALID_ARGUMENT"},
		})
	})

	_, err := p.Generate(context.Background(), models.NewGenerateRequest("p", "bogus-model"))
	if !errors.Is(err, provider.ErrRequestFailed) {
		t.Fatalf("error = %v, want ErrRequestFailed", err)
	}
	if !strings.Contains(err.Error(), "invalid model") {
		t.Errorf("error should carry the API message, got %v", err)
	}
}

func TestGenerateNon200WithoutErrorBody(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{}`))
	})

	_, err := p.Generate(context.Background(), models.NewGenerateRequest("p", "gemini-2.5-flash-image"))
	if !errors.Is(err, provider.ErrRequestFailed) {
		t.Errorf("error = %v, want ErrRequestFailed", err)
	}
}

func TestGenerateContextCancelled(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Generate(ctx, models.NewGenerateRequest("p", "gemini-2.5-flash-image"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}
