package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/verdantlab/plantstage/internal/provider"
	"github.com/verdantlab/plantstage/pkg/models"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New(&provider.Config{APIKey: "test-token", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.pollInterval = time.Millisecond
	return p
}

func writePrediction(t *testing.T, w http.ResponseWriter, pred prediction) {
	t.Helper()
	if err := json.NewEncoder(w).Encode(pred); err != nil {
		t.Errorf("encode prediction: %v", err)
	}
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(&provider.Config{})
	if !errors.Is(err, provider.ErrMissingCredential) {
		t.Errorf("New() error = %v, want ErrMissingCredential", err)
	}
}

func TestGenerateCreateThenPoll(t *testing.T) {
	var polls atomic.Int32
	var gotCreatePath, gotAuth string
	var gotCreate createRequest

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			gotCreatePath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			if err := json.NewDecoder(r.Body).Decode(&gotCreate); err != nil {
				t.Errorf("decode create request: %v", err)
			}
			w.WriteHeader(http.StatusCreated)
			writePrediction(t, w, prediction{ID: "pred-1", Status: "starting"})
			return
		}

		if r.URL.Path != "/predictions/pred-1" {
			t.Errorf("poll path = %q", r.URL.Path)
		}
		switch polls.Add(1) {
		case 1:
			writePrediction(t, w, prediction{ID: "pred-1", Status: "starting"})
		case 2:
			writePrediction(t, w, prediction{ID: "pred-1", Status: "processing"})
		default:
			writePrediction(t, w, prediction{
				ID:     "pred-1",
				Status: "succeeded",
				Output: json.RawMessage(`["https://x/img.png"]`),
			})
		}
	})

	req := models.NewGenerateRequest("a staged plant", "flux-kontext-pro")
	req.References = []models.ReferenceImage{{Data: []byte("ref"), MimeType: "image/png"}}
	req.Resolution = "1080p"
	req.SafetyFilterLevel = "block_medium_and_above"

	result, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if gotCreatePath != "/models/black-forest-labs/flux-kontext-pro/predictions" {
		t.Errorf("create path = %q", gotCreatePath)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotCreate.Input.Prompt != "a staged plant" {
		t.Errorf("prompt = %q", gotCreate.Input.Prompt)
	}
	if len(gotCreate.Input.ImageInput) != 1 || !strings.HasPrefix(gotCreate.Input.ImageInput[0], "data:image/png;base64,") {
		t.Errorf("image_input = %v", gotCreate.Input.ImageInput)
	}
	if gotCreate.Input.Resolution != "1080p" {
		t.Errorf("resolution = %q", gotCreate.Input.Resolution)
	}
	if got := polls.Load(); got != 3 {
		t.Errorf("polled %d times, want 3", got)
	}
	if result.Image != models.ImageRef("https://x/img.png") {
		t.Errorf("Image = %q", result.Image)
	}
}

func TestGenerateFailedPrediction(t *testing.T) {
	tests := []struct {
		name string
		pred prediction
	}{
		{"failed with message", prediction{ID: "p", Status: "failed", Error: "NSFW content detected"}},
		{"canceled", prediction{ID: "p", Status: "canceled"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method == http.MethodPost {
					w.WriteHeader(http.StatusCreated)
					writePrediction(t, w, prediction{ID: "p", Status: "starting"})
					return
				}
				writePrediction(t, w, tt.pred)
			})

			_, err := p.Generate(context.Background(), models.NewGenerateRequest("p", "flux-dev"))
			if !errors.Is(err, provider.ErrRequestFailed) {
				t.Errorf("error = %v, want ErrRequestFailed", err)
			}
			if tt.pred.Error != "" && !strings.Contains(err.Error(), tt.pred.Error) {
				t.Errorf("error should carry the failure message, got %v", err)
			}
		})
	}
}

func TestGeneratePollTimeout(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			writePrediction(t, w, prediction{ID: "p", Status: "starting"})
			return
		}
		writePrediction(t, w, prediction{ID: "p", Status: "processing"})
	})
	p.maxAttempts = 3

	_, err := p.Generate(context.Background(), models.NewGenerateRequest("p", "flux-dev"))
	if !errors.Is(err, provider.ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestGenerateCancelledDuringPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			writePrediction(t, w, prediction{ID: "p", Status: "starting"})
			return
		}
		cancel()
		writePrediction(t, w, prediction{ID: "p", Status: "processing"})
	})

	_, err := p.Generate(ctx, models.NewGenerateRequest("p", "flux-dev"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestGenerateCreateRejected(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"invalid token"}`))
	})

	_, err := p.Generate(context.Background(), models.NewGenerateRequest("p", "flux-dev"))
	if !errors.Is(err, provider.ErrRequestFailed) {
		t.Errorf("error = %v, want ErrRequestFailed", err)
	}
}

func TestGenerateCreateWithoutID(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		writePrediction(t, w, prediction{Status: "starting"})
	})

	_, err := p.Generate(context.Background(), models.NewGenerateRequest("p", "flux-dev"))
	if !errors.Is(err, provider.ErrRequestFailed) {
		t.Errorf("error = %v, want ErrRequestFailed", err)
	}
}

func TestGenerateUnknownStatus(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			writePrediction(t, w, prediction{ID: "p", Status: "starting"})
			return
		}
		writePrediction(t, w, prediction{ID: "p", Status: "exploded"})
	})

	_, err := p.Generate(context.Background(), models.NewGenerateRequest("p", "flux-dev"))
	if err == nil || !strings.Contains(err.Error(), "unknown prediction status") {
		t.Errorf("error = %v, want unknown status failure", err)
	}
}

func TestOutputImage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    models.ImageRef
		wantErr error
	}{
		{"single string", `"https://x/a.png"`, "https://x/a.png", nil},
		{"list", `["https://x/a.png","https://x/b.png"]`, "https://x/a.png", nil},
		{"empty output", ``, "", provider.ErrNoResult},
		{"null", `null`, "", provider.ErrNoResult},
		{"empty list", `[]`, "", provider.ErrNoResult},
		{"empty string", `""`, "", provider.ErrNoResult},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := outputImage(json.RawMessage(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ref = %q, want %q", got, tt.want)
			}
		})
	}
}
