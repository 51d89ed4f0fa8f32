// Package imagefetch moves image bytes in and out of ImageRef form: data URI
// encode/decode, remote download, local file load and save.
package imagefetch

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/verdantlab/plantstage/pkg/models"
)

const defaultTimeout = 60 * time.Second

type Fetcher struct {
	httpClient *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
}

// Fetch resolves ref to raw bytes and a mime type. Data URIs decode locally;
// remote refs are downloaded. The error sentinel and empty refs fail.
func (f *Fetcher) Fetch(ctx context.Context, ref models.ImageRef) ([]byte, string, error) {
	switch {
	case ref.IsZero() || ref.IsError():
		return nil, "", fmt.Errorf("no image data available for %q", ref)
	case ref.IsDataURI():
		return DecodeDataURI(ref)
	case ref.IsRemote():
		return f.download(ctx, string(ref))
	default:
		return nil, "", fmt.Errorf("unsupported image reference %q", truncateRef(ref))
	}
}

// Save writes the image behind ref to path, creating parent directories.
func (f *Fetcher) Save(ctx context.Context, ref models.ImageRef, path string) error {
	data, _, err := f.Fetch(ctx, ref)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadReference reads a reference image for a provider request from a local
// path or an http(s) URL.
func (f *Fetcher) LoadReference(ctx context.Context, source string) (models.ReferenceImage, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		data, mime, err := f.download(ctx, source)
		if err != nil {
			return models.ReferenceImage{}, err
		}
		return models.ReferenceImage{Data: data, MimeType: mime}, nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return models.ReferenceImage{}, fmt.Errorf("failed to read reference image: %w", err)
	}
	return models.ReferenceImage{Data: data, MimeType: http.DetectContentType(data)}, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return data, mime, nil
}

// EncodeDataURI packs raw image bytes into a data URI ImageRef.
func EncodeDataURI(data []byte, mimeType string) models.ImageRef {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	uri := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
	return models.ImageRef(uri)
}

// DecodeDataURI unpacks a data URI into raw bytes and its mime type.
func DecodeDataURI(ref models.ImageRef) ([]byte, string, error) {
	s := string(ref)
	if !strings.HasPrefix(s, "data:") {
		return nil, "", fmt.Errorf("not a data URI: %q", truncateRef(ref))
	}

	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return nil, "", fmt.Errorf("malformed data URI: missing payload")
	}

	meta := s[len("data:"):comma]
	payload := s[comma+1:]

	mime, _, _ := strings.Cut(meta, ";")
	if !strings.Contains(meta, "base64") {
		return nil, "", fmt.Errorf("unsupported data URI encoding in %q", meta)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode data URI: %w", err)
	}
	return data, mime, nil
}

func truncateRef(ref models.ImageRef) string {
	s := string(ref)
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
