// Package settings is the persistent key/value store for session
// configuration: provider credentials, model choice, saved prompt template
// and generation parameters. A missing key always means "use the default".
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Known setting keys.
const (
	KeyGeminiAPIKey      = "gemini.api_key"
	KeyReplicateToken    = "replicate.api_token"
	KeyModel             = "model"
	KeyPromptTemplate    = "prompt.template"
	KeyAspectRatio       = "replicate.aspect_ratio"
	KeyOutputFormat      = "replicate.output_format"
	KeyResolution        = "replicate.resolution"
	KeySafetyFilterLevel = "replicate.safety_filter_level"
)

// Store persists settings as a JSON object in the platform config dir.
type Store struct {
	configDir string
}

func NewStore() (*Store, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, err
	}
	return &Store{configDir: configDir}, nil
}

func getConfigDir() (string, error) {
	// Allow override for testing
	if testDir := os.Getenv("PLANTSTAGE_CONFIG_DIR"); testDir != "" {
		return testDir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "plantstage"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "plantstage"), nil
	default: // linux and others
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "plantstage"), nil
	}
}

// Path returns the path to the settings.json file.
func (s *Store) Path() string {
	return filepath.Join(s.configDir, "settings.json")
}

func (s *Store) load() (map[string]string, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}

	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse settings.json: %w", err)
	}
	return values, nil
}

func (s *Store) save(values map[string]string) error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}

	// Credentials live here too, so keep the file owner-only.
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("failed to write settings.json: %w", err)
	}
	return nil
}

// Get returns the stored value, or "" when the key is absent.
func (s *Store) Get(key string) (string, error) {
	values, err := s.load()
	if err != nil {
		return "", err
	}
	return values[key], nil
}

// GetDefault returns the stored value, or def when the key is absent.
func (s *Store) GetDefault(key, def string) (string, error) {
	v, err := s.Get(key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return def, nil
	}
	return v, nil
}

func (s *Store) Set(key, value string) error {
	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value
	return s.save(values)
}

func (s *Store) Delete(key string) error {
	values, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return fmt.Errorf("no value stored for %s", key)
	}
	delete(values, key)
	return s.save(values)
}

// List returns all stored keys.
func (s *Store) List() ([]string, error) {
	values, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	return keys, nil
}

// MaskSecret returns a masked version of a credential for display.
func MaskSecret(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// Resolve picks a credential using the priority order: explicit flag value,
// stored setting, environment variable.
func Resolve(explicit, key, envVar string) (string, string, error) {
	if explicit != "" {
		return explicit, "command-line flag", nil
	}

	store, err := NewStore()
	if err == nil {
		stored, err := store.Get(key)
		if err == nil && stored != "" {
			return stored, "stored setting (" + store.Path() + ")", nil
		}
	}

	if envValue := os.Getenv(envVar); envValue != "" {
		return envValue, fmt.Sprintf("environment variable (%s)", envVar), nil
	}

	return "", "", fmt.Errorf("credential required: run 'plantstage keys set' or set %s", envVar)
}
