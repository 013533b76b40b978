package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Preset is one category's window and budget.
type Preset struct {
	Window      time.Duration
	MaxRequests int
	Message     string
}

// Presets maps categories to their budgets.
type Presets map[Category]Preset

// For returns the category's preset, falling back to the general budget
// for unknown categories.
func (p Presets) For(category Category) Preset {
	if preset, ok := p[category]; ok {
		return preset
	}
	return p[CategoryGeneral]
}

// DefaultPresets returns the standard route budgets.
func DefaultPresets() Presets {
	return Presets{
		CategoryGeneral: {
			Window:      time.Minute,
			MaxRequests: 100,
			Message:     "too many requests, slow down",
		},
		CategoryAuth: {
			Window:      15 * time.Minute,
			MaxRequests: 10,
			Message:     "too many authentication attempts, try again later",
		},
		CategoryCredential: {
			Window:      time.Minute,
			MaxRequests: 5,
			Message:     "too many credential accesses, try again later",
		},
		CategoryExecution: {
			Window:      time.Minute,
			MaxRequests: 20,
			Message:     "execution rate limit reached, try again shortly",
		},
		CategoryPayment: {
			Window:      time.Minute,
			MaxRequests: 10,
			Message:     "too many billing requests, try again shortly",
		},
	}
}

type presetFile struct {
	Presets map[string]struct {
		WindowMs    int    `yaml:"window_ms"`
		MaxRequests int    `yaml:"max_requests"`
		Message     string `yaml:"message"`
	} `yaml:"presets"`
}

// LoadPresets returns the defaults overlaid with the optional YAML override
// file. Categories absent from the file keep their defaults.
func LoadPresets(path string) (Presets, error) {
	presets := DefaultPresets()
	if path == "" {
		return presets, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read presets file: %w", err)
	}

	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse presets file: %w", err)
	}

	for name, override := range file.Presets {
		category := Category(name)
		preset := presets.For(category)
		if override.WindowMs > 0 {
			preset.Window = time.Duration(override.WindowMs) * time.Millisecond
		}
		if override.MaxRequests > 0 {
			preset.MaxRequests = override.MaxRequests
		}
		if override.Message != "" {
			preset.Message = override.Message
		}
		presets[category] = preset
	}
	return presets, nil
}
