package sandbox

import (
	"fmt"

	"go.uber.org/zap"
)

// NewBackend creates the sandbox backend named by the configuration
func NewBackend(logger *zap.Logger, config *Config, languages Languages, backend string) (Backend, error) {
	switch backend {
	case "docker":
		return NewDockerBackend(logger, config, languages), nil
	case "podman":
		return NewPodmanBackend(logger, config, languages), nil
	case "local":
		return NewLocalBackend(logger, config, languages), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}
