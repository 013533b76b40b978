package sandbox

import (
	"go.uber.org/zap"
)

// NewPodmanBackend creates a ContainerBackend driving the podman CLI.
// Podman runs rootless here, so SELinux labelling of the bind-mounted
// workspace is disabled; the no-new-privileges and cap-drop hardening from
// the shared flag set still applies.
func NewPodmanBackend(logger *zap.Logger, config *Config, languages Languages, opts ...ContainerBackendOption) *ContainerBackend {
	extraRunArgs := []string{
		"--security-opt", "label=disable",
		"--userns", "keep-id",
	}
	return newContainerBackend("podman", logger, config, languages, extraRunArgs, opts...)
}
