package sandbox

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ContainerBackend provisions warm instances as long-lived containers. Each
// instance is a hardened container parked on `sleep infinity` with a host
// workspace bind-mounted at /workdir; runs happen through `exec` inside it,
// so the container start cost is paid once at provision time, not per run.
type ContainerBackend struct {
	runtime   string // "docker" or "podman"
	logger    *zap.Logger
	config    *Config
	languages Languages
	cmdRunner CommandRunner
	fs        FileSystem
	// extraRunArgs are runtime-specific flags appended to the provision
	// command (e.g. podman rootless label handling).
	extraRunArgs []string
}

// ContainerBackendOption defines a functional option for ContainerBackend
type ContainerBackendOption func(*ContainerBackend)

// WithCommandRunner sets the CommandRunner for the backend
func WithCommandRunner(cmdRunner CommandRunner) ContainerBackendOption {
	return func(b *ContainerBackend) {
		b.cmdRunner = cmdRunner
	}
}

// WithFileSystem sets the FileSystem for the backend
func WithFileSystem(fs FileSystem) ContainerBackendOption {
	return func(b *ContainerBackend) {
		b.fs = fs
	}
}

// NewDockerBackend creates a ContainerBackend driving the docker CLI
func NewDockerBackend(logger *zap.Logger, config *Config, languages Languages, opts ...ContainerBackendOption) *ContainerBackend {
	return newContainerBackend("docker", logger, config, languages, nil, opts...)
}

func newContainerBackend(runtime string, logger *zap.Logger, config *Config, languages Languages, extraRunArgs []string, opts ...ContainerBackendOption) *ContainerBackend {
	backend := &ContainerBackend{
		runtime:      runtime,
		logger:       logger,
		config:       config,
		languages:    languages,
		cmdRunner:    &RealCommandRunner{},
		fs:           &RealFileSystem{},
		extraRunArgs: extraRunArgs,
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

// Name returns the container runtime driving this backend
func (b *ContainerBackend) Name() string {
	return b.runtime
}

// Provision starts one warm container and returns it as an Instance
func (b *ContainerBackend) Provision(ctx context.Context) (Instance, error) {
	hostDir, err := b.fs.MkdirTemp(b.config.WorkdirRoot, "runbox-ws-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create instance workspace: %w", err)
	}

	name := "runbox-" + uuid.NewString()

	cmdArgs := []string{
		b.runtime, "run", "-d",
		"--name", name,
		"-v", fmt.Sprintf("%s:%s", hostDir, WorkdirMount),
		"--workdir", WorkdirMount,
		"--memory", fmt.Sprintf("%dm", b.config.MemoryMB),
		"--ulimit", "fsize=100000000", // Limit file size to 100MB
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
	}

	if b.config.NetworkEnabled {
		cmdArgs = append(cmdArgs, "--network", "bridge")
	} else {
		cmdArgs = append(cmdArgs, "--network", "none")
	}

	cmdArgs = append(cmdArgs, b.extraRunArgs...)
	cmdArgs = append(cmdArgs, b.config.Image, "sleep", "infinity")

	_, stderr, exitCode, err := b.cmdRunner.RunCommand(ctx, cmdArgs)
	if err != nil {
		b.cleanupWorkspace(hostDir)
		return nil, fmt.Errorf("failed to start warm container: %w", err)
	}
	if exitCode != 0 {
		b.cleanupWorkspace(hostDir)
		return nil, fmt.Errorf("%s run exited %d: %s", b.runtime, exitCode, strings.TrimSpace(stderr))
	}

	b.logger.Debug("provisioned warm instance",
		zap.String("runtime", b.runtime),
		zap.String("instance", name))

	return &containerInstance{
		name:    name,
		hostDir: hostDir,
		backend: b,
	}, nil
}

func (b *ContainerBackend) cleanupWorkspace(hostDir string) {
	if err := b.fs.RemoveAll(hostDir); err != nil {
		b.logger.Warn("failed to remove instance workspace", zap.String("path", hostDir), zap.Error(err))
	}
}

// containerInstance is one warm container plus its bind-mounted workspace.
type containerInstance struct {
	name    string
	hostDir string
	backend *ContainerBackend
}

// ID returns the container name
func (i *containerInstance) ID() string {
	return i.name
}

// Exec stages the spec into the workspace and runs the language harness
// through `exec` inside the warm container. The caller bounds the run with
// the context deadline; on deadline the exec process is killed but the
// container itself is left to the caller's teardown policy.
func (i *containerInstance) Exec(ctx context.Context, spec ExecSpec) (ExecResult, error) {
	lang, ok := i.backend.languages[spec.Language]
	if !ok {
		return ExecResult{}, fmt.Errorf("unsupported language: %s", spec.Language)
	}

	if err := i.stage(spec); err != nil {
		return ExecResult{}, err
	}

	cmdArgs := []string{i.backend.runtime, "exec", "-w", WorkdirMount}
	for key, value := range mergedEnv(lang.Environment, spec.Env) {
		cmdArgs = append(cmdArgs, "-e", fmt.Sprintf("%s=%s", key, value))
	}
	cmdArgs = append(cmdArgs, i.name, "sh", "-c", lang.HarnessCommand())

	stdout, stderr, exitCode, err := i.backend.cmdRunner.RunCommand(ctx, cmdArgs)
	if err != nil {
		return ExecResult{Stdout: stdout, Stderr: stderr}, fmt.Errorf("failed to exec in container %s: %w", i.name, err)
	}

	result := ExecResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
	}

	output, err := readRunOutput(i.backend.fs, i.hostDir, i.backend.config.MaxOutputSizeKB)
	if err != nil {
		return result, err
	}
	result.Output = output

	artifacts, err := collectArtifacts(i.hostDir, lang.ExcludePatterns, i.backend.config.MaxArtifactSizeMB)
	if err != nil {
		i.backend.logger.Warn("failed to collect artifacts",
			zap.String("instance", i.name), zap.Error(err))
	} else {
		result.ArtifactsTar = artifacts
	}

	return result, nil
}

// Reset wipes the workspace contents so the instance can serve the next
// lease. The directory itself must survive: the container's bind mount pins
// its inode, so replacing it would detach /workdir from the host path and
// every later run would stage into a directory the container cannot see.
func (i *containerInstance) Reset(ctx context.Context) error {
	if err := i.backend.fs.RemoveContents(i.hostDir); err != nil {
		return fmt.Errorf("failed to wipe workspace: %w", err)
	}
	return nil
}

// Destroy force-removes the container and its workspace
func (i *containerInstance) Destroy(ctx context.Context) error {
	_, stderr, exitCode, err := i.backend.cmdRunner.RunCommand(ctx,
		[]string{i.backend.runtime, "rm", "-f", i.name})
	i.backend.cleanupWorkspace(i.hostDir)
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", i.name, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%s rm exited %d: %s", i.backend.runtime, exitCode, strings.TrimSpace(stderr))
	}
	return nil
}

// stage writes the code file, the optional bundle and input.json into the
// bind-mounted workspace.
func (i *containerInstance) stage(spec ExecSpec) error {
	fs := i.backend.fs

	if len(spec.BundleTar) > 0 {
		if err := ExtractTarToDir(fs, spec.BundleTar, i.hostDir); err != nil {
			return fmt.Errorf("failed to stage bundle: %w", err)
		}
	}

	codeFileName, err := CodeFileName(spec.Language)
	if err != nil {
		return err
	}
	if err := fs.WriteFile(filepath.Join(i.hostDir, codeFileName), []byte(spec.Code), FilePermission); err != nil {
		return fmt.Errorf("failed to write agent code: %w", err)
	}

	if err := fs.WriteFile(filepath.Join(i.hostDir, InputFile), spec.Input, FilePermission); err != nil {
		return fmt.Errorf("failed to write input payload: %w", err)
	}

	return nil
}

// readRunOutput returns the contents of output.json when the run produced
// one, nil when it did not. Oversized output is an error, not a truncation.
func readRunOutput(fs FileSystem, hostDir string, maxSizeKB int) ([]byte, error) {
	outputPath := filepath.Join(hostDir, OutputFile)
	exists, err := fs.FileExists(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat output file: %w", err)
	}
	if !exists {
		return nil, nil
	}

	output, err := fs.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read output file: %w", err)
	}
	if len(output) > maxSizeKB*BytesPerKB {
		return nil, fmt.Errorf("output size exceeds limit: %d bytes > %d bytes",
			len(output), maxSizeKB*BytesPerKB)
	}
	return output, nil
}

// collectArtifacts archives the workspace, minus the harness bookkeeping
// files and the language's exclude patterns.
func collectArtifacts(hostDir string, excludePatterns []string, maxSizeMB int) ([]byte, error) {
	excludes := append([]string{InputFile, OutputFile}, excludePatterns...)
	artifactsTar, err := CreateTarFromDirWithExcludes(hostDir, excludes)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifacts tar: %w", err)
	}
	if len(artifactsTar) > maxSizeMB*BytesPerMB {
		return nil, fmt.Errorf("artifacts size exceeds limit: %d bytes > %d bytes",
			len(artifactsTar), maxSizeMB*BytesPerMB)
	}
	return artifactsTar, nil
}

func mergedEnv(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}
