package sandbox

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalBackend provisions instances as plain host directories and runs the
// harness directly on the host (WARNING: no isolation, development only).
// It must be explicitly enabled in config before the factory will build it.
type LocalBackend struct {
	logger    *zap.Logger
	config    *Config
	languages Languages
	cmdRunner CommandRunner
	fs        FileSystem
}

// LocalBackendOption defines a functional option for LocalBackend
type LocalBackendOption func(*LocalBackend)

// WithLocalCommandRunner sets the CommandRunner for LocalBackend
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalBackendOption {
	return func(b *LocalBackend) {
		b.cmdRunner = cmdRunner
	}
}

// WithLocalFileSystem sets the FileSystem for LocalBackend
func WithLocalFileSystem(fs FileSystem) LocalBackendOption {
	return func(b *LocalBackend) {
		b.fs = fs
	}
}

// NewLocalBackend creates a LocalBackend with default implementations
func NewLocalBackend(logger *zap.Logger, config *Config, languages Languages, opts ...LocalBackendOption) *LocalBackend {
	backend := &LocalBackend{
		logger:    logger,
		config:    config,
		languages: languages,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
	}

	for _, opt := range opts {
		opt(backend)
	}

	return backend
}

// Name returns the backend name
func (b *LocalBackend) Name() string {
	return "local"
}

// Provision creates a host workspace directory as the instance
func (b *LocalBackend) Provision(ctx context.Context) (Instance, error) {
	hostDir, err := b.fs.MkdirTemp(b.config.WorkdirRoot, "runbox-local-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create instance workspace: %w", err)
	}

	return &localInstance{
		id:      "local-" + uuid.NewString(),
		hostDir: hostDir,
		backend: b,
	}, nil
}

// localInstance is one host workspace directory.
type localInstance struct {
	id      string
	hostDir string
	backend *LocalBackend
}

// ID returns the instance id
func (i *localInstance) ID() string {
	return i.id
}

// Exec stages the spec into the workspace and runs the harness on the host
func (i *localInstance) Exec(ctx context.Context, spec ExecSpec) (ExecResult, error) {
	lang, ok := i.backend.languages[spec.Language]
	if !ok {
		return ExecResult{}, fmt.Errorf("unsupported language: %s", spec.Language)
	}

	fs := i.backend.fs

	if len(spec.BundleTar) > 0 {
		if err := ExtractTarToDir(fs, spec.BundleTar, i.hostDir); err != nil {
			return ExecResult{}, fmt.Errorf("failed to stage bundle: %w", err)
		}
	}

	codeFileName, err := CodeFileName(spec.Language)
	if err != nil {
		return ExecResult{}, err
	}
	if err := fs.WriteFile(filepath.Join(i.hostDir, codeFileName), []byte(spec.Code), FilePermission); err != nil {
		return ExecResult{}, fmt.Errorf("failed to write agent code: %w", err)
	}
	if err := fs.WriteFile(filepath.Join(i.hostDir, InputFile), spec.Input, FilePermission); err != nil {
		return ExecResult{}, fmt.Errorf("failed to write input payload: %w", err)
	}

	// The CommandRunner seam has no working-directory knob, so the cd is
	// part of the shell command. Env vars are exported the same way.
	shellCmd := "cd " + i.hostDir
	for key, value := range mergedEnv(lang.Environment, spec.Env) {
		shellCmd += fmt.Sprintf(" && export %s=%q", key, value)
	}
	shellCmd += " && " + lang.HarnessCommand()

	stdout, stderr, exitCode, err := i.backend.cmdRunner.RunCommand(ctx, []string{"sh", "-c", shellCmd})
	if err != nil {
		return ExecResult{Stdout: stdout, Stderr: stderr}, fmt.Errorf("failed to run harness locally: %w", err)
	}

	result := ExecResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
	}

	output, err := readRunOutput(fs, i.hostDir, i.backend.config.MaxOutputSizeKB)
	if err != nil {
		return result, err
	}
	result.Output = output

	artifacts, err := collectArtifacts(i.hostDir, lang.ExcludePatterns, i.backend.config.MaxArtifactSizeMB)
	if err != nil {
		i.backend.logger.Warn("failed to collect artifacts",
			zap.String("instance", i.id), zap.Error(err))
	} else {
		result.ArtifactsTar = artifacts
	}

	return result, nil
}

// Reset wipes the workspace contents, keeping the directory in place like
// the container backends do.
func (i *localInstance) Reset(ctx context.Context) error {
	if err := i.backend.fs.RemoveContents(i.hostDir); err != nil {
		return fmt.Errorf("failed to wipe workspace: %w", err)
	}
	return nil
}

// Destroy removes the workspace directory
func (i *localInstance) Destroy(ctx context.Context) error {
	if err := i.backend.fs.RemoveAll(i.hostDir); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}
