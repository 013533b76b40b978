package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// ExecSpec describes one harness run inside an already-provisioned instance.
// Input is written to input.json in the instance workspace before the run;
// a well-formed run writes its result to output.json.
type ExecSpec struct {
	Language string
	Code     string
	// BundleTar is an optional tar.gz of supporting files staged into the
	// workspace alongside the code file.
	BundleTar []byte
	Input     []byte
	Env       map[string]string
}

// ExecResult is the outcome of one harness run. Output is the raw contents
// of output.json, nil when the run produced none.
type ExecResult struct {
	Stdout       string
	Stderr       string
	ExitCode     int
	Output       []byte
	ArtifactsTar []byte
}

// Instance is one warm, reusable sandbox environment. Instances are owned by
// the pool; callers hold a lease and must hand the instance back through the
// pool rather than destroying it themselves, except on teardown paths.
type Instance interface {
	// ID identifies the instance for logging and pool accounting.
	ID() string

	// Exec stages the spec into the workspace and runs the language harness.
	// The caller bounds the run with the context deadline.
	Exec(ctx context.Context, spec ExecSpec) (ExecResult, error)

	// Reset wipes the workspace so the instance can serve the next lease.
	Reset(ctx context.Context) error

	// Destroy tears the instance down. Safe to call on a half-broken
	// instance; errors are for logging only.
	Destroy(ctx context.Context) error
}

// Backend provisions warm instances for the pool.
type Backend interface {
	Name() string
	Provision(ctx context.Context) (Instance, error)
}

// Config holds the per-instance resource bounds shared by all backends.
type Config struct {
	Image             string
	MemoryMB          int
	NetworkEnabled    bool
	WorkdirRoot       string
	MaxOutputSizeKB   int
	MaxArtifactSizeMB int
}

// Language holds the per-language harness commands and workspace hygiene.
type Language struct {
	BuildCmd        string
	RunCmd          string
	Environment     map[string]string
	ExcludePatterns []string
}

// Languages maps a language name to its harness configuration.
type Languages map[string]Language

// Language name constants
const (
	LanguagePython = "python"
	LanguageNodeJS = "nodejs"
	LanguageGo     = "go"
	LanguageCPP    = "cpp"
)

// Workspace layout constants
const (
	WorkdirMount = "/workdir"
	InputFile    = "input.json"
	OutputFile   = "output.json"
)

// File permission and size constants
const (
	DirPermission  = 0755
	FilePermission = 0600
	BytesPerKB     = 1024
	BytesPerMB     = 1024 * 1024
)

// CodeFileName returns the filename the harness expects for the language.
func CodeFileName(language string) (string, error) {
	switch language {
	case LanguagePython:
		return "main.py", nil
	case LanguageNodeJS:
		return "index.js", nil
	case LanguageGo:
		return "main.go", nil
	case LanguageCPP:
		return "main.cpp", nil
	default:
		return "", fmt.Errorf("unsupported language: %s", language)
	}
}

// HarnessCommand builds the shell command for one run: the optional build
// step chained before the run step.
func (l Language) HarnessCommand() string {
	if l.BuildCmd != "" {
		return l.BuildCmd + " && " + l.RunCmd
	}
	return l.RunCmd
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	// Run in a dedicated process group so a context cancellation kills the
	// harness's children too, not just the shell it was launched through.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	if ctx.Err() != nil {
		return stdoutBuf.String(), stderrBuf.String(), 0, ctx.Err()
	}

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	RemoveAll(path string) error
	// RemoveContents deletes everything inside path, keeping path itself.
	RemoveContents(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) RemoveContents(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(path, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
