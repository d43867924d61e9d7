package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"github.com/danshapiro/refiner/internal/refine/procutil"
)

// RunResult is what a program printed and how it exited. A non-zero exit is
// not an error.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runtime is the isolated interpreter an iteration runs in.
type Runtime interface {
	Create(ctx context.Context, runtimeDir string) error
	Install(ctx context.Context, runtimeDir, manifestPath string) error
	// Run returns an error only when the program could not be started.
	Run(ctx context.Context, runtimeDir, workDir, entryPoint string) (RunResult, error)
}

// PythonVenv provisions one virtualenv per iteration and installs into that
// venv's own pip.
type PythonVenv struct {
	// Python is the host interpreter used to create venvs. Defaults to python3.
	Python string
}

func (p *PythonVenv) python() string {
	if s := strings.TrimSpace(p.Python); s != "" {
		return s
	}
	return "python3"
}

func (p *PythonVenv) Create(ctx context.Context, runtimeDir string) error {
	_, stderr, err := runCommand(ctx, "", p.python(), "-m", "venv", runtimeDir)
	if err != nil {
		return commandError("create venv", err, stderr)
	}
	return nil
}

func (p *PythonVenv) Install(ctx context.Context, runtimeDir, manifestPath string) error {
	_, stderr, err := runCommand(ctx, "", venvBin(runtimeDir, "pip"), "install", "--disable-pip-version-check", "-r", manifestPath)
	if err != nil {
		return commandError("pip install", err, stderr)
	}
	return nil
}

func (p *PythonVenv) Run(ctx context.Context, runtimeDir, workDir, entryPoint string) (RunResult, error) {
	stdout, stderr, err := runCommand(ctx, workDir, venvBin(runtimeDir, "python"), entryPoint)
	res := RunResult{Stdout: stdout, Stderr: stderr, ExitCode: procutil.ExitCode(err)}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return res, err
	}
	return res, nil
}

func venvBin(runtimeDir, name string) string {
	if goruntime.GOOS == "windows" {
		return filepath.Join(runtimeDir, "Scripts", name+".exe")
	}
	return filepath.Join(runtimeDir, "bin", name)
}

func runCommand(ctx context.Context, dir, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	procutil.KillGroupOnCancel(cmd)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

const stderrTailBytes = 4000

func commandError(step string, err error, stderr string) error {
	s := strings.TrimSpace(stderr)
	if len(s) > stderrTailBytes {
		s = "..." + s[len(s)-stderrTailBytes:]
	}
	if s == "" {
		return fmt.Errorf("%s: %w", step, err)
	}
	return fmt.Errorf("%s: %w: %s", step, err, s)
}
