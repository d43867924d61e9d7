// Package sandbox materializes one isolated directory and interpreter per
// candidate program, installs its dependencies and captures what it prints.
// Isolation here separates dependencies; it is not a security boundary.
package sandbox

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

const (
	DefaultInstallTimeout = 300 * time.Second

	CodeFile     = "main.py"
	ManifestFile = "requirements.txt"
	OutputFile   = "output.txt"
	RuntimeDir   = "venv"

	// ErrorsSeparator sits between a program's stdout and everything that
	// went wrong around it.
	ErrorsSeparator = "\nErrors:\n"
	faultPrefix     = "Error running iteration: "
)

// Handle is one provisioned iteration. Handles are never reused or removed.
type Handle struct {
	ID              string `json:"id"`
	Dir             string `json:"dir"`
	CodePath        string `json:"code_path"`
	ManifestPath    string `json:"manifest_path"`
	RuntimeDir      string `json:"runtime_dir"`
	OutputPath      string `json:"output_path"`
	CodeDigest      string `json:"code_digest"`
	InstallError    string `json:"install_error,omitempty"`
	InstallTimedOut bool   `json:"install_timed_out,omitempty"`
}

type Output struct {
	Path     string `json:"path"`
	Text     string `json:"text"`
	ExitCode int    `json:"exit_code"`
	Fault    string `json:"fault,omitempty"`
}

type Options struct {
	Root           string
	InstallTimeout time.Duration
	Logger         *slog.Logger
}

type Manager struct {
	rt             Runtime
	root           string
	installTimeout time.Duration
	logger         *slog.Logger
}

func NewManager(rt Runtime, opts Options) *Manager {
	m := &Manager{rt: rt, root: opts.Root, installTimeout: opts.InstallTimeout, logger: opts.Logger}
	if strings.TrimSpace(m.root) == "" {
		m.root = "iterations"
	}
	if m.installTimeout <= 0 {
		m.installTimeout = DefaultInstallTimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Provision writes code and manifest verbatim into a fresh directory and
// prepares its runtime. Runtime creation and install failures are recorded
// on the handle; only filesystem failures and cancellation are errors.
func (m *Manager) Provision(ctx context.Context, code, manifest string) (*Handle, error) {
	id := ulid.Make().String()
	dir := filepath.Join(m.root, "iteration_"+id)
	h := &Handle{
		ID:           id,
		Dir:          dir,
		CodePath:     filepath.Join(dir, CodeFile),
		ManifestPath: filepath.Join(dir, ManifestFile),
		RuntimeDir:   filepath.Join(dir, RuntimeDir),
		OutputPath:   filepath.Join(dir, OutputFile),
		CodeDigest:   Digest(code, manifest),
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("provision %s: %w", id, err)
	}
	if err := os.WriteFile(h.CodePath, []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("provision %s: %w", id, err)
	}
	if err := os.WriteFile(h.ManifestPath, []byte(manifest), 0o644); err != nil {
		return nil, fmt.Errorf("provision %s: %w", id, err)
	}

	logger := m.logger.With("iteration_id", id)
	if err := m.rt.Create(ctx, h.RuntimeDir); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		h.InstallError = fmt.Sprintf("runtime creation failed: %v", err)
		logger.Warn("runtime creation failed", "error", err)
		return h, nil
	}

	if strings.TrimSpace(manifest) == "" {
		return h, nil
	}

	ictx, cancel := context.WithTimeout(ctx, m.installTimeout)
	defer cancel()
	err := m.rt.Install(ictx, h.RuntimeDir, h.ManifestPath)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(ictx.Err(), context.DeadlineExceeded):
		h.InstallTimedOut = true
		h.InstallError = fmt.Sprintf("dependency installation timed out after %s", m.installTimeout)
		logger.Warn("dependency installation timed out", "timeout", m.installTimeout.String())
	default:
		h.InstallError = fmt.Sprintf("dependency installation failed: %v", err)
		logger.Warn("dependency installation failed", "error", err)
	}
	return h, nil
}

// Execute runs the handle's program and writes the combined text to
// output.txt. It fails only when that file cannot be written.
func (m *Manager) Execute(ctx context.Context, h *Handle) (*Output, error) {
	if h == nil {
		return nil, fmt.Errorf("execute: nil handle")
	}
	out := &Output{Path: h.OutputPath}
	res, err := m.rt.Run(ctx, h.RuntimeDir, h.Dir, CodeFile)
	if err != nil {
		out.Fault = err.Error()
		out.ExitCode = -1
		out.Text = combine(faultPrefix+err.Error(), h.InstallError, "")
	} else {
		out.ExitCode = res.ExitCode
		out.Text = combine(res.Stdout, h.InstallError, res.Stderr)
	}
	if werr := os.WriteFile(h.OutputPath, []byte(out.Text), 0o644); werr != nil {
		return nil, fmt.Errorf("write output %s: %w", h.OutputPath, werr)
	}
	m.logger.Info("iteration executed", "iteration_id", h.ID, "exit_code", out.ExitCode, "fault", out.Fault != "")
	return out, nil
}

func combine(stdout, installNote, stderr string) string {
	var problems []string
	if installNote != "" {
		problems = append(problems, installNote)
	}
	if stderr != "" {
		problems = append(problems, stderr)
	}
	if len(problems) == 0 {
		return stdout
	}
	return stdout + ErrorsSeparator + strings.Join(problems, "\n")
}

// Digest fingerprints an iteration's inputs.
func Digest(code, manifest string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(code))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(manifest))
	return hex.EncodeToString(h.Sum(nil))
}
