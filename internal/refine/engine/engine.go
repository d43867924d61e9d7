// Package engine runs one generate, execute, repair and analyze pass and
// records every step under a fresh run directory.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	rdebug "runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danshapiro/refiner/internal/refine/debugloop"
	"github.com/danshapiro/refiner/internal/refine/genclient"
	"github.com/danshapiro/refiner/internal/refine/runtime"
	"github.com/danshapiro/refiner/internal/refine/sandbox"
	"github.com/danshapiro/refiner/internal/refine/synth"
)

const (
	pidFile     = "run.pid"
	panicFile   = "panic.txt"
	metricsFile = "metrics.prom"
)

type Result struct {
	RunID         string              `json:"run_id"`
	RunDir        string              `json:"run_dir"`
	Status        runtime.FinalStatus `json:"status"`
	FailureReason string              `json:"failure_reason,omitempty"`
	ErrorKind     string              `json:"error_kind,omitempty"`
	Summary       *RunSummary         `json:"summary,omitempty"`
	Usage         genclient.Usage     `json:"usage"`
}

// Run executes one full pass. A failure inside the pass is recorded in the
// run directory and reported through Result.Status; the returned error is
// reserved for failures to set the run up at all.
func Run(ctx context.Context, cfg *RunConfigFile, deps Deps) (*Result, error) {
	if cfg == nil {
		cfg = DefaultRunConfig()
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	p, err := buildPipeline(cfg, deps)
	if err != nil {
		return nil, err
	}

	started := deps.Now()
	runID := runtime.NewRunID(started)
	runDir := filepath.Join(cfg.Runs.Root, runtime.RunDirName(runID))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	r := &runner{
		cfg:      cfg,
		p:        p,
		runID:    runID,
		runDir:   runDir,
		started:  started,
		now:      deps.Now,
		logger:   deps.Logger.With("run_id", runID),
		progress: newProgressLog(runDir, runID, deps.Now),
	}
	writePID(runDir, r.logger)
	r.emit(map[string]any{"event": "run_started", "run_dir": runDir})
	r.logger.Info("run started", "run_dir", runDir)

	res := &Result{RunID: runID, RunDir: runDir, Status: runtime.FinalSuccess}
	summary, runErr := r.executeGuarded(ctx)
	if runErr != nil {
		res.Status = runtime.FinalFail
		res.FailureReason = runErr.Error()
		res.ErrorKind = classifyError(runErr)
		r.recordFailure(runErr, res.ErrorKind)
	} else {
		res.Summary = summary
	}
	res.Usage = p.client.Usage()
	r.finish(res)
	return res, nil
}

type runner struct {
	cfg      *RunConfigFile
	p        *pipeline
	runID    string
	runDir   string
	started  time.Time
	now      func() time.Time
	logger   *slog.Logger
	progress *progressLog
}

func writePID(runDir string, logger *slog.Logger) {
	if err := os.WriteFile(filepath.Join(runDir, pidFile), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("write pid file", "run_dir", runDir, "error", err)
	}
}

// executeGuarded turns a panic anywhere in the pass into a run fault so the
// failure is still recorded and the run directory finalized.
func (r *runner) executeGuarded(ctx context.Context) (summary *RunSummary, err error) {
	defer func() {
		if v := recover(); v != nil {
			stack := string(rdebug.Stack())
			_ = os.WriteFile(filepath.Join(r.runDir, panicFile), []byte(fmt.Sprintf("%v\n\n%s", v, stack)), 0o644)
			r.logger.Error("run panicked", "panic", fmt.Sprint(v))
			summary, err = nil, fmt.Errorf("run fault: panic: %v", v)
		}
	}()
	return r.execute(ctx)
}

func (r *runner) execute(ctx context.Context) (*RunSummary, error) {
	cfg := r.cfg
	if err := r.writeStep(StepInitialConfig, InitialConfig{
		Task:      cfg.Task,
		TestData:  cfg.TestData,
		Timestamp: r.now().UTC(),
	}); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sol, err := r.p.synth.Synthesize(ctx, cfg.Task, cfg.TestData)
	if err != nil {
		return nil, err
	}
	if err := r.writeStep(StepGeneratedSolution, sol); err != nil {
		return nil, err
	}

	manifest := []string(sol.Dependencies)
	h, out, err := r.iterate(ctx, sol.Code, manifestText(manifest))
	if err != nil {
		return nil, err
	}
	if err := r.writeStep(StepIterationSetup, setupRecord(h)); err != nil {
		return nil, err
	}
	if err := r.writeStep(StepIterationOutput, outputRecord(out)); err != nil {
		return nil, err
	}

	code := sol.Code
	debugNeeded := strings.Contains(out.Text, cfg.Runs.ErrorMarker)
	if debugNeeded {
		r.emit(map[string]any{"event": "debug_started"})
		dr, err := r.p.debug.Run(ctx, code, out.Text, manifest)
		if err != nil {
			return nil, err
		}
		if err := r.writeStep(StepDebugResults, debugRecord(out.Text, dr)); err != nil {
			return nil, err
		}
		if len(dr.DependencyDelta) > 0 || cfg.Debug.AlwaysRerun {
			manifest = mergeManifest(manifest, dr.DependencyDelta)
			code = dr.FinalCode
			h, out, err = r.iterate(ctx, code, manifestText(manifest))
			if err != nil {
				return nil, err
			}
			rec := outputRecord(out)
			rec.IterationDir = h.Dir
			if err := r.writeStep(StepFixedIterationOut, rec); err != nil {
				return nil, err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	analysis, err := r.p.analyzer.Analyze(ctx, code, out.Text)
	if err != nil {
		return nil, err
	}
	if err := r.writeStep(StepAnalysisResults, analysis); err != nil {
		return nil, err
	}

	summary := &RunSummary{
		RunDirectory:      r.runDir,
		RunID:             r.runID,
		StartedAt:         r.started.UTC(),
		Timestamp:         r.now().UTC(),
		SolutionGenerated: true,
		DebugNeeded:       debugNeeded,
		FinalOutputFile:   out.Path,
		TokenUsage:        r.p.client.Usage(),
	}
	if err := r.writeStep(StepRunSummary, summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func (r *runner) iterate(ctx context.Context, code, manifest string) (*sandbox.Handle, *sandbox.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	h, err := r.p.sandbox.Provision(ctx, code, manifest)
	if err != nil {
		return nil, nil, err
	}
	r.emit(map[string]any{"event": "iteration_provisioned", "iteration_id": h.ID, "install_error": h.InstallError})
	out, err := r.p.sandbox.Execute(ctx, h)
	if err != nil {
		return nil, nil, err
	}
	r.emit(map[string]any{"event": "iteration_executed", "iteration_id": h.ID, "exit_code": out.ExitCode})
	return h, out, nil
}

func (r *runner) writeStep(name string, v any) error {
	if err := runtime.WriteJSONAtomicFile(filepath.Join(r.runDir, name+".json"), v); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	r.emit(map[string]any{"event": "step_completed", "step": name})
	return nil
}

func (r *runner) recordFailure(runErr error, kind string) {
	rec := ErrorRecord{Error: runErr.Error(), Kind: kind, Timestamp: r.now().UTC()}
	if last, err := runtime.LastStepArtifact(r.runDir); err == nil && last != "" {
		step := strings.TrimSuffix(last, ".json")
		rec.LastSuccessfulStep = &step
	}
	if err := runtime.WriteJSONAtomicFile(filepath.Join(r.runDir, ErrorLogArtifact+".json"), rec); err != nil {
		r.logger.Error("write error log", "error", err)
	}
	r.emit(map[string]any{"event": "run_failed", "error": runErr.Error(), "kind": kind})
	r.logger.Error("run failed", "error", runErr, "kind", kind)
}

func (r *runner) finish(res *Result) {
	final := &runtime.FinalOutcome{
		Timestamp:     r.now().UTC(),
		Status:        res.Status,
		RunID:         r.runID,
		FailureReason: res.FailureReason,
	}
	if last, err := runtime.LastStepArtifact(r.runDir); err == nil {
		final.LastArtifact = last
	}
	if err := final.Save(filepath.Join(r.runDir, runtime.FinalFile)); err != nil {
		r.logger.Error("write final outcome", "error", err)
	}
	if err := prometheus.WriteToTextfile(filepath.Join(r.runDir, metricsFile), r.p.registry); err != nil {
		r.logger.Warn("write metrics", "error", err)
	}
	r.emit(map[string]any{"event": "run_finished", "status": string(res.Status)})
	r.logger.Info("run finished", "status", res.Status,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens,
		"estimated_cost", res.Usage.EstimatedCost)
}

func (r *runner) emit(ev map[string]any) {
	if err := r.progress.append(ev); err != nil {
		r.logger.Warn("append progress", "error", err)
	}
}

func setupRecord(h *sandbox.Handle) IterationSetup {
	return IterationSetup{
		IterationDir:     h.Dir,
		IterationID:      h.ID,
		CodeFile:         h.CodePath,
		RequirementsFile: h.ManifestPath,
		CodeDigest:       h.CodeDigest,
		InstallError:     h.InstallError,
		InstallTimedOut:  h.InstallTimedOut,
	}
}

func outputRecord(out *sandbox.Output) IterationOutput {
	return IterationOutput{OutputFile: out.Path, OutputContent: out.Text, ExitCode: out.ExitCode}
}

func debugRecord(original string, dr *debugloop.Result) DebugResults {
	changes := dr.DependencyDelta
	if changes == nil {
		changes = []string{}
	}
	return DebugResults{
		OriginalError:      original,
		FixedCode:          dr.FinalCode,
		RequirementChanges: changes,
		Steps:              dr.Steps,
		Solved:             dr.Solved,
		StopReason:         dr.StopReason,
	}
}

// mergeManifest appends delta to base, dropping blank and repeated entries
// while keeping first-seen order.
func mergeManifest(base, delta []string) []string {
	seen := make(map[string]bool, len(base)+len(delta))
	out := make([]string, 0, len(base)+len(delta))
	for _, list := range [][]string{base, delta} {
		for _, d := range list {
			d = strings.TrimSpace(d)
			if d == "" || seen[d] {
				continue
			}
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func manifestText(deps []string) string {
	return (&synth.Solution{Dependencies: deps}).Manifest()
}
