package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/danshapiro/refiner/internal/llm"
	"github.com/danshapiro/refiner/internal/refine/history"
	"github.com/danshapiro/refiner/internal/refine/runstate"
	"github.com/danshapiro/refiner/internal/refine/runtime"
	"github.com/danshapiro/refiner/internal/refine/sandbox"
)

type scriptedTransport struct {
	replies []string
	prompts []string
}

func (s *scriptedTransport) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.prompts = append(s.prompts, req.Prompt)
	if len(s.replies) == 0 {
		return llm.Response{}, errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return llm.Response{Provider: "anthropic", Model: "m", Text: r, Usage: llm.Usage{InputTokens: 10, OutputTokens: 4}}, nil
}

// programRuntime plays back one output per Run and records what each run saw
// on disk.
type programRuntime struct {
	outputs   []string
	codes     []string
	manifests []string
}

func (p *programRuntime) Create(ctx context.Context, runtimeDir string) error {
	return os.MkdirAll(runtimeDir, 0o755)
}

func (p *programRuntime) Install(ctx context.Context, runtimeDir, manifestPath string) error {
	return nil
}

func (p *programRuntime) Run(ctx context.Context, runtimeDir, workDir, entryPoint string) (sandbox.RunResult, error) {
	code, _ := os.ReadFile(filepath.Join(workDir, entryPoint))
	manifest, _ := os.ReadFile(filepath.Join(workDir, sandbox.ManifestFile))
	p.codes = append(p.codes, string(code))
	p.manifests = append(p.manifests, string(manifest))
	out := ""
	if len(p.outputs) > 0 {
		out = p.outputs[0]
		p.outputs = p.outputs[1:]
	}
	return sandbox.RunResult{Stdout: out}, nil
}

func solutionReply(code string, deps ...string) string {
	b, _ := json.Marshal(map[string]any{"code": code, "dependencies": append([]string{}, deps...), "conclusions": "first attempt"})
	return string(b)
}

func fixReply(code string, solved bool, delta ...string) string {
	b, _ := json.Marshal(map[string]any{
		"analysis":         "missing import",
		"fixed_code":       code,
		"dependency_delta": append([]string{}, delta...),
		"conclusions":      "patched",
		"solved":           solved,
	})
	return string(b)
}

const analysisReply = `{"performance_assessment":"ok","improvements_regressions":"none","root_cause_analysis":"n/a","tuning_recommendations":"none"}`

func testConfig(t *testing.T) *RunConfigFile {
	t.Helper()
	root := t.TempDir()
	cfg := DefaultRunConfig()
	cfg.History.Dir = "/history"
	cfg.Sandbox.Root = filepath.Join(root, "iterations")
	cfg.Runs.Root = filepath.Join(root, "runs")
	return cfg
}

func runWith(t *testing.T, cfg *RunConfigFile, tr *scriptedTransport, rt *programRuntime, fs afero.Fs) *Result {
	t.Helper()
	res, err := Run(context.Background(), cfg, Deps{
		Transport: tr,
		Runtime:   rt,
		Fs:        fs,
		Now:       func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func artifacts(t *testing.T, runDir string) []string {
	t.Helper()
	got, err := runtime.ListStepArtifacts(runDir)
	if err != nil {
		t.Fatalf("ListStepArtifacts: %v", err)
	}
	return got
}

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestRun_CleanRunSkipsDebug(t *testing.T) {
	cfg := testConfig(t)
	fs := afero.NewMemMapFs()
	tr := &scriptedTransport{replies: []string{solutionReply("print('happy')", "pandas"), analysisReply}}
	rt := &programRuntime{outputs: []string{"happy\nsad\n"}}

	res := runWith(t, cfg, tr, rt, fs)
	if res.Status != runtime.FinalSuccess {
		t.Fatalf("status=%q reason=%q", res.Status, res.FailureReason)
	}
	want := []string{
		"00_initial_config.json",
		"01_generated_solution.json",
		"02_iteration_setup.json",
		"03_iteration_output.json",
		"06_analysis_results.json",
		"07_run_summary.json",
	}
	if diff := cmp.Diff(want, artifacts(t, res.RunDir)); diff != "" {
		t.Fatalf("artifacts (-want +got):\n%s", diff)
	}

	var summary RunSummary
	readJSON(t, filepath.Join(res.RunDir, "07_run_summary.json"), &summary)
	if summary.DebugNeeded || !summary.SolutionGenerated {
		t.Fatalf("summary: %+v", summary)
	}
	if summary.TokenUsage.InputTokens != 20 || summary.TokenUsage.OutputTokens != 8 || summary.TokenUsage.Calls != 2 {
		t.Fatalf("token usage: %+v", summary.TokenUsage)
	}
	if rt.manifests[0] != "pandas\n" {
		t.Fatalf("manifest: %q", rt.manifests[0])
	}

	var final runtime.FinalOutcome
	readJSON(t, filepath.Join(res.RunDir, runtime.FinalFile), &final)
	if final.Status != runtime.FinalSuccess || final.LastArtifact != "07_run_summary.json" {
		t.Fatalf("final: %+v", final)
	}
	for _, name := range []string{"progress.ndjson", "metrics.prom", "run.pid"} {
		if _, err := os.Stat(filepath.Join(res.RunDir, name)); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	for _, name := range []string{history.Calls, history.Conclusions, history.Analyses} {
		if _, err := fs.Stat(filepath.Join("/history", history.FileName(name, history.FormatNDJSON))); err != nil {
			t.Fatalf("history %s: %v", name, err)
		}
	}

	snap, err := runstate.LoadSnapshot(res.RunDir)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.State != runstate.StateSuccess || snap.RunID != res.RunID {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestRun_ErrorFixedAtStepOneRerunsWithMergedManifest(t *testing.T) {
	cfg := testConfig(t)
	tr := &scriptedTransport{replies: []string{
		solutionReply("v0", "pandas"),
		fixReply("v1", true, "numpy", "pandas"),
		analysisReply,
	}}
	rt := &programRuntime{outputs: []string{"Traceback\nNameError: np", "happy\n"}}

	res := runWith(t, cfg, tr, rt, afero.NewMemMapFs())
	if res.Status != runtime.FinalSuccess {
		t.Fatalf("status=%q reason=%q", res.Status, res.FailureReason)
	}
	got := artifacts(t, res.RunDir)
	if len(got) != 8 || got[4] != "04_debug_results.json" || got[5] != "05_fixed_iteration_output.json" {
		t.Fatalf("artifacts: %v", got)
	}

	var dr DebugResults
	readJSON(t, filepath.Join(res.RunDir, "04_debug_results.json"), &dr)
	if !dr.Solved || dr.Steps != 1 || dr.FixedCode != "v1" || dr.StopReason != "solved" {
		t.Fatalf("debug results: %+v", dr)
	}
	if diff := cmp.Diff([]string{"v0", "v1"}, rt.codes); diff != "" {
		t.Fatalf("codes (-want +got):\n%s", diff)
	}
	if rt.manifests[1] != "pandas\nnumpy\n" {
		t.Fatalf("merged manifest: %q", rt.manifests[1])
	}

	var fixed IterationOutput
	readJSON(t, filepath.Join(res.RunDir, "05_fixed_iteration_output.json"), &fixed)
	if fixed.OutputContent != "happy\n" || fixed.IterationDir == "" {
		t.Fatalf("fixed output: %+v", fixed)
	}
	analysisPrompt := tr.prompts[len(tr.prompts)-1]
	if !strings.Contains(analysisPrompt, "v1") || !strings.Contains(analysisPrompt, "happy") {
		t.Fatalf("analysis prompt did not see the rerun: %q", analysisPrompt)
	}

	var summary RunSummary
	readJSON(t, filepath.Join(res.RunDir, "07_run_summary.json"), &summary)
	if !summary.DebugNeeded || summary.FinalOutputFile != fixed.OutputFile {
		t.Fatalf("summary: %+v", summary)
	}
}

func TestRun_DebugBudgetExhaustedWithoutRerun(t *testing.T) {
	cfg := testConfig(t)
	tr := &scriptedTransport{replies: []string{
		solutionReply("v0"),
		fixReply("v1", false),
		fixReply("v2", false),
		fixReply("v3", false),
		analysisReply,
	}}
	rt := &programRuntime{outputs: []string{"Error: boom"}}

	res := runWith(t, cfg, tr, rt, afero.NewMemMapFs())
	if res.Status != runtime.FinalSuccess {
		t.Fatalf("status=%q reason=%q", res.Status, res.FailureReason)
	}
	var dr DebugResults
	readJSON(t, filepath.Join(res.RunDir, "04_debug_results.json"), &dr)
	if dr.Solved || dr.Steps != 3 || dr.StopReason != "operator_declined" {
		t.Fatalf("debug results: %+v", dr)
	}
	if len(dr.RequirementChanges) != 0 {
		t.Fatalf("requirement changes: %v", dr.RequirementChanges)
	}
	if _, err := os.Stat(filepath.Join(res.RunDir, "05_fixed_iteration_output.json")); !os.IsNotExist(err) {
		t.Fatalf("unexpected rerun artifact: %v", err)
	}
	if len(rt.codes) != 1 {
		t.Fatalf("runs: %d", len(rt.codes))
	}
}

func TestRun_AlwaysRerunReexecutesWithoutDelta(t *testing.T) {
	cfg := testConfig(t)
	cfg.Debug.AlwaysRerun = true
	tr := &scriptedTransport{replies: []string{solutionReply("v0"), fixReply("v1", true), analysisReply}}
	rt := &programRuntime{outputs: []string{"Error", "fine"}}

	res := runWith(t, cfg, tr, rt, afero.NewMemMapFs())
	if res.Status != runtime.FinalSuccess {
		t.Fatalf("status=%q reason=%q", res.Status, res.FailureReason)
	}
	if diff := cmp.Diff([]string{"v0", "v1"}, rt.codes); diff != "" {
		t.Fatalf("codes (-want +got):\n%s", diff)
	}
	if rt.manifests[1] != "" {
		t.Fatalf("manifest: %q", rt.manifests[1])
	}
}

func TestRun_UnparsableRepliesWriteErrorLog(t *testing.T) {
	cfg := testConfig(t)
	tr := &scriptedTransport{replies: []string{"here is some code", "still prose"}}
	rt := &programRuntime{}

	res := runWith(t, cfg, tr, rt, afero.NewMemMapFs())
	if res.Status != runtime.FinalFail || res.ErrorKind != KindMalformedResponse {
		t.Fatalf("result: %+v", res)
	}
	if diff := cmp.Diff([]string{"00_initial_config.json"}, artifacts(t, res.RunDir)); diff != "" {
		t.Fatalf("artifacts (-want +got):\n%s", diff)
	}
	var rec ErrorRecord
	readJSON(t, filepath.Join(res.RunDir, "error_log.json"), &rec)
	if rec.Kind != KindMalformedResponse || rec.LastSuccessfulStep == nil || *rec.LastSuccessfulStep != StepInitialConfig {
		t.Fatalf("error record: %+v", rec)
	}
	if len(tr.prompts) != 2 {
		t.Fatalf("calls: %d", len(tr.prompts))
	}
	if len(rt.codes) != 0 {
		t.Fatalf("program ran after a failed synthesis")
	}

	snap, err := runstate.LoadSnapshot(res.RunDir)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap.State != runstate.StateFail || snap.FailureReason == "" {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestRun_CanceledContextIsRecorded(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := Run(ctx, cfg, Deps{Transport: &scriptedTransport{}, Runtime: &programRuntime{}, Fs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != runtime.FinalFail || res.ErrorKind != KindCanceled {
		t.Fatalf("result: %+v", res)
	}
}

// panicRuntime blows up on its first Run the way a nil map write would.
type panicRuntime struct {
	programRuntime
	seen map[string]int
}

func (p *panicRuntime) Run(ctx context.Context, runtimeDir, workDir, entryPoint string) (sandbox.RunResult, error) {
	p.seen[entryPoint]++
	return sandbox.RunResult{}, nil
}

func TestRun_PanicIsRecordedAsRunFault(t *testing.T) {
	cfg := testConfig(t)
	tr := &scriptedTransport{replies: []string{solutionReply("print('happy')")}}
	res, err := Run(context.Background(), cfg, Deps{
		Transport: tr,
		Runtime:   &panicRuntime{},
		Fs:        afero.NewMemMapFs(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != runtime.FinalFail || res.ErrorKind != KindRunFault {
		t.Fatalf("result: %+v", res)
	}
	if !strings.Contains(res.FailureReason, "panic: assignment to entry in nil map") {
		t.Fatalf("failure reason: %q", res.FailureReason)
	}

	var rec ErrorRecord
	readJSON(t, filepath.Join(res.RunDir, "error_log.json"), &rec)
	if rec.Kind != KindRunFault || rec.LastSuccessfulStep == nil || *rec.LastSuccessfulStep != StepGeneratedSolution {
		t.Fatalf("error record: %+v", rec)
	}
	var final runtime.FinalOutcome
	readJSON(t, filepath.Join(res.RunDir, runtime.FinalFile), &final)
	if final.Status != runtime.FinalFail {
		t.Fatalf("final: %+v", final)
	}
	if b, err := os.ReadFile(filepath.Join(res.RunDir, panicFile)); err != nil || !strings.Contains(string(b), "nil map") {
		t.Fatalf("panic.txt: %v %q", err, b)
	}
}

func TestWritePID_LogsWriteFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	writePID(filepath.Join(t.TempDir(), "missing"), logger)
	if !strings.Contains(buf.String(), "level=WARN") || !strings.Contains(buf.String(), "write pid file") {
		t.Fatalf("log: %q", buf.String())
	}
}

func TestRun_RequiresTransportAndRuntime(t *testing.T) {
	cfg := testConfig(t)
	if _, err := Run(context.Background(), cfg, Deps{Runtime: &programRuntime{}}); err == nil {
		t.Fatalf("expected error without transport")
	}
	if _, err := Run(context.Background(), cfg, Deps{Transport: &scriptedTransport{}}); err == nil {
		t.Fatalf("expected error without runtime")
	}
}

func TestMergeManifest(t *testing.T) {
	got := mergeManifest([]string{"pandas", "numpy>=1.0"}, []string{" scipy ", "pandas", "", "scipy"})
	want := []string{"pandas", "numpy>=1.0", "scipy"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mergeManifest (-want +got):\n%s", diff)
	}
}

func TestClassifyError(t *testing.T) {
	if got := classifyError(context.Canceled); got != KindCanceled {
		t.Fatalf("canceled: %q", got)
	}
	if got := classifyError(errors.New("disk full")); got != KindRunFault {
		t.Fatalf("run fault: %q", got)
	}
}
