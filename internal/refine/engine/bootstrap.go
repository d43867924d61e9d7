package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/danshapiro/refiner/internal/refine/analyze"
	"github.com/danshapiro/refiner/internal/refine/debugloop"
	"github.com/danshapiro/refiner/internal/refine/genclient"
	"github.com/danshapiro/refiner/internal/refine/history"
	"github.com/danshapiro/refiner/internal/refine/interview"
	"github.com/danshapiro/refiner/internal/refine/recovery"
	"github.com/danshapiro/refiner/internal/refine/sandbox"
	"github.com/danshapiro/refiner/internal/refine/synth"
)

// Deps are the collaborators a run is built from. Transport and Runtime are
// required; the rest default.
type Deps struct {
	Transport genclient.Completer
	Runtime   sandbox.Runtime
	// Interviewer gates generative calls and the debug continue decision.
	// Nil auto-approves every call and never extends the debug window.
	Interviewer interview.Interviewer
	Logger      *slog.Logger
	// Fs holds the history stores. Defaults to the OS filesystem.
	Fs  afero.Fs
	Now func() time.Time
}

// pipeline is every component of one run, wired against shared histories
// and one generative client.
type pipeline struct {
	client   *genclient.Client
	registry *prometheus.Registry
	synth    *synth.Synthesizer
	sandbox  *sandbox.Manager
	debug    *debugloop.Loop
	analyzer *analyze.Analyzer
}

func buildPipeline(cfg *RunConfigFile, deps Deps) (*pipeline, error) {
	if deps.Transport == nil {
		return nil, fmt.Errorf("engine: transport is required")
	}
	if deps.Runtime == nil {
		return nil, fmt.Errorf("engine: runtime is required")
	}
	fs := deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	format, err := history.ParseFormat(cfg.History.Format)
	if err != nil {
		return nil, err
	}
	dir := cfg.History.Dir
	calls, err := history.OpenDir[genclient.CallRecord](fs, dir, history.Calls, format)
	if err != nil {
		return nil, err
	}
	conclusions, err := history.OpenDir[synth.ConclusionRecord](fs, dir, history.Conclusions, format)
	if err != nil {
		return nil, err
	}
	debugHist, err := history.OpenDir[debugloop.Record](fs, dir, history.Debug, format)
	if err != nil {
		return nil, err
	}
	analyses, err := history.OpenDir[analyze.Record](fs, dir, history.Analyses, format)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	client, err := genclient.New(deps.Transport, genclient.Config{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		System:      cfg.LLM.SystemPrompt,
		MaxTokens:   cfg.LLM.MaxTokens,
		MaxAttempts: cfg.LLM.MaxAttempts,
		Pricing:     cfg.LLM.Pricing,
	}, genclient.Options{
		Interviewer: deps.Interviewer,
		History:     calls,
		Logger:      deps.Logger,
		Registry:    reg,
		Now:         deps.Now,
	})
	if err != nil {
		return nil, err
	}
	rec, err := recovery.New(client, recovery.Options{
		Policy:               recovery.Policy(cfg.Recovery.Policy),
		MaxOperationAttempts: cfg.Recovery.MaxOperationAttempts,
		Logger:               deps.Logger,
	})
	if err != nil {
		return nil, err
	}
	loop, err := debugloop.New(client, rec, debugHist, debugloop.Options{
		MaxSteps:       cfg.Debug.MaxSteps,
		Strategy:       debugloop.Strategy(cfg.Debug.Strategy),
		SuccessMarkers: cfg.Debug.SuccessMarkers,
		Interviewer:    deps.Interviewer,
		Logger:         deps.Logger,
		Now:            deps.Now,
	})
	if err != nil {
		return nil, err
	}
	return &pipeline{
		client:   client,
		registry: reg,
		synth:    synth.New(rec, conclusions, synth.Options{Window: cfg.History.Window, Logger: deps.Logger, Now: deps.Now}),
		sandbox: sandbox.NewManager(deps.Runtime, sandbox.Options{
			Root:           cfg.Sandbox.Root,
			InstallTimeout: time.Duration(cfg.Sandbox.InstallTimeoutMS) * time.Millisecond,
			Logger:         deps.Logger,
		}),
		debug:    loop,
		analyzer: analyze.New(rec, analyses, analyze.Options{Window: cfg.History.Window, Logger: deps.Logger, Now: deps.Now}),
	}, nil
}
