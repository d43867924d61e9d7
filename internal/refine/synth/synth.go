// Package synth produces the first candidate program for a task, using the
// most recent stored conclusions as context.
package synth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/danshapiro/refiner/internal/refine/history"
	"github.com/danshapiro/refiner/internal/refine/recovery"
)

const (
	// DefaultWindow is also the most conclusions a prompt ever carries.
	DefaultWindow = 3
	noConclusions = "No previous conclusions available."
)

// Solution is a candidate program and the dependencies it declares.
type Solution struct {
	Code         string              `json:"code"`
	Dependencies recovery.StringList `json:"dependencies"`
	Conclusions  recovery.Text       `json:"conclusions"`
}

// Manifest renders the dependency list one entry per line, the layout pip
// reads from requirements.txt.
func (s *Solution) Manifest() string {
	if s == nil || len(s.Dependencies) == 0 {
		return ""
	}
	return strings.Join(s.Dependencies, "\n") + "\n"
}

type ConclusionRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Task        string    `json:"task"`
	Conclusions string    `json:"conclusions"`
}

// Obtainer sends a prompt and decodes a typed reply. *recovery.Recoverer
// satisfies it.
type Obtainer interface {
	Obtain(ctx context.Context, kind recovery.Kind, prompt string, out any) error
}

type Options struct {
	Window int
	Logger *slog.Logger
	Now    func() time.Time
}

type Synthesizer struct {
	rec    Obtainer
	hist   *history.Store[ConclusionRecord]
	window int
	logger *slog.Logger
	now    func() time.Time
}

func New(rec Obtainer, hist *history.Store[ConclusionRecord], opts Options) *Synthesizer {
	s := &Synthesizer{rec: rec, hist: hist, window: opts.Window, logger: opts.Logger, now: opts.Now}
	if s.window <= 0 || s.window > DefaultWindow {
		s.window = DefaultWindow
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Synthesizer) Synthesize(ctx context.Context, task, testData string) (*Solution, error) {
	var sol Solution
	if err := s.rec.Obtain(ctx, recovery.KindSolution, s.prompt(task, testData), &sol); err != nil {
		return nil, fmt.Errorf("synthesize: %w", err)
	}
	if s.hist != nil {
		rec := ConclusionRecord{Timestamp: s.now().UTC(), Task: task, Conclusions: sol.Conclusions.String()}
		if err := s.hist.Append(rec); err != nil {
			return nil, fmt.Errorf("synthesize: %w", err)
		}
	}
	s.logger.Info("solution synthesized", "dependencies", len(sol.Dependencies), "code_bytes", len(sol.Code))
	return &sol, nil
}

func (s *Synthesizer) prompt(task, testData string) string {
	return fmt.Sprintf(`Task: %s
Test Data: %s
Historical Context: %s

Analyze the task and produce:
1. A complete Python program that solves it (it will be saved as main.py and run with no arguments).
2. The pip requirements it needs, one requirement specifier per entry.
3. Your analysis and conclusions.

Reply with a single JSON object with keys "code" (string), "dependencies" (array of strings) and "conclusions" (string).`,
		task, testData, s.historicalContext())
}

func (s *Synthesizer) historicalContext() string {
	if s.hist == nil {
		return noConclusions
	}
	recent := s.hist.Last(s.window)
	if len(recent) == 0 {
		return noConclusions
	}
	var b strings.Builder
	b.WriteString("Recent conclusions:\n")
	for _, c := range recent {
		b.WriteString("- ")
		b.WriteString(oneLine(c.Conclusions))
		b.WriteString("\n")
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
