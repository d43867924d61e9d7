// Package analyze asks the engine to assess an iteration against the most
// recent earlier assessments.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/danshapiro/refiner/internal/refine/history"
	"github.com/danshapiro/refiner/internal/refine/recovery"
)

// DefaultWindow is also the most earlier analyses a prompt ever carries.
const DefaultWindow = 3

type Record struct {
	Timestamp time.Time      `json:"timestamp"`
	Analysis  map[string]any `json:"analysis"`
}

// Obtainer is satisfied by *recovery.Recoverer.
type Obtainer interface {
	Obtain(ctx context.Context, kind recovery.Kind, prompt string, out any) error
}

type Options struct {
	Window int
	Logger *slog.Logger
	Now    func() time.Time
}

type Analyzer struct {
	rec    Obtainer
	hist   *history.Store[Record]
	window int
	logger *slog.Logger
	now    func() time.Time
}

func New(rec Obtainer, hist *history.Store[Record], opts Options) *Analyzer {
	a := &Analyzer{rec: rec, hist: hist, window: opts.Window, logger: opts.Logger, now: opts.Now}
	if a.window <= 0 || a.window > DefaultWindow {
		a.window = DefaultWindow
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// Recent returns the analyses that feed the next prompt, oldest first.
func (a *Analyzer) Recent() []Record {
	if a.hist == nil {
		return nil
	}
	return a.hist.Last(a.window)
}

func (a *Analyzer) Analyze(ctx context.Context, code, output string) (map[string]any, error) {
	prompt, err := a.prompt(code, output)
	if err != nil {
		return nil, err
	}
	var payload map[string]any
	if err := a.rec.Obtain(ctx, recovery.KindAnalysis, prompt, &payload); err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}
	if a.hist != nil {
		if err := a.hist.Append(Record{Timestamp: a.now().UTC(), Analysis: payload}); err != nil {
			return nil, fmt.Errorf("analyze: %w", err)
		}
	}
	a.logger.Info("iteration analyzed", "keys", len(payload))
	return payload, nil
}

func (a *Analyzer) prompt(code, output string) (string, error) {
	previous := a.Recent()
	if previous == nil {
		previous = []Record{}
	}
	prev, err := json.MarshalIndent(previous, "", "  ")
	if err != nil {
		return "", fmt.Errorf("analyze: encode previous analyses: %w", err)
	}
	return fmt.Sprintf(`Analyze the current iteration:

Current Code:
%s

Current Output:
%s

Previous Analyses:
%s

Reply with a single JSON object with these keys:
%s`, code, output, prev, keyList()), nil
}

func keyList() string {
	labels := map[string]string{
		"performance_assessment":   "how well the program performs the task",
		"improvements_regressions": "what improved or regressed compared with previous analyses",
		"root_cause_analysis":      "root causes of any remaining problems",
		"tuning_recommendations":   "concrete changes for the next iteration",
	}
	var b strings.Builder
	for _, k := range recovery.AnalysisKeys {
		fmt.Fprintf(&b, "- %q: %s\n", k, labels[k])
	}
	return b.String()
}
