// Package debugloop repairs a failing program with a bounded number of
// diagnose-and-fix steps. The operator decides whether to keep going once a
// budget window is used up.
package debugloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/danshapiro/refiner/internal/refine/genclient"
	"github.com/danshapiro/refiner/internal/refine/history"
	"github.com/danshapiro/refiner/internal/refine/interview"
	"github.com/danshapiro/refiner/internal/refine/recovery"
)

const DefaultMaxSteps = 3

// NoNewRequirements is the reply that means the fix needs no new packages.
const NoNewRequirements = "No new requirements"

type Strategy string

const (
	// StrategyCombined asks for the whole step as one structured reply.
	StrategyCombined Strategy = "combined"
	// StrategySequential asks four free-text questions per step.
	StrategySequential Strategy = "sequential"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyCombined:
		return StrategyCombined, nil
	case StrategySequential:
		return StrategySequential, nil
	}
	return "", fmt.Errorf("unknown debug strategy %q (want combined or sequential)", s)
}

const (
	StopSolved   = "solved"
	StopDeclined = "operator_declined"
)

var DefaultSuccessMarkers = []string{"solved", "fixed"}

type Record struct {
	Timestamp       time.Time `json:"timestamp"`
	Step            int       `json:"step"`
	OriginalError   string    `json:"original_error"`
	Analysis        string    `json:"analysis"`
	FixedCode       string    `json:"fixed_code"`
	DependencyDelta []string  `json:"dependency_delta"`
	Conclusions     string    `json:"conclusions"`
	Solved          bool      `json:"solved"`
}

type Result struct {
	FinalCode       string   `json:"final_code"`
	DependencyDelta []string `json:"dependency_delta"`
	Steps           int      `json:"steps"`
	Solved          bool     `json:"solved"`
	StopReason      string   `json:"stop_reason"`
}

// Obtainer is satisfied by *recovery.Recoverer.
type Obtainer interface {
	Obtain(ctx context.Context, kind recovery.Kind, prompt string, out any) error
}

type Options struct {
	MaxSteps       int
	Strategy       Strategy
	SuccessMarkers []string
	// Interviewer decides whether to continue past a budget window. Nil
	// stops at the first window.
	Interviewer interview.Interviewer
	Logger      *slog.Logger
	Now         func() time.Time
}

type Loop struct {
	inv     genclient.Invoker
	rec     Obtainer
	hist    *history.Store[Record]
	opts    Options
	markers []string
}

func New(inv genclient.Invoker, rec Obtainer, hist *history.Store[Record], opts Options) (*Loop, error) {
	strategy, err := ParseStrategy(string(opts.Strategy))
	if err != nil {
		return nil, err
	}
	opts.Strategy = strategy
	if strategy == StrategySequential && inv == nil {
		return nil, fmt.Errorf("debugloop: sequential strategy needs an invoker")
	}
	if strategy == StrategyCombined && rec == nil {
		return nil, fmt.Errorf("debugloop: combined strategy needs a recoverer")
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	l := &Loop{inv: inv, rec: rec, hist: hist, opts: opts}
	for _, m := range opts.SuccessMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			l.markers = append(l.markers, m)
		}
	}
	if len(l.markers) == 0 {
		l.markers = append([]string{}, DefaultSuccessMarkers...)
	}
	return l, nil
}

// Run drives the repair of code that produced errText. deps is the manifest
// the code was provisioned with.
func (l *Loop) Run(ctx context.Context, code, errText string, deps []string) (*Result, error) {
	current := code
	windowEnd := l.opts.MaxSteps
	var lastDelta []string

	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := l.runStep(ctx, step, current, errText, deps)
		if err != nil {
			return nil, fmt.Errorf("debug step %d: %w", step, err)
		}
		if l.hist != nil {
			if err := l.hist.Append(*rec); err != nil {
				return nil, fmt.Errorf("debug step %d: %w", step, err)
			}
		}
		lastDelta = rec.DependencyDelta
		l.opts.Logger.Info("debug step complete", "step", step, "solved", rec.Solved, "dependency_delta", len(rec.DependencyDelta))

		if rec.Solved {
			return &Result{FinalCode: rec.FixedCode, DependencyDelta: lastDelta, Steps: step, Solved: true, StopReason: StopSolved}, nil
		}
		if step == windowEnd {
			if !l.askContinue(step) {
				return &Result{FinalCode: current, DependencyDelta: lastDelta, Steps: step, StopReason: StopDeclined}, nil
			}
			windowEnd += l.opts.MaxSteps
		}
		current = rec.FixedCode
	}
}

func (l *Loop) askContinue(step int) bool {
	if l.opts.Interviewer == nil {
		return false
	}
	ans := l.opts.Interviewer.Ask(interview.Question{
		Type:  interview.QuestionYesNo,
		Text:  fmt.Sprintf("Maximum debug steps reached (%d steps so far). Continue debugging?", step),
		Stage: "debug",
	})
	return interview.Confirmed(ans)
}

func (l *Loop) runStep(ctx context.Context, step int, code, errText string, deps []string) (*Record, error) {
	rec := &Record{Step: step, OriginalError: errText}
	base := contextPrompt(code, errText, deps)

	var solvedFlag *bool
	if l.opts.Strategy == StrategyCombined {
		var reply fixReply
		if err := l.rec.Obtain(ctx, recovery.KindDebugFix, base+combinedInstructions, &reply); err != nil {
			return nil, err
		}
		rec.Analysis = reply.Analysis
		rec.FixedCode = recovery.StripFence(reply.FixedCode)
		rec.DependencyDelta = cleanDelta(reply.DependencyDelta)
		rec.Conclusions = reply.Conclusions.String()
		solvedFlag = reply.Solved
	} else {
		analysis, err := l.inv.Invoke(ctx, base+analysisInstructions)
		if err != nil {
			return nil, err
		}
		withAnalysis := base + analysis + "\n\n"
		fixed, err := l.inv.Invoke(ctx, withAnalysis+fixInstructions)
		if err != nil {
			return nil, err
		}
		reqs, err := l.inv.Invoke(ctx, withAnalysis+requirementsInstructions)
		if err != nil {
			return nil, err
		}
		conclusions, err := l.inv.Invoke(ctx, withAnalysis+conclusionsInstructions)
		if err != nil {
			return nil, err
		}
		rec.Analysis = analysis
		rec.FixedCode = recovery.StripFence(fixed)
		rec.DependencyDelta = ParseDelta(reqs)
		rec.Conclusions = conclusions
	}

	// Either signal ends the loop: the reply's flag or a marker in its conclusions.
	rec.Solved = (solvedFlag != nil && *solvedFlag) || l.hasMarker(rec.Conclusions)
	rec.Timestamp = l.opts.Now().UTC()
	return rec, nil
}

func (l *Loop) hasMarker(conclusions string) bool {
	lower := strings.ToLower(conclusions)
	for _, m := range l.markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

type fixReply struct {
	Analysis        string              `json:"analysis"`
	FixedCode       string              `json:"fixed_code"`
	DependencyDelta recovery.StringList `json:"dependency_delta"`
	Conclusions     recovery.Text       `json:"conclusions"`
	Solved          *bool               `json:"solved"`
}

// ParseDelta reads a free-text requirements reply: one pip specifier per
// line, or the NoNewRequirements sentinel.
func ParseDelta(reply string) []string {
	body := recovery.StripFence(reply)
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		lines = append(lines, strings.TrimLeft(strings.TrimSpace(line), "-* "))
	}
	return cleanDelta(lines)
}

func cleanDelta(in []string) []string {
	out := []string{}
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || isSentinel(v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func isSentinel(s string) bool {
	s = strings.TrimRight(strings.TrimSpace(s), ".")
	return strings.EqualFold(s, NoNewRequirements)
}

func contextPrompt(code, errText string, deps []string) string {
	return fmt.Sprintf(`Analyze this error in the code:

Code:
%s

Error:
%s

Requirements:
%s

`, code, errText, strings.Join(deps, "\n"))
}

const (
	analysisInstructions = "Provide detailed error analysis and root cause."

	fixInstructions = `Based on the error analysis, provide the complete fixed code.
Output only the code, no explanations.`

	requirementsInstructions = `List any new package requirements needed for the fixed code.
List one requirement per line in pip format. If no new requirements are needed, respond with '` + NoNewRequirements + `'.`

	conclusionsInstructions = `Summarize what was fixed and what improvements were made.
Be brief and specific.`

	combinedInstructions = `Diagnose the root cause and fix the program. Reply with a single JSON object with keys:
"analysis": detailed error analysis and root cause,
"fixed_code": the complete fixed program,
"dependency_delta": array of new pip requirements the fix needs (empty array if none),
"conclusions": a brief, specific summary of what was fixed,
"solved": true only if you are confident the fix resolves the error.`
)
