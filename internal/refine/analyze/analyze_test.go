package analyze

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/danshapiro/refiner/internal/refine/history"
	"github.com/danshapiro/refiner/internal/refine/recovery"
)

type scriptedInvoker struct {
	replies []string
	prompts []string
}

func (s *scriptedInvoker) Invoke(ctx context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

const goodAnalysis = `{"performance_assessment": "3/4 correct", "improvements_regressions": "better", "root_cause_analysis": "sarcasm", "tuning_recommendations": "add lexicon"}`

func newAnalyzer(t *testing.T, inv *scriptedInvoker, hist *history.Store[Record]) *Analyzer {
	t.Helper()
	rec, err := recovery.New(inv, recovery.Options{})
	if err != nil {
		t.Fatalf("recovery.New: %v", err)
	}
	return New(rec, hist, Options{Now: func() time.Time { return time.Unix(5, 0) }})
}

func TestAnalyze_AppendsAndReturnsPayload(t *testing.T) {
	hist, _ := history.Open[Record](afero.NewMemMapFs(), "/h/analysis_history.ndjson", history.FormatNDJSON)
	inv := &scriptedInvoker{replies: []string{goodAnalysis}}
	a := newAnalyzer(t, inv, hist)

	got, err := a.Analyze(context.Background(), "print(1)", "happy")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got["root_cause_analysis"] != "sarcasm" {
		t.Fatalf("payload: %v", got)
	}
	recs := hist.All()
	if len(recs) != 1 || recs[0].Analysis["tuning_recommendations"] != "add lexicon" {
		t.Fatalf("history: %+v", recs)
	}
	p := inv.prompts[0]
	for _, want := range []string{"print(1)", "happy", "Previous Analyses:\n[]", "performance_assessment"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestAnalyze_PromptCarriesLastThree(t *testing.T) {
	hist, _ := history.Open[Record](afero.NewMemMapFs(), "/h/a.ndjson", history.FormatNDJSON)
	for _, v := range []string{"a1", "a2", "a3", "a4"} {
		_ = hist.Append(Record{Analysis: map[string]any{"performance_assessment": v}})
	}
	inv := &scriptedInvoker{replies: []string{goodAnalysis}}
	a := newAnalyzer(t, inv, hist)
	if got := len(a.Recent()); got != 3 {
		t.Fatalf("Recent=%d", got)
	}
	if _, err := a.Analyze(context.Background(), "c", "o"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	p := inv.prompts[0]
	if strings.Contains(p, `"a1"`) || !strings.Contains(p, `"a4"`) {
		t.Fatalf("window wrong:\n%s", p)
	}
}

func TestAnalyze_WindowIsCappedAtThree(t *testing.T) {
	hist, _ := history.Open[Record](afero.NewMemMapFs(), "/h/a.ndjson", history.FormatNDJSON)
	for _, v := range []string{"a1", "a2", "a3", "a4", "a5", "a6"} {
		_ = hist.Append(Record{Analysis: map[string]any{"performance_assessment": v}})
	}
	rec, err := recovery.New(&scriptedInvoker{}, recovery.Options{})
	if err != nil {
		t.Fatalf("recovery.New: %v", err)
	}
	a := New(rec, hist, Options{Window: 10})
	if got := len(a.Recent()); got != DefaultWindow {
		t.Fatalf("Recent=%d want %d", got, DefaultWindow)
	}
}

func TestAnalyze_MalformedIsNotRecorded(t *testing.T) {
	hist, _ := history.Open[Record](afero.NewMemMapFs(), "/h/a.ndjson", history.FormatNDJSON)
	inv := &scriptedInvoker{replies: []string{`{"performance_assessment": "ok"}`, "nope"}}
	a := newAnalyzer(t, inv, hist)
	_, err := a.Analyze(context.Background(), "c", "o")
	var me *recovery.MalformedResponseError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
	if hist.Len() != 0 {
		t.Fatal("malformed analysis recorded")
	}
}
