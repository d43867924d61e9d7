package synth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
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

func newConclusions(t *testing.T) *history.Store[ConclusionRecord] {
	t.Helper()
	s, err := history.Open[ConclusionRecord](afero.NewMemMapFs(), "/h/conclusions.ndjson", history.FormatNDJSON)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	return s
}

func newSynth(t *testing.T, inv *scriptedInvoker, hist *history.Store[ConclusionRecord]) *Synthesizer {
	t.Helper()
	rec, err := recovery.New(inv, recovery.Options{})
	if err != nil {
		t.Fatalf("recovery.New: %v", err)
	}
	return New(rec, hist, Options{Now: func() time.Time { return time.Unix(100, 0) }})
}

func TestSynthesize_EmptyHistoryAndAppend(t *testing.T) {
	inv := &scriptedInvoker{replies: []string{`{"code": "print('hi')", "dependencies": ["textblob>=0.17"], "conclusions": "use a lexicon"}`}}
	hist := newConclusions(t)
	s := newSynth(t, inv, hist)

	sol, err := s.Synthesize(context.Background(), "classify", "I am happy")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if sol.Code != "print('hi')" || sol.Manifest() != "textblob>=0.17\n" {
		t.Fatalf("solution: %+v manifest=%q", sol, sol.Manifest())
	}
	if !strings.Contains(inv.prompts[0], "No previous conclusions available.") {
		t.Fatalf("prompt missing empty-history marker:\n%s", inv.prompts[0])
	}
	want := []ConclusionRecord{{Timestamp: time.Unix(100, 0).UTC(), Task: "classify", Conclusions: "use a lexicon"}}
	if diff := cmp.Diff(want, hist.All()); diff != "" {
		t.Fatalf("history (-want +got):\n%s", diff)
	}
}

func TestSynthesize_UsesLastThreeConclusionsOneLineEach(t *testing.T) {
	hist := newConclusions(t)
	for _, c := range []string{"first", "second", "third\nspans lines", "fourth"} {
		_ = hist.Append(ConclusionRecord{Conclusions: c})
	}
	inv := &scriptedInvoker{replies: []string{`{"code": "x", "dependencies": [], "conclusions": "ok"}`}}
	s := newSynth(t, inv, hist)
	if _, err := s.Synthesize(context.Background(), "t", "d"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	p := inv.prompts[0]
	if strings.Contains(p, "- first") {
		t.Fatalf("window should drop the oldest conclusion:\n%s", p)
	}
	for _, want := range []string{"- second\n", "- third spans lines\n", "- fourth\n"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestSynthesize_MalformedLeavesHistoryUntouched(t *testing.T) {
	inv := &scriptedInvoker{replies: []string{"no json here", "still none"}}
	hist := newConclusions(t)
	s := newSynth(t, inv, hist)
	_, err := s.Synthesize(context.Background(), "t", "d")
	var me *recovery.MalformedResponseError
	if !errors.As(err, &me) {
		t.Fatalf("expected MalformedResponseError, got %v", err)
	}
	if hist.Len() != 0 {
		t.Fatalf("history appended on failure")
	}
}

func TestManifest_Empty(t *testing.T) {
	if got := (&Solution{}).Manifest(); got != "" {
		t.Fatalf("got %q", got)
	}
}
