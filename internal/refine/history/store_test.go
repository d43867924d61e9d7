package history

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

type note struct {
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := Open[note](fs, "/h/conclusions.ndjson", FormatNDJSON)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Len() != 0 || s.Last(3) != nil {
		t.Fatalf("expected empty store, got %v", s.All())
	}
}

func TestStore_NDJSONAppendsLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := OpenDir[note](fs, "/h", Conclusions, FormatNDJSON)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, txt := range []string{"a", "b"} {
		if err := s.Append(note{Timestamp: "t", Text: txt}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	b, err := afero.ReadFile(fs, "/h/conclusions.ndjson")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"text":"b"`) {
		t.Fatalf("unexpected file contents:\n%s", b)
	}

	reopened, err := OpenDir[note](fs, "/h", Conclusions, FormatNDJSON)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if diff := cmp.Diff(s.All(), reopened.All()); diff != "" {
		t.Fatalf("reloaded records differ (-want +got):\n%s", diff)
	}
}

func TestStore_JSONArrayRewritesWholeFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := OpenDir[note](fs, "/h", Debug, FormatJSONArray)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Append(note{Text: "one"})
	_ = s.Append(note{Text: "two"})
	b, _ := afero.ReadFile(fs, "/h/debug_history.json")
	if !strings.HasPrefix(strings.TrimSpace(string(b)), "[") {
		t.Fatalf("expected a JSON array, got:\n%s", b)
	}
	if ok, _ := afero.Exists(fs, "/h/debug_history.json.tmp"); ok {
		t.Fatal("temp file left behind")
	}
	reopened, err := OpenDir[note](fs, "/h", Debug, FormatJSONArray)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 2 {
		t.Fatalf("len=%d", reopened.Len())
	}
}

func TestStore_ReadsArrayLayoutAndMigratesOnAppend(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/h/analysis_history.ndjson", []byte(`[{"text":"old"}]`), 0o644)

	s, err := Open[note](fs, "/h/analysis_history.ndjson", FormatNDJSON)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("len=%d", s.Len())
	}
	if err := s.Append(note{Text: "new"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	b, _ := afero.ReadFile(fs, "/h/analysis_history.ndjson")
	want := "{\"timestamp\":\"\",\"text\":\"old\"}\n{\"timestamp\":\"\",\"text\":\"new\"}\n"
	if string(b) != want {
		t.Fatalf("file:\n%s\nwant:\n%s", b, want)
	}
}

func TestStore_LastReturnsWindowOldestFirst(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, _ := Open[note](fs, "/h/x.ndjson", FormatNDJSON)
	for _, txt := range []string{"1", "2", "3", "4", "5"} {
		_ = s.Append(note{Text: txt})
	}
	got := s.Last(3)
	want := []note{{Text: "3"}, {Text: "4"}, {Text: "5"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Last(3) (-want +got):\n%s", diff)
	}
	if got := s.Last(10); len(got) != 5 {
		t.Fatalf("Last(10) len=%d", len(got))
	}
	// Mutating the returned slice must not touch the store.
	got[0].Text = "changed"
	if s.All()[2].Text != "3" {
		t.Fatal("Last leaked internal storage")
	}
}

func TestOpen_CorruptLineReportsLineNumber(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/h/x.ndjson", []byte("{\"text\":\"ok\"}\n{broken\n"), 0o644)
	_, err := Open[note](fs, "/h/x.ndjson", FormatNDJSON)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 decode error, got %v", err)
	}
}

func TestStore_OSFilesystemTakesLock(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenDir[note](afero.NewOsFs(), dir, Calls, FormatNDJSON)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Append(note{Text: "x"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ok, _ := afero.Exists(afero.NewOsFs(), filepath.Join(dir, "claude_history.ndjson.lock")); !ok {
		t.Fatal("expected lock file beside history")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatNDJSON {
		t.Fatalf("default: %q %v", f, err)
	}
	if f, err := ParseFormat("JSON_ARRAY"); err != nil || f != FormatJSONArray {
		t.Fatalf("json_array: %q %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("expected error")
	}
}
