// Package runstate reports what a run directory says about its run, whether
// the run is still going or long finished.
package runstate

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/danshapiro/refiner/internal/refine/procutil"
	"github.com/danshapiro/refiner/internal/refine/runtime"
)

type State string

const (
	StateUnknown State = "unknown"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFail    State = "fail"
)

type Snapshot struct {
	RunDir        string    `json:"run_dir"`
	RunID         string    `json:"run_id,omitempty"`
	State         State     `json:"state"`
	LastEvent     string    `json:"last_event,omitempty"`
	LastEventAt   time.Time `json:"last_event_at,omitempty"`
	Artifacts     []string  `json:"artifacts"`
	LastArtifact  string    `json:"last_artifact,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	PID           int       `json:"pid,omitempty"`
	PIDAlive      bool      `json:"pid_alive"`
}

type finalOutcomeDoc struct {
	Status        string `json:"status"`
	RunID         string `json:"run_id"`
	FailureReason string `json:"failure_reason"`
}

// LoadSnapshot reads the artifacts in runDir and returns a compact snapshot.
func LoadSnapshot(runDir string) (*Snapshot, error) {
	root := strings.TrimSpace(runDir)
	if root == "" {
		return nil, fmt.Errorf("run directory is required")
	}
	if fi, err := os.Stat(root); err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	s := &Snapshot{RunDir: root, State: StateUnknown}

	if err := applyFinalOutcome(s); err != nil {
		return nil, err
	}
	terminal := s.State == StateSuccess || s.State == StateFail

	// final.json is authoritative; progress events only fill in activity.
	if err := applyLastProgress(s, terminal); err != nil {
		return nil, err
	}
	artifacts, err := runtime.ListStepArtifacts(root)
	if err != nil {
		return nil, err
	}
	s.Artifacts = artifacts
	if len(artifacts) > 0 {
		s.LastArtifact = artifacts[len(artifacts)-1]
	}

	if err := applyPIDFile(s, terminal); err != nil {
		return nil, err
	}
	if s.State == StateUnknown && s.PIDAlive {
		s.State = StateRunning
	}
	return s, nil
}

func applyFinalOutcome(s *Snapshot) error {
	path := filepath.Join(s.RunDir, runtime.FinalFile)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var doc finalOutcomeDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	if rid := strings.TrimSpace(doc.RunID); rid != "" {
		s.RunID = rid
	}
	switch strings.ToLower(strings.TrimSpace(doc.Status)) {
	case string(StateSuccess):
		s.State = StateSuccess
	case string(StateFail):
		s.State = StateFail
		s.FailureReason = strings.TrimSpace(doc.FailureReason)
	}
	return nil
}

func applyLastProgress(s *Snapshot, terminal bool) error {
	ev, found, err := readLastProgressEvent(filepath.Join(s.RunDir, "progress.ndjson"))
	if err != nil || !found {
		return err
	}
	if rid := eventString(ev["run_id"]); rid != "" && s.RunID == "" {
		s.RunID = rid
	}
	s.LastEvent = eventString(ev["event"])
	if ts := parseEventTime(ev["ts"]); !ts.IsZero() {
		s.LastEventAt = ts
	}
	if reason := eventString(ev["error"]); reason != "" && !terminal {
		s.FailureReason = reason
	}
	return nil
}

func applyPIDFile(s *Snapshot, terminal bool) error {
	path := filepath.Join(s.RunDir, "run.pid")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	raw := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		if terminal {
			return nil
		}
		return fmt.Errorf("parse %s: invalid pid %q", path, raw)
	}
	s.PID = pid
	// A finished run's pid may belong to an unrelated process by now.
	if !terminal {
		s.PIDAlive = procutil.PIDAlive(pid)
	}
	return nil
}

func readLastProgressEvent(path string) (map[string]any, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	last := ""
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, false, err
	}
	if last == "" {
		return nil, false, nil
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		// The writer may be mid-line; an unreadable tail is not fatal.
		return nil, false, nil
	}
	return ev, true, nil
}

func eventString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func parseEventTime(v any) time.Time {
	raw := eventString(v)
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts
	}
	return time.Time{}
}
