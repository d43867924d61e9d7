package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const progressFile = "progress.ndjson"

// progressLog appends one JSON event per line to progress.ndjson. Write
// failures are logged and otherwise ignored; the step artifacts are the
// record of truth.
type progressLog struct {
	mu    sync.Mutex
	path  string
	runID string
	now   func() time.Time
}

func newProgressLog(runDir, runID string, now func() time.Time) *progressLog {
	return &progressLog{path: filepath.Join(runDir, progressFile), runID: runID, now: now}
}

func (p *progressLog) append(ev map[string]any) error {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(ev)+2)
	for k, v := range ev {
		out[k] = v
	}
	out["ts"] = p.now().UTC().Format(time.RFC3339Nano)
	out["run_id"] = p.runID
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
