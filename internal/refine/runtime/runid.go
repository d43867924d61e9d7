package runtime

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const runIDSuffixLen = 6

// NewRunID returns a sortable id: the local start time to the second plus a
// ULID suffix so runs started in the same second never collide.
func NewRunID(now time.Time) string {
	id := ulid.Make().String()
	return now.Format("20060102_150405") + "_" + strings.ToLower(id[len(id)-runIDSuffixLen:])
}

// RunDirName is the directory a run writes into under the runs root.
func RunDirName(runID string) string {
	return "run_" + runID
}
