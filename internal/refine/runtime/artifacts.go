package runtime

import (
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// StepArtifactPattern matches numbered step artifacts such as
// 03_iteration_output.json.
const StepArtifactPattern = "[0-9][0-9]_*.json"

// ListStepArtifacts returns the step artifacts present in runDir in step
// order.
func ListStepArtifacts(runDir string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(runDir), StepArtifactPattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// LastStepArtifact returns the newest step artifact in runDir, or "" when
// none has been written.
func LastStepArtifact(runDir string) (string, error) {
	matches, err := ListStepArtifacts(runDir)
	if err != nil || len(matches) == 0 {
		return "", err
	}
	return matches[len(matches)-1], nil
}
