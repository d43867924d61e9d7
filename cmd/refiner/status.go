package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/refiner/internal/refine/runstate"
	"github.com/danshapiro/refiner/internal/refine/runtime"
)

func runStatus(args []string, stdout, stderr io.Writer) int {
	var logsRoot string
	var runsRoot string
	var asJSON bool
	var latest bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--logs-root requires a value")
				return 1
			}
			logsRoot = args[i]
		case "--runs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--runs-root requires a value")
				return 1
			}
			runsRoot = args[i]
		case "--json":
			asJSON = true
		case "--latest":
			latest = true
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	if latest {
		if logsRoot != "" {
			fmt.Fprintln(stderr, "--latest and --logs-root are mutually exclusive")
			return 1
		}
		if runsRoot == "" {
			runsRoot = "runs"
		}
		dir, err := latestRunDir(runsRoot)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		logsRoot = dir
	}
	if logsRoot == "" {
		fmt.Fprintln(stderr, "--logs-root or --latest is required")
		return 1
	}

	snap, err := runstate.LoadSnapshot(logsRoot)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "run_dir=%s\n", snap.RunDir)
	fmt.Fprintf(stdout, "run_id=%s\n", snap.RunID)
	fmt.Fprintf(stdout, "state=%s\n", snap.State)
	if snap.LastEvent != "" {
		fmt.Fprintf(stdout, "last_event=%s\n", snap.LastEvent)
	}
	if snap.LastArtifact != "" {
		fmt.Fprintf(stdout, "last_artifact=%s\n", snap.LastArtifact)
	}
	if snap.FailureReason != "" {
		fmt.Fprintf(stdout, "failure_reason=%s\n", snap.FailureReason)
	}
	if snap.PID > 0 {
		fmt.Fprintf(stdout, "pid=%d\n", snap.PID)
		fmt.Fprintf(stdout, "pid_alive=%t\n", snap.PIDAlive)
	}
	return 0
}

// latestRunDir picks the newest run directory under root. Run ids start with
// the start time, so lexical order is chronological.
func latestRunDir(root string) (string, error) {
	matches, err := doublestar.Glob(os.DirFS(root), runtime.RunDirName("*"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no runs found under %s", root)
	}
	sort.Strings(matches)
	return filepath.Join(root, matches[len(matches)-1]), nil
}
