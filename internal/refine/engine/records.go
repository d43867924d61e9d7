package engine

import (
	"context"
	"errors"
	"time"

	"github.com/danshapiro/refiner/internal/refine/genclient"
	"github.com/danshapiro/refiner/internal/refine/recovery"
)

// Step artifact names, in the order a run writes them.
const (
	StepInitialConfig     = "00_initial_config"
	StepGeneratedSolution = "01_generated_solution"
	StepIterationSetup    = "02_iteration_setup"
	StepIterationOutput   = "03_iteration_output"
	StepDebugResults      = "04_debug_results"
	StepFixedIterationOut = "05_fixed_iteration_output"
	StepAnalysisResults   = "06_analysis_results"
	StepRunSummary        = "07_run_summary"
	ErrorLogArtifact      = "error_log"
)

type InitialConfig struct {
	Task      string    `json:"task"`
	TestData  string    `json:"test_data"`
	Timestamp time.Time `json:"timestamp"`
}

type IterationSetup struct {
	IterationDir     string `json:"iteration_dir"`
	IterationID      string `json:"iteration_id"`
	CodeFile         string `json:"code_file"`
	RequirementsFile string `json:"requirements_file"`
	CodeDigest       string `json:"code_digest"`
	InstallError     string `json:"install_error,omitempty"`
	InstallTimedOut  bool   `json:"install_timed_out,omitempty"`
}

type IterationOutput struct {
	IterationDir  string `json:"iteration_dir,omitempty"`
	OutputFile    string `json:"output_file"`
	OutputContent string `json:"output_content"`
	ExitCode      int    `json:"exit_code"`
}

type DebugResults struct {
	OriginalError      string   `json:"original_error"`
	FixedCode          string   `json:"fixed_code"`
	RequirementChanges []string `json:"requirement_changes"`
	Steps              int      `json:"steps"`
	Solved             bool     `json:"solved"`
	StopReason         string   `json:"stop_reason"`
}

type RunSummary struct {
	RunDirectory      string          `json:"run_directory"`
	RunID             string          `json:"run_id"`
	StartedAt         time.Time       `json:"started_at"`
	Timestamp         time.Time       `json:"timestamp"`
	SolutionGenerated bool            `json:"solution_generated"`
	DebugNeeded       bool            `json:"debug_needed"`
	FinalOutputFile   string          `json:"final_output_file"`
	TokenUsage        genclient.Usage `json:"token_usage"`
}

type ErrorRecord struct {
	Error              string    `json:"error"`
	Kind               string    `json:"kind"`
	Timestamp          time.Time `json:"timestamp"`
	LastSuccessfulStep *string   `json:"last_successful_step"`
}

// Error kinds recorded in the error artifact.
const (
	KindTransportFailure  = "transport_failure"
	KindCallDeclined      = "call_declined"
	KindMalformedResponse = "malformed_response"
	KindCanceled          = "canceled"
	KindRunFault          = "run_fault"
)

func classifyError(err error) string {
	var tf *genclient.TransportFailureError
	var mr *recovery.MalformedResponseError
	switch {
	case errors.As(err, &mr):
		return KindMalformedResponse
	case errors.As(err, &tf):
		return KindTransportFailure
	case errors.Is(err, genclient.ErrCallDeclined):
		return KindCallDeclined
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	return KindRunFault
}
