package runtime

import (
	"fmt"
	"time"
)

type FinalStatus string

const (
	FinalSuccess FinalStatus = "success"
	FinalFail    FinalStatus = "fail"
)

const FinalFile = "final.json"

type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	RunID string `json:"run_id"`

	FailureReason string `json:"failure_reason,omitempty"`
	// LastArtifact is the newest step artifact written before the run ended.
	LastArtifact string `json:"last_artifact,omitempty"`
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	return WriteJSONAtomicFile(path, fo)
}
