package agent

import (
	"context"

	"github.com/davidahmann/masbench/core/device"
)

// RawAction is the untrusted action payload an agent emits for one step. The
// runner normalizes it before anything touches the device.
type RawAction map[string]any

// Stepper is the in-process agent contract for planner-only L0 execution: the
// engine observes, the agent picks, the engine executes.
type Stepper interface {
	// NextAction returns the next raw action for the observation, or
	// finished=true when the agent declares the goal reached.
	NextAction(ctx context.Context, obs device.Observation) (action RawAction, finished bool, err error)
}

// RunRequest is the agent-driven RPC request: the agent drives the device on
// its own and the engine only captures side evidence.
type RunRequest struct {
	CaseID        string   `json:"case_id"`
	Variant       string   `json:"variant"`
	Goal          string   `json:"goal"`
	ADBServer     string   `json:"adb_server,omitempty"`
	AndroidSerial string   `json:"android_serial"`
	Timeouts      Timeouts `json:"timeouts"`
}

type Timeouts struct {
	TotalS   int `json:"total_s"`
	MaxSteps int `json:"max_steps"`
}

const (
	StatusSuccess = "success"
	StatusFail    = "fail"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

type RunResponse struct {
	Status    string         `json:"status"`
	Summary   string         `json:"summary,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// Runner is the remote agent contract. Run must be idempotent on timeout; the
// engine treats a timeout as terminal and never retries the episode.
type Runner interface {
	Run(ctx context.Context, request RunRequest) (RunResponse, error)
}
