package device

import (
	"context"
	"time"

	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// Foreground identifies the resumed app at observation time.
type Foreground struct {
	Package  string `json:"package"`
	Activity string `json:"activity,omitempty"`
}

// Geometry captures the coordinate spaces an observation was taken in. All
// executed actions are canonicalized to the physical pixel space.
type Geometry struct {
	ScreenshotWidthPX  int `json:"screenshot_width_px"`
	ScreenshotHeightPX int `json:"screenshot_height_px"`
	LogicalWidthPX     int `json:"logical_width_px"`
	LogicalHeightPX    int `json:"logical_height_px"`
	PhysicalWidthPX    int `json:"physical_width_px"`
	PhysicalHeightPX   int `json:"physical_height_px"`
	Orientation        int `json:"orientation"`
}

// Observation is one snapshot of device state handed to the agent.
type Observation struct {
	ScreenshotBytes   []byte
	UIDumpBytes       []byte
	Foreground        Foreground
	Geometry          Geometry
	DeviceEpochTimeMS int64
}

type InputReceipt struct {
	Success     bool  `json:"success"`
	TimestampMS int64 `json:"timestamp_ms"`
}

type ShellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Device is the collaborator contract the engine drives an episode through.
// Implementations block; every call honors the context deadline.
type Device interface {
	Serial() string
	Observe(ctx context.Context) (Observation, error)
	Execute(ctx context.Context, action schemaevidence.NormalizedAction) (InputReceipt, error)
	RunShell(ctx context.Context, cmd string, timeout time.Duration) (ShellResult, error)
	Pull(ctx context.Context, devicePath string) ([]byte, error)
}

// Resetter is implemented by devices that can restore a named snapshot.
type Resetter interface {
	Reset(ctx context.Context, snapshot string) error
}
