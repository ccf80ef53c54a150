package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/masbench/core/agent"
	"github.com/davidahmann/masbench/core/device"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// FakeDevice is a scripted device collaborator. Shell output is matched by
// command prefix; unmatched commands get built-in answers for
// `getprop sys.boot_completed`, `date +%s` and `echo ok`, and otherwise
// succeed with empty output.
type FakeDevice struct {
	mu sync.Mutex

	SerialName string
	EpochMS    int64
	EpochStep  int64

	ShellOutputs map[string]device.ShellResult
	ShellFunc    func(cmd string) (device.ShellResult, error)
	Files        map[string][]byte

	Observations []device.Observation
	obsIndex     int

	Executed  []schemaevidence.NormalizedAction
	ShellLog  []string
	ResetLog  []string
	FailShell error
}

func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		SerialName:   "emulator-5554",
		EpochMS:      1_700_000_000_000,
		EpochStep:    1_000,
		ShellOutputs: map[string]device.ShellResult{},
		Files:        map[string][]byte{},
	}
}

func (d *FakeDevice) Serial() string {
	return d.SerialName
}

func (d *FakeDevice) nextEpoch() int64 {
	d.EpochMS += d.EpochStep
	return d.EpochMS
}

func (d *FakeDevice) EpochTimeMS(ctx context.Context) (int64, error) {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextEpoch(), nil
}

func (d *FakeDevice) RunShell(ctx context.Context, cmd string, timeout time.Duration) (device.ShellResult, error) {
	_ = timeout
	if err := ctx.Err(); err != nil {
		return device.ShellResult{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ShellLog = append(d.ShellLog, cmd)
	if d.FailShell != nil {
		return device.ShellResult{}, d.FailShell
	}
	if d.ShellFunc != nil {
		return d.ShellFunc(cmd)
	}
	for prefix, result := range d.ShellOutputs {
		if strings.HasPrefix(cmd, prefix) {
			return result, nil
		}
	}
	switch {
	case strings.HasPrefix(cmd, "getprop sys.boot_completed"):
		return device.ShellResult{Stdout: "1\n"}, nil
	case strings.HasPrefix(cmd, "date +%s"):
		return device.ShellResult{Stdout: fmt.Sprintf("%d\n", d.nextEpoch()/1000)}, nil
	case strings.HasPrefix(cmd, "echo ok"):
		return device.ShellResult{Stdout: "ok\n"}, nil
	}
	return device.ShellResult{}, nil
}

func (d *FakeDevice) Pull(ctx context.Context, devicePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	content, ok := d.Files[devicePath]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", devicePath)
	}
	return content, nil
}

func (d *FakeDevice) Observe(ctx context.Context) (device.Observation, error) {
	if err := ctx.Err(); err != nil {
		return device.Observation{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Observations) == 0 {
		return DefaultObservation(d.nextEpoch()), nil
	}
	obs := d.Observations[d.obsIndex%len(d.Observations)]
	d.obsIndex++
	obs.DeviceEpochTimeMS = d.nextEpoch()
	return obs, nil
}

func (d *FakeDevice) Execute(ctx context.Context, action schemaevidence.NormalizedAction) (device.InputReceipt, error) {
	if err := ctx.Err(); err != nil {
		return device.InputReceipt{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Executed = append(d.Executed, action)
	return device.InputReceipt{Success: true, TimestampMS: d.nextEpoch()}, nil
}

func (d *FakeDevice) Reset(ctx context.Context, snapshot string) error {
	_ = ctx
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetLog = append(d.ResetLog, snapshot)
	return nil
}

// DefaultObservation is a dialer-foreground observation with stable bytes,
// so repeated observes produce identical obs digests.
func DefaultObservation(epochMS int64) device.Observation {
	return device.Observation{
		ScreenshotBytes: []byte("png-bytes-dialer"),
		UIDumpBytes:     []byte("<hierarchy/>"),
		Foreground:      device.Foreground{Package: "com.android.dialer", Activity: ".MainActivity"},
		Geometry: device.Geometry{
			ScreenshotWidthPX:  1080,
			ScreenshotHeightPX: 2400,
			LogicalWidthPX:     1080,
			LogicalHeightPX:    2400,
			PhysicalWidthPX:    1080,
			PhysicalHeightPX:   2400,
		},
		DeviceEpochTimeMS: epochMS,
	}
}

// ScriptedStepper replays a fixed action sequence then declares finished.
type ScriptedStepper struct {
	Actions []agent.RawAction
	index   int
}

func (s *ScriptedStepper) NextAction(ctx context.Context, obs device.Observation) (agent.RawAction, bool, error) {
	_ = ctx
	_ = obs
	if s.index >= len(s.Actions) {
		return nil, true, nil
	}
	action := s.Actions[s.index]
	s.index++
	return action, false, nil
}

// RefBindingStepper emits actions whose ref_obs_digest is taken from a
// function of the observation, for Guard B tests.
type RefBindingStepper struct {
	MakeRef func(obs device.Observation) string
	Action  agent.RawAction
	Steps   int
	done    int
}

func (s *RefBindingStepper) NextAction(ctx context.Context, obs device.Observation) (agent.RawAction, bool, error) {
	_ = ctx
	if s.done >= s.Steps {
		return nil, true, nil
	}
	s.done++
	action := agent.RawAction{}
	for key, value := range s.Action {
		action[key] = value
	}
	if s.MakeRef != nil {
		action["ref_obs_digest"] = s.MakeRef(obs)
	}
	return action, false, nil
}

// FakeRunner is a scripted remote agent.
type FakeRunner struct {
	Response agent.RunResponse
	Err      error
	Requests []agent.RunRequest
}

func (r *FakeRunner) Run(ctx context.Context, request agent.RunRequest) (agent.RunResponse, error) {
	_ = ctx
	r.Requests = append(r.Requests, request)
	if r.Err != nil {
		return agent.RunResponse{}, r.Err
	}
	return r.Response, nil
}
