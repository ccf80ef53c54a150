package episode

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/davidahmann/masbench/core/agent"
	"github.com/davidahmann/masbench/core/audit"
	"github.com/davidahmann/masbench/core/device"
	"github.com/davidahmann/masbench/core/evidence"
	"github.com/davidahmann/masbench/core/facts"
	"github.com/davidahmann/masbench/core/jcs"
	"github.com/davidahmann/masbench/core/oracle"
	"github.com/davidahmann/masbench/core/schema/v1/casespec"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

const (
	transientRetries = 3
	retryBackoff     = 500 * time.Millisecond
	postPhaseBudget  = 60 * time.Second
)

// Options configures one episode run. Exactly one of Planner or Remote must
// be set: Planner is the planner-only mode (the engine executes every action,
// L0 evidence, Guard B enforced); Remote hands the device to the agent
// process and only captures side evidence.
type Options struct {
	Bundle        casespec.CaseBundle
	Device        device.Device
	Planner       agent.Stepper
	Remote        agent.Runner
	OutDir        string
	Seed          int64
	Snapshot      string
	ArtifactsRoot string
	EnvProfile    string
	ADBServer     string
	EpisodeIndex  int
	Logger        *zap.Logger
	Now           func() time.Time
}

// Result is what one Run call produced. Err-level failures still return a
// Result when the evidence pack exists.
type Result struct {
	RunID      string
	EpisodeDir string
	Summary    schemaevidence.Summary
	Facts      []schemaevidence.FactRecord
	Assertions []schemaevidence.AssertionRecord
	ExitCode   int
}

type runState struct {
	options  Options
	logger   *zap.Logger
	pack     *evidence.Pack
	runID    string
	episode  string
	start    time.Time
	window   oracle.TimeWindow
	oracles  []oracle.Oracle
	events   []schemaevidence.OracleEventRecord
	enabled  []audit.AssertionConfig
	sources  map[string]string
	steps    int
	timedOut bool

	infraFailed bool
	agentFailed bool
	reason      string
}

func (s *runState) now() time.Time {
	if s.options.Now != nil {
		return s.options.Now()
	}
	return time.Now()
}

// Run drives exactly one episode end-to-end and always leaves a sealed,
// auditable evidence pack behind, even on crash.
func Run(ctx context.Context, options Options) (result Result, err error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if (options.Planner == nil) == (options.Remote == nil) {
		return Result{}, fmt.Errorf("exactly one of Planner or Remote must be set")
	}

	pack, packErr := evidence.CreatePack(options.OutDir, options.EpisodeIndex)
	if packErr != nil {
		return Result{}, packErr
	}

	state := &runState{
		options: options,
		logger:  logger,
		pack:    pack,
		runID:   uuid.NewString(),
		episode: uuid.NewString(),
	}
	state.start = state.now()

	enabled, sources, compileErr := audit.CompileEnabled(options.Bundle.Policy, options.Bundle.Eval)
	if compileErr != nil {
		return Result{}, compileErr
	}
	state.enabled = enabled
	state.sources = sources

	defer func() {
		if recovered := recover(); recovered != nil {
			stack := debug.Stack()
			_ = pack.WriteCrash(schemaevidence.CrashReport{
				SchemaVersion: schemaevidence.SchemaVersionV0,
				StackDigest:   jcs.DigestBytes(stack),
				Message:       fmt.Sprintf("panic: %v", recovered),
				TimestampMS:   state.now().UnixMilli(),
			})
			err = fmt.Errorf("episode crashed: %v", recovered)
		}
	}()

	logger.Info("episode start",
		zap.String("case_id", options.Bundle.Task.CaseID),
		zap.String("variant", options.Bundle.Variant),
		zap.String("run_id", state.runID),
	)

	runEpisode(ctx, state)
	return finish(ctx, state)
}

func runEpisode(ctx context.Context, state *runState) {
	options := state.options

	// Reset.
	if resetter, ok := options.Device.(device.Resetter); ok && options.Snapshot != "" {
		if err := resetter.Reset(ctx, options.Snapshot); err != nil {
			state.infraFailed = true
			state.reason = "snapshot load failed: " + err.Error()
			return
		}
		state.appendDeviceRecord(schemaevidence.DeviceRecordReset, map[string]any{"snapshot": options.Snapshot})
	}

	// Health probe. Fail fast before any agent traffic.
	health := device.Probe(ctx, options.Device)
	state.appendDeviceRecord(schemaevidence.DeviceRecordHealthProbe, map[string]any{
		"boot_completed":   health.BootCompleted,
		"storage_writable": health.StorageWritable,
		"epoch_time_ms":    health.EpochTimeMS,
		"healthy":          health.Healthy,
	})
	if !health.Healthy {
		state.infraFailed = true
		state.reason = "device unhealthy: " + health.Reason
		return
	}
	state.window.StartMS = health.EpochTimeMS
	state.appendDeviceRecord(schemaevidence.DeviceRecordEpochTime, map[string]any{"epoch_time_ms": health.EpochTimeMS, "edge": "t_start"})

	capabilities := device.ProbeCapabilities(ctx, options.Device, options.ArtifactsRoot)
	_ = evidence.WriteEnvCapabilities(options.OutDir, schemaevidence.EnvCapabilities{
		SchemaVersion: schemaevidence.SchemaVersionV0,
		Capabilities:  capabilities,
	})

	oracleCtx := &oracle.Context{
		Task:          options.Bundle.Task,
		Params:        options.Bundle.Task.SuccessOracle.Params,
		Serial:        options.Device.Serial(),
		Device:        options.Device,
		EpisodeDir:    state.pack.EpisodeDir,
		RunID:         state.runID,
		ArtifactsRoot: options.ArtifactsRoot,
		Capabilities:  capabilities,
		Raw:           state.pack.OracleRaw,
		CanaryTokens:  options.Bundle.Eval.AllCanaryTokens(),
		Now:           options.Now,
	}

	if !state.buildOracles() {
		return
	}

	// Pre-checks complete before the first step. Pollution that cannot be
	// cleared aborts the episode as infra_failed.
	for _, o := range state.oracles {
		events, err := o.PreCheck(ctx, oracleCtx)
		if err != nil {
			state.infraFailed = true
			state.reason = fmt.Sprintf("oracle %s pre_check: %v", o.Name(), err)
			return
		}
		if !state.appendOracleEvents(events) {
			return
		}
		for _, event := range events {
			if event.Phase == schemaevidence.PhasePre && !event.Decision.Success && !event.Decision.Conclusive {
				state.infraFailed = true
				state.reason = fmt.Sprintf("oracle %s pre_check pollution not clearable: %s", o.Name(), event.Decision.Reason)
				return
			}
		}
	}

	// Step phase.
	if options.Planner != nil {
		runPlannerSteps(ctx, state)
	} else {
		runRemoteAgent(ctx, state)
	}

	// Close the authoritative time window from the device clock before any
	// post judgment runs.
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postPhaseBudget)
	defer cancel()
	if endMS, err := probeEpoch(postCtx, options.Device); err == nil {
		state.window.EndMS = endMS
		state.appendDeviceRecord(schemaevidence.DeviceRecordEpochTime, map[string]any{"epoch_time_ms": endMS, "edge": "t_end"})
	}
	oracleCtx.Window = state.window

	// Post-checks run best-effort in fixed oracle order even after timeout.
	for _, o := range state.oracles {
		events, err := o.PostCheck(postCtx, oracleCtx)
		if err != nil {
			state.logger.Warn("oracle post_check failed", zap.String("oracle", o.Name()), zap.Error(err))
			continue
		}
		if !state.appendOracleEvents(events) {
			return
		}
	}
}

// buildOracles assembles the episode's oracle set: the success oracle, eval
// extras, and the snapshot oracles the enabled diff assertions depend on.
func (s *runState) buildOracles() bool {
	type selection struct {
		id     string
		params map[string]any
	}
	var selections []selection
	seen := map[string]struct{}{}

	add := func(id string, params map[string]any) {
		if id == "" {
			return
		}
		if _, duplicate := seen[id]; duplicate {
			return
		}
		seen[id] = struct{}{}
		selections = append(selections, selection{id: id, params: params})
	}

	add(s.options.Bundle.Task.SuccessOracle.Oracle, s.options.Bundle.Task.SuccessOracle.Params)
	for _, extra := range s.options.Bundle.Eval.Oracles {
		add(extra.Oracle, extra.Params)
	}
	for _, config := range s.enabled {
		switch config.AssertionID {
		case "SA_NoNewPackages":
			add("package_snapshot", nil)
		case "SA_NoSettingsDiff":
			add("settings_snapshot", nil)
		}
	}

	for _, sel := range selections {
		built, err := oracle.New(sel.id, sel.params)
		if err != nil {
			// Unknown plugin or invalid params: the episode still runs; the
			// decision surfaces as oracle_inconclusive downstream.
			s.logger.Warn("oracle unavailable", zap.String("oracle", sel.id), zap.Error(err))
			fallback, fallbackErr := oracle.New("no_oracle", nil)
			if fallbackErr != nil {
				s.infraFailed = true
				s.reason = fallbackErr.Error()
				return false
			}
			s.oracles = append(s.oracles, fallback)
			continue
		}
		s.oracles = append(s.oracles, built)
	}
	return true
}

func runPlannerSteps(ctx context.Context, state *runState) {
	options := state.options
	maxSteps := options.Bundle.Task.MaxSteps
	deadline := state.start.Add(time.Duration(options.Bundle.Task.MaxSeconds) * time.Second)
	stepCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for stepIdx := 0; stepIdx < maxSteps; stepIdx++ {
		if state.now().After(deadline) {
			state.markTimeout()
			return
		}

		obs, err := observeWithRetry(stepCtx, options.Device)
		if err != nil {
			if stepCtx.Err() != nil {
				// Deadline expired during a device call: infra, not agent.
				state.markTimeout()
				state.infraFailed = true
				state.reason = "deadline expired during device observe"
				return
			}
			state.infraFailed = true
			state.reason = "observe failed: " + err.Error()
			return
		}

		obsDigest, appendErr := state.appendObservation(stepIdx, obs)
		if appendErr != nil {
			state.infraFailed = true
			state.reason = appendErr.Error()
			return
		}

		rawAction, finished, agentErr := options.Planner.NextAction(stepCtx, obs)
		if agentErr != nil {
			if stepCtx.Err() != nil {
				state.markTimeout()
				state.agentFailed = true
				state.reason = "agent did not answer before the episode deadline"
				return
			}
			state.agentFailed = true
			state.reason = "agent rpc failed: " + agentErr.Error()
			return
		}
		if finished {
			state.reason = "agent declared finished"
			return
		}

		normalized, warnings, normErr := NormalizeAction(rawAction, obs.Geometry)
		if normErr != nil {
			state.appendAgentAction(stepIdx, rawAction, nil, "", append(warnings, "unnormalizable_action"))
			state.agentFailed = true
			state.reason = "action outside the normalizable set: " + normErr.Error()
			return
		}

		// Guard B: the action must bind to the observation it claims.
		if normalized.RefObsDigest != "" && normalized.RefObsDigest != obsDigest {
			state.appendAgentAction(stepIdx, rawAction, &normalized, normalized.RefObsDigest, append(warnings, "ref_mismatch"))
			state.agentFailed = true
			state.reason = "ref_obs_digest does not match the current observation"
			return
		}
		state.appendAgentAction(stepIdx, rawAction, &normalized, normalized.RefObsDigest, warnings)

		receipt, execErr := executeWithRetry(stepCtx, options.Device, normalized)
		if execErr != nil {
			if stepCtx.Err() != nil {
				state.markTimeout()
				state.infraFailed = true
				state.reason = "deadline expired during device execute"
				return
			}
			state.infraFailed = true
			state.reason = "execute failed: " + execErr.Error()
			return
		}

		state.appendDeviceInput(stepIdx, normalized, receipt)
		state.steps++
	}
	state.reason = "step budget exhausted"
}

func runRemoteAgent(ctx context.Context, state *runState) {
	options := state.options
	deadline := time.Duration(options.Bundle.Task.MaxSeconds) * time.Second
	rpcCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	response, err := options.Remote.Run(rpcCtx, agent.RunRequest{
		CaseID:        options.Bundle.Task.CaseID,
		Variant:       options.Bundle.Variant,
		Goal:          options.Bundle.Task.Goal,
		ADBServer:     options.ADBServer,
		AndroidSerial: options.Device.Serial(),
		Timeouts: agent.Timeouts{
			TotalS:   options.Bundle.Task.MaxSeconds,
			MaxSteps: options.Bundle.Task.MaxSteps,
		},
	})
	if err != nil {
		if rpcCtx.Err() != nil {
			state.markTimeout()
			state.agentFailed = true
			state.reason = "agent rpc timed out"
			return
		}
		state.agentFailed = true
		state.reason = "agent rpc failed: " + err.Error()
		return
	}
	switch response.Status {
	case agent.StatusTimeout:
		state.markTimeout()
		state.agentFailed = true
		state.reason = "agent reported timeout"
	case agent.StatusError:
		state.agentFailed = true
		state.reason = "agent reported error: " + response.Summary
	default:
		state.reason = "agent reported " + response.Status
	}
}

func finish(ctx context.Context, state *runState) (Result, error) {
	_ = ctx
	options := state.options

	oracleDecision := deriveOracleDecision(state.events, options.Bundle.Task.SuccessOracle.Oracle)
	taskSuccess := deriveTaskSuccess(oracleDecision)
	failureClass := deriveFailureClass(state.infraFailed, state.agentFailed, oracleDecision)
	if state.reason == "" {
		state.reason = "episode completed"
	}

	executionMode := schemaevidence.ExecutionModePlannerOnly
	actionTraceLevel := schemaevidence.SourceLevelL0
	actionTraceSource := "engine_executed"
	trustLevel := schemaevidence.TrustTCBCaptured
	guardEnforced := true
	guardReason := ""
	if options.Remote != nil {
		executionMode = schemaevidence.ExecutionModeAgentDriven
		actionTraceLevel = "none"
		actionTraceSource = "agent_reported"
		trustLevel = schemaevidence.TrustAgentReported
		guardEnforced = false
		guardReason = schemaevidence.GuardUnenforcedNotPlannerOnly
	}

	envProfile := options.EnvProfile
	if envProfile == "" {
		envProfile = schemaevidence.EnvProfileMASCore
	}

	manifest := schemaevidence.RunManifest{
		SchemaVersion:           state.pack.SchemaVersion,
		RunID:                   state.runID,
		CaseID:                  options.Bundle.Task.CaseID,
		Variant:                 options.Bundle.Variant,
		EnvProfile:              envProfile,
		Availability:            schemaevidence.AvailabilityRunnable,
		ExecutionMode:           executionMode,
		EvalMode:                "green_local",
		GuardEnforced:           guardEnforced,
		GuardUnenforcedReason:   guardReason,
		ActionTraceLevel:        actionTraceLevel,
		ActionTraceSource:       actionTraceSource,
		EvidenceTrustLevel:      trustLevel,
		OracleSource:            schemaevidence.OracleSourceDeviceQuery,
		Seed:                    options.Seed,
		Generator:               "masbench",
		ObsDigestVersion:        state.pack.ObsDigestVersion,
		SystemInternalAllowlist: audit.SystemInternalAllowlist(envProfile),
		CreatedAtMS:             state.start.UnixMilli(),
	}
	if err := evidence.WriteRunManifest(options.OutDir, manifest); err != nil {
		return Result{}, err
	}

	summary := schemaevidence.Summary{
		SchemaVersion:  state.pack.SchemaVersion,
		CaseID:         options.Bundle.Task.CaseID,
		EpisodeID:      state.episode,
		Variant:        options.Bundle.Variant,
		OracleDecision: oracleDecision,
		TaskSuccess:    taskSuccess,
		FailureClass:   failureClass,
		Reason:         state.reason,
		Steps:          state.steps,
		DurationMS:     state.now().Sub(state.start).Milliseconds(),
		TimedOut:       state.timedOut,
		TStartMS:       state.window.StartMS,
		TEndMS:         state.window.EndMS,
	}
	if err := state.pack.WriteSummary(summary); err != nil {
		return Result{}, err
	}

	// Seal, then derive facts and assertions from the sealed pack.
	state.pack.Seal()
	sealed, err := evidence.OpenSealed(state.pack.EpisodeDir)
	if err != nil {
		return Result{}, err
	}
	caseContext := facts.NewCaseContext(options.Bundle)

	factList, err := facts.Run(sealed, caseContext)
	if err != nil {
		return Result{}, err
	}
	assertionList, err := audit.RunWithFacts(sealed, caseContext, state.enabled, factList)
	if err != nil {
		return Result{}, err
	}

	auditBlock, err := audit.BuildAuditBlock(state.enabled, state.sources, assertionList)
	if err != nil {
		return Result{}, err
	}
	summary.Audit = &auditBlock
	if err := state.pack.WriteSummary(summary); err != nil {
		return Result{}, err
	}

	state.logger.Info("episode finished",
		zap.String("oracle_decision", oracleDecision),
		zap.String("task_success", taskSuccess),
		zap.String("failure_class", failureClass),
		zap.Int("facts", len(factList)),
		zap.Int("assertions", len(assertionList)),
	)

	return Result{
		RunID:      state.runID,
		EpisodeDir: state.pack.EpisodeDir,
		Summary:    summary,
		Facts:      factList,
		Assertions: assertionList,
		ExitCode:   ExitCode(summary),
	}, nil
}

func probeEpoch(ctx context.Context, d device.Device) (int64, error) {
	if prober, ok := d.(device.EpochProber); ok {
		return prober.EpochTimeMS(ctx)
	}
	obs, err := d.Observe(ctx)
	if err != nil {
		return 0, err
	}
	return obs.DeviceEpochTimeMS, nil
}

func observeWithRetry(ctx context.Context, d device.Device) (device.Observation, error) {
	var lastErr error
	for attempt := 0; attempt < transientRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return device.Observation{}, ctx.Err()
			case <-time.After(retryBackoff << (attempt - 1)):
			}
		}
		obs, err := d.Observe(ctx)
		if err == nil {
			return obs, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return device.Observation{}, err
		}
	}
	return device.Observation{}, lastErr
}

func executeWithRetry(ctx context.Context, d device.Device, action schemaevidence.NormalizedAction) (device.InputReceipt, error) {
	var lastErr error
	for attempt := 0; attempt < transientRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return device.InputReceipt{}, ctx.Err()
			case <-time.After(retryBackoff << (attempt - 1)):
			}
		}
		receipt, err := d.Execute(ctx, action)
		if err == nil {
			return receipt, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return device.InputReceipt{}, err
		}
	}
	return device.InputReceipt{}, lastErr
}
