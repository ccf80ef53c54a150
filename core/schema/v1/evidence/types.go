package evidence

// SchemaVersionV0 is the pack-wide trace schema version. Every trace line
// carries it and the writer rejects lines whose version does not match the
// version declared in run_manifest.json.
const SchemaVersionV0 = "evidence.v0"

const (
	FactSchemaVersionV0 = "facts.v0"

	OracleSourceDeviceQuery        = "device_query"
	OracleSourceTrajectoryDeclared = "trajectory_declared"
	OracleSourceNone               = "none"

	ResultPass         = "PASS"
	ResultFail         = "FAIL"
	ResultInconclusive = "INCONCLUSIVE"

	SeverityLow  = "low"
	SeverityMed  = "med"
	SeverityHigh = "high"

	PhasePre  = "pre"
	PhasePost = "post"

	OracleTypeHard   = "hard"
	OracleTypeSoft   = "soft"
	OracleTypeHybrid = "hybrid"

	SourceLevelL0 = "L0"
	SourceLevelL1 = "L1"
	SourceLevelL2 = "L2"

	CoordSpacePhysicalPX = "physical_px"
)

// Trace file names inside an episode evidence directory.
const (
	ObsTraceFile          = "obs_trace.jsonl"
	AgentActionTraceFile  = "agent_action_trace.jsonl"
	DeviceInputTraceFile  = "device_input_trace.jsonl"
	OracleTraceFile       = "oracle_trace.jsonl"
	ForegroundTraceFile   = "foreground_app_trace.jsonl"
	DeviceTraceFile       = "device_trace.jsonl"
	ScreenTraceFile       = "screen_trace.jsonl"
	ConfirmationTraceFile = "confirmation_trace.jsonl"
	FactsFile             = "facts.jsonl"
	AssertionsFile        = "assertions.jsonl"
	SummaryFile           = "summary.json"
	RunManifestFile       = "run_manifest.json"
	EnvCapabilitiesFile   = "env_capabilities.json"
	CrashFile             = "crash.json"
	OracleRawDir          = "oracle/raw"
	ArtifactsDir          = "artifacts"
)

type ObsRefs struct {
	Screenshot string `json:"screenshot,omitempty"`
	UIDump     string `json:"ui_dump,omitempty"`
}

// ObsRecord is one observation line. The obs digest is derived from the
// sorted component digests; the UI dump is left out of it by default, so UI
// jitter does not move the digest.
type ObsRecord struct {
	SchemaVersion       string            `json:"schema_version"`
	StepIdx             int               `json:"step_idx"`
	ObsDigest           string            `json:"obs_digest"`
	ObsDigestVersion    string            `json:"obs_digest_version"`
	ObsComponentDigests map[string]string `json:"obs_component_digests"`
	Refs                ObsRefs           `json:"refs"`
	TimestampMS         int64             `json:"timestamp_ms,omitempty"`
}

// CoordTransform records a coordinate-space mapping applied during
// normalization. Identity transforms are omitted entirely.
type CoordTransform struct {
	FromSpace string  `json:"from_space"`
	ScaleX    float64 `json:"scale_x"`
	ScaleY    float64 `json:"scale_y"`
	OffsetX   int     `json:"offset_x"`
	OffsetY   int     `json:"offset_y"`
}

type NormalizedAction struct {
	Type           string          `json:"type"`
	CoordSpace     string          `json:"coord_space,omitempty"`
	X              *int            `json:"x,omitempty"`
	Y              *int            `json:"y,omitempty"`
	Text           string          `json:"text,omitempty"`
	Direction      string          `json:"direction,omitempty"`
	RefObsDigest   string          `json:"ref_obs_digest,omitempty"`
	CoordTransform *CoordTransform `json:"coord_transform,omitempty"`
}

type AgentActionRecord struct {
	SchemaVersion         string            `json:"schema_version"`
	StepIdx               int               `json:"step_idx"`
	RawAction             map[string]any    `json:"raw_action"`
	NormalizedAction      *NormalizedAction `json:"normalized_action,omitempty"`
	RefObsDigest          string            `json:"ref_obs_digest,omitempty"`
	NormalizationWarnings []string          `json:"normalization_warnings"`
}

type InputPayload struct {
	CoordSpace string `json:"coord_space,omitempty"`
	X          *int   `json:"x,omitempty"`
	Y          *int   `json:"y,omitempty"`
	Text       string `json:"text,omitempty"`
	Direction  string `json:"direction,omitempty"`
}

type DeviceInputRecord struct {
	SchemaVersion   string       `json:"schema_version"`
	StepIdx         int          `json:"step_idx"`
	RefStepIdx      int          `json:"ref_step_idx"`
	SourceLevel     string       `json:"source_level"`
	EventType       string       `json:"event_type"`
	Payload         InputPayload `json:"payload"`
	TimestampMS     int64        `json:"timestamp_ms"`
	MappingWarnings []string     `json:"mapping_warnings"`
}

// Query describes one concrete device or host query an oracle issued.
type Query struct {
	Type      string `json:"type"`
	TimeoutMS int    `json:"timeout_ms"`
	Serial    string `json:"serial,omitempty"`
	Cmd       string `json:"cmd,omitempty"`
	SQL       string `json:"sql,omitempty"`
	Path      string `json:"path,omitempty"`
	URI       string `json:"uri,omitempty"`
}

type Decision struct {
	Success    bool    `json:"success"`
	Score      float64 `json:"score"`
	Reason     string  `json:"reason"`
	Conclusive bool    `json:"conclusive"`
}

type ArtifactRef struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
	Kind   string `json:"kind,omitempty"`
}

type OracleEventRecord struct {
	SchemaVersion        string        `json:"schema_version"`
	OracleName           string        `json:"oracle_name"`
	OracleID             string        `json:"oracle_id,omitempty"`
	OracleType           string        `json:"oracle_type"`
	Phase                string        `json:"phase"`
	Queries              []Query       `json:"queries"`
	ResultDigest         string        `json:"result_digest"`
	ResultPreview        any           `json:"result_preview,omitempty"`
	Decision             Decision      `json:"decision"`
	AntiGamingNotes      []string      `json:"anti_gaming_notes"`
	CapabilitiesRequired []string      `json:"capabilities_required"`
	Artifacts            []ArtifactRef `json:"artifacts,omitempty"`
	TSMS                 int64         `json:"ts_ms,omitempty"`
}

type ForegroundRecord struct {
	SchemaVersion string `json:"schema_version"`
	Step          int    `json:"step"`
	Package       string `json:"package"`
	Activity      string `json:"activity,omitempty"`
	TimestampMS   int64  `json:"timestamp_ms,omitempty"`
}

type ScreenRecord struct {
	SchemaVersion    string `json:"schema_version"`
	StepIdx          int    `json:"step_idx"`
	ScreenshotSHA256 string `json:"screenshot_sha256"`
	WidthPX          int    `json:"width_px"`
	HeightPX         int    `json:"height_px"`
	Orientation      int    `json:"orientation"`
}

// DeviceRecord carries health probes, resets, epoch-time probes, and the
// timeout terminator.
type DeviceRecord struct {
	SchemaVersion string         `json:"schema_version"`
	Kind          string         `json:"kind"`
	TimestampMS   int64          `json:"timestamp_ms"`
	Details       map[string]any `json:"details,omitempty"`
}

const (
	DeviceRecordHealthProbe = "health_probe"
	DeviceRecordReset       = "reset"
	DeviceRecordEpochTime   = "epoch_time"
	DeviceRecordTimeout     = "timeout"
)

type ConfirmationRecord struct {
	SchemaVersion string `json:"schema_version"`
	StepIdx       int    `json:"step_idx"`
	SinkType      string `json:"sink_type"`
	TokenHash     string `json:"token_hash,omitempty"`
	Approved      bool   `json:"approved"`
	TimestampMS   int64  `json:"timestamp_ms,omitempty"`
}

type FactRecord struct {
	FactID        string         `json:"fact_id"`
	SchemaVersion string         `json:"schema_version"`
	Digest        string         `json:"digest"`
	OracleSource  string         `json:"oracle_source"`
	EvidenceRefs  []string       `json:"evidence_refs"`
	Payload       map[string]any `json:"payload"`
}

type AssertionRecord struct {
	AssertionID        string         `json:"assertion_id"`
	Result             string         `json:"result"`
	Applicable         *bool          `json:"applicable"`
	Severity           string         `json:"severity,omitempty"`
	RiskWeightBucket   string         `json:"risk_weight_bucket,omitempty"`
	MappedSP           string         `json:"mapped_sp,omitempty"`
	MappedPrimitive    string         `json:"mapped_primitive,omitempty"`
	MappedBoundary     string         `json:"mapped_boundary,omitempty"`
	ImpactLevel        string         `json:"impact_level,omitempty"`
	EvidenceRefs       []string       `json:"evidence_refs"`
	InconclusiveReason string         `json:"inconclusive_reason,omitempty"`
	ParamsDigest       string         `json:"params_digest,omitempty"`
	Payload            map[string]any `json:"payload,omitempty"`
}

// RunManifest declares how the episode was produced and which trust bucket
// its evidence belongs to.
type RunManifest struct {
	SchemaVersion           string   `json:"schema_version"`
	RunID                   string   `json:"run_id"`
	CaseID                  string   `json:"case_id"`
	Variant                 string   `json:"variant"`
	EnvProfile              string   `json:"env_profile"`
	Availability            string   `json:"availability"`
	ExecutionMode           string   `json:"execution_mode"`
	EvalMode                string   `json:"eval_mode"`
	GuardEnforced           bool     `json:"guard_enforced"`
	GuardUnenforcedReason   string   `json:"guard_unenforced_reason,omitempty"`
	ActionTraceLevel        string   `json:"action_trace_level"`
	ActionTraceSource       string   `json:"action_trace_source"`
	EvidenceTrustLevel      string   `json:"evidence_trust_level"`
	OracleSource            string   `json:"oracle_source"`
	EmulatorFingerprint     string   `json:"emulator_fingerprint,omitempty"`
	Seed                    int64    `json:"seed"`
	Generator               string   `json:"generator,omitempty"`
	ObsDigestVersion        string   `json:"obs_digest_version"`
	SystemInternalAllowlist []string `json:"system_internal_allowlist"`
	CreatedAtMS             int64    `json:"created_at_ms"`
}

const (
	EnvProfileMASCore            = "mas_core"
	EnvProfileAndroidWorldCompat = "android_world_compat"

	AvailabilityRunnable    = "runnable"
	AvailabilityAuditOnly   = "audit_only"
	AvailabilityUnavailable = "unavailable"

	ExecutionModePlannerOnly = "planner_only"
	ExecutionModeAgentDriven = "agent_driven"

	TrustTCBCaptured   = "tcb_captured"
	TrustAgentReported = "agent_reported"
	TrustUnknown       = "unknown"

	GuardUnenforcedDisabled       = "guard_disabled"
	GuardUnenforcedNotPlannerOnly = "not_planner_only"
	GuardUnenforcedNotL0          = "not_L0"
	GuardUnenforcedUnknown        = "unknown"
)

type EnvCapabilities struct {
	SchemaVersion string          `json:"schema_version"`
	Capabilities  map[string]bool `json:"capabilities"`
}

// Capability tokens probed into env_capabilities.json and declared by oracles.
const (
	CapADBShell              = "adb_shell"
	CapPullFile              = "pull_file"
	CapRootShell             = "root_shell"
	CapRunAsAvailable        = "run_as_available"
	CapSdcardWritable        = "sdcard_writable"
	CapHostArtifactsRequired = "host_artifacts_required"
	CapHostSqlite            = "host_sqlite"
	CapNetworkProxy          = "network_proxy"
)

type EnabledAssertion struct {
	AssertionID  string `json:"assertion_id"`
	Source       string `json:"source"`
	ParamsDigest string `json:"params_digest"`
}

type AuditBlock struct {
	EnabledAssertions []EnabledAssertion `json:"enabled_assertions"`
	PassCount         int                `json:"pass_count"`
	FailCount         int                `json:"fail_count"`
	InconclusiveCount int                `json:"inconclusive_count"`
}

const (
	OracleDecisionPass          = "pass"
	OracleDecisionFail          = "fail"
	OracleDecisionInconclusive  = "inconclusive"
	OracleDecisionNotApplicable = "not_applicable"

	TaskSuccessTrue    = "true"
	TaskSuccessFalse   = "false"
	TaskSuccessUnknown = "unknown"

	FailureTaskFailed         = "task_failed"
	FailureAgentFailed        = "agent_failed"
	FailureOracleInconclusive = "oracle_inconclusive"
	FailureInfraFailed        = "infra_failed"
)

type Summary struct {
	SchemaVersion  string      `json:"schema_version"`
	CaseID         string      `json:"case_id"`
	EpisodeID      string      `json:"episode_id"`
	Variant        string      `json:"variant"`
	OracleDecision string      `json:"oracle_decision"`
	TaskSuccess    string      `json:"task_success"`
	FailureClass   string      `json:"failure_class,omitempty"`
	Reason         string      `json:"reason"`
	Steps          int         `json:"steps"`
	DurationMS     int64       `json:"duration_ms"`
	TimedOut       bool        `json:"timed_out,omitempty"`
	TStartMS       int64       `json:"t_start_ms"`
	TEndMS         int64       `json:"t_end_ms"`
	Audit          *AuditBlock `json:"audit,omitempty"`
}

type CrashReport struct {
	SchemaVersion string `json:"schema_version"`
	StackDigest   string `json:"stack_digest"`
	Message       string `json:"message"`
	TimestampMS   int64  `json:"timestamp_ms"`
}
