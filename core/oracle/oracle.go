package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/davidahmann/masbench/core/device"
	"github.com/davidahmann/masbench/core/evidence"
	"github.com/davidahmann/masbench/core/jcs"
	"github.com/davidahmann/masbench/core/schema/v1/casespec"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// Event is one structured oracle evidence record destined for
// oracle_trace.jsonl.
type Event = schemaevidence.OracleEventRecord

// Evidence is the ordered event list one oracle phase produced.
type Evidence []Event

// Context carries everything an oracle phase may touch. It is immutable for
// the duration of an episode.
type Context struct {
	Task          casespec.TaskSpec
	Params        map[string]any
	Serial        string
	Device        device.Device
	Window        TimeWindow
	EpisodeDir    string
	RunID         string
	ArtifactsRoot string
	Capabilities  map[string]bool
	Raw           *evidence.BlobStore
	CanaryTokens  []string
	Now           func() time.Time
}

// NowMS returns the host wall clock in ms, honoring a test override.
func (c *Context) NowMS() int64 {
	if c.Now != nil {
		return c.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

// Oracle is one pluggable device- or host-side judgment. PreCheck clears
// pollution and captures baselines; PostCheck makes the decision.
type Oracle interface {
	Name() string
	Type() string
	CapabilitiesRequired() []string
	PreCheck(ctx context.Context, oc *Context) (Evidence, error)
	PostCheck(ctx context.Context, oc *Context) (Evidence, error)
}

// base supplies the identity boilerplate shared by every plugin.
type base struct {
	name       string
	oracleType string
	caps       []string
}

func (b base) Name() string {
	return b.name
}

func (b base) Type() string {
	return b.oracleType
}

func (b base) CapabilitiesRequired() []string {
	return append([]string(nil), b.caps...)
}

func (b base) PreCheck(ctx context.Context, oc *Context) (Evidence, error) {
	_, _ = ctx, oc
	return nil, nil
}

// NewDecision builds a decision payload. Conclusive=false means "cannot
// judge", which promotes to oracle_inconclusive at the episode level.
func NewDecision(success bool, score float64, reason string, conclusive bool) schemaevidence.Decision {
	return schemaevidence.Decision{Success: success, Score: score, Reason: reason, Conclusive: conclusive}
}

// EventSpec bundles the inputs to NewEvent.
type EventSpec struct {
	Oracle          Oracle
	Phase           string
	Queries         []schemaevidence.Query
	ResultForDigest any
	ResultPreview   any
	Decision        schemaevidence.Decision
	AntiGamingNotes []string
	Artifacts       []schemaevidence.ArtifactRef
	TSMS            int64
}

// NewEvent finalizes an oracle event: the result digest is computed over the
// canonicalized result so replay recomputes the identical value.
func NewEvent(spec EventSpec) (Event, error) {
	if spec.Phase != schemaevidence.PhasePre && spec.Phase != schemaevidence.PhasePost {
		return Event{}, fmt.Errorf("oracle phase must be pre or post, got %q", spec.Phase)
	}
	if len(spec.AntiGamingNotes) == 0 {
		return Event{}, fmt.Errorf("oracle %s emitted an event without anti-gaming notes", spec.Oracle.Name())
	}
	resultDigest, err := jcs.DigestValue(spec.ResultForDigest)
	if err != nil {
		return Event{}, fmt.Errorf("digest oracle result: %w", err)
	}
	return Event{
		SchemaVersion:        schemaevidence.SchemaVersionV0,
		OracleName:           spec.Oracle.Name(),
		OracleType:           spec.Oracle.Type(),
		Phase:                spec.Phase,
		Queries:              spec.Queries,
		ResultDigest:         resultDigest,
		ResultPreview:        spec.ResultPreview,
		Decision:             spec.Decision,
		AntiGamingNotes:      spec.AntiGamingNotes,
		CapabilitiesRequired: spec.Oracle.CapabilitiesRequired(),
		Artifacts:            spec.Artifacts,
		TSMS:                 spec.TSMS,
	}, nil
}

// InconclusiveEvent is the uniform "cannot judge" event, used when a
// capability is missing or a query path is unusable.
func InconclusiveEvent(o Oracle, phase, reason string, oc *Context) (Event, error) {
	return NewEvent(EventSpec{
		Oracle: o,
		Phase:  phase,
		Queries: []schemaevidence.Query{{
			Type:      "capability_probe",
			TimeoutMS: 0,
			Serial:    oc.Serial,
			Cmd:       "true",
		}},
		ResultForDigest: map[string]any{"reason": reason},
		Decision:        NewDecision(false, 0, reason, false),
		AntiGamingNotes: []string{"inconclusive_rather_than_guess"},
		TSMS:            oc.NowMS(),
	})
}

// MissingCapabilities reports which declared capability tokens the probed
// environment lacks.
func MissingCapabilities(oc *Context, required []string) []string {
	var missing []string
	for _, token := range required {
		if !oc.Capabilities[token] {
			missing = append(missing, token)
		}
	}
	return missing
}

// TokenHashPrefix is the privacy-preserving form of a sensitive value:
// twelve hex chars of its sha256. Used for recipients, canary tokens, and
// receipt bodies wherever a preview would otherwise leak PII.
func TokenHashPrefix(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:12]
}
