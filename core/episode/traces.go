package episode

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/davidahmann/masbench/core/agent"
	"github.com/davidahmann/masbench/core/device"
	"github.com/davidahmann/masbench/core/evidence"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

func (s *runState) appendDeviceRecord(kind string, details map[string]any) {
	writer, err := s.pack.Writer(schemaevidence.DeviceTraceFile)
	if err != nil {
		s.logger.Warn("device trace writer", zap.Error(err))
		return
	}
	if _, err := writer.Append(schemaevidence.DeviceRecord{
		SchemaVersion: s.pack.SchemaVersion,
		Kind:          kind,
		TimestampMS:   s.now().UnixMilli(),
		Details:       details,
	}); err != nil {
		s.logger.Warn("device trace append", zap.Error(err))
	}
}

func (s *runState) markTimeout() {
	if s.timedOut {
		return
	}
	s.timedOut = true
	s.appendDeviceRecord(schemaevidence.DeviceRecordTimeout, map[string]any{"max_seconds": s.options.Bundle.Task.MaxSeconds})
}

// appendOracleEvents writes events to oracle_trace.jsonl and mirrors them in
// memory for classification. A rejected write is an engine defect and aborts
// the episode as infra_failed.
func (s *runState) appendOracleEvents(events []schemaevidence.OracleEventRecord) bool {
	writer, err := s.pack.Writer(schemaevidence.OracleTraceFile)
	if err != nil {
		s.infraFailed = true
		s.reason = err.Error()
		return false
	}
	for _, event := range events {
		event.SchemaVersion = s.pack.SchemaVersion
		if _, err := writer.Append(event); err != nil {
			s.infraFailed = true
			s.reason = "oracle trace write rejected: " + err.Error()
			return false
		}
		s.events = append(s.events, event)
	}
	return true
}

// appendObservation stores the observation blobs, computes the component and
// combined digests, and writes the obs, screen, and foreground lines.
func (s *runState) appendObservation(stepIdx int, obs device.Observation) (string, error) {
	refs := schemaevidence.ObsRefs{}
	if len(obs.ScreenshotBytes) > 0 {
		ref, err := s.pack.Artifacts.Put(obs.ScreenshotBytes, "png", "screenshot")
		if err != nil {
			return "", fmt.Errorf("store screenshot: %w", err)
		}
		refs.Screenshot = ref.Path
	}
	if len(obs.UIDumpBytes) > 0 {
		ref, err := s.pack.Artifacts.Put(obs.UIDumpBytes, "xml", "ui_dump")
		if err != nil {
			return "", fmt.Errorf("store ui dump: %w", err)
		}
		refs.UIDump = ref.Path
	}

	components, err := evidence.ObservationComponents(obs, false)
	if err != nil {
		return "", fmt.Errorf("compute obs components: %w", err)
	}
	obsDigest := evidence.ObsDigest(components)

	obsWriter, err := s.pack.Writer(schemaevidence.ObsTraceFile)
	if err != nil {
		return "", err
	}
	if _, err := obsWriter.Append(schemaevidence.ObsRecord{
		SchemaVersion:       s.pack.SchemaVersion,
		StepIdx:             stepIdx,
		ObsDigest:           obsDigest,
		ObsDigestVersion:    s.pack.ObsDigestVersion,
		ObsComponentDigests: components,
		Refs:                refs,
		TimestampMS:         obs.DeviceEpochTimeMS,
	}); err != nil {
		return "", fmt.Errorf("obs trace append: %w", err)
	}

	if len(obs.ScreenshotBytes) > 0 {
		screenWriter, err := s.pack.Writer(schemaevidence.ScreenTraceFile)
		if err != nil {
			return "", err
		}
		if _, err := screenWriter.Append(schemaevidence.ScreenRecord{
			SchemaVersion:    s.pack.SchemaVersion,
			StepIdx:          stepIdx,
			ScreenshotSHA256: components[evidence.ComponentScreenshot],
			WidthPX:          max(obs.Geometry.ScreenshotWidthPX, 1),
			HeightPX:         max(obs.Geometry.ScreenshotHeightPX, 1),
			Orientation:      obs.Geometry.Orientation,
		}); err != nil {
			return "", fmt.Errorf("screen trace append: %w", err)
		}
	}

	if obs.Foreground.Package != "" {
		foregroundWriter, err := s.pack.Writer(schemaevidence.ForegroundTraceFile)
		if err != nil {
			return "", err
		}
		if _, err := foregroundWriter.Append(schemaevidence.ForegroundRecord{
			SchemaVersion: s.pack.SchemaVersion,
			Step:          stepIdx,
			Package:       obs.Foreground.Package,
			Activity:      obs.Foreground.Activity,
			TimestampMS:   obs.DeviceEpochTimeMS,
		}); err != nil {
			return "", fmt.Errorf("foreground trace append: %w", err)
		}
	}
	return obsDigest, nil
}

func (s *runState) appendAgentAction(stepIdx int, raw agent.RawAction, normalized *schemaevidence.NormalizedAction, refObsDigest string, warnings []string) {
	writer, err := s.pack.Writer(schemaevidence.AgentActionTraceFile)
	if err != nil {
		s.logger.Warn("agent action trace writer", zap.Error(err))
		return
	}
	if warnings == nil {
		warnings = []string{}
	}
	if _, err := writer.Append(schemaevidence.AgentActionRecord{
		SchemaVersion:         s.pack.SchemaVersion,
		StepIdx:               stepIdx,
		RawAction:             map[string]any(raw),
		NormalizedAction:      normalized,
		RefObsDigest:          refObsDigest,
		NormalizationWarnings: warnings,
	}); err != nil {
		s.logger.Warn("agent action trace append", zap.Error(err))
	}
}

func (s *runState) appendDeviceInput(stepIdx int, action schemaevidence.NormalizedAction, receipt device.InputReceipt) {
	writer, err := s.pack.Writer(schemaevidence.DeviceInputTraceFile)
	if err != nil {
		s.logger.Warn("device input trace writer", zap.Error(err))
		return
	}
	payload := schemaevidence.InputPayload{
		X:         action.X,
		Y:         action.Y,
		Text:      action.Text,
		Direction: action.Direction,
	}
	if action.X != nil || action.Y != nil {
		payload.CoordSpace = schemaevidence.CoordSpacePhysicalPX
	}
	if _, err := writer.Append(schemaevidence.DeviceInputRecord{
		SchemaVersion:   s.pack.SchemaVersion,
		StepIdx:         stepIdx,
		RefStepIdx:      stepIdx,
		SourceLevel:     schemaevidence.SourceLevelL0,
		EventType:       action.Type,
		Payload:         payload,
		TimestampMS:     receipt.TimestampMS,
		MappingWarnings: []string{},
	}); err != nil {
		s.logger.Warn("device input trace append", zap.Error(err))
	}
}
