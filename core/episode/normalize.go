package episode

import (
	"fmt"
	"math"
	"strings"

	"github.com/davidahmann/masbench/core/agent"
	"github.com/davidahmann/masbench/core/device"
	schemaevidence "github.com/davidahmann/masbench/core/schema/v1/evidence"
)

// actionAliases maps the loose action names agents emit onto the canonical
// action set the device collaborator executes.
var actionAliases = map[string]string{
	"tap":        "tap",
	"click":      "tap",
	"touch":      "tap",
	"text":       "text",
	"type":       "text",
	"input_text": "text",
	"key":        "key",
	"press":      "key",
	"keyevent":   "key",
	"swipe":      "swipe",
	"scroll":     "swipe",
	"back":       "back",
	"home":       "home",
	"wait":       "wait",
	"finished":   "finished",
	"done":       "finished",
	"finish":     "finished",
}

// NormalizeAction canonicalizes a raw agent action: the coordinate space
// becomes physical_px (identity when it already is — no transform recorded),
// the ref_obs_digest is attached, and anything unrecognized is an error the
// runner classifies as agent_failed.
func NormalizeAction(raw agent.RawAction, geometry device.Geometry) (schemaevidence.NormalizedAction, []string, error) {
	warnings := []string{}

	rawType, _ := raw["type"].(string)
	canonical, ok := actionAliases[strings.ToLower(strings.TrimSpace(rawType))]
	if !ok {
		return schemaevidence.NormalizedAction{}, warnings, fmt.Errorf("unnormalizable action type: %q", rawType)
	}
	if canonical != strings.ToLower(strings.TrimSpace(rawType)) {
		warnings = append(warnings, "action_type_aliased")
	}

	action := schemaevidence.NormalizedAction{Type: canonical}
	if text, ok := raw["text"].(string); ok {
		action.Text = text
	}
	if canonical == "key" {
		if key, ok := raw["key"].(string); ok && key != "" {
			action.Text = key
		}
	}
	if direction, ok := raw["direction"].(string); ok {
		action.Direction = direction
	}
	if ref, ok := raw["ref_obs_digest"].(string); ok {
		action.RefObsDigest = strings.TrimSpace(ref)
	}

	x, haveX := numeric(raw["x"])
	y, haveY := numeric(raw["y"])
	if canonical == "tap" || canonical == "swipe" {
		if !haveX || !haveY {
			return schemaevidence.NormalizedAction{}, warnings, fmt.Errorf("%s action requires x and y", canonical)
		}
		coordSpace, _ := raw["coord_space"].(string)
		coordSpace = strings.TrimSpace(coordSpace)
		if coordSpace == "" {
			coordSpace = schemaevidence.CoordSpacePhysicalPX
			warnings = append(warnings, "coord_space_defaulted")
		}

		physicalX, physicalY, transform, err := toPhysical(x, y, coordSpace, geometry)
		if err != nil {
			return schemaevidence.NormalizedAction{}, warnings, err
		}
		action.X = &physicalX
		action.Y = &physicalY
		action.CoordSpace = schemaevidence.CoordSpacePhysicalPX
		action.CoordTransform = transform
		if transform != nil {
			warnings = append(warnings, "coord_space_mapped")
		}
	}
	return action, warnings, nil
}

// toPhysical maps coordinates into the physical pixel space. physical_px in
// is identity: no scaling, no offset, no transform record.
func toPhysical(x, y float64, coordSpace string, geometry device.Geometry) (int, int, *schemaevidence.CoordTransform, error) {
	switch coordSpace {
	case schemaevidence.CoordSpacePhysicalPX:
		return int(math.Round(x)), int(math.Round(y)), nil, nil
	case "logical_px":
		if geometry.LogicalWidthPX <= 0 || geometry.LogicalHeightPX <= 0 || geometry.PhysicalWidthPX <= 0 || geometry.PhysicalHeightPX <= 0 {
			return 0, 0, nil, fmt.Errorf("cannot map logical_px without screen geometry")
		}
		scaleX := float64(geometry.PhysicalWidthPX) / float64(geometry.LogicalWidthPX)
		scaleY := float64(geometry.PhysicalHeightPX) / float64(geometry.LogicalHeightPX)
		transform := &schemaevidence.CoordTransform{FromSpace: "logical_px", ScaleX: scaleX, ScaleY: scaleY}
		return int(math.Round(x * scaleX)), int(math.Round(y * scaleY)), transform, nil
	case "screenshot_px":
		if geometry.ScreenshotWidthPX <= 0 || geometry.ScreenshotHeightPX <= 0 || geometry.PhysicalWidthPX <= 0 || geometry.PhysicalHeightPX <= 0 {
			return 0, 0, nil, fmt.Errorf("cannot map screenshot_px without screen geometry")
		}
		scaleX := float64(geometry.PhysicalWidthPX) / float64(geometry.ScreenshotWidthPX)
		scaleY := float64(geometry.PhysicalHeightPX) / float64(geometry.ScreenshotHeightPX)
		if scaleX == 1 && scaleY == 1 {
			return int(math.Round(x)), int(math.Round(y)), nil, nil
		}
		transform := &schemaevidence.CoordTransform{FromSpace: "screenshot_px", ScaleX: scaleX, ScaleY: scaleY}
		return int(math.Round(x * scaleX)), int(math.Round(y * scaleY)), transform, nil
	case "normalized":
		if geometry.PhysicalWidthPX <= 0 || geometry.PhysicalHeightPX <= 0 {
			return 0, 0, nil, fmt.Errorf("cannot map normalized coordinates without screen geometry")
		}
		transform := &schemaevidence.CoordTransform{
			FromSpace: "normalized",
			ScaleX:    float64(geometry.PhysicalWidthPX),
			ScaleY:    float64(geometry.PhysicalHeightPX),
		}
		return int(math.Round(x * float64(geometry.PhysicalWidthPX))), int(math.Round(y * float64(geometry.PhysicalHeightPX))), transform, nil
	}
	return 0, 0, nil, fmt.Errorf("unknown coord_space: %q", coordSpace)
}

func numeric(raw any) (float64, bool) {
	switch value := raw.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	}
	return 0, false
}
