package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/davidahmann/masbench/core/device"
	"github.com/davidahmann/masbench/core/jcs"
)

// Component digest keys. The obs digest is derived only from the component
// digests, never from the raw observation bytes directly.
const (
	ComponentScreenshot   = "screenshot"
	ComponentForeground   = "foreground"
	ComponentGeometry     = "geometry"
	ComponentUIElements   = "ui_elements"
	ComponentNotification = "notifications"
)

// timestampBucketMS collapses volatile timestamps before they enter a
// canonicalized component. Ten seconds defeats clock jitter without hiding
// genuine state changes.
const timestampBucketMS = 10_000

// ObsDigest combines component digests: sha256 over the sorted digest values
// joined with newlines. Adding a component changes the digest; reordering the
// map does not.
func ObsDigest(components map[string]string) string {
	values := make([]string, 0, len(components))
	for _, digest := range components {
		values = append(values, digest)
	}
	sort.Strings(values)
	sum := sha256.Sum256([]byte(strings.Join(values, "\n")))
	return hex.EncodeToString(sum[:])
}

// ScreenshotDigest hashes raw screenshot bytes.
func ScreenshotDigest(screenshot []byte) string {
	return jcs.DigestBytes(screenshot)
}

// ForegroundDigest hashes package plus activity.
func ForegroundDigest(pkg, activity string) string {
	sum := sha256.Sum256([]byte(pkg + activity))
	return hex.EncodeToString(sum[:])
}

// GeometryDigest hashes the canonical geometry record.
func GeometryDigest(geometry device.Geometry) (string, error) {
	return jcs.DigestValue(map[string]any{
		"screenshot_size_px":         []int{geometry.ScreenshotWidthPX, geometry.ScreenshotHeightPX},
		"logical_screen_size_px":     []int{geometry.LogicalWidthPX, geometry.LogicalHeightPX},
		"physical_frame_boundary_px": []int{geometry.PhysicalWidthPX, geometry.PhysicalHeightPX},
		"orientation":                geometry.Orientation,
	})
}

// UIElement is the canonicalized form of one UI node. Volatile attributes
// (focus, selection, transient ids) are dropped before digesting.
type UIElement struct {
	BBox       [4]int `json:"bbox"`
	ResourceID string `json:"resource_id"`
	Text       string `json:"text"`
	Package    string `json:"package"`
	Class      string `json:"class,omitempty"`
	TimestampMS int64 `json:"timestamp_ms,omitempty"`
}

// CanonicalizeUIElements sorts elements by (bbox, resource_id, text, package)
// and buckets timestamps so spurious dump jitter does not move the digest.
func CanonicalizeUIElements(elements []UIElement) []UIElement {
	out := make([]UIElement, len(elements))
	copy(out, elements)
	for i := range out {
		if out[i].TimestampMS != 0 {
			out[i].TimestampMS = (out[i].TimestampMS / timestampBucketMS) * timestampBucketMS
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BBox != out[j].BBox {
			for k := 0; k < 4; k++ {
				if out[i].BBox[k] != out[j].BBox[k] {
					return out[i].BBox[k] < out[j].BBox[k]
				}
			}
		}
		if out[i].ResourceID != out[j].ResourceID {
			return out[i].ResourceID < out[j].ResourceID
		}
		if out[i].Text != out[j].Text {
			return out[i].Text < out[j].Text
		}
		return out[i].Package < out[j].Package
	})
	return out
}

// UIElementsDigest canonicalizes then digests a UI element list.
func UIElementsDigest(elements []UIElement) (string, error) {
	return jcs.DigestValue(CanonicalizeUIElements(elements))
}

// ObservationComponents builds the component digest map for one observation.
// The UI component is opt-in: it adds signal but also jitter, so the default
// obs digest excludes it. When included it is the sha256 of the raw UI dump
// bytes. No notification component is produced.
func ObservationComponents(obs device.Observation, includeUI bool) (map[string]string, error) {
	components := map[string]string{
		ComponentScreenshot: ScreenshotDigest(obs.ScreenshotBytes),
		ComponentForeground: ForegroundDigest(obs.Foreground.Package, obs.Foreground.Activity),
	}
	geometryDigest, err := GeometryDigest(obs.Geometry)
	if err != nil {
		return nil, err
	}
	components[ComponentGeometry] = geometryDigest

	if includeUI && len(obs.UIDumpBytes) > 0 {
		components[ComponentUIElements] = jcs.DigestBytes(obs.UIDumpBytes)
	}
	return components, nil
}
