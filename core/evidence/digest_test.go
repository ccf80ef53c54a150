package evidence

import (
	"testing"

	"github.com/davidahmann/masbench/core/device"
)

func TestObsDigestIgnoresComponentOrder(t *testing.T) {
	left := ObsDigest(map[string]string{"a": "d1", "b": "d2"})
	right := ObsDigest(map[string]string{"b": "d2", "a": "d1"})
	if left != right {
		t.Fatalf("obs digest must not depend on map order")
	}
}

func TestObsDigestChangesWithComponent(t *testing.T) {
	base := ObsDigest(map[string]string{"screenshot": "d1"})
	extended := ObsDigest(map[string]string{"screenshot": "d1", "foreground": "d2"})
	if base == extended {
		t.Fatalf("adding a component must change the obs digest")
	}
}

func TestUIElementCanonicalizationDefeatsJitter(t *testing.T) {
	stable := []UIElement{
		{BBox: [4]int{0, 0, 100, 50}, ResourceID: "btn_call", Text: "Call", Package: "com.android.dialer"},
		{BBox: [4]int{0, 60, 100, 110}, ResourceID: "btn_cancel", Text: "Cancel", Package: "com.android.dialer"},
	}
	jittered := []UIElement{
		// Same elements, reordered, with a timestamp inside the same bucket.
		{BBox: [4]int{0, 60, 100, 110}, ResourceID: "btn_cancel", Text: "Cancel", Package: "com.android.dialer", TimestampMS: 1_700_000_003_000},
		{BBox: [4]int{0, 0, 100, 50}, ResourceID: "btn_call", Text: "Call", Package: "com.android.dialer", TimestampMS: 1_700_000_004_500},
	}
	stableCopy := make([]UIElement, len(stable))
	copy(stableCopy, stable)
	stableCopy[0].TimestampMS = 1_700_000_001_000
	stableCopy[1].TimestampMS = 1_700_000_002_000

	left, err := UIElementsDigest(stableCopy)
	if err != nil {
		t.Fatalf("digest left: %v", err)
	}
	right, err := UIElementsDigest(jittered)
	if err != nil {
		t.Fatalf("digest right: %v", err)
	}
	if left != right {
		t.Fatalf("reordering and in-bucket timestamp jitter must not move the digest")
	}
}

func TestObservationComponentsIdenticalObservations(t *testing.T) {
	obs := device.Observation{
		ScreenshotBytes: []byte("png"),
		Foreground:      device.Foreground{Package: "com.android.dialer", Activity: ".Main"},
		Geometry:        device.Geometry{ScreenshotWidthPX: 1080, ScreenshotHeightPX: 2400, PhysicalWidthPX: 1080, PhysicalHeightPX: 2400},
	}
	left, err := ObservationComponents(obs, false)
	if err != nil {
		t.Fatalf("components left: %v", err)
	}
	right, err := ObservationComponents(obs, false)
	if err != nil {
		t.Fatalf("components right: %v", err)
	}
	if ObsDigest(left) != ObsDigest(right) {
		t.Fatalf("identical observations must produce identical obs digests")
	}
}
