package segmentation

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// grayFrame builds a single-channel test frame filled with background.
func grayFrame(t *testing.T, w, h int, background uint8) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC1)
	if background != 0 {
		fillRect(m, image.Rect(0, 0, w, h), background)
	}
	return m
}

func fillRect(m gocv.Mat, r image.Rectangle, value uint8) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			m.SetUCharAt(y, x, value)
		}
	}
}

func TestSegmentMinAreaFilter(t *testing.T) {
	// One 300 px² bright region and one 50 px² bright region: only the large
	// one may survive the 200 px² floor.
	frame := grayFrame(t, 640, 480, 0)
	defer frame.Close()
	fillRect(frame, image.Rect(100, 100, 120, 115), 200) // 20x15 = 300 px²
	fillRect(frame, image.Rect(400, 300, 407, 307), 200) // 7x7 = 49 px²

	profile := Profile{
		Modality:   "TEST",
		Structures: map[string]StructureSpec{"tumor": {Low: 160, High: 255}},
	}

	masks := Segment(frame, profile)
	defer ReleaseMasks(masks)

	tumor, ok := masks["tumor"]
	require.True(t, ok)
	require.Len(t, tumor.Instances, 1, "small region must be filtered out")

	inst := tumor.Instances[0]
	assert.InDelta(t, 300, inst.Area, 150, "area should be near the drawn 300 px²")
	assert.InDelta(t, 110, inst.Centroid.X, 5)
	assert.InDelta(t, 107, inst.Centroid.Y, 5)
	assert.True(t, inst.BoundingBox.Overlaps(image.Rect(100, 100, 120, 115)))
	assert.Greater(t, inst.Perimeter, 0.0)
}

func TestSegmentInvertedThreshold(t *testing.T) {
	// Low == 0 means "below High". A dark patch inside a bright field must be
	// picked up; the bright field itself must not.
	frame := grayFrame(t, 320, 240, 100)
	defer frame.Close()
	fillRect(frame, image.Rect(50, 50, 80, 80), 25)

	profile := Profile{
		Modality:   "TEST",
		Structures: map[string]StructureSpec{"csf": {Low: 0, High: 40}},
	}

	masks := Segment(frame, profile)
	defer ReleaseMasks(masks)

	csf := masks["csf"]
	require.Len(t, csf.Instances, 1)
	assert.InDelta(t, 64, csf.Instances[0].Centroid.X, 5)
	assert.InDelta(t, 64, csf.Instances[0].Centroid.Y, 5)
}

func TestSegmentDeterministic(t *testing.T) {
	frame := grayFrame(t, 320, 240, 0)
	defer frame.Close()
	fillRect(frame, image.Rect(40, 40, 90, 90), 180)
	fillRect(frame, image.Rect(150, 100, 200, 160), 60)

	profile, err := ProfileFor("USG")
	require.NoError(t, err)

	first := Segment(frame, profile)
	defer ReleaseMasks(first)
	second := Segment(frame, profile)
	defer ReleaseMasks(second)

	for name, a := range first {
		b := second[name]
		assert.Equal(t, a.Mask.ToBytes(), b.Mask.ToBytes(), "mask %s must be bit-identical", name)
		if diff := cmp.Diff(a.Instances, b.Instances); diff != "" {
			t.Errorf("instances for %s differ (-first +second):\n%s", name, diff)
		}
	}
}

func TestSegmentMasksAreBinary(t *testing.T) {
	frame := grayFrame(t, 160, 120, 0)
	defer frame.Close()
	fillRect(frame, image.Rect(20, 20, 60, 60), 210)

	profile, err := ProfileFor("OR_CAMERA")
	require.NoError(t, err)

	masks := Segment(frame, profile)
	defer ReleaseMasks(masks)

	for name, m := range masks {
		for _, v := range m.Mask.ToBytes() {
			if v != 0 && v != 255 {
				t.Fatalf("mask %s contains non-binary value %d", name, v)
			}
		}
	}
}

func TestProfileFor(t *testing.T) {
	tests := []struct {
		modality   string
		structures []string
	}{
		{"USG", []string{"csf", "parenchyma", "tumor"}},
		{"T1_GD", []string{"csf", "edema", "enhancement", "necrotic", "parenchyma"}},
		{"OR_CAMERA", []string{"blood", "instrument", "tissue"}},
	}

	for _, tt := range tests {
		t.Run(tt.modality, func(t *testing.T) {
			p, err := ProfileFor(tt.modality)
			require.NoError(t, err)
			assert.Equal(t, tt.structures, p.StructureNames())
		})
	}

	_, err := ProfileFor("PET")
	assert.Error(t, err)
}

func TestProfileCriticalFlags(t *testing.T) {
	p, err := ProfileFor("OR_CAMERA")
	require.NoError(t, err)
	assert.True(t, p.Structures["blood"].Critical)
	assert.False(t, p.Structures["instrument"].Critical)
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")

	good := `
profiles:
  ENDOSCOPE:
    structures:
      mucosa: {low: 90, high: 180}
      polyp: {low: 181, high: 255, min_area: 400, critical: true}
`
	require.NoError(t, os.WriteFile(path, []byte(good), 0644))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	require.Contains(t, profiles, "ENDOSCOPE")
	p := profiles["ENDOSCOPE"]
	assert.Equal(t, 400, p.MinAreaFor("polyp"))
	assert.Equal(t, DefaultMinArea, p.MinAreaFor("mucosa"))
	assert.True(t, p.Structures["polyp"].Critical)

	bad := `
profiles:
  BROKEN:
    structures:
      x: {low: 200, high: 100}
`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0644))
	_, err = LoadProfiles(path)
	assert.Error(t, err)
}

func TestMinInstanceDistance(t *testing.T) {
	tumor := StructureMask{Name: "tumor", Instances: []Instance{
		{Centroid: image.Pt(20, 20)},
		{Centroid: image.Pt(200, 200)},
	}}
	instrument := StructureMask{Name: "instrument", Instances: []Instance{
		{Centroid: image.Pt(50, 20)},
	}}

	d, ok := MinInstanceDistance(tumor, instrument)
	require.True(t, ok)
	assert.InDelta(t, 30, d, 0.001)

	empty := StructureMask{Name: "instrument"}
	_, ok = MinInstanceDistance(tumor, empty)
	assert.False(t, ok)
}
