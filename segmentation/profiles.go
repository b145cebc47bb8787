package segmentation

import (
	"fmt"
	"image/color"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// DefaultMinArea is the connected-component area floor (px²) applied when a
// structure does not set its own.
const DefaultMinArea = 200

// StructureSpec describes how one named structure is thresholded out of a
// single-channel intensity frame. A Low of 0 means "everything below High"
// (inverted threshold), matching how anechoic/dark structures are isolated.
type StructureSpec struct {
	Low      int  `yaml:"low"`
	High     int  `yaml:"high"`
	MinArea  int  `yaml:"min_area"`
	Critical bool `yaml:"critical"`
}

// Profile maps structure names to threshold ranges for one imaging modality.
// Selected once per session and read-only afterwards.
type Profile struct {
	Modality   string
	Structures map[string]StructureSpec
}

// StructureNames returns the profile's structure names in sorted order.
func (p Profile) StructureNames() []string {
	names := make([]string, 0, len(p.Structures))
	for name := range p.Structures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MinAreaFor returns the effective minimum area for a structure.
func (p Profile) MinAreaFor(name string) int {
	spec, ok := p.Structures[name]
	if !ok || spec.MinArea <= 0 {
		return DefaultMinArea
	}
	return spec.MinArea
}

// Built-in threshold tables. Intensity physics per modality: hyperechoic
// tumor tissue on ultrasound, gadolinium enhancement on T1, metallic
// instruments saturating an OR camera.
var builtinProfiles = map[string]Profile{
	"USG": {
		Modality: "USG",
		Structures: map[string]StructureSpec{
			"tumor":      {Low: 160, High: 255},
			"csf":        {Low: 0, High: 40},
			"parenchyma": {Low: 50, High: 150},
		},
	},
	"T1_GD": {
		Modality: "T1_GD",
		Structures: map[string]StructureSpec{
			"enhancement": {Low: 170, High: 255},
			"necrotic":    {Low: 0, High: 45},
			"edema":       {Low: 45, High: 85},
			"csf":         {Low: 0, High: 35},
			"parenchyma":  {Low: 85, High: 165},
		},
	},
	"OR_CAMERA": {
		Modality: "OR_CAMERA",
		Structures: map[string]StructureSpec{
			"blood":      {Low: 0, High: 80, Critical: true},
			"tissue":     {Low: 100, High: 200},
			"instrument": {Low: 200, High: 255},
		},
	},
}

// StructureColors is the standard overlay color coding.
var StructureColors = map[string]color.RGBA{
	"tumor":       {R: 255, G: 80, B: 80, A: 255},
	"csf":         {R: 0, G: 150, B: 255, A: 255},
	"ventricles":  {R: 0, G: 150, B: 255, A: 255},
	"parenchyma":  {R: 100, G: 200, B: 100, A: 255},
	"edema":       {R: 100, G: 150, B: 255, A: 255},
	"enhancement": {R: 255, G: 200, B: 0, A: 255},
	"necrotic":    {R: 120, G: 120, B: 120, A: 255},
	"blood":       {R: 255, G: 0, B: 0, A: 255},
	"tissue":      {R: 200, G: 120, B: 140, A: 255},
	"vessels":     {R: 255, G: 0, B: 0, A: 255},
	"instrument":  {R: 255, G: 0, B: 255, A: 255},
}

// ColorFor returns the overlay color for a structure, white when unknown.
func ColorFor(name string) color.RGBA {
	if c, ok := StructureColors[name]; ok {
		return c
	}
	return color.RGBA{R: 255, G: 255, B: 255, A: 255}
}

// Modalities lists the built-in modality names in sorted order.
func Modalities() []string {
	names := make([]string, 0, len(builtinProfiles))
	for name := range builtinProfiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register installs or replaces a modality profile. Call before the
// pipeline starts; the registry is not guarded for concurrent writes.
func Register(p Profile) {
	builtinProfiles[p.Modality] = copyProfile(p)
}

// ProfileFor returns the registered profile for a modality.
func ProfileFor(modality string) (Profile, error) {
	p, ok := builtinProfiles[modality]
	if !ok {
		return Profile{}, fmt.Errorf("unknown modality %q (have %v)", modality, Modalities())
	}
	return copyProfile(p), nil
}

func copyProfile(p Profile) Profile {
	out := Profile{Modality: p.Modality, Structures: make(map[string]StructureSpec, len(p.Structures))}
	for name, spec := range p.Structures {
		out.Structures[name] = spec
	}
	return out
}

type profileFile struct {
	Profiles map[string]struct {
		Structures map[string]StructureSpec `yaml:"structures"`
	} `yaml:"profiles"`
}

// LoadProfiles reads modality profiles from a YAML file. Loaded profiles
// shadow the built-ins with the same modality name.
func LoadProfiles(path string) (map[string]Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles %s: %w", path, err)
	}

	var pf profileFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}

	out := make(map[string]Profile, len(pf.Profiles))
	for modality, entry := range pf.Profiles {
		if len(entry.Structures) == 0 {
			return nil, fmt.Errorf("profile %q has no structures", modality)
		}
		for name, spec := range entry.Structures {
			if spec.Low < 0 || spec.High > 255 || spec.Low >= spec.High {
				return nil, fmt.Errorf("profile %q structure %q: bad threshold range [%d,%d)", modality, name, spec.Low, spec.High)
			}
		}
		out[modality] = Profile{Modality: modality, Structures: entry.Structures}
	}
	return out, nil
}
