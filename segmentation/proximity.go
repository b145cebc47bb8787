package segmentation

import "math"

// MinInstanceDistance returns the smallest centroid-to-centroid distance in
// pixels between any instance of a and any instance of b. The second return
// is false when either mask has no instances.
func MinInstanceDistance(a, b StructureMask) (float64, bool) {
	if len(a.Instances) == 0 || len(b.Instances) == 0 {
		return 0, false
	}

	min := math.Inf(1)
	for _, ia := range a.Instances {
		for _, ib := range b.Instances {
			dx := float64(ia.Centroid.X - ib.Centroid.X)
			dy := float64(ia.Centroid.Y - ib.Centroid.Y)
			if d := math.Hypot(dx, dy); d < min {
				min = d
			}
		}
	}
	return min, true
}
