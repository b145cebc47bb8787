// Package segmentation implements the fast local path of the pipeline:
// deterministic physics-based thresholding of intensity frames into named
// structure masks with per-instance geometric features.
//
// Segment is a pure function over (frame, profile): no history, no
// randomness, identical inputs always produce bit-identical masks. That is
// what lets the slow remote path fail without ever taking this one down.
package segmentation

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

const (
	roiThreshold = 15

	roiKernelSize   = 10
	cleanKernelSize = 5

	roiCloseIterations = 3
	closeIterations    = 2
	openIterations     = 1
)

// Instance is one connected component that survived the area filter.
type Instance struct {
	Centroid    image.Point     `json:"centroid"`
	Area        float64         `json:"area"`
	BoundingBox image.Rectangle `json:"bounding_box"`
	Perimeter   float64         `json:"perimeter"`
}

// StructureMask is the binary mask for one named structure plus its derived
// features. Produced fresh on every call, never mutated afterwards. The
// holder of the mask owns the Mat and must call Release when done.
type StructureMask struct {
	Name      string     `json:"name"`
	Mask      gocv.Mat   `json:"-"`
	Instances []Instance `json:"instances"`
}

// Release closes the underlying mask Mat.
func (m *StructureMask) Release() {
	if m.Mask.Ptr() != nil {
		m.Mask.Close()
	}
}

// ReleaseMasks closes every mask in the set.
func ReleaseMasks(masks map[string]StructureMask) {
	for name, m := range masks {
		m.Release()
		masks[name] = StructureMask{Name: name}
	}
}

// Segment runs the full local segmentation pass for every structure in the
// profile. The input frame is not modified and remains owned by the caller.
func Segment(frame gocv.Mat, profile Profile) map[string]StructureMask {
	blurred := preprocess(frame)
	defer blurred.Close()

	roi := roiMask(blurred)
	defer roi.Close()

	masks := make(map[string]StructureMask, len(profile.Structures))
	for _, name := range profile.StructureNames() {
		spec := profile.Structures[name]
		mask, instances := segmentStructure(blurred, roi, spec, profile.MinAreaFor(name))
		masks[name] = StructureMask{Name: name, Mask: mask, Instances: instances}
	}
	return masks
}

// preprocess normalizes to single-channel intensity and smooths sensor noise.
func preprocess(frame gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if frame.Channels() == 3 {
		gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	} else {
		frame.CopyTo(&gray)
	}
	defer gray.Close()

	blurred := gocv.NewMat()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)
	return blurred
}

// roiMask separates foreground from the black surround, closing small gaps so
// thin dark streaks inside the field of view are not punched out of the ROI.
func roiMask(blurred gocv.Mat) gocv.Mat {
	roi := gocv.NewMat()
	gocv.Threshold(blurred, &roi, roiThreshold, 255, gocv.ThresholdBinary)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(roiKernelSize, roiKernelSize))
	defer kernel.Close()
	gocv.MorphologyExWithParams(roi, &roi, gocv.MorphClose, kernel, roiCloseIterations, gocv.BorderConstant)
	return roi
}

func segmentStructure(blurred, roi gocv.Mat, spec StructureSpec, minArea int) (gocv.Mat, []Instance) {
	mask := gocv.NewMat()
	if spec.Low == 0 {
		// Inverted threshold: everything at or below High.
		gocv.Threshold(blurred, &mask, float32(spec.High), 255, gocv.ThresholdBinaryInv)
	} else {
		lb := gocv.NewScalar(float64(spec.Low), 0, 0, 0)
		ub := gocv.NewScalar(float64(spec.High), 0, 0, 0)
		gocv.InRangeWithScalar(blurred, lb, ub, &mask)
	}

	gocv.BitwiseAnd(mask, roi, &mask)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(cleanKernelSize, cleanKernelSize))
	defer kernel.Close()
	gocv.MorphologyExWithParams(mask, &mask, gocv.MorphClose, kernel, closeIterations, gocv.BorderConstant)
	gocv.MorphologyExWithParams(mask, &mask, gocv.MorphOpen, kernel, openIterations, gocv.BorderConstant)

	filtered, instances := filterComponents(mask, minArea)
	mask.Close()
	return filtered, instances
}

// filterComponents keeps connected components at or above minArea and
// computes the geometric features of the survivors.
func filterComponents(mask gocv.Mat, minArea int) (gocv.Mat, []Instance) {
	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	filtered := gocv.Zeros(mask.Rows(), mask.Cols(), gocv.MatTypeCV8UC1)
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}

	var instances []Instance
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		if area < float64(minArea) {
			continue
		}

		gocv.DrawContours(&filtered, contours, i, white, -1)

		instMask := gocv.Zeros(mask.Rows(), mask.Cols(), gocv.MatTypeCV8UC1)
		gocv.DrawContours(&instMask, contours, i, white, -1)
		moments := gocv.Moments(instMask, true)
		instMask.Close()

		centroid := image.Point{}
		if m00 := moments["m00"]; m00 > 0 {
			centroid = image.Pt(int(moments["m10"]/m00), int(moments["m01"]/m00))
		}

		instances = append(instances, Instance{
			Centroid:    centroid,
			Area:        area,
			BoundingBox: gocv.BoundingRect(contour),
			Perimeter:   gocv.ArcLength(contour, true),
		})
	}

	return filtered, instances
}
