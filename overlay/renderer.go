// Package overlay composites segmentation masks, instance markers and alert
// banners onto a frame for the dashboard feed.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"neurovision/fusion"
	"neurovision/segmentation"
)

// debugMsgFunc is set by the main package to use unified logging
var debugMsgFunc func(component, message string)

// SetDebugFunction allows main package to provide the debug logger
func SetDebugFunction(fn func(component, message string)) {
	debugMsgFunc = fn
}

func debugMsg(component, message string) {
	if debugMsgFunc != nil {
		debugMsgFunc(component, message)
	}
}

var severityColors = map[fusion.Severity]color.RGBA{
	fusion.SeverityCritical: {220, 30, 30, 255},
	fusion.SeverityWarning:  {255, 140, 0, 255},
	fusion.SeverityCaution:  {230, 220, 0, 255},
	fusion.SeverityInfo:     {0, 150, 255, 255},
}

// Renderer composites analysis output onto frames.
type Renderer struct {
	maskAlpha   float64
	jpegQuality int
	textColor   color.RGBA
	okColor     color.RGBA
}

// NewRenderer creates a renderer with the default tint strength.
func NewRenderer() *Renderer {
	return &Renderer{
		maskAlpha:   0.35,
		jpegQuality: 80,
		textColor:   color.RGBA{255, 255, 255, 255},
		okColor:     color.RGBA{0, 255, 0, 255},
	}
}

// Render composites the result onto the frame and returns a new Mat the
// caller must Close. The input frame is not modified.
func (r *Renderer) Render(frame gocv.Mat, res fusion.Result) gocv.Mat {
	out := toBGR(frame)

	r.tintMasks(&out, res.Masks)
	r.drawInstances(&out, res.Masks)
	r.drawStatus(&out, res)
	r.drawBanner(&out, res)

	return out
}

// RenderJPEG renders the result and encodes it for transport.
func (r *Renderer) RenderJPEG(frame gocv.Mat, res fusion.Result) ([]byte, error) {
	out := r.Render(frame, res)
	defer out.Close()

	buf, err := gocv.IMEncodeWithParams(".jpg", out, []int{gocv.IMWriteJpegQuality, r.jpegQuality})
	if err != nil {
		debugMsg("OVERLAY", fmt.Sprintf("JPEG encode failed for frame %d: %v", res.FrameID, err))
		return nil, fmt.Errorf("overlay encode: %w", err)
	}
	defer buf.Close()

	encoded := make([]byte, len(buf.GetBytes()))
	copy(encoded, buf.GetBytes())
	return encoded, nil
}

func toBGR(frame gocv.Mat) gocv.Mat {
	out := gocv.NewMat()
	if frame.Channels() == 1 {
		gocv.CvtColor(frame, &out, gocv.ColorGrayToBGR)
	} else {
		frame.CopyTo(&out)
	}
	return out
}

// tintMasks blends each structure's color into the masked regions.
func (r *Renderer) tintMasks(out *gocv.Mat, masks map[string]segmentation.StructureMask) {
	if len(masks) == 0 {
		return
	}

	tint := out.Clone()
	defer tint.Close()
	tinted := false

	for name, m := range masks {
		if m.Mask.Ptr() == nil || len(m.Instances) == 0 {
			continue
		}
		c := segmentation.ColorFor(name)
		solid := gocv.NewMatWithSizeFromScalar(
			gocv.NewScalar(float64(c.B), float64(c.G), float64(c.R), 0),
			out.Rows(), out.Cols(), gocv.MatTypeCV8UC3)
		solid.CopyToWithMask(&tint, m.Mask)
		solid.Close()
		tinted = true
	}

	if tinted {
		gocv.AddWeighted(*out, 1-r.maskAlpha, tint, r.maskAlpha, 0, out)
	}
}

// drawInstances marks every surviving instance with its bounding box and
// centroid dot.
func (r *Renderer) drawInstances(out *gocv.Mat, masks map[string]segmentation.StructureMask) {
	for name, m := range masks {
		c := segmentation.ColorFor(name)
		for _, inst := range m.Instances {
			gocv.Rectangle(out, inst.BoundingBox, c, 1)
			gocv.Circle(out, inst.Centroid, 3, c, -1)

			label := fmt.Sprintf("%s %.0fpx2", name, inst.Area)
			pos := image.Pt(inst.BoundingBox.Min.X, inst.BoundingBox.Min.Y-5)
			if pos.Y < 12 {
				pos.Y = inst.BoundingBox.Max.Y + 14
			}
			gocv.PutText(out, label, pos, gocv.FontHersheySimplex, 0.4, c, 1)
		}
	}
}

// drawStatus writes the score and remote-path state in the lower left.
func (r *Renderer) drawStatus(out *gocv.Mat, res fusion.Result) {
	scoreColor := r.okColor
	if res.SafetyScore < 50 {
		scoreColor = severityColors[fusion.SeverityCritical]
	} else if res.SafetyScore < 80 {
		scoreColor = severityColors[fusion.SeverityWarning]
	}

	base := out.Rows() - 12
	gocv.PutText(out, fmt.Sprintf("SAFETY %d", res.SafetyScore),
		image.Pt(10, base), gocv.FontHersheySimplex, 0.6, scoreColor, 2)

	remoteState := "REMOTE LIVE"
	remoteColor := r.okColor
	switch {
	case res.RemoteDegraded:
		remoteState = "REMOTE DEGRADED"
		remoteColor = severityColors[fusion.SeverityWarning]
	case res.Remote == nil:
		remoteState = "LOCAL ONLY"
		remoteColor = r.textColor
	case res.RemoteStale:
		remoteState = "REMOTE STALE"
		remoteColor = severityColors[fusion.SeverityCaution]
	}
	gocv.PutText(out, remoteState, image.Pt(10, base-20),
		gocv.FontHersheySimplex, 0.45, remoteColor, 1)

	gocv.PutText(out, fmt.Sprintf("FRAME %d", res.FrameID), image.Pt(10, base-38),
		gocv.FontHersheySimplex, 0.45, r.textColor, 1)
}

// drawBanner paints a full-width bar at the top for the most severe alert.
func (r *Renderer) drawBanner(out *gocv.Mat, res fusion.Result) {
	top := res.HighestSeverity()
	if top == "" || top == fusion.SeverityInfo {
		return
	}

	var msg string
	for _, a := range res.Alerts {
		if a.Severity == top {
			msg = a.Message
			break
		}
	}

	c := severityColors[top]
	bannerHeight := 28
	gocv.Rectangle(out, image.Rect(0, 0, out.Cols(), bannerHeight), c, -1)
	gocv.PutText(out, fmt.Sprintf("%s: %s", top, msg), image.Pt(8, 19),
		gocv.FontHersheySimplex, 0.55, color.RGBA{0, 0, 0, 255}, 2)
}
