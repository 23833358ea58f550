// Package motion decides when the scene has changed against a fixed
// reference frame and reports where.
package motion

import (
	"image"
	"time"

	camera "github.com/mpoegel/camtrap/pkg/camera"
	zap "go.uber.org/zap"
	gocv "gocv.io/x/gocv"
)

type State int

const (
	AwaitingBaseline State = iota
	Armed
	Paused
)

func (s State) String() string {
	switch s {
	case AwaitingBaseline:
		return "awaiting-baseline"
	case Armed:
		return "armed"
	case Paused:
		return "paused"
	}
	return "unknown"
}

// Decision is the result of one processed frame. Regions is non-empty
// exactly when Motion is true.
type Decision struct {
	Motion  bool
	Regions []Region
}

// Detector is not safe for concurrent use; it is owned by the motion loop.
type Detector struct {
	opt    Options
	logger *zap.Logger
	kernel gocv.Mat

	state       State
	reference   gocv.Mat
	hasRef      bool
	pausedUntil time.Time
}

func NewDetector(opt Options, logger *zap.Logger) *Detector {
	return &Detector{
		opt:    opt,
		logger: logger,
		kernel: gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3)),
		state:  AwaitingBaseline,
	}
}

func (d *Detector) State() State {
	return d.state
}

// PausedUntil is the end of the current cool-down; zero unless Paused.
func (d *Detector) PausedUntil() time.Time {
	if d.state != Paused {
		return time.Time{}
	}
	return d.pausedUntil
}

// Reset drops the reference frame and returns to AwaitingBaseline.
func (d *Detector) Reset() {
	d.dropReference()
	d.state = AwaitingBaseline
	d.pausedUntil = time.Time{}
}

func (d *Detector) Close() {
	d.dropReference()
	d.kernel.Close()
}

func (d *Detector) dropReference() {
	if d.hasRef {
		d.reference.Close()
		d.hasRef = false
	}
}

// Process consumes one frame. The frame is only read; the caller keeps
// ownership. Time is taken from the frame timestamp.
func (d *Detector) Process(frame *camera.Frame) Decision {
	if d.state == Paused {
		if frame.Timestamp.Before(d.pausedUntil) {
			return Decision{}
		}
		d.logger.Debug("cool-down over, re-baselining")
		d.Reset()
	}

	gray := d.prepare(frame.Mat)

	if d.hasRef && (d.reference.Cols() != gray.Cols() || d.reference.Rows() != gray.Rows()) {
		d.logger.Info("frame size changed, re-baselining",
			zap.Int("width", gray.Cols()), zap.Int("height", gray.Rows()))
		d.dropReference()
	}

	if !d.hasRef {
		d.reference = gray
		d.hasRef = true
		d.state = Armed
		d.logger.Debug("reference frame set")
		return Decision{}
	}
	defer gray.Close()

	regions := d.regions(gray)
	if len(regions) == 0 {
		return Decision{}
	}

	d.state = Paused
	d.pausedUntil = frame.Timestamp.Add(d.opt.Cooldown)
	return Decision{Motion: true, Regions: regions}
}

func (d *Detector) prepare(src gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	if src.Channels() == 1 {
		src.CopyTo(&gray)
	} else {
		gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	}
	if k := d.opt.BlurKernel; k > 1 {
		gocv.GaussianBlur(gray, &gray, image.Pt(k, k), 0, 0, gocv.BorderDefault)
	}
	return gray
}

func (d *Detector) regions(gray gocv.Mat) []Region {
	delta := gocv.NewMat()
	defer delta.Close()
	gocv.AbsDiff(d.reference, gray, &delta)

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(delta, &mask, float32(d.opt.Threshold), 255, gocv.ThresholdBinary)
	for i := 0; i < d.opt.DilateIterations; i++ {
		gocv.Dilate(mask, &mask, d.kernel)
	}

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var candidates []Region
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		if !d.opt.accepts(area) {
			continue
		}
		bounds := gocv.BoundingRect(contour)
		if d.opt.ignored(bounds) {
			d.logger.Debug("region inside ignore zone", zap.Stringer("bounds", bounds))
			continue
		}
		candidates = append(candidates, Region{
			Bounds:  bounds,
			Contour: contour.ToPoints(),
		})
	}
	return Merge(candidates)
}
