package motion

import (
	"fmt"
	"image"
	"time"
)

// AreaPolicy decides which contour areas count as motion.
type AreaPolicy int

const (
	// KeepBand keeps regions with MinArea < area < MaxArea.
	KeepBand AreaPolicy = iota
	// RejectBand drops regions with MinArea < area < MaxArea and keeps the rest.
	RejectBand
)

func ParseAreaPolicy(s string) (AreaPolicy, error) {
	switch s {
	case "", "band":
		return KeepBand, nil
	case "outside":
		return RejectBand, nil
	}
	return KeepBand, fmt.Errorf("unknown area policy %q", s)
}

type Options struct {
	// BlurKernel is the Gaussian kernel size; 0 or 1 disables blurring.
	BlurKernel       int
	Threshold        int
	DilateIterations int
	MinArea          float64
	MaxArea          float64
	AreaPolicy       AreaPolicy
	Cooldown         time.Duration
	// IgnoreZone drops regions lying entirely inside it. Empty disables.
	IgnoreZone image.Rectangle
}

func DefaultOptions() Options {
	return Options{
		BlurKernel:       21,
		Threshold:        25,
		DilateIterations: 2,
		MinArea:          10,
		MaxArea:          1000,
		AreaPolicy:       KeepBand,
		Cooldown:         30 * time.Second,
	}
}

func (o Options) accepts(area float64) bool {
	inBand := area > o.MinArea && area < o.MaxArea
	if o.AreaPolicy == RejectBand {
		return !inBand
	}
	return inBand
}

func (o Options) ignored(bounds image.Rectangle) bool {
	return !o.IgnoreZone.Empty() && bounds.In(o.IgnoreZone)
}
