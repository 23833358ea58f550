package camera

import (
	"errors"
	"time"

	gocv "gocv.io/x/gocv"
)

const (
	// FileTimeFormat names capture artifacts. Millisecond resolution keeps
	// stills taken within the same second apart.
	FileTimeFormat = "2006-01-02_15-04-05.000"
)

// Frame is a single image read from the device. Consumers must not modify
// Mat and must Close the frame once done with it.
type Frame struct {
	Mat       gocv.Mat
	Timestamp time.Time
	Mode      Mode
}

func (f *Frame) Width() int {
	return f.Mat.Cols()
}

func (f *Frame) Height() int {
	return f.Mat.Rows()
}

func (f *Frame) Close() {
	if f != nil {
		f.Mat.Close()
	}
}

func (f *Frame) WriteJPEG(path string) error {
	if f.Mat.Empty() {
		return errors.New("empty frame")
	}
	if ok := gocv.IMWrite(path, f.Mat); !ok {
		return errors.New("could not save image")
	}
	return nil
}
