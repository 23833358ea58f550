package camera

import (
	"errors"
	"fmt"
	"sync"

	gocv "gocv.io/x/gocv"
)

// Device is the raw imaging hardware. Implementations are not safe for
// concurrent use; Resource serializes every call.
type Device interface {
	// Apply stops streaming, applies s and restarts streaming.
	Apply(s Settings) error
	Read(dst *gocv.Mat) error
	Close() error
}

// VideoDevice drives a V4L/OpenCV capture device.
type VideoDevice struct {
	deviceID string
	warmup   int

	mu  sync.Mutex
	cam *gocv.VideoCapture
}

func NewVideoDevice(deviceID string, warmupFrames int) *VideoDevice {
	return &VideoDevice{
		deviceID: deviceID,
		warmup:   warmupFrames,
	}
}

func (d *VideoDevice) Apply(s Settings) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cam != nil {
		d.cam.Close()
		d.cam = nil
	}

	cam, err := gocv.OpenVideoCapture(d.deviceID)
	if err != nil {
		return fmt.Errorf("opening device %s: %w", d.deviceID, err)
	}
	if !cam.IsOpened() {
		cam.Close()
		return fmt.Errorf("device %s did not open", d.deviceID)
	}

	cam.Set(gocv.VideoCaptureFrameWidth, float64(s.Width))
	cam.Set(gocv.VideoCaptureFrameHeight, float64(s.Height))
	if d.warmup > 0 {
		cam.Grab(d.warmup)
	}

	d.cam = cam
	return nil
}

func (d *VideoDevice) Read(dst *gocv.Mat) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cam == nil {
		return errors.New("device not open")
	}
	if ok := d.cam.Read(dst); !ok {
		return errors.New("cannot read device")
	}
	if dst.Empty() {
		return errors.New("no image on device")
	}
	return nil
}

func (d *VideoDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cam == nil {
		return nil
	}
	err := d.cam.Close()
	d.cam = nil
	return err
}
