package camera

import "errors"

var (
	ErrConfigureFailed = errors.New("camera configure failed")
	ErrCaptureFailed   = errors.New("camera capture failed")
	ErrNotConfigured   = errors.New("camera not configured")
	ErrClosed          = errors.New("camera closed")
)
