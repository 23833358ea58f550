// Package environ reads temperature and humidity for capture records.
package environ

import (
	"errors"

	zap "go.uber.org/zap"
)

var ErrSensorUnavailable = errors.New("environment sensor unavailable")

// Sample is one reading. Valid is false when the values are the 0/0
// sentinel substituted for a missing or failing sensor.
type Sample struct {
	Temperature float64
	Humidity    float64
	Valid       bool
}

type Sensor interface {
	Sense() (Sample, error)
}

// Reader never fails: without a working sensor every Read returns the
// sentinel sample.
type Reader struct {
	sensor Sensor
	logger *zap.Logger
}

// NewReader wraps sensor, which may be nil when none was detected.
func NewReader(sensor Sensor, logger *zap.Logger) *Reader {
	if sensor == nil {
		logger.Warn("environment sensor not connected, readings will be zero")
	}
	return &Reader{sensor: sensor, logger: logger}
}

func (r *Reader) Available() bool {
	return r.sensor != nil
}

func (r *Reader) Read() Sample {
	if r.sensor == nil {
		return Sample{}
	}
	s, err := r.sensor.Sense()
	if err != nil {
		r.logger.Warn("failed to read environment sensor", zap.Error(err))
		return Sample{}
	}
	s.Valid = true
	return s
}
