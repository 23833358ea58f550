package environ

import (
	"fmt"

	i2c "periph.io/x/periph/conn/i2c"
	i2creg "periph.io/x/periph/conn/i2c/i2creg"
	physic "periph.io/x/periph/conn/physic"
	bmxx80 "periph.io/x/periph/devices/bmxx80"
	host "periph.io/x/periph/host"
)

const DefaultAddress uint16 = 0x77

// BME280 reads a Bosch BME280 on an I2C bus.
type BME280 struct {
	bus i2c.BusCloser
	dev *bmxx80.Dev
}

// OpenBME280 opens busName ("" for the first bus) and initializes the sensor at
// addr. It returns ErrSensorUnavailable wrapped with the cause when the
// sensor does not answer.
func OpenBME280(busName string, addr uint16) (*BME280, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: host init: %v", ErrSensorUnavailable, err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("%w: opening i2c bus %q: %v", ErrSensorUnavailable, busName, err)
	}

	opts := bmxx80.Opts{
		Temperature: bmxx80.O1x,
		Pressure:    bmxx80.O1x,
		Humidity:    bmxx80.O1x,
		Filter:      bmxx80.F2,
	}
	dev, err := bmxx80.NewI2C(bus, addr, &opts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("%w: probing %#x: %v", ErrSensorUnavailable, addr, err)
	}
	return &BME280{bus: bus, dev: dev}, nil
}

func (b *BME280) Sense() (Sample, error) {
	var env physic.Env
	if err := b.dev.Sense(&env); err != nil {
		return Sample{}, err
	}
	return Sample{
		Temperature: celsius(env.Temperature),
		Humidity:    percent(env.Humidity),
		Valid:       true,
	}, nil
}

func (b *BME280) Close() error {
	if err := b.dev.Halt(); err != nil {
		b.bus.Close()
		return err
	}
	return b.bus.Close()
}

func celsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Kelvin)
}

func percent(h physic.RelativeHumidity) float64 {
	return float64(h) / float64(physic.PercentRH)
}
