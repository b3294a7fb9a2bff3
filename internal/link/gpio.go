package link

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

var (
	hostInitOnce sync.Once
	hostInitErr  error
)

// gpioDirection drives the transceiver's DE and RE lines. Both are held
// high to transmit and low to receive. Older boards wire the two lines
// separately; newer ones tie them together and only DE is configured.
type gpioDirection struct {
	de gpio.PinOut
	re gpio.PinOut // nil when RE is tied to DE
}

// OpenGPIODirection resolves the direction pins by name (e.g. "GPIO4").
// An empty rePin means RE is wired to DE.
func OpenGPIODirection(dePin, rePin string) (DirectionControl, error) {
	hostInitOnce.Do(func() {
		_, hostInitErr = host.Init()
	})
	if hostInitErr != nil {
		return nil, fmt.Errorf("%w: initialising gpio host drivers: %w", ErrOpenFailed, hostInitErr)
	}

	de := gpioreg.ByName(dePin)
	if de == nil {
		return nil, fmt.Errorf("%w: %q", ErrPinNotFound, dePin)
	}

	d := &gpioDirection{de: de}
	if rePin != "" {
		re := gpioreg.ByName(rePin)
		if re == nil {
			return nil, fmt.Errorf("%w: %q", ErrPinNotFound, rePin)
		}
		d.re = re
	}
	return d, nil
}

func (d *gpioDirection) Transmit() error {
	return d.set(gpio.High)
}

func (d *gpioDirection) Receive() error {
	return d.set(gpio.Low)
}

func (d *gpioDirection) set(level gpio.Level) error {
	if d.re != nil {
		if err := d.re.Out(level); err != nil {
			return fmt.Errorf("driving RE pin: %w", err)
		}
	}
	if err := d.de.Out(level); err != nil {
		return fmt.Errorf("driving DE pin: %w", err)
	}
	return nil
}
