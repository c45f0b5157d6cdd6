package flash

import (
	"github.com/piotrjaromin/gpio"
	"github.com/pkg/errors"
)

// Indicator shows that a transfer is in progress
type Indicator interface {
	Toggle()
}

type nopIndicator struct{}

func (nopIndicator) Toggle() {}

// LEDIndicator blinks a status LED on a GPIO pin
type LEDIndicator struct {
	pin    gpio.Pin
	onHigh bool
	lit    bool
}

// NewLEDIndicator will export the pin as an output with the LED off. onHigh
// tells whether the LED lights when the pin is driven high.
func NewLEDIndicator(pin int, onHigh bool) (*LEDIndicator, error) {
	p, err := gpio.NewOutput(uint(pin), !onHigh)
	if err != nil {
		return nil, errors.Wrapf(err, "could not setup led pin %d", pin)
	}
	return &LEDIndicator{pin: p, onHigh: onHigh}, nil
}

// Toggle flips the LED
func (l *LEDIndicator) Toggle() {
	l.lit = !l.lit
	if l.lit == l.onHigh {
		l.pin.High()
	} else {
		l.pin.Low()
	}
}

// Close turns the LED off and releases the pin
func (l *LEDIndicator) Close() {
	if l.onHigh {
		l.pin.Low()
	} else {
		l.pin.High()
	}
	l.lit = false
	l.pin.Cleanup()
}
