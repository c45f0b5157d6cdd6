// Package stm32 drives the STM32 system bootloader over UART and exposes the
// chip's flash as the application slot of an update.
package stm32

import (
	"io"

	"github.com/piotrjaromin/gpio"
	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/synthread/go-ota/flash"
)

var DefaultBaud = 115200
var DefaultTTY = "/dev/ttyS1"

const (
	DefaultFlashBase uint32 = 0x08000000
	DefaultRAMBase   uint32 = 0x20000000
)

// Config defines configuration for communicating with and flashing the
// microcontroller
type Config struct {
	Boot0GPIO int
	Boot1GPIO int
	PowerGPIO int

	BootloaderBaud int
	TTY            string

	// FlashBase is the address flash is mapped at
	FlashBase uint32
	// AppOffset skips a resident loader at the start of flash
	AppOffset uint32
	// FlashSize is the total flash size in bytes
	FlashSize int64
	// PageSize is the erase unit, it has to divide flash.BlockSize
	PageSize int64

	RAMBase uint32
	RAMSize uint32
}

// Microcontroller represents an embedded microntroller chip that can be
// communicated with over UART
type Microcontroller struct {
	config *Config

	pinPower gpio.Pin
	pinBoot0 gpio.Pin
	pinBoot1 gpio.Pin

	stmCmdCodes          commandCodeMap
	stmBootloaderVersion byte

	ttyPort serial.Port
	tx      io.Writer
	ttyRx   chan byte

	ttyActive bool

	identity string
}

// NewMicrocontroller will create a new reference to a particular chip
func NewMicrocontroller(c *Config) (*Microcontroller, error) {
	if c == nil {
		c = &Config{}
	}

	if c.Boot0GPIO <= 0 {
		c.Boot0GPIO = 39
	}
	if c.Boot1GPIO <= 0 {
		c.Boot1GPIO = 41
	}
	if c.PowerGPIO <= 0 {
		c.PowerGPIO = 19
	}
	if err := applyMemoryDefaults(c); err != nil {
		return nil, err
	}

	mc := &Microcontroller{
		config:      c,
		stmCmdCodes: commandCodeMap{},
	}

	if err := mc.setupPins(); err != nil {
		return nil, errors.Wrap(err, "could not setup pins")
	}

	return mc, nil
}

// applyMemoryDefaults fills in the flash layout of a 64 KiB STM32F1
func applyMemoryDefaults(c *Config) error {
	if c.FlashBase == 0 {
		c.FlashBase = DefaultFlashBase
	}
	if c.FlashSize <= 0 {
		c.FlashSize = 64 * 1024
	}
	if c.PageSize <= 0 {
		c.PageSize = 1024
	}
	if c.RAMBase == 0 {
		c.RAMBase = DefaultRAMBase
	}
	if c.RAMSize == 0 {
		c.RAMSize = 20 * 1024
	}

	if flash.BlockSize%c.PageSize != 0 {
		return errors.Errorf("page size %d does not divide the %d byte block", c.PageSize, flash.BlockSize)
	}
	if int64(c.AppOffset)%c.PageSize != 0 || int64(c.AppOffset) >= c.FlashSize {
		return errors.Errorf("app offset %#x is not a page inside flash", c.AppOffset)
	}
	return nil
}

func (mc *Microcontroller) setupPins() (err error) {
	mc.pinPower, err = gpio.NewOutput(uint(mc.config.PowerGPIO), true)
	if err != nil {
		return
	}
	mc.pinBoot0, err = gpio.NewOutput(uint(mc.config.Boot0GPIO), false)
	if err != nil {
		return
	}
	mc.pinBoot1, err = gpio.NewOutput(uint(mc.config.Boot1GPIO), false)
	if err != nil {
		return
	}

	return
}

// Identify will report back a unique string with the ID of the chip
func (mc *Microcontroller) Identify() (string, error) {
	if mc.identity != "" {
		return mc.identity, nil
	}

	if !mc.IsOpen() {
		if err := mc.Open(); err != nil {
			return "", err
		}
		defer mc.Close()
	}

	pid, err := mc.stmCmdGetId()
	if err != nil {
		return "", err
	}
	mc.identity = "STM_" + pid

	return mc.identity, nil
}

// TTY will return the TTY that will be used
func (mc *Microcontroller) TTY() string {
	if mc.config.TTY != "" {
		return mc.config.TTY
	}
	return DefaultTTY
}

// BaudRate will return the baud rate used to connect to the TTY
func (mc *Microcontroller) BaudRate() int {
	if mc.config.BootloaderBaud > 0 {
		return mc.config.BootloaderBaud
	}
	return DefaultBaud
}

// Reset will power cycle the microcontroller into its user flash. This is
// the restart that activates a committed update.
func (mc *Microcontroller) Reset() {
	mc.exitSTBL()
}
