package stm32

import (
	"io"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var ErrTimeout = errors.New("timed out reading from microcontroller")
var ErrClosed = errors.New("serial port is closed")

// Open will put the chip into its bootloader and connect to it
func (mc *Microcontroller) Open() (err error) {
	if err = mc.setupPins(); err != nil {
		return errors.Wrap(err, "could not setup pins")
	}

	mc.ttyPort, err = serial.Open(mc.TTY(), &serial.Mode{
		BaudRate: mc.BaudRate(),
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return errors.Wrap(err, "could not open serial")
	}

	mc.tx = mc.ttyPort
	mc.ttyRx = make(chan byte, 64)
	go mc.rx(mc.ttyPort)

	if err = errors.Wrap(mc.stmInit(), "could not init stm chip"); err != nil {
		mc.Close()
		return
	}

	logrus.Debugf("mcu open, bootloader v%x", mc.stmBootloaderVersion)

	return nil
}

// Close will close the connection and reset the MCU into user flash
func (mc *Microcontroller) Close() error {
	mc.exitSTBL()

	mc.ttyActive = false
	mc.tx = nil

	if mc.ttyPort != nil {
		mc.ttyPort.Close()
		mc.ttyPort = nil
	}

	// resets the pins to a running state
	mc.pinBoot0.Cleanup()
	mc.pinBoot1.Cleanup()
	mc.pinPower.Cleanup()

	logrus.Debug("mcu close")

	return nil
}

func (mc *Microcontroller) IsOpen() bool {
	return mc.tx != nil
}

// rx is the loop that will forever read from the port and write the incoming
// bytes to the rx chan
func (mc *Microcontroller) rx(port io.Reader) {
	mc.ttyActive = true
	buf := make([]byte, 64)

	if p, ok := port.(serial.Port); ok {
		p.SetReadTimeout(1 * time.Millisecond)
	}

	for {
		n, err := port.Read(buf)
		if err != nil {
			// don't write out if we're just complaining about it being closed
			var perr *serial.PortError
			if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
				return
			}

			if errors.Is(err, syscall.EBADF) {
				return
			}

			logrus.Error("rx err: ", err.Error())
			return
		}

		for _, b := range buf[:n] {
			mc.ttyRx <- b
		}
		if n > 0 {
			logrus.Debugf("mcu rx: %x", buf[:n])
		}
	}
}

// Send will write the specified bytes to the microcontroller
func (mc *Microcontroller) Send(bs ...[]byte) (err error) {
	if !mc.IsOpen() {
		return ErrClosed
	}

	if len(bs) == 0 {
		panic("must provide at least one []byte")
	}

	for _, b := range bs {
		_, err = mc.tx.Write(b)
		if err != nil {
			return
		}
		logrus.Debugf("mcu tx: %x", b)
	}

	return
}

// ReadN will read exactly N bytes from the rx chan
func (mc *Microcontroller) ReadN(n int, to time.Duration) ([]byte, error) {
	if !mc.IsOpen() {
		return nil, ErrClosed
	}

	bs := make([]byte, n)

	for i := 0; i < n; i++ {
		select {
		case <-time.After(to):
			return nil, ErrTimeout
		case b := <-mc.ttyRx:
			bs[i] = b
		}
	}

	return bs, nil
}
