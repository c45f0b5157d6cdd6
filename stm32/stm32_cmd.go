package stm32

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

// stmExecCmd will run the specified command and check that it is ACK'd
func (mc *Microcontroller) stmExecCmd(c CommandCode) error {
	if err := mc.Send(mc.stmCommandSequence(c)); err != nil {
		return err
	}
	return mc.stmReadAckOrNack()
}

// stmCmdSync will sync the bootloader
func (mc *Microcontroller) stmCmdSync() (err error) {
	return mc.stmExecCmd(CommandCodeSync)
}

// stmCmdGet will load information about the bootloader
func (mc *Microcontroller) stmCmdGet() error {
	if err := mc.stmExecCmd(CommandCodeGet); err != nil {
		return err
	}

	bs, err := mc.stmReadWithLength()
	if err != nil {
		return err
	}

	if err = mc.stmReadAckOrNack(); err != nil {
		return err
	}

	mc.stmBootloaderVersion = bs[0]

	// get the command codes from the response
	for i := 0; i < len(bs)-1; i++ {
		mc.stmCmdCodes[CommandCode(i)] = bs[i+1]
	}

	return nil
}

// stmCmdGetId will return the PID of the microcontroller
func (mc *Microcontroller) stmCmdGetId() (string, error) {
	if err := mc.stmExecCmd(CommandCodeGetID); err != nil {
		return "", err
	}

	bs, err := mc.stmReadWithLength()
	if err != nil {
		return "", err
	}

	if err = mc.stmReadAckOrNack(); err != nil {
		return "", err
	}

	return hex.EncodeToString(bs), nil
}

// stmSendAddress writes a big endian address with its checksum and waits for
// the ack
func (mc *Microcontroller) stmSendAddress(addr uint32) error {
	addrbs := binary.BigEndian.AppendUint32(nil, addr)

	if err := mc.stmWriteWithChecksum(addrbs); err != nil {
		return errors.Wrap(err, "err writing addr")
	}
	return errors.Wrap(mc.stmReadAckOrNack(), "addr ack fail")
}

// stmCmdErasePages will erase count pages starting at page first. Chips
// whose bootloader only knows extended erase get two byte page numbers.
func (mc *Microcontroller) stmCmdErasePages(first, count int) error {
	for count > 0 {
		n := min(count, stmErasePagesMax)

		if err := mc.stmExecCmd(CommandCodeErase); err != nil {
			return errors.Wrap(err, "err exec erase")
		}

		var msg []byte
		if mc.stmCommandCode(CommandCodeErase) == stmExtendedEraseCode {
			msg = binary.BigEndian.AppendUint16(msg, uint16(n-1))
			for p := first; p < first+n; p++ {
				msg = binary.BigEndian.AppendUint16(msg, uint16(p))
			}
		} else {
			if first+n-1 > 0xff {
				return errors.Errorf("page %d needs extended erase", first+n-1)
			}
			msg = append(msg, byte(n-1))
			for p := first; p < first+n; p++ {
				msg = append(msg, byte(p))
			}
		}

		if err := mc.stmWriteWithChecksum(msg); err != nil {
			return errors.Wrap(err, "err writing pages")
		}
		if err := mc.stmReadAckOrNackWithin(STMEraseTimeout); err != nil {
			return errors.Wrapf(err, "erase pages %d-%d", first, first+n-1)
		}

		first += n
		count -= n
	}

	return nil
}

// stmCmdWriteMemory will attempt to write the requested data at the provided
// address in memory
func (mc *Microcontroller) stmCmdWriteMemory(addr uint32, data []byte) error {
	if err := mc.stmExecCmd(CommandCodeWriteMemory); err != nil {
		return errors.Wrap(err, "err exec write mem")
	}

	if err := mc.stmSendAddress(addr); err != nil {
		return err
	}

	// write the data with length and checksum
	if err := mc.stmWriteWithNAndChecksum(padWord(data)); err != nil {
		return errors.Wrap(err, "err writing data")
	}

	return errors.Wrap(mc.stmReadAckOrNack(), "err ack after write data")
}

// stmCmdReadMemory will read n bytes starting at addr, n is at most 256
func (mc *Microcontroller) stmCmdReadMemory(addr uint32, n int) ([]byte, error) {
	if n <= 0 || n > stmReadBlockMax {
		return nil, errors.Errorf("cannot read %d bytes at once", n)
	}

	if err := mc.stmExecCmd(CommandCodeReadMemory); err != nil {
		return nil, errors.Wrap(err, "err exec read mem")
	}

	if err := mc.stmSendAddress(addr); err != nil {
		return nil, err
	}

	nb := byte(n - 1)
	if err := mc.Send([]byte{nb, 0xff ^ nb}); err != nil {
		return nil, errors.Wrap(err, "err writing length")
	}
	if err := mc.stmReadAckOrNack(); err != nil {
		return nil, errors.Wrap(err, "length ack fail")
	}

	return mc.ReadN(n, STMTimeout)
}
