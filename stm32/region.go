package stm32

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synthread/go-ota/partition"
)

var _ partition.Directory = &Microcontroller{}
var _ partition.Region = &Microcontroller{}

// Partition describes the application area of the chip's flash
func (mc *Microcontroller) Partition() partition.Partition {
	return partition.Partition{
		Label:   "flash",
		Kind:    partition.App,
		SubType: "stm32",
		Offset:  int64(mc.config.FlashBase + mc.config.AppOffset),
		Size:    mc.config.FlashSize - int64(mc.config.AppOffset),
	}
}

// Find returns the chip flash for App. The bootloader has no data area.
func (mc *Microcontroller) Find(k partition.Kind) (partition.Region, bool) {
	if k != partition.App {
		return nil, false
	}
	return mc, true
}

// FreeSpace is the application area in whole blocks, 0 for Data
func (mc *Microcontroller) FreeSpace(k partition.Kind) int64 {
	if k != partition.App {
		return 0
	}
	return partition.RoundDown(mc.Size())
}

// Size is the byte size of the application area
func (mc *Microcontroller) Size() int64 {
	return mc.Partition().Size
}

// Erase erases the pages covering [offset, offset+length)
func (mc *Microcontroller) Erase(offset, length int64) error {
	if err := mc.checkRange(offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	start := int64(mc.config.AppOffset) + offset
	if start%mc.config.PageSize != 0 {
		return errors.Errorf("erase offset %#x is not page aligned", offset)
	}

	first := start / mc.config.PageSize
	last := (start + length - 1) / mc.config.PageSize

	logrus.Debugf("stm erase pages %d-%d", first, last)
	return mc.stmCmdErasePages(int(first), int(last-first+1))
}

// Write programs p at offset in chunks of the bootloader's write limit
func (mc *Microcontroller) Write(offset int64, p []byte) error {
	if err := mc.checkRange(offset, int64(len(p))); err != nil {
		return err
	}
	if offset%4 != 0 {
		return errors.Errorf("write offset %#x is not word aligned", offset)
	}

	base := mc.config.FlashBase + mc.config.AppOffset + uint32(offset)
	for i := 0; i < len(p); i += stmWriteBlockMax {
		end := min(len(p), i+stmWriteBlockMax)
		addr := base + uint32(i)

		logrus.Debugf("wm: %d -> %d @ %x [l=%d]", i, end, addr, end-i)

		if err := mc.stmCmdWriteMemory(addr, p[i:end]); err != nil {
			return errors.Wrapf(err, "could not write segment at %#x", addr)
		}
	}

	return nil
}

// SetNextBoot checks the vector table of the flashed image: the initial
// stack pointer must point into SRAM and the reset handler into the region.
// The chip boots it when it is next reset out of the bootloader.
func (mc *Microcontroller) SetNextBoot(r partition.Region) error {
	if r != partition.Region(mc) {
		return errors.New("region does not belong to this microcontroller")
	}

	p := mc.Partition()
	vt, err := mc.stmCmdReadMemory(uint32(p.Offset), 8)
	if err != nil {
		return errors.Wrap(err, "could not read vector table")
	}

	if err := mc.checkVectorTable(vt); err != nil {
		return err
	}

	logrus.Infof("stm image at %#x is bootable", p.Offset)
	return nil
}

func (mc *Microcontroller) checkVectorTable(vt []byte) error {
	if len(vt) < 8 {
		return errors.Wrap(partition.ErrNotBootable, "short vector table")
	}

	sp := binary.LittleEndian.Uint32(vt[0:4])
	reset := binary.LittleEndian.Uint32(vt[4:8]) &^ 1

	ramEnd := mc.config.RAMBase + mc.config.RAMSize
	if sp < mc.config.RAMBase || sp > ramEnd {
		return errors.Wrapf(partition.ErrNotBootable, "stack pointer %#x outside sram", sp)
	}

	p := mc.Partition()
	if int64(reset) < p.Offset || int64(reset) >= p.Offset+p.Size {
		return errors.Wrapf(partition.ErrNotBootable, "reset vector %#x outside flash", reset)
	}

	return nil
}

func (mc *Microcontroller) checkRange(offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > mc.Size() {
		return errors.Errorf("range [%#x,+%#x) is outside flash", offset, length)
	}
	return nil
}
