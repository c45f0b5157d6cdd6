// Package partition locates the storage regions an update can be written to.
package partition

import (
	"fmt"

	"github.com/synthread/go-ota/flash"
)

// Kind is the purpose of a region
type Kind int

const (
	// App is a slot holding a bootable application image
	App Kind = iota
	// Data is a slot holding a filesystem image
	Data
)

func (k Kind) String() string {
	switch k {
	case App:
		return "app"
	case Data:
		return "data"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Partition describes a contiguous area of the storage device
type Partition struct {
	Label   string
	Kind    Kind
	SubType string
	Offset  int64
	Size    int64
}

func (p Partition) String() string {
	return fmt.Sprintf("%s (%s/%s @ %#x, %d bytes)", p.Label, p.Kind, p.SubType, p.Offset, p.Size)
}

// Region is a partition that can be erased and written
type Region interface {
	flash.Region
	Partition() Partition
}

// Directory enumerates the regions of a device and selects the boot target
type Directory interface {
	// Find returns the region the next update of kind k should go to
	Find(k Kind) (Region, bool)

	// FreeSpace is the room available for an update of kind k, rounded down
	// to whole blocks
	FreeSpace(k Kind) int64

	// SetNextBoot makes r the region loaded at the next restart
	SetNextBoot(r Region) error
}

// RoundDown truncates n to a whole number of flash blocks
func RoundDown(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return n - n%flash.BlockSize
}
