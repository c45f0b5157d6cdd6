package partition

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// TableOffset is where partitions start when the first entry has no offset
var TableOffset int64 = 0x9000

const (
	dataAlign = 0x1000
	appAlign  = 0x10000
)

// Table is an ordered list of partitions
type Table []Partition

// ParseTable reads a partition table in the ESP-IDF CSV layout:
//
//	# Name,   Type, SubType, Offset,  Size, Flags
//	otadata,  data, ota,     0xd000,  0x2000,
//	app0,     app,  ota_0,   ,        1M,
//
// Blank offsets are placed after the previous entry, aligned to 4 KiB for
// data and 64 KiB for app partitions.
func ParseTable(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var t Table
	next := TableOffset

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "could not read partition table")
		}
		if len(rec) < 5 {
			return nil, errors.Errorf("partition table line %v: expected at least 5 fields", rec)
		}
		for i := range rec {
			rec[i] = strings.TrimSpace(rec[i])
		}

		p := Partition{Label: rec[0], SubType: rec[2]}
		switch rec[1] {
		case "app":
			p.Kind = App
		case "data":
			p.Kind = Data
		default:
			return nil, errors.Errorf("partition %s: unknown type %q", p.Label, rec[1])
		}

		if p.Size, err = parseSize(rec[4]); err != nil || p.Size <= 0 {
			return nil, errors.Errorf("partition %s: bad size %q", p.Label, rec[4])
		}
		if p.Size%dataAlign != 0 {
			return nil, errors.Errorf("partition %s: size is not a multiple of %#x", p.Label, dataAlign)
		}

		if rec[3] == "" {
			align := int64(dataAlign)
			if p.Kind == App {
				align = appAlign
			}
			p.Offset = (next + align - 1) / align * align
		} else if p.Offset, err = parseSize(rec[3]); err != nil {
			return nil, errors.Errorf("partition %s: bad offset %q", p.Label, rec[3])
		}
		if p.Offset < next {
			return nil, errors.Errorf("partition %s overlaps the previous one", p.Label)
		}
		if p.Offset%dataAlign != 0 {
			return nil, errors.Errorf("partition %s is not aligned to %#x", p.Label, dataAlign)
		}

		next = p.Offset + p.Size
		t = append(t, p)
	}

	if len(t) == 0 {
		return nil, errors.New("partition table is empty")
	}

	return t, nil
}

// End is the first byte after the last partition
func (t Table) End() int64 {
	if len(t) == 0 {
		return 0
	}
	last := t[len(t)-1]
	return last.Offset + last.Size
}

// Find returns the first partition matching kind and one of the subtypes
func (t Table) Find(k Kind, subtypes ...string) (Partition, bool) {
	for _, p := range t {
		if p.Kind != k {
			continue
		}
		for _, st := range subtypes {
			if p.SubType == st {
				return p, true
			}
		}
	}
	return Partition{}, false
}

// OTASlots returns the app partitions with an ota_N subtype in table order
func (t Table) OTASlots() []Partition {
	var slots []Partition
	for _, p := range t {
		if p.Kind == App && strings.HasPrefix(p.SubType, "ota_") {
			slots = append(slots, p)
		}
	}
	return slots
}

// parseSize reads decimal, 0x hex, or K/M suffixed sizes
func parseSize(s string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult, s = 1024, s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult, s = 1024*1024, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
