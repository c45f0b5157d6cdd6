package partition

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SectorSize is the erase granularity of an image
const SectorSize = 4096

// AppImageMagic is the first byte of every bootable application image
const AppImageMagic byte = 0xe9

var ErrNotBootable = errors.New("partition does not hold a bootable image")

// Storage is the backing store of an Image, typically an *os.File
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// Image is a raw flash dump laid out by a partition table. It behaves like
// NOR flash: erasing sets bytes to 0xff and writing can only clear bits.
type Image struct {
	store Storage
	table Table
	log   logrus.FieldLogger

	closer io.Closer
}

var _ Directory = &Image{}

// NewImage wraps store, which must already be at least table.End() bytes
func NewImage(store Storage, table Table, log logrus.FieldLogger) *Image {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Image{store: store, table: table, log: log}
}

// OpenImage opens the flash image at path. When create is set a missing
// file is created fully erased.
func OpenImage(path string, table Table, create bool) (*Image, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "could not open flash image")
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "could not stat flash image")
	}

	if st.Size() < table.End() {
		if !create || st.Size() != 0 {
			f.Close()
			return nil, errors.Errorf("flash image %s is %d bytes, table needs %d", path, st.Size(), table.End())
		}
		if _, err := f.WriteAt(bytes.Repeat([]byte{0xff}, int(table.End())), 0); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "could not initialise flash image")
		}
	}

	im := NewImage(f, table, nil)
	im.closer = f
	return im, nil
}

// Close releases the backing file if OpenImage opened it
func (im *Image) Close() error {
	if im.closer == nil {
		return nil
	}
	return im.closer.Close()
}

// Table returns the partition layout of the image
func (im *Image) Table() Table {
	return im.table
}

// Running returns the partition that boots at the next restart
func (im *Image) Running() (Partition, bool) {
	if rec, ok := im.readBootRecord(); ok {
		for _, p := range im.table {
			if p.Kind == App && p.Label == rec.label() {
				return p, true
			}
		}
		im.log.Warnf("boot record names unknown partition %q", rec.label())
	}

	if p, ok := im.table.Find(App, "factory"); ok {
		return p, true
	}
	if slots := im.table.OTASlots(); len(slots) > 0 {
		return slots[0], true
	}
	return Partition{}, false
}

// Find returns the next OTA slot after the running one for App, and the
// first filesystem partition for Data
func (im *Image) Find(k Kind) (Region, bool) {
	var (
		p  Partition
		ok bool
	)

	switch k {
	case App:
		p, ok = im.nextUpdateSlot()
	case Data:
		p, ok = im.table.Find(Data, "spiffs", "littlefs", "fat")
	}
	if !ok {
		return nil, false
	}

	return &imageRegion{im: im, p: p}, true
}

// FreeSpace is the size of the region Find would return, in whole blocks
func (im *Image) FreeSpace(k Kind) int64 {
	r, ok := im.Find(k)
	if !ok {
		return 0
	}
	return RoundDown(r.Size())
}

// SetNextBoot records r in the otadata partition after checking that it
// starts with an application image
func (im *Image) SetNextBoot(r Region) error {
	p := r.Partition()
	if p.Kind != App {
		return errors.Wrapf(ErrNotBootable, "%s is not an app partition", p.Label)
	}
	if _, ok := im.byLabel(p.Label); !ok {
		return errors.Errorf("partition %s is not part of this image", p.Label)
	}

	magic := make([]byte, 1)
	if _, err := im.store.ReadAt(magic, p.Offset); err != nil {
		return errors.Wrapf(err, "could not read %s", p.Label)
	}
	if magic[0] != AppImageMagic {
		return errors.Wrapf(ErrNotBootable, "%s starts with %#x", p.Label, magic[0])
	}

	return im.writeBootRecord(p.Label)
}

func (im *Image) nextUpdateSlot() (Partition, bool) {
	slots := im.table.OTASlots()
	running, _ := im.Running()

	start := 0
	for i, s := range slots {
		if s.Label == running.Label {
			start = i + 1
		}
	}

	for i := 0; i < len(slots); i++ {
		s := slots[(start+i)%len(slots)]
		if s.Label != running.Label {
			return s, true
		}
	}
	return Partition{}, false
}

func (im *Image) byLabel(label string) (Partition, bool) {
	for _, p := range im.table {
		if p.Label == label {
			return p, true
		}
	}
	return Partition{}, false
}

func (im *Image) erase(p Partition, offset, length int64) error {
	if err := checkRange(p, offset, length); err != nil {
		return err
	}
	if offset%SectorSize != 0 || length%SectorSize != 0 {
		return errors.Errorf("erase %s [%#x,+%#x) is not sector aligned", p.Label, offset, length)
	}

	im.log.Debugf("erase %s [%#x,+%#x)", p.Label, offset, length)
	_, err := im.store.WriteAt(bytes.Repeat([]byte{0xff}, int(length)), p.Offset+offset)
	return errors.Wrapf(err, "could not erase %s", p.Label)
}

func (im *Image) write(p Partition, offset int64, data []byte) error {
	if err := checkRange(p, offset, int64(len(data))); err != nil {
		return err
	}

	cur := make([]byte, len(data))
	if _, err := im.store.ReadAt(cur, p.Offset+offset); err != nil {
		return errors.Wrapf(err, "could not read %s", p.Label)
	}
	for i := range cur {
		cur[i] &= data[i]
	}

	im.log.Debugf("write %s [%#x,+%#x)", p.Label, offset, len(data))
	_, err := im.store.WriteAt(cur, p.Offset+offset)
	return errors.Wrapf(err, "could not write %s", p.Label)
}

func checkRange(p Partition, offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > p.Size {
		return errors.Errorf("range [%#x,+%#x) is outside %s", offset, length, p.Label)
	}
	return nil
}

// imageRegion is one partition of an Image
type imageRegion struct {
	im *Image
	p  Partition
}

func (r *imageRegion) Size() int64 { return r.p.Size }

func (r *imageRegion) Partition() Partition { return r.p }

func (r *imageRegion) Erase(offset, length int64) error {
	return r.im.erase(r.p, offset, length)
}

func (r *imageRegion) Write(offset int64, p []byte) error {
	return r.im.write(r.p, offset, p)
}
