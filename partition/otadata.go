package partition

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"
)

const bootRecordMagic uint32 = 0x4f544131 // "OTA1"

var ErrNoOTAData = errors.New("image has no otadata partition")

// bootRecord selects the app partition to boot. The otadata partition holds
// two copies, one per sector; the valid one with the higher sequence wins,
// so a record torn by power loss falls back to the previous selection.
type bootRecord struct {
	Seq   uint32
	Label [20]byte
	Magic uint32
	CRC   uint32
}

const bootRecordSize = 32

func (r *bootRecord) label() string {
	return string(bytes.TrimRight(r.Label[:], "\x00"))
}

func (r *bootRecord) checksum() uint32 {
	buf := make([]byte, 4, 4+len(r.Label))
	binary.LittleEndian.PutUint32(buf, r.Seq)
	return crc32.ChecksumIEEE(append(buf, r.Label[:]...))
}

func (r *bootRecord) valid() bool {
	return r.Magic == bootRecordMagic && r.Seq != 0xffffffff && r.CRC == r.checksum()
}

func (r *bootRecord) marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, bootRecordSize))
	binary.Write(buf, binary.LittleEndian, r)
	return buf.Bytes()
}

func (im *Image) otadata() (Partition, error) {
	p, ok := im.table.Find(Data, "ota")
	if !ok {
		return Partition{}, ErrNoOTAData
	}
	if p.Size < 2*SectorSize {
		return Partition{}, errors.Errorf("otadata partition %s needs two sectors", p.Label)
	}
	return p, nil
}

// readBootRecord returns the newest valid record
func (im *Image) readBootRecord() (*bootRecord, bool) {
	p, err := im.otadata()
	if err != nil {
		return nil, false
	}

	var best *bootRecord
	for i := int64(0); i < 2; i++ {
		raw := make([]byte, bootRecordSize)
		if _, err := im.store.ReadAt(raw, p.Offset+i*SectorSize); err != nil {
			im.log.Warnf("could not read boot record %d: %v", i, err)
			continue
		}

		rec := &bootRecord{}
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, rec); err != nil || !rec.valid() {
			continue
		}
		if best == nil || rec.Seq > best.Seq {
			best = rec
		}
	}

	return best, best != nil
}

// writeBootRecord stores a record for label in the sector not holding the
// current selection
func (im *Image) writeBootRecord(label string) error {
	p, err := im.otadata()
	if err != nil {
		return err
	}
	if len(label) > len(bootRecord{}.Label) {
		return errors.Errorf("partition label %q is too long", label)
	}

	rec := &bootRecord{Seq: 1, Magic: bootRecordMagic}
	if cur, ok := im.readBootRecord(); ok {
		rec.Seq = cur.Seq + 1
	}
	copy(rec.Label[:], label)
	rec.CRC = rec.checksum()

	sector := int64(rec.Seq%2) * SectorSize
	if err := im.erase(p, sector, SectorSize); err != nil {
		return err
	}
	if err := im.write(p, sector, rec.marshal()); err != nil {
		return err
	}

	im.log.Infof("next boot partition set to %s (seq %d)", label, rec.Seq)
	return nil
}
