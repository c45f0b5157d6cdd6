package stm32

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/synthread/go-ota/flash"
	"github.com/synthread/go-ota/partition"
)

// fakeLoader answers every frame written to it with an ACK, or a NACK for
// the frame numbers in nack, followed by any bytes queued in extra
type fakeLoader struct {
	rx     chan byte
	frames [][]byte
	nack   map[int]bool
	extra  map[int][]byte
}

func (f *fakeLoader) Write(p []byte) (int, error) {
	f.frames = append(f.frames, append([]byte(nil), p...))
	i := len(f.frames)

	if f.nack[i] {
		f.rx <- b_STM_NACK
	} else {
		f.rx <- b_STM_ACK
	}
	for _, b := range f.extra[i] {
		f.rx <- b
	}
	return len(p), nil
}

func newTestMCU(t *testing.T, c *Config) (*Microcontroller, *fakeLoader) {
	t.Helper()
	if c == nil {
		c = &Config{}
	}
	if err := applyMemoryDefaults(c); err != nil {
		t.Fatal(err)
	}

	fl := &fakeLoader{rx: make(chan byte, 4096), nack: map[int]bool{}, extra: map[int][]byte{}}
	mc := &Microcontroller{
		config:      c,
		stmCmdCodes: commandCodeMap{},
		tx:          fl,
		ttyRx:       fl.rx,
	}
	return mc, fl
}

func TestErasePages(t *testing.T) {
	mc, fl := newTestMCU(t, nil)

	if err := mc.Erase(0, flash.BlockSize); err != nil {
		t.Fatalf("Erase() = %v", err)
	}

	want := [][]byte{{0x43, 0xbc}, {0x03, 0, 1, 2, 3, 0x03}}
	if len(fl.frames) != len(want) {
		t.Fatalf("frames = %x", fl.frames)
	}
	for i := range want {
		if !bytes.Equal(fl.frames[i], want[i]) {
			t.Errorf("frame %d = %x, want %x", i, fl.frames[i], want[i])
		}
	}
}

func TestErasePagesExtended(t *testing.T) {
	mc, fl := newTestMCU(t, &Config{PageSize: 2048})
	mc.stmCmdCodes[CommandCodeErase] = stmExtendedEraseCode

	if err := mc.Erase(2*flash.BlockSize, flash.BlockSize); err != nil {
		t.Fatalf("Erase() = %v", err)
	}

	want := []byte{0x00, 0x01, 0x00, 0x04, 0x00, 0x05, 0x00}
	if !bytes.Equal(fl.frames[0], []byte{0x44, 0xbb}) || !bytes.Equal(fl.frames[1], want) {
		t.Errorf("frames = %x", fl.frames)
	}
}

func TestEraseHonoursAppOffset(t *testing.T) {
	mc, fl := newTestMCU(t, &Config{AppOffset: 0x2000})

	if err := mc.Erase(0, 1024); err != nil {
		t.Fatalf("Erase() = %v", err)
	}
	if !bytes.Equal(fl.frames[1], []byte{0x00, 0x08, 0x08}) {
		t.Errorf("page frame = %x", fl.frames[1])
	}
	if mc.Size() != 64*1024-0x2000 {
		t.Errorf("Size() = %d", mc.Size())
	}
}

func TestEraseRejects(t *testing.T) {
	mc, _ := newTestMCU(t, nil)

	if err := mc.Erase(512, 1024); err == nil {
		t.Error("unaligned erase should fail")
	}
	if err := mc.Erase(0, mc.Size()+1); err == nil {
		t.Error("erase past the end should fail")
	}
}

func TestWriteChunks(t *testing.T) {
	mc, fl := newTestMCU(t, nil)

	data := bytes.Repeat([]byte{0x5a}, 301)
	if err := mc.Write(0x100, data); err != nil {
		t.Fatalf("Write() = %v", err)
	}

	// two write memory commands of three frames each
	if len(fl.frames) != 6 {
		t.Fatalf("got %d frames", len(fl.frames))
	}

	addr := func(frame []byte) uint32 { return binary.BigEndian.Uint32(frame[:4]) }
	if a := addr(fl.frames[1]); a != 0x08000100 {
		t.Errorf("first address %#x", a)
	}
	if a := addr(fl.frames[4]); a != 0x08000200 {
		t.Errorf("second address %#x", a)
	}

	first, last := fl.frames[2], fl.frames[5]
	if len(first) != 1+256+1 || first[0] != 255 {
		t.Errorf("first data frame has %d bytes, n=%d", len(first), first[0])
	}
	if len(last) != 1+48+1 || last[0] != 47 {
		t.Errorf("last data frame has %d bytes, n=%d", len(last), last[0])
	}
	if !bytes.Equal(last[46:49], []byte{0xff, 0xff, 0xff}) {
		t.Errorf("padding = %x", last[46:49])
	}
	if last[len(last)-1] != checksum(last[:len(last)-1]) {
		t.Error("bad checksum on data frame")
	}
}

func TestWriteNack(t *testing.T) {
	mc, fl := newTestMCU(t, nil)
	fl.nack[3] = true

	err := mc.Write(0, []byte{1, 2, 3, 4})
	if !errors.Is(err, ErrSTMNACK) {
		t.Fatalf("Write() = %v, want ErrSTMNACK", err)
	}
}

func TestSetNextBoot(t *testing.T) {
	tests := []struct {
		name string
		sp   uint32
		rst  uint32
		ok   bool
	}{
		{"valid", 0x20005000, 0x08000101, true},
		{"stack in flash", 0x08001000, 0x08000101, false},
		{"reset outside", 0x20005000, 0x08020001, false},
		{"erased", 0xffffffff, 0xffffffff, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc, fl := newTestMCU(t, nil)
			vt := binary.LittleEndian.AppendUint32(nil, tt.sp)
			fl.extra[3] = binary.LittleEndian.AppendUint32(vt, tt.rst)

			err := mc.SetNextBoot(mc)
			if tt.ok && err != nil {
				t.Fatalf("SetNextBoot() = %v", err)
			}
			if !tt.ok && !errors.Is(err, partition.ErrNotBootable) {
				t.Fatalf("SetNextBoot() = %v, want ErrNotBootable", err)
			}
			if !bytes.Equal(fl.frames[2], []byte{0x07, 0xf8}) {
				t.Errorf("length frame = %x", fl.frames[2])
			}
		})
	}
}

func TestDirectory(t *testing.T) {
	mc, _ := newTestMCU(t, nil)

	if _, ok := mc.Find(partition.Data); ok {
		t.Error("no data region expected")
	}
	if r, ok := mc.Find(partition.App); !ok || r.Partition().Offset != 0x08000000 {
		t.Errorf("Find(App) = %v, %v", r, ok)
	}
	if mc.FreeSpace(partition.App) != 64*1024 || mc.FreeSpace(partition.Data) != 0 {
		t.Error("unexpected free space")
	}
}

func TestFlashIntoMCU(t *testing.T) {
	mc, fl := newTestMCU(t, nil)

	data := bytes.Repeat([]byte{0x11, 0x22, 0x33}, 1700)
	if err := flash.New(nil).Flash(bytes.NewReader(data), int64(len(data)), mc, nil); err != nil {
		t.Fatalf("Flash() = %v", err)
	}

	erases := 0
	for _, f := range fl.frames {
		if bytes.Equal(f, []byte{0x43, 0xbc}) {
			erases++
		}
	}
	// two blocks plus the block after the image
	if erases != 3 {
		t.Errorf("erase commands = %d, want 3", erases)
	}
}

func TestMemoryDefaults(t *testing.T) {
	if err := applyMemoryDefaults(&Config{PageSize: 16 * 1024}); err == nil {
		t.Error("16K sectors cannot be erased per block")
	}
	if err := applyMemoryDefaults(&Config{AppOffset: 100}); err == nil {
		t.Error("app offset must be page aligned")
	}
}

func TestPadWord(t *testing.T) {
	if got := padWord([]byte{1, 2, 3, 4}); len(got) != 4 {
		t.Errorf("aligned data was padded: %x", got)
	}
	if got := padWord([]byte{1}); !bytes.Equal(got, []byte{1, 0xff, 0xff, 0xff}) {
		t.Errorf("padWord() = %x", got)
	}
	if checksum([]byte{0x08, 0x00, 0x01, 0x00}) != 0x09 {
		t.Error("bad checksum")
	}
}
