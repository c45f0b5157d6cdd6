package flash

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/synthread/go-ota/outcome"
)

type op struct {
	kind   string
	offset int64
	length int64
}

// memRegion is a NOR-like region that records every storage call
type memRegion struct {
	data []byte
	ops  []op

	eraseErr error
	writeErr error
}

func newMemRegion(size int) *memRegion {
	r := &memRegion{data: make([]byte, size)}
	for i := range r.data {
		r.data[i] = 0xa5
	}
	return r
}

func (r *memRegion) Size() int64 { return int64(len(r.data)) }

func (r *memRegion) Erase(offset, length int64) error {
	r.ops = append(r.ops, op{"erase", offset, length})
	if r.eraseErr != nil {
		return r.eraseErr
	}
	for i := offset; i < offset+length; i++ {
		r.data[i] = 0xff
	}
	return nil
}

func (r *memRegion) Write(offset int64, p []byte) error {
	r.ops = append(r.ops, op{"write", offset, int64(len(p))})
	if r.writeErr != nil {
		return r.writeErr
	}
	for i, b := range p {
		r.data[offset+int64(i)] &= b
	}
	return nil
}

func (r *memRegion) count(kind string) int {
	n := 0
	for _, o := range r.ops {
		if o.kind == kind {
			n++
		}
	}
	return n
}

// stallReader returns zero bytes for the first stalls calls of each read
// that starts at an offset listed in at
type stallReader struct {
	r      io.Reader
	at     map[int64]int
	offset int64
	calls  int
}

func (s *stallReader) Read(p []byte) (int, error) {
	s.calls++
	if left := s.at[s.offset]; left > 0 {
		s.at[s.offset] = left - 1
		return 0, nil
	}
	n, err := s.r.Read(p)
	s.offset += int64(n)
	return n, err
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

type events struct {
	starts   int
	ends     int
	errs     []outcome.Kind
	progress []int64
}

func (e *events) callbacks() *Callbacks {
	return &Callbacks{
		OnStart:    func() { e.starts++ },
		OnProgress: func(w, _ int64) { e.progress = append(e.progress, w) },
		OnEnd:      func() { e.ends++ },
		OnError:    func(k outcome.Kind) { e.errs = append(e.errs, k) },
	}
}

type countIndicator struct{ n int }

func (c *countIndicator) Toggle() { c.n++ }

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func newTestFlasher(t *testing.T, c *Config) (*Flasher, *[]time.Duration) {
	t.Helper()
	if c == nil {
		c = &Config{}
	}
	if c.Logger == nil {
		logger, _ := logtest.NewNullLogger()
		logger.SetLevel(logrus.DebugLevel)
		c.Logger = logger
	}
	f := New(c)
	var slept []time.Duration
	f.sleep = func(d time.Duration) { slept = append(slept, d) }
	return f, &slept
}

func TestFlashNineThousandBytes(t *testing.T) {
	data := payload(9000)
	region := newMemRegion(9000)
	ev := &events{}
	ind := &countIndicator{}
	f, _ := newTestFlasher(t, &Config{Indicator: ind})

	if err := f.Flash(bytes.NewReader(data), int64(len(data)), region, ev.callbacks()); err != nil {
		t.Fatalf("Flash() = %v", err)
	}

	want := []op{
		{"erase", 0, 4096}, {"write", 0, 4096},
		{"erase", 4096, 4096}, {"write", 4096, 4096},
		{"erase", 8192, 808}, {"write", 8192, 808},
	}
	if fmt.Sprint(region.ops) != fmt.Sprint(want) {
		t.Errorf("ops = %v\nwant %v", region.ops, want)
	}
	if fmt.Sprint(ev.progress) != fmt.Sprint([]int64{0, 4096, 8192, 9000}) {
		t.Errorf("progress = %v", ev.progress)
	}
	if ev.starts != 1 || ev.ends != 1 || len(ev.errs) != 0 {
		t.Errorf("events = %+v", ev)
	}
	if !bytes.Equal(region.data, data) {
		t.Error("region content differs from payload")
	}
	if ind.n != 6 {
		t.Errorf("indicator toggled %d times, want 6", ind.n)
	}
}

func TestFlashLookAheadErase(t *testing.T) {
	data := payload(9000)
	region := newMemRegion(4 * BlockSize)
	f, _ := newTestFlasher(t, nil)

	if err := f.Flash(bytes.NewReader(data), int64(len(data)), region, nil); err != nil {
		t.Fatalf("Flash() = %v", err)
	}

	want := []op{
		{"erase", 0, 4096}, {"write", 0, 4096},
		{"erase", 4096, 4096}, {"write", 4096, 4096},
		{"erase", 8192, 4096}, {"erase", 12288, 4096}, {"write", 8192, 808},
	}
	if fmt.Sprint(region.ops) != fmt.Sprint(want) {
		t.Errorf("ops = %v\nwant %v", region.ops, want)
	}
	if !bytes.Equal(region.data[:9000], data) {
		t.Error("region content differs from payload")
	}
	for i, b := range region.data[9000:] {
		if b != 0xff {
			t.Fatalf("byte %d after the image is %#x, want erased", 9000+i, b)
		}
	}
}

func TestFlashNoLookAheadWithoutRoom(t *testing.T) {
	// 3 blocks of room: the block after the last one would not fit whole
	data := payload(9000)
	region := newMemRegion(3*BlockSize + 100)
	f, _ := newTestFlasher(t, nil)

	if err := f.Flash(bytes.NewReader(data), int64(len(data)), region, nil); err != nil {
		t.Fatalf("Flash() = %v", err)
	}
	if region.count("erase") != 3 {
		t.Errorf("erase calls = %d, want 3 (%v)", region.count("erase"), region.ops)
	}
}

func TestFlashExactMultiple(t *testing.T) {
	data := payload(3 * BlockSize)
	region := newMemRegion(len(data))
	ev := &events{}
	f, _ := newTestFlasher(t, nil)

	if err := f.Flash(bytes.NewReader(data), int64(len(data)), region, ev.callbacks()); err != nil {
		t.Fatalf("Flash() = %v", err)
	}
	if region.count("erase") != 3 || region.count("write") != 3 {
		t.Errorf("ops = %v, want 3 erases and 3 writes", region.ops)
	}
	for _, o := range region.ops {
		if o.length != BlockSize {
			t.Errorf("unexpected partial op %v", o)
		}
	}
	if last := ev.progress[len(ev.progress)-1]; last != int64(len(data)) {
		t.Errorf("final progress %d", last)
	}
}

func TestFlashRetriesStalls(t *testing.T) {
	data := payload(2 * BlockSize)
	src := &stallReader{r: bytes.NewReader(data), at: map[int64]int{BlockSize: ReadRetries - 1}}
	region := newMemRegion(len(data))
	f, slept := newTestFlasher(t, nil)

	if err := f.Flash(src, int64(len(data)), region, nil); err != nil {
		t.Fatalf("Flash() = %v", err)
	}
	if len(*slept) != ReadRetries-1 {
		t.Errorf("slept %d times, want %d", len(*slept), ReadRetries-1)
	}
	for _, d := range *slept {
		if d != ReadRetryDelay {
			t.Errorf("slept %s, want %s", d, ReadRetryDelay)
		}
	}
	if !bytes.Equal(region.data, data) {
		t.Error("region content differs from payload")
	}
}

func TestFlashStallsExhausted(t *testing.T) {
	data := payload(2 * BlockSize)
	src := &stallReader{r: bytes.NewReader(data), at: map[int64]int{BlockSize: ReadRetries}}
	region := newMemRegion(len(data))
	ev := &events{}
	f, _ := newTestFlasher(t, nil)

	err := f.Flash(src, int64(len(data)), region, ev.callbacks())
	if outcome.KindOf(err) != outcome.ReadFailed {
		t.Fatalf("Flash() = %v, want read failure", err)
	}
	if !errors.Is(err, ErrReadStalled) {
		t.Errorf("expected ErrReadStalled cause, got %v", err)
	}
	if region.count("write") != 1 {
		t.Errorf("writes = %d, want only the first block", region.count("write"))
	}
	if src.calls != 1+ReadRetries {
		t.Errorf("read calls = %d, want %d", src.calls, 1+ReadRetries)
	}
	if fmt.Sprint(ev.errs) != fmt.Sprint([]outcome.Kind{outcome.ReadFailed}) || ev.ends != 0 {
		t.Errorf("events = %+v", ev)
	}
}

func TestFlashRetriesTimeouts(t *testing.T) {
	data := payload(100)
	calls := 0
	src := readerFunc(func(p []byte) (int, error) {
		calls++
		if calls < 3 {
			return 0, timeoutErr{}
		}
		return copy(p, data), io.EOF
	})
	f, slept := newTestFlasher(t, nil)

	if err := f.Flash(src, int64(len(data)), newMemRegion(BlockSize), nil); err != nil {
		t.Fatalf("Flash() = %v", err)
	}
	if len(*slept) != 2 {
		t.Errorf("slept %d times, want 2", len(*slept))
	}
}

func TestFlashShortStream(t *testing.T) {
	data := payload(5000)
	region := newMemRegion(3 * BlockSize)
	ev := &events{}
	f, slept := newTestFlasher(t, nil)

	err := f.Flash(bytes.NewReader(data), 6000, region, ev.callbacks())
	if outcome.KindOf(err) != outcome.ReadFailed {
		t.Fatalf("Flash() = %v, want read failure", err)
	}
	if len(*slept) != 0 {
		t.Error("end of stream must not be retried")
	}
	if region.count("write") != 1 {
		t.Errorf("partial block was written: %v", region.ops)
	}
	if len(ev.errs) != 1 {
		t.Errorf("OnError called %d times", len(ev.errs))
	}
}

func TestFlashStorageFailures(t *testing.T) {
	boom := errors.New("flash fault")

	tests := []struct {
		name  string
		setup func(r *memRegion)
		ops   int
	}{
		{"erase", func(r *memRegion) { r.eraseErr = boom }, 1},
		{"write", func(r *memRegion) { r.writeErr = boom }, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			region := newMemRegion(2 * BlockSize)
			tt.setup(region)
			ev := &events{}
			f, slept := newTestFlasher(t, nil)

			err := f.Flash(bytes.NewReader(payload(2*BlockSize)), 2*BlockSize, region, ev.callbacks())
			if outcome.KindOf(err) != outcome.WriteFailed {
				t.Fatalf("Flash() = %v, want write failure", err)
			}
			if !errors.Is(err, boom) {
				t.Errorf("cause lost: %v", err)
			}
			if len(region.ops) != tt.ops {
				t.Errorf("storage was retried: %v", region.ops)
			}
			if len(*slept) != 0 {
				t.Error("storage failure must not be retried")
			}
			if len(ev.errs) != 1 || ev.ends != 0 {
				t.Errorf("events = %+v", ev)
			}
			if fmt.Sprint(ev.progress) != "[0]" {
				t.Errorf("progress = %v", ev.progress)
			}
		})
	}
}

func TestFlashZeroesBuffer(t *testing.T) {
	f, _ := newTestFlasher(t, nil)
	for i := range f.buf {
		f.buf[i] = 0x55
	}

	var seen []byte
	region := &captureRegion{memRegion: newMemRegion(BlockSize), seen: &seen}
	data := payload(10)
	if err := f.Flash(bytes.NewReader(data), 10, region, nil); err != nil {
		t.Fatalf("Flash() = %v", err)
	}
	if !bytes.Equal(seen, data) {
		t.Errorf("write got %x", seen)
	}
	for i, b := range f.buf[10:] {
		if b != 0 {
			t.Fatalf("buffer byte %d = %#x, want 0", 10+i, b)
		}
	}
}

func TestFlashRejectsEmptyPayload(t *testing.T) {
	ev := &events{}
	f, _ := newTestFlasher(t, nil)
	region := newMemRegion(BlockSize)

	err := f.Flash(bytes.NewReader(nil), 0, region, ev.callbacks())
	if outcome.KindOf(err) != outcome.InvalidArgument {
		t.Fatalf("Flash() = %v", err)
	}
	if len(region.ops) != 0 || ev.starts != 0 {
		t.Error("nothing should happen for an empty payload")
	}
}

type captureRegion struct {
	*memRegion
	seen *[]byte
}

func (c *captureRegion) Write(offset int64, p []byte) error {
	*c.seen = append(*c.seen, p...)
	return c.memRegion.Write(offset, p)
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
