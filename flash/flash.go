package flash

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/synthread/go-ota/outcome"
)

// BlockSize is the unit in which a region is erased, read and written
const BlockSize = 4096

// ReadRetries bounds the zero-byte reads tolerated at one offset
const ReadRetries = 30

// ReadRetryDelay is the pause between two stalled read attempts
var ReadRetryDelay = 100 * time.Millisecond

var ErrReadStalled = errors.New("update source stalled")

// Config defines the optional collaborators of a Flasher
type Config struct {
	// Indicator is toggled while blocks move, may be nil
	Indicator Indicator

	Logger logrus.FieldLogger
}

// Flasher copies an update payload into a region block by block. It owns a
// single block buffer, so one Flasher must only run one Flash at a time.
type Flasher struct {
	buf       []byte
	indicator Indicator
	log       logrus.FieldLogger

	sleep func(time.Duration)
}

// New will create a Flasher with its own block buffer
func New(c *Config) *Flasher {
	if c == nil {
		c = &Config{}
	}

	f := &Flasher{
		buf:       make([]byte, BlockSize),
		indicator: c.Indicator,
		log:       c.Logger,
		sleep:     time.Sleep,
	}
	if f.indicator == nil {
		f.indicator = nopIndicator{}
	}
	if f.log == nil {
		f.log = logrus.StandardLogger()
	}

	return f
}

// Flash writes total bytes read from src into region starting at offset 0.
//
// Every block is erased right before it is written. When the last block
// leaves room for one more whole block in the region, that following block is
// erased too so nothing stale sits directly behind the image. The returned
// error is nil only when exactly total bytes were written; otherwise it is an
// *outcome.Error and cb.OnError has been called once with its kind.
func (f *Flasher) Flash(src io.Reader, total int64, region Region, cb *Callbacks) error {
	if cb == nil {
		cb = &Callbacks{}
	}

	if total <= 0 {
		return f.abort(cb, outcome.Newf(outcome.InvalidArgument, "invalid update length %d", total))
	}

	size := region.Size()
	start := time.Now()

	cb.start()
	cb.progress(0, total)

	var written int64
	for written < total {
		blockLen := min(int64(BlockSize), total-written)
		block := f.buf[:blockLen]

		f.indicator.Toggle()

		clear(f.buf)
		if err := f.readBlock(src, block, written); err != nil {
			return f.abort(cb, err)
		}

		f.indicator.Toggle()

		if err := region.Erase(written, min(int64(BlockSize), size-written)); err != nil {
			return f.abort(cb, outcome.Wrap(err, outcome.WriteFailed, "could not erase block"))
		}

		// the image ends in this block, clear the block after it as well
		last := written+blockLen == total
		if last && written+2*BlockSize <= size {
			if err := region.Erase(written+BlockSize, BlockSize); err != nil {
				return f.abort(cb, outcome.Wrap(err, outcome.WriteFailed, "could not erase trailing block"))
			}
		}

		if err := region.Write(written, block); err != nil {
			return f.abort(cb, outcome.Wrap(err, outcome.WriteFailed, "could not write block"))
		}

		written += blockLen
		f.log.Debugf("flash: %d/%d bytes", written, total)
		cb.progress(written, total)
	}

	if written != total {
		return f.abort(cb, outcome.Newf(outcome.WriteFailed, "wrote %d of %d bytes", written, total))
	}

	f.log.Debugf("flash finished, %d bytes in %s", written, time.Since(start))
	cb.end()

	return nil
}

// readBlock fills block completely from src. Zero-byte reads and timeouts
// are stalls and are retried at the same offset; any other error ends the
// session.
func (f *Flasher) readBlock(src io.Reader, block []byte, offset int64) error {
	filled, stalls := 0, 0

	for filled < len(block) {
		n, err := src.Read(block[filled:])
		filled += n

		if err != nil && !isTransient(err) {
			if err == io.EOF && filled == len(block) {
				return nil
			}
			return outcome.Wrap(err, outcome.ReadFailed, "could not read update data")
		}

		if n > 0 {
			stalls = 0
			continue
		}

		stalls++
		if stalls >= ReadRetries {
			return outcome.Wrap(ErrReadStalled, outcome.ReadFailed,
				"no data after retries")
		}

		f.log.Debugf("read stalled at offset %d (+%d), attempt %d", offset, filled, stalls)
		f.sleep(ReadRetryDelay)
	}

	return nil
}

func (f *Flasher) abort(cb *Callbacks, err error) error {
	f.log.Errorf("flash aborted: %v", err)
	cb.error(outcome.KindOf(err))
	return err
}

// isTransient reports whether a read error is a timeout worth retrying
func isTransient(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
