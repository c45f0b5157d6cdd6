package ota

import (
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/synthread/go-ota/partition"
)

// RateWindow is how far back the throughput of a session is averaged
var RateWindow = 5 * time.Second

// session is a single update transfer, it lives for one update call
type session struct {
	id     uuid.UUID
	kind   partition.Kind
	length int64
	region partition.Region
	log    logrus.FieldLogger

	rate        meter
	lastPercent int64
}

// progress wraps the caller's progress callback with logging
func (s *session) progress(next func(written, total int64)) func(written, total int64) {
	s.rate.window = RateWindow
	var prev int64

	return func(written, total int64) {
		s.rate.add(written - prev)
		prev = written

		percent := written * 100 / total
		s.log.Debugf("%d/%d bytes (%d%%) at %.1f KiB/s", written, total, percent, s.rate.rate()/1024)
		if percent/10 > s.lastPercent/10 || written == total {
			s.log.Infof("%d%% written", percent)
		}
		s.lastPercent = percent

		if next != nil {
			next(written, total)
		}
	}
}

type sample struct {
	bytes int64
	at    time.Time
}

// meter keeps a sliding window of byte samples bucketed per 100ms
type meter struct {
	samples     deque.Deque[sample]
	windowBytes int64
	window      time.Duration

	now func() time.Time
}

func (m *meter) add(n int64) {
	now := m.clock().Truncate(100 * time.Millisecond)

	if m.samples.Len() > 0 && m.samples.Back().at.Equal(now) {
		last := m.samples.PopBack()
		last.bytes += n
		m.samples.PushBack(last)
	} else {
		m.samples.PushBack(sample{bytes: n, at: now})
	}

	m.windowBytes += n
	m.prune(now)
}

func (m *meter) prune(now time.Time) {
	for m.samples.Len() > 0 && now.Sub(m.samples.Front().at) > m.window {
		m.windowBytes -= m.samples.Front().bytes
		m.samples.PopFront()
	}
}

// rate is the average bytes per second over the window
func (m *meter) rate() float64 {
	if m.samples.Len() == 0 {
		return 0
	}

	span := m.clock().Sub(m.samples.Front().at)
	if span < time.Second {
		span = time.Second
	}
	return float64(m.windowBytes) / span.Seconds()
}

func (m *meter) clock() time.Time {
	if m.now != nil {
		return m.now()
	}
	return time.Now()
}
