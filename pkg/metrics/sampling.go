package metrics

import (
	"math"
	"sync/atomic"
)

// SamplingObserver forwards every Nth event. Names passed as keep always
// pass, so rare events survive aggressive sampling.
type SamplingObserver struct {
	inner       Observer
	sampleEvery uint64
	counter     atomic.Uint64
	keep        map[string]bool
}

func NewSamplingObserver(inner Observer, rate float64, keep ...string) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	k := make(map[string]bool, len(keep))
	for _, name := range keep {
		k[name] = true
	}
	return &SamplingObserver{inner: inner, sampleEvery: every, keep: k}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if s.keep[ev.Name] || s.sampleEvery == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.sampleEvery == 0 {
		return
	}
	if s.counter.Add(1)%s.sampleEvery == 0 {
		s.inner.RecordEvent(ev)
	}
}
