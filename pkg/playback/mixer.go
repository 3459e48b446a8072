package playback

import (
	"sync"
	"time"
)

type voice struct {
	id      uint64
	start   int64
	samples []float32
	onEnded func()
}

func (v *voice) end() int64 { return v.start + int64(len(v.samples)) }

// Mixer sums scheduled buffers onto a sample timeline. The position only
// moves when Render is called, so it doubles as the output clock of a
// device that pulls audio in fixed blocks.
type Mixer struct {
	mu     sync.Mutex
	rate   int
	pos    int64
	seq    uint64
	voices map[uint64]*voice
}

func NewMixer(rate int) *Mixer {
	return &Mixer{rate: rate, voices: make(map[uint64]*voice)}
}

func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.toDuration(m.pos)
}

func (m *Mixer) toDuration(samples int64) time.Duration {
	return time.Duration(samples) * time.Second / time.Duration(m.rate)
}

func (m *Mixer) toSamples(d time.Duration) int64 {
	return int64(d) * int64(m.rate) / int64(time.Second)
}

// Schedule places samples at the given timeline offset. Late buffers start now.
func (m *Mixer) Schedule(samples []float32, at time.Duration, onEnded func()) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := m.toSamples(at)
	if start < m.pos {
		start = m.pos
	}
	m.seq++
	m.voices[m.seq] = &voice{id: m.seq, start: start, samples: samples, onEnded: onEnded}
	return m.seq
}

// Stop removes a voice. It reports false if the voice already ended.
func (m *Mixer) Stop(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.voices[id]; !ok {
		return false
	}
	delete(m.voices, id)
	return true
}

// Render fills out with the next len(out) samples and advances the timeline.
// It returns the ended callbacks; the caller runs them without holding locks.
func (m *Mixer) Render(out []float32) []func() {
	for i := range out {
		out[i] = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.pos
	to := from + int64(len(out))
	var ended []func()
	for id, v := range m.voices {
		lo := max(v.start, from)
		hi := min(v.end(), to)
		for p := lo; p < hi; p++ {
			out[p-from] += v.samples[p-v.start]
		}
		if v.end() <= to {
			delete(m.voices, id)
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
		}
	}
	for i, s := range out {
		if s > 1 {
			out[i] = 1
		} else if s < -1 {
			out[i] = -1
		}
	}
	m.pos = to
	return ended
}

// Active returns the number of voices not yet rendered to the end.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}
