package capture

// preSpeechBuffer keeps the most recent frames heard before a segment opens.
type preSpeechBuffer struct {
	capacity int
	frames   [][]float32
}

func newPreSpeechBuffer(capacity int) *preSpeechBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &preSpeechBuffer{capacity: capacity}
}

func (b *preSpeechBuffer) Add(frame []float32) {
	if b.capacity == 0 {
		return
	}
	cp := make([]float32, len(frame))
	copy(cp, frame)
	b.frames = append(b.frames, cp)
	if len(b.frames) > b.capacity {
		b.frames = b.frames[len(b.frames)-b.capacity:]
	}
}

// Drain returns the buffered frames oldest first and empties the buffer.
func (b *preSpeechBuffer) Drain() [][]float32 {
	out := b.frames
	b.frames = nil
	return out
}

func (b *preSpeechBuffer) Len() int { return len(b.frames) }

func (b *preSpeechBuffer) Reset() { b.frames = nil }
