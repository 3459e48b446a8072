package pcm

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/harunnryd/echome/pkg/errorsx"
)

// BytesPerSample is the width of one signed 16-bit sample on the wire.
const BytesPerSample = 2

// FloatToInt16 converts a normalized sample to signed 16-bit, saturating at the range edges.
func FloatToInt16(x float32) int16 {
	v := math.Floor(float64(x) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Int16ToFloat converts a signed 16-bit sample to the [-1, 1] range.
func Int16ToFloat(v int16) float32 {
	f := float32(v) / 32768
	if f > 1 {
		return 1
	}
	if f < -1 {
		return -1
	}
	return f
}

// Encode packs normalized samples as signed 16-bit little-endian PCM.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(FloatToInt16(s)))
	}
	return out
}

// Decode unpacks signed 16-bit little-endian PCM into normalized samples.
func Decode(data []byte) ([]float32, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, errorsx.Newf(errorsx.ReasonPCMDecode, "pcm: odd payload length %d", len(data))
	}
	out := make([]float32, len(data)/BytesPerSample)
	for i := range out {
		out[i] = Int16ToFloat(int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:])))
	}
	return out, nil
}

// Duration returns the play time of n samples at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// Concat joins frames into one contiguous buffer.
func Concat(frames [][]float32) []float32 {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	out := make([]float32, 0, total)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}
