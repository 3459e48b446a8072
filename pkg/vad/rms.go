package vad

import (
	"errors"
	"math"
	"sync"
)

var ErrNoSource = errors.New("vad: no frame source")

// RMSConfig tunes the energy detector. Zero values take defaults suited to
// 16kHz frames of 512 samples.
type RMSConfig struct {
	SpeechThreshold  float64 `mapstructure:"speech_threshold"`
	SilenceThreshold float64 `mapstructure:"silence_threshold"`
	SpeechFrames     int     `mapstructure:"speech_frames"`
	SilenceFrames    int     `mapstructure:"silence_frames"`
}

func (c RMSConfig) withDefaults() RMSConfig {
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = 0.015
	}
	if c.SilenceThreshold <= 0 || c.SilenceThreshold > c.SpeechThreshold {
		c.SilenceThreshold = c.SpeechThreshold / 2
	}
	if c.SpeechFrames <= 0 {
		c.SpeechFrames = 3
	}
	if c.SilenceFrames <= 0 {
		c.SilenceFrames = 20
	}
	return c
}

// RMSDetector opens a segment after SpeechFrames loud frames and closes it
// after SilenceFrames quiet ones. The gap between thresholds is hysteresis.
type RMSDetector struct {
	cfg    RMSConfig
	frames <-chan []float32
	cb     Callbacks

	inSpeech     bool
	speechCount  int
	silenceCount int

	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	started bool
}

func NewRMS(cfg RMSConfig, frames <-chan []float32, cb Callbacks) *RMSDetector {
	return &RMSDetector{
		cfg:    cfg.withDefaults(),
		frames: frames,
		cb:     cb,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// RMSFactory returns a Factory reading frames from the given channel.
func RMSFactory(cfg RMSConfig, frames <-chan []float32) Factory {
	return func(cb Callbacks) (Detector, error) {
		if frames == nil {
			return nil, ErrNoSource
		}
		return NewRMS(cfg, frames, cb), nil
	}
}

// Start signals ready and consumes frames until Destroy or the source closes.
func (d *RMSDetector) Start() error {
	if d.frames == nil {
		return ErrNoSource
	}
	if d.started {
		return nil
	}
	d.started = true
	if d.cb.OnReady != nil {
		d.cb.OnReady()
	}
	go d.loop()
	return nil
}

func (d *RMSDetector) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case frame, ok := <-d.frames:
			if !ok {
				return
			}
			d.Process(frame)
		}
	}
}

// Process classifies one frame and fires callbacks. Start calls it from its
// loop; tests may call it directly on an unstarted detector.
func (d *RMSDetector) Process(frame []float32) {
	level := RMS(frame)
	opened := false
	closed := false
	if d.inSpeech {
		if level < d.cfg.SilenceThreshold {
			d.silenceCount++
			if d.silenceCount >= d.cfg.SilenceFrames {
				d.inSpeech = false
				d.silenceCount = 0
				closed = true
			}
		} else {
			d.silenceCount = 0
		}
	} else {
		if level >= d.cfg.SpeechThreshold {
			d.speechCount++
			if d.speechCount >= d.cfg.SpeechFrames {
				d.inSpeech = true
				d.speechCount = 0
				opened = true
			}
		} else {
			d.speechCount = 0
		}
	}

	if opened && d.cb.OnSpeechStart != nil {
		d.cb.OnSpeechStart()
	}
	if d.cb.OnFrameProcessed != nil {
		d.cb.OnFrameProcessed(frame)
	}
	if closed && d.cb.OnSpeechEnd != nil {
		d.cb.OnSpeechEnd()
	}
}

// InSpeech reports whether a segment is open.
func (d *RMSDetector) InSpeech() bool { return d.inSpeech }

func (d *RMSDetector) Destroy() {
	d.once.Do(func() {
		close(d.stop)
		if d.started {
			<-d.done
		}
	})
}

// RMS returns the root mean square level of a frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(frame)))
}
