// Package vad defines the voice activity detection capability the capture
// machine consumes, plus an energy-based detector that implements it.
package vad

// Callbacks are invoked by a Detector from its own goroutine, one at a time.
type Callbacks struct {
	OnReady          func()
	OnSpeechStart    func()
	OnSpeechEnd      func()
	OnFrameProcessed func(frame []float32)
}

// Detector is a running VAD instance.
type Detector interface {
	Start() error
	Destroy()
}

// Factory builds a Detector bound to the given callbacks.
type Factory func(cb Callbacks) (Detector, error)
