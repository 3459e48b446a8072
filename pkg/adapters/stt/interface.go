package stt

// Transcriber is the contract the speech capture machine drives.
// One segment runs from the first Send after Reset to Close.
type Transcriber interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Send forwards one audio frame, connecting lazily if needed.
	Send(frame []float32)
	// Close ends the current segment's connection.
	Close()
	// Disconnect tears down handlers and the connection. Audio sent
	// afterwards may be dropped until Reset starts a fresh segment.
	Disconnect()
	// Transcript returns the running transcript of the current segment.
	Transcript() string
	// Reset clears the transcript and readies the next segment.
	Reset()
}

// Config contains vendor-agnostic transcription configuration.
type Config struct {
	SessionID  string
	SampleRate int
	Language   string
}
