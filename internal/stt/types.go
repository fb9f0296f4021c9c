package stt

// TranscriptionResult represents a transcription result from Deepgram
type TranscriptionResult struct {
	// Text is the transcribed text
	Text string

	// IsFinal means this segment's text will not change
	IsFinal bool

	// SpeechFinal means the recognizer detected the end of the utterance
	SpeechFinal bool

	// Confidence is the confidence score (0.0 to 1.0) if available
	Confidence float64

	// StartTime is the start time of the segment in seconds
	StartTime float64

	// Duration is the duration of the segment in seconds
	Duration float64
}

// STTClient is the interface for speech-to-text clients
type STTClient interface {
	// Start begins a new transcription session
	Start() error

	// SendAudio sends a μ-law audio chunk to the STT service
	SendAudio(audioData []byte) error

	// GetTranscription returns the channel of transcription results
	GetTranscription() <-chan *TranscriptionResult

	// Stop stops the transcription session
	Stop() error

	// Close closes the client and cleans up resources
	Close() error
}

// Options selects the recognizer model and behavior for one call
type Options struct {
	APIKey        string
	Model         string
	Language      string
	EndpointingMs int
	// ReplayBytes is how much audio is kept while reconnecting
	ReplayBytes int
}

// Factory creates a recognizer for one call
type Factory func(opts Options) STTClient
