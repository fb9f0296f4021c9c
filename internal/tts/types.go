package tts

import "context"

// AudioChunk is synthesized audio for one text chunk, as 8kHz μ-law
type AudioChunk struct {
	Seq   int    // sequence id of the text chunk this audio belongs to
	Data  []byte // μ-law audio; empty on the final event
	Final bool   // no more audio will arrive for Seq
}

// StreamOptions selects the voice for one turn
type StreamOptions struct {
	VoiceID  string
	Language string
}

// Client opens streaming synthesis channels
type Client interface {
	Open(ctx context.Context, opts StreamOptions) (Stream, error)
}

// Stream synthesizes incremental text for one turn
type Stream interface {
	// Send queues text chunk seq for synthesis
	Send(seq int, text string) error

	// Flush cancels every chunk still being synthesized; their audio is dropped
	Flush() error

	// Events delivers audio chunks; it is closed when the stream ends.
	// Chunks of different sequences may arrive interleaved.
	Events() <-chan *AudioChunk

	// Close closes the stream
	Close() error
}
