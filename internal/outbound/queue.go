package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/NithinThadem/branch-deployments-sub001/internal/audio"
	"github.com/NithinThadem/branch-deployments-sub001/internal/observability"
	"github.com/rs/zerolog"
)

const maxInterimSeconds = 30

// Sender writes frames to the transport
type Sender interface {
	SendMedia(payload []byte) error
	SendMark(name string) error
	SendClear() error
}

// FrameKind distinguishes audio from control frames
type FrameKind int

const (
	FrameMedia FrameKind = iota
	FrameMark
)

func (k FrameKind) String() string {
	if k == FrameMark {
		return "mark"
	}
	return "media"
}

// Frame is one entry of the outbound FIFO
type Frame struct {
	Kind    FrameKind
	Payload []byte
	Name    string
}

// Options configures a Queue
type Options struct {
	MediaRate      time.Duration // ambience tick interval
	RealtimePacing bool          // sleep each media frame's playback time
	Background     *audio.Reader // ambience bed; nil for none
	Interim        *audio.Reader // "thinking" filler; nil for none
}

// Queue serializes one session's audio and control frames to the transport.
// Two producers feed it (the ambience ticker and the foreground speech
// writer) and a single drainer consumes it.
type Queue struct {
	sender Sender
	opts   Options
	logger zerolog.Logger

	budget    int // bytes per tick
	frameSize int

	mu               sync.Mutex
	frames           []Frame
	draining         bool
	interimRemaining int
	closed           bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue creates a queue for one session
func NewQueue(sender Sender, opts Options, logger zerolog.Logger) *Queue {
	if opts.MediaRate <= 0 {
		opts.MediaRate = 20 * time.Millisecond
	}
	budget := int(opts.MediaRate.Milliseconds()) * audio.SampleRate / 1000
	if budget < 1 {
		budget = 1
	}
	return &Queue{
		sender:    sender,
		opts:      opts,
		logger:    logger.With().Str("component", "outbound").Logger(),
		budget:    budget,
		frameSize: 2 * budget,
		done:      make(chan struct{}),
	}
}

// FrameSize returns the size media is chunked to
func (q *Queue) FrameSize() int {
	return q.frameSize
}

// Start runs the ambience ticker until ctx is done or Close is called
func (q *Queue) Start(ctx context.Context) {
	if q.opts.Background == nil && q.opts.Interim == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(q.opts.MediaRate)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if q.fillAmbience() {
					q.kick()
				}
			case <-ctx.Done():
				return
			case <-q.done:
				return
			}
		}
	}()
}

// Close stops the ticker and any pacing sleep; queued frames are dropped
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.frames = nil
		q.mu.Unlock()
		close(q.done)
	})
}

// Enqueue appends a frame
func (q *Queue) Enqueue(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.frames = append(q.frames, f)
}

// Dequeue pops the oldest frame
func (q *Queue) Dequeue() (Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dequeueLocked()
}

func (q *Queue) dequeueLocked() (Frame, bool) {
	if len(q.frames) == 0 {
		return Frame{}, false
	}
	f := q.frames[0]
	q.frames[0] = Frame{}
	q.frames = q.frames[1:]
	return f, true
}

// Len returns the number of queued frames
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Media writes foreground speech: it stops interim audio, mixes in the
// background bed and enqueues the result in transport-sized frames.
func (q *Queue) Media(voice []byte) {
	if len(voice) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.interimRemaining = 0
	for _, chunk := range ChunkFrames(voice, q.frameSize, q.budget) {
		payload := chunk
		if bg := q.opts.Background; bg != nil {
			mixed, err := audio.MixWithVolume(chunk, bg.Next(len(chunk)), 1, bg.Volume())
			if err == nil {
				payload = mixed
			}
		}
		q.frames = append(q.frames, Frame{Kind: FrameMedia, Payload: payload})
	}
	q.mu.Unlock()
	q.kick()
}

// Mark enqueues a named marker the transport echoes once playback reaches it
func (q *Queue) Mark(name string) {
	q.Enqueue(Frame{Kind: FrameMark, Name: name})
	q.kick()
}

// Clear flushes the transport's playback buffer and empties the queue
func (q *Queue) Clear() error {
	q.mu.Lock()
	dropped := len(q.frames)
	q.frames = nil
	q.interimRemaining = 0
	q.mu.Unlock()

	q.logger.Debug().Int("dropped_frames", dropped).Msg("Clearing outbound audio")
	observability.RecordOutboundFrame("clear", 0)
	return q.sender.SendClear()
}

// HasInterim reports whether a filler sound is configured
func (q *Queue) HasInterim() bool {
	return q.opts.Interim != nil
}

// PlayInterimAudio mixes the filler sound into ambience ticks for up to
// seconds (clamped to 0..30), until foreground audio or Clear stops it.
func (q *Queue) PlayInterimAudio(seconds float64) {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > maxInterimSeconds {
		seconds = maxInterimSeconds
	}
	q.mu.Lock()
	q.interimRemaining = int(seconds * audio.SampleRate)
	q.mu.Unlock()
}

// InterimRemaining returns the bytes of filler still to play
func (q *Queue) InterimRemaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.interimRemaining
}

// fillAmbience enqueues one tick of background (plus filler while the
// countdown runs) when nothing else is queued. Foreground audio wins.
func (q *Queue) fillAmbience() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.frames) > 0 {
		return false
	}

	bg, interim := q.opts.Background, q.opts.Interim
	useInterim := interim != nil && q.interimRemaining > 0

	var frame []byte
	switch {
	case bg != nil && useInterim:
		frame, _ = audio.MixWithVolume(bg.Next(q.budget), interim.Next(q.budget), bg.Volume(), interim.Volume())
	case bg != nil:
		frame = audio.Volume(bg.Next(q.budget), bg.Volume())
	case useInterim:
		frame = audio.Volume(interim.Next(q.budget), interim.Volume())
	default:
		return false
	}
	if useInterim {
		q.interimRemaining -= q.budget
		if q.interimRemaining < 0 {
			q.interimRemaining = 0
		}
	}

	q.frames = append(q.frames, Frame{Kind: FrameMedia, Payload: frame})
	return true
}

// kick starts the drainer unless one is already running
func (q *Queue) kick() {
	q.mu.Lock()
	if q.draining || q.closed || len(q.frames) == 0 {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	go q.drain()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		f, ok := q.dequeueLocked()
		if !ok || q.closed {
			q.draining = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		if err := q.send(f); err != nil {
			q.logger.Warn().Err(err).Str("kind", f.Kind.String()).Msg("Failed to send outbound frame")
		}

		if f.Kind == FrameMedia && q.opts.RealtimePacing {
			pace := time.Duration(audio.DurationMs(len(f.Payload))) * time.Millisecond
			timer := time.NewTimer(pace)
			select {
			case <-timer.C:
			case <-q.done:
				timer.Stop()
			}
		}
	}
}

func (q *Queue) send(f Frame) error {
	observability.RecordOutboundFrame(f.Kind.String(), len(f.Payload))
	if f.Kind == FrameMark {
		return q.sender.SendMark(f.Name)
	}
	return q.sender.SendMedia(f.Payload)
}

// ChunkFrames splits buf into frameSize pieces. A trailing piece shorter
// than minFrame is merged into the one before it.
func ChunkFrames(buf []byte, frameSize, minFrame int) [][]byte {
	if len(buf) == 0 {
		return nil
	}
	if frameSize <= 0 || len(buf) <= frameSize {
		return [][]byte{buf}
	}

	var frames [][]byte
	for off := 0; off < len(buf); off += frameSize {
		end := off + frameSize
		if end > len(buf) {
			end = len(buf)
		}
		frames = append(frames, buf[off:end])
	}

	if n := len(frames); n > 1 && len(frames[n-1]) < minFrame {
		frames[n-2] = buf[(n-2)*frameSize:]
		frames = frames[:n-1]
	}
	return frames
}
