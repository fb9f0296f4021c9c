package telephony

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned when writing to a closed stream
var ErrClosed = errors.New("media stream closed")

// jsonConn is the part of *websocket.Conn the writer uses
type jsonConn interface {
	WriteJSON(v any) error
}

// FrameWriter sends outbound frames on the media stream socket. gorilla
// connections allow one concurrent writer, so every write holds mu.
type FrameWriter struct {
	mu        sync.Mutex
	conn      jsonConn
	streamSID string
	closed    bool
}

// NewFrameWriter wraps a websocket connection
func NewFrameWriter(conn *websocket.Conn) *FrameWriter {
	return &FrameWriter{conn: conn}
}

// SetStreamSID sets the stream all frames are addressed to
func (w *FrameWriter) SetStreamSID(sid string) {
	w.mu.Lock()
	w.streamSID = sid
	w.mu.Unlock()
}

func (w *FrameWriter) write(build func(sid string) any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.conn.WriteJSON(build(w.streamSID))
}

// SendMedia sends μ-law audio
func (w *FrameWriter) SendMedia(audio []byte) error {
	return w.write(func(sid string) any { return MediaMessage(sid, audio) })
}

// SendMark sends a named mark
func (w *FrameWriter) SendMark(name string) error {
	return w.write(func(sid string) any { return MarkMessage(sid, name) })
}

// SendClear tells the transport to drop buffered audio
func (w *FrameWriter) SendClear() error {
	return w.write(func(sid string) any { return ClearMessage(sid) })
}

// Close stops further writes
func (w *FrameWriter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
