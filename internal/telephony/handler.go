package telephony

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Media streams connect server-to-server without an Origin header
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Session consumes the events of one media stream
type Session interface {
	// Start is called once with the stream's start event
	Start(ctx context.Context, ev *StartEvent) error
	// HandleAudio receives caller audio
	HandleAudio(payload []byte)
	// HandleMark receives echoed mark names
	HandleMark(name string)
	// Stop ends the session; it must be safe to call more than once
	Stop()
}

// SessionFactory creates the session for a new stream, writing through w
type SessionFactory func(w *FrameWriter) Session

// HandleTwilioWS is the main entry point for media stream WebSocket connections
func HandleTwilioWS(factory SessionFactory, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Upgrade HTTP connection to WebSocket
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		writer := NewFrameWriter(conn)
		defer writer.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var session Session
		defer func() {
			if session != nil {
				session.Stop()
			}
		}()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn().Err(err).Msg("WebSocket read error")
				}
				return
			}

			ev, err := ParseEvent(message)
			if errors.Is(err, ErrUnknownEvent) {
				logger.Debug().Err(err).Msg("Ignoring media stream event")
				continue
			}
			if err != nil {
				logger.Error().Err(err).Msg("Failed to parse media stream message")
				continue
			}

			switch e := ev.(type) {
			case *ConnectedEvent:
				logger.Info().Str("protocol", e.Protocol).Str("version", e.Version).Msg("Media stream connected")

			case *StartEvent:
				if session != nil {
					logger.Warn().Str("stream_sid", e.StreamSID).Msg("Duplicate start event ignored")
					continue
				}
				writer.SetStreamSID(e.StreamSID)
				session = factory(writer)
				if err := session.Start(ctx, e); err != nil {
					logger.Error().Err(err).Str("call_sid", e.CallSID).Msg("Failed to start call session")
					return
				}

			case *MediaEvent:
				if session != nil {
					session.HandleAudio(e.Payload)
				}

			case *MarkEvent:
				if session != nil {
					session.HandleMark(e.MarkName)
				}

			case *StopEvent:
				logger.Info().Str("call_sid", e.CallSID).Msg("Media stream stopped")
				return
			}
		}
	}
}
