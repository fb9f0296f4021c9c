package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownEvent is returned for media stream events this gateway does not handle
var ErrUnknownEvent = errors.New("unknown media stream event")

// Event is one inbound media stream message: *ConnectedEvent, *StartEvent,
// *MediaEvent, *StopEvent or *MarkEvent
type Event interface {
	Name() string
}

// ConnectedEvent is the first message on a new stream
type ConnectedEvent struct {
	Protocol string
	Version  string
}

// StartEvent carries call metadata
type StartEvent struct {
	StreamSID        string
	CallSID          string
	AccountSID       string
	Tracks           []string
	CustomParameters map[string]string
}

// MediaEvent carries decoded μ-law audio from the caller
type MediaEvent struct {
	StreamSID string
	Track     string
	Timestamp string
	Payload   []byte
}

// StopEvent ends the stream
type StopEvent struct {
	StreamSID string
	CallSID   string
}

// MarkEvent echoes a mark once the audio queued before it has played
type MarkEvent struct {
	StreamSID string
	MarkName  string
}

func (*ConnectedEvent) Name() string { return "connected" }
func (*StartEvent) Name() string     { return "start" }
func (*MediaEvent) Name() string     { return "media" }
func (*StopEvent) Name() string      { return "stop" }
func (*MarkEvent) Name() string      { return "mark" }

// Custom parameter names passed on the stream's <Parameter> elements
const (
	ParamResponseID = "response_id"
	ParamAccountID  = "account_id"
	ParamFlowID     = "flow_id"
	ParamFrom       = "from"
	ParamAnsweredBy = "answered_by"
	ParamLanguage   = "language"
)

func (e *StartEvent) param(name string) string {
	return e.CustomParameters[name]
}

// ResponseID is the conversation record this call continues, if any
func (e *StartEvent) ResponseID() string { return e.param(ParamResponseID) }

// AccountID owning the call
func (e *StartEvent) AccountID() string { return e.param(ParamAccountID) }

// FlowID requested for a new conversation
func (e *StartEvent) FlowID() string { return e.param(ParamFlowID) }

// CallerNumber is the caller's phone number
func (e *StartEvent) CallerNumber() string { return e.param(ParamFrom) }

// Language requested for the call
func (e *StartEvent) Language() string { return e.param(ParamLanguage) }

// MachineLikely reports whether answering machine detection flagged the call
func (e *StartEvent) MachineLikely() bool {
	v := strings.ToLower(e.param(ParamAnsweredBy))
	return strings.HasPrefix(v, "machine") || v == "fax"
}

// wire formats
type inboundMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	Version   string `json:"version,omitempty"`
	Start     *struct {
		AccountSid       string            `json:"accountSid"`
		CallSid          string            `json:"callSid"`
		StreamSid        string            `json:"streamSid"`
		Tracks           []string          `json:"tracks"`
		CustomParameters map[string]string `json:"customParameters,omitempty"`
	} `json:"start,omitempty"`
	Media *struct {
		Track     string `json:"track"`
		Chunk     string `json:"chunk"`
		Timestamp string `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media,omitempty"`
	Stop *struct {
		AccountSid string `json:"accountSid"`
		CallSid    string `json:"callSid"`
	} `json:"stop,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// ParseEvent validates and decodes one inbound message
func ParseEvent(data []byte) (Event, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode media stream message: %w", err)
	}

	switch msg.Event {
	case "connected":
		return &ConnectedEvent{Protocol: msg.Protocol, Version: msg.Version}, nil

	case "start":
		if msg.Start == nil {
			return nil, fmt.Errorf("start event without start payload")
		}
		ev := &StartEvent{
			StreamSID:        msg.Start.StreamSid,
			CallSID:          msg.Start.CallSid,
			AccountSID:       msg.Start.AccountSid,
			Tracks:           msg.Start.Tracks,
			CustomParameters: msg.Start.CustomParameters,
		}
		if ev.StreamSID == "" {
			ev.StreamSID = msg.StreamSid
		}
		if ev.CustomParameters == nil {
			ev.CustomParameters = map[string]string{}
		}
		if ev.StreamSID == "" || ev.CallSID == "" {
			return nil, fmt.Errorf("start event missing stream or call sid")
		}
		return ev, nil

	case "media":
		if msg.Media == nil {
			return nil, fmt.Errorf("media event without media payload")
		}
		chunk := msg.Media.Payload
		if chunk == "" {
			chunk = msg.Media.Chunk
		}
		payload, err := base64.StdEncoding.DecodeString(chunk)
		if err != nil {
			return nil, fmt.Errorf("decode media payload: %w", err)
		}
		return &MediaEvent{
			StreamSID: msg.StreamSid,
			Track:     msg.Media.Track,
			Timestamp: msg.Media.Timestamp,
			Payload:   payload,
		}, nil

	case "stop":
		ev := &StopEvent{StreamSID: msg.StreamSid}
		if msg.Stop != nil {
			ev.CallSID = msg.Stop.CallSid
		}
		return ev, nil

	case "mark":
		if msg.Mark == nil || msg.Mark.Name == "" {
			return nil, fmt.Errorf("mark event without name")
		}
		return &MarkEvent{StreamSID: msg.StreamSid, MarkName: msg.Mark.Name}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// MediaMessage builds an outbound media message
func MediaMessage(streamSID string, audio []byte) any {
	m := outboundMedia{Event: "media", StreamSid: streamSID}
	m.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return m
}

// MarkMessage builds an outbound mark message
func MarkMessage(streamSID, name string) any {
	m := outboundMark{Event: "mark", StreamSid: streamSID}
	m.Mark.Name = name
	return m
}

// ClearMessage builds an outbound clear message
func ClearMessage(streamSID string) any {
	return outboundClear{Event: "clear", StreamSid: streamSID}
}
