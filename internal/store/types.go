package store

import (
	"context"
	"errors"
	"time"

	"github.com/NithinThadem/branch-deployments-sub001/internal/flow"
)

// ErrNotFound is returned when a conversation, flow or account does not exist
var ErrNotFound = errors.New("not found")

// Status is the lifecycle status of a conversation
type Status string

const (
	StatusInProgress  Status = "IN_PROGRESS"
	StatusEnded       Status = "ENDED"
	StatusTransferred Status = "TRANSFERRED"
	StatusFailed      Status = "FAILED"
	StatusNoAnswer    Status = "NO_ANSWER"
	StatusViolation   Status = "VIOLATION"
	StatusVoicemail   Status = "VOICEMAIL"
)

// Author of a turn
type Author string

const (
	AuthorUser   Author = "user"
	AuthorAI     Author = "ai"
	AuthorSystem Author = "system"
)

// Turn is one utterance in the conversation history
type Turn struct {
	ID        string    `json:"id"`
	Author    Author    `json:"author"`
	Text      string    `json:"text"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	AudioRef  string    `json:"audio_ref,omitempty"`
	// NodeID is the flow node this turn completed, if resolved
	NodeID string `json:"node_id,omitempty"`
}

// DataPoint is a structured answer captured at a question node
type DataPoint struct {
	NodeID    string    `json:"node_id"`
	Question  string    `json:"question"`
	Value     string    `json:"value"`
	Outcome   string    `json:"outcome,omitempty"`
	Strict    bool      `json:"strict"` // outcome is one of the node's listed outcomes
	CreatedAt time.Time `json:"created_at"`
}

// Account owns flows and conversations
type Account struct {
	ID            string
	Name          string
	VoiceID       string
	Language      string
	KnowledgeBase bool
}

// Conversation is the persisted record of one call
type Conversation struct {
	ID           string
	AccountID    string
	FlowID       string
	CallID       string
	StreamID     string
	CallerNumber string
	Status       Status
	EndReason    string
	LastNodeID   string
	Bindings     map[string]string
	Turns        []Turn
	DataPoints   []DataPoint
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.Bindings = cloneMap(c.Bindings)
	cp.Metadata = cloneMap(c.Metadata)
	cp.Turns = append([]Turn(nil), c.Turns...)
	cp.DataPoints = append([]DataPoint(nil), c.DataPoints...)
	return &cp
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Record is a conversation loaded with its relations
type Record struct {
	Conversation *Conversation
	Flow         *flow.Graph
	Account      *Account
}

// Store persists conversation records
type Store interface {
	// Load returns the conversation with its flow and account
	Load(ctx context.Context, id string) (*Record, error)

	// Create inserts a new conversation and returns it with its relations
	Create(ctx context.Context, conv *Conversation) (*Record, error)

	// Save writes turns, node pointer, bindings, status and metadata
	Save(ctx context.Context, conv *Conversation) error

	// Ping checks connectivity
	Ping(ctx context.Context) error

	Close()
}
