package llm

import "context"

// Role is the author of a prompt message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the prompt history
type Message struct {
	Role    Role
	Content string
}

// TokenHandler receives streamed completion text; returning an error stops the stream
type TokenHandler func(token string) error

// Provider is a chat-completion backend
type Provider interface {
	// Stream streams a completion, calling onToken for every text delta
	Stream(ctx context.Context, model string, messages []Message, onToken TokenHandler) error

	// Complete returns a whole completion
	Complete(ctx context.Context, model string, messages []Message) (string, error)
}

// Extraction is the structured answer pulled from a caller's reply
type Extraction struct {
	Value   string `json:"value"`
	Outcome string `json:"outcome"`
}

// Verdict is the result of a safety classification
type Verdict struct {
	Violation bool   `json:"violation"`
	Reason    string `json:"reason"`
}
