package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NithinThadem/branch-deployments-sub001/internal/flow"
)

// Memory is an in-process Store for local runs and tests
type Memory struct {
	mu            sync.RWMutex
	flows         map[string]*flow.Graph
	accounts      map[string]*Account
	conversations map[string]*Conversation
}

// NewMemory creates a store holding the given flows and accounts
func NewMemory(flows []*flow.Graph, accounts ...*Account) *Memory {
	m := &Memory{
		flows:         make(map[string]*flow.Graph, len(flows)),
		accounts:      make(map[string]*Account, len(accounts)),
		conversations: make(map[string]*Conversation),
	}
	for _, g := range flows {
		m.flows[g.ID] = g
	}
	for _, a := range accounts {
		m.accounts[a.ID] = a
	}
	return m
}

// LoadMemory reads flows from a YAML file with a top-level flows list
func LoadMemory(path string, accounts ...*Account) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open flow file: %w", err)
	}
	defer f.Close()

	flows, err := flow.DecodeYAMLSet(f)
	if err != nil {
		return nil, err
	}
	return NewMemory(flows, accounts...), nil
}

func (m *Memory) record(conv *Conversation) (*Record, error) {
	g, ok := m.flows[conv.FlowID]
	if !ok {
		return nil, fmt.Errorf("flow %q: %w", conv.FlowID, ErrNotFound)
	}
	acct, ok := m.accounts[conv.AccountID]
	if !ok {
		acct = &Account{ID: conv.AccountID}
	}
	return &Record{Conversation: conv.Clone(), Flow: g, Account: acct}, nil
}

// Load returns a copy of the stored conversation
func (m *Memory) Load(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	return m.record(conv)
}

// Create stores a new conversation, assigning an id when empty
func (m *Memory) Create(ctx context.Context, conv *Conversation) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = StatusInProgress
	}
	now := time.Now()
	conv.CreatedAt, conv.UpdatedAt = now, now

	rec, err := m.record(conv)
	if err != nil {
		return nil, err
	}
	m.conversations[conv.ID] = conv.Clone()
	return rec, nil
}

// Save replaces the stored copy
func (m *Memory) Save(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[conv.ID]; !ok {
		return fmt.Errorf("conversation %q: %w", conv.ID, ErrNotFound)
	}
	conv.UpdatedAt = time.Now()
	m.conversations[conv.ID] = conv.Clone()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() {}
