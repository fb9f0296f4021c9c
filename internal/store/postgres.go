package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/NithinThadem/branch-deployments-sub001/internal/flow"
	"github.com/NithinThadem/branch-deployments-sub001/internal/resilience"
)

const loadConversationSQL = `
SELECT c.id, c.account_id, c.flow_id, c.call_id, c.stream_id, c.caller_number,
       c.status, c.end_reason, c.last_node_id, c.bindings, c.turns, c.data_points,
       c.metadata, c.created_at, c.updated_at,
       f.definition,
       a.name, a.voice_id, a.language, a.knowledge_base
FROM conversations c
JOIN flows f ON f.id = c.flow_id
JOIN accounts a ON a.id = c.account_id
WHERE c.id = $1`

const insertConversationSQL = `
INSERT INTO conversations (id, account_id, flow_id, call_id, stream_id, caller_number,
    status, end_reason, last_node_id, bindings, turns, data_points, metadata, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`

const saveConversationSQL = `
UPDATE conversations
SET call_id = $2, stream_id = $3, status = $4, end_reason = $5, last_node_id = $6,
    bindings = $7, turns = $8, data_points = $9, metadata = $10, updated_at = $11
WHERE id = $1`

// Postgres is a Store backed by a pgx connection pool
type Postgres struct {
	pool   *pgxpool.Pool
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewPostgres connects to databaseURL
func NewPostgres(ctx context.Context, databaseURL string, retry *resilience.RetryConfig, logger zerolog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &Postgres{
		pool:   pool,
		retry:  retry,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

type jsonColumns struct {
	bindings, turns, dataPoints, metadata []byte
}

func encodeColumns(conv *Conversation) (*jsonColumns, error) {
	var cols jsonColumns
	var err error
	if cols.bindings, err = json.Marshal(nonNil(conv.Bindings)); err != nil {
		return nil, err
	}
	if cols.turns, err = json.Marshal(conv.Turns); err != nil {
		return nil, err
	}
	if cols.dataPoints, err = json.Marshal(conv.DataPoints); err != nil {
		return nil, err
	}
	if cols.metadata, err = json.Marshal(nonNil(conv.Metadata)); err != nil {
		return nil, err
	}
	return &cols, nil
}

func (cols *jsonColumns) decode(conv *Conversation) error {
	for _, c := range []struct {
		raw  []byte
		into any
	}{
		{cols.bindings, &conv.Bindings},
		{cols.turns, &conv.Turns},
		{cols.dataPoints, &conv.DataPoints},
		{cols.metadata, &conv.Metadata},
	} {
		if len(c.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(c.raw, c.into); err != nil {
			return err
		}
	}
	if conv.Bindings == nil {
		conv.Bindings = make(map[string]string)
	}
	return nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// Load returns the conversation joined with its flow and account
func (p *Postgres) Load(ctx context.Context, id string) (*Record, error) {
	var (
		conv       Conversation
		acct       Account
		cols       jsonColumns
		definition []byte
		status     string
	)
	err := resilience.Retry(ctx, p.retry, func(ctx context.Context) error {
		return p.pool.QueryRow(ctx, loadConversationSQL, id).Scan(
			&conv.ID, &conv.AccountID, &conv.FlowID, &conv.CallID, &conv.StreamID, &conv.CallerNumber,
			&status, &conv.EndReason, &conv.LastNodeID, &cols.bindings, &cols.turns, &cols.dataPoints,
			&cols.metadata, &conv.CreatedAt, &conv.UpdatedAt,
			&definition,
			&acct.Name, &acct.VoiceID, &acct.Language, &acct.KnowledgeBase,
		)
	}, func(err error) bool {
		return !errors.Is(err, pgx.ErrNoRows) && resilience.IsRetryableNetworkError(err)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	conv.Status = Status(status)
	if err := cols.decode(&conv); err != nil {
		return nil, fmt.Errorf("decode conversation %q: %w", id, err)
	}
	g, err := flow.DecodeJSON(definition)
	if err != nil {
		return nil, fmt.Errorf("flow %q: %w", conv.FlowID, err)
	}
	acct.ID = conv.AccountID

	return &Record{Conversation: &conv, Flow: g, Account: &acct}, nil
}

// Create inserts conv and loads it back with relations
func (p *Postgres) Create(ctx context.Context, conv *Conversation) (*Record, error) {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Status == "" {
		conv.Status = StatusInProgress
	}
	cols, err := encodeColumns(conv)
	if err != nil {
		return nil, fmt.Errorf("encode conversation: %w", err)
	}

	_, err = p.pool.Exec(ctx, insertConversationSQL,
		conv.ID, conv.AccountID, conv.FlowID, conv.CallID, conv.StreamID, conv.CallerNumber,
		string(conv.Status), conv.EndReason, conv.LastNodeID,
		cols.bindings, cols.turns, cols.dataPoints, cols.metadata, time.Now())
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return p.Load(ctx, conv.ID)
}

// Save updates the mutable columns of conv
func (p *Postgres) Save(ctx context.Context, conv *Conversation) error {
	cols, err := encodeColumns(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	var affected int64
	err = resilience.Retry(ctx, p.retry, func(ctx context.Context) error {
		tag, err := p.pool.Exec(ctx, saveConversationSQL,
			conv.ID, conv.CallID, conv.StreamID, string(conv.Status), conv.EndReason, conv.LastNodeID,
			cols.bindings, cols.turns, cols.dataPoints, cols.metadata, time.Now())
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	}, resilience.IsRetryableNetworkError)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("conversation %q: %w", conv.ID, ErrNotFound)
	}

	p.logger.Debug().Str("response_id", conv.ID).Int("turns", len(conv.Turns)).Msg("Conversation saved")
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}
