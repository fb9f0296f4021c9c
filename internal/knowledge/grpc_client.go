package knowledge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/NithinThadem/branch-deployments-sub001/internal/resilience"
)

const (
	serviceName  = "knowledge.v1.KnowledgeBase"
	searchMethod = "/" + serviceName + "/Search"
)

// Passage is one similarity match
type Passage struct {
	Text   string
	Source string
	Score  float64
}

// Client queries the knowledge base over gRPC. Messages are google.protobuf.Struct
// so no generated stubs are needed.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	retry   *resilience.RetryConfig
	logger  zerolog.Logger
}

// NewClient creates a knowledge base client for target
func NewClient(target string, timeout time.Duration, logger zerolog.Logger, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		// Keepalive settings for long-lived connections
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial knowledge base at %s: %w", target, err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Client{
		conn:    conn,
		timeout: timeout,
		retry: &resilience.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    50 * time.Millisecond,
			MaxBackoff:        500 * time.Millisecond,
			BackoffMultiplier: 2.0,
			AttemptTimeout:    timeout,
		},
		logger: logger.With().Str("component", "knowledge").Logger(),
	}, nil
}

// Search returns up to topK passages similar to query
func (c *Client) Search(ctx context.Context, accountID, query string, topK int) ([]Passage, error) {
	req, err := structpb.NewStruct(map[string]any{
		"account_id": accountID,
		"query":      query,
		"top_k":      topK,
	})
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}

	resp := &structpb.Struct{}
	err = resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.conn.Invoke(ctx, searchMethod, req, resp)
	}, resilience.IsRetryableNetworkError)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}

	results := resp.GetFields()["results"].GetListValue().GetValues()
	passages := make([]Passage, 0, len(results))
	for _, v := range results {
		fields := v.GetStructValue().GetFields()
		passages = append(passages, Passage{
			Text:   fields["text"].GetStringValue(),
			Source: fields["source"].GetStringValue(),
			Score:  fields["score"].GetNumberValue(),
		})
	}

	c.logger.Debug().Int("passages", len(passages)).Msg("Knowledge search complete")
	return passages, nil
}

// HealthCheck reports whether the knowledge base is serving
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	return c.conn.Close()
}
