package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/NithinThadem/branch-deployments-sub001/internal/flow"
	"github.com/NithinThadem/branch-deployments-sub001/internal/resilience"
)

const maxResponseBytes = 64 << 10

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Result is the outcome of one external call
type Result struct {
	NodeID string
	Name   string
	Status int
	// Values holds top-level fields of a JSON object response
	Values map[string]string
	// Summary is what gets bound to the node for the prompt
	Summary string
}

// Runner executes node side-effect functions
type Runner struct {
	client *http.Client
	retry  *resilience.RetryConfig
	logger zerolog.Logger
}

// NewRunner creates a runner. A nil client uses a 10s timeout default client.
func NewRunner(client *http.Client, retry *resilience.RetryConfig, logger zerolog.Logger) *Runner {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &Runner{
		client: client,
		retry:  retry,
		logger: logger.With().Str("component", "actions").Logger(),
	}
}

// Expand replaces {{node_id}} references with bound values; unknown ids become empty
func Expand(tmpl string, bindings map[string]string) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		return bindings[key]
	})
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("external call returned %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return resilience.IsRetryableNetworkError(err)
}

// Execute runs node's external call with bindings substituted into its URL,
// headers and body
func (r *Runner) Execute(ctx context.Context, node *flow.Node, bindings map[string]string) (*Result, error) {
	if !node.IsExternalCall() {
		return nil, fmt.Errorf("node %q has no external call", node.ID)
	}
	fn := node.Function

	method := strings.ToUpper(fn.Method)
	if method == "" {
		method = http.MethodPost
	}
	target := Expand(fn.URL, bindings)
	body := make(map[string]string, len(fn.Body))
	for k, v := range fn.Body {
		body[k] = Expand(v, bindings)
	}

	var payload []byte
	if method == http.MethodGet || method == http.MethodDelete {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("parse url: %w", err)
		}
		q := u.Query()
		for k, v := range body {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		target = u.String()
	} else {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
	}

	var status int
	var raw []byte
	err := resilience.Retry(ctx, r.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range fn.Headers {
			req.Header.Set(k, Expand(v, bindings))
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return &statusError{code: resp.StatusCode, body: string(data)}
		}
		status, raw = resp.StatusCode, data
		return nil
	}, retryable)
	if err != nil {
		r.logger.Warn().Err(err).Str("node_id", node.ID).Str("url", target).Msg("External call failed")
		return nil, err
	}

	res := &Result{
		NodeID:  node.ID,
		Name:    fn.Name,
		Status:  status,
		Values:  flatten(raw),
		Summary: summarize(raw),
	}
	r.logger.Info().Str("node_id", node.ID).Str("name", fn.Name).Int("status", status).Msg("External call complete")
	return res, nil
}

func flatten(raw []byte) map[string]string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		default:
			b, _ := json.Marshal(t)
			out[k] = string(b)
		}
	}
	return out
}

const maxSummary = 500

// summarize collapses whitespace and caps the text at maxSummary bytes
// without splitting a rune
func summarize(raw []byte) string {
	s := strings.Join(strings.Fields(string(raw)), " ")
	if len(s) <= maxSummary {
		return s
	}
	cut := maxSummary
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
