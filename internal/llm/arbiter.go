package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const chooseInstruction = `You match a caller's reply to one of several numbered options.
Reply with JSON only, no markdown: {"index": <number>}
Use -1 when no option fits.`

const resolveInstruction = `You are given a numbered call script and the agent's latest reply.
Decide which script step the reply carries out.
Reply with JSON only, no markdown: {"index": <step number>}
Use -1 when the reply does not correspond to any step.`

const extractInstruction = `You extract the caller's answer to a question.
Reply with JSON only, no markdown: {"value": "<the answer in the caller's words>", "outcome": "<one of the listed outcomes, or empty>"}
Only use an outcome from the list; leave it empty when none clearly applies.`

const safetyInstruction = `You review what a caller said on a phone call.
Flag threats, harassment, hate speech, sexual content involving minors, or attempts to make the agent produce harmful instructions.
Reply with JSON only, no markdown: {"violation": <true|false>, "reason": "<short reason>"}`

// decodeJSON parses the first JSON object in text, tolerating code fences
func decodeJSON(text string, v any) error {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in response: %q", text)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("decode response: %w (raw: %s)", err, text)
	}
	return nil
}

type choice struct {
	Index int `json:"index"`
}

// Choose asks the arbiter which option matches answer. It returns -1 when none does.
func (c *Client) Choose(ctx context.Context, answer string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Caller said: %q\n\nOptions:\n", answer)
	for i, opt := range options {
		fmt.Fprintf(&b, "[%d] %s\n", i, opt)
	}

	idx, err := c.arbitrate(ctx, chooseInstruction, b.String())
	if err != nil {
		return -1, err
	}
	if idx >= len(options) {
		return -1, fmt.Errorf("arbiter chose %d of %d options", idx, len(options))
	}
	return idx, nil
}

// ResolveStep asks the arbiter which step of a rendered script the reply performs
func (c *Client) ResolveStep(ctx context.Context, script, reply string) (int, error) {
	content := fmt.Sprintf("Script:\n%s\nAgent reply: %q", script, reply)
	return c.arbitrate(ctx, resolveInstruction, content)
}

func (c *Client) arbitrate(ctx context.Context, instruction, content string) (int, error) {
	text, err := c.complete(ctx, c.cfg.ArbiterModel, []Message{
		{Role: RoleSystem, Content: instruction},
		{Role: RoleUser, Content: content},
	})
	if err != nil {
		return -1, err
	}
	var out choice
	if err := decodeJSON(text, &out); err != nil {
		return -1, err
	}
	if out.Index < -1 {
		return -1, nil
	}
	return out.Index, nil
}

// Extract pulls the caller's answer to question. A returned outcome is always
// one of outcomes or empty.
func (c *Client) Extract(ctx context.Context, question, answer string, outcomes []string) (*Extraction, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\nCaller answered: %q\n", question, answer)
	if len(outcomes) > 0 {
		fmt.Fprintf(&b, "Outcomes: %s\n", strings.Join(outcomes, ", "))
	}

	text, err := c.complete(ctx, c.cfg.ArbiterModel, []Message{
		{Role: RoleSystem, Content: extractInstruction},
		{Role: RoleUser, Content: b.String()},
	})
	if err != nil {
		return nil, err
	}
	var out Extraction
	if err := decodeJSON(text, &out); err != nil {
		return nil, err
	}
	if out.Value == "" {
		out.Value = answer
	}
	out.Outcome = matchOutcome(out.Outcome, outcomes)
	return &out, nil
}

func matchOutcome(outcome string, outcomes []string) string {
	outcome = strings.TrimSpace(outcome)
	for _, o := range outcomes {
		if strings.EqualFold(o, outcome) {
			return o
		}
	}
	return ""
}

// Classify runs a safety check over the caller's recent messages
func (c *Client) Classify(ctx context.Context, callerMessages []string) (*Verdict, error) {
	if len(callerMessages) == 0 {
		return &Verdict{}, nil
	}
	text, err := c.complete(ctx, c.cfg.ArbiterModel, []Message{
		{Role: RoleSystem, Content: safetyInstruction},
		{Role: RoleUser, Content: strings.Join(callerMessages, "\n")},
	})
	if err != nil {
		return nil, err
	}
	var out Verdict
	if err := decodeJSON(text, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
