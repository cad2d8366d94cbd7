// Package anthropic implements provider.LLM on top of the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"

	"github.com/openmem/mnemo/provider"
)

const defaultModel = "claude-sonnet-4-20250514"

// LLM calls the Anthropic Messages API with retry. It satisfies
// provider.LLM.
type LLM struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	retry     provider.RetryPolicy
	log       zerolog.Logger
}

// Option configures the client.
type Option func(*LLM)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(l *LLM) {
		l.model = model
	}
}

// WithMaxTokens caps the response size.
func WithMaxTokens(n int64) Option {
	return func(l *LLM) {
		l.maxTokens = n
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p provider.RetryPolicy) Option {
	return func(l *LLM) {
		l.retry = p
	}
}

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(l *LLM) {
		l.log = log
	}
}

// New wraps an Anthropic client.
func New(client *anthropic.Client, opts ...Option) *LLM {
	l := &LLM{
		client:    client,
		model:     defaultModel,
		maxTokens: 4096,
		retry:     provider.DefaultRetryPolicy(),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Complete sends a single-turn message and returns the concatenated text
// blocks. Transport failures are retried; exhaustion returns
// provider.ErrUnavailable.
func (l *LLM) Complete(ctx context.Context, instructions, input string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(l.model),
		MaxTokens: l.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(input)),
		},
		System: []anthropic.TextBlockParam{
			{Text: instructions},
		},
	}

	var resp *anthropic.Message
	err := l.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = l.client.Messages.New(ctx, params)
		return callErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", &provider.UnavailableError{Model: l.model, Attempts: l.retry.MaxAttempts, Err: err}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// CompleteJSON asks for strict JSON and decodes the reply into out. A
// malformed reply falls back to def after logging; only transport failures
// are errors.
func (l *LLM) CompleteJSON(ctx context.Context, instructions, input string, out, def any) error {
	instructions += "\n\nRespond with a single JSON object and nothing else. No prose, no code fences."

	raw, err := l.Complete(ctx, instructions, input)
	if err != nil {
		return err
	}

	cleaned := StripFences(raw)
	if jsonErr := json.Unmarshal([]byte(cleaned), out); jsonErr != nil {
		l.log.Warn().
			Str("model", l.model).
			Err(jsonErr).
			Str("reply", truncate(raw, 200)).
			Msg("malformed JSON reply, using default")
		return applyDefault(out, def)
	}
	return nil
}

// StripFences removes a surrounding markdown code fence if present. Models
// add them despite instructions, so decoding tolerates both shapes.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// applyDefault copies def into out through a JSON round trip so out keeps
// its concrete type.
func applyDefault(out, def any) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal default: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("apply default: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
