// Package provider defines the model-facing interfaces the lifecycle engine
// depends on: text embedding and LLM completion. Implementations live in
// subpackages; callers only see these interfaces so every provider can be
// swapped for a deterministic fake in tests.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Embedder converts texts into fixed-dimension vectors. Implementations must
// return one vector per input text, each of length Dimensions.
type Embedder interface {
	// Embed embeds a batch of texts. Order is preserved.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector size this embedder produces.
	Dimensions() int
}

// LLM is a chat completion provider.
type LLM interface {
	// Complete sends instructions plus input and returns the raw text reply.
	Complete(ctx context.Context, instructions, input string) (string, error)

	// CompleteJSON asks for a JSON reply and decodes it into out. A reply
	// that is not valid JSON for out is not an error: the provided default
	// is copied into out instead and the malformed reply is logged. Only
	// transport-level failures surface as errors.
	CompleteJSON(ctx context.Context, instructions, input string, out, def any) error
}

// ErrUnavailable marks a provider that could not be reached after all retry
// attempts. Callers match it with errors.Is.
var ErrUnavailable = errors.New("provider unavailable")

// UnavailableError wraps the last transport error after retries ran out.
type UnavailableError struct {
	Model    string
	Attempts int
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable after %d attempts: %v", e.Model, e.Attempts, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnavailable) match.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }
