// Package providertest holds fakes for the provider interfaces. Tests
// script replies instead of reaching a live model.
package providertest

import (
	"context"
	"encoding/json"
	"sync"
)

// Call records one request made to the fake.
type Call struct {
	Instructions string
	Input        string
}

// LLM is a scripted provider.LLM. Replies are chosen by Script when set,
// otherwise popped from Queue in order. With neither, CompleteJSON falls
// back to the caller's default and Complete returns "".
type LLM struct {
	mu sync.Mutex

	// Script picks a reply per call. Instructions and input are the raw
	// request strings.
	Script func(instructions, input string) (string, error)

	// Queue is a FIFO of raw replies consumed when Script is nil.
	Queue []string

	// Err, when set, fails every call.
	Err error

	// Calls records every request in order.
	Calls []Call
}

// Complete returns the next scripted reply.
func (l *LLM) Complete(ctx context.Context, instructions, input string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.Calls = append(l.Calls, Call{Instructions: instructions, Input: input})
	if l.Err != nil {
		return "", l.Err
	}
	if l.Script != nil {
		return l.Script(instructions, input)
	}
	if len(l.Queue) > 0 {
		reply := l.Queue[0]
		l.Queue = l.Queue[1:]
		return reply, nil
	}
	return "", nil
}

// CompleteJSON decodes the next scripted reply into out, falling back to
// def on empty or malformed replies, mirroring the real provider contract.
func (l *LLM) CompleteJSON(ctx context.Context, instructions, input string, out, def any) error {
	reply, err := l.Complete(ctx, instructions, input)
	if err != nil {
		return err
	}
	if reply != "" {
		if jsonErr := json.Unmarshal([]byte(reply), out); jsonErr == nil {
			return nil
		}
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// CallCount reports how many requests the fake served.
func (l *LLM) CallCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Calls)
}
