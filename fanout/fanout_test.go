package fanout

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryConsumerObservesTheSameOutcome(t *testing.T) {
	s := New()

	var got1, got2 atomic.Value
	s.Register("reconsolidation", func(ctx context.Context, o Outcome) error {
		got1.Store(o)
		return nil
	})
	s.Register("promotion", func(ctx context.Context, o Outcome) error {
		got2.Store(o)
		return nil
	})

	outcome := Outcome{
		OwnerID:        "alice",
		ConversationID: "conv-1",
		Reply:          "sure thing",
		RetrievedIDs:   []string{"r1", "r2"},
	}
	d := s.Dispatch(context.Background(), outcome)
	require.NoError(t, d.Wait(context.Background()))

	assert.Equal(t, outcome, got1.Load())
	assert.Equal(t, outcome, got2.Load())
	for _, u := range d.Units() {
		assert.Equal(t, StateCompleted, u.State())
	}
}

func TestFailureDoesNotBlockSibling(t *testing.T) {
	s := New()

	sentinel := errors.New("consumer exploded")
	s.Register("broken", func(ctx context.Context, o Outcome) error {
		return sentinel
	})
	var ran atomic.Bool
	s.Register("healthy", func(ctx context.Context, o Outcome) error {
		ran.Store(true)
		return nil
	})

	d := s.Dispatch(context.Background(), Outcome{OwnerID: "alice"})
	err := d.Wait(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.True(t, ran.Load())
	assert.Equal(t, StateFailed, d.Unit("broken").State())
	assert.ErrorIs(t, d.Unit("broken").Err(), sentinel)
	assert.Equal(t, StateCompleted, d.Unit("healthy").State())
}

func TestCancellingOneUnitSparesSiblings(t *testing.T) {
	s := New()

	block := make(chan struct{})
	s.Register("slow", func(ctx context.Context, o Outcome) error {
		select {
		case <-block:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	s.Register("quick", func(ctx context.Context, o Outcome) error {
		return nil
	})

	d := s.Dispatch(context.Background(), Outcome{OwnerID: "alice"})
	require.NoError(t, d.Unit("quick").Wait(context.Background()))

	d.Unit("slow").Cancel()
	err := d.Unit("slow").Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, d.Unit("slow").State())
	assert.Equal(t, StateCompleted, d.Unit("quick").State())
	close(block)
}

func TestTimedOutIsTerminalAndLateResultDiscarded(t *testing.T) {
	s := New(WithTimeout(20 * time.Millisecond))

	release := make(chan struct{})
	s.Register("laggard", func(ctx context.Context, o Outcome) error {
		<-release
		return nil
	})

	d := s.Dispatch(context.Background(), Outcome{OwnerID: "alice"})
	err := d.Unit("laggard").Wait(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateTimedOut, d.Unit("laggard").State())

	// The consumer eventually finishes; its success must not overwrite
	// the terminal state.
	close(release)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateTimedOut, d.Unit("laggard").State())
}

func TestDispatchWithNoConsumers(t *testing.T) {
	d := New().Dispatch(context.Background(), Outcome{OwnerID: "alice"})
	assert.Empty(t, d.Units())
	assert.NoError(t, d.Wait(context.Background()))
}

func TestWaitHonorsContext(t *testing.T) {
	s := New(WithTimeout(0))
	s.Register("stuck", func(ctx context.Context, o Outcome) error {
		<-ctx.Done()
		return ctx.Err()
	})

	d := s.Dispatch(context.Background(), Outcome{OwnerID: "alice"})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	d.Unit("stuck").Cancel()
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "scheduled", StateScheduled.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "completed", StateCompleted.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "timed_out", StateTimedOut.String())
	assert.True(t, StateTimedOut.Terminal())
	assert.False(t, StateRunning.Terminal())
}
