// Package fanout delivers one conversational turn outcome to every
// registered consumer. Each consumer gets its own independently cancellable
// unit of work: one consumer receiving the outcome never consumes it for
// another, one consumer failing never blocks another, and every unit's
// terminal state is observable through the returned dispatch handle.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is the value produced by one conversational turn.
type Outcome struct {
	OwnerID        string
	ConversationID string
	Query          string
	Reply          string
	RetrievedIDs   []string
}

// ConsumerFunc processes one outcome. It must honor ctx cancellation.
type ConsumerFunc func(ctx context.Context, o Outcome) error

// State tracks a unit through scheduled, running, and one terminal state.
type State int

const (
	StateScheduled State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimedOut
}

// Unit is one consumer's independently progressing piece of a dispatch.
type Unit struct {
	consumer string

	mu    sync.Mutex
	state State
	err   error

	done   chan struct{}
	cancel context.CancelFunc
}

// Consumer names the consumer this unit belongs to.
func (u *Unit) Consumer() string { return u.consumer }

// State returns the unit's current state.
func (u *Unit) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Err returns the failure cause once the unit is terminal.
func (u *Unit) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Cancel stops this unit only. Siblings keep running.
func (u *Unit) Cancel() {
	u.cancel()
}

// Wait blocks until the unit reaches a terminal state or ctx is done.
func (u *Unit) Wait(ctx context.Context) error {
	select {
	case <-u.done:
		return u.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// setRunning moves scheduled -> running. Returns false if a terminal state
// (cancellation before start) already won.
func (u *Unit) setRunning() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateScheduled {
		return false
	}
	u.state = StateRunning
	return true
}

// finish records the first terminal transition. Later arrivals, such as a
// consumer returning after its unit timed out, are discarded.
func (u *Unit) finish(state State, err error) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state.Terminal() {
		return false
	}
	u.state = state
	u.err = err
	close(u.done)
	return true
}

// Scheduler fans outcomes out to its registered consumers.
type Scheduler struct {
	mu        sync.RWMutex
	consumers []namedConsumer
	timeout   time.Duration
	log       zerolog.Logger
}

type namedConsumer struct {
	name string
	fn   ConsumerFunc
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithTimeout bounds each unit's run time. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.timeout = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		timeout: 30 * time.Second,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a consumer. Consumers registered after a dispatch do not
// receive that dispatch's outcome.
func (s *Scheduler) Register(name string, fn ConsumerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumers = append(s.consumers, namedConsumer{name: name, fn: fn})
}

// Dispatch hands the outcome to every registered consumer and returns a
// handle observing all of them. It never blocks on consumer work.
func (s *Scheduler) Dispatch(ctx context.Context, o Outcome) *Dispatch {
	s.mu.RLock()
	consumers := make([]namedConsumer, len(s.consumers))
	copy(consumers, s.consumers)
	s.mu.RUnlock()

	d := &Dispatch{units: make([]*Unit, 0, len(consumers))}
	for _, c := range consumers {
		unitCtx, cancel := context.WithCancel(ctx)
		unit := &Unit{
			consumer: c.name,
			state:    StateScheduled,
			done:     make(chan struct{}),
			cancel:   cancel,
		}
		d.units = append(d.units, unit)
		go s.run(unitCtx, unit, c, o)
	}
	return d
}

func (s *Scheduler) run(ctx context.Context, unit *Unit, c namedConsumer, o Outcome) {
	defer unit.cancel()

	if !unit.setRunning() {
		return
	}

	var timeout <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	result := make(chan error, 1)
	go func() {
		result <- c.fn(ctx, o)
	}()

	select {
	case err := <-result:
		if err != nil {
			unit.finish(StateFailed, err)
			s.log.Warn().Str("consumer", c.name).Err(err).Msg("consumer failed")
			return
		}
		unit.finish(StateCompleted, nil)
	case <-timeout:
		// Terminal regardless of whether the consumer finishes later;
		// a late result is discarded by finish.
		unit.finish(StateTimedOut, context.DeadlineExceeded)
		unit.cancel()
		s.log.Warn().Str("consumer", c.name).Dur("timeout", s.timeout).Msg("consumer timed out")
	case <-ctx.Done():
		unit.finish(StateFailed, ctx.Err())
	}
}

// Dispatch observes all units spawned for one outcome.
type Dispatch struct {
	units []*Unit
}

// Units returns the per-consumer units in registration order.
func (d *Dispatch) Units() []*Unit {
	return d.units
}

// Unit returns the unit for a named consumer, or nil.
func (d *Dispatch) Unit(consumer string) *Unit {
	for _, u := range d.units {
		if u.consumer == consumer {
			return u
		}
	}
	return nil
}

// Wait blocks until every unit is terminal, then returns the combined
// failures, if any.
func (d *Dispatch) Wait(ctx context.Context) error {
	var errs []error
	for _, u := range d.units {
		if err := u.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%s: %w", u.consumer, err))
		}
	}
	return errors.Join(errs...)
}
