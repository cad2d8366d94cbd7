// Package lifecycle composes the store, providers, ranker, consolidation
// engine and fan-out scheduler behind one facade. It owns the orchestration
// rules the pieces themselves stay agnostic of: write decisions before
// inserts, usage bookkeeping after retrieval, and the verified reset.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openmem/mnemo/consolidate"
	"github.com/openmem/mnemo/fanout"
	"github.com/openmem/mnemo/narrative"
	"github.com/openmem/mnemo/provider"
	"github.com/openmem/mnemo/rank"
	"github.com/openmem/mnemo/reconsolidate"
	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store"
)

// ErrInvalidRequest marks a call rejected before touching the store, such
// as a missing owner or record id.
var ErrInvalidRequest = errors.New("invalid request")

// Consumer names registered on the fan-out scheduler.
const (
	ConsumerReconsolidate = "reconsolidate"
	ConsumerPromote       = "promote"
)

// Memory is the lifecycle orchestrator.
type Memory struct {
	store    store.Store
	embedder provider.Embedder
	llm      provider.LLM

	ranker  *rank.Ranker
	engine  *consolidate.Engine
	updater *reconsolidate.Updater
	grouper *narrative.Grouper
	fan     *fanout.Scheduler

	// locks serializes the background consumers per record id so one
	// consumer's read-modify-write cannot erase the other's.
	locks sync.Map

	promoteUsage int64
	log          zerolog.Logger
	now          func() time.Time
}

// Option configures the orchestrator.
type Option func(*settings)

type settings struct {
	rankCfg        rank.Config
	consolidateCfg consolidate.Config
	narrativeCfg   narrative.Config
	fanoutTimeout  time.Duration
	promoteUsage   int64
	log            zerolog.Logger
	now            func() time.Time
}

// WithRankConfig overrides the ranker weights.
func WithRankConfig(cfg rank.Config) Option {
	return func(s *settings) { s.rankCfg = cfg }
}

// WithConsolidateConfig overrides the consolidation thresholds and windows.
func WithConsolidateConfig(cfg consolidate.Config) Option {
	return func(s *settings) { s.consolidateCfg = cfg }
}

// WithNarrativeConfig overrides the narrative grouping tuning.
func WithNarrativeConfig(cfg narrative.Config) Option {
	return func(s *settings) { s.narrativeCfg = cfg }
}

// WithFanoutTimeout bounds each background consumer. Zero disables the bound.
func WithFanoutTimeout(d time.Duration) Option {
	return func(s *settings) { s.fanoutTimeout = d }
}

// WithPromotionUsageThreshold sets the retrieval count beyond which an
// episodic record is marked as a promotion candidate.
func WithPromotionUsageThreshold(n int64) Option {
	return func(s *settings) { s.promoteUsage = n }
}

// WithLogger sets the structured logger shared by all owned components.
func WithLogger(log zerolog.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// New wires the orchestrator and registers the background consumers.
func New(s store.Store, embedder provider.Embedder, llm provider.LLM, opts ...Option) *Memory {
	cfg := settings{
		rankCfg:        rank.DefaultConfig(),
		consolidateCfg: consolidate.DefaultConfig(),
		narrativeCfg:   narrative.DefaultConfig(),
		fanoutTimeout:  30 * time.Second,
		promoteUsage:   10,
		log:            zerolog.Nop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Memory{
		store:    s,
		embedder: embedder,
		llm:      llm,
		ranker: rank.New(s,
			rank.WithConfig(cfg.rankCfg),
			rank.WithLogger(cfg.log),
			rank.WithClock(cfg.now),
		),
		engine: consolidate.New(s, embedder, llm,
			consolidate.WithConfig(cfg.consolidateCfg),
			consolidate.WithLogger(cfg.log),
			consolidate.WithClock(cfg.now),
		),
		updater: reconsolidate.New(s, embedder, llm,
			reconsolidate.WithLogger(cfg.log),
			reconsolidate.WithClock(cfg.now),
		),
		grouper: narrative.New(s,
			narrative.WithConfig(cfg.narrativeCfg),
			narrative.WithLogger(cfg.log),
		),
		fan: fanout.New(
			fanout.WithTimeout(cfg.fanoutTimeout),
			fanout.WithLogger(cfg.log),
		),
		promoteUsage: cfg.promoteUsage,
		log:          cfg.log.With().Str("component", "lifecycle").Logger(),
		now:          cfg.now,
	}
	m.fan.Register(ConsumerReconsolidate, m.reconsolidateRetrieved)
	m.fan.Register(ConsumerPromote, m.markPromotionCandidates)
	return m
}

// lockRecord takes the per-record lock and returns its release. Record
// ids are UUIDs, so one id space covers all owners.
func (m *Memory) lockRecord(id string) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Update writes back a caller-modified record, regenerating the embedding
// when the text changed.
func (m *Memory) Update(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if rec == nil || rec.OwnerID == "" || rec.ID == "" {
		return nil, fmt.Errorf("update: owner and record id are required: %w", ErrInvalidRequest)
	}

	stored, err := m.store.Get(ctx, rec.OwnerID, rec.ID)
	if err != nil {
		return nil, err
	}

	updated := rec.Clone()
	if updated.Text != stored.Text {
		vecs, err := m.embedder.Embed(ctx, []string{updated.Text})
		if err != nil {
			return nil, err
		}
		updated.Embedding = vecs[0]
	}
	if err := m.store.Update(ctx, updated); err != nil {
		return nil, err
	}
	m.log.Debug().Str("record", updated.ID).Msg("record updated")
	return updated, nil
}

// DeleteRecord removes one record.
func (m *Memory) DeleteRecord(ctx context.Context, owner, id string) error {
	if owner == "" || id == "" {
		return fmt.Errorf("delete: owner and record id are required: %w", ErrInvalidRequest)
	}
	return m.store.Delete(ctx, owner, id)
}

// Reset removes every record the owner has and returns how many were
// deleted. The count comes from counting before and verifying emptiness
// after, not from the delete call's own report.
func (m *Memory) Reset(ctx context.Context, owner string) (int, error) {
	if owner == "" {
		return 0, fmt.Errorf("reset: owner is required: %w", ErrInvalidRequest)
	}

	before, err := m.store.Count(ctx, owner, nil)
	if err != nil {
		return 0, err
	}
	if _, err := m.store.DeleteWhere(ctx, owner, nil); err != nil {
		return 0, err
	}
	remaining, err := m.store.Count(ctx, owner, nil)
	if err != nil {
		return 0, err
	}
	if remaining != 0 {
		return before - remaining, fmt.Errorf("reset %s: %d records survived the delete", owner, remaining)
	}
	m.log.Info().Str("owner", owner).Int("deleted", before).Msg("owner reset")
	return before, nil
}

// Consolidate runs one consolidation pass over the owner's episodic set.
func (m *Memory) Consolidate(ctx context.Context, owner string) (*consolidate.Summary, error) {
	if owner == "" {
		return nil, fmt.Errorf("consolidate: owner is required: %w", ErrInvalidRequest)
	}
	return m.engine.Run(ctx, owner)
}
