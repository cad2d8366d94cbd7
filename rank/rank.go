// Package rank turns raw vector similarity into the hybrid retrieval score
// used everywhere a "closest memories" answer is needed. The score favors
// semantic records slightly, decays episodic records with age, and gives a
// small boost to memories that keep getting retrieved.
package rank

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store"
)

// Config holds the scoring weights. Defaults reproduce production
// behavior; changing them only reorders results, never hides them.
type Config struct {
	// SemanticWeight multiplies semantic record scores.
	SemanticWeight float64

	// DecayRate scales episodic age decay: decay = 1/(1+ageDays*DecayRate).
	DecayRate float64

	// UsageEpsilon scales the log-usage boost.
	UsageEpsilon float64
}

// DefaultConfig returns the production weights.
func DefaultConfig() Config {
	return Config{
		SemanticWeight: 1.2,
		DecayRate:      0.1,
		UsageEpsilon:   0.01,
	}
}

// Ranker searches both record kinds and merges the hits under one score.
type Ranker struct {
	store store.Store
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
}

// Option configures the ranker.
type Option func(*Ranker)

// WithConfig replaces the default weights.
func WithConfig(cfg Config) Option {
	return func(r *Ranker) {
		r.cfg = cfg
	}
}

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(r *Ranker) {
		r.log = log
	}
}

// WithClock overrides the time source. Tests use it to pin age decay.
func WithClock(now func() time.Time) Option {
	return func(r *Ranker) {
		r.now = now
	}
}

// New creates a ranker over the given store.
func New(s store.Store, opts ...Option) *Ranker {
	r := &Ranker{
		store: s,
		cfg:   DefaultConfig(),
		log:   zerolog.Nop(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search retrieves up to kEpisodic episodic and kSemantic semantic records
// near the query vector and returns them ordered by descending hybrid
// score. Ties order by record ID so results are deterministic.
func (r *Ranker) Search(ctx context.Context, owner string, queryVec []float32, kEpisodic, kSemantic int) ([]record.Scored, error) {
	now := r.now()

	var hits []store.Hit
	if kEpisodic > 0 {
		episodic, err := r.store.SearchVector(ctx, owner, queryVec, record.KindEpisodic, kEpisodic)
		if err != nil {
			return nil, err
		}
		hits = append(hits, episodic...)
	}
	if kSemantic > 0 {
		semantic, err := r.store.SearchVector(ctx, owner, queryVec, record.KindSemantic, kSemantic)
		if err != nil {
			return nil, err
		}
		hits = append(hits, semantic...)
	}

	scored := make([]record.Scored, 0, len(hits))
	for _, hit := range hits {
		scored = append(scored, record.Scored{
			Record: hit.Record,
			Score:  r.Score(hit.Record, hit.Similarity, now),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})

	r.log.Debug().Str("owner", owner).Int("results", len(scored)).Msg("search ranked")
	return scored, nil
}

// Score computes the hybrid score for one record. It is strictly
// increasing in similarity and usage count, and for episodic records
// strictly decreasing in age.
func (r *Ranker) Score(rec *record.Record, similarity float64, now time.Time) float64 {
	score := similarity

	if rec.Kind == record.KindSemantic {
		score *= r.cfg.SemanticWeight
	} else {
		ageDays := now.Sub(time.Unix(rec.CreatedAt, 0)).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		score *= 1 / (1 + ageDays*r.cfg.DecayRate)
	}

	score += r.cfg.UsageEpsilon * math.Log1p(float64(rec.UsageCount))
	return score
}
