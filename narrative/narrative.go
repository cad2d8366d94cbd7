// Package narrative threads an owner's episodic records into narrative
// groups by centroid similarity. Membership lives in each record's
// attribute bag, so groups have no storage of their own: a group's
// centroid is derived from its members on demand and deleting a member
// needs no cleanup pass.
package narrative

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store"
)

// DefaultThreshold is the minimum centroid similarity for a record to
// join an existing group instead of founding a new one.
const DefaultThreshold = 0.6

// Config tunes group assignment.
type Config struct {
	// Threshold is the attach similarity cutoff.
	Threshold float64
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold}
}

// Grouper assigns episodic records to narrative groups.
type Grouper struct {
	store store.Store
	cfg   Config
	log   zerolog.Logger
}

// Option configures the grouper.
type Option func(*Grouper)

// WithConfig overrides the default tuning.
func WithConfig(cfg Config) Option {
	return func(g *Grouper) {
		if cfg.Threshold > 0 {
			g.cfg = cfg
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Grouper) {
		g.log = log.With().Str("component", "narrative").Logger()
	}
}

// New creates a grouper.
func New(s store.Store, opts ...Option) *Grouper {
	g := &Grouper{
		store: s,
		cfg:   DefaultConfig(),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Assign threads the record into the nearest narrative group, founding a
// new one when no centroid is close enough, and persists the membership.
// An already grouped record keeps its group. Returns the group id.
func (g *Grouper) Assign(ctx context.Context, rec *record.Record) (string, error) {
	if rec == nil || rec.ID == "" {
		return "", fmt.Errorf("narrative: record is required")
	}
	if rec.Kind != record.KindEpisodic {
		return "", fmt.Errorf("narrative %s: %w", rec.ID, record.ErrKindMismatch)
	}
	if len(rec.Embedding) == 0 {
		return "", fmt.Errorf("narrative %s: record has no embedding", rec.ID)
	}
	if id := rec.Attributes.String(record.AttrNarrativeGroup); id != "" {
		return id, nil
	}

	cents, err := g.centroids(ctx, rec.OwnerID)
	if err != nil {
		return "", err
	}

	bestID, bestSim := "", g.cfg.Threshold
	for id, c := range cents {
		if sim := cosine(rec.Embedding, c); sim >= bestSim {
			bestID, bestSim = id, sim
		}
	}
	founded := bestID == ""
	if founded {
		bestID = uuid.New().String()
	}

	if rec.Attributes == nil {
		rec.Attributes = record.Attributes{}
	}
	rec.Attributes[record.AttrNarrativeGroup] = bestID
	if err := g.store.Update(ctx, rec); err != nil {
		return "", err
	}

	g.log.Debug().Str("record", rec.ID).Str("group", bestID).
		Bool("founded", founded).Msg("record threaded into narrative group")
	return bestID, nil
}

// Members returns the records threaded into one group.
func (g *Grouper) Members(ctx context.Context, owner, groupID string) ([]*record.Record, error) {
	if owner == "" || groupID == "" {
		return nil, fmt.Errorf("narrative: owner and group id are required")
	}
	recs, err := g.store.Query(ctx, owner, store.NewFilter().Kind(record.KindEpisodic), 0)
	if err != nil {
		return nil, err
	}
	var out []*record.Record
	for _, r := range recs {
		if r.Attributes.String(record.AttrNarrativeGroup) == groupID {
			out = append(out, r)
		}
	}
	return out, nil
}

// centroids derives each group's centroid as the normalized mean of its
// members' embeddings.
func (g *Grouper) centroids(ctx context.Context, owner string) (map[string][]float32, error) {
	recs, err := g.store.Query(ctx, owner, store.NewFilter().Kind(record.KindEpisodic), 0)
	if err != nil {
		return nil, err
	}

	sums := make(map[string][]float32)
	counts := make(map[string]int)
	for _, r := range recs {
		id := r.Attributes.String(record.AttrNarrativeGroup)
		if id == "" || len(r.Embedding) == 0 {
			continue
		}
		sum := sums[id]
		if sum == nil {
			sum = make([]float32, len(r.Embedding))
			sums[id] = sum
		}
		for i, v := range r.Embedding {
			sum[i] += v
		}
		counts[id]++
	}

	out := make(map[string][]float32, len(sums))
	for id, sum := range sums {
		n := float32(counts[id])
		for i := range sum {
			sum[i] /= n
		}
		out[id] = normalize(sum)
	}
	return out, nil
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
