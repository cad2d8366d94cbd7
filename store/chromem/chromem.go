// Package chromem implements store.Store on chromem-go, a pure Go embedded
// vector database. It suits tests and single-process deployments; the
// milvus backend serves shared deployments.
//
// chromem-go only answers vector queries, so the store keeps a guarded
// in-process mirror of every record as the canonical copy. Collections hold
// ID, embedding and scalar metadata per owner and kind; scalar queries,
// gets and counts read the mirror.
package chromem

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"github.com/rs/zerolog"

	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store"
)

// Store is an embedded vector store. Safe for concurrent use.
type Store struct {
	db  *chromem.DB
	log zerolog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	records     map[string]map[string]*record.Record // owner -> id -> record
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		db:          chromem.NewDB(),
		log:         zerolog.Nop(),
		collections: make(map[string]*chromem.Collection),
		records:     make(map[string]map[string]*record.Record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func collectionName(owner string, kind record.Kind) string {
	if owner == "" {
		owner = "global"
	}
	// chromem collection names must avoid spaces.
	owner = strings.ReplaceAll(owner, " ", "_")
	return fmt.Sprintf("owner_%s_%s", owner, kind)
}

// getOrCreateCollection is locked by callers.
func (s *Store) getOrCreateCollection(owner string, kind record.Kind) (*chromem.Collection, error) {
	name := collectionName(owner, kind)
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.CreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// Insert adds new records.
func (s *Store) Insert(ctx context.Context, recs ...*record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range recs {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("insert %s: %w", r.ID, err)
		}
		if _, exists := s.records[r.OwnerID][r.ID]; exists {
			return fmt.Errorf("insert %s: id already exists", r.ID)
		}
	}

	for _, r := range recs {
		col, err := s.getOrCreateCollection(r.OwnerID, r.Kind)
		if err != nil {
			return err
		}
		doc, err := toDocument(r)
		if err != nil {
			return err
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", r.ID, err)
		}
		if s.records[r.OwnerID] == nil {
			s.records[r.OwnerID] = make(map[string]*record.Record)
		}
		s.records[r.OwnerID][r.ID] = r.Clone()
		s.log.Debug().Str("id", r.ID).Str("owner", r.OwnerID).Str("kind", string(r.Kind)).Msg("record inserted")
	}
	return nil
}

// Get fetches one record by ID.
func (s *Store) Get(ctx context.Context, owner, id string) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[owner][id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r.Clone(), nil
}

// SearchVector returns the nearest records of one kind.
func (s *Store) SearchVector(ctx context.Context, owner string, vector []float32, kind record.Kind, limit int) ([]store.Hit, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	col, err := s.getOrCreateCollection(owner, kind)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults above the collection size, so retry with
	// smaller limits until one fits.
	var results []chromem.Result
	for current := limit; current >= 1; current-- {
		results, err = col.QueryEmbedding(ctx, vector, current, nil, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if current == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]store.Hit, 0, len(results))
	for _, res := range results {
		r, ok := s.records[owner][res.ID]
		if !ok {
			continue
		}
		hits = append(hits, store.Hit{Record: r.Clone(), Similarity: float64(res.Similarity)})
	}
	return hits, nil
}

// Query scans the owner's records against the filter.
func (s *Store) Query(ctx context.Context, owner string, f *store.Filter, limit int) ([]*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*record.Record
	for _, r := range s.records[owner] {
		if !f.Matches(r) {
			continue
		}
		out = append(out, r.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Update replaces a stored record by re-adding its document.
func (s *Store) Update(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.records[rec.OwnerID][rec.ID]
	if !ok {
		return store.ErrNotFound
	}

	col, err := s.getOrCreateCollection(rec.OwnerID, old.Kind)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, rec.ID); err != nil {
		return fmt.Errorf("delete old document %s: %w", rec.ID, err)
	}
	doc, err := toDocument(rec)
	if err != nil {
		return err
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("re-add document %s: %w", rec.ID, err)
	}
	s.records[rec.OwnerID][rec.ID] = rec.Clone()
	return nil
}

// Delete removes records by ID, ignoring unknown IDs.
func (s *Store) Delete(ctx context.Context, owner string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(ctx, owner, ids)
}

func (s *Store) deleteLocked(ctx context.Context, owner string, ids []string) error {
	for _, id := range ids {
		r, ok := s.records[owner][id]
		if !ok {
			continue
		}
		col, err := s.getOrCreateCollection(owner, r.Kind)
		if err != nil {
			return err
		}
		if err := col.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("delete document %s: %w", id, err)
		}
		delete(s.records[owner], id)
	}
	return nil
}

// DeleteWhere removes all matching records.
func (s *Store) DeleteWhere(ctx context.Context, owner string, f *store.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, r := range s.records[owner] {
		if f.Matches(r) {
			ids = append(ids, id)
		}
	}
	if err := s.deleteLocked(ctx, owner, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Count reports how many records match.
func (s *Store) Count(ctx context.Context, owner string, f *store.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, r := range s.records[owner] {
		if f.Matches(r) {
			n++
		}
	}
	return n, nil
}

// Close is a no-op; everything lives in memory.
func (s *Store) Close() error {
	return nil
}

func toDocument(r *record.Record) (chromem.Document, error) {
	content, err := json.Marshal(r)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("marshal record %s: %w", r.ID, err)
	}
	return chromem.Document{
		ID:        r.ID,
		Content:   string(content),
		Embedding: r.Embedding,
		Metadata: map[string]string{
			"owner_id":        r.OwnerID,
			"kind":            string(r.Kind),
			"conversation_id": r.ConversationID,
			"subject":         r.Subject,
		},
	}, nil
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
