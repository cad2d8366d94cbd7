// Package milvus implements store.Store on a Milvus server, the backend
// for shared deployments. Records live in one collection per embedding
// dimension; every expression carries an owner_id clause so no query can
// cross owner boundaries.
package milvus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	client "github.com/milvus-io/milvus/client/v2/milvusclient"
	"github.com/rs/zerolog"

	"github.com/openmem/mnemo/record"
	"github.com/openmem/mnemo/store"
)

const (
	defaultCollection = "mnemo_records"

	fieldID             = "id"
	fieldOwnerID        = "owner_id"
	fieldKind           = "kind"
	fieldConversationID = "conversation_id"
	fieldSubject        = "subject"
	fieldText           = "text"
	fieldCreatedAt      = "created_at"
	fieldUsageCount     = "usage_count"
	fieldAttributes     = "attributes"
	fieldEmbedding      = "embedding"

	// maxScan bounds scalar queries; per-owner memories stay far below it.
	maxScan = 16384
)

// Config locates the Milvus server and names the collection.
type Config struct {
	// Addr is the server address, e.g. "localhost:19530".
	Addr string

	// Collection is the base collection name. The embedding dimension is
	// appended so mixed-dimension deployments never collide.
	Collection string

	// Dimensions is the embedding vector size.
	Dimensions int
}

// Store is a Milvus-backed record store.
type Store struct {
	client         *client.Client
	cfg            Config
	log            zerolog.Logger
	collectionName string
	ready          bool
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

// Dial connects to Milvus and prepares the collection. Connection failures
// come back as store.ErrUnavailable.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("milvus: dimensions must be positive")
	}

	cli, err := client.New(ctx, &client.ClientConfig{Address: cfg.Addr})
	if err != nil {
		return nil, &store.UnavailableError{Addr: cfg.Addr, Err: err}
	}

	s := &Store{
		client:         cli,
		cfg:            cfg,
		log:            zerolog.Nop(),
		collectionName: fmt.Sprintf("%s_%d", cfg.Collection, cfg.Dimensions),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureCollection(ctx); err != nil {
		cli.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureCollection(ctx context.Context) error {
	if s.ready {
		return nil
	}

	has, err := s.client.HasCollection(ctx, client.NewHasCollectionOption(s.collectionName))
	if err != nil {
		return &store.UnavailableError{Addr: s.cfg.Addr, Err: fmt.Errorf("check collection: %w", err)}
	}

	if !has {
		s.log.Info().Str("collection", s.collectionName).Int("dim", s.cfg.Dimensions).Msg("creating collection")

		schema := &entity.Schema{
			CollectionName: s.collectionName,
			Description:    fmt.Sprintf("memory records, dimension %d", s.cfg.Dimensions),
			AutoID:         false,
			Fields: []*entity.Field{
				entity.NewField().
					WithName(fieldID).
					WithDataType(entity.FieldTypeVarChar).
					WithIsPrimaryKey(true).
					WithMaxLength(64),
				entity.NewField().
					WithName(fieldEmbedding).
					WithDataType(entity.FieldTypeFloatVector).
					WithDim(int64(s.cfg.Dimensions)),
				entity.NewField().
					WithName(fieldOwnerID).
					WithDataType(entity.FieldTypeVarChar).
					WithMaxLength(255),
				entity.NewField().
					WithName(fieldKind).
					WithDataType(entity.FieldTypeVarChar).
					WithMaxLength(32),
				entity.NewField().
					WithName(fieldConversationID).
					WithDataType(entity.FieldTypeVarChar).
					WithMaxLength(255),
				entity.NewField().
					WithName(fieldSubject).
					WithDataType(entity.FieldTypeVarChar).
					WithMaxLength(255),
				entity.NewField().
					WithName(fieldText).
					WithDataType(entity.FieldTypeVarChar).
					WithMaxLength(65535),
				entity.NewField().
					WithName(fieldCreatedAt).
					WithDataType(entity.FieldTypeInt64),
				entity.NewField().
					WithName(fieldUsageCount).
					WithDataType(entity.FieldTypeInt64),
				entity.NewField().
					WithName(fieldAttributes).
					WithDataType(entity.FieldTypeVarChar).
					WithMaxLength(65535),
			},
		}

		indexOpts := []client.CreateIndexOption{
			client.NewCreateIndexOption(s.collectionName, fieldEmbedding, index.NewHNSWIndex(entity.COSINE, 16, 128)),
		}
		for _, field := range []string{fieldOwnerID, fieldKind, fieldConversationID, fieldSubject} {
			indexOpts = append(indexOpts, client.NewCreateIndexOption(s.collectionName, field, index.NewAutoIndex(entity.COSINE)))
		}

		err = s.client.CreateCollection(ctx, client.NewCreateCollectionOption(s.collectionName, schema).WithIndexOptions(indexOpts...))
		if err != nil {
			return &store.UnavailableError{Addr: s.cfg.Addr, Err: fmt.Errorf("create collection: %w", err)}
		}
	}

	loadTask, err := s.client.LoadCollection(ctx, client.NewLoadCollectionOption(s.collectionName))
	if err != nil {
		return &store.UnavailableError{Addr: s.cfg.Addr, Err: fmt.Errorf("load collection: %w", err)}
	}
	if err := loadTask.Await(ctx); err != nil {
		return &store.UnavailableError{Addr: s.cfg.Addr, Err: fmt.Errorf("await collection load: %w", err)}
	}

	s.ready = true
	return nil
}

// Insert adds new records.
func (s *Store) Insert(ctx context.Context, recs ...*record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	for _, r := range recs {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("insert %s: %w", r.ID, err)
		}
		if len(r.Embedding) != s.cfg.Dimensions {
			return fmt.Errorf("insert %s: embedding has %d dimensions, want %d", r.ID, len(r.Embedding), s.cfg.Dimensions)
		}
		if _, err := s.Get(ctx, r.OwnerID, r.ID); err == nil {
			return fmt.Errorf("insert %s: id already exists", r.ID)
		}
	}

	opt, err := s.buildColumns(recs)
	if err != nil {
		return err
	}
	// Fresh UUIDs plus the existence check above make upsert behave as
	// insert, and the column option only exposes the upsert interface.
	if _, err := s.client.Upsert(ctx, opt); err != nil {
		return &store.UnavailableError{Addr: s.cfg.Addr, Err: fmt.Errorf("insert: %w", err)}
	}
	s.log.Debug().Int("count", len(recs)).Msg("records inserted")
	return nil
}

// Get fetches one record by ID.
func (s *Store) Get(ctx context.Context, owner, id string) (*record.Record, error) {
	recs, err := s.Query(ctx, owner, store.NewFilter().Eq(store.FieldID, id), 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, store.ErrNotFound
	}
	return recs[0], nil
}

// SearchVector returns the nearest records of one kind.
func (s *Store) SearchVector(ctx context.Context, owner string, vector []float32, kind record.Kind, limit int) ([]store.Hit, error) {
	if limit <= 0 {
		return nil, nil
	}

	compiledF, err := compileFilter(owner, store.NewFilter().Kind(kind))
	if err != nil {
		return nil, err
	}

	opt := client.NewSearchOption(s.collectionName, limit, []entity.Vector{entity.FloatVector(vector)})
	opt.WithANNSField(fieldEmbedding)
	opt.WithFilter(compiledF.expr)
	for k, v := range compiledF.params {
		opt.WithTemplateParam(k, v)
	}
	opt.WithOutputFields("*")

	results, err := s.client.Search(ctx, opt)
	if err != nil {
		return nil, &store.UnavailableError{Addr: s.cfg.Addr, Err: fmt.Errorf("search: %w", err)}
	}
	if len(results) == 0 {
		return nil, nil
	}

	set := results[0]
	recs, err := decodeResultSet(set)
	if err != nil {
		return nil, err
	}
	hits := make([]store.Hit, 0, len(recs))
	for i, r := range recs {
		hit := store.Hit{Record: r}
		if i < len(set.Scores) {
			hit.Similarity = float64(set.Scores[i])
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Query returns records matching the filter.
func (s *Store) Query(ctx context.Context, owner string, f *store.Filter, limit int) ([]*record.Record, error) {
	compiledF, err := compileFilter(owner, f)
	if err != nil {
		return nil, err
	}

	opt := client.NewQueryOption(s.collectionName)
	opt.WithFilter(compiledF.expr)
	for k, v := range compiledF.params {
		opt.WithTemplateParam(k, v)
	}
	opt.WithOutputFields("*")
	if limit > 0 {
		opt.WithLimit(limit)
	} else {
		opt.WithLimit(maxScan)
	}

	set, err := s.client.Query(ctx, opt)
	if err != nil {
		return nil, &store.UnavailableError{Addr: s.cfg.Addr, Err: fmt.Errorf("query: %w", err)}
	}
	return decodeResultSet(set)
}

// Update replaces a stored record via upsert, requiring it to exist first.
func (s *Store) Update(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if len(rec.Embedding) != s.cfg.Dimensions {
		return fmt.Errorf("update %s: embedding has %d dimensions, want %d", rec.ID, len(rec.Embedding), s.cfg.Dimensions)
	}
	if _, err := s.Get(ctx, rec.OwnerID, rec.ID); err != nil {
		return err
	}

	opt, err := s.buildColumns([]*record.Record{rec})
	if err != nil {
		return err
	}
	if _, err := s.client.Upsert(ctx, opt); err != nil {
		return &store.UnavailableError{Addr: s.cfg.Addr, Err: fmt.Errorf("upsert: %w", err)}
	}
	return nil
}

// Delete removes records by ID within the owner scope.
func (s *Store) Delete(ctx context.Context, owner string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	expr, err := compileInline(owner, store.NewFilter().In(store.FieldID, ids...))
	if err != nil {
		return err
	}
	opt := client.NewDeleteOption(s.collectionName).WithExpr(expr)
	if _, err := s.client.Delete(ctx, opt); err != nil {
		return &store.UnavailableError{Addr: s.cfg.Addr, Err: fmt.Errorf("delete: %w", err)}
	}
	return nil
}

// DeleteWhere removes all records matching the filter.
func (s *Store) DeleteWhere(ctx context.Context, owner string, f *store.Filter) (int, error) {
	// Count first so the caller learns how many went away.
	n, err := s.Count(ctx, owner, f)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	expr, err := compileInline(owner, f)
	if err != nil {
		if err == errEmptyIn {
			return 0, nil
		}
		return 0, err
	}
	opt := client.NewDeleteOption(s.collectionName).WithExpr(expr)
	if _, err := s.client.Delete(ctx, opt); err != nil {
		return 0, &store.UnavailableError{Addr: s.cfg.Addr, Err: fmt.Errorf("delete where: %w", err)}
	}
	return n, nil
}

// Count reports how many records match.
func (s *Store) Count(ctx context.Context, owner string, f *store.Filter) (int, error) {
	recs, err := s.Query(ctx, owner, f, maxScan)
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Close disconnects from the server.
func (s *Store) Close() error {
	return s.client.Close(context.Background())
}

func (s *Store) buildColumns(recs []*record.Record) (client.UpsertOption, error) {
	n := len(recs)
	ids := make([]string, 0, n)
	owners := make([]string, 0, n)
	kinds := make([]string, 0, n)
	convs := make([]string, 0, n)
	subjects := make([]string, 0, n)
	texts := make([]string, 0, n)
	createds := make([]int64, 0, n)
	usages := make([]int64, 0, n)
	attrs := make([]string, 0, n)
	embeddings := make([][]float32, 0, n)

	for _, r := range recs {
		attrJSON, err := json.Marshal(r.Attributes)
		if err != nil {
			return nil, fmt.Errorf("marshal attributes for %s: %w", r.ID, err)
		}
		ids = append(ids, r.ID)
		owners = append(owners, r.OwnerID)
		kinds = append(kinds, string(r.Kind))
		convs = append(convs, r.ConversationID)
		subjects = append(subjects, r.Subject)
		texts = append(texts, r.Text)
		createds = append(createds, r.CreatedAt)
		usages = append(usages, r.UsageCount)
		attrs = append(attrs, string(attrJSON))
		embeddings = append(embeddings, r.Embedding)
	}

	return client.NewColumnBasedInsertOption(s.collectionName).
		WithVarcharColumn(fieldID, ids).
		WithFloatVectorColumn(fieldEmbedding, s.cfg.Dimensions, embeddings).
		WithVarcharColumn(fieldOwnerID, owners).
		WithVarcharColumn(fieldKind, kinds).
		WithVarcharColumn(fieldConversationID, convs).
		WithVarcharColumn(fieldSubject, subjects).
		WithVarcharColumn(fieldText, texts).
		WithInt64Column(fieldCreatedAt, createds).
		WithInt64Column(fieldUsageCount, usages).
		WithVarcharColumn(fieldAttributes, attrs), nil
}

func decodeResultSet(set client.ResultSet) ([]*record.Record, error) {
	idCol := set.GetColumn(fieldID)
	if idCol == nil || idCol.Len() == 0 {
		return nil, nil
	}

	n := idCol.Len()
	recs := make([]*record.Record, 0, n)
	for i := 0; i < n; i++ {
		r := &record.Record{}
		var err error
		if r.ID, err = idCol.GetAsString(i); err != nil {
			return nil, fmt.Errorf("decode id: %w", err)
		}
		if col := set.GetColumn(fieldOwnerID); col != nil {
			if r.OwnerID, err = col.GetAsString(i); err != nil {
				return nil, fmt.Errorf("decode owner_id: %w", err)
			}
		}
		if col := set.GetColumn(fieldKind); col != nil {
			kind, err := col.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("decode kind: %w", err)
			}
			r.Kind = record.Kind(kind)
		}
		if col := set.GetColumn(fieldConversationID); col != nil {
			if r.ConversationID, err = col.GetAsString(i); err != nil {
				return nil, fmt.Errorf("decode conversation_id: %w", err)
			}
		}
		if col := set.GetColumn(fieldSubject); col != nil {
			if r.Subject, err = col.GetAsString(i); err != nil {
				return nil, fmt.Errorf("decode subject: %w", err)
			}
		}
		if col := set.GetColumn(fieldText); col != nil {
			if r.Text, err = col.GetAsString(i); err != nil {
				return nil, fmt.Errorf("decode text: %w", err)
			}
		}
		if col := set.GetColumn(fieldCreatedAt); col != nil {
			if r.CreatedAt, err = col.GetAsInt64(i); err != nil {
				return nil, fmt.Errorf("decode created_at: %w", err)
			}
		}
		if col := set.GetColumn(fieldUsageCount); col != nil {
			if r.UsageCount, err = col.GetAsInt64(i); err != nil {
				return nil, fmt.Errorf("decode usage_count: %w", err)
			}
		}
		if col := set.GetColumn(fieldEmbedding); col != nil {
			if r.Embedding, err = decodeVector(col, i); err != nil {
				return nil, fmt.Errorf("decode embedding for %s: %w", r.ID, err)
			}
		}
		if col := set.GetColumn(fieldAttributes); col != nil {
			raw, err := col.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("decode attributes: %w", err)
			}
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &r.Attributes); err != nil {
					return nil, fmt.Errorf("unmarshal attributes for %s: %w", r.ID, err)
				}
			}
		}
		recs = append(recs, r)
	}
	return recs, nil
}

// decodeVector extracts a float vector row from an output column.
func decodeVector(col column.Column, i int) ([]float32, error) {
	v, err := col.Get(i)
	if err != nil {
		return nil, err
	}
	switch vec := v.(type) {
	case entity.FloatVector:
		return []float32(vec), nil
	case []float32:
		return vec, nil
	default:
		return nil, fmt.Errorf("unexpected vector type %T", v)
	}
}
