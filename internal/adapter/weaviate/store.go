package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"docqa/internal/apperr"
	"docqa/internal/vector"
)

const (
	maxBatchSize    = 100
	maxDeleteRounds = 50
)

// SchemaManager is the schema surface the store needs; vector.WeaviateClientAdapter
// implements it.
type SchemaManager interface {
	vector.SchemaClient
	Ready(ctx context.Context) (bool, error)
}

type Config struct {
	ClassName     string
	Dimension     int
	BatchSize     int
	MaxRetries    int
	RetryInterval time.Duration
	ReadyTimeout  time.Duration
}

type Store struct {
	client *weaviate.Client
	schema SchemaManager
	cfg    Config

	mu      sync.Mutex
	ensured bool
}

func NewStore(client *weaviate.Client, cfg Config) *Store {
	if cfg.ClassName == "" {
		cfg.ClassName = vector.DefaultClassName
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > maxBatchSize {
		cfg.BatchSize = maxBatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	return &Store{client: client, schema: vector.NewWeaviateClientAdapter(client), cfg: cfg}
}

func (s *Store) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxRetries)), ctx)
}

// EnsureSchema waits for the index to report ready and creates the class if
// needed. It succeeds at most once per Store; failures are retried on the
// next call.
func (s *Store) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInterval
	b.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		ready, err := s.schema.Ready(readyCtx)
		if err != nil {
			return err
		}
		if !ready {
			return errors.New("weaviate not ready")
		}
		return nil
	}, backoff.WithContext(b, readyCtx))
	if err != nil {
		return fmt.Errorf("%w: waiting for readiness: %w", apperr.ErrVectorStoreFailure, err)
	}

	if err := vector.EnsureSchema(ctx, s.schema, s.cfg.ClassName); err != nil {
		return fmt.Errorf("%w: ensure schema: %w", apperr.ErrVectorStoreFailure, err)
	}

	s.ensured = true
	slog.InfoContext(ctx, "vector schema ready", "class", s.cfg.ClassName)
	return nil
}

// Upsert writes records in batches and returns the generated object ids in
// input order. Ids are fixed before the first attempt so retries overwrite
// rather than duplicate.
func (s *Store) Upsert(ctx context.Context, records []vector.Record) ([]string, error) {
	if len(records) == 0 {
		return []string{}, nil
	}
	for i, r := range records {
		if s.cfg.Dimension > 0 && len(r.Vector) != s.cfg.Dimension {
			return nil, fmt.Errorf("%w: record %d has dimension %d, want %d", apperr.ErrVectorStoreFailure, i, len(r.Vector), s.cfg.Dimension)
		}
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	ids := make([]string, len(records))
	for start := 0; start < len(records); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(records))

		objects := make([]*models.Object, 0, end-start)
		for i := start; i < end; i++ {
			ids[i] = uuid.NewString()
			objects = append(objects, s.toObject(ids[i], records[i]))
		}

		attempt := 0
		err := backoff.Retry(func() error {
			attempt++
			err := s.writeBatch(ctx, objects)
			if err != nil {
				slog.WarnContext(ctx, "vector batch write failed", "attempt", attempt, "size", len(objects), "error", err)
			}
			return err
		}, s.retryPolicy(ctx))
		if err != nil {
			return nil, fmt.Errorf("%w: upsert batch %d..%d: %w", apperr.ErrVectorStoreFailure, start, end, err)
		}
	}

	return ids, nil
}

func (s *Store) toObject(id string, r vector.Record) *models.Object {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &models.Object{
		Class: s.cfg.ClassName,
		ID:    strfmt.UUID(id),
		Properties: map[string]interface{}{
			"content":    r.Content,
			"ownerId":    r.OwnerID,
			"documentId": r.DocumentID,
			"chunkIndex": r.ChunkIndex,
			"filename":   r.Filename,
			"mediaType":  r.MediaType,
			"createdAt":  createdAt.UTC().Format(time.RFC3339Nano),
		},
		Vector: r.Vector,
	}
}

func (s *Store) writeBatch(ctx context.Context, objects []*models.Object) error {
	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return err
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("object %s: %s", obj.ID, obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func ownerFilter(ownerID string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{"ownerId"}).
		WithOperator(filters.Equal).
		WithValueText(ownerID)
}

// Query returns the owner's nearest chunks with score >= MinScore, best first.
// The owner filter is applied in the query and again on the results.
func (s *Store) Query(ctx context.Context, q vector.Query) ([]vector.Match, error) {
	if q.OwnerID == "" {
		return nil, fmt.Errorf("%w: query without owner scope", apperr.ErrVectorStoreFailure)
	}
	if q.TopK <= 0 {
		return []vector.Match{}, nil
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	where := ownerFilter(q.OwnerID)
	if len(q.DocumentIDs) > 0 {
		where = filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{
				ownerFilter(q.OwnerID),
				filters.Where().
					WithPath([]string{"documentId"}).
					WithOperator(filters.ContainsAny).
					WithValueText(q.DocumentIDs...),
			})
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(q.Vector).
		WithDistance(float32(1 - q.MinScore))

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "ownerId"},
		{Name: "documentId"},
		{Name: "chunkIndex"},
		{Name: "filename"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(s.cfg.ClassName).
		WithNearVector(nearVector).
		WithWhere(where).
		WithLimit(q.TopK).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: near vector query: %w", apperr.ErrVectorStoreFailure, err)
	}
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("%w: graphql error: %s", apperr.ErrVectorStoreFailure, graphqlErrors(res.Errors))
	}

	matches := []vector.Match{}
	for _, props := range getObjects(res.Data, "Get", s.cfg.ClassName) {
		m := toMatch(props)
		if m.OwnerID != q.OwnerID || m.Score < q.MinScore {
			continue
		}
		matches = append(matches, m)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > q.TopK {
		matches = matches[:q.TopK]
	}
	return matches, nil
}

func toMatch(props map[string]interface{}) vector.Match {
	m := vector.Match{}
	m.Content, _ = props["content"].(string)
	m.OwnerID, _ = props["ownerId"].(string)
	m.DocumentID, _ = props["documentId"].(string)
	m.Filename, _ = props["filename"].(string)
	if idx, ok := props["chunkIndex"].(float64); ok {
		m.ChunkIndex = int(idx)
	}
	if additional, ok := props["_additional"].(map[string]interface{}); ok {
		m.ID, _ = additional["id"].(string)
		if distance, ok := additional["distance"].(float64); ok {
			m.Score = clamp01(1 - distance)
		}
	}
	return m
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

func getObjects(data map[string]models.JSONObject, op, className string) []map[string]interface{} {
	section, ok := data[op].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := section[className].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if props, ok := r.(map[string]interface{}); ok {
			out = append(out, props)
		}
	}
	return out
}

func graphqlErrors(errs []*models.GraphQLError) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

// DeleteByDocument removes every vector of one document of one owner.
func (s *Store) DeleteByDocument(ctx context.Context, documentID, ownerID string) error {
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			ownerFilter(ownerID),
			filters.Where().
				WithPath([]string{"documentId"}).
				WithOperator(filters.Equal).
				WithValueText(documentID),
		})
	return s.deleteWhere(ctx, where)
}

// DeleteByOwner removes every vector of an owner.
func (s *Store) DeleteByOwner(ctx context.Context, ownerID string) error {
	return s.deleteWhere(ctx, ownerFilter(ownerID))
}

// deleteWhere repeats the batch delete while the server reports it hit its
// per-call limit.
func (s *Store) deleteWhere(ctx context.Context, where *filters.WhereBuilder) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}

	for round := 0; round < maxDeleteRounds; round++ {
		resp, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(s.cfg.ClassName).
			WithOutput("minimal").
			WithWhere(where).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("%w: batch delete: %w", apperr.ErrVectorStoreFailure, err)
		}
		if resp == nil || resp.Results == nil {
			return nil
		}
		if resp.Results.Failed > 0 {
			return fmt.Errorf("%w: batch delete failed for %d objects", apperr.ErrVectorStoreFailure, resp.Results.Failed)
		}
		if resp.Results.Matches == 0 || resp.Results.Limit == 0 || resp.Results.Matches < resp.Results.Limit {
			return nil
		}
	}
	return fmt.Errorf("%w: batch delete did not converge after %d rounds", apperr.ErrVectorStoreFailure, maxDeleteRounds)
}

// CountChunks returns how many vectors an owner has in the index.
func (s *Store) CountChunks(ctx context.Context, ownerID string) (int, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return 0, err
	}

	res, err := s.client.GraphQL().Aggregate().
		WithClassName(s.cfg.ClassName).
		WithWhere(ownerFilter(ownerID)).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: aggregate: %w", apperr.ErrVectorStoreFailure, err)
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("%w: graphql error: %s", apperr.ErrVectorStoreFailure, graphqlErrors(res.Errors))
	}

	groups := getObjects(res.Data, "Aggregate", s.cfg.ClassName)
	if len(groups) == 0 {
		return 0, nil
	}
	meta, ok := groups[0]["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	count, _ := meta["count"].(float64)
	return int(count), nil
}
