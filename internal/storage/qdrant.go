package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"codemem/internal/apperr"
	"codemem/internal/config"
	"codemem/internal/logging"
	"codemem/pkg/types"
)

// metadataPrefix namespaces flattened metadata keys in the point payload so
// they cannot collide with the fixed columns.
const metadataPrefix = "meta_"

// QdrantStore implements VectorStore on a Qdrant collection.
type QdrantStore struct {
	cfg        *config.QdrantConfig
	client     *qdrant.Client
	collection string
	dims       int
	// exact disables the HNSW index; decided once at Initialize.
	exact  bool
	logger logging.Logger
}

// NewQdrantStore builds an unconnected store. dims is the fixed embedding
// dimensionality D; useHNSW comes from the startup index-strategy decision.
func NewQdrantStore(cfg *config.QdrantConfig, dims int, useHNSW bool, logger logging.Logger) *QdrantStore {
	return &QdrantStore{
		cfg:        cfg,
		collection: cfg.Collection,
		dims:       dims,
		exact:      !useHNSW,
		logger:     logger.WithComponent("qdrant"),
	}
}

// Initialize connects and ensures the collection matches the configured D.
func (qs *QdrantStore) Initialize(ctx context.Context) error {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   qs.cfg.Host,
		Port:   qs.cfg.Port,
		APIKey: qs.cfg.APIKey,
		UseTLS: qs.cfg.UseTLS,
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, "failed to create qdrant client", err)
	}
	qs.client = client

	if err := qs.ensureCollection(ctx); err != nil {
		return err
	}

	strategy := "hnsw"
	if qs.exact {
		strategy = "exact_scan"
	}
	// The index strategy is an invariant for the process lifetime.
	qs.logger.Info("vector index strategy decided",
		"collection", qs.collection,
		"dims", qs.dims,
		"strategy", strategy,
	)
	return nil
}

func (qs *QdrantStore) ensureCollection(ctx context.Context) error {
	collections, err := qs.client.ListCollections(ctx)
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, "failed to list collections", err)
	}

	for _, name := range collections {
		if name != qs.collection {
			continue
		}
		info, err := qs.client.GetCollectionInfo(ctx, qs.collection)
		if err != nil {
			return apperr.Wrap(apperr.CodeStoreUnavailable, "failed to inspect collection", err)
		}
		existing := collectionDims(info)
		if existing != 0 && existing != uint64(qs.dims) {
			return fmt.Errorf("collection %s has dimensionality %d but EMBEDDING_DIMS=%d; refusing to start",
				qs.collection, existing, qs.dims)
		}
		return nil
	}

	create := &qdrant.CreateCollection{
		CollectionName: qs.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(qs.dims),
			Distance: qdrant.Distance_Cosine,
		}),
	}
	if qs.exact {
		// m=0 disables HNSW graph construction; queries run exact.
		create.HnswConfig = &qdrant.HnswConfigDiff{M: qdrant.PtrOf(uint64(0))}
	}
	if err := qs.client.CreateCollection(ctx, create); err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable,
			fmt.Sprintf("failed to create collection %s", qs.collection), err)
	}
	qs.logger.Info("created qdrant collection", "collection", qs.collection, "dims", qs.dims)
	return nil
}

func collectionDims(info *qdrant.CollectionInfo) uint64 {
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		return 0
	}
	return params.GetSize()
}

// Insert stores a new memory. The embedding must match D exactly.
func (qs *QdrantStore) Insert(ctx context.Context, mem *types.Memory) error {
	if len(mem.Embedding) != qs.dims {
		return apperr.Newf(apperr.CodeBadInput,
			"embedding has %d dimensions, expected %d", len(mem.Embedding), qs.dims)
	}
	point, err := qs.memoryToPoint(mem)
	if err != nil {
		return err
	}
	if _, err := qs.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: qs.collection,
		Points:         []*qdrant.PointStruct{point},
	}); err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, "failed to insert memory", err)
	}
	qs.logger.Debug("inserted memory", "id", mem.ID, "owner", mem.OwnerID)
	return nil
}

// Update replaces an existing point. Same commit semantics as Insert:
// concurrent updates serialize on the upsert.
func (qs *QdrantStore) Update(ctx context.Context, mem *types.Memory) error {
	return qs.Insert(ctx, mem)
}

// Get fetches one memory by ID, or a not_found error.
func (qs *QdrantStore) Get(ctx context.Context, id string) (*types.Memory, error) {
	points, err := qs.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: qs.collection,
		Ids:            []*qdrant.PointId{stringToPointID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    &qdrant.WithVectorsSelector{SelectorOptions: &qdrant.WithVectorsSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to fetch memory", err)
	}
	if len(points) == 0 {
		return nil, apperr.Newf(apperr.CodeNotFound, "Memory %s not found", id)
	}
	return retrievedToMemory(points[0])
}

// Delete removes one point by ID.
func (qs *QdrantStore) Delete(ctx context.Context, id string) error {
	_, err := qs.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qs.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{stringToPointID(id)},
				},
			},
		},
	})
	if err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, "failed to delete memory", err)
	}
	return nil
}

// Search runs a k-NN query scoped to the owner, ties broken by created_at
// descending.
func (qs *QdrantStore) Search(ctx context.Context, query SearchQuery) ([]types.SearchResult, error) {
	if len(query.Vector) != qs.dims {
		return nil, apperr.Newf(apperr.CodeBadInput,
			"query vector has %d dimensions, expected %d", len(query.Vector), qs.dims)
	}
	if query.Limit <= 0 {
		query.Limit = 10
	}

	req := &qdrant.QueryPoints{
		CollectionName: qs.collection,
		Query:          qdrant.NewQuery(query.Vector...),
		Limit:          qdrant.PtrOf(uint64(query.Limit)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         qs.buildFilter(query.OwnerID, query.Filters),
	}
	if query.MinScore > 0 {
		req.ScoreThreshold = qdrant.PtrOf(query.MinScore)
	}
	if qs.exact {
		req.Params = &qdrant.SearchParams{Exact: qdrant.PtrOf(true)}
	}

	scored, err := qs.client.Query(ctx, req)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "search failed", err)
	}

	results := make([]types.SearchResult, 0, len(scored))
	for _, point := range scored {
		mem, err := scoredToMemory(point)
		if err != nil {
			qs.logger.Warn("skipping malformed point", "error", err.Error())
			continue
		}
		results = append(results, types.SearchResult{Memory: *mem, Score: point.GetScore()})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results, nil
}

// ListByOwner returns every memory owned by ownerID.
func (qs *QdrantStore) ListByOwner(ctx context.Context, ownerID string) ([]types.Memory, error) {
	points, err := qs.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: qs.collection,
		Filter:         qs.buildFilter(ownerID, nil),
		Limit:          qdrant.PtrOf(uint32(10000)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to list memories", err)
	}
	memories := make([]types.Memory, 0, len(points))
	for _, point := range points {
		mem, err := retrievedToMemory(point)
		if err != nil {
			qs.logger.Warn("skipping malformed point", "error", err.Error())
			continue
		}
		memories = append(memories, *mem)
	}
	sort.Slice(memories, func(i, j int) bool {
		return memories[i].CreatedAt.After(memories[j].CreatedAt)
	})
	return memories, nil
}

// DeleteByOwner removes all memories of one owner and reports how many.
func (qs *QdrantStore) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	filter := qs.buildFilter(ownerID, nil)
	count, err := qs.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: qs.collection,
		Filter:         filter,
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to count memories", err)
	}
	_, err = qs.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: qs.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to delete memories", err)
	}
	return int(count), nil
}

// Count returns the total number of stored memories.
func (qs *QdrantStore) Count(ctx context.Context) (int64, error) {
	count, err := qs.client.Count(ctx, &qdrant.CountPoints{CollectionName: qs.collection})
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStoreUnavailable, "failed to count memories", err)
	}
	return int64(count), nil
}

// Reset drops and recreates the collection.
func (qs *QdrantStore) Reset(ctx context.Context) error {
	if err := qs.client.DeleteCollection(ctx, qs.collection); err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, "failed to drop collection", err)
	}
	return qs.ensureCollection(ctx)
}

// HealthCheck verifies the collection is reachable.
func (qs *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := qs.client.GetCollectionInfo(ctx, qs.collection); err != nil {
		return apperr.Wrap(apperr.CodeStoreUnavailable, "qdrant unreachable", err)
	}
	return nil
}

// Close releases the client connection.
func (qs *QdrantStore) Close() error {
	if qs.client != nil {
		return qs.client.Close()
	}
	return nil
}

// buildFilter combines the mandatory owner condition with exact metadata
// matches.
func (qs *QdrantStore) buildFilter(ownerID string, filters map[string]interface{}) *qdrant.Filter {
	conditions := []*qdrant.Condition{
		keywordCondition("owner_id", ownerID),
	}
	for _, key := range sortedKeys(filters) {
		if cond := valueCondition(metadataPrefix+key, filters[key]); cond != nil {
			conditions = append(conditions, cond)
		}
	}
	return &qdrant.Filter{Must: conditions}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func keywordCondition(key, value string) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key: key,
				Match: &qdrant.Match{
					MatchValue: &qdrant.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func valueCondition(key string, value interface{}) *qdrant.Condition {
	switch v := value.(type) {
	case string:
		return keywordCondition(key, v)
	case bool:
		return &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   key,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Boolean{Boolean: v}},
				},
			},
		}
	case int:
		return integerCondition(key, int64(v))
	case int64:
		return integerCondition(key, v)
	case float64:
		// JSON numbers decode as float64; whole values match as integers.
		if v == float64(int64(v)) {
			return integerCondition(key, int64(v))
		}
		return nil
	default:
		return nil
	}
}

func integerCondition(key string, value int64) *qdrant.Condition {
	return &qdrant.Condition{
		ConditionOneOf: &qdrant.Condition_Field{
			Field: &qdrant.FieldCondition{
				Key:   key,
				Match: &qdrant.Match{MatchValue: &qdrant.Match_Integer{Integer: value}},
			},
		},
	}
}

// memoryToPoint converts a Memory into the point layout: fixed columns plus
// prefixed scalar metadata for filtering plus a JSON copy for lossless
// round-trips.
func (qs *QdrantStore) memoryToPoint(mem *types.Memory) (*qdrant.PointStruct, error) {
	payload := map[string]*qdrant.Value{
		"owner_id":     stringValue(mem.OwnerID),
		"content":      stringValue(mem.Content),
		"content_hash": stringValue(mem.ContentHash),
		"created_at":   intValue(mem.CreatedAt.UnixNano()),
		"updated_at":   intValue(mem.UpdatedAt.UnixNano()),
	}

	if len(mem.Metadata) > 0 {
		raw, err := json.Marshal(mem.Metadata)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeBadInput, "metadata is not serializable", err)
		}
		payload["metadata_json"] = stringValue(string(raw))

		for key, value := range mem.Metadata {
			if v := scalarValue(value); v != nil {
				payload[metadataPrefix+key] = v
			}
		}
	}

	return &qdrant.PointStruct{
		Id: stringToPointID(mem.ID),
		Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{
			Vector: &qdrant.Vector{Data: mem.Embedding},
		}},
		Payload: payload,
	}, nil
}

func scalarValue(value interface{}) *qdrant.Value {
	switch v := value.(type) {
	case string:
		return stringValue(v)
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: v}}
	case int:
		return intValue(int64(v))
	case int64:
		return intValue(v)
	case float64:
		if v == float64(int64(v)) {
			return intValue(int64(v))
		}
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: v}}
	default:
		return nil
	}
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func intValue(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

func stringToPointID(s string) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: s}}
}

func pointIDToString(id *qdrant.PointId) string {
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func retrievedToMemory(point *qdrant.RetrievedPoint) (*types.Memory, error) {
	var embedding []float32
	if vectors := point.GetVectors(); vectors != nil {
		if vector := vectors.GetVector(); vector != nil {
			embedding = vector.GetData()
		}
	}
	return payloadToMemory(pointIDToString(point.GetId()), point.GetPayload(), embedding)
}

func scoredToMemory(point *qdrant.ScoredPoint) (*types.Memory, error) {
	return payloadToMemory(pointIDToString(point.GetId()), point.GetPayload(), nil)
}

func payloadToMemory(id string, payload map[string]*qdrant.Value, embedding []float32) (*types.Memory, error) {
	createdAt, ok := payload["created_at"]
	if !ok {
		return nil, fmt.Errorf("point %s missing created_at", id)
	}

	mem := &types.Memory{
		ID:          id,
		OwnerID:     payloadString(payload, "owner_id"),
		Content:     payloadString(payload, "content"),
		ContentHash: payloadString(payload, "content_hash"),
		Embedding:   embedding,
		CreatedAt:   time.Unix(0, createdAt.GetIntegerValue()).UTC(),
	}
	if updated, ok := payload["updated_at"]; ok {
		mem.UpdatedAt = time.Unix(0, updated.GetIntegerValue()).UTC()
	}
	if raw := payloadString(payload, "metadata_json"); raw != "" {
		var metadata map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &metadata); err == nil {
			mem.Metadata = metadata
		}
	}
	return mem, nil
}

func payloadString(payload map[string]*qdrant.Value, key string) string {
	if value, ok := payload[key]; ok {
		return value.GetStringValue()
	}
	return ""
}
