package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-memory/internal/memory"
	pb "github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// pointNamespace derives stable point UUIDs from arbitrary record ids.
var pointNamespace = uuid.MustParse("6f1c3a52-5d0e-4c89-9a57-2b8e4e0d7c11")

// QdrantStore keeps one point per record; the payload carries the record,
// so record and vector are written atomically.
type QdrantStore struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
	logger      *zap.Logger

	mu      sync.Mutex
	ensured bool
}

// NewQdrantStore dials the Qdrant gRPC endpoint. The collection is created
// on first write, sized to the first vector.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	s := &QdrantStore{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  cfg.Collection,
		logger:      logger,
	}
	if s.collection == "" {
		s.collection = "memories"
	}

	if _, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection}); err == nil {
		s.ensured = true
	}
	logger.Info("Qdrant connected", zap.String("addr", addr), zap.String("collection", s.collection))
	return s, nil
}

func (s *QdrantStore) ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensured
}

// ensureCollection creates the collection if it does not already exist.
func (s *QdrantStore) ensureCollection(ctx context.Context, dimension uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ensured {
		return nil
	}

	_, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err != nil {
		_, err = s.collections.Create(ctx, &pb.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: &pb.VectorsConfig{
				Config: &pb.VectorsConfig_Params{
					Params: &pb.VectorParams{
						Size:     dimension,
						Distance: pb.Distance_Cosine,
					},
				},
			},
		})
		if err != nil {
			return unavailable("qdrant create collection "+s.collection, err)
		}
		s.logger.Info("Qdrant collection created",
			zap.String("collection", s.collection),
			zap.Uint64("dim", dimension))
	}
	s.ensured = true
	return nil
}

func pointID(id string) *pb.PointId {
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uuid.NewSHA1(pointNamespace, []byte(id)).String()}}
}

// Upsert writes the point, keeping created_at of an existing record.
func (s *QdrantStore) Upsert(ctx context.Context, rec memory.Record, vector []float32) error {
	if err := s.ensureCollection(ctx, uint64(len(vector))); err != nil {
		return err
	}

	if prev, err := s.Get(ctx, rec.ID); err == nil {
		rec.CreatedAt = prev.CreatedAt
	} else if !errors.Is(err, memory.ErrNotFound) {
		return err
	}

	payload, err := encodePayload(rec)
	if err != nil {
		return err
	}
	wait := true
	_, err = s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id:      pointID(rec.ID),
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}}},
				Payload: payload,
			},
		},
	})
	if err != nil {
		return unavailable("qdrant upsert "+rec.ID, err)
	}
	return nil
}

func kindFilter(filter memory.Filter) *pb.Filter {
	if len(filter.Kinds) == 0 {
		return nil
	}
	return &pb.Filter{Must: []*pb.Condition{keywordsCondition("kind", filter.KindStrings()...)}}
}

func keywordsCondition(key string, values ...string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: values}},
				},
			},
		},
	}
}

func withPayload() *pb.WithPayloadSelector {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}}
}

// Search performs a filtered nearest-neighbor search. Equal scores are
// ordered by creation time.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, filter memory.Filter) ([]memory.Hit, error) {
	if !s.ready() {
		return nil, nil
	}
	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         vector,
		Filter:         kindFilter(filter),
		Limit:          uint64(topK),
		WithPayload:    withPayload(),
	})
	if err != nil {
		return nil, unavailable("qdrant search "+s.collection, err)
	}

	hits := make([]memory.Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		rec, err := decodePayload(r.Payload)
		if err != nil {
			s.logger.Warn("skipping undecodable point", zap.String("point", r.Id.GetUuid()), zap.Error(err))
			continue
		}
		hits = append(hits, memory.Hit{Record: rec, Score: float64(r.Score)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CreatedAt.Before(hits[j].CreatedAt)
	})
	return hits, nil
}

// Get fetches a point by record id.
func (s *QdrantStore) Get(ctx context.Context, id string) (memory.Record, error) {
	if !s.ready() {
		return memory.Record{}, fmt.Errorf("get %s: %w", id, memory.ErrNotFound)
	}
	resp, err := s.points.Get(ctx, &pb.GetPoints{
		CollectionName: s.collection,
		Ids:            []*pb.PointId{pointID(id)},
		WithPayload:    withPayload(),
	})
	if err != nil {
		return memory.Record{}, unavailable("qdrant get "+id, err)
	}
	if len(resp.Result) == 0 {
		return memory.Record{}, fmt.Errorf("get %s: %w", id, memory.ErrNotFound)
	}
	return decodePayload(resp.Result[0].Payload)
}

// FindByHash scrolls for points carrying hash.
func (s *QdrantStore) FindByHash(ctx context.Context, hash, excludeID string) (string, error) {
	if !s.ready() {
		return "", nil
	}
	limit := uint32(2)
	resp, err := s.points.Scroll(ctx, &pb.ScrollPoints{
		CollectionName: s.collection,
		Filter:         &pb.Filter{Must: []*pb.Condition{keywordsCondition("hash", hash)}},
		Limit:          &limit,
		WithPayload:    withPayload(),
	})
	if err != nil {
		return "", unavailable("qdrant scroll", err)
	}
	for _, p := range resp.Result {
		if id := payloadString(p.Payload, "id"); id != excludeID {
			return id, nil
		}
	}
	return "", nil
}

// Counts reports the point count for both totals.
func (s *QdrantStore) Counts(ctx context.Context) (memory.Counts, error) {
	if !s.ready() {
		return memory.Counts{}, nil
	}
	exact := true
	resp, err := s.points.Count(ctx, &pb.CountPoints{CollectionName: s.collection, Exact: &exact})
	if err != nil {
		return memory.Counts{}, unavailable("qdrant count", err)
	}
	n := int(resp.GetResult().GetCount())
	return memory.Counts{Total: n, Embedded: n}, nil
}

// Ping lists collections.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.collections.List(ctx, &pb.ListCollectionsRequest{}); err != nil {
		return unavailable("qdrant ping", err)
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.conn.Close()
}

func encodePayload(rec memory.Record) (map[string]*pb.Value, error) {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	fields := map[string]string{
		"id":         rec.ID,
		"kind":       string(rec.Kind),
		"source":     rec.Source,
		"text":       rec.Text,
		"hash":       rec.Hash,
		"metadata":   string(meta),
		"created_at": strconv.FormatInt(rec.CreatedAt.UnixNano(), 10),
		"updated_at": strconv.FormatInt(rec.UpdatedAt.UnixNano(), 10),
	}
	payload := make(map[string]*pb.Value, len(fields))
	for k, v := range fields {
		payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
	}
	return payload, nil
}

func payloadString(payload map[string]*pb.Value, key string) string {
	if v, ok := payload[key]; ok {
		if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
			return sv.StringValue
		}
	}
	return ""
}

func decodePayload(payload map[string]*pb.Value) (memory.Record, error) {
	rec := memory.Record{
		ID:     payloadString(payload, "id"),
		Kind:   memory.Kind(payloadString(payload, "kind")),
		Source: payloadString(payload, "source"),
		Text:   payloadString(payload, "text"),
		Hash:   payloadString(payload, "hash"),
	}
	if rec.ID == "" {
		return memory.Record{}, errors.New("point payload has no id")
	}
	if meta := payloadString(payload, "metadata"); meta != "" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return memory.Record{}, fmt.Errorf("decode metadata of %s: %w", rec.ID, err)
		}
	}
	rec.CreatedAt = unixNano(payloadString(payload, "created_at"))
	rec.UpdatedAt = unixNano(payloadString(payload, "updated_at"))
	return rec, nil
}

func unixNano(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
