// Package bridge is the memory façade: it runs the retention policy,
// redacts and fingerprints text, writes through the vector store
// (inline or on the task manager) and serves search, stats and live
// configuration.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/nuka-memory/internal/dedup"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/nidhogg/nuka-memory/internal/policy"
	"github.com/nidhogg/nuka-memory/internal/promote"
	"github.com/nidhogg/nuka-memory/internal/task"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WriteMode selects where accepted memories are written.
type WriteMode string

const (
	// WriteSync writes inside Add; store and embedding failures reach the
	// caller.
	WriteSync WriteMode = "sync"
	// WriteAsync hands the write to the task manager; failures are only
	// logged and counted there.
	WriteAsync WriteMode = "async"
)

const defaultSource = "api"

// Options configures a Bridge.
type Options struct {
	Ingest      IngestConfig
	HistorySize int
	WriteMode   WriteMode
	// SkipDuplicates stops Add from writing text whose hash is already
	// recorded under another id.
	SkipDuplicates bool
}

// AddRequest is one candidate memory.
type AddRequest struct {
	ID       string          `json:"id,omitempty"`
	Kind     memory.Kind     `json:"kind"`
	Source   string          `json:"source"`
	Text     string          `json:"text"`
	Metadata memory.Metadata `json:"metadata"`
	// Role overrides the role implied by a chat kind.
	Role string `json:"role,omitempty"`
}

// AddResult reports what Add did. A policy rejection is a normal result
// with Stored false and Reason set.
type AddResult struct {
	ID          string        `json:"id"`
	HashID      string        `json:"hash_id"`
	Stored      bool          `json:"stored"`
	Deduped     bool          `json:"deduped"`
	DuplicateOf string        `json:"duplicate_of,omitempty"`
	Tier        memory.Kind   `json:"tier,omitempty"`
	Reason      policy.Reason `json:"reason,omitempty"`
	Queued      bool          `json:"queued,omitempty"`
}

// SearchRequest is a similarity query. TopK 0 means the configured default.
type SearchRequest struct {
	Query  string        `json:"q"`
	TopK   int           `json:"top_k,omitempty"`
	Filter memory.Filter `json:"filter"`
}

// SearchResult is one scored memory.
type SearchResult struct {
	ID     string          `json:"id"`
	Kind   memory.Kind     `json:"kind"`
	Source string          `json:"source"`
	Text   string          `json:"text"`
	Meta   memory.Metadata `json:"meta"`
	Score  float64         `json:"score"`
}

// SearchResponse wraps the results.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Count   int            `json:"count"`
}

// Stats is the integrity and activity summary.
type Stats struct {
	Total       int          `json:"total"`
	Embedded    int          `json:"embedded"`
	Pending     int          `json:"pending"`
	LastQueries []QueryEntry `json:"last_queries"`
	Tasks       *task.Stats  `json:"tasks,omitempty"`
}

// Bridge ties the policy engine, vector store, dedup index, task manager
// and promoter together.
type Bridge struct {
	indexer  *vectorstore.Indexer
	policy   *policy.Engine
	dedup    dedup.Index
	tasks    *task.Manager
	promoter promote.Promoter
	config   *configStore
	history  *History
	opts     Options
	tracer   trace.Tracer
	logger   *zap.Logger
}

// New creates a Bridge. A nil dedup index falls back to store lookups, a
// nil promoter discards promotions, and a nil task manager forces
// synchronous writes.
func New(ix *vectorstore.Indexer, engine *policy.Engine, idx dedup.Index, tasks *task.Manager,
	promoter promote.Promoter, opts Options, logger *zap.Logger) (*Bridge, error) {
	if err := opts.Ingest.Validate(); err != nil {
		return nil, fmt.Errorf("ingest config: %w", err)
	}
	if idx == nil {
		idx = dedup.NewStoreIndex(ix.Store())
	}
	if promoter == nil {
		promoter = promote.Nop{}
	}
	if opts.WriteMode != WriteAsync || tasks == nil {
		opts.WriteMode = WriteSync
	}

	return &Bridge{
		indexer:  ix,
		policy:   engine,
		dedup:    idx,
		tasks:    tasks,
		promoter: promoter,
		config:   &configStore{cur: opts.Ingest},
		history:  NewHistory(opts.HistorySize),
		opts:     opts,
		tracer:   otel.Tracer("github.com/nidhogg/nuka-memory/internal/bridge"),
		logger:   logger,
	}, nil
}

// Add runs the policy on req and, when accepted, writes the redacted text.
func (b *Bridge) Add(ctx context.Context, req AddRequest) (AddResult, error) {
	ctx, span := b.tracer.Start(ctx, "bridge.add")
	defer span.End()

	if strings.TrimSpace(req.Text) == "" {
		err := fmt.Errorf("add: text is required: %w", memory.ErrInvalidArgument)
		span.SetStatus(codes.Error, err.Error())
		return AddResult{}, err
	}

	kind := req.Kind
	if kind == "" {
		kind = memory.KindNote
	}
	cfg := b.config.get()

	var decision policy.Decision
	if kind.IsChat() {
		role := req.Role
		if role == "" {
			role = policy.RoleForKind(kind)
		}
		decision = b.policy.Evaluate(policy.Input{
			Text:          req.Text,
			Role:          role,
			IngestEnabled: cfg.IngestEnabled,
			ContextHits:   req.Metadata.HitCount,
		})
		if decision.Store {
			kind = decision.Tier
		}
	} else {
		decision = b.policy.Admit(req.Text, cfg.IngestEnabled)
	}
	span.SetAttributes(attribute.String("memory.kind", string(kind)))

	if !decision.Store {
		span.SetAttributes(attribute.String("policy.reason", string(decision.Reason)))
		b.logger.Debug("memory not stored", zap.String("reason", string(decision.Reason)))
		return AddResult{ID: req.ID, Reason: decision.Reason}, nil
	}

	text := policy.Redact(req.Text)
	rec := memory.Record{
		ID:       req.ID,
		Kind:     kind,
		Source:   req.Source,
		Text:     text,
		Hash:     policy.ComputeHash(text),
		Metadata: req.Metadata.Clone(),
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Source == "" {
		rec.Source = defaultSource
	}
	if kind.IsChat() {
		rec.Metadata.Tier = string(kind)
		if rec.Metadata.Role == "" {
			rec.Metadata.Role = policy.RoleForKind(kind)
		}
	}

	res := AddResult{ID: rec.ID, HashID: rec.Hash, Tier: decision.Tier}
	existing, err := b.duplicateOf(ctx, rec)
	if err != nil {
		b.logger.Warn("dedup lookup failed", zap.String("hash", rec.Hash), zap.Error(err))
	} else if existing != "" {
		res.Deduped = true
		res.DuplicateOf = existing
		if b.opts.SkipDuplicates {
			return res, nil
		}
	}

	if b.opts.WriteMode == WriteAsync {
		_, ok := b.tasks.Spawn(ctx, "memory.upsert", func(tctx context.Context) error {
			return b.persist(tctx, rec)
		})
		if ok {
			res.Stored = true
			res.Queued = true
			return res, nil
		}
		b.logger.Warn("background write refused, writing inline", zap.String("id", rec.ID))
	}

	if err := b.persist(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return AddResult{}, err
	}
	res.Stored = true
	return res, nil
}

// duplicateOf returns another id whose stored record carries rec.Hash, or
// "". Index hits are confirmed against the store; a stale hit is forgotten
// and the store is asked directly.
func (b *Bridge) duplicateOf(ctx context.Context, rec memory.Record) (string, error) {
	id, err := b.dedup.Lookup(ctx, rec.Hash, rec.ID)
	if err != nil || id == "" {
		return "", err
	}

	store := b.indexer.Store()
	held, err := store.Get(ctx, id)
	switch {
	case err == nil && held.Hash == rec.Hash:
		return id, nil
	case err != nil && !errors.Is(err, memory.ErrNotFound):
		return "", err
	}

	b.logger.Debug("stale dedup entry", zap.String("hash", rec.Hash), zap.String("id", id))
	if err := b.dedup.Forget(ctx, rec.Hash, id); err != nil {
		b.logger.Warn("dedup forget failed", zap.String("id", id), zap.Error(err))
	}
	id, err = store.FindByHash(ctx, rec.Hash, rec.ID)
	if err != nil || id == "" {
		return "", err
	}
	if err := b.dedup.Remember(ctx, rec.Hash, id); err != nil {
		b.logger.Warn("dedup remember failed", zap.String("id", id), zap.Error(err))
	}
	return id, nil
}

// persist writes rec, records its hash and schedules promotion.
func (b *Bridge) persist(ctx context.Context, rec memory.Record) error {
	if _, err := b.indexer.Upsert(ctx, rec); err != nil {
		return err
	}
	if err := b.dedup.Remember(ctx, rec.Hash, rec.ID); err != nil {
		b.logger.Warn("dedup remember failed", zap.String("id", rec.ID), zap.Error(err))
	}
	if policy.ShouldPromote(rec.Text, rec.Metadata) {
		b.promote(ctx, rec)
	}
	return nil
}

func (b *Bridge) promote(ctx context.Context, rec memory.Record) {
	work := func(tctx context.Context) error { return b.promoter.Promote(tctx, rec) }
	if b.tasks != nil {
		if _, ok := b.tasks.Spawn(ctx, "memory.promote", work); ok {
			return
		}
	}
	if err := work(ctx); err != nil {
		b.logger.Warn("promotion failed", zap.String("id", rec.ID), zap.Error(err))
	}
}

// Search embeds the query, drops hits below min_score and records the
// query in the history. No hits is a successful empty response.
func (b *Bridge) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	ctx, span := b.tracer.Start(ctx, "bridge.search")
	defer span.End()

	if strings.TrimSpace(req.Query) == "" {
		return SearchResponse{}, fmt.Errorf("search: q is required: %w", memory.ErrInvalidArgument)
	}
	if req.TopK < 0 {
		return SearchResponse{}, fmt.Errorf("search: top_k must be positive, got %d: %w", req.TopK, memory.ErrInvalidArgument)
	}

	cfg := b.config.get()
	topK := req.TopK
	if topK == 0 {
		topK = cfg.TopK
	}
	span.SetAttributes(attribute.Int("search.top_k", topK))

	hits, err := b.indexer.Search(ctx, req.Query, topK, req.Filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SearchResponse{}, err
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		if h.Score < cfg.MinScore {
			continue
		}
		results = append(results, SearchResult{
			ID:     h.ID,
			Kind:   h.Kind,
			Source: h.Source,
			Text:   h.Text,
			Meta:   h.Metadata,
			Score:  h.Score,
		})
	}

	b.history.Add(QueryEntry{
		Query:       policy.Redact(req.Query),
		ResultCount: len(results),
		Timestamp:   time.Now().UTC(),
	})
	span.SetAttributes(attribute.Int("search.results", len(results)))
	return SearchResponse{Results: results, Count: len(results)}, nil
}

// Stats reports store totals, query history and task counters.
func (b *Bridge) Stats(ctx context.Context) (Stats, error) {
	counts, err := b.indexer.Store().Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Total:       counts.Total,
		Embedded:    counts.Embedded,
		Pending:     max(counts.Total-counts.Embedded, 0),
		LastQueries: b.history.Entries(),
	}
	if s.Pending > 0 {
		b.logger.Warn("memories without embeddings detected",
			zap.Int("pending", s.Pending),
			zap.Int("total", s.Total))
	}
	if b.tasks != nil {
		ts := b.tasks.Stats()
		s.Tasks = &ts
	}
	return s, nil
}

// Config returns the current ingest configuration.
func (b *Bridge) Config() IngestConfig { return b.config.get() }

// SetConfig applies p atomically; on error nothing changes.
func (b *Bridge) SetConfig(p ConfigPatch) (IngestConfig, error) {
	cfg, err := b.config.apply(p)
	if err != nil {
		return cfg, err
	}
	b.logger.Info("ingest config updated",
		zap.Bool("ingest", cfg.IngestEnabled),
		zap.Float64("min_score", cfg.MinScore),
		zap.Int("top_k", cfg.TopK))
	return cfg, nil
}

// Health pings the store.
func (b *Bridge) Health(ctx context.Context) error {
	return b.indexer.Store().Ping(ctx)
}
