// Package promote mirrors long-lived memories into a Neo4j graph, linked to
// the source that produced them.
package promote

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/nidhogg/nuka-memory/internal/memory"
	"go.uber.org/zap"
)

// Promoter receives memories that passed the promotion check.
type Promoter interface {
	Promote(ctx context.Context, rec memory.Record) error
	Close(ctx context.Context) error
}

// Nop discards promotions. Used when no graph is configured.
type Nop struct{}

func (Nop) Promote(context.Context, memory.Record) error { return nil }
func (Nop) Close(context.Context) error { return nil }

// Neo4jPromoter writes (:Memory)-[:FROM]->(:Source).
type Neo4jPromoter struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4jPromoter creates the driver and verifies connectivity.
func NewNeo4jPromoter(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Neo4jPromoter, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	p := &Neo4jPromoter{driver: driver, logger: logger}
	if err := p.ensureSchema(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	logger.Info("Neo4j promotion graph connected", zap.String("uri", uri))
	return p, nil
}

func (p *Neo4jPromoter) run(ctx context.Context, cypher string, params map[string]interface{}) error {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}

func (p *Neo4jPromoter) ensureSchema(ctx context.Context) error {
	err := p.run(ctx,
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("create memory constraint: %w", err)
	}
	return nil
}

// Promote upserts the memory node and links it to its source.
func (p *Neo4jPromoter) Promote(ctx context.Context, rec memory.Record) error {
	source := rec.Source
	if source == "" {
		source = "unknown"
	}
	tags := rec.Metadata.Tags
	if tags == nil {
		tags = []string{}
	}

	err := p.run(ctx,
		`MERGE (s:Source {name: $source})
		 MERGE (m:Memory {id: $id})
		 SET m.kind = $kind, m.text = $text, m.hash = $hash,
		     m.tags = $tags, m.hit_count = $hits, m.promoted_at = datetime()
		 MERGE (m)-[:FROM]->(s)`,
		map[string]interface{}{
			"source": source,
			"id":     rec.ID,
			"kind":   string(rec.Kind),
			"text":   rec.Text,
			"hash":   rec.Hash,
			"tags":   tags,
			"hits":   int64(rec.Metadata.HitCount),
		})
	if err != nil {
		return fmt.Errorf("promote memory %s: %w", rec.ID, err)
	}
	p.logger.Debug("memory promoted", zap.String("id", rec.ID), zap.String("source", source))
	return nil
}

// Promoted returns the ids of promoted memories from source, newest first.
func (p *Neo4jPromoter) Promoted(ctx context.Context, source string, limit int) ([]string, error) {
	session := p.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory)-[:FROM]->(:Source {name: $source})
		 RETURN m.id ORDER BY m.promoted_at DESC LIMIT $limit`,
		map[string]interface{}{"source": source, "limit": limit})
	if err != nil {
		return nil, err
	}

	var ids []string
	for result.Next(ctx) {
		id, _ := result.Record().Get("m.id")
		if s, ok := id.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, result.Err()
}

// Ping verifies the Neo4j connection.
func (p *Neo4jPromoter) Ping(ctx context.Context) error {
	return p.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (p *Neo4jPromoter) Close(ctx context.Context) error {
	return p.driver.Close(ctx)
}
