//go:build integration

package promote

import (
	"context"
	"testing"

	"github.com/nidhogg/nuka-memory/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"
)

func startNeo4j(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err)
	return uri
}

func TestNeo4jPromote(t *testing.T) {
	ctx := context.Background()
	p, err := NewNeo4jPromoter(ctx, startNeo4j(t), "", "", zap.NewNop())
	require.NoError(t, err)
	defer p.Close(ctx)

	rec := memory.Record{
		ID:       "m1",
		Kind:     memory.KindNote,
		Source:   "chat",
		Text:     "important: renew passport",
		Hash:     "abc",
		Metadata: memory.Metadata{Tags: []string{"important"}},
	}
	require.NoError(t, p.Promote(ctx, rec))
	// Idempotent by id.
	require.NoError(t, p.Promote(ctx, rec))

	ids, err := p.Promoted(ctx, "chat", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids)

	assert.NoError(t, p.Ping(ctx))
}
