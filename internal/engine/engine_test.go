// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"

	"github.com/engramd/engram/internal/attention"
	"github.com/engramd/engram/internal/cache"
	"github.com/engramd/engram/internal/database"
	"github.com/engramd/engram/internal/extract"
	"github.com/engramd/engram/internal/graph"
	"github.com/engramd/engram/internal/hub"
	"github.com/engramd/engram/internal/locking"
	"github.com/engramd/engram/internal/logger"
	"github.com/engramd/engram/internal/snapshot"
)

// recordingSender captures hub events delivered to a fake peer
type recordingSender struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recordingSender) Send(event hub.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSender) countKind(kind hub.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T) (*Engine, *hub.Hub) {
	t.Helper()

	mgr, err := database.NewManager(&database.Config{
		Type:     "sqlite",
		DataRoot: t.TempDir(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	log := logger.NewNop()
	backend := cache.NewLocalBackend()
	store := graph.NewStore(mgr, locking.NewTenantLocker(), attention.DefaultParams(), backend, log)

	var eng *Engine
	h := hub.New(hub.Options{HeartbeatInterval: time.Minute}, func(tenantID string) (map[string]interface{}, error) {
		return eng.SnapshotFunc()(tenantID)
	}, log)
	t.Cleanup(h.Stop)

	eng = New("origin", store, backend, h, time.Minute, log)
	return eng, h
}

func TestLearnExtractsAndPersists(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	result, err := eng.Learn(ctx, "acme", extract.Turn{
		UserMessage: "I decided to use the Foo library because it is fast.",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ConceptsExtracted)
	assert.Equal(t, 1, result.DecisionsDetected)

	stats, err := eng.Stats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.EntityCount)
	assert.Equal(t, int64(1), stats.DecisionCount)
}

func TestLearnThenRecall(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Learn(ctx, "acme", extract.Turn{
		UserMessage: "I decided to use the Foo library because it is fast.",
	})
	require.NoError(t, err)

	recall, err := eng.Recall(ctx, "acme", "Foo", 5)
	require.NoError(t, err)
	require.Equal(t, 1, recall.ConceptsFound)
	assert.Equal(t, "Foo", recall.Concepts[0].Name)
	assert.Contains(t, recall.ContextString, "Foo")
	assert.False(t, recall.CacheHit)
}

func TestLearnEmptyTurnIsSilentNoOp(t *testing.T) {
	eng, h := newTestEngine(t)
	ctx := context.Background()

	peer := &recordingSender{}
	_, err := h.Register("acme", "peer", peer)
	require.NoError(t, err)

	result, err := eng.Learn(ctx, "acme", extract.Turn{UserMessage: "   "})
	require.NoError(t, err)
	assert.Equal(t, &LearnResult{}, result)

	// Nothing was written, so nothing is announced
	assert.Equal(t, 0, peer.countKind(hub.EventMemoryAdded))
}

func TestLearnBroadcastsOnceWithoutEcho(t *testing.T) {
	eng, h := newTestEngine(t)
	ctx := context.Background()

	// The engine's own instance is connected alongside a peer
	self := &recordingSender{}
	_, err := h.Register("acme", "origin", self)
	require.NoError(t, err)
	peer := &recordingSender{}
	_, err = h.Register("acme", "peer", peer)
	require.NoError(t, err)
	stranger := &recordingSender{}
	_, err = h.Register("globex", "other-tenant", stranger)
	require.NoError(t, err)

	_, err = eng.Learn(ctx, "acme", extract.Turn{
		UserMessage: "I decided to use the Foo library because it is fast.",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, peer.countKind(hub.EventMemoryAdded), "peer sees exactly one MEMORY_ADDED")
	assert.Equal(t, 1, peer.countKind(hub.EventConceptLearned))
	assert.Equal(t, 1, peer.countKind(hub.EventDecisionMade))
	assert.Equal(t, 0, self.countKind(hub.EventMemoryAdded), "the writer never hears its own echo")
	assert.Equal(t, 0, stranger.countKind(hub.EventMemoryAdded), "other tenants hear nothing")
}

func TestRecallReadsThroughCache(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Learn(ctx, "acme", extract.Turn{UserMessage: "we are using Redis and Kafka together"})
	require.NoError(t, err)

	first, err := eng.Recall(ctx, "acme", "redis", 5)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := eng.Recall(ctx, "acme", "redis", 5)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.ContextString, second.ContextString)
	assert.Equal(t, first.Concepts, second.Concepts)

	// A write invalidates the cached answer
	_, err = eng.Learn(ctx, "acme", extract.Turn{UserMessage: "add Postgres to the mix with Redis"})
	require.NoError(t, err)

	third, err := eng.Recall(ctx, "acme", "redis", 5)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
}

func TestRecallCannotRepublishPreWriteResults(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// A reader queries before any knowledge exists and is preempted
	// after computing its result but before publishing it
	key := cache.SearchKey("acme", "Foo", 5)
	gen := eng.store.Generation("acme")
	stale, err := json.Marshal(recallPayload{ContextString: `No stored knowledge matched "Foo".`})
	require.NoError(t, err)

	// The write completes and flushes the tenant's cache
	_, err = eng.Learn(ctx, "acme", extract.Turn{
		UserMessage: "I decided to use the Foo library because it is fast.",
	})
	require.NoError(t, err)

	// The preempted reader resumes; its stale publish must be refused
	assert.False(t, eng.store.SetCached(ctx, "acme", key, string(stale), gen, time.Minute))

	recall, err := eng.Recall(ctx, "acme", "Foo", 5)
	require.NoError(t, err)
	assert.False(t, recall.CacheHit)
	require.Equal(t, 1, recall.ConceptsFound)
	assert.Equal(t, "Foo", recall.Concepts[0].Name)
}

func TestRecallNoMatches(t *testing.T) {
	eng, _ := newTestEngine(t)

	recall, err := eng.Recall(context.Background(), "acme", "nothing", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, recall.ConceptsFound)
	assert.Contains(t, recall.ContextString, "No stored knowledge")
}

func TestRecallValidation(t *testing.T) {
	eng, _ := newTestEngine(t)

	_, err := eng.Recall(context.Background(), "acme", "  ", 5)
	assert.True(t, graph.IsValidation(err))
}

func TestStatsIncludesCacheAndConnections(t *testing.T) {
	eng, h := newTestEngine(t)
	ctx := context.Background()

	_, err := h.Register("acme", "peer", &recordingSender{})
	require.NoError(t, err)

	stats, err := eng.Stats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "local", stats.Cache.BackendName)
	assert.Equal(t, []string{"peer"}, stats.Connections)
}

func TestStatsStayFreshAcrossWrites(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Learn(ctx, "acme", extract.Turn{UserMessage: "we are using Redis and Kafka together"})
	require.NoError(t, err)

	before, err := eng.Stats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(2), before.EntityCount)

	// The cached counts must not survive the next write
	_, err = eng.Learn(ctx, "acme", extract.Turn{UserMessage: "add Postgres to the mix"})
	require.NoError(t, err)

	after, err := eng.Stats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(3), after.EntityCount)
}

func TestExportImportThroughEngine(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Learn(ctx, "acme", extract.Turn{UserMessage: "we are using Redis and Kafka together"})
	require.NoError(t, err)

	snap, err := eng.ExportTenant("acme")
	require.NoError(t, err)
	require.NoError(t, eng.ImportTenant(ctx, "globex", snap, snapshot.ModeReplace))

	src, err := eng.Stats(ctx, "acme")
	require.NoError(t, err)
	dst, err := eng.Stats(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, src.EntityCount, dst.EntityCount)
	assert.Equal(t, src.LinkCount, dst.LinkCount)
}

func TestSnapshotFuncServesHubSyncRequests(t *testing.T) {
	eng, h := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Learn(ctx, "acme", extract.Turn{UserMessage: "we are using Redis and Kafka together"})
	require.NoError(t, err)

	requester := &recordingSender{}
	handle, err := h.Register("acme", "requester", requester)
	require.NoError(t, err)

	require.NoError(t, h.SyncRequest(handle))

	require.Equal(t, 1, requester.countKind(hub.EventSyncResponse))
	requester.mu.Lock()
	defer requester.mu.Unlock()
	for _, e := range requester.events {
		if e.Kind == hub.EventSyncResponse {
			assert.Equal(t, 2, e.Data["entity_count"])
		}
	}
}
