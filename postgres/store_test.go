package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres tests in short mode")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("graphflow"),
		tcpostgres.WithUsername("graphflow"),
		tcpostgres.WithPassword("graphflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := New(pool)
	require.NoError(t, store.Migrate(ctx))
	// Migrations are idempotent
	require.NoError(t, store.Migrate(ctx))
	return store
}

func testGraph() *graphflow.Graph {
	return &graphflow.Graph{
		Nodes: []*graphflow.Node{
			{Key: "start", Type: graphflow.NodeStart},
			{Key: "map", Type: graphflow.NodeMapper, Config: map[string]any{"mappings": map[string]any{"b": "a"}}},
			{Key: "end", Type: graphflow.NodeEnd},
		},
		Edges: []*graphflow.Edge{
			{From: "start", To: "map"},
			{From: "map", To: "end"},
		},
	}
}

func TestStore(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()

	t.Run("definitions and snapshots", func(t *testing.T) {
		g := testGraph()
		def, err := graphflow.NewDefinition(graphflow.DefinitionOptions{Name: "orders", Nodes: g.Nodes, Edges: g.Edges})
		require.NoError(t, err)
		require.NoError(t, store.SaveDefinition(ctx, def))

		_, err = store.GetDefinition(ctx, "def_missing")
		require.ErrorIs(t, err, graphflow.ErrNotFound)

		publisher, err := graphflow.NewPublisher(graphflow.PublisherOptions{Definitions: store, Snapshots: store})
		require.NoError(t, err)
		first, err := publisher.Publish(ctx, def.ID)
		require.NoError(t, err)
		require.Equal(t, 1, first.Version)

		loaded, err := store.GetDefinition(ctx, def.ID)
		require.NoError(t, err)
		require.Equal(t, graphflow.DefinitionPublished, loaded.Status)
		require.Len(t, loaded.Graph.Nodes, 3)

		duplicate, err := graphflow.NewSnapshot(def, 1)
		require.NoError(t, err)
		require.ErrorIs(t, store.CreateSnapshot(ctx, duplicate), graphflow.ErrVersionConflict)

		second, err := graphflow.NewSnapshot(def, 2)
		require.NoError(t, err)
		require.NoError(t, store.CreateSnapshot(ctx, second))

		latest, err := store.LatestVersion(ctx, def.ID)
		require.NoError(t, err)
		require.Equal(t, 2, latest)

		snapshots, err := store.ListSnapshots(ctx, def.ID)
		require.NoError(t, err)
		require.Len(t, snapshots, 2)
		require.Equal(t, 1, snapshots[0].Version)

		snapshot, err := store.GetSnapshot(ctx, first.ID)
		require.NoError(t, err)
		node, ok := snapshot.Graph.Node("map")
		require.True(t, ok)
		require.Equal(t, map[string]any{"b": "a"}, node.Config["mappings"])

		_, err = store.GetSnapshot(ctx, "snap_missing")
		require.ErrorIs(t, err, graphflow.ErrNotFound)
	})

	t.Run("instances and events", func(t *testing.T) {
		_, err := store.LoadInstance(ctx, "inst_missing")
		require.ErrorIs(t, err, graphflow.ErrInstanceNotFound)

		now := time.Now().UTC().Truncate(time.Millisecond)
		record := &graphflow.InstanceRecord{
			ID:          "inst_a",
			SnapshotID:  "snap_a",
			State:       graphflow.InstanceRunning,
			ActiveNodes: []string{"map"},
			Variables:   map[string]any{"a": "x"},
			NodeOutputs: map[string]map[string]any{},
			StartTime:   now,
		}
		require.NoError(t, store.SaveInstance(ctx, record))
		record.State = graphflow.InstanceSucceeded
		record.ActiveNodes = nil
		record.EndTime = now.Add(time.Second)
		require.NoError(t, store.SaveInstance(ctx, record))

		loaded, err := store.LoadInstance(ctx, "inst_a")
		require.NoError(t, err)
		require.Equal(t, graphflow.InstanceSucceeded, loaded.State)
		require.Equal(t, "x", loaded.Variables["a"])
		require.True(t, now.Equal(loaded.StartTime))

		summaries, err := store.ListInstances(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		require.Equal(t, time.Second, summaries[0].Duration)

		for _, seq := range []int64{2, 1, 3} {
			require.NoError(t, store.AppendEvent(ctx, &graphflow.HistoryEvent{
				InstanceID: "inst_a", Seq: seq, NodeKey: "map", Status: graphflow.NodeDone,
			}))
		}
		// Appending the same sequence number twice is a no-op
		require.NoError(t, store.AppendEvent(ctx, &graphflow.HistoryEvent{InstanceID: "inst_a", Seq: 1}))

		events, err := store.Events(ctx, "inst_a")
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, event := range events {
			require.Equal(t, int64(i+1), event.Seq)
		}
	})

	t.Run("engine", func(t *testing.T) {
		g := testGraph()
		def, err := graphflow.NewDefinition(graphflow.DefinitionOptions{Name: "engine", Nodes: g.Nodes, Edges: g.Edges})
		require.NoError(t, err)
		require.NoError(t, store.SaveDefinition(ctx, def))
		publisher, err := graphflow.NewPublisher(graphflow.PublisherOptions{Definitions: store, Snapshots: store})
		require.NoError(t, err)
		snapshot, err := publisher.Publish(ctx, def.ID)
		require.NoError(t, err)

		registry, err := graphflow.NewRegistry(append(graphflow.ControlExecutors(nil),
			graphflow.NewExecutorFunc(func(ctx context.Context, node graphflow.NodeInfo, input map[string]any, ec *graphflow.ExecutionContext) (map[string]any, error) {
				return map[string]any{"b": input["a"]}, nil
			}, graphflow.NodeMapper))...)
		require.NoError(t, err)
		engine, err := graphflow.NewEngine(graphflow.EngineOptions{
			Registry:  registry,
			Snapshots: store,
			Instances: store,
			Events:    store,
		})
		require.NoError(t, err)

		record, err := engine.Run(ctx, snapshot.ID, map[string]any{"a": "hello"})
		require.NoError(t, err)
		require.Equal(t, graphflow.InstanceSucceeded, record.State)

		stored, err := store.LoadInstance(ctx, record.ID)
		require.NoError(t, err)
		require.Equal(t, "hello", stored.Variables["b"])

		events, err := engine.History(ctx, record.ID)
		require.NoError(t, err)
		require.Len(t, events, 9)
	})
}
