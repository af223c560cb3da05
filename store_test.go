package graphflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRecord(id string, started time.Time) *InstanceRecord {
	return &InstanceRecord{
		ID:          id,
		SnapshotID:  "snap_1",
		Version:     1,
		Name:        "orders",
		State:       InstanceRunning,
		ActiveNodes: []string{"map"},
		Inputs:      map[string]any{"n": 1.0},
		Variables:   map[string]any{"n": 1.0, "list": []any{"a"}},
		NodeOutputs: map[string]map[string]any{"start": {}},
		StartTime:   started,
	}
}

func TestMemoryStoreInstances(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.LoadInstance(ctx, "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)

	now := time.Now().UTC()
	record := testRecord("inst_a", now.Add(-time.Minute))
	require.NoError(t, store.SaveInstance(ctx, record))

	// Saved records are copies
	record.Variables["list"] = "mutated"
	loaded, err := store.LoadInstance(ctx, "inst_a")
	require.NoError(t, err)
	require.Equal(t, []any{"a"}, loaded.Variables["list"])
	require.False(t, loaded.UpdatedAt.IsZero())

	require.NoError(t, store.SaveInstance(ctx, testRecord("inst_b", now)))
	summaries, err := store.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "inst_b", summaries[0].InstanceID)
	require.Equal(t, "inst_a", summaries[1].InstanceID)
}

func TestMemoryStoreEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for _, seq := range []int64{2, 1, 3} {
		require.NoError(t, store.AppendEvent(ctx, &HistoryEvent{InstanceID: "inst_a", Seq: seq, NodeKey: "n"}))
	}
	events, err := store.Events(ctx, "inst_a")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, event := range events {
		require.Equal(t, int64(i+1), event.Seq)
	}

	events, err = store.Events(ctx, "inst_other")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestFileInstanceStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileInstanceStore(dir)
	require.NoError(t, err)

	_, err = store.LoadInstance(ctx, "missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)

	started := time.Now().UTC().Truncate(time.Second)
	record := testRecord("inst_a", started)
	require.NoError(t, store.SaveInstance(ctx, record))

	record.State = InstanceSucceeded
	record.ActiveNodes = nil
	record.Failure = nil
	require.NoError(t, store.SaveInstance(ctx, record))

	loaded, err := store.LoadInstance(ctx, "inst_a")
	require.NoError(t, err)
	require.Equal(t, InstanceSucceeded, loaded.State)
	require.Equal(t, record.Variables, loaded.Variables)
	require.True(t, started.Equal(loaded.StartTime))

	files, err := filepath.Glob(filepath.Join(dir, "inst_a", "checkpoint-*.json"))
	require.NoError(t, err)
	require.Len(t, files, 2)

	summaries, err := store.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, InstanceSucceeded, summaries[0].State)

	require.NoError(t, store.DeleteInstance(ctx, "inst_a"))
	_, err = os.Stat(filepath.Join(dir, "inst_a"))
	require.True(t, os.IsNotExist(err))
}

func TestFileEventLog(t *testing.T) {
	ctx := context.Background()
	log := NewFileEventLog(t.TempDir())

	events, err := log.Events(ctx, "inst_a")
	require.NoError(t, err)
	require.Empty(t, events)

	require.NoError(t, log.AppendEvent(ctx, &HistoryEvent{
		InstanceID: "inst_a", Seq: 1, NodeKey: "start", NodeType: NodeStart, Status: NodeDone,
	}))
	require.NoError(t, log.AppendEvent(ctx, &HistoryEvent{
		InstanceID: "inst_a", Seq: 2, NodeKey: "map", NodeType: NodeMapper, Status: NodeError,
		ErrorType: ErrorTypeNodeExecution, Error: "boom",
	}))

	events, err = log.Events(ctx, "inst_a")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "map", events[1].NodeKey)
	require.Equal(t, NodeError, events[1].Status)
	require.Equal(t, "boom", events[1].Error)
}

func TestEngineWithFileStores(t *testing.T) {
	ctx := context.Background()
	snapshots := NewMemoryStore()
	snapshot := publishGraph(t, snapshots, linearGraph())

	dir := t.TempDir()
	instances, err := NewFileInstanceStore(filepath.Join(dir, "instances"))
	require.NoError(t, err)
	registry, err := NewRegistry(append(ControlExecutors(nil), pathExecutor(NodeMapper))...)
	require.NoError(t, err)
	engine, err := NewEngine(EngineOptions{
		Registry:  registry,
		Snapshots: snapshots,
		Instances: instances,
		Events:    NewFileEventLog(filepath.Join(dir, "events")),
	})
	require.NoError(t, err)

	record, err := engine.Run(ctx, snapshot.ID, nil)
	require.NoError(t, err)
	require.Equal(t, InstanceSucceeded, record.State)

	stored, err := instances.LoadInstance(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, InstanceSucceeded, stored.State)
	require.Equal(t, "map", stored.Variables["path"])

	events, err := engine.History(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, events, 9)
}

func TestDigest(t *testing.T) {
	require.Equal(t, "", digest(nil))
	require.Equal(t, `{"a":1}`, digest(map[string]any{"a": 1}))

	long := map[string]any{"text": string(make([]byte, 1000))}
	d := digest(long)
	require.Len(t, d, maxDigestLength)
	require.Equal(t, "...", d[len(d)-3:])
}
