package graphflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deepnoodle-ai/graphflow/retry"
	"github.com/stretchr/testify/require"
)

func publishGraph(t *testing.T, store *MemoryStore, g *Graph) *Snapshot {
	t.Helper()
	ctx := context.Background()
	def, err := NewDefinition(DefinitionOptions{Name: t.Name(), Nodes: g.Nodes, Edges: g.Edges})
	require.NoError(t, err)
	require.NoError(t, store.SaveDefinition(ctx, def))
	publisher, err := NewPublisher(PublisherOptions{Definitions: store, Snapshots: store})
	require.NoError(t, err)
	snapshot, err := publisher.Publish(ctx, def.ID)
	require.NoError(t, err)
	return snapshot
}

func newTestEngine(t *testing.T, store *MemoryStore, opts EngineOptions, executors ...NodeExecutor) *Engine {
	t.Helper()
	registry, err := NewRegistry(append(ControlExecutors(nil), executors...)...)
	require.NoError(t, err)
	opts.Registry = registry
	opts.Snapshots = store
	opts.Instances = store
	opts.Events = store
	engine, err := NewEngine(opts)
	require.NoError(t, err)
	return engine
}

// pathExecutor records which node ran in the "path" variable
func pathExecutor(types ...NodeType) NodeExecutor {
	return NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		return map[string]any{"path": node.Key}, nil
	}, types...)
}

func statuses(events []*HistoryEvent, key string) []NodeStatus {
	var out []NodeStatus
	for _, event := range events {
		if event.NodeKey == key {
			out = append(out, event.Status)
		}
	}
	return out
}

func TestEngineLinear(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, linearGraph())

	greet := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		return map[string]any{"greeting": fmt.Sprintf("hello %s", input["name"])}, nil
	}, NodeMapper)
	engine := newTestEngine(t, store, EngineOptions{}, greet)

	record, err := engine.Run(ctx, snapshot.ID, map[string]any{"name": "joe"})
	require.NoError(t, err)
	require.Equal(t, InstanceSucceeded, record.State)
	require.Nil(t, record.Failure)
	require.Equal(t, "hello joe", record.Variables["greeting"])
	require.Equal(t, map[string]any{"name": "joe"}, record.Inputs)
	require.Equal(t, snapshot.Version, record.Version)
	require.Empty(t, record.ActiveNodes)
	require.False(t, record.EndTime.IsZero())

	events, err := engine.History(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, []NodeStatus{NodeQueued, NodeRunning, NodeDone}, statuses(events, "start"))
	require.Equal(t, []NodeStatus{NodeQueued, NodeRunning, NodeDone}, statuses(events, "map"))
	require.Equal(t, []NodeStatus{NodeQueued, NodeRunning, NodeDone}, statuses(events, "end"))
	for i, event := range events {
		require.Equal(t, int64(i+1), event.Seq)
	}

	stored, err := store.LoadInstance(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, InstanceSucceeded, stored.State)

	summaries, err := engine.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, record.ID, summaries[0].InstanceID)
}

func conditionGraph() *Graph {
	return &Graph{
		Nodes: []*Node{
			{Key: "start", Type: NodeStart},
			{Key: "check", Type: NodeCondition, Config: map[string]any{"expression": "amount > 100"}},
			{Key: "big", Type: NodeMapper},
			{Key: "small", Type: NodeMapper},
			{Key: "end", Type: NodeEnd},
		},
		Edges: []*Edge{
			{From: "start", To: "check"},
			{From: "check", To: "big", Condition: "output.result"},
			{From: "check", To: "small", Default: true},
			{From: "big", To: "end"},
			{From: "small", To: "end"},
		},
	}
}

func TestEngineConditionRouting(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, conditionGraph())
	engine := newTestEngine(t, store, EngineOptions{}, pathExecutor(NodeMapper))

	tests := []struct {
		amount int
		want   string
	}{
		{amount: 500, want: "big"},
		{amount: 50, want: "small"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			record, err := engine.Run(ctx, snapshot.ID, map[string]any{"amount": tt.amount})
			require.NoError(t, err)
			require.Equal(t, InstanceSucceeded, record.State)
			require.Equal(t, tt.want, record.Variables["path"])
			require.Equal(t, tt.amount > 100, record.Variables["result"])
		})
	}
}

func TestEngineSwitchRouting(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g := &Graph{
		Nodes: []*Node{
			{Key: "start", Type: NodeStart},
			{Key: "tier", Type: NodeSwitch, Config: map[string]any{"value": "customer.tier"}},
			{Key: "gold", Type: NodeMapper},
			{Key: "silver", Type: NodeMapper},
			{Key: "basic", Type: NodeMapper},
			{Key: "end", Type: NodeEnd},
		},
		Edges: []*Edge{
			{From: "start", To: "tier"},
			{From: "tier", To: "gold", Condition: `output.value == "gold"`},
			{From: "tier", To: "silver", Condition: `output.value == "silver"`},
			{From: "tier", To: "basic", Default: true},
			{From: "gold", To: "end"},
			{From: "silver", To: "end"},
			{From: "basic", To: "end"},
		},
	}
	snapshot := publishGraph(t, store, g)
	engine := newTestEngine(t, store, EngineOptions{}, pathExecutor(NodeMapper))

	for _, tier := range []string{"gold", "silver", "bronze"} {
		t.Run(tier, func(t *testing.T) {
			record, err := engine.Run(ctx, snapshot.ID, map[string]any{
				"customer": map[string]any{"tier": tier},
			})
			require.NoError(t, err)
			require.Equal(t, InstanceSucceeded, record.State)
			want := tier
			if tier == "bronze" {
				want = "basic"
			}
			require.Equal(t, want, record.Variables["path"])
		})
	}
}

func TestEngineRoutingError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g := conditionGraph()
	g.Edges[2] = &Edge{From: "check", To: "small", Condition: "amount < 10"}
	snapshot := publishGraph(t, store, g)
	engine := newTestEngine(t, store, EngineOptions{}, pathExecutor(NodeMapper))

	record, err := engine.Run(ctx, snapshot.ID, map[string]any{"amount": 50})
	require.NoError(t, err)
	require.Equal(t, InstanceFailed, record.State)
	require.Equal(t, ErrorTypeRouting, record.Failure.Type)
	require.Equal(t, "check", record.Failure.NodeKey)
}

func TestEngineForEachLoop(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, loopGraph(map[string]any{"items": "list"}))

	collect := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		seen, _ := input["seen"].([]any)
		return map[string]any{"seen": append(seen, input["item"])}, nil
	}, NodeMapper)
	engine := newTestEngine(t, store, EngineOptions{}, collect)

	record, err := engine.Run(ctx, snapshot.ID, map[string]any{"list": []any{"a", "b", "c"}})
	require.NoError(t, err)
	require.Equal(t, InstanceSucceeded, record.State)
	require.Equal(t, []any{"a", "b", "c"}, record.Variables["seen"])
	require.Equal(t, false, record.Variables["_continue"])

	events, err := engine.History(ctx, record.ID)
	require.NoError(t, err)
	var iterations []int
	for _, event := range events {
		if event.NodeKey == "body" && event.Status == NodeDone {
			iterations = append(iterations, event.Iteration)
		}
	}
	require.Equal(t, []int{0, 0, 0}, iterations)
	require.Len(t, statuses(events, "loop"), 12)
}

func TestEngineLoopLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("max iterations", func(t *testing.T) {
		store := NewMemoryStore()
		snapshot := publishGraph(t, store, loopGraph(map[string]any{
			"condition":     "true",
			"maxIterations": 2,
		}))
		engine := newTestEngine(t, store, EngineOptions{}, pathExecutor(NodeMapper))

		record, err := engine.Run(ctx, snapshot.ID, nil)
		require.NoError(t, err)
		require.Equal(t, InstanceFailed, record.State)
		require.Equal(t, ErrorTypeLoopLimit, record.Failure.Type)
		require.Equal(t, "loop", record.Failure.NodeKey)
	})

	t.Run("step limit", func(t *testing.T) {
		store := NewMemoryStore()
		snapshot := publishGraph(t, store, linearGraph())
		engine := newTestEngine(t, store, EngineOptions{MaxSteps: 2}, pathExecutor(NodeMapper))

		record, err := engine.Run(ctx, snapshot.ID, nil)
		require.NoError(t, err)
		require.Equal(t, InstanceFailed, record.State)
		require.Equal(t, ErrorTypeLoopLimit, record.Failure.Type)
		require.Equal(t, "end", record.Failure.NodeKey)
	})
}

func TestEngineParallel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, parallelGraph())

	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	branch := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		arrived.Done()
		select {
		case <-both:
		case <-time.After(5 * time.Second):
			return nil, errors.New("branches did not run concurrently")
		}
		return map[string]any{node.Key: node.Key + "-done"}, nil
	}, NodeMapper)
	merge := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		return map[string]any{"merged": fmt.Sprintf("%v+%v", input["left"], input["right"])}, nil
	}, NodeMerger)
	engine := newTestEngine(t, store, EngineOptions{}, branch, merge)

	record, err := engine.Run(ctx, snapshot.ID, nil)
	require.NoError(t, err)
	require.Equal(t, InstanceSucceeded, record.State, "%+v", record.Failure)
	require.Equal(t, "left-done+right-done", record.Variables["merged"])

	events, err := engine.History(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, []NodeStatus{NodeQueued, NodeRunning, NodeDone}, statuses(events, "merge"))
}

func TestEngineParallelBranchFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, parallelGraph())

	var merged atomic.Bool
	branch := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		if node.Key == "left" {
			return nil, errors.New("left exploded")
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}, NodeMapper)
	merge := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		merged.Store(true)
		return nil, nil
	}, NodeMerger)
	engine := newTestEngine(t, store, EngineOptions{}, branch, merge)

	record, err := engine.Run(ctx, snapshot.ID, nil)
	require.NoError(t, err)
	require.Equal(t, InstanceFailed, record.State)
	require.Equal(t, ErrorTypeNodeExecution, record.Failure.Type)
	require.Equal(t, "left", record.Failure.NodeKey)
	require.False(t, merged.Load())
}

func TestEngineCancelDuringParallel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, parallelGraph())

	started := make(chan string, 2)
	var finished, observed atomic.Int32
	var merged atomic.Bool
	branch := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		started <- node.Key
		<-ctx.Done()
		if ec.Cancelled() {
			observed.Add(1)
		}
		time.Sleep(20 * time.Millisecond)
		finished.Add(1)
		return nil, ctx.Err()
	}, NodeMapper)
	merge := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		merged.Store(true)
		return nil, nil
	}, NodeMerger)
	engine := newTestEngine(t, store, EngineOptions{}, branch, merge)

	id, err := engine.Start(ctx, snapshot.ID, nil)
	require.NoError(t, err)
	<-started
	<-started

	require.NoError(t, engine.Cancel(id))
	record, err := engine.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, InstanceCancelled, record.State)
	require.Equal(t, ErrorTypeCancellation, record.Failure.Type)
	require.Equal(t, int32(2), finished.Load())
	require.Equal(t, int32(2), observed.Load())
	require.False(t, merged.Load())

	// Cancelling a terminal instance is a no-op
	require.NoError(t, engine.Cancel(id))
	again, err := engine.Instance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, InstanceCancelled, again.State)
}

func TestEngineCancelUnknownInstance(t *testing.T) {
	store := NewMemoryStore()
	engine := newTestEngine(t, store, EngineOptions{})
	err := engine.Cancel("inst_missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)

	_, err = engine.History(context.Background(), "inst_missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func errorGraph(work *Node) *Graph {
	return &Graph{
		Nodes: []*Node{
			{Key: "start", Type: NodeStart},
			work,
			{Key: "handler", Type: NodeValidator},
			{Key: "end", Type: NodeEnd},
		},
		Edges: []*Edge{
			{From: "start", To: work.Key},
			{From: work.Key, To: "end"},
			{From: work.Key, To: "handler", Kind: EdgeError},
			{From: "handler", To: "end"},
		},
	}
}

func TestEngineErrorEdge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, errorGraph(&Node{Key: "work", Type: NodeTool}))

	failing := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		return nil, errors.New("upstream unavailable")
	}, NodeTool)
	handler := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		failure := input["_error"].(map[string]any)
		return map[string]any{"handled": failure["node"], "kind": failure["type"]}, nil
	}, NodeValidator)
	engine := newTestEngine(t, store, EngineOptions{}, failing, handler)

	record, err := engine.Run(ctx, snapshot.ID, nil)
	require.NoError(t, err)
	require.Equal(t, InstanceSucceeded, record.State)
	require.Equal(t, "work", record.Variables["handled"])
	require.Equal(t, ErrorTypeNodeExecution, record.Variables["kind"])

	events, err := engine.History(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, []NodeStatus{NodeQueued, NodeRunning, NodeError}, statuses(events, "work"))
	require.Contains(t, events[5].Error, "upstream unavailable")
}

func TestEngineSkipOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g := linearGraph()
	g.Nodes[1].SkipOnError = true
	snapshot := publishGraph(t, store, g)

	failing := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		return nil, errors.New("bad row")
	}, NodeMapper)
	engine := newTestEngine(t, store, EngineOptions{}, failing)

	record, err := engine.Run(ctx, snapshot.ID, nil)
	require.NoError(t, err)
	require.Equal(t, InstanceSucceeded, record.State)

	events, err := engine.History(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, []NodeStatus{NodeQueued, NodeRunning, NodeError, NodeSkipped}, statuses(events, "map"))
	require.Equal(t, []NodeStatus{NodeQueued, NodeRunning, NodeDone}, statuses(events, "end"))
}

func TestEngineRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	g := linearGraph()
	g.Nodes[1].Retry = &RetryPolicy{MaxAttempts: 3, InitialInterval: Duration(time.Millisecond)}
	snapshot := publishGraph(t, store, g)

	var calls atomic.Int32
	flaky := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("flaky")
		}
		return map[string]any{"attempt": node.Attempt}, nil
	}, NodeMapper)
	engine := newTestEngine(t, store, EngineOptions{}, flaky)

	record, err := engine.Run(ctx, snapshot.ID, nil)
	require.NoError(t, err)
	require.Equal(t, InstanceSucceeded, record.State)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, 3, record.Variables["attempt"])

	events, err := engine.History(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, []NodeStatus{
		NodeQueued,
		NodeRunning, NodeError,
		NodeRunning, NodeError,
		NodeRunning, NodeDone,
	}, statuses(events, "map"))
}

func TestEngineRetryOnErrorTypes(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		retryOn []string
		err     error
		calls   int32
	}{
		{"any error by default", nil, errors.New("boom"), 3},
		{"plain error is not a timeout", []string{ErrorTypeTimeout}, errors.New("boom"), 1},
		{"marked recoverable is transient", []string{ErrorTypeTransient}, retry.NewRecoverableError(errors.New("boom")), 3},
		{"transient message", []string{ErrorTypeTransient}, errors.New("upstream: service unavailable"), 3},
		{"plain error is not transient", []string{ErrorTypeTransient}, errors.New("boom"), 1},
		{"marked non-recoverable", []string{ErrorTypeAll}, retry.NewNonRecoverableError(errors.New("service unavailable")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			g := linearGraph()
			g.Nodes[1].Retry = &RetryPolicy{
				MaxAttempts:     3,
				InitialInterval: Duration(time.Millisecond),
				RetryOn:         tt.retryOn,
			}
			snapshot := publishGraph(t, store, g)

			var calls atomic.Int32
			failing := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
				calls.Add(1)
				return nil, tt.err
			}, NodeMapper)
			engine := newTestEngine(t, store, EngineOptions{}, failing)

			record, err := engine.Run(ctx, snapshot.ID, nil)
			require.NoError(t, err)
			require.Equal(t, InstanceFailed, record.State)
			require.Equal(t, ErrorTypeNodeExecution, record.Failure.Type)
			require.Equal(t, tt.calls, calls.Load())
		})
	}
}

func TestEngineExecutorPanic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, linearGraph())

	exploding := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		var items []any
		return map[string]any{"first": items[0]}, nil
	}, NodeMapper)
	engine := newTestEngine(t, store, EngineOptions{}, exploding)

	record, err := engine.Run(ctx, snapshot.ID, nil)
	require.NoError(t, err)
	require.Equal(t, InstanceFailed, record.State)
	require.Equal(t, ErrorTypeNodeExecution, record.Failure.Type)
	require.Equal(t, "map", record.Failure.NodeKey)
	require.Contains(t, record.Failure.Message, "executor panicked")

	// The engine keeps serving other instances
	second, err := engine.Run(ctx, snapshot.ID, nil)
	require.NoError(t, err)
	require.Equal(t, InstanceFailed, second.State)

	events, err := engine.History(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, []NodeStatus{NodeQueued, NodeRunning, NodeError}, statuses(events, "map"))
}

func TestEngineConfigurationErrorsAreFatal(t *testing.T) {
	ctx := context.Background()

	t.Run("executor config error", func(t *testing.T) {
		store := NewMemoryStore()
		g := linearGraph()
		g.Nodes[1].SkipOnError = true
		g.Nodes[1].Retry = &RetryPolicy{MaxAttempts: 5, InitialInterval: Duration(time.Millisecond)}
		snapshot := publishGraph(t, store, g)

		var calls atomic.Int32
		broken := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
			calls.Add(1)
			return nil, NewConfigurationError("mapping is required")
		}, NodeMapper)
		engine := newTestEngine(t, store, EngineOptions{}, broken)

		record, err := engine.Run(ctx, snapshot.ID, nil)
		require.NoError(t, err)
		require.Equal(t, InstanceFailed, record.State)
		require.Equal(t, ErrorTypeConfiguration, record.Failure.Type)
		require.Equal(t, "map", record.Failure.NodeKey)
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("unregistered node type", func(t *testing.T) {
		store := NewMemoryStore()
		g := linearGraph()
		g.Nodes[1].Type = NodeHTTP
		snapshot := publishGraph(t, store, g)
		engine := newTestEngine(t, store, EngineOptions{})

		record, err := engine.Run(ctx, snapshot.ID, nil)
		require.NoError(t, err)
		require.Equal(t, InstanceFailed, record.State)
		require.Equal(t, ErrorTypeConfiguration, record.Failure.Type)
		require.Equal(t, "map", record.Failure.NodeKey)
	})
}

func TestEngineTimeouts(t *testing.T) {
	ctx := context.Background()
	blocking := func() NodeExecutor {
		return NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, NodeMapper)
	}

	t.Run("node timeout", func(t *testing.T) {
		store := NewMemoryStore()
		g := linearGraph()
		g.Nodes[1].Timeout = Duration(20 * time.Millisecond)
		snapshot := publishGraph(t, store, g)
		engine := newTestEngine(t, store, EngineOptions{}, blocking())

		record, err := engine.Run(ctx, snapshot.ID, nil)
		require.NoError(t, err)
		require.Equal(t, InstanceTimedOut, record.State)
		require.Equal(t, ErrorTypeTimeout, record.Failure.Type)
		require.Equal(t, "map", record.Failure.NodeKey)
	})

	t.Run("instance timeout", func(t *testing.T) {
		store := NewMemoryStore()
		snapshot := publishGraph(t, store, linearGraph())
		engine := newTestEngine(t, store, EngineOptions{InstanceTimeout: 30 * time.Millisecond}, blocking())

		record, err := engine.Run(ctx, snapshot.ID, nil)
		require.NoError(t, err)
		require.Equal(t, InstanceTimedOut, record.State)
		require.Contains(t, record.Failure.Message, "instance timed out")
	})

	t.Run("timeout routed to error edge", func(t *testing.T) {
		store := NewMemoryStore()
		work := &Node{Key: "work", Type: NodeMapper, Timeout: Duration(10 * time.Millisecond)}
		snapshot := publishGraph(t, store, errorGraph(work))
		engine := newTestEngine(t, store, EngineOptions{}, blocking(), pathExecutor(NodeValidator))

		record, err := engine.Run(ctx, snapshot.ID, nil)
		require.NoError(t, err)
		require.Equal(t, InstanceSucceeded, record.State)
		require.Equal(t, "handler", record.Variables["path"])
		failure := record.Variables["_error"].(map[string]any)
		require.Equal(t, ErrorTypeTimeout, failure["type"])
	})
}

func TestEngineDeterminism(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, conditionGraph())
	engine := newTestEngine(t, store, EngineOptions{}, pathExecutor(NodeMapper))

	inputs := map[string]any{"amount": 250}
	first, err := engine.Run(ctx, snapshot.ID, inputs)
	require.NoError(t, err)
	second, err := engine.Run(ctx, snapshot.ID, inputs)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, first.State, second.State)
	require.Equal(t, first.Variables, second.Variables)
	require.Equal(t, first.NodeOutputs, second.NodeOutputs)
}

func TestEngineResume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, linearGraph())

	countStarts := &recordingCallbacks{}
	greet := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		return map[string]any{"greeting": fmt.Sprintf("hello %s", input["name"])}, nil
	}, NodeMapper)
	engine := newTestEngine(t, store, EngineOptions{Callbacks: countStarts}, greet)

	record := &InstanceRecord{
		ID:          NewInstanceID(),
		SnapshotID:  snapshot.ID,
		Version:     snapshot.Version,
		State:       InstanceRunning,
		ActiveNodes: []string{"map"},
		Inputs:      map[string]any{"name": "ada"},
		Variables:   map[string]any{"name": "ada"},
		StartTime:   time.Now().UTC(),
	}
	require.NoError(t, store.SaveInstance(ctx, record))
	require.NoError(t, store.AppendEvent(ctx, &HistoryEvent{InstanceID: record.ID, Seq: 1, NodeKey: "start", Status: NodeDone}))

	require.NoError(t, engine.Resume(ctx, record.ID))
	final, err := engine.Wait(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, InstanceSucceeded, final.State)
	require.Equal(t, "hello ada", final.Variables["greeting"])
	require.NotContains(t, countStarts.nodes(), "start")

	events, err := engine.History(ctx, record.ID)
	require.NoError(t, err)
	for i, event := range events {
		require.Equal(t, int64(i+1), event.Seq)
	}

	err = engine.Resume(ctx, record.ID)
	require.ErrorIs(t, err, ErrNotResumable)
}

func TestEngineResumeRejectsLoopAndBranchState(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		graph  *Graph
		active string
	}{
		{"loop body", loopGraph(map[string]any{"items": "list"}), "body"},
		{"loop node", loopGraph(map[string]any{"items": "list"}), "loop"},
		{"parallel branch", parallelGraph(), "left"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			snapshot := publishGraph(t, store, tt.graph)

			var calls atomic.Int32
			counting := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
				calls.Add(1)
				return nil, nil
			}, NodeMapper, NodeMerger)
			engine := newTestEngine(t, store, EngineOptions{}, counting)

			record := &InstanceRecord{
				ID:          NewInstanceID(),
				SnapshotID:  snapshot.ID,
				Version:     snapshot.Version,
				State:       InstanceRunning,
				ActiveNodes: []string{tt.active},
				Variables:   map[string]any{"list": []any{"a", "b", "c"}},
				StartTime:   time.Now().UTC(),
			}
			require.NoError(t, store.SaveInstance(ctx, record))

			err := engine.Resume(ctx, record.ID)
			require.ErrorIs(t, err, ErrNotResumable)
			require.Contains(t, err.Error(), tt.active)
			require.Equal(t, int32(0), calls.Load())

			loaded, err := store.LoadInstance(ctx, record.ID)
			require.NoError(t, err)
			require.Equal(t, InstanceRunning, loaded.State)
		})
	}
}

type recordingCallbacks struct {
	BaseExecutionCallbacks
	mutex     sync.Mutex
	keys      []string
	instances int
}

func (c *recordingCallbacks) AfterNodeExecution(ctx context.Context, event *NodeExecutionEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.keys = append(c.keys, event.NodeKey)
}

func (c *recordingCallbacks) AfterInstanceExecution(ctx context.Context, event *InstanceExecutionEvent) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.instances++
}

func (c *recordingCallbacks) nodes() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]string(nil), c.keys...)
}

func TestEngineCallbacks(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, linearGraph())
	callbacks := &recordingCallbacks{}
	engine := newTestEngine(t, store, EngineOptions{Callbacks: NewCallbackChain(callbacks)}, pathExecutor(NodeMapper))

	_, err := engine.Run(ctx, snapshot.ID, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"start", "map", "end"}, callbacks.nodes())
	require.Equal(t, 1, callbacks.instances)
}

func TestEngineUnknownSnapshot(t *testing.T) {
	store := NewMemoryStore()
	engine := newTestEngine(t, store, EngineOptions{})
	_, err := engine.Start(context.Background(), "snap_missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngineShutdown(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snapshot := publishGraph(t, store, linearGraph())
	started := make(chan struct{})
	blocking := NewExecutorFunc(func(ctx context.Context, node NodeInfo, input map[string]any, ec *ExecutionContext) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}, NodeMapper)
	engine := newTestEngine(t, store, EngineOptions{}, blocking)

	id, err := engine.Start(ctx, snapshot.ID, nil)
	require.NoError(t, err)
	<-started

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, engine.Shutdown(shutdownCtx))

	record, err := engine.Instance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, InstanceCancelled, record.State)
}
