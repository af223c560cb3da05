package graphflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/graphflow/expression"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrency   = 16
	DefaultMaxSteps         = 10000
	DefaultSnapshotCacheTTL = 10 * time.Minute
)

// EngineOptions configures an Engine
type EngineOptions struct {
	// Registry resolves node types to executors. Required.
	Registry *Registry

	// Snapshots supplies the snapshots instances run against. Required.
	Snapshots SnapshotStore

	// Instances persists instance records. Defaults to a MemoryStore.
	Instances InstanceStore

	// Events persists node history. Defaults to a MemoryStore.
	Events EventLog

	Compiler  expression.Compiler
	Logger    *slog.Logger
	Callbacks ExecutionCallbacks

	// MaxConcurrency bounds node executions in flight across all instances
	MaxConcurrency int64

	// DefaultNodeTimeout applies to nodes without their own timeout. Zero
	// means no limit.
	DefaultNodeTimeout time.Duration

	// InstanceTimeout bounds the whole run of an instance. Zero means no
	// limit.
	InstanceTimeout time.Duration

	// MaxSteps bounds the number of node visits of one instance
	MaxSteps int

	// SnapshotCacheTTL controls how long compiled snapshots are cached
	SnapshotCacheTTL time.Duration
}

// Engine runs instances of published snapshots. One engine may run any
// number of instances concurrently; node executions are bounded by a
// shared pool of slots.
type Engine struct {
	registry           *Registry
	snapshots          SnapshotStore
	instances          InstanceStore
	events             EventLog
	compiler           expression.Compiler
	logger             *slog.Logger
	callbacks          ExecutionCallbacks
	defaultNodeTimeout time.Duration
	instanceTimeout    time.Duration
	maxSteps           int
	slots              *semaphore.Weighted
	plans              *cache.Cache

	mutex sync.Mutex
	runs  map[string]*run
	wg    sync.WaitGroup
}

// NewEngine returns a new Engine
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if opts.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if opts.Instances == nil || opts.Events == nil {
		memory := NewMemoryStore()
		if opts.Instances == nil {
			opts.Instances = memory
		}
		if opts.Events == nil {
			opts.Events = memory
		}
	}
	if opts.Compiler == nil {
		opts.Compiler = expression.NewCompiler()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseExecutionCallbacks{}
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	if opts.SnapshotCacheTTL <= 0 {
		opts.SnapshotCacheTTL = DefaultSnapshotCacheTTL
	}
	return &Engine{
		registry:           opts.Registry,
		snapshots:          opts.Snapshots,
		instances:          opts.Instances,
		events:             opts.Events,
		compiler:           opts.Compiler,
		logger:             opts.Logger,
		callbacks:          opts.Callbacks,
		defaultNodeTimeout: opts.DefaultNodeTimeout,
		instanceTimeout:    opts.InstanceTimeout,
		maxSteps:           opts.MaxSteps,
		slots:              semaphore.NewWeighted(opts.MaxConcurrency),
		plans:              cache.New(opts.SnapshotCacheTTL, 2*opts.SnapshotCacheTTL),
		runs:               map[string]*run{},
	}, nil
}

// plan returns the compiled plan of a snapshot, compiling and caching it on
// first use.
func (e *Engine) plan(ctx context.Context, snapshotID string) (*plan, error) {
	if cached, ok := e.plans.Get(snapshotID); ok {
		return cached.(*plan), nil
	}
	snapshot, err := e.snapshots.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	p, err := compilePlan(ctx, snapshot, e.compiler)
	if err != nil {
		return nil, err
	}
	e.plans.Set(snapshotID, p, cache.DefaultExpiration)
	return p, nil
}

// Start creates an instance of a snapshot and runs it in the background.
// It returns the new instance ID once the instance has been persisted.
func (e *Engine) Start(ctx context.Context, snapshotID string, variables map[string]any) (string, error) {
	p, err := e.plan(ctx, snapshotID)
	if err != nil {
		return "", err
	}
	record := &InstanceRecord{
		ID:           NewInstanceID(),
		SnapshotID:   p.snapshot.ID,
		DefinitionID: p.snapshot.DefinitionID,
		Version:      p.snapshot.Version,
		Name:         p.snapshot.Name,
		State:        InstancePending,
		Inputs:       copyMap(variables),
		Variables:    copyMap(variables),
		NodeOutputs:  map[string]map[string]any{},
	}
	if err := e.instances.SaveInstance(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save instance: %w", err)
	}
	e.launch(ctx, p, record, p.start, 0)
	return record.ID, nil
}

// Run starts an instance and waits for it to reach a terminal state
func (e *Engine) Run(ctx context.Context, snapshotID string, variables map[string]any) (*InstanceRecord, error) {
	id, err := e.Start(ctx, snapshotID, variables)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, id)
}

// Resume continues an instance that was persisted mid-run, for example by
// a process that crashed. A PENDING instance restarts from START; a RUNNING
// instance restarts the single node it was executing. Instances with more
// than one active node cannot be resumed, nor can instances stopped at a
// LOOP node, inside a loop body or inside a parallel branch, since loop
// counters and branch state are not persisted.
func (e *Engine) Resume(ctx context.Context, instanceID string) error {
	if _, ok := e.live(instanceID); ok {
		return fmt.Errorf("%w: %s", ErrInstanceRunning, instanceID)
	}
	record, err := e.instances.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	var from string
	switch {
	case record.State == InstanceRunning && len(record.ActiveNodes) == 1:
		from = record.ActiveNodes[0]
	case record.State == InstancePending:
	default:
		return fmt.Errorf("%w: %s is %s with %d active nodes",
			ErrNotResumable, instanceID, record.State, len(record.ActiveNodes))
	}
	p, err := e.plan(ctx, record.SnapshotID)
	if err != nil {
		return err
	}
	if from == "" {
		from = p.start
	}
	if _, ok := p.arena.node(from); !ok {
		return fmt.Errorf("%w: node %q not found in snapshot", ErrNotResumable, from)
	}
	if owner, ok := p.enclosing[from]; ok {
		return fmt.Errorf("%w: node %q depends on the in-memory state of %q", ErrNotResumable, from, owner)
	}
	var seq int64
	events, err := e.events.Events(ctx, instanceID)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		seq = events[len(events)-1].Seq
	}
	e.logger.Info("resuming instance", "instance_id", instanceID, "node_key", from)
	e.launch(ctx, p, record, from, seq)
	return nil
}

func (e *Engine) launch(ctx context.Context, p *plan, record *InstanceRecord, from string, seq int64) {
	r := newRun(ctx, e, p, record)
	r.seq.Store(seq)
	e.mutex.Lock()
	e.runs[record.ID] = r
	e.mutex.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		r.execute(from)
		e.mutex.Lock()
		delete(e.runs, record.ID)
		e.mutex.Unlock()
		close(r.done)
	}()
}

func (e *Engine) live(id string) (*run, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// Wait blocks until an instance reaches a terminal state and returns its
// final record. Instance failures are reported through the record's State
// and Failure fields, not through the returned error.
func (e *Engine) Wait(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	if r, ok := e.live(instanceID); ok {
		select {
		case <-r.done:
			return r.currentRecord(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.instances.LoadInstance(ctx, instanceID)
}

// Cancel asks an instance to stop. In-flight nodes observe the request
// through their context and ExecutionContext.Cancelled; the instance becomes
// CANCELLED once every branch has returned. Cancelling a terminal instance
// is a no-op.
func (e *Engine) Cancel(instanceID string) error {
	if r, ok := e.live(instanceID); ok {
		r.requestCancel()
		return nil
	}
	ctx := context.Background()
	record, err := e.instances.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if record.State.IsTerminal() {
		return nil
	}
	// Not running in this process: the record is orphaned
	if err := record.transition(InstanceCancelled); err != nil {
		return err
	}
	record.EndTime = time.Now().UTC()
	record.ActiveNodes = nil
	record.Failure = &FailureCause{Type: ErrorTypeCancellation, Message: "instance cancelled"}
	return e.instances.SaveInstance(ctx, record)
}

// Instance returns the current record of an instance
func (e *Engine) Instance(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	if r, ok := e.live(instanceID); ok {
		return r.currentRecord(), nil
	}
	return e.instances.LoadInstance(ctx, instanceID)
}

// History returns the node events of an instance in the order they occurred
func (e *Engine) History(ctx context.Context, instanceID string) ([]*HistoryEvent, error) {
	if _, ok := e.live(instanceID); !ok {
		if _, err := e.instances.LoadInstance(ctx, instanceID); err != nil {
			return nil, err
		}
	}
	return e.events.Events(ctx, instanceID)
}

// ListInstances returns summaries of all persisted instances
func (e *Engine) ListInstances(ctx context.Context) ([]*InstanceSummary, error) {
	return e.instances.ListInstances(ctx)
}

// Shutdown cancels every running instance and waits for them to finish or
// for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mutex.Lock()
	for _, r := range e.runs {
		r.requestCancel()
	}
	e.mutex.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ctx.Err(), fmt.Errorf("instances still running"))
	}
}
