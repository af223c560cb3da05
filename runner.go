package graphflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deepnoodle-ai/graphflow/expression"
	"github.com/deepnoodle-ai/graphflow/retry"
)

const (
	defaultRetryWait     = 200 * time.Millisecond
	defaultRetryMaxWait  = 30 * time.Second
	defaultRetryMultiple = 2.0
)

// run is the in-process state of one executing instance
type run struct {
	engine *Engine
	plan   *plan
	ec     *ExecutionContext
	logger *slog.Logger

	// ctx is cancelled by Cancel or by the instance timeout. bg outlives it
	// and is used for persistence.
	ctx    context.Context
	bg     context.Context
	cancel context.CancelFunc
	done   chan struct{}

	seq   atomic.Int64
	steps atomic.Int64

	mutex  sync.Mutex
	record *InstanceRecord
	active map[string]int
}

func newRun(parent context.Context, e *Engine, p *plan, record *InstanceRecord) *run {
	bg := context.WithoutCancel(parent)
	ctx := bg
	var cancelTimeout context.CancelFunc = func() {}
	if e.instanceTimeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(bg, e.instanceTimeout)
	}
	ctx, cancel := context.WithCancel(ctx)

	logger := e.logger.With("instance_id", record.ID)
	ec := NewExecutionContext(ExecutionContextOptions{
		InstanceID:  record.ID,
		Variables:   record.Variables,
		NodeOutputs: record.NodeOutputs,
		Logger:      logger,
		Compiler:    e.compiler,
	})
	return &run{
		engine: e,
		plan:   p,
		ec:     ec,
		logger: logger,
		ctx:    ctx,
		bg:     bg,
		cancel: func() {
			cancel()
			cancelTimeout()
		},
		done:   make(chan struct{}),
		record: record.clone(),
		active: map[string]int{},
	}
}

func (r *run) requestCancel() {
	r.ec.cancel()
	r.cancel()
}

// currentRecord returns a copy of the record with the latest variables
func (r *run) currentRecord() *InstanceRecord {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	record := r.record.clone()
	if !record.State.IsTerminal() {
		record.Variables, record.NodeOutputs = r.ec.snapshot()
	}
	return record
}

func (r *run) checkpoint() {
	record := r.currentRecord()
	if err := r.engine.instances.SaveInstance(r.bg, record); err != nil {
		r.logger.Error("failed to save instance", "error", err)
	}
}

func (r *run) execute(from string) {
	defer r.cancel()

	r.mutex.Lock()
	if r.record.State == InstancePending {
		if err := r.record.transition(InstanceRunning); err != nil {
			r.logger.Error("failed to start instance", "error", err)
		}
	}
	if r.record.StartTime.IsZero() {
		r.record.StartTime = time.Now().UTC()
	}
	r.mutex.Unlock()
	r.checkpoint()

	r.engine.callbacks.BeforeInstanceExecution(r.ctx, r.instanceEvent(nil))
	r.logger.Info("instance started",
		"snapshot_id", r.plan.snapshot.ID,
		"version", r.plan.snapshot.Version,
		"node_key", from)

	err := r.walk(r.ctx, from, "", "main")
	r.finish(err)

	r.engine.callbacks.AfterInstanceExecution(r.bg, r.instanceEvent(err))
}

func (r *run) finalState(err error) InstanceState {
	switch {
	case r.ec.Cancelled():
		return InstanceCancelled
	case err == nil:
		return InstanceSucceeded
	case ErrorType(err) == ErrorTypeTimeout:
		return InstanceTimedOut
	case ErrorType(err) == ErrorTypeCancellation:
		return InstanceCancelled
	default:
		return InstanceFailed
	}
}

func (r *run) finish(err error) {
	state := r.finalState(err)
	variables, outputs := r.ec.snapshot()

	r.mutex.Lock()
	if terr := r.record.transition(state); terr != nil {
		r.logger.Error("failed to finish instance", "error", terr)
	}
	r.record.EndTime = time.Now().UTC()
	r.record.ActiveNodes = nil
	r.record.Variables = variables
	r.record.NodeOutputs = outputs
	if state != InstanceSucceeded {
		r.record.Failure = ClassifyError(err)
		if r.record.Failure == nil {
			r.record.Failure = &FailureCause{Type: ErrorTypeCancellation, Message: "instance cancelled"}
		}
	}
	duration := r.record.Duration()
	r.mutex.Unlock()
	r.checkpoint()

	if state == InstanceSucceeded {
		r.logger.Info("instance succeeded", "duration", duration)
	} else {
		r.logger.Warn("instance ended", "state", state, "duration", duration, "error", err)
	}
}

func (r *run) instanceEvent(err error) *InstanceExecutionEvent {
	record := r.currentRecord()
	return &InstanceExecutionEvent{
		InstanceID:   record.ID,
		SnapshotID:   record.SnapshotID,
		DefinitionID: record.DefinitionID,
		Version:      record.Version,
		State:        record.State,
		StartTime:    record.StartTime,
		EndTime:      record.EndTime,
		Duration:     record.Duration(),
		Inputs:       record.Inputs,
		Variables:    record.Variables,
		Error:        err,
	}
}

// walk follows the graph from key until it reaches an END node, the stop
// key or a node with nothing left to route to. branch labels the current
// parallel branch for conflict detection.
func (r *run) walk(ctx context.Context, key, stop, branch string) error {
	for key != "" && key != stop {
		if err := r.step(ctx, key); err != nil {
			return err
		}
		node, ok := r.plan.arena.node(key)
		if !ok {
			return NewConfigurationError("node %q not found in snapshot %s", key, r.plan.snapshot.ID)
		}
		var next string
		var err error
		switch node.Type {
		case NodeParallel:
			next, err = r.runParallel(ctx, node, stop, branch)
		case NodeLoop:
			next, err = r.runLoop(ctx, node, stop, branch)
		default:
			next, err = r.runNode(ctx, node, stop, branch)
		}
		if err != nil {
			return err
		}
		key = next
	}
	return nil
}

// step checks for cancellation, deadlines and the step limit before a node
// is visited.
func (r *run) step(ctx context.Context, key string) error {
	if r.ec.Cancelled() {
		return &CancellationError{NodeKey: key}
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{NodeKey: key, Instance: true}
		}
		return &CancellationError{NodeKey: key}
	}
	if n := r.steps.Add(1); n > int64(r.engine.maxSteps) {
		return &LoopLimitError{NodeKey: key, Limit: r.engine.maxSteps, Steps: true}
	}
	return nil
}

func (r *run) runNode(ctx context.Context, node *Node, stop, branch string) (string, error) {
	output, err := r.dispatch(ctx, node, 0, branch)
	if err != nil {
		return r.recover(ctx, node, err, stop, branch)
	}
	if node.Type == NodeEnd {
		return "", nil
	}
	return r.route(ctx, node, output, stop, branch)
}

func (r *run) runParallel(ctx context.Context, node *Node, stop, branch string) (string, error) {
	output, err := r.dispatch(ctx, node, 0, branch)
	if err != nil {
		return r.recover(ctx, node, err, stop, branch)
	}
	join := r.plan.joins[node.Key]
	bound := join
	if bound == "" {
		bound = stop
	}
	env := r.guardEnv(output)
	var targets []string
	for _, e := range r.plan.arena.outgoingKind(node.Key, EdgeNormal) {
		if e.To == join || containsKey(targets, e.To) {
			continue
		}
		if r.guard(ctx, e, env) {
			targets = append(targets, e.To)
		}
	}

	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		label := fmt.Sprintf("%s/%s:%d", branch, node.Key, i)
		wg.Add(1)
		go func(i int, target, label string) {
			defer wg.Done()
			if err := r.walk(branchCtx, target, bound, label); err != nil {
				errs[i] = err
				cancel()
			}
		}(i, target, label)
	}
	wg.Wait()

	if err := firstBranchError(errs); err != nil {
		return "", err
	}
	return join, nil
}

// firstBranchError returns the first error that is not a consequence of a
// sibling branch being cancelled.
func firstBranchError(errs []error) error {
	var fallback error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if ErrorType(err) != ErrorTypeCancellation {
			return err
		}
		if fallback == nil {
			fallback = err
		}
	}
	return fallback
}

func (r *run) runLoop(ctx context.Context, node *Node, stop, branch string) (string, error) {
	shape, ok := r.plan.loops[node.Key]
	if !ok {
		return "", &ConfigurationError{NodeKey: node.Key, NodeType: node.Type, Cause: "loop shape missing"}
	}
	for iteration := 0; ; iteration++ {
		if iteration > 0 {
			if err := r.step(ctx, node.Key); err != nil {
				return "", err
			}
		}
		output, err := r.dispatch(ctx, node, iteration, branch)
		if err != nil {
			return r.recover(ctx, node, err, stop, branch)
		}
		if !expression.IsTruthy(output["_continue"]) {
			break
		}
		if iteration >= shape.maxIterations {
			err := &LoopLimitError{NodeKey: node.Key, Limit: shape.maxIterations}
			r.emit(node, NodeError, 0, iteration, 0, nil, err)
			return "", err
		}
		if err := r.walk(ctx, shape.body, node.Key, branch); err != nil {
			return "", err
		}
	}
	return shape.exit, nil
}

// route picks the next node after a node completed. CONDITION and SWITCH
// nodes take the first matching edge in declaration order; other nodes
// take every matching edge. A default edge is used only when nothing else
// matched.
func (r *run) route(ctx context.Context, node *Node, output map[string]any, stop, branch string) (string, error) {
	edges := r.plan.arena.outgoingKind(node.Key, EdgeNormal)
	if len(edges) == 0 {
		return "", nil
	}
	env := r.guardEnv(output)

	var targets, fallback []string
	for _, e := range edges {
		if e.Default {
			fallback = append(fallback, e.To)
			continue
		}
		if !r.guard(ctx, e, env) || containsKey(targets, e.To) {
			continue
		}
		targets = append(targets, e.To)
		if node.Type == NodeCondition || node.Type == NodeSwitch {
			break
		}
	}
	if len(targets) == 0 && len(fallback) > 0 {
		targets = fallback[:1]
	}
	if len(targets) == 0 {
		err := &RoutingError{NodeKey: node.Key, Message: "no outgoing edge matched"}
		r.emit(node, NodeError, 0, 0, 0, nil, err)
		return "", err
	}
	if len(targets) == 1 {
		return targets[0], nil
	}

	join := r.plan.joins[node.Key]
	bound := join
	if bound == "" {
		bound = stop
	}
	for _, target := range targets {
		if target == join {
			continue
		}
		if err := r.walk(ctx, target, bound, branch); err != nil {
			return "", err
		}
	}
	return join, nil
}

func (r *run) guardEnv(output map[string]any) map[string]any {
	env := r.ec.Variables()
	if output == nil {
		output = map[string]any{}
	}
	env["output"] = output
	nodes := map[string]any{}
	for key, value := range r.ec.NodeOutputs() {
		nodes[key] = value
	}
	env["nodes"] = nodes
	return env
}

// guard evaluates an edge condition. An edge without a condition always
// passes; a condition that fails to evaluate does not.
func (r *run) guard(ctx context.Context, e *Edge, env map[string]any) bool {
	script, ok := r.plan.guards[e]
	if !ok {
		return true
	}
	value, err := script.Evaluate(ctx, env)
	if err != nil {
		r.logger.Warn("edge guard failed",
			"from", e.From,
			"to", e.To,
			"condition", e.Condition,
			"error", err)
		return false
	}
	return value.IsTruthy()
}

// recover applies a node's error handling: an error edge, then skip on
// error. Fatal errors are never recovered.
func (r *run) recover(ctx context.Context, node *Node, err error, stop, branch string) (string, error) {
	if IsFatal(err) {
		return "", err
	}
	if r.ec.Cancelled() {
		return "", &CancellationError{NodeKey: node.Key}
	}
	if edges := r.plan.arena.outgoingKind(node.Key, EdgeError); len(edges) > 0 {
		r.ec.SetVariable("_error", map[string]any{
			"node":    node.Key,
			"type":    ErrorType(err),
			"message": err.Error(),
		})
		r.logger.Warn("following error edge",
			"node_key", node.Key,
			"to", edges[0].To,
			"error", err)
		return edges[0].To, nil
	}
	if node.SkipOnError {
		r.emit(node, NodeSkipped, 0, 0, 0, nil, err)
		r.logger.Warn("skipping failed node", "node_key", node.Key, "error", err)
		if node.Type == NodeEnd {
			return "", nil
		}
		return r.route(ctx, node, map[string]any{}, stop, branch)
	}
	return "", err
}

func (r *run) markActive(key string, active bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if active {
		r.active[key]++
	} else if r.active[key]--; r.active[key] <= 0 {
		delete(r.active, key)
	}
	keys := make([]string, 0, len(r.active))
	for k := range r.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r.record.ActiveNodes = keys
}

// dispatch executes a node with its retry policy and merges its output
func (r *run) dispatch(ctx context.Context, node *Node, iteration int, branch string) (map[string]any, error) {
	executor, err := r.engine.registry.Lookup(node.Type)
	if err != nil {
		var configErr *ConfigurationError
		if errors.As(err, &configErr) {
			configErr.NodeKey = node.Key
			configErr.NodeType = node.Type
		}
		r.emit(node, NodeError, 0, iteration, 0, nil, err)
		return nil, err
	}

	r.markActive(node.Key, true)
	defer r.markActive(node.Key, false)
	r.emit(node, NodeQueued, 0, iteration, 0, nil, nil)
	r.checkpoint()

	info := NodeInfo{
		InstanceID: r.ec.InstanceID(),
		Key:        node.Key,
		Type:       node.Type,
		Config:     copyMap(node.Config),
		Iteration:  iteration,
	}
	input := r.ec.input(node)
	timeout := node.Timeout.Std()
	if timeout <= 0 {
		timeout = r.engine.defaultNodeTimeout
	}
	nodeCtx := WithNodeKey(WithInstanceID(WithLogger(ctx, r.logger.With("node_key", node.Key)), info.InstanceID), node.Key)

	var output map[string]any
	var duration time.Duration
	err = retry.Do(ctx, func() error {
		info.Attempt++
		out, elapsed, err := r.attempt(ctx, nodeCtx, executor, node, info, input, timeout)
		if err != nil {
			return err
		}
		output, duration = out, elapsed
		return nil
	}, r.retryOptions(node)...)
	if err != nil {
		return nil, r.normalize(ctx, node, err)
	}

	r.ec.merge(node, output, branch)
	r.emit(node, NodeDone, info.Attempt, iteration, duration, output, nil)
	r.checkpoint()
	return output, nil
}

func (r *run) retryOptions(node *Node) []retry.Option {
	policy := node.Retry
	if policy == nil || policy.MaxAttempts <= 1 {
		return []retry.Option{retry.WithMaxRetries(0), retry.WithRetryIf(retryable(policy))}
	}
	wait := policy.InitialInterval.Std()
	if wait <= 0 {
		wait = defaultRetryWait
	}
	maxWait := policy.MaxInterval.Std()
	if maxWait <= 0 {
		maxWait = defaultRetryMaxWait
	}
	multiplier := policy.Multiplier
	if multiplier < 1 {
		multiplier = defaultRetryMultiple
	}
	return []retry.Option{
		retry.WithMaxRetries(policy.MaxAttempts - 1),
		retry.WithBaseWait(wait),
		retry.WithMaxWait(maxWait),
		retry.WithMultiplier(multiplier),
		retry.WithRetryIf(retryable(policy)),
		retry.WithNotify(func(err error, wait time.Duration) {
			r.logger.Info("retrying node", "node_key", node.Key, "wait", wait, "error", err)
		}),
	}
}

// retryable decides whether a failed attempt may run again. Fatal errors
// and errors marked non-recoverable never retry. A policy listing error
// types retries only errors that match one of them.
func retryable(policy *RetryPolicy) func(error) bool {
	return func(err error) bool {
		if IsFatal(err) || retry.IsMarkedNonRecoverable(err) {
			return false
		}
		if policy == nil || len(policy.RetryOn) == 0 {
			return true
		}
		for _, errorType := range policy.RetryOn {
			if MatchesErrorType(err, errorType) {
				return true
			}
		}
		return false
	}
}

// attempt makes one call to the executor while holding an execution slot
func (r *run) attempt(
	ctx, nodeCtx context.Context,
	executor NodeExecutor,
	node *Node,
	info NodeInfo,
	input map[string]any,
	timeout time.Duration,
) (map[string]any, time.Duration, error) {
	if err := r.engine.slots.Acquire(ctx, 1); err != nil {
		return nil, 0, r.normalize(ctx, node, err)
	}
	defer r.engine.slots.Release(1)

	r.emit(node, NodeRunning, info.Attempt, info.Iteration, 0, nil, nil)

	attemptCtx := nodeCtx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(nodeCtx, timeout)
	}
	defer cancel()

	event := &NodeExecutionEvent{
		InstanceID: info.InstanceID,
		NodeKey:    node.Key,
		NodeType:   node.Type,
		Attempt:    info.Attempt,
		Iteration:  info.Iteration,
		Input:      input,
		StartTime:  time.Now(),
	}
	r.engine.callbacks.BeforeNodeExecution(attemptCtx, event)

	output, err := r.invoke(attemptCtx, executor, node, info, input)
	if err != nil {
		err = r.classify(ctx, attemptCtx, node, info.Attempt, timeout, err)
	}
	if output == nil {
		output = map[string]any{}
	}

	event.EndTime = time.Now()
	event.Duration = event.EndTime.Sub(event.StartTime)
	event.Output = output
	event.Error = err
	r.engine.callbacks.AfterNodeExecution(attemptCtx, event)

	if err != nil {
		r.emit(node, NodeError, info.Attempt, info.Iteration, event.Duration, nil, err)
		return nil, event.Duration, err
	}
	return output, event.Duration, nil
}

// invoke calls the executor with a private copy of input. A panicking
// executor fails the attempt with a node execution error.
func (r *run) invoke(ctx context.Context, executor NodeExecutor, node *Node, info NodeInfo, input map[string]any) (output map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("executor panicked",
				"node_key", node.Key,
				"node_type", node.Type,
				"attempt", info.Attempt,
				"panic", p,
				"stack", string(debug.Stack()))
			output = nil
			err = &NodeExecutionError{
				NodeKey:  node.Key,
				NodeType: node.Type,
				Attempt:  info.Attempt,
				Wrapped:  fmt.Errorf("executor panicked: %v", p),
			}
		}
	}()
	return executor.Execute(ctx, info, copyMap(input), r.ec)
}

// classify maps an executor error onto the error taxonomy
func (r *run) classify(ctx, attemptCtx context.Context, node *Node, attempt int, timeout time.Duration, err error) error {
	if ctx.Err() != nil {
		return r.normalize(ctx, node, ctx.Err())
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{NodeKey: node.Key, Timeout: timeout}
	}
	var configErr *ConfigurationError
	if errors.As(err, &configErr) {
		if configErr.NodeKey == "" {
			configErr.NodeKey = node.Key
			configErr.NodeType = node.Type
		}
		return err
	}
	switch ErrorType(err) {
	case ErrorTypeNodeExecution:
		var execErr *NodeExecutionError
		if errors.As(err, &execErr) {
			return err
		}
		return &NodeExecutionError{NodeKey: node.Key, NodeType: node.Type, Attempt: attempt, Wrapped: err}
	case ErrorTypeCancellation:
		return &CancellationError{NodeKey: node.Key}
	case ErrorTypeTimeout:
		return &TimeoutError{NodeKey: node.Key, Timeout: timeout}
	}
	return err
}

// normalize converts bare context errors into typed errors
func (r *run) normalize(ctx context.Context, node *Node, err error) error {
	if r.ec.Cancelled() {
		return &CancellationError{NodeKey: node.Key}
	}
	var timeoutErr *TimeoutError
	var cancelErr *CancellationError
	if errors.As(err, &timeoutErr) || errors.As(err, &cancelErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{NodeKey: node.Key, Instance: true}
	}
	if errors.Is(err, context.Canceled) {
		return &CancellationError{NodeKey: node.Key}
	}
	return err
}

func (r *run) emit(node *Node, status NodeStatus, attempt, iteration int, duration time.Duration, output map[string]any, err error) {
	event := &HistoryEvent{
		InstanceID:   r.ec.InstanceID(),
		Seq:          r.seq.Add(1),
		NodeKey:      node.Key,
		NodeType:     node.Type,
		Status:       status,
		Attempt:      attempt,
		Iteration:    iteration,
		Timestamp:    time.Now().UTC(),
		Duration:     duration,
		OutputDigest: digest(output),
	}
	if err != nil {
		event.ErrorType = ErrorType(err)
		event.Error = err.Error()
	}
	if err := r.engine.events.AppendEvent(r.bg, event); err != nil {
		r.logger.Error("failed to append history event", "node_key", node.Key, "error", err)
	}
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
