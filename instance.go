package graphflow

import (
	"fmt"
	"sort"
	"time"
)

// InstanceState is the lifecycle state of a runtime instance
type InstanceState string

const (
	InstancePending   InstanceState = "PENDING"
	InstanceRunning   InstanceState = "RUNNING"
	InstanceSucceeded InstanceState = "SUCCEEDED"
	InstanceFailed    InstanceState = "FAILED"
	InstanceCancelled InstanceState = "CANCELLED"
	InstanceTimedOut  InstanceState = "TIMED_OUT"
)

// IsTerminal returns true for states an instance never leaves
func (s InstanceState) IsTerminal() bool {
	switch s {
	case InstanceSucceeded, InstanceFailed, InstanceCancelled, InstanceTimedOut:
		return true
	}
	return false
}

// canTransition reports whether an instance may move from one state to
// another. Transitions are monotonic: PENDING -> RUNNING -> terminal.
func canTransition(from, to InstanceState) bool {
	switch from {
	case InstancePending:
		return to == InstanceRunning || to.IsTerminal()
	case InstanceRunning:
		return to.IsTerminal()
	}
	return false
}

// InstanceRecord is the persisted state of a runtime instance
type InstanceRecord struct {
	ID           string                    `json:"id"`
	SnapshotID   string                    `json:"snapshot_id"`
	DefinitionID string                    `json:"definition_id"`
	Version      int                       `json:"version"`
	Name         string                    `json:"name"`
	State        InstanceState             `json:"state"`
	ActiveNodes  []string                  `json:"active_nodes"`
	Inputs       map[string]any            `json:"inputs"`
	Variables    map[string]any            `json:"variables"`
	NodeOutputs  map[string]map[string]any `json:"node_outputs"`
	Failure      *FailureCause             `json:"failure,omitempty"`
	StartTime    time.Time                 `json:"start_time,omitzero"`
	EndTime      time.Time                 `json:"end_time,omitzero"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// transition moves the record to a new state, rejecting non-monotonic moves
func (r *InstanceRecord) transition(to InstanceState) error {
	if !canTransition(r.State, to) {
		return fmt.Errorf("invalid instance transition %s -> %s", r.State, to)
	}
	r.State = to
	return nil
}

// Duration returns how long the instance ran, or has been running
func (r *InstanceRecord) Duration() time.Duration {
	if r.StartTime.IsZero() {
		return 0
	}
	if !r.EndTime.IsZero() {
		return r.EndTime.Sub(r.StartTime)
	}
	return r.UpdatedAt.Sub(r.StartTime)
}

// Summary returns the summary view of the record
func (r *InstanceRecord) Summary() *InstanceSummary {
	summary := &InstanceSummary{
		InstanceID:   r.ID,
		SnapshotID:   r.SnapshotID,
		DefinitionID: r.DefinitionID,
		Version:      r.Version,
		Name:         r.Name,
		State:        r.State,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		Duration:     r.Duration(),
	}
	if r.Failure != nil {
		summary.Error = r.Failure.Message
	}
	return summary
}

func (r *InstanceRecord) clone() *InstanceRecord {
	c := *r
	c.ActiveNodes = append([]string(nil), r.ActiveNodes...)
	c.Inputs = copyMap(r.Inputs)
	c.Variables = copyMap(r.Variables)
	c.NodeOutputs = make(map[string]map[string]any, len(r.NodeOutputs))
	for k, v := range r.NodeOutputs {
		c.NodeOutputs[k] = copyMap(v)
	}
	if r.Failure != nil {
		failure := *r.Failure
		c.Failure = &failure
	}
	return &c
}

// InstanceSummary provides a summary view of an instance
type InstanceSummary struct {
	InstanceID   string        `json:"instance_id"`
	SnapshotID   string        `json:"snapshot_id"`
	DefinitionID string        `json:"definition_id"`
	Version      int           `json:"version"`
	Name         string        `json:"name"`
	State        InstanceState `json:"state"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time,omitzero"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// sortSummaries orders summaries newest first
func sortSummaries(summaries []*InstanceSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
}
