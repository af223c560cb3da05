package graphflow

import (
	"context"
	"encoding/json"
	"time"
)

// NodeStatus is the state of a node within one dispatch
type NodeStatus string

const (
	NodeQueued  NodeStatus = "QUEUED"
	NodeRunning NodeStatus = "RUNNING"
	NodeDone    NodeStatus = "DONE"
	NodeError   NodeStatus = "ERROR"
	NodeSkipped NodeStatus = "SKIPPED"
)

// HistoryEvent records one node state change of an instance
type HistoryEvent struct {
	InstanceID   string        `json:"instance_id"`
	Seq          int64         `json:"seq"`
	NodeKey      string        `json:"node_key"`
	NodeType     NodeType      `json:"node_type"`
	Status       NodeStatus    `json:"status"`
	Attempt      int           `json:"attempt,omitempty"`
	Iteration    int           `json:"iteration,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Duration     time.Duration `json:"duration,omitempty"`
	ErrorType    string        `json:"error_type,omitempty"`
	Error        string        `json:"error,omitempty"`
	OutputDigest string        `json:"output_digest,omitempty"`
}

// EventLog stores the node history of instances
type EventLog interface {
	// AppendEvent records an event
	AppendEvent(ctx context.Context, event *HistoryEvent) error

	// Events returns the events of an instance ordered by sequence number
	Events(ctx context.Context, instanceID string) ([]*HistoryEvent, error)
}

// maxDigestLength bounds the output digest kept in history
const maxDigestLength = 256

// digest renders an output map as truncated JSON
func digest(output map[string]any) string {
	if len(output) == 0 {
		return ""
	}
	data, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	if len(data) > maxDigestLength {
		return string(data[:maxDigestLength-3]) + "..."
	}
	return string(data)
}

// NullEventLog is a no-op implementation of EventLog
type NullEventLog struct{}

func NewNullEventLog() *NullEventLog {
	return &NullEventLog{}
}

func (l *NullEventLog) AppendEvent(ctx context.Context, event *HistoryEvent) error {
	return nil
}

func (l *NullEventLog) Events(ctx context.Context, instanceID string) ([]*HistoryEvent, error) {
	return nil, nil
}
