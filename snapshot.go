package graphflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Snapshot is an immutable, versioned copy of a definition's graph. Runtime
// instances always execute against a snapshot, never against a draft.
type Snapshot struct {
	ID           string          `json:"id"`
	DefinitionID string          `json:"definition_id"`
	Version      int             `json:"version"`
	Name         string          `json:"name"`
	TenantID     string          `json:"tenant_id,omitempty"`
	Graph        *Graph          `json:"graph"`
	Data         json.RawMessage `json:"data"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewSnapshot serializes the definition's graph into a new snapshot with
// the given version. The snapshot's graph is decoded from the serialized
// bytes so that it shares no memory with the draft.
func NewSnapshot(def *Definition, version int) (*Snapshot, error) {
	data, err := MarshalGraph(def.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize graph: %w", err)
	}
	graph, err := UnmarshalGraph(data)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:           NewSnapshotID(),
		DefinitionID: def.ID,
		Version:      version,
		Name:         def.Name,
		TenantID:     def.TenantID,
		Graph:        graph,
		Data:         json.RawMessage(data),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

func (s *Snapshot) clone() *Snapshot {
	copied := *s
	copied.Graph = s.Graph.Clone()
	copied.Data = append(json.RawMessage(nil), s.Data...)
	return &copied
}

// PublisherOptions configures a Publisher
type PublisherOptions struct {
	Definitions     DefinitionStore
	Snapshots       SnapshotStore
	ValidateOptions []ValidateOption
	Logger          *slog.Logger
}

// Publisher turns validated definitions into snapshots
type Publisher struct {
	definitions DefinitionStore
	snapshots   SnapshotStore
	validate    []ValidateOption
	logger      *slog.Logger
	mutex       sync.Mutex
}

// NewPublisher returns a new Publisher
func NewPublisher(opts PublisherOptions) (*Publisher, error) {
	if opts.Definitions == nil {
		return nil, fmt.Errorf("definition store required")
	}
	if opts.Snapshots == nil {
		return nil, fmt.Errorf("snapshot store required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Publisher{
		definitions: opts.Definitions,
		snapshots:   opts.Snapshots,
		validate:    opts.ValidateOptions,
		logger:      opts.Logger,
	}, nil
}

// maxPublishAttempts bounds retries when another publisher claims the
// same version first.
const maxPublishAttempts = 3

// Publish validates a definition and, if valid, freezes its graph into a
// new snapshot whose version is one greater than the latest. The definition
// is marked PUBLISHED. An invalid graph returns a *ValidationError carrying
// every structural error and leaves the definition unchanged.
func (p *Publisher) Publish(ctx context.Context, definitionID string) (*Snapshot, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	def, err := p.definitions.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	switch def.Status {
	case DefinitionDraft:
	case DefinitionDisabled:
		return nil, fmt.Errorf("%w: %s", ErrDefinitionDisabled, def.ID)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrDefinitionNotDraft, def.ID, def.Status)
	}
	if result := Validate(def.Graph, p.validate...); !result.OK {
		p.logger.Warn("definition failed validation",
			"definition_id", def.ID,
			"errors", len(result.Errors))
		return nil, result.Err()
	}

	var snapshot *Snapshot
	for attempt := 1; ; attempt++ {
		latest, err := p.snapshots.LatestVersion(ctx, def.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read latest version: %w", err)
		}
		snapshot, err = NewSnapshot(def, latest+1)
		if err != nil {
			return nil, err
		}
		err = p.snapshots.CreateSnapshot(ctx, snapshot)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxPublishAttempts {
			return nil, fmt.Errorf("failed to create snapshot: %w", err)
		}
	}

	def.Status = DefinitionPublished
	def.touch()
	if err := p.definitions.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}
	p.logger.Info("published definition",
		"definition_id", def.ID,
		"snapshot_id", snapshot.ID,
		"version", snapshot.Version)
	return snapshot, nil
}
