package graphflow

import (
	"context"
)

// DefinitionStore persists workflow definitions
type DefinitionStore interface {
	// SaveDefinition creates or replaces a definition
	SaveDefinition(ctx context.Context, def *Definition) error

	// GetDefinition returns a definition or ErrNotFound
	GetDefinition(ctx context.Context, id string) (*Definition, error)
}

// SnapshotStore persists immutable snapshots
type SnapshotStore interface {
	// CreateSnapshot stores a new snapshot. It returns ErrVersionConflict if
	// the definition already has a snapshot with the same version.
	CreateSnapshot(ctx context.Context, snapshot *Snapshot) error

	// GetSnapshot returns a snapshot or ErrNotFound
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)

	// LatestVersion returns the highest snapshot version of a definition,
	// or 0 if it has never been published.
	LatestVersion(ctx context.Context, definitionID string) (int, error)

	// ListSnapshots returns the snapshots of a definition ordered by version
	ListSnapshots(ctx context.Context, definitionID string) ([]*Snapshot, error)
}

// InstanceStore persists runtime instance records. The engine saves a record
// every time the instance state or its active nodes change.
type InstanceStore interface {
	// SaveInstance creates or replaces an instance record
	SaveInstance(ctx context.Context, record *InstanceRecord) error

	// LoadInstance returns an instance record or ErrInstanceNotFound
	LoadInstance(ctx context.Context, id string) (*InstanceRecord, error)

	// ListInstances returns summaries of all instances, newest first
	ListInstances(ctx context.Context) ([]*InstanceSummary, error)
}

// Store combines every persistence concern
type Store interface {
	DefinitionStore
	SnapshotStore
	InstanceStore
	EventLog
}
