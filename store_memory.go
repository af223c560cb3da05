package graphflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps definitions, snapshots, instances and history in
// memory. It is safe for concurrent use.
type MemoryStore struct {
	mutex       sync.RWMutex
	definitions map[string]*Definition
	snapshots   map[string]*Snapshot
	versions    map[string]map[int]string
	instances   map[string]*InstanceRecord
	events      map[string][]*HistoryEvent
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: map[string]*Definition{},
		snapshots:   map[string]*Snapshot{},
		versions:    map[string]map[int]string{},
		instances:   map[string]*InstanceRecord{},
		events:      map[string][]*HistoryEvent{},
	}
}

func (s *MemoryStore) SaveDefinition(ctx context.Context, def *Definition) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *def
	copied.Graph = def.Graph.Clone()
	s.definitions[def.ID] = &copied
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, fmt.Errorf("definition %q: %w", id, ErrNotFound)
	}
	copied := *def
	copied.Graph = def.Graph.Clone()
	return &copied, nil
}

func (s *MemoryStore) CreateSnapshot(ctx context.Context, snapshot *Snapshot) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	versions, ok := s.versions[snapshot.DefinitionID]
	if !ok {
		versions = map[int]string{}
		s.versions[snapshot.DefinitionID] = versions
	}
	if _, exists := versions[snapshot.Version]; exists {
		return fmt.Errorf("definition %q version %d: %w", snapshot.DefinitionID, snapshot.Version, ErrVersionConflict)
	}
	versions[snapshot.Version] = snapshot.ID
	s.snapshots[snapshot.ID] = snapshot.clone()
	return nil
}

func (s *MemoryStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	snapshot, ok := s.snapshots[id]
	if !ok {
		return nil, fmt.Errorf("snapshot %q: %w", id, ErrNotFound)
	}
	return snapshot.clone(), nil
}

func (s *MemoryStore) LatestVersion(ctx context.Context, definitionID string) (int, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	latest := 0
	for version := range s.versions[definitionID] {
		if version > latest {
			latest = version
		}
	}
	return latest, nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, definitionID string) ([]*Snapshot, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var snapshots []*Snapshot
	for _, id := range s.versions[definitionID] {
		snapshots = append(snapshots, s.snapshots[id].clone())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].Version < snapshots[j].Version
	})
	return snapshots, nil
}

func (s *MemoryStore) SaveInstance(ctx context.Context, record *InstanceRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := record.clone()
	copied.UpdatedAt = time.Now().UTC()
	s.instances[record.ID] = copied
	return nil
}

func (s *MemoryStore) LoadInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	record, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return record.clone(), nil
}

func (s *MemoryStore) ListInstances(ctx context.Context) ([]*InstanceSummary, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	summaries := make([]*InstanceSummary, 0, len(s.instances))
	for _, record := range s.instances {
		summaries = append(summaries, record.Summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *HistoryEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	copied := *event
	s.events[event.InstanceID] = append(s.events[event.InstanceID], &copied)
	return nil
}

func (s *MemoryStore) Events(ctx context.Context, instanceID string) ([]*HistoryEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	events := make([]*HistoryEvent, 0, len(s.events[instanceID]))
	for _, event := range s.events[instanceID] {
		copied := *event
		events = append(events, &copied)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Seq < events[j].Seq
	})
	return events, nil
}
