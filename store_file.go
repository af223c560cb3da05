package graphflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var _ InstanceStore = (*FileInstanceStore)(nil)

// FileInstanceStore persists instance records to disk. Each save writes a
// numbered checkpoint file in the instance directory and repoints the
// latest.json symlink at it.
type FileInstanceStore struct {
	dataDir  string
	mutex    sync.Mutex
	counters map[string]int
}

// NewFileInstanceStore creates a new file-based instance store
func NewFileInstanceStore(dataDir string) (*FileInstanceStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".graphflow", "instances")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileInstanceStore{dataDir: dataDir, counters: map[string]int{}}, nil
}

// SaveInstance writes a new checkpoint of the record
func (s *FileInstanceStore) SaveInstance(ctx context.Context, record *InstanceRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	instanceDir := filepath.Join(s.dataDir, record.ID)
	if err := os.MkdirAll(instanceDir, 0755); err != nil {
		return fmt.Errorf("failed to create instance directory: %w", err)
	}

	s.counters[record.ID]++
	copied := record.clone()
	copied.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(copied, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	checkpointPath := filepath.Join(instanceDir, fmt.Sprintf("checkpoint-%d.json", s.counters[record.ID]))
	if err := os.WriteFile(checkpointPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	latestPath := filepath.Join(instanceDir, "latest.json")
	if err := updateLatestLink(checkpointPath, latestPath); err != nil {
		return fmt.Errorf("failed to update latest symlink: %w", err)
	}
	return nil
}

// LoadInstance reads the latest checkpoint of an instance
func (s *FileInstanceStore) LoadInstance(ctx context.Context, id string) (*InstanceRecord, error) {
	latestPath := filepath.Join(s.dataDir, id, "latest.json")
	data, err := os.ReadFile(latestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
		}
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var record InstanceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &record, nil
}

// ListInstances returns a summary of every instance, newest first
func (s *FileInstanceStore) ListInstances(ctx context.Context) ([]*InstanceSummary, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*InstanceSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read instances directory: %w", err)
	}
	summaries := []*InstanceSummary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record, err := s.LoadInstance(ctx, entry.Name())
		if err != nil {
			// Skip instances we can't read
			continue
		}
		summaries = append(summaries, record.Summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

// DeleteInstance removes all checkpoints of an instance
func (s *FileInstanceStore) DeleteInstance(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.counters, id)
	if err := os.RemoveAll(filepath.Join(s.dataDir, id)); err != nil {
		return fmt.Errorf("failed to delete instance directory: %w", err)
	}
	return nil
}

// updateLatestLink points latestPath at checkpointPath
func updateLatestLink(checkpointPath, latestPath string) error {
	if _, err := os.Lstat(latestPath); err == nil {
		if err := os.Remove(latestPath); err != nil {
			return fmt.Errorf("failed to remove existing latest symlink: %w", err)
		}
	}

	// On Windows, copy the file instead of creating a symlink
	if strings.Contains(os.Getenv("OS"), "Windows") {
		data, err := os.ReadFile(checkpointPath)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint for copy: %w", err)
		}
		return os.WriteFile(latestPath, data, 0644)
	}

	rel, err := filepath.Rel(filepath.Dir(latestPath), checkpointPath)
	if err != nil {
		return fmt.Errorf("failed to create relative path: %w", err)
	}
	return os.Symlink(rel, latestPath)
}

var _ EventLog = (*FileEventLog)(nil)

// FileEventLog writes history to one newline-delimited JSON file per
// instance.
type FileEventLog struct {
	directory string
	mutex     sync.Mutex
}

func NewFileEventLog(directory string) *FileEventLog {
	return &FileEventLog{directory: directory}
}

func (l *FileEventLog) path(instanceID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", instanceID))
}

func (l *FileEventLog) Events(ctx context.Context, instanceID string) ([]*HistoryEvent, error) {
	data, err := os.ReadFile(l.path(instanceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []*HistoryEvent
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		var event HistoryEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, nil
}

func (l *FileEventLog) AppendEvent(ctx context.Context, event *HistoryEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()

	filePath := l.path(event.InstanceID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
