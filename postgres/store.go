// Package postgres provides a PostgreSQL implementation of graphflow.Store
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/graphflow"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the SQLSTATE of a unique constraint violation
const uniqueViolation = "23505"

// Confirm the interface is implemented correctly.
var _ graphflow.Store = (*Store)(nil)

// Store persists definitions, snapshots, instances and history in
// PostgreSQL. Records are stored as JSONB documents next to the columns
// used for lookups.
type Store struct {
	db *pgxpool.Pool
}

// New returns a Store using an existing pool
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Open connects to the database at dsn and applies the schema
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	store := New(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// Migrate creates the tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	for _, statement := range schema {
		if _, err := s.db.Exec(ctx, statement); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying pool
func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) SaveDefinition(ctx context.Context, def *graphflow.Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO graphflow_definitions (id, name, tenant_id, status, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			tenant_id = EXCLUDED.tenant_id,
			status = EXCLUDED.status,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at`,
		def.ID, def.Name, def.TenantID, string(def.Status), data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save definition %s: %w", def.ID, err)
	}
	return nil
}

func (s *Store) GetDefinition(ctx context.Context, id string) (*graphflow.Definition, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM graphflow_definitions WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: definition %s", graphflow.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load definition %s: %w", id, err)
	}
	var def graphflow.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition %s: %w", id, err)
	}
	return &def, nil
}

func (s *Store) CreateSnapshot(ctx context.Context, snapshot *graphflow.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO graphflow_snapshots (id, definition_id, version, data, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		snapshot.ID, snapshot.DefinitionID, snapshot.Version, data, snapshot.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s version %d", graphflow.ErrVersionConflict, snapshot.DefinitionID, snapshot.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*graphflow.Snapshot, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM graphflow_snapshots WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: snapshot %s", graphflow.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", id, err)
	}
	return decodeSnapshot(data)
}

func (s *Store) LatestVersion(ctx context.Context, definitionID string) (int, error) {
	var version int
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM graphflow_snapshots WHERE definition_id = $1`,
		definitionID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest version: %w", err)
	}
	return version, nil
}

func (s *Store) ListSnapshots(ctx context.Context, definitionID string) ([]*graphflow.Snapshot, error) {
	rows, err := s.db.Query(ctx,
		`SELECT data FROM graphflow_snapshots WHERE definition_id = $1 ORDER BY version`,
		definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*graphflow.Snapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		snapshot, err := decodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

func decodeSnapshot(data []byte) (*graphflow.Snapshot, error) {
	var snapshot graphflow.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	if snapshot.Graph == nil && len(snapshot.Data) > 0 {
		graph, err := graphflow.UnmarshalGraph(snapshot.Data)
		if err != nil {
			return nil, err
		}
		snapshot.Graph = graph
	}
	return &snapshot, nil
}

func (s *Store) SaveInstance(ctx context.Context, record *graphflow.InstanceRecord) error {
	updated := *record
	updated.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(&updated)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	var started *time.Time
	if !record.StartTime.IsZero() {
		started = &record.StartTime
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO graphflow_instances (id, snapshot_id, state, data, start_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			data = EXCLUDED.data,
			start_time = EXCLUDED.start_time,
			updated_at = EXCLUDED.updated_at`,
		record.ID, record.SnapshotID, string(record.State), data, started, updated.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save instance %s: %w", record.ID, err)
	}
	return nil
}

func (s *Store) LoadInstance(ctx context.Context, id string) (*graphflow.InstanceRecord, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT data FROM graphflow_instances WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", graphflow.ErrInstanceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance %s: %w", id, err)
	}
	var record graphflow.InstanceRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance %s: %w", id, err)
	}
	return &record, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]*graphflow.InstanceSummary, error) {
	rows, err := s.db.Query(ctx,
		`SELECT data FROM graphflow_instances ORDER BY start_time DESC NULLS LAST, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var summaries []*graphflow.InstanceSummary
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var record graphflow.InstanceRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
		}
		summaries = append(summaries, record.Summary())
	}
	return summaries, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, event *graphflow.HistoryEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO graphflow_events (instance_id, seq, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (instance_id, seq) DO NOTHING`,
		event.InstanceID, event.Seq, data)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *Store) Events(ctx context.Context, instanceID string) ([]*graphflow.HistoryEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT data FROM graphflow_events WHERE instance_id = $1 ORDER BY seq`,
		instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	events := []*graphflow.HistoryEvent{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var event graphflow.HistoryEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}
