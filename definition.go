package graphflow

import (
	"fmt"
	"os"
	"time"

	"go.jetify.com/typeid"
	"gopkg.in/yaml.v3"
)

// DefinitionStatus is the lifecycle state of a workflow definition
type DefinitionStatus string

const (
	DefinitionDraft     DefinitionStatus = "DRAFT"
	DefinitionPublished DefinitionStatus = "PUBLISHED"
	DefinitionDisabled  DefinitionStatus = "DISABLED"
)

// newID returns a new type-prefixed identifier
func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewDefinitionID returns a new definition identifier
func NewDefinitionID() string {
	return newID("def")
}

// NewInstanceID returns a new instance identifier
func NewInstanceID() string {
	return newID("inst")
}

// NewSnapshotID returns a new snapshot identifier
func NewSnapshotID() string {
	return newID("snap")
}

// DefinitionOptions are used to create a definition
type DefinitionOptions struct {
	ID          string  `json:"id,omitempty" yaml:"id,omitempty"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	TenantID    string  `json:"tenant_id,omitempty" yaml:"tenant_id,omitempty"`
	Nodes       []*Node `json:"nodes" yaml:"nodes"`
	Edges       []*Edge `json:"edges" yaml:"edges"`
}

// Definition is an editable workflow graph. Its graph may only change while
// it is a draft; publishing freezes a copy into a Snapshot.
type Definition struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	TenantID    string           `json:"tenant_id,omitempty"`
	Status      DefinitionStatus `json:"status"`
	Graph       *Graph           `json:"graph"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// NewDefinition returns a new draft definition
func NewDefinition(opts DefinitionOptions) (*Definition, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("definition name required")
	}
	if opts.ID == "" {
		opts.ID = NewDefinitionID()
	}
	now := time.Now().UTC()
	return &Definition{
		ID:          opts.ID,
		Name:        opts.Name,
		Description: opts.Description,
		TenantID:    opts.TenantID,
		Status:      DefinitionDraft,
		Graph:       &Graph{Nodes: opts.Nodes, Edges: opts.Edges},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (d *Definition) mutable() error {
	if d.Status != DefinitionDraft {
		return fmt.Errorf("%w: %s is %s", ErrDefinitionNotDraft, d.ID, d.Status)
	}
	return nil
}

func (d *Definition) touch() {
	d.UpdatedAt = time.Now().UTC()
}

// AddNode appends a node to the draft graph
func (d *Definition) AddNode(node *Node) error {
	if err := d.mutable(); err != nil {
		return err
	}
	if _, exists := d.Graph.Node(node.Key); exists {
		return fmt.Errorf("node %q already exists", node.Key)
	}
	d.Graph.Nodes = append(d.Graph.Nodes, node)
	d.touch()
	return nil
}

// RemoveNode removes a node and every edge touching it
func (d *Definition) RemoveNode(key string) error {
	if err := d.mutable(); err != nil {
		return err
	}
	nodes := d.Graph.Nodes[:0]
	found := false
	for _, n := range d.Graph.Nodes {
		if n.Key == key {
			found = true
			continue
		}
		nodes = append(nodes, n)
	}
	if !found {
		return fmt.Errorf("node %q: %w", key, ErrNotFound)
	}
	d.Graph.Nodes = nodes
	edges := d.Graph.Edges[:0]
	for _, e := range d.Graph.Edges {
		if e.From != key && e.To != key {
			edges = append(edges, e)
		}
	}
	d.Graph.Edges = edges
	d.touch()
	return nil
}

// AddEdge appends an edge to the draft graph
func (d *Definition) AddEdge(edge *Edge) error {
	if err := d.mutable(); err != nil {
		return err
	}
	d.Graph.Edges = append(d.Graph.Edges, edge)
	d.touch()
	return nil
}

// RemoveEdge removes every edge from one node to another
func (d *Definition) RemoveEdge(from, to string) error {
	if err := d.mutable(); err != nil {
		return err
	}
	edges := d.Graph.Edges[:0]
	removed := 0
	for _, e := range d.Graph.Edges {
		if e.From == from && e.To == to {
			removed++
			continue
		}
		edges = append(edges, e)
	}
	if removed == 0 {
		return fmt.Errorf("edge %q -> %q: %w", from, to, ErrNotFound)
	}
	d.Graph.Edges = edges
	d.touch()
	return nil
}

// UpdateNodeConfig replaces the config of a node
func (d *Definition) UpdateNodeConfig(key string, config map[string]any) error {
	if err := d.mutable(); err != nil {
		return err
	}
	node, ok := d.Graph.Node(key)
	if !ok {
		return fmt.Errorf("node %q: %w", key, ErrNotFound)
	}
	node.Config = copyMap(config)
	d.touch()
	return nil
}

// Redraft moves a published definition back to draft so it can be edited
// and published as a new version.
func (d *Definition) Redraft() error {
	if d.Status != DefinitionPublished {
		return fmt.Errorf("cannot redraft a %s definition", d.Status)
	}
	d.Status = DefinitionDraft
	d.touch()
	return nil
}

// Disable prevents further publishing. Existing snapshots stay runnable.
func (d *Definition) Disable() {
	d.Status = DefinitionDisabled
	d.touch()
}

// LoadDefinitionFile loads a draft definition from a YAML or JSON file
func LoadDefinitionFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return LoadDefinition(data)
}

// LoadDefinition loads a draft definition from YAML or JSON
func LoadDefinition(data []byte) (*Definition, error) {
	var opts DefinitionOptions
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return NewDefinition(opts)
}
