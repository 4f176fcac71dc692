// Package graphstore persists code entities (functions, types, files) and
// the relationships between them (calls, imports, extends, implements,
// contains) in a per-project graph space, and exposes a name-based lookup
// over that graph for callers that want "what calls this" / "what does this
// import" style traversal rather than similarity search.
package graphstore

import (
	"context"
	"time"
)

// EntityKind is the kind of code entity a graph node represents.
type EntityKind string

const (
	EntityKindFunction  EntityKind = "function"
	EntityKindMethod    EntityKind = "method"
	EntityKindClass     EntityKind = "class"
	EntityKindInterface EntityKind = "interface"
	EntityKindType      EntityKind = "type"
	EntityKindFile      EntityKind = "file"
)

// Entity is a single node in a project's code graph.
type Entity struct {
	ID            string     // derived via ids.EntityID
	Kind          EntityKind
	QualifiedName string // e.g. "pkg.Type.Method"
	Name          string // bare symbol name, for the secondary name index
	FilePath      string // relative to project root
	StartLine     int
	EndLine       int
	ChunkID       string // chunk this entity's definition lives in, if any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RelationshipType is the kind of edge between two entities.
type RelationshipType string

const (
	RelationshipCalls      RelationshipType = "calls"
	RelationshipImports    RelationshipType = "imports"
	RelationshipExtends    RelationshipType = "extends"
	RelationshipImplements RelationshipType = "implements"
	RelationshipContains   RelationshipType = "contains"
)

// Relationship is a directed edge between two entities in the same space.
type Relationship struct {
	ID        string // derived via ids.RelationshipID
	FromID    string
	ToID      string
	Type      RelationshipType
	CreatedAt time.Time
}

// NeighborDirection selects which side of a relationship Neighbors follows.
type NeighborDirection string

const (
	// DirectionOut follows edges where the given entity is the source.
	DirectionOut NeighborDirection = "out"
	// DirectionIn follows edges where the given entity is the target.
	DirectionIn NeighborDirection = "in"
	// DirectionBoth follows edges in either direction.
	DirectionBoth NeighborDirection = "both"
)

// GraphStore persists and queries a project's code graph. Each project owns
// one space (see ids.SpaceName); the store implementation is responsible
// for bootstrapping that space's schema on first use.
type GraphStore interface {
	// EnsureSpace creates the schema for a space if it doesn't already
	// exist. Schema is created once per space and never altered in place;
	// future edge-type additions are handled as a new migration rather
	// than an in-place schema change.
	EnsureSpace(ctx context.Context, space string) error

	// UpsertEntities inserts or replaces entities by ID.
	UpsertEntities(ctx context.Context, space string, entities []*Entity) error

	// UpsertRelationships inserts or replaces relationships by ID.
	UpsertRelationships(ctx context.Context, space string, rels []*Relationship) error

	// DeleteEntitiesByFile removes all entities (and their relationships)
	// originating from the given file path, as part of the delete-then-
	// upsert commit pattern used on re-index.
	DeleteEntitiesByFile(ctx context.Context, space, filePath string) error

	// FindByName looks up entities whose Name matches the given query,
	// using the secondary name index rather than a qualified-name scan.
	FindByName(ctx context.Context, space, name string, limit int) ([]*Entity, error)

	// GetEntity fetches a single entity by ID.
	GetEntity(ctx context.Context, space, id string) (*Entity, error)

	// Neighbors returns the entities connected to id by relationships of
	// the given type (or any type, if relType is empty) in the given
	// direction.
	Neighbors(ctx context.Context, space, id string, relType RelationshipType, dir NeighborDirection) ([]*Entity, error)

	// DropSpace removes a project's entire graph, used when a project is
	// deleted from the registry.
	DropSpace(ctx context.Context, space string) error

	Close() error
}
