package graphstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteGraphStore {
	t.Helper()
	s, err := NewSQLiteGraphStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteGraphStore_UpsertAndGetEntity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureSpace(ctx, "project_a"))

	e := &Entity{ID: "e1", Kind: EntityKindFunction, QualifiedName: "pkg.Foo", Name: "Foo", FilePath: "pkg/foo.go", StartLine: 1, EndLine: 5}
	require.NoError(t, s.UpsertEntities(ctx, "project_a", []*Entity{e}))

	got, err := s.GetEntity(ctx, "project_a", "e1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "Foo", got.Name)
}

func TestSQLiteGraphStore_NeighborsDirections(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureSpace(ctx, "p"))

	entities := []*Entity{
		{ID: "caller", Kind: EntityKindFunction, QualifiedName: "pkg.Caller", Name: "Caller", FilePath: "a.go"},
		{ID: "callee", Kind: EntityKindFunction, QualifiedName: "pkg.Callee", Name: "Callee", FilePath: "a.go"},
	}
	require.NoError(t, s.UpsertEntities(ctx, "p", entities))
	require.NoError(t, s.UpsertRelationships(ctx, "p", []*Relationship{
		{ID: "r1", FromID: "caller", ToID: "callee", Type: RelationshipCalls},
	}))

	out, err := s.Neighbors(ctx, "p", "caller", RelationshipCalls, DirectionOut)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "callee", out[0].ID)

	in, err := s.Neighbors(ctx, "p", "callee", RelationshipCalls, DirectionIn)
	require.NoError(t, err)
	require.Len(t, in, 1)
	require.Equal(t, "caller", in[0].ID)
}

func TestSQLiteGraphStore_DeleteEntitiesByFile_CascadesRelationships(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureSpace(ctx, "p"))

	require.NoError(t, s.UpsertEntities(ctx, "p", []*Entity{
		{ID: "a", Kind: EntityKindFunction, QualifiedName: "a", Name: "a", FilePath: "f.go"},
		{ID: "b", Kind: EntityKindFunction, QualifiedName: "b", Name: "b", FilePath: "g.go"},
	}))
	require.NoError(t, s.UpsertRelationships(ctx, "p", []*Relationship{
		{ID: "r1", FromID: "a", ToID: "b", Type: RelationshipCalls},
	}))

	require.NoError(t, s.DeleteEntitiesByFile(ctx, "p", "f.go"))

	got, err := s.GetEntity(ctx, "p", "a")
	require.NoError(t, err)
	require.Nil(t, got)

	neighbors, err := s.Neighbors(ctx, "p", "b", RelationshipCalls, DirectionIn)
	require.NoError(t, err)
	require.Empty(t, neighbors)
}

func TestSQLiteGraphStore_FindByName(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.EnsureSpace(ctx, "p"))
	require.NoError(t, s.UpsertEntities(ctx, "p", []*Entity{
		{ID: "a", Kind: EntityKindFunction, QualifiedName: "pkg.ParseConfig", Name: "ParseConfig", FilePath: "f.go"},
	}))

	results, err := s.FindByName(ctx, "p", "ParseConfig", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].ID)
}
