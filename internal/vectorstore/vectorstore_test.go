package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func vec(seed float32) []float32 {
	return []float32{seed, seed + 1, seed + 2, seed + 3}
}

func TestHNSWVectorStore_CreateCollectionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateCollection(ctx, "project-a", 4))
	require.NoError(t, s.CreateCollection(ctx, "project-a", 4))

	exists, err := s.CollectionExists(ctx, "project-a")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestHNSWVectorStore_CollectionExists_FalseBeforeCreate(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })

	exists, err := s.CollectionExists(ctx, "missing")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestHNSWVectorStore_UpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateCollection(ctx, "p", 4))

	require.NoError(t, s.UpsertPoints(ctx, "p", []*Point{
		{ID: "c1", Vector: vec(1), Payload: Payload{ProjectID: "p", RelativePath: "a.go"}},
		{ID: "c2", Vector: vec(5), Payload: Payload{ProjectID: "p", RelativePath: "b.go"}},
	}))

	results, err := s.Search(ctx, "p", vec(1), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "c1", results[0].ID)
}

func TestHNSWVectorStore_DeleteByFilter_RemovesMatchingPointsOnly(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateCollection(ctx, "p", 4))

	require.NoError(t, s.UpsertPoints(ctx, "p", []*Point{
		{ID: "c1", Vector: vec(1), Payload: Payload{ProjectID: "p", RelativePath: "a.go"}},
		{ID: "c2", Vector: vec(2), Payload: Payload{ProjectID: "p", RelativePath: "a.go"}},
		{ID: "c3", Vector: vec(3), Payload: Payload{ProjectID: "p", RelativePath: "b.go"}},
	}))

	count, err := s.DeleteByFilter(ctx, "p", Filter{RelativePath: "a.go"})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	remaining, err := s.CountByFilter(ctx, "p", Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, remaining)
}

func TestHNSWVectorStore_DeleteByFilter_RejectsEmptyFilter(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateCollection(ctx, "p", 4))

	_, err := s.DeleteByFilter(ctx, "p", Filter{})
	require.Error(t, err)
}

func TestHNSWVectorStore_CountByFilter_ByProjectID(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateCollection(ctx, "p", 4))

	require.NoError(t, s.UpsertPoints(ctx, "p", []*Point{
		{ID: "c1", Vector: vec(1), Payload: Payload{ProjectID: "proj1", RelativePath: "a.go"}},
		{ID: "c2", Vector: vec(2), Payload: Payload{ProjectID: "proj2", RelativePath: "b.go"}},
	}))

	count, err := s.CountByFilter(ctx, "p", Filter{ProjectID: "proj1"})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestHNSWVectorStore_PersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1 := New(dir)
	require.NoError(t, s1.CreateCollection(ctx, "p", 4))
	require.NoError(t, s1.UpsertPoints(ctx, "p", []*Point{
		{ID: "c1", Vector: vec(1), Payload: Payload{ProjectID: "p", RelativePath: "a.go"}},
	}))
	require.NoError(t, s1.Close())

	s2 := New(dir)
	t.Cleanup(func() { _ = s2.Close() })
	require.NoError(t, s2.CreateCollection(ctx, "p", 4))

	count, err := s2.CountByFilter(ctx, "p", Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestHNSWVectorStore_DeleteCollection_RemovesFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := New(dir)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.CreateCollection(ctx, "p", 4))
	require.NoError(t, s.UpsertPoints(ctx, "p", []*Point{
		{ID: "c1", Vector: vec(1), Payload: Payload{ProjectID: "p", RelativePath: "a.go"}},
	}))
	require.NoError(t, s.DeleteCollection(ctx, "p"))

	exists, err := s.CollectionExists(ctx, "p")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestHNSWVectorStore_UpsertOnUnknownCollectionErrors(t *testing.T) {
	ctx := context.Background()
	s := New(t.TempDir())
	t.Cleanup(func() { _ = s.Close() })

	err := s.UpsertPoints(ctx, "nope", []*Point{{ID: "c1", Vector: vec(1)}})
	require.Error(t, err)
}
