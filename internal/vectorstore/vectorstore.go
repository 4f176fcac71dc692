// Package vectorstore exposes per-project vector collections over the
// teacher's HNSW store. Where store.HNSWStore is one flat graph with no
// notion of separate projects, this package keys a set of HNSWStore
// instances by collection name and adds the payload/filter bookkeeping
// (relativePath, contentHash, ...) the teacher's SQLite metadata store
// tracks out of band, so a project's vectors can be deleted, re-upserted
// and counted per file without touching the whole index.
package vectorstore

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aman-cerp/codeindex/internal/store"
)

// Payload is the metadata carried alongside each vector point, matching the
// schema every point in a collection is expected to have.
type Payload struct {
	ProjectID   string
	RelativePath string
	StartLine   int
	EndLine     int
	ChunkType   string
	Language    string
	ContentHash string
	Content     string
}

// Point is a single vector plus its payload, keyed by chunk id.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Filter selects a subset of points within a collection. An empty field
// means "don't filter on this field"; at least one field must be set, since
// an all-empty filter would match (and could delete) an entire collection.
type Filter struct {
	ProjectID    string
	RelativePath string
}

func (f Filter) isEmpty() bool {
	return f.ProjectID == "" && f.RelativePath == ""
}

func (f Filter) matches(p Payload) bool {
	if f.ProjectID != "" && f.ProjectID != p.ProjectID {
		return false
	}
	if f.RelativePath != "" && f.RelativePath != p.RelativePath {
		return false
	}
	return true
}

// Store is the vector store capability the indexing core depends on: named
// collections of points with payload-filtered delete/count, on top of
// whatever similarity-search engine a given implementation wraps.
type Store interface {
	CreateCollection(ctx context.Context, name string, dimensions int) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	DeleteCollection(ctx context.Context, name string) error
	UpsertPoints(ctx context.Context, name string, points []*Point) error
	DeleteByFilter(ctx context.Context, name string, filter Filter) (int, error)
	CountByFilter(ctx context.Context, name string, filter Filter) (int, error)
	Search(ctx context.Context, name string, query []float32, k int) ([]*store.VectorResult, error)
	Close() error
}

// collection pairs one HNSWStore with the payload table that tracks what
// each point id means, since HNSWStore itself only knows ids and vectors.
type collection struct {
	mu       sync.RWMutex
	hnsw     *store.HNSWStore
	payloads map[string]Payload
}

// HNSWVectorStore is the default Store implementation: one store.HNSWStore
// per collection, persisted under baseDir as "<name>.hnsw" (+ ".meta") and
// "<name>.payloads".
type HNSWVectorStore struct {
	mu          sync.RWMutex
	baseDir     string
	collections map[string]*collection
}

// New creates a vector store rooted at baseDir. baseDir is created on first
// use; existing collections are not eagerly loaded. CreateCollection loads a
// prior session's persisted state; CollectionExists only checks that the
// persisted index file is present and does not load it.
func New(baseDir string) *HNSWVectorStore {
	return &HNSWVectorStore{
		baseDir:     baseDir,
		collections: make(map[string]*collection),
	}
}

func (s *HNSWVectorStore) indexPath(name string) string {
	return filepath.Join(s.baseDir, name+".hnsw")
}

func (s *HNSWVectorStore) payloadsPath(name string) string {
	return filepath.Join(s.baseDir, name+".payloads")
}

// CreateCollection is idempotent: if the collection already exists on disk
// from a prior session it is loaded rather than recreated, so restarting
// the core mid-project doesn't lose vectors already committed.
func (s *HNSWVectorStore) CreateCollection(ctx context.Context, name string, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[name]; ok {
		return nil
	}

	hnswStore, err := store.NewHNSWStore(store.DefaultVectorStoreConfig(dimensions))
	if err != nil {
		return fmt.Errorf("create hnsw store for collection %q: %w", name, err)
	}

	col := &collection{hnsw: hnswStore, payloads: make(map[string]Payload)}

	if _, statErr := os.Stat(s.indexPath(name)); statErr == nil {
		if err := hnswStore.Load(s.indexPath(name)); err != nil {
			return fmt.Errorf("load collection %q: %w", name, err)
		}
		if err := loadPayloads(s.payloadsPath(name), col); err != nil {
			return fmt.Errorf("load collection %q payloads: %w", name, err)
		}
	}

	s.collections[name] = col
	return nil
}

// CollectionExists reports whether a collection is loaded in-memory or has
// persisted state on disk from a prior run.
func (s *HNSWVectorStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	_, loaded := s.collections[name]
	s.mu.RUnlock()
	if loaded {
		return true, nil
	}

	_, err := os.Stat(s.indexPath(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// DeleteCollection drops a collection from memory and disk.
func (s *HNSWVectorStore) DeleteCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		_ = col.hnsw.Close()
		delete(s.collections, name)
	}

	for _, p := range []string{s.indexPath(name), s.indexPath(name) + ".meta", s.payloadsPath(name)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// UpsertPoints inserts or replaces points by id and persists the collection
// immediately: the ordering guarantee that a vector write happens-before
// the corresponding FileRecord update requires this call to be durable
// before it returns.
func (s *HNSWVectorStore) UpsertPoints(ctx context.Context, name string, points []*Point) error {
	col, err := s.collectionOrErr(name)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	ids := make([]string, len(points))
	vectors := make([][]float32, len(points))

	col.mu.Lock()
	for i, p := range points {
		ids[i] = p.ID
		vectors[i] = p.Vector
	}
	col.mu.Unlock()

	if err := col.hnsw.Add(ctx, ids, vectors); err != nil {
		return fmt.Errorf("upsert points into collection %q: %w", name, err)
	}

	col.mu.Lock()
	for _, p := range points {
		col.payloads[p.ID] = p.Payload
	}
	col.mu.Unlock()

	return s.persist(name, col)
}

// DeleteByFilter removes every point whose payload matches filter and
// returns how many were removed.
func (s *HNSWVectorStore) DeleteByFilter(ctx context.Context, name string, filter Filter) (int, error) {
	if filter.isEmpty() {
		return 0, fmt.Errorf("refusing to delete by empty filter in collection %q", name)
	}

	col, err := s.collectionOrErr(name)
	if err != nil {
		return 0, err
	}

	col.mu.Lock()
	var toDelete []string
	for id, payload := range col.payloads {
		if filter.matches(payload) {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range toDelete {
		delete(col.payloads, id)
	}
	col.mu.Unlock()

	if len(toDelete) == 0 {
		return 0, nil
	}
	if err := col.hnsw.Delete(ctx, toDelete); err != nil {
		return 0, fmt.Errorf("delete points from collection %q: %w", name, err)
	}

	if err := s.persist(name, col); err != nil {
		return 0, err
	}
	return len(toDelete), nil
}

// CountByFilter returns how many points in a collection match filter. An
// empty filter counts the whole collection.
func (s *HNSWVectorStore) CountByFilter(ctx context.Context, name string, filter Filter) (int, error) {
	col, err := s.collectionOrErr(name)
	if err != nil {
		return 0, err
	}

	col.mu.RLock()
	defer col.mu.RUnlock()

	if filter.isEmpty() {
		return len(col.payloads), nil
	}
	count := 0
	for _, payload := range col.payloads {
		if filter.matches(payload) {
			count++
		}
	}
	return count, nil
}

// Search runs a similarity search against a collection.
func (s *HNSWVectorStore) Search(ctx context.Context, name string, query []float32, k int) ([]*store.VectorResult, error) {
	col, err := s.collectionOrErr(name)
	if err != nil {
		return nil, err
	}
	return col.hnsw.Search(ctx, query, k)
}

// Close releases every loaded collection's HNSW store.
func (s *HNSWVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, col := range s.collections {
		if err := col.hnsw.Close(); err != nil {
			return fmt.Errorf("close collection %q: %w", name, err)
		}
	}
	s.collections = make(map[string]*collection)
	return nil
}

func (s *HNSWVectorStore) collectionOrErr(name string) (*collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %q does not exist", name)
	}
	return col, nil
}

func (s *HNSWVectorStore) persist(name string, col *collection) error {
	if err := os.MkdirAll(s.baseDir, 0755); err != nil {
		return fmt.Errorf("create vector store directory: %w", err)
	}
	if err := col.hnsw.Save(s.indexPath(name)); err != nil {
		return fmt.Errorf("save collection %q: %w", name, err)
	}
	return savePayloads(s.payloadsPath(name), col)
}

func savePayloads(path string, col *collection) error {
	col.mu.RLock()
	defer col.mu.RUnlock()

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp payloads file: %w", err)
	}

	if err := gob.NewEncoder(file).Encode(col.payloads); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode payloads: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close payloads file: %w", err)
	}
	return os.Rename(tmpPath, path)
}

func loadPayloads(path string, col *collection) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open payloads file: %w", err)
	}
	defer file.Close()

	payloads := make(map[string]Payload)
	if err := gob.NewDecoder(file).Decode(&payloads); err != nil {
		return fmt.Errorf("decode payloads: %w", err)
	}

	col.mu.Lock()
	col.payloads = payloads
	col.mu.Unlock()
	return nil
}

var _ Store = (*HNSWVectorStore)(nil)
