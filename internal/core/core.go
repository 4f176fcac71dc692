// Package core is the composition root: it wires config, the project
// registry, the two content stores (vectors, graph), the file-state store,
// the memory guard and the indexing coordinator into a single Core handle.
// Every CLI command operates through Core rather than constructing its own
// dependency graph, mirroring how cmd/index.go used to assemble a Runner by
// hand but collecting that assembly in one place so index/watch/status/
// delete all see the same wiring.
package core

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aman-cerp/codeindex/internal/chunk"
	"github.com/aman-cerp/codeindex/internal/config"
	"github.com/aman-cerp/codeindex/internal/embed"
	"github.com/aman-cerp/codeindex/internal/filestate"
	"github.com/aman-cerp/codeindex/internal/graphstore"
	"github.com/aman-cerp/codeindex/internal/ids"
	"github.com/aman-cerp/codeindex/internal/index"
	"github.com/aman-cerp/codeindex/internal/memguard"
	"github.com/aman-cerp/codeindex/internal/migrate"
	"github.com/aman-cerp/codeindex/internal/registry"
	"github.com/aman-cerp/codeindex/internal/scanner"
	"github.com/aman-cerp/codeindex/internal/vectorstore"
	"github.com/aman-cerp/codeindex/internal/watcher"
)

// Core owns every long-lived dependency a CLI command needs and exposes the
// public operations (index, incremental update, delete, status, watch) as
// methods. Construct it once per process via Open and Close it on exit.
type Core struct {
	cfg     *config.Config
	dataDir string

	db         *sql.DB
	registry   *registry.Store
	fileStates *filestate.Store
	vectors    vectorstore.Store
	graph      graphstore.GraphStore
	embedder   embed.Embedder
	guard      *memguard.Guard

	coordinator *index.Coordinator
}

// Options configures Open. Offline forces the static embedder so tests and
// air-gapped runs never touch a model download.
type Options struct {
	Offline bool
}

// Open builds a Core rooted at root, creating root/.amanmcp if needed,
// running the core migrations against its metadata database, and starting
// the memory guard. Callers must call Close when done.
func Open(ctx context.Context, root string, opts Options) (*Core, error) {
	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	dataDir := filepath.Join(root, ".amanmcp")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := migrate.Open(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	if err := migrate.Migrate(ctx, db, migrate.CoreMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate metadata db: %w", err)
	}

	reg := registry.NewStore(db, filepath.Join(dataDir, "project-mapping.json"))
	states := filestate.NewStore(db)
	vectors := vectorstore.New(filepath.Join(dataDir, "vectors"))

	graph, err := graphstore.NewSQLiteGraphStore(filepath.Join(dataDir, "graph"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open graph store: %w", err)
	}

	var embedder embed.Embedder
	if opts.Offline {
		embedder, err = embed.NewEmbedder(ctx, embed.ProviderStatic, cfg.Embeddings.Model)
	} else {
		provider := embed.ProviderType(cfg.Embeddings.Provider)
		if provider == "" {
			embedder, err = embed.NewDefaultEmbedder(ctx)
		} else {
			embedder, err = embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
		}
	}
	if err != nil {
		_ = graph.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init embedder: %w", err)
	}

	guard := memguard.New(memguard.DefaultThresholds(), 30*time.Second, 10*time.Second)
	guard.Start(ctx)

	sc, err := scanner.New()
	if err != nil {
		_ = embedder.Close()
		_ = graph.Close()
		_ = db.Close()
		return nil, fmt.Errorf("init scanner: %w", err)
	}

	maxConcurrency := cfg.Performance.IndexWorkers
	if maxConcurrency <= 0 {
		maxConcurrency = 3
	}

	deps := index.Deps{
		Scanner:         sc,
		Parser:          chunk.NewParser(),
		Extractor:       chunk.NewSymbolExtractor(),
		CodeChunker:     chunk.NewCodeChunker(),
		MarkdownChunker: chunk.NewMarkdownChunker(),
		PostProcess:     chunk.DefaultPostProcessOptions(),
		Embedder:        embedder,
		Vectors:         vectors,
		Graph:           graph,
		FileStates:      states,
		Guard:           guard,
		MaxConcurrency:  maxConcurrency,
	}

	return &Core{
		cfg:         cfg,
		dataDir:     dataDir,
		db:          db,
		registry:    reg,
		fileStates:  states,
		vectors:     vectors,
		graph:       graph,
		embedder:    embedder,
		guard:       guard,
		coordinator: index.NewCoordinator(deps),
	}, nil
}

// Close releases every resource Open acquired. Safe to call once.
func (c *Core) Close() error {
	c.guard.Stop()
	if err := c.embedder.Close(); err != nil {
		return err
	}
	if err := c.graph.Close(); err != nil {
		return err
	}
	return c.db.Close()
}

// requireProject fetches a registered project by id, turning "not found"
// into an error instead of a nil *Project a caller could dereference.
func (c *Core) requireProject(ctx context.Context, projectID string) (*registry.Project, error) {
	p, err := c.registry.Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("lookup project: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("no project registered with id %s", projectID)
	}
	return p, nil
}

// resolveProject registers path as a project if it isn't one yet, returning
// its registry entry.
func (c *Core) resolveProject(ctx context.Context, path string) (*registry.Project, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	if p, err := c.registry.GetByPath(ctx, absPath); err == nil && p != nil {
		return p, nil
	}

	id := ids.ProjectID(absPath)
	p := &registry.Project{
		ID:             id,
		Path:           absPath,
		Name:           filepath.Base(absPath),
		CollectionName: ids.CollectionName(id),
		SpaceName:      ids.SpaceName(id),
		Status:         "registered",
	}
	if err := c.registry.Register(ctx, p); err != nil {
		return nil, fmt.Errorf("register project: %w", err)
	}
	return p, nil
}

// Index runs a full index of path, registering it as a project first if
// necessary.
func (c *Core) Index(ctx context.Context, path string) (*index.JobResult, error) {
	p, err := c.resolveProject(ctx, path)
	if err != nil {
		return nil, err
	}
	result, err := c.coordinator.IndexProject(ctx, p.ID, p.CollectionName, p.SpaceName, p.Path)
	if err != nil {
		return result, err
	}
	p.LastIndexedAt = time.Now()
	p.Status = "indexed"
	_ = c.registry.Register(ctx, p)
	return result, nil
}

// IncrementalUpdate re-plans and re-indexes only what changed under an
// already-registered project.
func (c *Core) IncrementalUpdate(ctx context.Context, projectID string) (*index.JobResult, error) {
	p, err := c.requireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	result, err := c.coordinator.IncrementalUpdate(ctx, p.ID, p.CollectionName, p.SpaceName, p.Path)
	if err != nil {
		return result, err
	}
	p.LastIndexedAt = time.Now()
	_ = c.registry.Register(ctx, p)
	return result, nil
}

// Delete removes a project's vectors, graph and file-state records, and
// unregisters it.
func (c *Core) Delete(ctx context.Context, projectID string) error {
	p, err := c.requireProject(ctx, projectID)
	if err != nil {
		return err
	}

	if exists, _ := c.vectors.CollectionExists(ctx, p.CollectionName); exists {
		if err := c.vectors.DeleteCollection(ctx, p.CollectionName); err != nil {
			return fmt.Errorf("delete vector collection: %w", err)
		}
	}
	if err := c.graph.DropSpace(ctx, p.SpaceName); err != nil {
		return fmt.Errorf("drop graph space: %w", err)
	}
	if err := c.fileStates.DeleteByProject(ctx, p.ID); err != nil {
		return fmt.Errorf("delete file states: %w", err)
	}
	return c.registry.Unregister(ctx, p.ID)
}

// ProjectStatus summarizes one project's indexed state.
type ProjectStatus struct {
	Project       *registry.Project
	FilesIndexed  int
	ChunksIndexed int
}

// Status reports the current indexed state of a project.
func (c *Core) Status(ctx context.Context, projectID string) (*ProjectStatus, error) {
	p, err := c.requireProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	states, err := c.fileStates.ListByProject(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("list file states: %w", err)
	}

	chunks := 0
	for _, st := range states {
		chunks += st.ChunkCount
	}

	return &ProjectStatus{
		Project:       p,
		FilesIndexed:  len(states),
		ChunksIndexed: chunks,
	}, nil
}

// Projects lists every registered project, for commands that resolve a path
// to a project id before acting on it.
func (c *Core) Projects(ctx context.Context) ([]*registry.Project, error) {
	return c.registry.List(ctx)
}

// ResolveProjectID finds the project id registered for path, if any.
func (c *Core) ResolveProjectID(ctx context.Context, path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	p, err := c.registry.GetByPath(ctx, absPath)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", fmt.Errorf("no project registered at %s", absPath)
	}
	return p.ID, nil
}

// Watch starts a HybridWatcher over a registered project's root and applies
// incremental updates as change batches arrive, until ctx is canceled.
func (c *Core) Watch(ctx context.Context, projectID string, onUpdate func(*index.JobResult, error)) error {
	p, err := c.requireProject(ctx, projectID)
	if err != nil {
		return err
	}

	debounce := 500 * time.Millisecond
	if d, err := time.ParseDuration(c.cfg.Performance.WatchDebounce); err == nil {
		debounce = d
	}

	w, err := watcher.NewHybridWatcher(watcher.Options{DebounceWindow: debounce}.WithDefaults())
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if states, err := c.fileStates.ListByProject(ctx, p.ID); err == nil {
		hashes := make(map[string]string, len(states))
		for _, st := range states {
			hashes[st.RelativePath] = st.ContentHash
		}
		w.SeedHashCache(hashes)
	}

	if err := w.Start(ctx, p.Path); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer func() { _ = w.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-w.Events():
			if !ok {
				return nil
			}
			if len(batch) == 0 {
				continue
			}
			result, err := c.IncrementalUpdate(ctx, p.ID)
			onUpdate(result, err)
		case werr, ok := <-w.Errors():
			if !ok {
				continue
			}
			onUpdate(nil, werr)
		}
	}
}
