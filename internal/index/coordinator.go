// Package index implements the indexing coordinator (C14): the state
// machine that walks a project (or applies an incremental Plan), runs each
// file through the chunk/normalize/embed pipeline, and commits the result
// to the vector and graph stores.
package index

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aman-cerp/codeindex/internal/chunk"
	"github.com/aman-cerp/codeindex/internal/embed"
	"github.com/aman-cerp/codeindex/internal/errors"
	"github.com/aman-cerp/codeindex/internal/filestate"
	"github.com/aman-cerp/codeindex/internal/graphstore"
	"github.com/aman-cerp/codeindex/internal/ids"
	"github.com/aman-cerp/codeindex/internal/memguard"
	"github.com/aman-cerp/codeindex/internal/normalize"
	"github.com/aman-cerp/codeindex/internal/scanner"
	"github.com/aman-cerp/codeindex/internal/vectorstore"
)

// currentIndexingVersion is bumped whenever the pipeline's output would
// change for unchanged file content (e.g. a post-processing pass changes
// behavior). A FileRecord from an older version is never considered
// up-to-date even if its content hash still matches.
const currentIndexingVersion = 1

// Deps are the collaborators the coordinator drives. Every collaborator is
// required except Guard (nil means no backpressure); the tuning fields
// below fall back to defaults when zero. Core is the only constructor that
// assembles one of these.
type Deps struct {
	Scanner         *scanner.Scanner
	Parser          *chunk.Parser
	Extractor       *chunk.SymbolExtractor
	CodeChunker     *chunk.CodeChunker
	MarkdownChunker *chunk.MarkdownChunker
	PostProcess     chunk.PostProcessOptions
	Embedder        embed.Embedder
	Vectors         vectorstore.Store
	Graph           graphstore.GraphStore
	FileStates      *filestate.Store
	Guard           *memguard.Guard

	// MaxConcurrency bounds the worker pool; the work queue is sized
	// 2 x MaxConcurrency. Defaults to 3 if zero.
	MaxConcurrency int
	// EmbedBatchSize is how many chunk contents are embedded per call.
	// Defaults to 32 if zero.
	EmbedBatchSize int
	// Retry governs transient-failure backoff for embed calls; store
	// writes are not retried.
	Retry errors.RetryConfig
}

func (d *Deps) withDefaults() Deps {
	out := *d
	if out.MaxConcurrency <= 0 {
		out.MaxConcurrency = 3
	}
	if out.EmbedBatchSize <= 0 {
		out.EmbedBatchSize = 32
	}
	if out.Retry.MaxRetries == 0 && out.Retry.InitialDelay == 0 {
		out.Retry = errors.DefaultRetryConfig()
		out.Retry.Jitter = true
	}
	return out
}

// Coordinator is the C14 indexing coordinator: one instance is shared by a
// Core and serializes concurrent jobs per project.
type Coordinator struct {
	deps Deps

	mu            sync.Mutex
	activeProject map[string]bool
	pathLocks     map[string]*sync.Mutex
}

// NewCoordinator builds a coordinator over the given collaborators.
func NewCoordinator(deps Deps) *Coordinator {
	return &Coordinator{
		deps:          deps.withDefaults(),
		activeProject: make(map[string]bool),
		pathLocks:     make(map[string]*sync.Mutex),
	}
}

// JobResult summarizes one full or incremental indexing pass.
type JobResult struct {
	ProjectID      string
	FilesIndexed   int
	FilesSkipped   int
	FilesDeleted   int
	ChunksWritten  int
	Errors         []error
}

func (r *JobResult) addError(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
}

// fileJob is one unit of work dispatched to the worker pool.
type fileJob struct {
	root         string
	relativePath string
	language     string
	markdown     bool
	// oldPath is set when this add/modify is the tail end of a recognized
	// rename: the old path's vectors/graph/FileRecord have already been
	// retired by the time this job runs.
	oldPath string
}

// errAlreadyInProgress is returned when a second job is requested for a
// project that already has one running.
var errAlreadyInProgress = fmt.Errorf("index job already in progress for this project")

// beginJob registers projectID as active, or fails if one is already
// running; endJob releases it.
func (c *Coordinator) beginJob(projectID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeProject[projectID] {
		return errAlreadyInProgress
	}
	c.activeProject[projectID] = true
	return nil
}

func (c *Coordinator) endJob(projectID string) {
	c.mu.Lock()
	delete(c.activeProject, projectID)
	c.mu.Unlock()
}

// lockPath returns the mutex serializing writes for (projectID,
// relativePath), creating it on first use. Locks are never removed: the
// set of distinct files touched across a process lifetime is bounded by
// the project's size, not worth reclaiming.
func (c *Coordinator) lockPath(projectID, relativePath string) *sync.Mutex {
	key := projectID + "\x1f" + relativePath
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.pathLocks[key]
	if !ok {
		m = &sync.Mutex{}
		c.pathLocks[key] = m
	}
	return m
}

// IndexProject runs a full index of root under projectID: ensure the
// collection/space exist, walk every file via the scanner, and run each
// through the per-file pipeline. Files whose content hash and indexing
// version already match their FileRecord are skipped.
func (c *Coordinator) IndexProject(ctx context.Context, projectID, collection, space, root string) (*JobResult, error) {
	if err := c.beginJob(projectID); err != nil {
		return nil, err
	}
	defer c.endJob(projectID)

	if err := c.ensureStores(ctx, collection, space); err != nil {
		return nil, err
	}

	results, err := c.deps.Scanner.Scan(ctx, &scanner.ScanOptions{
		RootDir:          root,
		RespectGitignore: true,
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	jobs := make(chan fileJob, 2*c.deps.MaxConcurrency)
	result := &JobResult{ProjectID: projectID}
	var resultMu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < c.deps.MaxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					continue
				}
				c.runFileJob(ctx, projectID, collection, space, job, result, &resultMu)
			}
		}()
	}

feed:
	for res := range results {
		if ctx.Err() != nil {
			break feed
		}
		if res.Error != nil || res.File == nil {
			continue
		}
		select {
		case jobs <- fileJob{
			root:         root,
			relativePath: res.File.Path,
			language:     res.File.Language,
			markdown:     res.File.ContentType == scanner.ContentTypeMarkdown,
		}:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// IncrementalUpdate plans changes since the last indexed state (C15) and
// applies only what changed: deletes retire vectors/graph/FileRecord for a
// vanished path, adds/modifies run the normal per-file pipeline, and
// renames retire the old path's vectors/graph before reprocessing the file
// under its new path (chunk and entity ids incorporate the path, so they
// cannot simply be relabeled in place).
func (c *Coordinator) IncrementalUpdate(ctx context.Context, projectID, collection, space, root string) (*JobResult, error) {
	if err := c.beginJob(projectID); err != nil {
		return nil, err
	}
	defer c.endJob(projectID)

	if err := c.ensureStores(ctx, collection, space); err != nil {
		return nil, err
	}

	plan, err := Plan(ctx, c.deps.Scanner, c.deps.FileStates, projectID, root)
	if err != nil {
		return nil, fmt.Errorf("plan incremental update: %w", err)
	}

	result := &JobResult{ProjectID: projectID}
	var resultMu sync.Mutex

	jobs := make(chan fileJob, 2*c.deps.MaxConcurrency)
	var wg sync.WaitGroup
	for i := 0; i < c.deps.MaxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					continue
				}
				c.runFileJob(ctx, projectID, collection, space, job, result, &resultMu)
			}
		}()
	}

	for _, change := range plan.Changes {
		if ctx.Err() != nil {
			break
		}
		switch change.Kind {
		case ChangeKindUnchanged:
			resultMu.Lock()
			result.FilesSkipped++
			resultMu.Unlock()
		case ChangeKindDeleted:
			if err := c.deleteFile(ctx, projectID, collection, space, change.RelativePath); err != nil {
				resultMu.Lock()
				result.addError(fmt.Errorf("delete %s: %w", change.RelativePath, err))
				resultMu.Unlock()
				continue
			}
			resultMu.Lock()
			result.FilesDeleted++
			resultMu.Unlock()
		case ChangeKindRenamed:
			if err := c.deleteFile(ctx, projectID, collection, space, change.OldPath); err != nil {
				resultMu.Lock()
				result.addError(fmt.Errorf("retire renamed-from %s: %w", change.OldPath, err))
				resultMu.Unlock()
				continue
			}
			language, markdown := detectFileKind(change.RelativePath)
			jobs <- fileJob{root: root, relativePath: change.RelativePath, language: language, markdown: markdown, oldPath: change.OldPath}
		case ChangeKindAdded, ChangeKindModified:
			language, markdown := detectFileKind(change.RelativePath)
			jobs <- fileJob{root: root, relativePath: change.RelativePath, language: language, markdown: markdown}
		}
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

// detectFileKind infers a language/markdown hint from extension for
// incremental changes, where the scanner's own detection isn't available
// (the planner only tracks path/size/mtime). It uses scanner.DetectLanguage
// and treats the .md, .mdx and .markdown extensions as markdown.
func detectFileKind(relativePath string) (language string, markdown bool) {
	ext := filepath.Ext(relativePath)
	switch ext {
	case ".md", ".mdx", ".markdown":
		return "markdown", true
	}
	return scanner.DetectLanguage(relativePath), false
}

func (c *Coordinator) ensureStores(ctx context.Context, collection, space string) error {
	dim := c.deps.Embedder.Dimensions()
	exists, err := c.deps.Vectors.CollectionExists(ctx, collection)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", collection, err)
	}
	if !exists {
		if err := c.deps.Vectors.CreateCollection(ctx, collection, dim); err != nil {
			return fmt.Errorf("create collection %s: %w", collection, err)
		}
	}
	if err := c.deps.Graph.EnsureSpace(ctx, space); err != nil {
		return fmt.Errorf("ensure graph space %s: %w", space, err)
	}
	return nil
}

// deleteFile retires a file from both stores and its FileRecord, used for
// plain deletes and as the first half of a rename.
func (c *Coordinator) deleteFile(ctx context.Context, projectID, collection, space, relativePath string) error {
	lock := c.lockPath(projectID, relativePath)
	lock.Lock()
	defer lock.Unlock()

	if _, err := c.deps.Vectors.DeleteByFilter(ctx, collection, vectorstore.Filter{ProjectID: projectID, RelativePath: relativePath}); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if err := c.deps.Graph.DeleteEntitiesByFile(ctx, space, relativePath); err != nil {
		return fmt.Errorf("delete graph entities: %w", err)
	}
	return c.deps.FileStates.Delete(ctx, projectID, relativePath)
}

// runFileJob executes the full per-file pipeline for one job: read, hash,
// skip-if-unchanged, C4->C5->C6, batch-embed, two-store commit, FileRecord
// update. It applies backpressure from the memory guard between the read
// and the embed step, and retries transient embed failures; store writes
// are attempted once.
func (c *Coordinator) runFileJob(ctx context.Context, projectID, collection, space string, job fileJob, result *JobResult, resultMu *sync.Mutex) {
	lock := c.lockPath(projectID, job.relativePath)
	lock.Lock()
	defer lock.Unlock()

	recordErr := func(err error) {
		resultMu.Lock()
		result.addError(fmt.Errorf("%s: %w", job.relativePath, err))
		resultMu.Unlock()
	}

	data, err := os.ReadFile(filepath.Join(job.root, job.relativePath))
	if err != nil {
		recordErr(err)
		return
	}
	hash := ids.ContentHash(data)

	if job.oldPath == "" {
		existing, err := c.deps.FileStates.Get(ctx, projectID, job.relativePath)
		if err != nil {
			recordErr(err)
			return
		}
		if existing != nil && existing.ContentHash == hash && existing.IndexingVersion == currentIndexingVersion {
			resultMu.Lock()
			result.FilesSkipped++
			resultMu.Unlock()
			return
		}
	}

	input := &chunk.FileInput{Path: job.relativePath, Content: data, Language: job.language}

	var rawChunks []*chunk.Chunk
	var tree *chunk.Tree
	if job.markdown {
		rawChunks, err = c.deps.MarkdownChunker.Chunk(ctx, input)
	} else {
		rawChunks, err = c.deps.CodeChunker.Chunk(ctx, input)
		if t, perr := c.deps.Parser.Parse(ctx, data, job.language); perr == nil {
			tree = t
		}
	}
	if err != nil {
		recordErr(fmt.Errorf("split: %w", err))
		return
	}

	chunks := chunk.PostProcess(rawChunks, c.deps.PostProcess)
	for _, ch := range chunks {
		ch.ID = ids.ChunkID(projectID, job.relativePath, ch.StartLine, ch.EndLine, hash)
	}

	var entities []*graphstore.Entity
	var rels []*graphstore.Relationship
	if tree != nil {
		entities, rels = c.normalizeFile(tree, job.relativePath, job.language, chunks)
	}

	if applyBackpressure(ctx, c.deps.Guard) {
		return
	}

	vectors, err := c.embedChunks(ctx, chunks)
	if err != nil {
		recordErr(fmt.Errorf("embed: %w", err))
		return
	}

	if err := c.commitFile(ctx, projectID, collection, space, job.relativePath, chunks, vectors, entities, rels); err != nil {
		recordErr(fmt.Errorf("commit: %w", err))
		return
	}

	now := time.Now()
	lastModified := now
	if fi, err := os.Stat(filepath.Join(job.root, job.relativePath)); err == nil {
		lastModified = fi.ModTime()
	}
	state := &filestate.State{
		ProjectID:       projectID,
		RelativePath:    job.relativePath,
		ContentHash:     hash,
		FileSize:        int64(len(data)),
		LastModified:    lastModified,
		LastIndexed:     now,
		IndexingVersion: currentIndexingVersion,
		ChunkCount:      len(chunks),
		Language:        job.language,
		Status:          "indexed",
	}
	if err := c.deps.FileStates.Upsert(ctx, state); err != nil {
		recordErr(fmt.Errorf("update file record: %w", err))
		return
	}

	resultMu.Lock()
	result.FilesIndexed++
	result.ChunksWritten += len(chunks)
	resultMu.Unlock()
}

// normalizeFile runs C6 over a parsed tree, mapping each entity's defining
// line back to the chunk that contains it.
func (c *Coordinator) normalizeFile(tree *chunk.Tree, relativePath, language string, chunks []*chunk.Chunk) ([]*graphstore.Entity, []*graphstore.Relationship) {
	chunkIDForLine := func(line int) string {
		for _, ch := range chunks {
			if line >= ch.StartLine && line <= ch.EndLine {
				return ch.ID
			}
		}
		return ""
	}
	res := normalize.Normalize(tree, c.deps.Extractor, relativePath, language, chunkIDForLine)
	return res.Entities, res.Relationships
}

// embedChunks batch-embeds chunk contents in groups of EmbedBatchSize,
// retrying transient failures with backoff.
func (c *Coordinator) embedChunks(ctx context.Context, chunks []*chunk.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += c.deps.EmbedBatchSize {
		end := start + c.deps.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, end-start)
		for i, ch := range chunks[start:end] {
			texts[i] = ch.Content
		}

		batch, err := c.embedBatchWithRetry(ctx, texts)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// embedBatchWithRetry embeds one batch, retrying only errors
// internal/errors classifies as retryable (network errors, timeouts) with
// exponential backoff and jitter. A validation-class error (bad input,
// dimension mismatch) is fatal to the job immediately, per spec §4.7.
func (c *Coordinator) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	delay := c.deps.Retry.InitialDelay

	for attempt := 0; attempt <= c.deps.Retry.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		vecs, err := c.deps.Embedder.EmbedBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return nil, fmt.Errorf("fatal embed error: %w", err)
		}
		if attempt >= c.deps.Retry.MaxRetries {
			break
		}

		wait := delay
		if c.deps.Retry.Jitter {
			wait = jitter(delay)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		delay = time.Duration(float64(delay) * c.deps.Retry.Multiplier)
		if delay > c.deps.Retry.MaxDelay {
			delay = c.deps.Retry.MaxDelay
		}
	}
	return nil, fmt.Errorf("embed failed after %d retries: %w", c.deps.Retry.MaxRetries, lastErr)
}

// jitter applies the same 0.5 + rand(0,0.5) spread internal/errors.Retry
// uses for its own backoff, so retry timing looks identical across the
// codebase regardless of which retry loop is driving it.
func jitter(d time.Duration) time.Duration {
	factor := 0.5 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

// commitFile performs the two-store commit in the order spec §4.7
// mandates: delete existing vectors, delete existing graph entities,
// upsert new vectors, upsert new vertices then edges, in that order so
// edges never reference a vertex that doesn't exist yet.
func (c *Coordinator) commitFile(ctx context.Context, projectID, collection, space, relativePath string, chunks []*chunk.Chunk, vectors [][]float32, entities []*graphstore.Entity, rels []*graphstore.Relationship) error {
	if _, err := c.deps.Vectors.DeleteByFilter(ctx, collection, vectorstore.Filter{ProjectID: projectID, RelativePath: relativePath}); err != nil {
		return fmt.Errorf("delete stale vectors: %w", err)
	}
	if err := c.deps.Graph.DeleteEntitiesByFile(ctx, space, relativePath); err != nil {
		return fmt.Errorf("delete stale graph entities: %w", err)
	}

	if len(vectors) != len(chunks) {
		return fmt.Errorf("embedding count %d does not match chunk count %d", len(vectors), len(chunks))
	}
	if len(chunks) > 0 {
		points := make([]*vectorstore.Point, len(chunks))
		for i, ch := range chunks {
			points[i] = &vectorstore.Point{
				ID:     ch.ID,
				Vector: vectors[i],
				Payload: vectorstore.Payload{
					ProjectID:    projectID,
					RelativePath: relativePath,
					StartLine:    ch.StartLine,
					EndLine:      ch.EndLine,
					ChunkType:    string(ch.ContentType),
					Language:     ch.Language,
					ContentHash:  chunkContentHash(ch),
					Content:      ch.Content,
				},
			}
		}
		if err := c.deps.Vectors.UpsertPoints(ctx, collection, points); err != nil {
			return fmt.Errorf("upsert vectors: %w", err)
		}
	}

	if len(entities) > 0 {
		if err := c.deps.Graph.UpsertEntities(ctx, space, entities); err != nil {
			return fmt.Errorf("upsert entities: %w", err)
		}
	}
	if len(rels) > 0 {
		if err := c.deps.Graph.UpsertRelationships(ctx, space, rels); err != nil {
			return fmt.Errorf("upsert relationships: %w", err)
		}
	}
	return nil
}

// chunkContentHash hashes a chunk's raw content, excluding any overlap
// prefix injected by post-processing, so re-indexing unchanged content
// does not perturb the hash merely because a neighboring chunk shifted.
func chunkContentHash(ch *chunk.Chunk) string {
	raw := ch.RawContent
	if n, ok := chunk.OverlapPrefixLen(ch.Metadata); ok && n <= len(raw) {
		raw = raw[n:]
	}
	return ids.ContentHash([]byte(raw))
}

// applyBackpressure polls the memory guard's current pressure level and
// reports whether the caller should abandon this file (the context was
// cancelled). At critical or emergency pressure it waits 50ms before
// returning; warning pressure has no effect, and neither batch sizes nor
// file dispatch are changed. Guard being nil means no backpressure is
// configured (e.g. in tests), which is treated as no pressure.
func applyBackpressure(ctx context.Context, guard *memguard.Guard) bool {
	if guard == nil {
		return false
	}
	switch guard.Current() {
	case memguard.LevelCritical, memguard.LevelEmergency:
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return true
		}
	}
	return ctx.Err() != nil
}
