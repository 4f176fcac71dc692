package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aman-cerp/codeindex/internal/ids"
)

// renameWindow is how long a delete waits for a matching create before it is
// emitted as a plain delete.
const renameWindow = time.Second

// pendingDeparture is a delete event waiting to be matched against a create
// with the same content hash.
type pendingDeparture struct {
	path  string
	timer *time.Timer
}

// renameCorrelator turns a delete+create pair for the same content into a
// single OpRename event. fsnotify (and the polling fallback) report a move
// as two independent events with no shared identifier, so correlation keys
// on content hash: the hash the deleted path had immediately before removal,
// matched against the hash of whatever gets created within renameWindow.
// The teacher's watcher passes renames through as delete+create unchanged
// (OpRename exists on Operation but FileEvent.OldPath is never populated);
// this closes that gap using the same content-hash idiom internal/ids
// provides for chunk/entity identity.
type renameCorrelator struct {
	rootPath string
	window   time.Duration
	emit     func(FileEvent)

	mu      sync.Mutex
	hashes  map[string]string // relPath -> last known content hash
	pending map[string]*pendingDeparture
}

func newRenameCorrelator(rootPath string, emit func(FileEvent)) *renameCorrelator {
	return &renameCorrelator{
		rootPath: rootPath,
		window:   renameWindow,
		emit:     emit,
		hashes:   make(map[string]string),
		pending:  make(map[string]*pendingDeparture),
	}
}

// Seed primes the hash cache from persisted file state (content hashes
// recorded by internal/filestate as of the last successful index), so a
// rename observed just after startup can still be correlated against a file
// that existed before the watcher itself ever saw it.
func (c *renameCorrelator) Seed(hashes map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for path, hash := range hashes {
		c.hashes[path] = hash
	}
}

func (c *renameCorrelator) hashFile(relPath string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(c.rootPath, relPath))
	if err != nil {
		return "", false
	}
	return ids.ContentHash(data), true
}

// Process consumes one raw event and either forwards it immediately or
// holds it pending rename correlation. Directory events are never
// correlated since content hashing doesn't apply to them.
func (c *renameCorrelator) Process(event FileEvent) {
	if event.IsDir {
		c.emit(event)
		return
	}

	switch event.Operation {
	case OpDelete, OpRename:
		// fsnotify reports a move as a Rename on the old path (semantically
		// a departure, same as Delete) plus a separate Create on the new
		// path; both are handled identically here and re-synthesized as a
		// single OpRename once the matching Create arrives.
		c.handleDelete(event)
	case OpCreate:
		c.handleCreate(event)
	case OpModify:
		c.mu.Lock()
		if hash, ok := c.hashFile(event.Path); ok {
			c.hashes[event.Path] = hash
		}
		c.mu.Unlock()
		c.emit(event)
	default:
		c.emit(event)
	}
}

func (c *renameCorrelator) handleDelete(event FileEvent) {
	c.mu.Lock()
	hash, known := c.hashes[event.Path]
	delete(c.hashes, event.Path)
	if !known {
		c.mu.Unlock()
		c.emit(event)
		return
	}

	dep := &pendingDeparture{path: event.Path}
	dep.timer = time.AfterFunc(c.window, func() {
		c.flushUnmatched(hash, event)
	})
	c.pending[hash] = dep
	c.mu.Unlock()
}

func (c *renameCorrelator) flushUnmatched(hash string, original FileEvent) {
	c.mu.Lock()
	dep, ok := c.pending[hash]
	if !ok || dep.path != original.Path {
		c.mu.Unlock()
		return
	}
	delete(c.pending, hash)
	c.mu.Unlock()

	// No matching create arrived within the window: the file is genuinely
	// gone, not moved. A bare OpRename with no OldPath would be meaningless
	// downstream, so normalize to a plain delete.
	original.Operation = OpDelete
	c.emit(original)
}

func (c *renameCorrelator) handleCreate(event FileEvent) {
	hash, ok := c.hashFile(event.Path)
	if !ok {
		c.emit(event)
		return
	}

	c.mu.Lock()
	dep, found := c.pending[hash]
	if found {
		delete(c.pending, hash)
		dep.timer.Stop()
	}
	c.hashes[event.Path] = hash
	c.mu.Unlock()

	if !found {
		c.emit(event)
		return
	}

	c.emit(FileEvent{
		Path:      event.Path,
		OldPath:   dep.path,
		Operation: OpRename,
		IsDir:     false,
		Timestamp: event.Timestamp,
	})
}
