// Package index hosts the indexing coordinator (C14) and the incremental
// planner (C15) that feeds it change sets between full scans.
package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aman-cerp/codeindex/internal/filestate"
	"github.com/aman-cerp/codeindex/internal/ids"
	"github.com/aman-cerp/codeindex/internal/scanner"
)

// ChangeKind categorizes one entry in a Plan.
type ChangeKind string

const (
	ChangeKindAdded    ChangeKind = "added"
	ChangeKindModified ChangeKind = "modified"
	ChangeKindDeleted  ChangeKind = "deleted"
	ChangeKindRenamed  ChangeKind = "renamed"
	ChangeKindUnchanged ChangeKind = "unchanged"
)

// Change is one file's outcome from planning.
type Change struct {
	Kind         ChangeKind
	RelativePath string
	// OldPath is set only for ChangeKindRenamed: the path the content used
	// to live at.
	OldPath string
}

// Plan is the set of file-level changes an incremental index pass must
// apply to bring the FileRecord set back in sync with the tree.
type Plan struct {
	Changes []Change
}

// currentFile is one entry observed by walking the tree during planning.
type currentFile struct {
	relativePath string
	size         int64
	mtimeUnix    int64
}

// Plan walks root and diffs it against the FileRecord set already persisted
// for projectID, per spec §4.8: build the current (relativePath, mtime,
// size) set, diff against the indexed set, gate content hashing on mtime/
// size changes only, then fold add/delete pairs with matching content hash
// into renames.
func Plan(ctx context.Context, sc *scanner.Scanner, states *filestate.Store, projectID, root string) (*Plan, error) {
	current, err := walkCurrent(ctx, sc, root)
	if err != nil {
		return nil, fmt.Errorf("walk project tree: %w", err)
	}

	indexed, err := states.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list indexed file states: %w", err)
	}
	indexedByPath := make(map[string]*filestate.State, len(indexed))
	for _, st := range indexed {
		indexedByPath[st.RelativePath] = st
	}

	var added, deleted, modified, unchanged []string
	contentHash := make(map[string]string, len(current))

	for path, cf := range current {
		st, known := indexedByPath[path]
		if !known {
			added = append(added, path)
			continue
		}

		if !changed(st, cf) {
			unchanged = append(unchanged, path)
			continue
		}

		hash, err := hashFile(root, path)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", path, err)
		}
		contentHash[path] = hash
		if hash == st.ContentHash {
			unchanged = append(unchanged, path)
			continue
		}
		modified = append(modified, path)
	}

	for path := range indexedByPath {
		if _, ok := current[path]; !ok {
			deleted = append(deleted, path)
		}
	}

	plan := &Plan{}
	renamedAdded := make(map[string]bool)
	renamedDeleted := make(map[string]bool)

	if len(added) > 0 && len(deleted) > 0 {
		deletedHash := make(map[string]string, len(deleted))
		for _, path := range deleted {
			if st := indexedByPath[path]; st != nil {
				deletedHash[st.ContentHash] = path
			}
		}

		for _, path := range added {
			hash, ok := contentHash[path]
			if !ok {
				h, err := hashFile(root, path)
				if err != nil {
					return nil, fmt.Errorf("hash %s: %w", path, err)
				}
				hash = h
				contentHash[path] = h
			}
			if oldPath, found := deletedHash[hash]; found && !renamedDeleted[oldPath] {
				plan.Changes = append(plan.Changes, Change{
					Kind:         ChangeKindRenamed,
					RelativePath: path,
					OldPath:      oldPath,
				})
				renamedAdded[path] = true
				renamedDeleted[oldPath] = true
			}
		}
	}

	for _, path := range added {
		if !renamedAdded[path] {
			plan.Changes = append(plan.Changes, Change{Kind: ChangeKindAdded, RelativePath: path})
		}
	}
	for _, path := range modified {
		plan.Changes = append(plan.Changes, Change{Kind: ChangeKindModified, RelativePath: path})
	}
	for _, path := range deleted {
		if !renamedDeleted[path] {
			plan.Changes = append(plan.Changes, Change{Kind: ChangeKindDeleted, RelativePath: path})
		}
	}
	for _, path := range unchanged {
		plan.Changes = append(plan.Changes, Change{Kind: ChangeKindUnchanged, RelativePath: path})
	}

	return plan, nil
}

func changed(st *filestate.State, cf currentFile) bool {
	return st.FileSize != cf.size || st.LastModified.Unix() != cf.mtimeUnix
}

func hashFile(root, relativePath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, relativePath))
	if err != nil {
		return "", err
	}
	return ids.ContentHash(data), nil
}

func walkCurrent(ctx context.Context, sc *scanner.Scanner, root string) (map[string]currentFile, error) {
	results, err := sc.Scan(ctx, &scanner.ScanOptions{
		RootDir:          root,
		RespectGitignore: true,
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]currentFile)
	for res := range results {
		if res.Error != nil || res.File == nil {
			continue
		}
		out[res.File.Path] = currentFile{
			relativePath: res.File.Path,
			size:         res.File.Size,
			mtimeUnix:    res.File.ModTime.Unix(),
		}
	}
	return out, nil
}
