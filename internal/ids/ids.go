// Package ids derives the deterministic identifiers the rest of the core
// relies on: project ids, file ids, chunk ids, entity ids and relationship
// ids. Every id here is a pure function of its inputs so that re-indexing
// unchanged content reproduces the same id and mergeable vector/graph
// payloads stay stable across restarts.
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
)

// sum256Hex returns the hex-encoded SHA-256 of the given parts, joined by a
// unit separator so that e.g. ("ab", "c") and ("a", "bc") never collide.
func sum256Hex(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash returns the SHA-256 hex digest of file bytes. It is the
// FileRecord.contentHash and the rename-correlation key.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ProjectID derives a stable project identifier from an absolute,
// normalized project path. It is a 16-hex-character truncated SHA-256 of the
// path, matching spec §4.1: a fingerprint of the normalized absolute path.
func ProjectID(absPath string) string {
	norm := normalizePath(absPath)
	full := sum256Hex(norm)
	return full[:16]
}

// normalizePath cleans the path and converts OS separators to "/" for id derivation
// purposes; the on-disk path itself is preserved verbatim elsewhere.
func normalizePath(p string) string {
	clean := filepath.Clean(p)
	return filepath.ToSlash(clean)
}

// CollectionName derives the vector store collection name for a project id.
// Vector stores generally accept hyphens, so this is a direct mapping.
func CollectionName(projectID string) string {
	return "project-" + projectID
}

// SpaceName derives the graph store space name for a project id. Graph
// stores commonly forbid hyphens in space identifiers, so underscores are
// used instead.
func SpaceName(projectID string) string {
	return "project_" + projectID
}

// ChunkID derives a content-addressable chunk id from the project, the
// file's relative path, its line span and the file's content hash. Because
// the id incorporates contentHash rather than a chunk-local hash, the same
// logical chunk produces the same id across a file's unrelated edits as long
// as the chunk's own bytes don't change is NOT guaranteed — recomputation on
// every re-index is intentional and matches spec §3: chunk ids are
// deterministic from (projectId, relativePath, startLine, endLine,
// contentHash), recreated on every re-index of their file.
func ChunkID(projectID, relativePath string, startLine, endLine int, contentHash string) string {
	return sum256Hex(
		projectID,
		strings.ReplaceAll(filepath.ToSlash(relativePath), `\`, "/"),
		fmt.Sprintf("%d", startLine),
		fmt.Sprintf("%d", endLine),
		contentHash,
	)[:24]
}

// EntityKind enumerates the kinds an Entity id may be derived for.
type EntityKind string

// EntityID derives a deterministic entity id from (kind, qualifiedName,
// filePath, startLine) per spec §4.6. The id is stable across re-indexing as
// long as that tuple is stable, which keeps vector/graph payloads mergeable.
func EntityID(kind EntityKind, qualifiedName, filePath string, startLine int) string {
	return sum256Hex(
		string(kind),
		qualifiedName,
		filepath.ToSlash(filePath),
		fmt.Sprintf("%d", startLine),
	)[:24]
}

// RelationshipType enumerates the relationship categories used in
// RelationshipID derivation.
type RelationshipType string

// RelationshipID derives a deterministic relationship id from
// (fromEntityId, toEntityId, type) per spec §4.6.
func RelationshipID(fromEntityID, toEntityID string, relType RelationshipType) string {
	return sum256Hex(fromEntityID, toEntityID, string(relType))[:24]
}

// QualifiedName joins a package/module-relative scope and a symbol name into
// the qualifiedName used by EntityID, keeping entity ids stable regardless
// of how a language adapter chooses to denote nesting (dotted, scoped, etc).
func QualifiedName(scope, name string) string {
	scope = strings.TrimSuffix(scope, ".")
	if scope == "" {
		return name
	}
	return scope + "." + name
}
