// Package normalize turns a parsed syntax tree into the typed entities and
// relationships the graph store persists. It is grounded on
// internal/chunk's SymbolExtractor: the same node-type tables that tell the
// chunker where a function/class/type begins and ends also tell this
// package what kind of graph entity that span represents. Where the
// chunker stops at "here is a Symbol", this package goes one step further
// and resolves calls, imports and containment between those symbols.
package normalize

import (
	"strings"

	"github.com/aman-cerp/codeindex/internal/chunk"
	"github.com/aman-cerp/codeindex/internal/graphstore"
	"github.com/aman-cerp/codeindex/internal/ids"
)

// Result is the output of normalizing one file's parsed tree.
type Result struct {
	Entities      []*graphstore.Entity
	Relationships []*graphstore.Relationship
}

var symbolKindToEntityKind = map[chunk.SymbolType]graphstore.EntityKind{
	chunk.SymbolTypeFunction:  graphstore.EntityKindFunction,
	chunk.SymbolTypeMethod:    graphstore.EntityKindMethod,
	chunk.SymbolTypeClass:     graphstore.EntityKindClass,
	chunk.SymbolTypeInterface: graphstore.EntityKindInterface,
	chunk.SymbolTypeType:      graphstore.EntityKindType,
}

// importNodeTypes maps language to the tree-sitter node type(s) that
// introduce an import, mirroring code_chunker.go's extractFileContext.
var importNodeTypes = map[string][]string{
	"go":         {"import_declaration"},
	"typescript": {"import_statement"},
	"tsx":        {"import_statement"},
	"javascript": {"import_statement"},
	"jsx":        {"import_statement"},
	"python":     {"import_statement", "import_from_statement"},
}

// callNodeTypes maps language to the tree-sitter node type for call
// expressions.
var callNodeTypes = map[string][]string{
	"go":         {"call_expression"},
	"typescript": {"call_expression"},
	"tsx":        {"call_expression"},
	"javascript": {"call_expression"},
	"jsx":        {"call_expression"},
	"python":     {"call"},
}

// Normalize extracts entities and relationships from a parsed tree. chunkID
// lets each entity record which chunk its definition lives in, so a caller
// that re-indexes one chunk can find the entities it owns.
func Normalize(tree *chunk.Tree, extractor *chunk.SymbolExtractor, filePath, language string, chunkIDForLine func(line int) string) *Result {
	res := &Result{}
	if tree == nil {
		return res
	}

	fileEntity := &graphstore.Entity{
		ID:            ids.EntityID(ids.EntityKind(graphstore.EntityKindFile), filePath, filePath, 0),
		Kind:          graphstore.EntityKindFile,
		QualifiedName: filePath,
		Name:          filePath,
		FilePath:      filePath,
	}
	res.Entities = append(res.Entities, fileEntity)

	symbols := extractor.Extract(tree, tree.Source)

	// bare name -> entity (the last symbol seen with that name wins), for
	// call resolution within the same file.
	entityByName := make(map[string]*graphstore.Entity, len(symbols))

	for _, sym := range symbols {
		kind, ok := symbolKindToEntityKind[sym.Type]
		if !ok {
			continue
		}

		qualifiedName := ids.QualifiedName(strings.TrimSuffix(filePath, pathExt(filePath)), sym.Name)
		entity := &graphstore.Entity{
			ID:            ids.EntityID(ids.EntityKind(kind), qualifiedName, filePath, sym.StartLine),
			Kind:          kind,
			QualifiedName: qualifiedName,
			Name:          sym.Name,
			FilePath:      filePath,
			StartLine:     sym.StartLine,
			EndLine:       sym.EndLine,
		}
		if chunkIDForLine != nil {
			entity.ChunkID = chunkIDForLine(sym.StartLine)
		}

		res.Entities = append(res.Entities, entity)
		entityByName[sym.Name] = entity

		res.Relationships = append(res.Relationships, &graphstore.Relationship{
			ID:     ids.RelationshipID(fileEntity.ID, entity.ID, ids.RelationshipType(graphstore.RelationshipContains)),
			FromID: fileEntity.ID,
			ToID:   entity.ID,
			Type:   graphstore.RelationshipContains,
		})
	}

	res.Relationships = append(res.Relationships, extractImportRelationships(tree, fileEntity, language)...)
	res.Relationships = append(res.Relationships, extractCallRelationships(tree, entityByName, language)...)

	return res
}

// extractImportRelationships walks the file's top-level import declarations
// and records a "imports" edge from the file entity to a synthetic entity
// representing the imported module path. Cross-project import resolution
// isn't attempted here; the imported path is recorded as-is, which is
// enough for "what does this file depend on" queries.
func extractImportRelationships(tree *chunk.Tree, fileEntity *graphstore.Entity, language string) []*graphstore.Relationship {
	nodeTypes, ok := importNodeTypes[language]
	if !ok {
		return nil
	}

	var rels []*graphstore.Relationship
	for _, nodeType := range nodeTypes {
		for _, node := range tree.Root.FindChildrenByType(nodeType) {
			importPath := importPathFromNode(node, tree.Source)
			if importPath == "" {
				continue
			}
			targetID := ids.EntityID(ids.EntityKind(graphstore.EntityKindFile), importPath, importPath, 0)
			rels = append(rels, &graphstore.Relationship{
				ID:     ids.RelationshipID(fileEntity.ID, targetID, ids.RelationshipType(graphstore.RelationshipImports)),
				FromID: fileEntity.ID,
				ToID:   targetID,
				Type:   graphstore.RelationshipImports,
			})
		}
	}
	return rels
}

// importPathFromNode extracts the quoted import path literal from an
// import node's content, stripping surrounding quotes.
func importPathFromNode(node *chunk.Node, source []byte) string {
	content := node.GetContent(source)
	start := strings.IndexAny(content, `"'`)
	if start == -1 {
		return ""
	}
	quote := content[start]
	end := strings.IndexByte(content[start+1:], quote)
	if end == -1 {
		return ""
	}
	return content[start+1 : start+1+end]
}

// extractCallRelationships does a best-effort, same-file call graph: it
// walks call_expression (or Python's call) nodes and, for each, takes the
// leading identifier as the call target name. If that name matches a
// symbol extracted from this same file, a "calls" edge is recorded from
// the innermost enclosing symbol to the callee. Cross-file resolution
// needs a project-wide symbol table and is deliberately out of scope here.
func extractCallRelationships(tree *chunk.Tree, entityByName map[string]*graphstore.Entity, language string) []*graphstore.Relationship {
	nodeTypes, ok := callNodeTypes[language]
	if !ok || len(entityByName) == 0 {
		return nil
	}
	callTypes := make(map[string]bool, len(nodeTypes))
	for _, t := range nodeTypes {
		callTypes[t] = true
	}

	var rels []*graphstore.Relationship
	seen := make(map[string]bool)

	var enclosing []*graphstore.Entity
	var walk func(n *chunk.Node)
	walk = func(n *chunk.Node) {
		isSymbolScope := false
		for _, e := range entityByName {
			if n.StartPoint.Row+1 == uint32(e.StartLine) && n.EndPoint.Row+1 == uint32(e.EndLine) {
				enclosing = append(enclosing, e)
				isSymbolScope = true
				break
			}
		}

		if callTypes[n.Type] && len(enclosing) > 0 {
			callee := leadingIdentifier(n, tree.Source)
			if target, ok := entityByName[callee]; ok {
				caller := enclosing[len(enclosing)-1]
				if caller.ID != target.ID {
					key := caller.ID + "->" + target.ID
					if !seen[key] {
						seen[key] = true
						rels = append(rels, &graphstore.Relationship{
							ID:     ids.RelationshipID(caller.ID, target.ID, ids.RelationshipType(graphstore.RelationshipCalls)),
							FromID: caller.ID,
							ToID:   target.ID,
							Type:   graphstore.RelationshipCalls,
						})
					}
				}
			}
		}

		for _, child := range n.Children {
			walk(child)
		}

		if isSymbolScope {
			enclosing = enclosing[:len(enclosing)-1]
		}
	}
	walk(tree.Root)

	return rels
}

// leadingIdentifier returns the first identifier-like token in a call
// node's content, e.g. "foo" from "foo(bar)" or "obj.Method" from
// "obj.Method(x)".
func leadingIdentifier(n *chunk.Node, source []byte) string {
	content := n.GetContent(source)
	end := strings.IndexByte(content, '(')
	if end == -1 {
		return ""
	}
	head := strings.TrimSpace(content[:end])
	if idx := strings.LastIndexAny(head, ".:"); idx != -1 {
		head = head[idx+1:]
	}
	return head
}

// pathExt returns a path's extension including the dot, or "" if none.
func pathExt(p string) string {
	idx := strings.LastIndexByte(p, '.')
	if idx == -1 {
		return ""
	}
	return p[idx:]
}
