package chunk

import (
	"strconv"
	"strings"
)

// PostProcessOptions configures the fixed post-processing pipeline applied
// after a chunker produces raw chunks. Sizes are expressed in characters,
// matching RawContent/Content rather than the chunker's token estimate.
type PostProcessOptions struct {
	MinChunkSize    int // below this, a chunk is dropped unless indivisible
	MaxChunkSize    int // rebalance never merges past this
	BoundaryWindow  int // lines a boundary may shift to land on a clean break
	OverlapSize     int // characters of previous chunk prepended to the next
	InjectOverlap   bool
	RepairBudget    int // max lines trimmed off a chunk's tail to rebalance brackets
}

// DefaultPostProcessOptions mirrors the chunker's own token-based defaults,
// converted to characters via TokensPerChar.
func DefaultPostProcessOptions() PostProcessOptions {
	return PostProcessOptions{
		MinChunkSize:   MinChunkTokens * TokensPerChar,
		MaxChunkSize:   DefaultMaxChunkTokens * TokensPerChar,
		BoundaryWindow: 3,
		OverlapSize:    DefaultOverlapTokens * TokensPerChar,
		InjectOverlap:  true,
		RepairBudget:   5,
	}
}

// bracketDelta sums braceDelta across every line of content, giving the net
// brace depth a chunk's raw content leaves open.
func bracketDelta(content string) int {
	delta := 0
	for _, line := range strings.Split(content, "\n") {
		delta += braceDelta(line)
	}
	return delta
}

// OverlapMetadataKey marks a chunk whose Content begins with an injected
// prefix from the previous chunk, so content hashing can exclude it.
const OverlapMetadataKey = "overlapPrefixLen"

// OverlapPrefixLen reads the injected-overlap-prefix length recorded in a
// chunk's metadata by PostProcess, or (0, false) if none was recorded.
func OverlapPrefixLen(metadata map[string]string) (int, bool) {
	raw, ok := metadata[OverlapMetadataKey]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// PostProcess runs the fixed five-pass pipeline over chunks produced by a
// Chunker, in this order: symbol-balance fix, filter, rebalance, boundary
// optimization, overlap injection. The order is load-bearing — each pass
// assumes the invariants the previous one established.
func PostProcess(chunks []*Chunk, opts PostProcessOptions) []*Chunk {
	chunks = fixSymbolBalance(chunks, opts.RepairBudget)
	chunks = filterUndersized(chunks, opts.MinChunkSize)
	chunks = rebalance(chunks, opts.MinChunkSize, opts.MaxChunkSize)
	chunks = optimizeBoundaries(chunks, opts.BoundaryWindow)
	if opts.InjectOverlap {
		chunks = injectOverlap(chunks, opts.OverlapSize)
	}
	return chunks
}

// fixSymbolBalance closes unmatched opening brackets by trimming the
// chunk's trailing incomplete tail line-by-line, up to repairBudget lines.
// A chunk that remains unbalanced beyond the budget is dropped: a chunk
// with a dangling open bracket is worse than no chunk at all, since it
// would confuse any downstream syntax-aware consumer.
func fixSymbolBalance(chunks []*Chunk, repairBudget int) []*Chunk {
	out := make([]*Chunk, 0, len(chunks))
	for _, c := range chunks {
		if bracketDelta(c.RawContent) == 0 {
			out = append(out, c)
			continue
		}

		lines := strings.Split(c.RawContent, "\n")
		trimmed := 0
		for trimmed < repairBudget && trimmed < len(lines) {
			lines = lines[:len(lines)-1]
			trimmed++
			if bracketDelta(strings.Join(lines, "\n")) == 0 {
				break
			}
		}

		if bracketDelta(strings.Join(lines, "\n")) != 0 {
			continue
		}

		c.RawContent = strings.Join(lines, "\n")
		c.EndLine -= trimmed
		c.Content = combineContextAndContent(c.Context, c.RawContent)
		out = append(out, c)
	}
	return out
}

// filterUndersized drops chunks below minSize unless they carry a symbol
// tagged as an indivisible syntax node (a single declaration too small to
// split further is kept regardless of size).
func filterUndersized(chunks []*Chunk, minSize int) []*Chunk {
	out := make([]*Chunk, 0, len(chunks))
	for _, c := range chunks {
		if len(strings.TrimSpace(c.RawContent)) == 0 {
			continue
		}
		if len(c.Content) >= minSize || isIndivisible(c) {
			out = append(out, c)
		}
	}
	return out
}

func isIndivisible(c *Chunk) bool {
	return len(c.Symbols) == 1
}

// rebalance merges adjacent chunks from the same file when both are below
// target size and the merged chunk would not exceed maxSize.
func rebalance(chunks []*Chunk, minSize, maxSize int) []*Chunk {
	if len(chunks) < 2 {
		return chunks
	}

	out := make([]*Chunk, 0, len(chunks))
	i := 0
	for i < len(chunks) {
		cur := chunks[i]
		if i+1 < len(chunks) {
			next := chunks[i+1]
			merged := len(cur.Content) + len(next.Content)
			if cur.FilePath == next.FilePath &&
				len(cur.Content) < minSize && len(next.Content) < minSize &&
				merged <= maxSize {
				out = append(out, mergeChunks(cur, next))
				i += 2
				continue
			}
		}
		out = append(out, cur)
		i++
	}
	return out
}

func mergeChunks(a, b *Chunk) *Chunk {
	merged := &Chunk{
		ID:          a.ID,
		FilePath:    a.FilePath,
		Context:     a.Context,
		ContentType: a.ContentType,
		Language:    a.Language,
		StartLine:   a.StartLine,
		EndLine:     b.EndLine,
		Symbols:     append(append([]*Symbol{}, a.Symbols...), b.Symbols...),
		Metadata:    a.Metadata,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
	}
	merged.RawContent = a.RawContent + "\n" + b.RawContent
	merged.Content = combineContextAndContent(merged.Context, merged.RawContent)
	return merged
}

// optimizeBoundaries moves a chunk's end boundary back (earlier) by fewer
// than window lines, handing the trailing lines to the next chunk, so that it
// lands on a blank line or a line ending a statement (closing brace,
// semicolon, or block-end keyword). A boundary is never moved later.
func optimizeBoundaries(chunks []*Chunk, window int) []*Chunk {
	if window <= 0 {
		return chunks
	}

	for i := 0; i < len(chunks)-1; i++ {
		cur, next := chunks[i], chunks[i+1]
		if cur.FilePath != next.FilePath {
			continue
		}

		curLines := strings.Split(cur.RawContent, "\n")
		nextLines := strings.Split(next.RawContent, "\n")

		if shift, ok := findCleanBreak(curLines, window); ok && shift > 0 {
			moved := curLines[len(curLines)-shift:]
			curLines = curLines[:len(curLines)-shift]
			nextLines = append(moved, nextLines...)

			cur.RawContent = strings.Join(curLines, "\n")
			cur.EndLine -= shift
			cur.Content = combineContextAndContent(cur.Context, cur.RawContent)

			next.RawContent = strings.Join(nextLines, "\n")
			next.StartLine -= shift
			next.Content = combineContextAndContent(next.Context, next.RawContent)
		}
	}
	return chunks
}

// findCleanBreak looks backward from the end of lines, within window lines,
// for a blank line or statement-ending line, returning how many trailing
// lines should move to the next chunk to land the boundary there.
func findCleanBreak(lines []string, window int) (int, bool) {
	limit := window
	if limit > len(lines)-1 {
		limit = len(lines) - 1
	}
	for shift := 0; shift < limit; shift++ {
		idx := len(lines) - 1 - shift
		if idx < 0 {
			break
		}
		if isCleanBreakLine(lines[idx]) {
			return shift, true
		}
	}
	return 0, false
}

func isCleanBreakLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true
	}
	return strings.HasSuffix(trimmed, "}") || strings.HasSuffix(trimmed, ";") ||
		trimmed == "end" || trimmed == "done"
}

// injectOverlap prepends up to overlapSize trailing characters of each
// chunk's predecessor to its RawContent, recording the injected length in
// metadata so content hashing (C6/C11) can strip it back out — the
// injected prefix is retrieval context, not new file content, and must not
// perturb the chunk's content hash on re-index.
func injectOverlap(chunks []*Chunk, overlapSize int) []*Chunk {
	if overlapSize <= 0 {
		return chunks
	}

	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		if prev.FilePath != cur.FilePath {
			continue
		}

		prefix := prev.RawContent
		if len(prefix) > overlapSize {
			prefix = prefix[len(prefix)-overlapSize:]
		}
		if prefix == "" {
			continue
		}

		if cur.Metadata == nil {
			cur.Metadata = make(map[string]string)
		}
		cur.Metadata[OverlapMetadataKey] = strconv.Itoa(len(prefix))
		cur.RawContent = prefix + cur.RawContent
		cur.Content = combineContextAndContent(cur.Context, cur.RawContent)
	}
	return chunks
}
