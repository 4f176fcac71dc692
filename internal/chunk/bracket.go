package chunk

import (
	"strings"
	"time"
)

// chunkByBrackets is the middle tier of the chunking fallback chain: used
// when a file's language has no tree-sitter grammar, or when parsing the
// file with its grammar failed, but the content still looks brace-delimited
// enough that grouping by balanced {..} blocks gives a better chunk
// boundary than blind line windows. It tracks brace depth across the file,
// closes a chunk whenever depth returns to zero after having gone positive,
// and line-splits any single block too large for one chunk. Lines that never
// open a brace (e.g. leading package/import boilerplate) are grouped with the
// block that follows them; any such lines after the last block form a final
// block of their own.
func (c *CodeChunker) chunkByBrackets(file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	blocks := splitBalancedBlocks(content)
	if len(blocks) == 0 {
		return nil, nil
	}

	now := time.Now()
	chunks := make([]*Chunk, 0, len(blocks))

	for _, b := range blocks {
		tokens := estimateTokens(b.content)
		if tokens <= c.options.MaxChunkTokens {
			chunks = append(chunks, &Chunk{
				ID:          generateChunkID(file.Path, b.content),
				FilePath:    file.Path,
				Content:     b.content,
				RawContent:  b.content,
				ContentType: ContentTypeCode,
				Language:    file.Language,
				StartLine:   b.startLine,
				EndLine:     b.endLine,
				Metadata:    make(map[string]string),
				CreatedAt:   now,
				UpdatedAt:   now,
			})
			continue
		}

		// Block too large for one chunk: fall through to line splitting
		// for just this block, preserving its true start line.
		sub := c.splitByLines(b.content, &Symbol{Name: "block", Type: SymbolTypeBlock, StartLine: b.startLine, EndLine: b.endLine}, file, "", now, b.startLine)
		chunks = append(chunks, sub...)
	}

	return chunks, nil
}

// balancedBlock is a contiguous span of lines whose brace depth returns to
// zero at its end, or a span of depth-zero lines between two such blocks.
type balancedBlock struct {
	content   string
	startLine int
	endLine   int
}

// splitBalancedBlocks groups file content into depth-zero-delimited blocks
// by tracking '{' and '}' occurrences outside of string/char literals and
// line comments. It's intentionally conservative: it does not attempt to
// track block comments or raw strings, since at this fallback tier the
// content has already failed AST parsing and a best-effort boundary beats
// an exact one that never ships.
func splitBalancedBlocks(content string) []balancedBlock {
	lines := strings.Split(content, "\n")

	var blocks []balancedBlock
	depth := 0
	sawOpen := false
	blockStartLine := 1
	var blockLines []string

	flush := func(endLine int) {
		if len(blockLines) == 0 {
			return
		}
		// Whitespace-only spans (e.g. the trailing newline) are dropped.
		if strings.TrimSpace(strings.Join(blockLines, "")) == "" {
			blockLines = nil
			sawOpen = false
			return
		}
		blocks = append(blocks, balancedBlock{
			content:   strings.Join(blockLines, "\n"),
			startLine: blockStartLine,
			endLine:   endLine,
		})
		blockLines = nil
		sawOpen = false
	}

	for i, line := range lines {
		lineNo := i + 1
		if len(blockLines) == 0 {
			blockStartLine = lineNo
		}
		blockLines = append(blockLines, line)

		delta := braceDelta(line)
		depth += delta
		if delta > 0 {
			sawOpen = true
		}

		// Only close a block once it actually opened a brace and returned
		// to depth zero; lines that never open anything (imports, blank
		// lines between blocks) accumulate into the next real block.
		if sawOpen && depth <= 0 {
			depth = 0
			flush(lineNo)
		}
	}
	flush(len(lines))

	return blocks
}

// braceDelta returns the net change in brace depth contributed by a line,
// ignoring braces inside single/double-quoted string literals and
// line-level '//' or '#' comments.
func braceDelta(line string) int {
	delta := 0
	inString := byte(0)
	for i := 0; i < len(line); i++ {
		ch := line[i]

		if inString != 0 {
			if ch == '\\' {
				i++
				continue
			}
			if ch == inString {
				inString = 0
			}
			continue
		}

		switch ch {
		case '"', '\'', '`':
			inString = ch
		case '/':
			if i+1 < len(line) && line[i+1] == '/' {
				return delta
			}
		case '#':
			return delta
		case '{':
			delta++
		case '}':
			delta--
		}
	}
	return delta
}
