package chunk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkByBrackets_GroupsBalancedBlocks(t *testing.T) {
	content := `struct Foo {
    int a;
    int b;
};

struct Bar {
    int c;
};
`
	chunker := NewCodeChunker()
	defer chunker.Close()

	chunks, err := chunker.chunkByBrackets(&FileInput{
		Path:     "foo.unsupported",
		Content:  []byte(content),
		Language: "unsupported",
	})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Content, "struct Foo")
	assert.Contains(t, chunks[1].Content, "struct Bar")
}

func TestChunk_FallsThroughToBracketTierOnUnsupportedLanguage(t *testing.T) {
	content := `block one {
    body
}
block two {
    body
}
`
	chunker := NewCodeChunker()
	defer chunker.Close()

	chunks, err := chunker.Chunk(context.Background(), &FileInput{
		Path:     "file.unsupported",
		Content:  []byte(content),
		Language: "unsupported",
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Equal(t, ContentTypeCode, c.ContentType)
	}
}

func TestSplitBalancedBlocks_IgnoresBracesInStringsAndComments(t *testing.T) {
	content := `x := "{not a brace"
y := 1 // comment with {brace}
func f() {
    return
}
`
	blocks := splitBalancedBlocks(content)
	require.Len(t, blocks, 1)
	assert.Contains(t, blocks[0].content, "func f()")
}

func TestChunkByBrackets_EmptyContent(t *testing.T) {
	chunker := NewCodeChunker()
	defer chunker.Close()

	chunks, err := chunker.chunkByBrackets(&FileInput{Path: "empty.unsupported", Content: []byte("   \n  "), Language: "unsupported"})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
