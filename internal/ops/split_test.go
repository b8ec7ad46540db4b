package ops

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoonworks/silt/internal/value"
)

func splitChunks(t *testing.T, spec SplitTextSpec, text string) []value.Row {
	t.Helper()
	fn, err := newSplitText(spec)
	require.NoError(t, err)
	out, err := fn.Call(context.Background(), []value.Value{value.String(text)})
	require.NoError(t, err)
	table, ok := out.(value.Table)
	require.True(t, ok)
	require.Equal(t, value.LTableKind, table.Kind)
	return table.Rows
}

func chunkText(t *testing.T, row value.Row) string {
	t.Helper()
	return string(row.Data.MustGet("text").(value.String))
}

func TestSplitText_ShortInputSingleChunk(t *testing.T) {
	rows := splitChunks(t, SplitTextSpec{ChunkSize: 100}, "short text")
	require.Len(t, rows, 1)
	assert.Equal(t, "short text", chunkText(t, rows[0]))
	assert.Equal(t, value.Int(0), rows[0].Data.MustGet("start"))
	assert.Equal(t, value.Int(10), rows[0].Data.MustGet("end"))
}

func TestSplitText_PrefersCoarseSeparators(t *testing.T) {
	text := "first paragraph here\n\nsecond paragraph here\n\nthird"
	rows := splitChunks(t, SplitTextSpec{ChunkSize: 25}, text)
	require.Len(t, rows, 3)
	assert.Equal(t, "first paragraph here", chunkText(t, rows[0]))
	assert.Equal(t, "second paragraph here", chunkText(t, rows[1]))
	assert.Equal(t, "third", chunkText(t, rows[2]))
}

func TestSplitText_PacksPiecesUpToChunkSize(t *testing.T) {
	text := "aa\n\nbb\n\ncc\n\ndd"
	rows := splitChunks(t, SplitTextSpec{ChunkSize: 7}, text)
	require.Len(t, rows, 2)
	assert.Equal(t, "aa\n\nbb", chunkText(t, rows[0]))
	assert.Equal(t, "cc\n\ndd", chunkText(t, rows[1]))
}

func TestSplitText_OffsetsIndexOriginalText(t *testing.T) {
	text := "alpha beta gamma delta epsilon"
	rows := splitChunks(t, SplitTextSpec{ChunkSize: 12}, text)
	require.NotEmpty(t, rows)
	for _, r := range rows {
		start := int(r.Data.MustGet("start").(value.Int))
		end := int(r.Data.MustGet("end").(value.Int))
		assert.Equal(t, text[start:end], chunkText(t, r))
		assert.LessOrEqual(t, end-start, 12)
	}
}

func TestSplitText_HardCutKeepsRuneBoundaries(t *testing.T) {
	text := strings.Repeat("é", 10) // 2 bytes per rune, no separators
	rows := splitChunks(t, SplitTextSpec{ChunkSize: 5}, text)
	for _, r := range rows {
		assert.True(t, strings.HasPrefix(chunkText(t, r), "é"))
	}
}

func TestSplitText_MergesSmallTail(t *testing.T) {
	text := "aaaa bbbb c"
	noMerge := splitChunks(t, SplitTextSpec{ChunkSize: 5}, text)
	require.Len(t, noMerge, 3)

	merged := splitChunks(t, SplitTextSpec{ChunkSize: 5, MinChunkSize: 3}, text)
	require.Len(t, merged, 2)
	assert.Equal(t, "bbbb c", chunkText(t, merged[1]))
}

func TestSplitText_RejectsBadSpec(t *testing.T) {
	_, err := newSplitText(SplitTextSpec{ChunkSize: 0})
	require.Error(t, err)
	_, err = newSplitText(SplitTextSpec{ChunkSize: 5, MinChunkSize: 9})
	require.Error(t, err)
}

func TestSplitText_AnalyzeShape(t *testing.T) {
	fn, err := newSplitText(SplitTextSpec{ChunkSize: 10})
	require.NoError(t, err)
	out, err := fn.Analyze([]value.Type{value.StringType()})
	require.NoError(t, err)
	require.True(t, out.IsTable())
	assert.Equal(t, value.LTableKind, out.Table.Kind)

	_, err = fn.Analyze([]value.Type{value.IntType()})
	require.Error(t, err)
}
