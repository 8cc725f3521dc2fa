package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkerShortText(t *testing.T) {
	c := NewChunker(1000, 200)

	chunks := c.Split("  just one small paragraph.  ")
	require.Len(t, chunks, 1)
	assert.Equal(t, "just one small paragraph.", chunks[0])
}

func TestChunkerEmptyText(t *testing.T) {
	c := NewChunker(1000, 200)

	assert.Nil(t, c.Split(""))
	assert.Nil(t, c.Split("   \n\t  "))
}

func TestChunkerSplitsLongText(t *testing.T) {
	c := NewChunker(100, 20)
	text := strings.Repeat("abcdefghij", 50) // 500 runes, no sentence breaks

	chunks := c.Split(text)
	require.Greater(t, len(chunks), 1)

	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 100)
		assert.NotEmpty(t, strings.TrimSpace(chunk))
	}
}

func TestChunkerCoversAllContent(t *testing.T) {
	c := NewChunker(100, 20)
	text := strings.Repeat("word ", 200)

	chunks := c.Split(text)
	joined := strings.Join(chunks, "")
	// Every non-whitespace character of the input must appear in some chunk.
	assert.GreaterOrEqual(t, strings.Count(joined, "word"), 200)
}

func TestChunkerPrefersSentenceBoundary(t *testing.T) {
	c := NewChunker(100, 10)
	// A period sits 90 runes in, within lookback range of the cut at 100.
	text := strings.Repeat("a", 89) + "." + strings.Repeat("b", 100)

	chunks := c.Split(text)
	require.GreaterOrEqual(t, len(chunks), 2)
	assert.True(t, strings.HasSuffix(chunks[0], "."))
	assert.Len(t, chunks[0], 90)
}

func TestChunkerOverlap(t *testing.T) {
	c := NewChunker(100, 20)
	text := strings.Repeat("x", 300)

	chunks := c.Split(text)
	require.GreaterOrEqual(t, len(chunks), 2)

	// The tail of one chunk reappears at the head of the next.
	tail := chunks[0][len(chunks[0])-20:]
	assert.True(t, strings.HasPrefix(chunks[1], tail))
}

func TestChunkerTerminates(t *testing.T) {
	// Dense periods used to be able to stall boundary-seeking splitters.
	c := NewChunker(50, 40)
	text := strings.Repeat(".", 500)

	chunks := c.Split(text)
	assert.NotEmpty(t, chunks)
	assert.LessOrEqual(t, len(chunks), 500)
}

func TestNewChunkerGuardsBadOverlap(t *testing.T) {
	c := NewChunker(100, 100)
	assert.Less(t, c.Overlap, c.Size)

	c = NewChunker(100, 150)
	assert.Less(t, c.Overlap, c.Size)

	c = NewChunker(0, 0)
	assert.Equal(t, 1000, c.Size)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// Degenerate inputs.
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

func TestFiltersFromMap(t *testing.T) {
	f, err := FiltersFromMap(map[string]string{
		"customer":  "acme",
		"project":   "apollo",
		"date_from": "2024-01-01",
		"date_to":   "2024-06-30T23:59:59Z",
	})
	require.NoError(t, err)

	assert.Equal(t, "acme", f.Customer)
	assert.Equal(t, "apollo", f.Project)
	assert.Equal(t, 2024, f.DateFrom.Year())
	assert.Equal(t, 6, int(f.DateTo.Month()))
}

func TestFiltersFromMapRejectsUnknownKey(t *testing.T) {
	_, err := FiltersFromMap(map[string]string{"owner": "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFiltersFromMapRejectsBadDate(t *testing.T) {
	_, err := FiltersFromMap(map[string]string{"date_from": "yesterday"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
