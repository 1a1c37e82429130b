package ingestion

import (
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/s4mc0/hbai-go/internal/rag"
)

// Segment splits page-tagged handbook text into overlapping chunks of at
// most maxChars characters, advancing the window by maxChars-overlap each
// step. Page text is concatenated in page order and an offset-to-page map
// attributes each chunk to the page containing its first character, so
// chunks may span adjacent pages without losing provenance. Trailing
// partial content shorter than the window is always emitted.
//
// Segment is a pure transformation: same input, same chunks, no side effects.
func Segment(pages []Page, source string, maxChars, overlap int) ([]rag.Chunk, error) {
	if maxChars <= 0 {
		return nil, fmt.Errorf("ingestion: chunk size must be > 0, got %d", maxChars)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("ingestion: chunk overlap must be >= 0, got %d", overlap)
	}
	if overlap >= maxChars {
		return nil, fmt.Errorf("ingestion: chunk overlap (%d) must be smaller than chunk size (%d)", overlap, maxChars)
	}

	// Concatenate page text in page order, recording where each page starts
	// in the combined text.
	var text string
	starts := make([]int, 0, len(pages))   // offset of each page's first character
	pageNums := make([]int, 0, len(pages)) // parallel page numbers
	for _, p := range pages {
		starts = append(starts, len(text))
		pageNums = append(pageNums, p.Number)
		text += p.Text
	}

	if len(text) == 0 {
		return nil, nil
	}

	step := maxChars - overlap
	var chunks []rag.Chunk
	for start := 0; start < len(text); start += step {
		end := start + maxChars
		if end > len(text) {
			end = len(text)
		}
		ordinal := len(chunks)
		chunks = append(chunks, rag.Chunk{
			ID:      chunkID(source, ordinal),
			Text:    text[start:end],
			Page:    pageAt(starts, pageNums, start),
			Source:  source,
			Ordinal: ordinal,
		})
		if end == len(text) {
			break
		}
	}

	return chunks, nil
}

// pageAt returns the page number of the page containing the given offset.
func pageAt(starts, pageNums []int, offset int) int {
	// First page whose start is beyond the offset; the page before it
	// contains the offset.
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > offset })
	return pageNums[i-1]
}

// chunkID generates a deterministic identifier for a chunk from its source
// and its position in the segmentation.
func chunkID(source string, ordinal int) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s#%d", source, ordinal))
	return fmt.Sprintf("%x", h[:16])
}
