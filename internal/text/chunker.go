package text

import (
	"sort"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Chunk is one overlapping segment of normalized document text.
// Offsets are character (rune) positions, EndOffset exclusive.
type Chunk struct {
	Index       int    `json:"chunk_index"`
	Content     string `json:"content"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Filename    string `json:"filename"`
}

// separatorLevels lists split points from coarsest to finest.
// The character level is the implicit last resort.
var separatorLevels = [][]string{
	{"\n\n\n"},
	{"\n\n"},
	{"\n"},
	{". ", "! ", "? "},
	{" "},
}

var runeLevels = func() [][][]rune {
	levels := make([][][]rune, len(separatorLevels))
	for i, seps := range separatorLevels {
		for _, sep := range seps {
			levels[i] = append(levels[i], []rune(sep))
		}
	}
	return levels
}()

// Split cuts text into chunks of at most chunkSize characters. Consecutive chunks
// overlap by at least overlap characters and together they cover the whole input.
// Splits prefer the coarsest separator that keeps pieces within chunkSize.
func Split(text, filename string, chunkSize, overlap int) []Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= chunkSize {
		overlap = chunkSize - 1
	}

	bounds := splitBounds(runes, 0, len(runes), chunkSize, 0, nil)

	var chunks []Chunk
	start := 0
	for {
		end := start + chunkSize
		if end >= len(runes) {
			end = len(runes)
		} else if b, ok := lastBoundary(bounds, start+overlap, end); ok {
			end = b
		}

		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Content:     string(runes[start:end]),
			StartOffset: start,
			EndOffset:   end,
			Filename:    filename,
		})
		if end == len(runes) {
			return chunks
		}

		next := end - overlap
		if b, ok := lastBoundary(bounds, start, next); ok {
			next = b
		}
		start = next
	}
}

// splitBounds appends the end offsets of pieces tiling runes[from:to], each no
// longer than chunkSize. Separators stay attached to the piece they end.
func splitBounds(runes []rune, from, to, chunkSize, level int, out []int) []int {
	if to-from <= chunkSize {
		return append(out, to)
	}
	if level >= len(runeLevels) {
		for p := from + chunkSize; p < to; p += chunkSize {
			out = append(out, p)
		}
		return append(out, to)
	}

	cuts := separatorCuts(runes, from, to, runeLevels[level])
	if len(cuts) == 0 {
		return splitBounds(runes, from, to, chunkSize, level+1, out)
	}

	prev := from
	for _, c := range append(cuts, to) {
		out = splitBounds(runes, prev, c, chunkSize, level+1, out)
		prev = c
	}
	return out
}

// separatorCuts returns the positions right after each separator occurrence in
// runes[from:to], excluding to itself.
func separatorCuts(runes []rune, from, to int, seps [][]rune) []int {
	var cuts []int
	for i := from; i < to; i++ {
		for _, sep := range seps {
			if hasPrefixAt(runes, i, to, sep) {
				if c := i + len(sep); c < to {
					cuts = append(cuts, c)
				}
				i += len(sep) - 1
				break
			}
		}
	}
	return cuts
}

func hasPrefixAt(runes []rune, at, limit int, sep []rune) bool {
	if at+len(sep) > limit {
		return false
	}
	for j, r := range sep {
		if runes[at+j] != r {
			return false
		}
	}
	return true
}

// lastBoundary returns the largest boundary b with lo < b <= hi.
func lastBoundary(bounds []int, lo, hi int) (int, bool) {
	i := sort.SearchInts(bounds, hi+1) - 1
	if i >= 0 && bounds[i] > lo {
		return bounds[i], true
	}
	return 0, false
}
