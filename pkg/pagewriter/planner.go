package pagewriter

import (
	"github.com/grafana/pagewriter/pkg/compression"
	"github.com/grafana/pagewriter/pkg/pagewriter/internal/rle"
)

// pagePlan is the outcome of planning one chunk.
type pagePlan struct {
	pages []Page

	// Reserved buffer sizes for the chunk's page slots.
	uncompressedSize int
	compressedSize   int
}

// planChunk groups the fragments of a chunk into pages. A dictionary page,
// if any, comes first. Fragments are added to the current data page until
// adding the next one would exceed the page threshold; a page always holds
// at least one fragment. A fragment without rows ends the chunk.
func planChunk(chunk *ColumnChunk, chunkIndex, levelBits int, maxPageSize int, codec compression.Codec) pagePlan {
	var plan pagePlan

	emit := func(p Page) {
		p.Chunk = chunkIndex
		p.UncompressedOffset = plan.uncompressedSize
		p.CompressedOffset = plan.compressedSize

		plan.uncompressedSize += maxPageHeaderSize + p.MaxDataSize
		if codec != compression.None {
			plan.compressedSize += maxPageHeaderSize + compression.MaxCompressedSize(codec, p.MaxDataSize)
		}
		plan.pages = append(plan.pages, p)
	}

	if chunk.UseDictionary {
		emit(Page{
			Type:        DictionaryPage,
			RowStart:    chunk.RowStart,
			NumValues:   len(chunk.Dictionary),
			MaxDataSize: chunk.DictionarySize,
		})
	}

	var (
		page      = Page{Type: DataPage, RowStart: chunk.RowStart}
		pageBytes int
		planned   int // Rows in pages already emitted.
	)

	cut := func() {
		page.MaxDataSize = pageBytes + levelsSize(levelBits, page.RowCount)
		if chunk.UseDictionary {
			page.MaxDataSize++ // Index bit width.
		}
		emit(page)

		planned += page.RowCount
		page = Page{
			Type:          DataPage,
			RowStart:      chunk.RowStart + planned,
			FragmentStart: page.FragmentStart + page.FragmentCount,
		}
		pageBytes = 0
	}

	for _, f := range chunk.Fragments {
		if f.RowCount == 0 {
			break
		}

		size := f.DataSize
		if chunk.UseDictionary {
			size = rle.MaxEncodedSize(f.NonNullCount, chunk.DictIndexBits)
		}

		threshold := pageThreshold(maxPageSize, planned+page.RowCount, chunk.RowCount)
		if page.RowCount > 0 && pageBytes+size > threshold {
			cut()
		}

		page.FragmentCount++
		page.RowCount += f.RowCount
		page.NumValues += f.NonNullCount
		pageBytes += size
	}
	if page.RowCount > 0 {
		cut()
	}

	return plan
}

// pageThreshold returns the page size budget once rows of a chunk of
// chunkRows rows are planned: the full budget for the first half of the
// chunk, three quarters of it past half, and half of it past two thirds.
func pageThreshold(maxPageSize, rows, chunkRows int) int {
	switch {
	case 3*rows > 2*chunkRows:
		return maxPageSize / 2
	case 2*rows > chunkRows:
		return maxPageSize * 3 / 4
	default:
		return maxPageSize
	}
}

// levelsSize is the reserved size of a definition level stream of rows rows,
// including its 4-byte length prefix.
func levelsSize(levelBits, rows int) int {
	if levelBits == 0 {
		return 0
	}
	return 4 + rle.MaxEncodedSize(rows, levelBits)
}
