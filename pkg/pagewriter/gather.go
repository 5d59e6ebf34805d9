package pagewriter

import "github.com/grafana/pagewriter/pkg/pagewriter/internal/coop"

// gatherChunk concatenates the header and stored data of every page of
// chunk into chunk.Output, in page order, and records the chunk totals and
// page offsets.
func gatherChunk(chunk *ColumnChunk, pages []Page, lanes int) {
	chunk.OutputSize, chunk.UncompressedTotal, chunk.CompressedTotal = 0, 0, 0
	for i := range pages {
		p := &pages[i]
		chunk.OutputSize += p.HeaderSize + p.CompressedSize
		chunk.UncompressedTotal += p.HeaderSize + p.DataSize
		chunk.CompressedTotal += p.HeaderSize + p.CompressedSize
	}

	chunk.Output = make([]byte, chunk.OutputSize)
	chunk.DictionaryPageOffset = -1
	chunk.DataPageOffset = -1

	var offset int
	for i := range pages {
		p := &pages[i]

		switch {
		case p.Type == DictionaryPage && chunk.DictionaryPageOffset < 0:
			chunk.DictionaryPageOffset = offset
		case p.Type == DataPage && chunk.DataPageOffset < 0:
			chunk.DataPageOffset = offset
		}

		slot := chunk.slot(p)
		src := slot[maxPageHeaderSize-p.HeaderSize : maxPageHeaderSize+p.CompressedSize]
		offset += coop.BlockCopy(chunk.Output[offset:], src, lanes)
	}
}
