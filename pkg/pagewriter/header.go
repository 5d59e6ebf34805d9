package pagewriter

import (
	"fmt"
	"hash/crc32"

	"github.com/grafana/pagewriter/pkg/pagewriter/internal/thriftc"
)

// Encoding ids used in page headers.
const (
	encodingPlain           = 0
	encodingPlainDictionary = 2
	encodingRLE             = 3
)

// PageHeader field ids.
const (
	fieldType                 = 1
	fieldUncompressedPageSize = 2
	fieldCompressedPageSize   = 3
	fieldCRC                  = 4
	fieldDataPageHeader       = 5
	fieldDictionaryPageHeader = 7
)

// encodePageHeader writes the header of page p immediately before its
// stored data in the chunk buffer selected by the compression decision, and
// records p.HeaderSize. If checksum is set, the CRC-32 of the stored data is
// recorded in p.CRC and written into the header.
func encodePageHeader(chunk *ColumnChunk, p *Page, checksum bool) {
	slot := chunk.slot(p)
	stored := slot[maxPageHeaderSize : maxPageHeaderSize+p.CompressedSize]

	if checksum {
		p.CRC = crc32.ChecksumIEEE(stored)
	}

	var scratch [maxPageHeaderSize]byte
	w := thriftc.NewWriter(scratch[:0])
	writePageHeader(w, chunk, p, checksum)

	header := w.Bytes()
	if len(header) > maxPageHeaderSize {
		panic(fmt.Sprintf("page header of %d bytes exceeds reserved %d bytes", len(header), maxPageHeaderSize))
	}
	copy(slot[maxPageHeaderSize-len(header):maxPageHeaderSize], header)
	p.HeaderSize = len(header)
}

func writePageHeader(w *thriftc.Writer, chunk *ColumnChunk, p *Page, checksum bool) {
	w.I32(fieldType, int32(p.Type))
	w.I32(fieldUncompressedPageSize, int32(p.DataSize))
	w.I32(fieldCompressedPageSize, int32(p.CompressedSize))
	if checksum {
		w.I32(fieldCRC, int32(p.CRC))
	}

	switch p.Type {
	case DictionaryPage:
		w.StructBegin(fieldDictionaryPageHeader)
		w.I32(1, int32(p.NumValues))
		w.I32(2, encodingPlain)
		w.StructEnd()

	default:
		encoding := int32(encodingPlain)
		// Pages of dictionary indices are tagged PLAIN_DICTIONARY, not
		// RLE_DICTIONARY; readers accept either for version 1 data pages.
		if chunk.UseDictionary {
			encoding = encodingPlainDictionary
		}

		w.StructBegin(fieldDataPageHeader)
		w.I32(1, int32(p.RowCount))
		w.I32(2, encoding)
		w.I32(3, encodingRLE) // Definition levels.
		w.I32(4, encodingRLE) // Repetition levels.
		w.StructEnd()
	}

	w.Stop()
}
