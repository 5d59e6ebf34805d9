package pagewriter

import (
	"github.com/grafana/pagewriter/pkg/columnar"
	"github.com/grafana/pagewriter/pkg/compression"
)

// dupFlag marks a dictionary index entry as a back-reference to the row
// owning the same value.
const dupFlag = 0x80000000

// maxPageHeaderSize is the space reserved in front of every page slot for
// its header.
const maxPageHeaderSize = 64

// Fragment summarizes a contiguous range of a column's rows.
type Fragment struct {
	RowStart int
	RowCount int

	NonNullCount int
	DictCount    int // Number of unique non-null values.
	DataSize     int // Plain-encoded size of the non-null values.
	DictDataSize int // Plain-encoded size of the unique values.

	// DictStart is the offset of the fragment's unique rows in the column's
	// DictData buffer.
	DictStart int
}

// PageType is the type of a page, using Parquet ids.
type PageType int32

const (
	DataPage       PageType = 0
	DictionaryPage PageType = 2
)

func (t PageType) String() string {
	switch t {
	case DataPage:
		return "DATA_PAGE"
	case DictionaryPage:
		return "DICTIONARY_PAGE"
	default:
		return "UNKNOWN"
	}
}

// Page is one page of a column chunk.
type Page struct {
	Type  PageType
	Chunk int

	// FragmentStart and FragmentCount select the chunk fragments covered by
	// a data page.
	FragmentStart int
	FragmentCount int

	RowStart int
	RowCount int

	// NumValues is the number of non-null values of a data page, or the
	// number of entries of a dictionary page.
	NumValues int

	// Offsets of the page slot in the chunk's uncompressed and compressed
	// buffers. Each slot starts with maxPageHeaderSize bytes reserved for the
	// header, followed by the page data.
	UncompressedOffset int
	CompressedOffset   int

	MaxDataSize    int // Reserved size of the uncompressed page data.
	DataSize       int // Actual size of the uncompressed page data.
	CompressedSize int // Size of the stored page data.
	HeaderSize     int
	CRC            uint32
}

// ColumnChunk is one column within one row group.
type ColumnChunk struct {
	Column   int
	RowGroup int

	RowStart int
	RowCount int

	// Fragments covering the chunk, in row order.
	Fragments []Fragment

	UseDictionary bool
	DictIndexBits int
	// Dictionary holds the row owning each dictionary entry, in entry order.
	Dictionary     []uint32
	DictionarySize int

	// Uncompressed and Compressed hold the page slots of the chunk.
	Uncompressed []byte
	Compressed   []byte

	FirstPage int
	NumPages  int

	IsCompressed bool
	// BufferSize is the total size of the stored page data.
	BufferSize int

	// Totals including page headers.
	UncompressedTotal int
	CompressedTotal   int

	// Output is the concatenation of every page's header and data.
	Output     []byte
	OutputSize int

	// Offsets of the first dictionary and data pages in Output. The
	// dictionary page offset is -1 when no dictionary is used.
	DictionaryPageOffset int
	DataPageOffset       int

	codec compression.Codec
}

// Result holds every record produced by encoding a RecordBatch.
type Result struct {
	Batch *columnar.RecordBatch

	// Fragments of each column, indexed by column.
	Fragments [][]Fragment

	// Chunks ordered by row group, then column.
	Chunks []ColumnChunk
	Pages  []Page
}

// ChunkPages returns the pages of chunk i.
func (r *Result) ChunkPages(i int) []Page {
	c := &r.Chunks[i]
	return r.Pages[c.FirstPage : c.FirstPage+c.NumPages]
}

// Codec returns the codec the chunk's stored pages are compressed with.
func (c *ColumnChunk) Codec() compression.Codec {
	if !c.IsCompressed {
		return compression.None
	}
	return c.codec
}

// slot returns the page slot in the chunk buffer selected by the chunk's
// compression decision.
func (c *ColumnChunk) slot(p *Page) []byte {
	if c.IsCompressed {
		return c.Compressed[p.CompressedOffset:]
	}
	return c.Uncompressed[p.UncompressedOffset:]
}
