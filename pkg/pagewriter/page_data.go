package pagewriter

import (
	"encoding/binary"

	"github.com/grafana/pagewriter/pkg/columnar"
	"github.com/grafana/pagewriter/pkg/compression"
	"github.com/grafana/pagewriter/pkg/pagewriter/internal/coop"
	"github.com/grafana/pagewriter/pkg/pagewriter/internal/rle"
)

// batchRows is the number of rows a page group processes per step.
const batchRows = 128

// pageWorkspace is the scratch memory shared by the lanes of one page group.
// Only the leader touches enc.
type pageWorkspace struct {
	batch [batchRows]uint32
	enc   rle.Encoder
}

// encodePageData writes the uncompressed data of page p into its slot in
// chunk.Uncompressed and records p.DataSize. If the chunk has a codec, it
// returns the job compressing the page data into the page's compressed slot.
func encodePageData(col *columnar.ColumnDescriptor, chunk *ColumnChunk, p *Page, lanes int) *compression.Job {
	start := p.UncompressedOffset + maxPageHeaderSize
	data := chunk.Uncompressed[start : start+p.MaxDataSize]

	if p.Type == DictionaryPage {
		p.DataSize = encodeDictionaryPage(col, chunk, data, lanes)
	} else {
		p.DataSize = encodeDataPage(col, chunk, p, data, lanes)
	}

	if chunk.codec == compression.None {
		return nil
	}
	cstart := p.CompressedOffset + maxPageHeaderSize
	return &compression.Job{
		Src: data[:p.DataSize],
		Dst: chunk.Compressed[cstart : cstart+compression.MaxCompressedSize(chunk.codec, p.MaxDataSize)],
	}
}

// encodeDictionaryPage writes the plain values of the chunk dictionary.
func encodeDictionaryPage(col *columnar.ColumnDescriptor, chunk *ColumnChunk, data []byte, lanes int) int {
	var size int

	coop.Run(lanes, func(l *coop.Lane) {
		cursor := 0
		for b := 0; b < len(chunk.Dictionary); b += batchRows {
			entries := chunk.Dictionary[b:min(b+batchRows, len(chunk.Dictionary))]
			lo, hi := l.Strip(len(entries))

			var local int
			for _, row := range entries[lo:hi] {
				local += col.ValueSize(int(row))
			}
			pos, total := l.ExclusiveScan(local)

			pos += cursor
			for _, row := range entries[lo:hi] {
				pos += putPlain(col, int(row), data[pos:])
			}
			cursor += total
		}
		if l.Leader() {
			size = cursor
		}
	})

	return size
}

// encodeDataPage writes the definition levels and values of a data page.
func encodeDataPage(col *columnar.ColumnDescriptor, chunk *ColumnChunk, p *Page, data []byte, lanes int) int {
	var (
		ws   pageWorkspace
		size int
	)

	coop.Run(lanes, func(l *coop.Lane) {
		cursor := 0
		if col.LevelBits > 0 {
			cursor = encodeLevels(l, &ws, col, p, data)
		}

		switch {
		case chunk.UseDictionary:
			cursor = encodeIndices(l, &ws, col, chunk, p, data, cursor)
		case col.PhysicalType == columnar.Boolean:
			if l.Leader() {
				cursor = putBooleans(col, p, data, cursor)
			}
		default:
			cursor = encodeValues(l, col, p, data, cursor)
		}

		if l.Leader() {
			size = cursor
		}
	})

	return size
}

// encodeLevels writes the length-prefixed definition levels of p and returns
// the offset following them. Lanes fill a batch of levels; the leader feeds
// each batch to the run-length encoder.
func encodeLevels(l *coop.Lane, ws *pageWorkspace, col *columnar.ColumnDescriptor, p *Page, data []byte) int {
	// Without nesting, every valid row is at the maximum level.
	maxLevel := uint32(1)<<col.LevelBits - 1

	if l.Leader() {
		ws.enc.Reset(data[4:], col.LevelBits)
	}
	for b := 0; b < p.RowCount; b += batchRows {
		n := min(batchRows, p.RowCount-b)
		lo, hi := l.Strip(n)
		for i := lo; i < hi; i++ {
			if col.IsValid(p.RowStart + b + i) {
				ws.batch[i] = maxLevel
			} else {
				ws.batch[i] = 0
			}
		}
		l.Sync()
		if l.Leader() {
			ws.enc.Append(ws.batch[:n]...)
			ws.enc.Encode(false)
		}
		l.Sync()
	}

	var length int
	if l.Leader() {
		ws.enc.Encode(true)
		length = ws.enc.Len()
		binary.LittleEndian.PutUint32(data, uint32(length))
	}
	return 4 + l.Sum(length)
}

// encodeIndices writes the bit width and run-length encoded dictionary
// indices of the non-null rows of p, starting at cursor. Each batch of
// indices is compacted through an exclusive scan of the lanes' valid counts.
func encodeIndices(l *coop.Lane, ws *pageWorkspace, col *columnar.ColumnDescriptor, chunk *ColumnChunk, p *Page, data []byte, cursor int) int {
	if l.Leader() {
		data[cursor] = byte(chunk.DictIndexBits)
		ws.enc.Reset(data[cursor+1:], chunk.DictIndexBits)
	}

	for b := 0; b < p.RowCount; b += batchRows {
		n := min(batchRows, p.RowCount-b)
		lo, hi := l.Strip(n)

		var valid int
		for i := lo; i < hi; i++ {
			if col.IsValid(p.RowStart + b + i) {
				valid++
			}
		}
		pos, total := l.ExclusiveScan(valid)

		for i := lo; i < hi; i++ {
			row := p.RowStart + b + i
			if col.IsValid(row) {
				ws.batch[pos] = col.DictIndex[row]
				pos++
			}
		}
		l.Sync()
		if l.Leader() {
			ws.enc.Append(ws.batch[:total]...)
			ws.enc.Encode(false)
		}
	}

	var length int
	if l.Leader() {
		ws.enc.Encode(true)
		length = ws.enc.Len()
	}
	return cursor + 1 + l.Sum(length)
}

// encodeValues writes the plain values of the non-null rows of p, starting
// at cursor. Value positions within a batch come from an exclusive scan of
// the lanes' value sizes.
func encodeValues(l *coop.Lane, col *columnar.ColumnDescriptor, p *Page, data []byte, cursor int) int {
	for b := 0; b < p.RowCount; b += batchRows {
		n := min(batchRows, p.RowCount-b)
		lo, hi := l.Strip(n)

		var local int
		for i := lo; i < hi; i++ {
			row := p.RowStart + b + i
			if col.IsValid(row) {
				local += col.ValueSize(row)
			}
		}
		pos, total := l.ExclusiveScan(local)

		pos += cursor
		for i := lo; i < hi; i++ {
			row := p.RowStart + b + i
			if col.IsValid(row) {
				pos += putPlain(col, row, data[pos:])
			}
		}
		cursor += total
	}
	return cursor
}

// putBooleans bit-packs the non-null values of a BOOLEAN page LSB-first.
func putBooleans(col *columnar.ColumnDescriptor, p *Page, data []byte, cursor int) int {
	out := data[cursor : cursor+(p.NumValues+7)/8]
	clear(out)

	var n int
	for row := p.RowStart; row < p.RowStart+p.RowCount; row++ {
		if !col.IsValid(row) {
			continue
		}
		if col.Bool(row) {
			out[n/8] |= 1 << (n % 8)
		}
		n++
	}
	return cursor + len(out)
}

// putPlain writes the plain encoding of row into dst and returns its size.
func putPlain(col *columnar.ColumnDescriptor, row int, dst []byte) int {
	switch col.PhysicalType {
	case columnar.ByteArray:
		v := col.Bytes(row)
		binary.LittleEndian.PutUint32(dst, uint32(len(v)))
		return 4 + copy(dst[4:], v)
	case columnar.Int32, columnar.Float:
		binary.LittleEndian.PutUint32(dst, uint32(col.Fixed(row)))
		return 4
	default:
		binary.LittleEndian.PutUint64(dst, col.Fixed(row))
		return 8
	}
}
