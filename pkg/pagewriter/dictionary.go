package pagewriter

import (
	"encoding/binary"
	"math/bits"

	"github.com/cespare/xxhash/v2"
	"github.com/dolthub/swiss"

	"github.com/grafana/pagewriter/pkg/columnar"
	"github.com/grafana/pagewriter/pkg/pagewriter/internal/rle"
)

const noEntry = ^uint32(0)

// buildChunkDictionary merges the fragment dictionaries of chunk into a
// chunk dictionary and decides whether the chunk is dictionary encoded.
//
// The dictionary is used if it has at most maxEntries entries and its plain
// size plus the worst-case size of the encoded indices is smaller than the
// plain size of the chunk. In that case DictIndex of every non-null row is
// rewritten to the row's position in chunk.Dictionary.
func buildChunkDictionary(col *columnar.ColumnDescriptor, chunk *ColumnChunk, maxEntries int) {
	if !col.DictionaryEligible() {
		return
	}

	var nonNull, plainSize, uniques int
	for _, f := range chunk.Fragments {
		nonNull += f.NonNullCount
		plainSize += f.DataSize
		uniques += f.DictCount
	}
	if nonNull == 0 {
		return
	}

	var (
		heads = swiss.NewMap[uint64, uint32](uint32(min(uniques, maxEntries)))
		next  []uint32 // Next entry with the same key hash.
		dict  []uint32
		size  int
	)

	// Unique rows of each fragment are visited in row order, so entry order
	// follows the first occurrence of each value in the chunk.
	for _, f := range chunk.Fragments {
		for _, owner := range col.DictData[f.DictStart : f.DictStart+f.DictCount] {
			row := int(owner)
			key := dictionaryKey(col, row)

			entry := noEntry
			head, ok := heads.Get(key)
			if ok {
				for e := head; e != noEntry; e = next[e] {
					if valuesEqual(col, int(dict[e]), row) {
						entry = e
						break
					}
				}
			}

			if entry == noEntry {
				if len(dict) == maxEntries {
					return
				}
				entry = uint32(len(dict))
				dict = append(dict, owner)
				if ok {
					next = append(next, head)
				} else {
					next = append(next, noEntry)
				}
				heads.Put(key, entry)
				size += col.ValueSize(row)
			}
			col.DictIndex[row] = entry
		}
	}

	indexBits := max(1, bits.Len(uint(len(dict)-1)))
	if size+rle.MaxEncodedSize(nonNull, indexBits) >= plainSize {
		return
	}

	// Duplicates point at a lower row of the same fragment, which has already
	// been rewritten.
	for row := chunk.RowStart; row < chunk.RowStart+chunk.RowCount; row++ {
		if !col.IsValid(row) {
			continue
		}
		if v := col.DictIndex[row]; v&dupFlag != 0 {
			col.DictIndex[row] = col.DictIndex[v&^dupFlag]
		}
	}

	chunk.UseDictionary = true
	chunk.DictIndexBits = indexBits
	chunk.Dictionary = dict
	chunk.DictionarySize = size
}

func dictionaryKey(col *columnar.ColumnDescriptor, row int) uint64 {
	if col.PhysicalType == columnar.ByteArray {
		return xxhash.Sum64(col.Bytes(row))
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], col.Fixed(row))
	return xxhash.Sum64(buf[:])
}
