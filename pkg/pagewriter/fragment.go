package pagewriter

import (
	"bytes"
	"math"
	"slices"
	"sync"

	"go.uber.org/atomic"

	"github.com/grafana/pagewriter/pkg/columnar"
	"github.com/grafana/pagewriter/pkg/pagewriter/internal/coop"
)

const (
	hashBits    = 12
	hashBuckets = 1 << hashBits

	noOwner = math.MaxUint32
)

// fragmentWorkspace is the scratch memory shared by the lanes of one
// fragment group.
type fragmentWorkspace struct {
	counts [hashBuckets]atomic.Uint32 // Entries per hash bucket.
	fill   [hashBuckets]atomic.Uint32 // Slots claimed per hash bucket.
	first  [hashBuckets]atomic.Uint32 // Owner candidate per hash bucket.

	// offsets[b] is the first slot of bucket b; offsets[hashBuckets] is the
	// number of valid rows.
	offsets [hashBuckets + 1]int

	// Indexed by fragment-local row.
	hashes []uint16
	owners []uint32

	// Fragment-local rows sorted by hash bucket.
	slots []uint32
}

var fragmentWorkspaces = sync.Pool{
	New: func() any { return new(fragmentWorkspace) },
}

func (ws *fragmentWorkspace) resize(rows int) {
	ws.hashes = slices.Grow(ws.hashes[:0], rows)[:rows]
	ws.owners = slices.Grow(ws.owners[:0], rows)[:rows]
	ws.slots = slices.Grow(ws.slots[:0], rows)[:rows]
}

// buildFragment computes the statistics of frag, whose RowStart and RowCount
// must be set. For dictionary-eligible columns it also builds the fragment
// dictionary:
//
//   - the unique rows are stored in row order at col.DictData[frag.DictStart:],
//     and each unique row's DictIndex holds its position there;
//   - every other non-null row's DictIndex holds the row owning its value,
//     tagged with dupFlag.
//
// The owner of a value is always the lowest row holding it, independent of
// lane count or scheduling.
func buildFragment(col *columnar.ColumnDescriptor, frag *Fragment, lanes int) {
	frag.DictStart = frag.RowStart
	frag.NonNullCount, frag.DataSize, frag.DictCount, frag.DictDataSize = 0, 0, 0, 0
	if frag.RowCount == 0 {
		return
	}

	ws := fragmentWorkspaces.Get().(*fragmentWorkspace)
	defer fragmentWorkspaces.Put(ws)
	ws.resize(frag.RowCount)

	dictionary := col.DictionaryEligible()

	coop.Run(lanes, func(l *coop.Lane) {
		start, end := l.Strip(frag.RowCount)

		// Phase 1: validity and value sizes.
		var nonNull, size int
		for i := start; i < end; i++ {
			row := frag.RowStart + i
			if col.IsValid(row) {
				nonNull++
				size += col.ValueSize(row)
			}
		}
		nonNull = l.Sum(nonNull)
		size = l.Sum(size)
		if l.Leader() {
			frag.NonNullCount, frag.DataSize = nonNull, size
		}
		if !dictionary || nonNull == 0 {
			return
		}

		bucketStart, bucketEnd := l.Strip(hashBuckets)
		for b := bucketStart; b < bucketEnd; b++ {
			ws.counts[b].Store(0)
			ws.fill[b].Store(0)
			ws.first[b].Store(noOwner)
		}
		l.Sync()

		// Phase 2: hash every valid value and count bucket sizes.
		for i := start; i < end; i++ {
			row := frag.RowStart + i
			if !col.IsValid(row) {
				continue
			}
			h := hashValue(col, row)
			ws.hashes[i] = h
			ws.counts[h].Inc()
		}
		l.Sync()

		// Phase 3: bucket offsets from a prefix sum over the bucket counts.
		var local int
		for b := bucketStart; b < bucketEnd; b++ {
			local += int(ws.counts[b].Load())
		}
		offset, _ := l.ExclusiveScan(local)
		for b := bucketStart; b < bucketEnd; b++ {
			ws.offsets[b] = offset
			offset += int(ws.counts[b].Load())
		}
		if bucketEnd == hashBuckets {
			ws.offsets[hashBuckets] = offset
		}
		l.Sync()

		// Phase 4: claim a slot in the bucket and lower the bucket's owner
		// candidate.
		for i := start; i < end; i++ {
			if !col.IsValid(frag.RowStart + i) {
				continue
			}
			h := ws.hashes[i]
			slot := ws.offsets[h] + int(ws.fill[h].Inc()) - 1
			ws.slots[slot] = uint32(i)
			claimOwner(&ws.first[h], uint32(i))
		}
		l.Sync()

		// Phase 5: split buckets into values and find each value's owner.
		for b := bucketStart; b < bucketEnd; b++ {
			ws.resolveBucket(col, frag.RowStart, b)
		}
		l.Sync()

		// Phase 6: compact unique rows in row order and tag duplicates.
		var uniques int
		for i := start; i < end; i++ {
			if col.IsValid(frag.RowStart+i) && ws.owners[i] == uint32(i) {
				uniques++
			}
		}
		pos, total := l.ExclusiveScan(uniques)

		var uniqueSize int
		for i := start; i < end; i++ {
			row := frag.RowStart + i
			switch {
			case !col.IsValid(row):
				col.DictIndex[row] = 0
			case ws.owners[i] == uint32(i):
				col.DictData[frag.DictStart+pos] = uint32(row)
				col.DictIndex[row] = uint32(pos)
				uniqueSize += col.ValueSize(row)
				pos++
			default:
				col.DictIndex[row] = (uint32(frag.RowStart) + ws.owners[i]) | dupFlag
			}
		}
		uniqueSize = l.Sum(uniqueSize)
		if l.Leader() {
			frag.DictCount, frag.DictDataSize = total, uniqueSize
		}
	})
}

// claimOwner lowers the owner candidate of a bucket to row. A failed swap
// re-reads the candidate, so a lower row claimed concurrently is never
// replaced; the final candidate is the lowest row of the bucket regardless
// of arrival order.
func claimOwner(candidate *atomic.Uint32, row uint32) {
	for {
		cur := candidate.Load()
		if cur <= row {
			return
		}
		if candidate.CompareAndSwap(cur, row) {
			return
		}
	}
}

// resolveBucket assigns an owner to every entry of bucket b. Entries equal
// to the bucket's owner candidate are owned by it; colliding entries with
// other values are resolved in further rounds, each taking the lowest
// remaining row as the next owner.
func (ws *fragmentWorkspace) resolveBucket(col *columnar.ColumnDescriptor, rowStart, b int) {
	rest := ws.slots[ws.offsets[b]:ws.offsets[b+1]]
	if len(rest) == 0 {
		return
	}

	owner := ws.first[b].Load()
	for {
		n := 0
		for _, e := range rest {
			if e == owner || valuesEqual(col, rowStart+int(e), rowStart+int(owner)) {
				ws.owners[e] = owner
				continue
			}
			rest[n] = e
			n++
		}
		rest = rest[:n]
		if n == 0 {
			return
		}
		owner = slices.Min(rest)
	}
}

// hashValue returns a 12-bit hash of the value at row. Byte arrays are
// hashed from their first byte, last byte and length; fixed-width values
// from their upper and lower 32 bits folded together.
func hashValue(col *columnar.ColumnDescriptor, row int) uint16 {
	var x uint32
	if col.PhysicalType == columnar.ByteArray {
		v := col.Bytes(row)
		x = uint32(len(v))
		if len(v) > 0 {
			x ^= uint32(v[0])<<24 | uint32(v[len(v)-1])<<16
		}
	} else {
		v := col.Fixed(row)
		x = uint32(v) ^ uint32(v>>32)
	}
	return uint16((x * 0x9e3779b1) >> (32 - hashBits))
}

func valuesEqual(col *columnar.ColumnDescriptor, a, b int) bool {
	if col.PhysicalType == columnar.ByteArray {
		return bytes.Equal(col.Bytes(a), col.Bytes(b))
	}
	return col.Fixed(a) == col.Fixed(b)
}
