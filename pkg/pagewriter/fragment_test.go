package pagewriter

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/pagewriter/pkg/columnar"
)

var testLaneCounts = []int{1, 2, 3, 4, 7, 32}

func withScratch(col *columnar.ColumnDescriptor) *columnar.ColumnDescriptor {
	col.DictIndex = make([]uint32, col.NumRows)
	col.DictData = make([]uint32, col.NumRows)
	return col
}

func Test_buildFragment_Constant(t *testing.T) {
	const rows = 1000

	for _, lanes := range testLaneCounts {
		t.Run(fmt.Sprintf("lanes=%d", lanes), func(t *testing.T) {
			values := make([]int32, rows+500)
			for i := range values {
				values[i] = 42
			}
			col := withScratch(columnar.NewFixedColumn("const", values, nil))

			frag := Fragment{RowStart: 500, RowCount: rows}
			buildFragment(col, &frag, lanes)

			require.Equal(t, rows, frag.NonNullCount)
			require.Equal(t, 4*rows, frag.DataSize)
			require.Equal(t, 1, frag.DictCount)
			require.Equal(t, 4, frag.DictDataSize)
			require.Equal(t, 500, frag.DictStart)

			require.Equal(t, uint32(500), col.DictData[500])
			require.Equal(t, uint32(0), col.DictIndex[500])

			var dups int
			for row := 501; row < 500+rows; row++ {
				require.Equal(t, uint32(500)|dupFlag, col.DictIndex[row], "row %d", row)
				dups++
			}
			require.Equal(t, rows-1, dups)
		})
	}
}

// naiveFragment computes the expected fragment dictionary: unique rows in
// order of first occurrence and, for every row, its entry or its owner.
func naiveFragment(col *columnar.ColumnDescriptor, frag Fragment) (uniques []uint32, index map[int]uint32) {
	index = make(map[int]uint32)
	owners := make(map[string]int)

	for row := frag.RowStart; row < frag.RowStart+frag.RowCount; row++ {
		if !col.IsValid(row) {
			continue
		}
		var key string
		if col.PhysicalType == columnar.ByteArray {
			key = string(col.Bytes(row))
		} else {
			key = fmt.Sprint(col.Fixed(row))
		}

		if owner, ok := owners[key]; ok {
			index[row] = uint32(owner) | dupFlag
			continue
		}
		owners[key] = row
		index[row] = uint32(len(uniques))
		uniques = append(uniques, uint32(row))
	}
	return uniques, index
}

func Test_buildFragment_Deterministic(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))

	const rows = 3000
	ints := make([]int64, rows)
	strs := make([][]byte, rows)
	valid := make([]bool, rows)
	for i := range ints {
		// Few distinct values with many hash collisions between them.
		ints[i] = int64(rnd.Intn(50)) << 40
		strs[i] = []byte(fmt.Sprintf("v%03d", rnd.Intn(300)))
		valid[i] = rnd.Intn(5) != 0
	}

	columns := map[string]func() *columnar.ColumnDescriptor{
		"int64":    func() *columnar.ColumnDescriptor { return columnar.NewFixedColumn("int64", ints, nil) },
		"nullable": func() *columnar.ColumnDescriptor { return columnar.NewFixedColumn("nullable", ints, valid) },
		"strings":  func() *columnar.ColumnDescriptor { return columnar.NewBytesColumn("strings", strs, valid) },
	}

	for name, newColumn := range columns {
		t.Run(name, func(t *testing.T) {
			var reference []uint32

			for _, lanes := range testLaneCounts {
				col := withScratch(newColumn())
				frag := Fragment{RowStart: 100, RowCount: 2500}
				buildFragment(col, &frag, lanes)

				uniques, index := naiveFragment(col, frag)
				require.Equal(t, len(uniques), frag.DictCount, "lanes=%d", lanes)
				require.Equal(t, uniques, col.DictData[frag.DictStart:frag.DictStart+frag.DictCount], "lanes=%d", lanes)
				for row, want := range index {
					require.Equal(t, want, col.DictIndex[row], "lanes=%d row=%d", lanes, row)
				}

				got := col.DictIndex[frag.RowStart : frag.RowStart+frag.RowCount]
				if reference == nil {
					reference = append([]uint32(nil), got...)
					continue
				}
				require.Equal(t, reference, got, "lanes=%d", lanes)
			}
		})
	}
}

func Test_buildFragment_Stats(t *testing.T) {
	values := [][]byte{[]byte("a"), nil, []byte("bcd"), []byte("a"), nil, []byte("")}
	col := withScratch(columnar.NewBytesColumn("s", values, nil))

	frag := Fragment{RowStart: 0, RowCount: len(values)}
	buildFragment(col, &frag, 2)

	require.Equal(t, 4, frag.NonNullCount)
	require.Equal(t, (4+1)+(4+3)+(4+1)+(4+0), frag.DataSize)
	require.Equal(t, 3, frag.DictCount)
	require.Equal(t, (4+1)+(4+3)+(4+0), frag.DictDataSize)
	require.Equal(t, []uint32{0, 2, 5}, col.DictData[:3])
	require.Equal(t, uint32(0), col.DictIndex[1], "null rows index the first entry")
	require.Equal(t, uint32(0)|dupFlag, col.DictIndex[3])
}

func Test_buildFragment_Boolean(t *testing.T) {
	col := columnar.NewBoolColumn("b", []bool{true, false, true}, []bool{true, true, false})

	frag := Fragment{RowCount: 3}
	buildFragment(col, &frag, 4)

	require.Equal(t, 2, frag.NonNullCount)
	require.Equal(t, 2, frag.DataSize)
	require.Zero(t, frag.DictCount)
}

func Test_buildFragment_Empty(t *testing.T) {
	col := withScratch(columnar.NewFixedColumn("x", []int32{1, 2}, nil))

	frag := Fragment{RowStart: 2, DictCount: 5}
	buildFragment(col, &frag, 4)
	require.Equal(t, Fragment{RowStart: 2, DictStart: 2}, frag)
}

func Test_claimOwner(t *testing.T) {
	var ws fragmentWorkspace
	ws.first[0].Store(noOwner)

	for _, row := range []uint32{9, 4, 12, 4, 7} {
		claimOwner(&ws.first[0], row)
	}
	require.Equal(t, uint32(4), ws.first[0].Load())
}
