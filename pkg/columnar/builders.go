package columnar

import (
	"reflect"

	"github.com/apache/arrow-go/v18/arrow/bitutil"

	"github.com/grafana/pagewriter/pkg/columnar/internal/unsafecast"
)

// Fixed is the set of Go types accepted by NewFixedColumn.
type Fixed interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// NewFixedColumn returns a column over values. The physical and converted
// types are derived from T: narrow integers become INT32 with an INT_*/UINT_*
// annotation, 64-bit integers become INT64, floats become FLOAT or DOUBLE.
//
// validity may be nil when every value is valid. A non-nil validity makes
// the column nullable (LevelBits 1).
func NewFixedColumn[T Fixed](name string, values []T, validity []bool) *ColumnDescriptor {
	col := &ColumnDescriptor{
		Name:     name,
		Values:   unsafecast.Bytes(values),
		NumRows:  len(values),
		Validity: bitmapFromBools(validity),
	}
	if validity != nil {
		col.LevelBits = 1
	}

	switch reflect.TypeFor[T]().Kind() {
	case reflect.Int8:
		col.PhysicalType, col.ConvertedType, col.ValueWidth = Int32, Int8, 1
	case reflect.Int16:
		col.PhysicalType, col.ConvertedType, col.ValueWidth = Int32, Int16, 2
	case reflect.Int32:
		col.PhysicalType, col.ConvertedType, col.ValueWidth = Int32, None, 4
	case reflect.Int64:
		col.PhysicalType, col.ConvertedType, col.ValueWidth = Int64, None, 8
	case reflect.Uint8:
		col.PhysicalType, col.ConvertedType, col.ValueWidth = Int32, Uint8, 1
	case reflect.Uint16:
		col.PhysicalType, col.ConvertedType, col.ValueWidth = Int32, Uint16, 2
	case reflect.Uint32:
		col.PhysicalType, col.ConvertedType, col.ValueWidth = Int32, Uint32, 4
	case reflect.Uint64:
		col.PhysicalType, col.ConvertedType, col.ValueWidth = Int64, Uint64, 8
	case reflect.Float32:
		col.PhysicalType, col.ConvertedType, col.ValueWidth = Float, None, 4
	case reflect.Float64:
		col.PhysicalType, col.ConvertedType, col.ValueWidth = Double, None, 8
	}
	return col
}

// NewBytesColumn returns a BYTE_ARRAY column with a UTF8 annotation. A nil
// entry in values is treated as null when validity is nil.
func NewBytesColumn(name string, values [][]byte, validity []bool) *ColumnDescriptor {
	if validity == nil {
		for _, v := range values {
			if v == nil {
				validity = make([]bool, len(values))
				for i, v := range values {
					validity[i] = v != nil
				}
				break
			}
		}
	}

	col := &ColumnDescriptor{
		Name:          name,
		PhysicalType:  ByteArray,
		ConvertedType: UTF8,
		Offsets:       make([]int32, len(values)+1),
		NumRows:       len(values),
		Validity:      bitmapFromBools(validity),
	}
	if validity != nil {
		col.LevelBits = 1
	}

	var size int
	for _, v := range values {
		size += len(v)
	}
	col.Data = make([]byte, 0, size)
	for i, v := range values {
		col.Data = append(col.Data, v...)
		col.Offsets[i+1] = int32(len(col.Data))
	}
	return col
}

// NewBoolColumn returns a BOOLEAN column.
func NewBoolColumn(name string, values []bool, validity []bool) *ColumnDescriptor {
	col := &ColumnDescriptor{
		Name:          name,
		PhysicalType:  Boolean,
		ConvertedType: None,
		Values:        make([]byte, len(values)),
		ValueWidth:    1,
		NumRows:       len(values),
		Validity:      bitmapFromBools(validity),
	}
	if validity != nil {
		col.LevelBits = 1
	}
	for i, v := range values {
		if v {
			col.Values[i] = 1
		}
	}
	return col
}

func bitmapFromBools(bools []bool) []byte {
	if bools == nil {
		return nil
	}
	bitmap := make([]byte, bitutil.BytesForBits(int64(len(bools))))
	for i, valid := range bools {
		if valid {
			bitutil.SetBit(bitmap, i)
		}
	}
	return bitmap
}
