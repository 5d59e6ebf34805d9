package columnar

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/bitutil"

	"github.com/grafana/pagewriter/pkg/columnar/internal/unsafecast"
)

// FromArrow returns a column over the buffers of arr. Fixed-width values are
// shared with arr; validity bitmaps and variable-length values are copied so
// that the column does not depend on the array's offset.
//
// Columns with nulls are nullable (LevelBits 1).
func FromArrow(name string, arr arrow.Array) (*ColumnDescriptor, error) {
	col := &ColumnDescriptor{
		Name:          name,
		ConvertedType: None,
		NumRows:       arr.Len(),
		Validity:      arrowValidity(arr),
	}
	if col.Validity != nil {
		col.LevelBits = 1
	}

	switch arr := arr.(type) {
	case *array.Int8:
		col.setFixed(Int32, Int8, 1, unsafecast.Bytes(arr.Int8Values()))
	case *array.Int16:
		col.setFixed(Int32, Int16, 2, unsafecast.Bytes(arr.Int16Values()))
	case *array.Int32:
		col.setFixed(Int32, None, 4, unsafecast.Bytes(arr.Int32Values()))
	case *array.Int64:
		col.setFixed(Int64, None, 8, unsafecast.Bytes(arr.Int64Values()))
	case *array.Uint8:
		col.setFixed(Int32, Uint8, 1, unsafecast.Bytes(arr.Uint8Values()))
	case *array.Uint16:
		col.setFixed(Int32, Uint16, 2, unsafecast.Bytes(arr.Uint16Values()))
	case *array.Uint32:
		col.setFixed(Int32, Uint32, 4, unsafecast.Bytes(arr.Uint32Values()))
	case *array.Uint64:
		col.setFixed(Int64, Uint64, 8, unsafecast.Bytes(arr.Uint64Values()))
	case *array.Float32:
		col.setFixed(Float, None, 4, unsafecast.Bytes(arr.Float32Values()))
	case *array.Float64:
		col.setFixed(Double, None, 8, unsafecast.Bytes(arr.Float64Values()))
	case *array.Date32:
		col.setFixed(Int32, Date, 4, unsafecast.Bytes(arr.Date32Values()))

	case *array.Timestamp:
		converted := TimestampMicros
		switch arr.DataType().(*arrow.TimestampType).Unit {
		case arrow.Millisecond:
			converted = TimestampMillis
		case arrow.Microsecond:
		default:
			return nil, fmt.Errorf("column %q: unsupported timestamp unit %s", name, arr.DataType())
		}
		col.setFixed(Int64, converted, 8, unsafecast.Bytes(arr.TimestampValues()))

	case *array.Boolean:
		values := make([]byte, arr.Len())
		for i := range values {
			if arr.Value(i) {
				values[i] = 1
			}
		}
		col.setFixed(Boolean, None, 1, values)

	case *array.String:
		col.PhysicalType, col.ConvertedType = ByteArray, UTF8
		col.copyBytes(arr.Len(), func(i int) []byte { return []byte(arr.Value(i)) })

	case *array.Binary:
		col.PhysicalType = ByteArray
		col.copyBytes(arr.Len(), arr.Value)

	default:
		return nil, fmt.Errorf("column %q: unsupported arrow type %s", name, arr.DataType())
	}

	return col, nil
}

func (c *ColumnDescriptor) setFixed(pt PhysicalType, ct ConvertedType, width int, values []byte) {
	c.PhysicalType, c.ConvertedType, c.ValueWidth, c.Values = pt, ct, width, values
}

func (c *ColumnDescriptor) copyBytes(n int, value func(i int) []byte) {
	c.Offsets = make([]int32, n+1)
	for i := 0; i < n; i++ {
		if c.IsValid(i) {
			c.Data = append(c.Data, value(i)...)
		}
		c.Offsets[i+1] = int32(len(c.Data))
	}
}

// arrowValidity returns the validity bitmap of arr realigned to offset 0, or
// nil when arr has no nulls.
func arrowValidity(arr arrow.Array) []byte {
	if arr.NullN() == 0 {
		return nil
	}

	validity := make([]byte, bitutil.BytesForBits(int64(arr.Len())))
	if src := arr.NullBitmapBytes(); len(src) > 0 {
		bitutil.CopyBitmap(src, arr.Data().Offset(), arr.Len(), validity, 0)
	}
	return validity
}
