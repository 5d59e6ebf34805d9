// Package columnar describes decoded, in-memory columns handed to the page
// encoder.
//
// Buffers follow the Arrow layout: validity is an LSB-first bitmap where a
// set bit marks a non-null row, fixed-width values are little-endian and
// variable-length values are addressed through an offsets buffer.
package columnar

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/bitutil"
)

// PhysicalType is the storage type of a column, using Parquet type ids.
type PhysicalType int32

const (
	Boolean   PhysicalType = 0
	Int32     PhysicalType = 1
	Int64     PhysicalType = 2
	Float     PhysicalType = 4
	Double    PhysicalType = 5
	ByteArray PhysicalType = 6
)

func (t PhysicalType) String() string {
	switch t {
	case Boolean:
		return "BOOLEAN"
	case Int32:
		return "INT32"
	case Int64:
		return "INT64"
	case Float:
		return "FLOAT"
	case Double:
		return "DOUBLE"
	case ByteArray:
		return "BYTE_ARRAY"
	default:
		return fmt.Sprintf("PhysicalType(%d)", int32(t))
	}
}

// ConvertedType is the logical annotation of a column, using Parquet ids.
type ConvertedType int32

const (
	None            ConvertedType = -1
	UTF8            ConvertedType = 0
	Date            ConvertedType = 6
	TimestampMillis ConvertedType = 9
	TimestampMicros ConvertedType = 10
	Uint8           ConvertedType = 11
	Uint16          ConvertedType = 12
	Uint32          ConvertedType = 13
	Uint64          ConvertedType = 14
	Int8            ConvertedType = 15
	Int16           ConvertedType = 16
	Int32Converted  ConvertedType = 17
	Int64Converted  ConvertedType = 18
)

// ColumnDescriptor holds the buffers and encoding parameters of one column.
// All fields except DictIndex and DictData are read-only while the column is
// being encoded.
type ColumnDescriptor struct {
	Name          string
	PhysicalType  PhysicalType
	ConvertedType ConvertedType

	// LevelBits is the bit width of definition levels. Columns with a width
	// of 0 are required and must not contain nulls.
	LevelBits int

	// Validity is an LSB-first bitmap of non-null rows. A nil bitmap means
	// every row is valid.
	Validity []byte

	// Values holds fixed-width little-endian values, ValueWidth bytes each.
	// BOOLEAN columns store one byte per row.
	Values     []byte
	ValueWidth int

	// Offsets and Data hold BYTE_ARRAY values: row i is
	// Data[Offsets[i]:Offsets[i+1]].
	Offsets []int32
	Data    []byte

	// DictIndex and DictData are dictionary scratch buffers of NumRows
	// entries each, allocated by the encoder when nil.
	DictIndex []uint32
	DictData  []uint32

	NumRows int
}

// Len returns the number of rows in the column.
func (c *ColumnDescriptor) Len() int { return c.NumRows }

// IsValid reports whether row i is non-null.
func (c *ColumnDescriptor) IsValid(i int) bool {
	return c.Validity == nil || bitutil.BitIsSet(c.Validity, i)
}

// IsNull reports whether row i is null.
func (c *ColumnDescriptor) IsNull(i int) bool { return !c.IsValid(i) }

// Nulls returns the number of null rows.
func (c *ColumnDescriptor) Nulls() int {
	if c.Validity == nil {
		return 0
	}
	return c.NumRows - bitutil.CountSetBits(c.Validity, 0, c.NumRows)
}

// DictionaryEligible reports whether the column may be dictionary encoded.
func (c *ColumnDescriptor) DictionaryEligible() bool {
	return c.PhysicalType != Boolean
}

// PlainWidth returns the width in bytes of one plain-encoded value for
// fixed-width types, or 0 for BOOLEAN and BYTE_ARRAY.
func (c *ColumnDescriptor) PlainWidth() int {
	switch c.PhysicalType {
	case Int32, Float:
		return 4
	case Int64, Double:
		return 8
	default:
		return 0
	}
}

// ValueSize returns the plain-encoded size of row i, ignoring validity:
// 4 bytes of length prefix plus the payload for BYTE_ARRAY, one byte for
// BOOLEAN and the plain width otherwise.
func (c *ColumnDescriptor) ValueSize(i int) int {
	switch c.PhysicalType {
	case ByteArray:
		return 4 + int(c.Offsets[i+1]-c.Offsets[i])
	case Boolean:
		return 1
	default:
		return c.PlainWidth()
	}
}

// Bytes returns the BYTE_ARRAY value of row i.
func (c *ColumnDescriptor) Bytes(i int) []byte {
	return c.Data[c.Offsets[i]:c.Offsets[i+1]]
}

// Bool returns the BOOLEAN value of row i.
func (c *ColumnDescriptor) Bool(i int) bool {
	return c.Values[i] != 0
}

// Fixed returns the plain bits of fixed-width row i. Narrow INT32 inputs are
// widened according to ConvertedType: INT_8 and INT_16 are sign-extended,
// everything else zero-extended. The result of an INT32 or FLOAT column
// always fits in the lower 32 bits.
func (c *ColumnDescriptor) Fixed(i int) uint64 {
	v := c.Values[i*c.ValueWidth:]

	switch c.ValueWidth {
	case 1:
		if c.ConvertedType == Int8 {
			return uint64(uint32(int32(int8(v[0]))))
		}
		return uint64(v[0])
	case 2:
		u := uint16(v[0]) | uint16(v[1])<<8
		if c.ConvertedType == Int16 {
			return uint64(uint32(int32(int16(u))))
		}
		return uint64(u)
	case 4:
		return uint64(uint32(v[0]) | uint32(v[1])<<8 | uint32(v[2])<<16 | uint32(v[3])<<24)
	default:
		return uint64(v[0]) | uint64(v[1])<<8 | uint64(v[2])<<16 | uint64(v[3])<<24 |
			uint64(v[4])<<32 | uint64(v[5])<<40 | uint64(v[6])<<48 | uint64(v[7])<<56
	}
}

// Validate reports descriptors whose buffers or parameters are inconsistent.
func (c *ColumnDescriptor) Validate() error {
	var errs []error

	if c.NumRows < 0 {
		return fmt.Errorf("column %q: negative row count %d", c.Name, c.NumRows)
	}
	if c.LevelBits < 0 || c.LevelBits > 16 {
		errs = append(errs, fmt.Errorf("column %q: definition level width %d out of range [0, 16]", c.Name, c.LevelBits))
	}

	if c.Validity != nil {
		if want := bitutil.BytesForBits(int64(c.NumRows)); int64(len(c.Validity)) < want {
			errs = append(errs, fmt.Errorf("column %q: validity bitmap has %d bytes, need %d", c.Name, len(c.Validity), want))
		} else if c.LevelBits == 0 && c.Nulls() > 0 {
			errs = append(errs, fmt.Errorf("column %q: required column contains nulls", c.Name))
		}
	}

	switch c.PhysicalType {
	case Boolean:
		errs = append(errs, c.validateFixed(1)...)
	case Int32:
		errs = append(errs, c.validateFixed(1, 2, 4)...)
	case Float:
		errs = append(errs, c.validateFixed(4)...)
	case Int64, Double:
		errs = append(errs, c.validateFixed(8)...)
	case ByteArray:
		errs = append(errs, c.validateOffsets()...)
	default:
		errs = append(errs, fmt.Errorf("column %q: unsupported physical type %s", c.Name, c.PhysicalType))
	}

	if c.DictIndex != nil && len(c.DictIndex) < c.NumRows {
		errs = append(errs, fmt.Errorf("column %q: dictionary index buffer too short", c.Name))
	}
	if c.DictData != nil && len(c.DictData) < c.NumRows {
		errs = append(errs, fmt.Errorf("column %q: dictionary data buffer too short", c.Name))
	}

	return errors.Join(errs...)
}

func (c *ColumnDescriptor) validateFixed(widths ...int) []error {
	var (
		errs []error
		ok   bool
	)
	for _, w := range widths {
		ok = ok || c.ValueWidth == w
	}
	if !ok {
		return append(errs, fmt.Errorf("column %q: value width %d not supported for %s", c.Name, c.ValueWidth, c.PhysicalType))
	}
	if len(c.Values) < c.NumRows*c.ValueWidth {
		errs = append(errs, fmt.Errorf("column %q: values buffer has %d bytes, need %d", c.Name, len(c.Values), c.NumRows*c.ValueWidth))
	}
	return errs
}

func (c *ColumnDescriptor) validateOffsets() []error {
	if len(c.Offsets) < c.NumRows+1 {
		return []error{fmt.Errorf("column %q: offsets buffer has %d entries, need %d", c.Name, len(c.Offsets), c.NumRows+1)}
	}
	for i := 0; i < c.NumRows; i++ {
		if c.Offsets[i] < 0 || c.Offsets[i] > c.Offsets[i+1] {
			return []error{fmt.Errorf("column %q: offsets not monotonic at row %d", c.Name, i)}
		}
	}
	if int(c.Offsets[c.NumRows]) > len(c.Data) {
		return []error{fmt.Errorf("column %q: offsets exceed data buffer", c.Name)}
	}
	return nil
}
