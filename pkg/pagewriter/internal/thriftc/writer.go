// Package thriftc implements a minimal writer for the Thrift compact binary
// protocol, enough to serialize page headers.
package thriftc

import "encoding/binary"

// Type is a compact protocol field type.
type Type byte

const (
	TypeStop      Type = 0
	TypeBoolTrue  Type = 1
	TypeBoolFalse Type = 2
	TypeByte      Type = 3
	TypeI16       Type = 4
	TypeI32       Type = 5
	TypeI64       Type = 6
	TypeDouble    Type = 7
	TypeBinary    Type = 8
	TypeList      Type = 9
	TypeSet       Type = 10
	TypeMap       Type = 11
	TypeStruct    Type = 12
)

// maxNesting is the deepest struct nesting a Writer tracks.
const maxNesting = 8

// Writer appends compact protocol structs to a byte slice. The zero value is
// ready to use and writes the fields of a top-level struct.
type Writer struct {
	buf []byte

	lastField int16
	stack     [maxNesting]int16
	depth     int
}

// NewWriter returns a Writer which appends to buf[:0].
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf[:0]}
}

// Reset discards written bytes and nesting state, reusing buf for output.
func (w *Writer) Reset(buf []byte) {
	w.buf = buf[:0]
	w.lastField = 0
	w.depth = 0
}

// Bytes returns the encoded bytes.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of encoded bytes.
func (w *Writer) Len() int { return len(w.buf) }

// FieldBegin writes the header of field id with the given type. If the id is
// within 15 of the previous field id of the current struct, the delta and
// type share one byte. Otherwise the type byte is followed by the id as a
// zig-zag varint.
func (w *Writer) FieldBegin(id int16, typ Type) {
	if delta := int(id) - int(w.lastField); delta > 0 && delta <= 15 {
		w.buf = append(w.buf, byte(delta)<<4|byte(typ))
	} else {
		w.buf = append(w.buf, byte(typ))
		w.buf = binary.AppendVarint(w.buf, int64(id))
	}
	w.lastField = id
}

// I32 writes an i32 field.
func (w *Writer) I32(id int16, v int32) {
	w.FieldBegin(id, TypeI32)
	w.buf = binary.AppendVarint(w.buf, int64(v))
}

// I64 writes an i64 field.
func (w *Writer) I64(id int16, v int64) {
	w.FieldBegin(id, TypeI64)
	w.buf = binary.AppendVarint(w.buf, v)
}

// Bool writes a bool field. The value is carried by the field type.
func (w *Writer) Bool(id int16, v bool) {
	if v {
		w.FieldBegin(id, TypeBoolTrue)
	} else {
		w.FieldBegin(id, TypeBoolFalse)
	}
}

// Binary writes a length-prefixed binary field.
func (w *Writer) Binary(id int16, v []byte) {
	w.FieldBegin(id, TypeBinary)
	w.buf = binary.AppendUvarint(w.buf, uint64(len(v)))
	w.buf = append(w.buf, v...)
}

// StructBegin writes the header of a nested struct field. Field ids inside
// the struct are relative to zero until the matching StructEnd.
func (w *Writer) StructBegin(id int16) {
	if w.depth == maxNesting {
		panic("thriftc: struct nesting too deep")
	}
	w.FieldBegin(id, TypeStruct)
	w.stack[w.depth] = w.lastField
	w.depth++
	w.lastField = 0
}

// StructEnd terminates the innermost nested struct.
func (w *Writer) StructEnd() {
	if w.depth == 0 {
		panic("thriftc: StructEnd without StructBegin")
	}
	w.buf = append(w.buf, byte(TypeStop))
	w.depth--
	w.lastField = w.stack[w.depth]
}

// Stop terminates the top-level struct.
func (w *Writer) Stop() {
	if w.depth != 0 {
		panic("thriftc: Stop with open nested struct")
	}
	w.buf = append(w.buf, byte(TypeStop))
	w.lastField = 0
}
