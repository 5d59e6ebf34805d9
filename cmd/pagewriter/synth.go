package main

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/grafana/pagewriter/pkg/columnar"
)

// columnSpec describes a synthetic column as name:type:pattern.
type columnSpec struct {
	name    string
	typ     string
	pattern string

	// Pattern parameter: the modulus of mod<N>, the null interval of
	// nulls<N>.
	n int64
}

var columnTypes = []string{"int32", "int64", "float", "double", "bool", "string"}

func parseColumnSpec(s string) (columnSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return columnSpec{}, fmt.Errorf("invalid column %q: expected name:type:pattern", s)
	}
	spec := columnSpec{name: parts[0], typ: parts[1], pattern: parts[2]}

	known := false
	for _, t := range columnTypes {
		known = known || t == spec.typ
	}
	if !known {
		return columnSpec{}, fmt.Errorf("invalid column %q: unknown type %q, supported: %s", s, spec.typ, strings.Join(columnTypes, ", "))
	}

	switch spec.pattern {
	case "seq", "const", "random":
		return spec, nil
	}
	for _, prefix := range []string{"mod", "nulls"} {
		digits, ok := strings.CutPrefix(spec.pattern, prefix)
		if !ok {
			continue
		}
		n, err := parsePositive(digits)
		if err != nil {
			return columnSpec{}, fmt.Errorf("invalid column %q: pattern %q needs a positive number", s, spec.pattern)
		}
		spec.pattern, spec.n = prefix, n
		return spec, nil
	}
	return columnSpec{}, fmt.Errorf("invalid column %q: unknown pattern %q", s, spec.pattern)
}

// parsePositive parses a plain decimal number greater than zero. Signs are
// rejected.
func parsePositive(digits string) (int64, error) {
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, fmt.Errorf("not a number: %q", digits)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive: %d", n)
	}
	return n, nil
}

// value returns the value of row i, and false if the row is null.
func (spec columnSpec) value(rnd *rand.Rand, i int) (int64, bool) {
	switch spec.pattern {
	case "mod":
		return int64(i) % spec.n, true
	case "const":
		return 42, true
	case "random":
		return rnd.Int63(), true
	case "nulls":
		return int64(i), int64(i)%spec.n != 0
	default:
		return int64(i), true
	}
}

// synthesize builds a column of rows rows through an Arrow builder.
func synthesize(spec columnSpec, rows int, seed int64) (*columnar.ColumnDescriptor, error) {
	var (
		rnd   = rand.New(rand.NewSource(seed))
		mem   = memory.NewGoAllocator()
		arr   arrow.Array
		nulls = make([]bool, rows)
		vals  = make([]int64, rows)
	)
	for i := range vals {
		var ok bool
		vals[i], ok = spec.value(rnd, i)
		nulls[i] = !ok
	}

	switch spec.typ {
	case "int32":
		b := array.NewInt32Builder(mem)
		defer b.Release()
		for i, v := range vals {
			appendOrNull(b, nulls[i], func() { b.Append(int32(v)) })
		}
		arr = b.NewArray()
	case "int64":
		b := array.NewInt64Builder(mem)
		defer b.Release()
		for i, v := range vals {
			appendOrNull(b, nulls[i], func() { b.Append(v) })
		}
		arr = b.NewArray()
	case "float":
		b := array.NewFloat32Builder(mem)
		defer b.Release()
		for i, v := range vals {
			appendOrNull(b, nulls[i], func() { b.Append(float32(v) / 4) })
		}
		arr = b.NewArray()
	case "double":
		b := array.NewFloat64Builder(mem)
		defer b.Release()
		for i, v := range vals {
			appendOrNull(b, nulls[i], func() { b.Append(float64(v) / 4) })
		}
		arr = b.NewArray()
	case "bool":
		b := array.NewBooleanBuilder(mem)
		defer b.Release()
		for i, v := range vals {
			appendOrNull(b, nulls[i], func() { b.Append(v%2 == 1) })
		}
		arr = b.NewArray()
	case "string":
		b := array.NewStringBuilder(mem)
		defer b.Release()
		for i, v := range vals {
			appendOrNull(b, nulls[i], func() { b.Append("value-" + strconv.FormatInt(v, 10)) })
		}
		arr = b.NewArray()
	}
	defer arr.Release()

	col, err := columnar.FromArrow(spec.name, arr)
	if err != nil {
		return nil, err
	}
	// Fixed-width columns share the array's buffers.
	col.Values = append([]byte(nil), col.Values...)
	return col, nil
}

func appendOrNull(b array.Builder, null bool, appendValue func()) {
	if null {
		b.AppendNull()
		return
	}
	appendValue()
}
