package columnar

import (
	"errors"
	"fmt"
)

// RecordBatch is a set of columns sharing the same number of rows.
type RecordBatch struct {
	nrows int
	cols  []*ColumnDescriptor
}

// NewRecordBatch returns a RecordBatch of nrows rows over cols. Every column
// must hold exactly nrows rows.
func NewRecordBatch(nrows int, cols []*ColumnDescriptor) (*RecordBatch, error) {
	var errs []error
	for _, col := range cols {
		if col.NumRows != nrows {
			errs = append(errs, fmt.Errorf("column %q has %d rows, batch has %d", col.Name, col.NumRows, nrows))
			continue
		}
		if err := col.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &RecordBatch{nrows: nrows, cols: cols}, nil
}

func (rb *RecordBatch) NumRows() int { return rb.nrows }

func (rb *RecordBatch) NumCols() int { return len(rb.cols) }

func (rb *RecordBatch) Column(i int) *ColumnDescriptor { return rb.cols[i] }
