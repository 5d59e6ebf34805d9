package rle

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Decode reads count values of the given bit width from src, appending them
// to dst. It returns the extended slice and the number of bytes of src that
// were consumed.
//
// Values from a trailing padded literal group beyond count are dropped.
func Decode(dst []uint32, src []byte, width, count int) ([]uint32, int, error) {
	if width < 1 || width > 16 {
		return dst, 0, fmt.Errorf("unsupported bit width %d", width)
	}

	var (
		want       = len(dst) + count
		valueBytes = (width + 7) / 8
		mask       = uint64(1)<<width - 1
		i          int
	)

	for len(dst) < want {
		if i >= len(src) {
			return dst, i, fmt.Errorf("reading run header after %d of %d values: %w", len(dst)-(want-count), count, io.ErrUnexpectedEOF)
		}

		header, n := binary.Uvarint(src[i:])
		if n <= 0 {
			return dst, i, fmt.Errorf("invalid run header at offset %d", i)
		}
		i += n

		if header&1 == 1 {
			groups := int(header >> 1)
			size := groups * width
			if i+size > len(src) {
				return dst, i, fmt.Errorf("reading literal run of %d groups: %w", groups, io.ErrUnexpectedEOF)
			}

			var (
				acc   uint64
				nbits int
				in    = src[i : i+size]
			)
			for v := 0; v < groups*8; v++ {
				for nbits < width {
					acc |= uint64(in[0]) << nbits
					in = in[1:]
					nbits += 8
				}
				if len(dst) < want {
					dst = append(dst, uint32(acc&mask))
				}
				acc >>= width
				nbits -= width
			}
			i += size
			continue
		}

		runLen := int(header >> 1)
		if i+valueBytes > len(src) {
			return dst, i, fmt.Errorf("reading repeated run value: %w", io.ErrUnexpectedEOF)
		}
		v := uint32(src[i])
		if valueBytes > 1 {
			v |= uint32(src[i+1]) << 8
		}
		i += valueBytes

		for range min(runLen, want-len(dst)) {
			dst = append(dst, v)
		}
	}

	return dst, i, nil
}
