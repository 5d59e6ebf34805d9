// Package rle implements the hybrid run-length/bit-packing encoding used for
// definition levels and dictionary indices.
//
// A stream is a sequence of runs. A repeated run is written as
//
//	<uvarint(count << 1)> <value in ceil(width/8) little-endian bytes>
//
// and a literal run as
//
//	<byte(groups << 1 | 1)> <groups*width bytes of bit-packed values>
//
// where each group holds 8 values packed LSB-first.
package rle

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

const (
	// groupWidth is the number of lanes evaluated per run-detection window.
	groupWidth = 128

	// maxLiteralGroups keeps the literal header in a single byte.
	maxLiteralGroups = 0x3f
	maxLiteralValues = maxLiteralGroups * 8

	// withheldValues is the number of trailing values kept back when not
	// flushing, so that a run continuing into future input is not cut short.
	withheldValues = 24

	// repeatMinAfterLiteral is the run length needed to break an open literal
	// run (unless the literal has less capacity left than that).
	repeatMinAfterLiteral = 16

	minRepeat = 8
)

// MaxEncodedSize returns an upper bound of the number of bytes needed to
// encode n values of the given bit width.
func MaxEncodedSize(n, width int) int {
	return ((n+7)/8)*(max(width, 2)+1) + 1
}

// Encoder incrementally encodes values into a fixed output region. Values
// are added with [Encoder.Append] and turned into runs by [Encoder.Encode],
// which may be called any number of times as more input arrives.
//
// Encoder is the page-local state of one stream; it holds the unterminated
// run, the consumption cursor and the number of values consumed so far.
type Encoder struct {
	width int
	mask  uint32

	pending []uint32 // Values not yet assigned to a run start at pending[pos].
	pos     int

	consumed int // Values assigned to runs across all calls.

	repeatLen int // Length of the open repeated run; 0 if none.
	repeatVal uint32

	literalLen    int // Values in the open literal run; 0 if none.
	literalHeader int // Output offset of the open literal run's header byte.

	out []byte
	n   int

	// ballot is the shared run-detection bitmap for one window: bit i is set
	// when lane i found its value equal to the value of lane i+1.
	ballot [groupWidth / 32]uint32
}

// NewEncoder returns an Encoder writing values of the given bit width into
// out. NewEncoder panics if width is not in [1, 16].
func NewEncoder(out []byte, width int) *Encoder {
	var enc Encoder
	enc.Reset(out, width)
	return &enc
}

// Reset discards all state and makes enc write into out. This permits
// reusing an Encoder rather than allocating a new one.
func (enc *Encoder) Reset(out []byte, width int) {
	if width < 1 || width > 16 {
		panic(fmt.Sprintf("rle: unsupported bit width %d", width))
	}

	enc.width = width
	enc.mask = uint32(1)<<width - 1
	enc.pending = enc.pending[:0]
	enc.pos = 0
	enc.consumed = 0
	enc.repeatLen = 0
	enc.repeatVal = 0
	enc.literalLen = 0
	enc.literalHeader = 0
	enc.out = out
	enc.n = 0
}

// Append adds values to the logical sequence. Values are masked to the
// encoder's bit width.
func (enc *Encoder) Append(values ...uint32) {
	for _, v := range values {
		enc.pending = append(enc.pending, v&enc.mask)
	}
}

// Len returns the number of bytes written so far.
func (enc *Encoder) Len() int { return enc.n }

// Bytes returns the bytes written so far.
func (enc *Encoder) Bytes() []byte { return enc.out[:enc.n] }

// Consumed returns the number of values assigned to runs so far.
func (enc *Encoder) Consumed() int { return enc.consumed }

// Encode turns pending values into runs. When flush is false, Encode may
// keep back trailing values whose run cannot be decided yet. When flush is
// true, every pending value is written out and all runs are terminated.
//
// Encode panics if the output region is too small; callers reserve space
// with [MaxEncodedSize].
func (enc *Encoder) Encode(flush bool) {
	defer enc.compact()

	for {
		if enc.repeatLen > 0 {
			n := enc.matchRepeat()
			enc.repeatLen += n
			enc.pos += n
			enc.consumed += n

			switch {
			case enc.pos < len(enc.pending):
				enc.closeRepeat()
				continue
			case flush:
				enc.closeRepeat()
			}
			return
		}

		avail := len(enc.pending) - enc.pos
		if avail == 0 {
			enc.closeLiteralIf(flush)
			return
		}

		window := min(avail, groupWidth)
		enc.vote(window)

		if r, ok := enc.scan(window); ok {
			// Everything before r can't start a run; it joins the literal.
			enc.commitLiteral(r)

			start := enc.pos
			runLen := enc.runLength(start)

			threshold := minRepeat
			if enc.literalLen > 0 {
				threshold = max(minRepeat, min(maxLiteralValues-enc.literalLen, repeatMinAfterLiteral))
			}

			if runLen >= threshold {
				enc.closeLiteral()
				enc.repeatVal = enc.pending[start]
				enc.repeatLen = minRepeat
				enc.pos += minRepeat
				enc.consumed += minRepeat
				continue
			}
			if start+runLen == len(enc.pending) && !flush {
				// The run may still grow past the threshold.
				return
			}

			enc.commitLiteral(minRepeat)
			continue
		}

		n := window &^ 7
		if !flush {
			n = min(n, (avail-withheldValues)&^7)
			if n <= 0 {
				return
			}
		} else if n == 0 {
			enc.commitPartial(avail)
			enc.closeLiteral()
			return
		}
		enc.commitLiteral(n)
	}
}

// vote fills the ballot bitmap for the next window of lanes. Lane i compares
// pending[pos+i] with its neighbour pending[pos+i+1].
func (enc *Encoder) vote(window int) {
	clear(enc.ballot[:])

	end := len(enc.pending)
	for lane := 0; lane < window; lane++ {
		at := enc.pos + lane
		if at+1 < end && enc.pending[at] == enc.pending[at+1] {
			enc.ballot[lane/32] |= 1 << (lane % 32)
		}
	}
}

// scan is run by the designated lane: it looks for the first offset aligned
// to 8 values where 8 consecutive values are equal (7 neighbour equalities).
func (enc *Encoder) scan(window int) (int, bool) {
	for r := 0; r+minRepeat <= window; r += 8 {
		word := enc.ballot[r/32] >> (r % 32)
		if word&0x7f == 0x7f {
			return r, true
		}
	}
	return 0, false
}

// runLength returns the number of consecutive values equal to
// pending[start], starting at start.
func (enc *Encoder) runLength(start int) int {
	v := enc.pending[start]
	n := 1
	for start+n < len(enc.pending) && enc.pending[start+n] == v {
		n++
	}
	return n
}

// matchRepeat counts pending values equal to the open run's value, one
// window of lanes at a time.
func (enc *Encoder) matchRepeat() int {
	var matched int
	for {
		at := enc.pos + matched
		window := min(len(enc.pending)-at, groupWidth)
		if window <= 0 {
			return matched
		}

		clear(enc.ballot[:])
		for lane := 0; lane < window; lane++ {
			if enc.pending[at+lane] == enc.repeatVal {
				enc.ballot[lane/32] |= 1 << (lane % 32)
			}
		}

		for w := 0; w*32 < window; w++ {
			lanes := min(window-w*32, 32)
			ones := bits.TrailingZeros32(^enc.ballot[w])
			if ones < lanes {
				return matched + ones
			}
			matched += lanes
		}
	}
}

// commitLiteral appends n pending values (a multiple of 8) to the open
// literal run, splitting the run when it reaches its maximum length.
func (enc *Encoder) commitLiteral(n int) {
	for ; n >= 8; n -= 8 {
		if enc.literalLen == 0 {
			enc.literalHeader = enc.n
			enc.reserve(1)
			enc.n++
		}

		enc.pack(enc.pending[enc.pos : enc.pos+8])
		enc.pos += 8
		enc.consumed += 8
		enc.literalLen += 8

		if enc.literalLen == maxLiteralValues {
			enc.closeLiteral()
		}
	}
}

// commitPartial appends the final n < 8 values as a zero-padded group.
func (enc *Encoder) commitPartial(n int) {
	var group [8]uint32
	copy(group[:], enc.pending[enc.pos:enc.pos+n])

	if enc.literalLen == 0 {
		enc.literalHeader = enc.n
		enc.reserve(1)
		enc.n++
	}
	enc.pack(group[:])
	enc.pos += n
	enc.consumed += n
	enc.literalLen += 8
}

// pack bit-packs a group of 8 values LSB-first.
func (enc *Encoder) pack(group []uint32) {
	enc.reserve(enc.width)

	var (
		acc   uint64
		nbits int
	)
	for _, v := range group {
		acc |= uint64(v) << nbits
		nbits += enc.width
		for nbits >= 8 {
			enc.out[enc.n] = byte(acc)
			enc.n++
			acc >>= 8
			nbits -= 8
		}
	}
}

func (enc *Encoder) closeLiteralIf(flush bool) {
	if flush {
		enc.closeLiteral()
	}
}

func (enc *Encoder) closeLiteral() {
	if enc.literalLen == 0 {
		return
	}
	enc.out[enc.literalHeader] = byte((enc.literalLen/8)<<1 | 1)
	enc.literalLen = 0
}

func (enc *Encoder) closeRepeat() {
	var hdr [binary.MaxVarintLen64]byte
	sz := binary.PutUvarint(hdr[:], uint64(enc.repeatLen)<<1)

	valueBytes := (enc.width + 7) / 8
	enc.reserve(sz + valueBytes)

	enc.n += copy(enc.out[enc.n:], hdr[:sz])
	enc.out[enc.n] = byte(enc.repeatVal)
	if valueBytes > 1 {
		enc.out[enc.n+1] = byte(enc.repeatVal >> 8)
	}
	enc.n += valueBytes

	enc.repeatLen = 0
}

func (enc *Encoder) reserve(n int) {
	if enc.n+n > len(enc.out) {
		panic(fmt.Sprintf("rle: output region overflow: need %d bytes, have %d", enc.n+n, len(enc.out)))
	}
}

// compact drops values that were already assigned to runs.
func (enc *Encoder) compact() {
	if enc.pos == 0 {
		return
	}
	rest := copy(enc.pending, enc.pending[enc.pos:])
	enc.pending = enc.pending[:rest]
	enc.pos = 0
}
