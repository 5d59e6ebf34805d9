// Package compression provides the block codecs used to compress pages, and
// a service compressing batches of pages concurrently.
package compression

import (
	"fmt"
	"strings"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Codec identifies a block compression codec. Values match the Parquet
// CompressionCodec ids.
type Codec int32

const (
	None   Codec = 0
	Snappy Codec = 1
	Gzip   Codec = 2
	Zstd   Codec = 6
	LZ4    Codec = 7 // LZ4_RAW: the block format without framing.
)

var supportedCodecs = []Codec{None, Snappy, Gzip, Zstd, LZ4}

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Codec(%d)", int32(c))
	}
}

// ParseCodec parses a codec name, case-insensitively.
func ParseCodec(s string) (Codec, error) {
	for _, c := range supportedCodecs {
		if strings.EqualFold(c.String(), s) {
			return c, nil
		}
	}
	return None, errors.Errorf("invalid codec: %s, supported: %s", s, SupportedCodecs())
}

// SupportedCodecs returns the list of supported codec names.
func SupportedCodecs() string {
	var sb strings.Builder
	for i, c := range supportedCodecs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.String())
	}
	return sb.String()
}

// Set implements flag.Value.
func (c *Codec) Set(s string) error {
	parsed, err := ParseCodec(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Codec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return c.Set(s)
}

// MarshalYAML implements the yaml.Marshaler interface.
func (c Codec) MarshalYAML() (interface{}, error) {
	return c.String(), nil
}

// MaxCompressedSize returns an upper bound on the size of n bytes compressed
// with c. MaxCompressedSize panics on an unknown codec.
func MaxCompressedSize(c Codec, n int) int {
	switch c {
	case None:
		return n
	case Snappy:
		return snappy.MaxEncodedLen(n)
	case LZ4:
		return lz4.CompressBlockBound(n)
	case Zstd:
		// ZSTD_COMPRESSBOUND.
		bound := n + n>>8
		if n < 128<<10 {
			bound += (128<<10 - n) >> 11
		}
		return bound
	case Gzip:
		// Stored deflate blocks of up to 16KiB cost 5 bytes each, plus the gzip
		// header and trailer.
		return n + 5*(n>>14+2) + 18
	default:
		panic(fmt.Sprintf("invalid codec: %d, supported: %s", c, SupportedCodecs()))
	}
}
