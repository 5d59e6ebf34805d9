package compression

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/sync/errgroup"
)

// Status is the outcome of a compression Job.
type Status int

const (
	Success Status = iota
	Failure
	OutputOverflow
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case OutputOverflow:
		return "output overflow"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// A Job is a single compression request. Dst is the destination region; its
// length is the capacity available to the compressor.
type Job struct {
	Src []byte
	Dst []byte

	BytesWritten int
	Status       Status
}

var errOverflow = errors.New("compressed output exceeds destination capacity")

// Options customizes a Service.
type Options struct {
	// Concurrency is the maximum number of jobs compressed at once. Values
	// below 1 run jobs sequentially.
	Concurrency int

	// Zstd holds options for the zstd encoder.
	Zstd []zstd.EOption

	// GzipLevel is the gzip compression level. Zero selects the default level.
	GzipLevel int
}

// Service compresses batches of jobs. Compression failures are reported
// through each Job's Status; a Service is safe for concurrent use.
type Service struct {
	opts Options

	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder

	gzipWriters    sync.Pool
	lz4Compressors sync.Pool
}

// NewService creates a new Service.
func NewService(opts Options) (*Service, error) {
	if opts.GzipLevel == 0 {
		opts.GzipLevel = gzip.DefaultCompression
	}
	if _, err := gzip.NewWriterLevel(io.Discard, opts.GzipLevel); err != nil {
		return nil, fmt.Errorf("invalid gzip level: %w", err)
	}

	zstdEnc, err := zstd.NewWriter(nil, opts.Zstd...)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	zstdDec, err := zstd.NewReader(nil)
	if err != nil {
		zstdEnc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s := &Service{opts: opts, zstdEnc: zstdEnc, zstdDec: zstdDec}
	s.gzipWriters.New = func() any {
		gw, _ := gzip.NewWriterLevel(nil, s.opts.GzipLevel)
		return gw
	}
	s.lz4Compressors.New = func() any { return new(lz4.Compressor) }
	return s, nil
}

// Close releases the resources held by the Service.
func (s *Service) Close() {
	_ = s.zstdEnc.Close()
	s.zstdDec.Close()
}

// Compress compresses every job with codec, running up to
// Options.Concurrency jobs at once. Compress only returns an error if ctx
// is canceled or codec is unknown; per-job failures are recorded in
// Job.Status.
func (s *Service) Compress(ctx context.Context, codec Codec, jobs []*Job) error {
	compress, err := s.compressFunc(codec)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.opts.Concurrency, 1))

	for _, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			n, err := compress(job.Dst, job.Src)
			switch {
			case errors.Is(err, errOverflow):
				job.BytesWritten, job.Status = 0, OutputOverflow
			case err != nil:
				job.BytesWritten, job.Status = 0, Failure
			default:
				job.BytesWritten, job.Status = n, Success
			}
			return nil
		})
	}

	return g.Wait()
}

type compressFunc func(dst, src []byte) (int, error)

func (s *Service) compressFunc(codec Codec) (compressFunc, error) {
	switch codec {
	case None:
		return func(dst, src []byte) (int, error) {
			if len(src) > len(dst) {
				return 0, errOverflow
			}
			return copy(dst, src), nil
		}, nil
	case Snappy:
		return func(dst, src []byte) (int, error) {
			return place(dst, snappy.Encode(dst, src))
		}, nil
	case Zstd:
		return func(dst, src []byte) (int, error) {
			// Cap dst so that the encoder never appends past the region.
			return place(dst, s.zstdEnc.EncodeAll(src, dst[:0:len(dst)]))
		}, nil
	case Gzip:
		return s.compressGzip, nil
	case LZ4:
		return s.compressLZ4, nil
	default:
		return nil, fmt.Errorf("invalid codec: %d, supported: %s", codec, SupportedCodecs())
	}
}

func (s *Service) compressGzip(dst, src []byte) (int, error) {
	gw := s.gzipWriters.Get().(*gzip.Writer)
	defer s.gzipWriters.Put(gw)

	fw := fixedWriter{buf: dst}
	gw.Reset(&fw)
	if _, err := gw.Write(src); err != nil {
		return 0, err
	}
	if err := gw.Close(); err != nil {
		return 0, err
	}
	return fw.n, nil
}

func (s *Service) compressLZ4(dst, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	if len(dst) < lz4.CompressBlockBound(len(src)) {
		return 0, errOverflow
	}

	c := s.lz4Compressors.Get().(*lz4.Compressor)
	defer s.lz4Compressors.Put(c)

	n, err := c.CompressBlock(src, dst)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(src) > 0 {
		return 0, errOverflow
	}
	return n, nil
}

// Decompress decompresses src, which was compressed with codec, appending
// the result to dst[:0]. size is the expected decompressed size.
func (s *Service) Decompress(codec Codec, dst, src []byte, size int) ([]byte, error) {
	dst = dst[:0]

	switch codec {
	case None:
		return append(dst, src...), nil

	case Snappy:
		if n, err := snappy.DecodedLen(src); err != nil {
			return nil, err
		} else if cap(dst) < n {
			dst = make([]byte, 0, n)
		}
		return snappy.Decode(dst[:cap(dst)], src)

	case Zstd:
		return s.zstdDec.DecodeAll(src, dst)

	case Gzip:
		gr, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, err
		}
		defer gr.Close()

		buf := bytes.NewBuffer(dst)
		if _, err := io.Copy(buf, gr); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case LZ4:
		if len(src) == 0 {
			return dst, nil
		}
		if cap(dst) < size {
			dst = make([]byte, 0, size)
		}
		n, err := lz4.UncompressBlock(src, dst[:size])
		if err != nil {
			return nil, err
		}
		return dst[:n], nil

	default:
		return nil, fmt.Errorf("invalid codec: %d, supported: %s", codec, SupportedCodecs())
	}
}

// place makes sure out ends up at the start of dst. Codecs given a large
// enough destination write into it directly; otherwise they allocate and the
// result is copied if it fits.
func place(dst, out []byte) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	if len(out) > len(dst) {
		return 0, errOverflow
	}
	if &dst[0] == &out[0] {
		return len(out), nil
	}
	return copy(dst, out), nil
}

// fixedWriter is an io.Writer over a fixed-capacity buffer.
type fixedWriter struct {
	buf []byte
	n   int
}

func (w *fixedWriter) Write(p []byte) (int, error) {
	if w.n+len(p) > len(w.buf) {
		return 0, errOverflow
	}
	w.n += copy(w.buf[w.n:], p)
	return len(p), nil
}
