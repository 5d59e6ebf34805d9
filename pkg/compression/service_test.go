package compression

import (
	"bytes"
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCodec(t *testing.T) {
	for _, c := range supportedCodecs {
		parsed, err := ParseCodec(c.String())
		require.NoError(t, err)
		require.Equal(t, c, parsed)
	}

	parsed, err := ParseCodec("ZSTD")
	require.NoError(t, err)
	require.Equal(t, Zstd, parsed)

	_, err = ParseCodec("brotli")
	require.EqualError(t, err, "invalid codec: brotli, supported: none, snappy, gzip, zstd, lz4")
}

func TestService_RoundTrip(t *testing.T) {
	svc, err := NewService(Options{Concurrency: 4})
	require.NoError(t, err)
	defer svc.Close()

	rnd := rand.New(rand.NewSource(42))
	inputs := [][]byte{
		{},
		bytes.Repeat([]byte("abcd"), 10_000),
		randomBytes(rnd, 70_000),
	}

	for _, codec := range supportedCodecs {
		t.Run(codec.String(), func(t *testing.T) {
			jobs := make([]*Job, len(inputs))
			for i, in := range inputs {
				jobs[i] = &Job{Src: in, Dst: make([]byte, MaxCompressedSize(codec, len(in)))}
			}
			require.NoError(t, svc.Compress(context.Background(), codec, jobs))

			for i, job := range jobs {
				require.Equal(t, Success, job.Status, "job %d", i)
				require.LessOrEqual(t, job.BytesWritten, len(job.Dst))

				actual, err := svc.Decompress(codec, nil, job.Dst[:job.BytesWritten], len(inputs[i]))
				require.NoError(t, err)
				require.Equal(t, len(inputs[i]), len(actual))
				require.True(t, bytes.Equal(inputs[i], actual), "job %d did not round trip", i)
			}

			if codec != None {
				require.Less(t, jobs[1].BytesWritten, len(inputs[1]), "repetitive input should shrink")
			}
		})
	}
}

func TestService_Overflow(t *testing.T) {
	svc, err := NewService(Options{})
	require.NoError(t, err)
	defer svc.Close()

	src := randomBytes(rand.New(rand.NewSource(1)), 4096)

	for _, codec := range supportedCodecs {
		t.Run(codec.String(), func(t *testing.T) {
			// Surround the destination with a guard region that must stay intact.
			region := make([]byte, 128)
			job := &Job{Src: src, Dst: region[:64]}
			require.NoError(t, svc.Compress(context.Background(), codec, []*Job{job}))

			require.Equal(t, OutputOverflow, job.Status)
			require.Zero(t, job.BytesWritten)
			require.Equal(t, make([]byte, 64), region[64:])
		})
	}
}

func TestService_Canceled(t *testing.T) {
	svc, err := NewService(Options{})
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := &Job{Src: []byte("foo"), Dst: make([]byte, 16)}
	require.ErrorIs(t, svc.Compress(ctx, Snappy, []*Job{job}), context.Canceled)
}

func TestMaxCompressedSize(t *testing.T) {
	svc, err := NewService(Options{})
	require.NoError(t, err)
	defer svc.Close()

	rnd := rand.New(rand.NewSource(7))
	for _, size := range []int{0, 1, 100, 16 << 10, 200 << 10} {
		src := randomBytes(rnd, size)
		for _, codec := range supportedCodecs {
			job := &Job{Src: src, Dst: make([]byte, MaxCompressedSize(codec, size))}
			require.NoError(t, svc.Compress(context.Background(), codec, []*Job{job}))
			require.Equal(t, Success, job.Status, "%s must fit %d incompressible bytes", codec, size)
		}
	}
}

func randomBytes(rnd *rand.Rand, n int) []byte {
	buf := make([]byte, n)
	_, _ = rnd.Read(buf)
	return buf
}
