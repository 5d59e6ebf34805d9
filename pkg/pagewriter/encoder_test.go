package pagewriter

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/parquet-go/parquet-go/encoding/thrift"
	"github.com/parquet-go/parquet-go/format"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/grafana/pagewriter/pkg/columnar"
	"github.com/grafana/pagewriter/pkg/compression"
	"github.com/grafana/pagewriter/pkg/pagewriter/internal/rle"
)

func testConfig() Config {
	var cfg Config
	flagext.DefaultValues(&cfg)
	cfg.FragmentRows = 100
	cfg.RowGroupRows = 1000
	cfg.Codec = compression.None
	return cfg
}

func newTestService(t *testing.T) *compression.Service {
	t.Helper()
	svc, err := compression.NewService(compression.Options{Concurrency: 4})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func encodeBatch(t *testing.T, cfg Config, compressor Compressor, cols ...*columnar.ColumnDescriptor) *Result {
	t.Helper()

	batch, err := columnar.NewRecordBatch(cols[0].NumRows, cols)
	require.NoError(t, err)

	enc, err := NewEncoder(cfg, compressor, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	res, err := enc.Encode(context.Background(), batch)
	require.NoError(t, err)
	return res
}

type testPage struct {
	header format.PageHeader
	offset int
	stored []byte
	data   []byte // Decompressed page data.
}

// readChunk walks the gathered output of chunk with an independent compact
// protocol decoder.
func readChunk(t *testing.T, svc *compression.Service, chunk *ColumnChunk) []testPage {
	t.Helper()

	var (
		pages []testPage
		r     = bytes.NewReader(chunk.Output)
		d     = thrift.NewDecoder(new(thrift.CompactProtocol).NewReader(r))
	)
	for r.Len() > 0 {
		p := testPage{offset: len(chunk.Output) - r.Len()}
		require.NoError(t, d.Decode(&p.header))

		p.stored = make([]byte, p.header.CompressedPageSize)
		_, err := io.ReadFull(r, p.stored)
		require.NoError(t, err)

		p.data, err = svc.Decompress(chunk.Codec(), nil, p.stored, int(p.header.UncompressedPageSize))
		require.NoError(t, err)
		require.Len(t, p.data, int(p.header.UncompressedPageSize))

		pages = append(pages, p)
	}
	return pages
}

func TestEncoder_DictionaryColumn(t *testing.T) {
	values := make([]int32, 1000)
	for i := range values {
		values[i] = int32(i % 3)
	}

	res := encodeBatch(t, testConfig(), nil, columnar.NewFixedColumn("mod3", values, nil))
	require.Len(t, res.Chunks, 1)

	chunk := &res.Chunks[0]
	require.True(t, chunk.UseDictionary)
	require.False(t, chunk.IsCompressed)
	require.Less(t, chunk.OutputSize, 4000/4)
	require.Equal(t, 0, chunk.DictionaryPageOffset)

	pages := readChunk(t, nil, chunk)
	require.Len(t, pages, 2)

	dict := pages[0]
	require.Equal(t, format.DictionaryPage, dict.header.Type)
	require.Equal(t, int32(3), dict.header.DictionaryPageHeader.NumValues)
	require.Equal(t, format.Plain, dict.header.DictionaryPageHeader.Encoding)
	require.Equal(t, []byte{0, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0}, dict.data)

	data := pages[1]
	require.Equal(t, chunk.DataPageOffset, data.offset)
	require.Equal(t, format.DataPage, data.header.Type)
	require.Equal(t, int32(1000), data.header.DataPageHeader.NumValues)
	require.Equal(t, format.PlainDictionary, data.header.DataPageHeader.Encoding)
	require.Equal(t, format.RLE, data.header.DataPageHeader.DefinitionLevelEncoding)

	// Required column: no definition levels, bit width then indices.
	require.Equal(t, byte(2), data.data[0])
	indices, n, err := rle.Decode(nil, data.data[1:], 2, 1000)
	require.NoError(t, err)
	require.Equal(t, len(data.data)-1, n)
	for i, v := range indices {
		require.Equal(t, uint32(i%3), v)
	}
}

func TestEncoder_PlainNullable(t *testing.T) {
	const rows = 3000

	values := make([]int64, rows)
	valid := make([]bool, rows)
	for i := range values {
		values[i] = int64(i) * 1_000_003
		valid[i] = i%7 != 0
	}

	cfg := testConfig()
	cfg.RowGroupRows = rows
	cfg.MaxPageSize = 4 << 10

	res := encodeBatch(t, cfg, nil, columnar.NewFixedColumn("seq", values, valid))
	require.Len(t, res.Chunks, 1)

	chunk := &res.Chunks[0]
	require.False(t, chunk.UseDictionary)
	require.Equal(t, -1, chunk.DictionaryPageOffset)
	require.Equal(t, 0, chunk.DataPageOffset)

	pages := readChunk(t, nil, chunk)
	require.Greater(t, len(pages), 1)
	require.Len(t, pages, chunk.NumPages)

	row := 0
	for i, p := range pages {
		desc := res.ChunkPages(0)[i]
		require.Equal(t, format.Plain, p.header.DataPageHeader.Encoding)
		require.Equal(t, int32(desc.RowCount), p.header.DataPageHeader.NumValues)
		require.LessOrEqual(t, desc.DataSize, desc.MaxDataSize)

		length := int(binary.LittleEndian.Uint32(p.data))
		levels, _, err := rle.Decode(nil, p.data[4:4+length], 1, desc.RowCount)
		require.NoError(t, err)

		plain := p.data[4+length:]
		require.Len(t, plain, 8*desc.NumValues)

		for _, level := range levels {
			require.Equal(t, valid[row], level == 1, "row %d", row)
			if level == 1 {
				require.Equal(t, uint64(values[row]), binary.LittleEndian.Uint64(plain))
				plain = plain[8:]
			}
			row++
		}
	}
	require.Equal(t, rows, row)
}

func TestEncoder_Boolean(t *testing.T) {
	values := []bool{true, false, true, true, false, false, false, true, true, true}
	valid := []bool{true, true, false, true, true, true, true, true, true, true}

	res := encodeBatch(t, testConfig(), nil, columnar.NewBoolColumn("flags", values, valid))
	pages := readChunk(t, nil, &res.Chunks[0])
	require.Len(t, pages, 1)

	data := pages[0].data
	length := int(binary.LittleEndian.Uint32(data))

	// Non-null values: 1 0 1 0 0 0 1 1 1, packed LSB-first.
	require.Equal(t, []byte{0b11000101, 0b1}, data[4+length:])
}

func TestEncoder_LaneCountsAgree(t *testing.T) {
	const rows = 2500

	strs := make([][]byte, rows)
	ints := make([]int32, rows)
	for i := range strs {
		if i%11 != 0 {
			strs[i] = []byte(fmt.Sprintf("service-%d", (i*7)%23))
		}
		ints[i] = int32(i / 3)
	}

	var reference [][]byte
	for _, lanes := range []int{1, 2, 5, 16} {
		cfg := testConfig()
		cfg.LanesPerGroup = lanes
		cfg.MaxPageSize = 2 << 10

		res := encodeBatch(t, cfg, nil,
			columnar.NewBytesColumn("service", strs, nil),
			columnar.NewFixedColumn("id", ints, nil),
		)

		var outputs [][]byte
		for _, chunk := range res.Chunks {
			outputs = append(outputs, chunk.Output)
		}
		if reference == nil {
			reference = outputs
			continue
		}
		require.Equal(t, reference, outputs, "lanes=%d", lanes)
	}
}

func TestEncoder_RowGroups(t *testing.T) {
	valid := make([]bool, 2500)
	for i := range valid {
		valid[i] = i%3 != 0
	}
	cols := []*columnar.ColumnDescriptor{
		columnar.NewFixedColumn("a", make([]int32, 2500), nil),
		columnar.NewFixedColumn("b", make([]float32, 2500), nil),
		columnar.NewFixedColumn("c", make([]int64, 2500), valid),
	}
	res := encodeBatch(t, testConfig(), nil, cols...)

	require.Len(t, res.Fragments, 3)
	for col, frags := range res.Fragments {
		require.Len(t, frags, 25)
		for _, frag := range frags {
			require.LessOrEqual(t, frag.NonNullCount, frag.RowCount)
			if col == 2 {
				require.Less(t, frag.NonNullCount, frag.RowCount)
			} else {
				require.Equal(t, frag.RowCount, frag.NonNullCount)
			}
		}
	}
	require.Len(t, res.Chunks, 9)

	for i, chunk := range res.Chunks {
		require.Equal(t, i/3, chunk.RowGroup)
		require.Equal(t, i%3, chunk.Column)
		require.Equal(t, 1000*(i/3), chunk.RowStart)
		require.Equal(t, min(1000, 2500-chunk.RowStart), chunk.RowCount)

		var fragRows int
		for _, frag := range chunk.Fragments {
			fragRows += frag.RowCount
		}
		require.Equal(t, chunk.RowCount, fragRows)

		var rows int
		for _, p := range res.ChunkPages(i) {
			require.Equal(t, i, p.Chunk)
			if p.Type == DataPage {
				rows += p.RowCount
			}
		}
		require.Equal(t, chunk.RowCount, rows)
	}
}

func TestEncoder_Compressed(t *testing.T) {
	const rows = 4000

	strs := make([][]byte, rows)
	for i := range strs {
		strs[i] = []byte(fmt.Sprintf("level=info msg=\"request served\" path=/api/v1/%d", i))
	}
	svc := newTestService(t)

	plainCfg := testConfig()
	plainCfg.RowGroupRows = rows
	plainCfg.MaxPageSize = 16 << 10
	plain := encodeBatch(t, plainCfg, nil, columnar.NewBytesColumn("line", strs, nil))
	plainPages := readChunk(t, svc, &plain.Chunks[0])

	for _, codec := range []compression.Codec{compression.Snappy, compression.Gzip, compression.Zstd, compression.LZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			cfg := plainCfg
			cfg.Codec = codec

			res := encodeBatch(t, cfg, svc, columnar.NewBytesColumn("line", strs, nil))
			chunk := &res.Chunks[0]
			require.True(t, chunk.IsCompressed)
			require.Equal(t, codec, chunk.Codec())
			require.Less(t, chunk.BufferSize, plain.Chunks[0].BufferSize)
			require.Less(t, chunk.CompressedTotal, chunk.UncompressedTotal)
			require.Equal(t, chunk.OutputSize, chunk.CompressedTotal)

			pages := readChunk(t, svc, chunk)
			require.Len(t, pages, len(plainPages))
			for i := range pages {
				require.Equal(t, plainPages[i].data, pages[i].data, "page %d", i)
				require.Equal(t, int32(res.Pages[i].CompressedSize), pages[i].header.CompressedPageSize)
			}
		})
	}
}

func TestEncoder_Checksum(t *testing.T) {
	cfg := testConfig()
	cfg.PageChecksum = true
	cfg.Codec = compression.Snappy

	values := make([]int64, 1000)
	for i := range values {
		values[i] = int64(i % 10)
	}
	svc := newTestService(t)
	res := encodeBatch(t, cfg, svc, columnar.NewFixedColumn("x", values, nil))

	pages := readChunk(t, svc, &res.Chunks[0])
	for i, p := range pages {
		require.Equal(t, int32(crc32.ChecksumIEEE(p.stored)), p.header.CRC)
		require.Equal(t, crc32.ChecksumIEEE(p.stored), res.Pages[i].CRC)
	}
}

type failingCompressor struct {
	*compression.Service
	fail int // Index of the job to fail.
}

func (c failingCompressor) Compress(ctx context.Context, codec compression.Codec, jobs []*compression.Job) error {
	if err := c.Service.Compress(ctx, codec, jobs); err != nil {
		return err
	}
	jobs[c.fail].Status = compression.Failure
	return nil
}

func TestEncoder_CompressionFallback(t *testing.T) {
	cfg := testConfig()
	cfg.Codec = compression.Zstd

	strs := make([][]byte, 2000)
	for i := range strs {
		strs[i] = bytes.Repeat([]byte{'a' + byte(i%26)}, 40)
	}

	batch, err := columnar.NewRecordBatch(len(strs), []*columnar.ColumnDescriptor{
		columnar.NewBytesColumn("s", strs, nil),
	})
	require.NoError(t, err)

	svc := newTestService(t)
	reg := prometheus.NewRegistry()
	enc, err := NewEncoder(cfg, failingCompressor{Service: svc, fail: 0}, log.NewNopLogger(), reg)
	require.NoError(t, err)
	defer enc.UnregisterMetrics()

	res, err := enc.Encode(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, res.Chunks, 2)

	// The first page belongs to the first chunk only.
	require.False(t, res.Chunks[0].IsCompressed)
	require.True(t, res.Chunks[1].IsCompressed)
	require.Equal(t, res.Chunks[0].UncompressedTotal, res.Chunks[0].CompressedTotal)

	require.Equal(t, 1.0, testutil.ToFloat64(enc.metrics.compressionFallbacks))
	require.Equal(t, 2.0, testutil.ToFloat64(enc.metrics.chunksTotal))
	require.Equal(t, 1.0, testutil.ToFloat64(enc.metrics.compressedChunksTotal))

	readChunk(t, svc, &res.Chunks[0])
	readChunk(t, svc, &res.Chunks[1])
}

// slowCompressor advances a mock clock while compressing.
type slowCompressor struct {
	*compression.Service
	clock *quartz.Mock
	d     time.Duration
}

func (c slowCompressor) Compress(ctx context.Context, codec compression.Codec, jobs []*compression.Job) error {
	c.clock.Advance(c.d).MustWait(ctx)
	return c.Service.Compress(ctx, codec, jobs)
}

func TestEncoder_PassDuration(t *testing.T) {
	cfg := testConfig()
	cfg.Codec = compression.Snappy

	batch, err := columnar.NewRecordBatch(500, []*columnar.ColumnDescriptor{
		columnar.NewFixedColumn("x", make([]int64, 500), nil),
	})
	require.NoError(t, err)

	clock := quartz.NewMock(t)
	enc, err := NewEncoder(cfg, slowCompressor{Service: newTestService(t), clock: clock, d: 2 * time.Second}, log.NewNopLogger(), nil)
	require.NoError(t, err)
	enc.clock = clock

	_, err = enc.Encode(context.Background(), batch)
	require.NoError(t, err)

	compress := histogramOf(t, enc.metrics.passDuration, "compress")
	require.Equal(t, uint64(1), compress.GetSampleCount())
	require.Equal(t, 2.0, compress.GetSampleSum())

	// Passes that do not touch the clock observe no time.
	data := histogramOf(t, enc.metrics.passDuration, "data")
	require.Equal(t, uint64(1), data.GetSampleCount())
	require.Zero(t, data.GetSampleSum())
}

func histogramOf(t *testing.T, vec *prometheus.HistogramVec, pass string) *dto.Histogram {
	t.Helper()
	var m dto.Metric
	require.NoError(t, vec.WithLabelValues(pass).(prometheus.Metric).Write(&m))
	return m.GetHistogram()
}

func TestEncoder_Canceled(t *testing.T) {
	batch, err := columnar.NewRecordBatch(10, []*columnar.ColumnDescriptor{
		columnar.NewFixedColumn("x", make([]int32, 10), nil),
	})
	require.NoError(t, err)

	enc, err := NewEncoder(testConfig(), nil, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = enc.Encode(ctx, batch)
	require.ErrorIs(t, err, context.Canceled)
}

func TestEncoder_EmptyBatch(t *testing.T) {
	batch, err := columnar.NewRecordBatch(0, []*columnar.ColumnDescriptor{
		columnar.NewFixedColumn("x", []int32{}, nil),
	})
	require.NoError(t, err)

	enc, err := NewEncoder(testConfig(), nil, nil, nil)
	require.NoError(t, err)

	res, err := enc.Encode(context.Background(), batch)
	require.NoError(t, err)
	require.Empty(t, res.Chunks)
	require.Empty(t, res.Pages)
}

func TestNewEncoder_Errors(t *testing.T) {
	cfg := testConfig()
	cfg.Codec = compression.Snappy
	_, err := NewEncoder(cfg, nil, nil, nil)
	require.ErrorIs(t, err, errNoCompressor)

	cfg = testConfig()
	cfg.RowGroupRows = 150
	_, err = NewEncoder(cfg, nil, nil, nil)
	require.Error(t, err)
}
