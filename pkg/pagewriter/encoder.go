// Package pagewriter encodes in-memory columns into Parquet column chunks.
//
// Encoding runs as a sequence of passes over a RecordBatch. Each pass works
// on independent groups (a fragment, a chunk or a page) and every group is
// processed by a small set of cooperating goroutines:
//
//  1. fragment statistics and fragment dictionaries;
//  2. chunk dictionaries and the dictionary decision;
//  3. page planning and buffer allocation;
//  4. page data encoding;
//  5. compression through a [Compressor];
//  6. the per-chunk compression decision;
//  7. page headers;
//  8. gathering each chunk's pages into one contiguous buffer.
package pagewriter

import (
	"context"
	"errors"
	"fmt"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/pagewriter/pkg/columnar"
	"github.com/grafana/pagewriter/pkg/compression"
)

var errNoCompressor = errors.New("a compressor is required when a codec is configured")

// Compressor compresses batches of jobs. Failures of individual jobs are
// reported through their Status; a returned error aborts encoding.
type Compressor interface {
	Compress(ctx context.Context, codec compression.Codec, jobs []*compression.Job) error
}

// Encoder turns record batches into encoded column chunks. An Encoder holds
// no per-batch state and may be used for multiple batches concurrently.
type Encoder struct {
	cfg        Config
	compressor Compressor
	logger     log.Logger
	metrics    *encoderMetrics
	reg        prometheus.Registerer

	clock quartz.Clock
}

// NewEncoder creates a new Encoder. compressor may be nil if cfg.Codec is
// [compression.None]. Metrics are registered with reg if it is non-nil.
func NewEncoder(cfg Config, compressor Compressor, logger log.Logger, reg prometheus.Registerer) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Codec != compression.None && compressor == nil {
		return nil, errNoCompressor
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	metrics := newEncoderMetrics()
	if reg != nil {
		if err := metrics.register(reg); err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	return &Encoder{
		cfg:        cfg,
		compressor: compressor,
		logger:     logger,
		metrics:    metrics,
		reg:        reg,
		clock:      quartz.NewReal(),
	}, nil
}

// UnregisterMetrics unregisters the Encoder's metrics from the registerer it
// was created with.
func (e *Encoder) UnregisterMetrics() {
	if e.reg != nil {
		e.metrics.unregister(e.reg)
	}
}

// Encode encodes every column of batch. The DictIndex and DictData buffers
// of the batch's columns are used as scratch space and allocated if nil.
//
// Encode returns an error only if ctx is canceled or the compressor fails;
// compression failures of single pages make the affected chunks fall back
// to uncompressed pages.
func (e *Encoder) Encode(ctx context.Context, batch *columnar.RecordBatch) (*Result, error) {
	res := &Result{
		Batch:     batch,
		Fragments: make([][]Fragment, batch.NumCols()),
	}
	if batch.NumRows() == 0 {
		return res, nil
	}

	lanes := e.cfg.LanesPerGroup
	fragments := e.initFragments(res)
	e.initChunks(res)

	if err := e.runPass(ctx, "fragments", len(fragments), func(i int) {
		f := fragments[i]
		buildFragment(batch.Column(f.column), &res.Fragments[f.column][f.index], lanes)
	}); err != nil {
		return nil, err
	}

	if err := e.runPass(ctx, "dictionary", len(res.Chunks), func(i int) {
		chunk := &res.Chunks[i]
		buildChunkDictionary(batch.Column(chunk.Column), chunk, e.cfg.MaxDictionaryEntries)
	}); err != nil {
		return nil, err
	}

	plans := make([]pagePlan, len(res.Chunks))
	if err := e.runPass(ctx, "plan", len(res.Chunks), func(i int) {
		chunk := &res.Chunks[i]
		col := batch.Column(chunk.Column)
		plans[i] = planChunk(chunk, i, col.LevelBits, int(e.cfg.MaxPageSize), chunk.codec)
	}); err != nil {
		return nil, err
	}
	e.allocatePages(res, plans)

	jobs := make([]*compression.Job, len(res.Pages))
	if err := e.runPass(ctx, "data", len(res.Pages), func(i int) {
		p := &res.Pages[i]
		chunk := &res.Chunks[p.Chunk]
		jobs[i] = encodePageData(batch.Column(chunk.Column), chunk, p, lanes)
	}); err != nil {
		return nil, err
	}

	if e.cfg.Codec != compression.None {
		start := e.clock.Now()
		if err := e.compressor.Compress(ctx, e.cfg.Codec, jobs); err != nil {
			return nil, fmt.Errorf("compressing pages: %w", err)
		}
		e.metrics.observePass("compress", e.clock.Since(start))
	}

	fallbacks := make([]bool, len(res.Chunks))
	if err := e.runPass(ctx, "decide", len(res.Chunks), func(i int) {
		chunk := &res.Chunks[i]
		var chunkJobs []*compression.Job
		if e.cfg.Codec != compression.None {
			chunkJobs = jobs[chunk.FirstPage : chunk.FirstPage+chunk.NumPages]
		}
		fallbacks[i] = decideCompression(chunk, res.ChunkPages(i), chunkJobs)
	}); err != nil {
		return nil, err
	}

	if err := e.runPass(ctx, "header", len(res.Pages), func(i int) {
		p := &res.Pages[i]
		encodePageHeader(&res.Chunks[p.Chunk], p, e.cfg.PageChecksum)
	}); err != nil {
		return nil, err
	}

	if err := e.runPass(ctx, "gather", len(res.Chunks), func(i int) {
		gatherChunk(&res.Chunks[i], res.ChunkPages(i), lanes)
	}); err != nil {
		return nil, err
	}

	for i := range res.Chunks {
		e.report(batch, &res.Chunks[i], res.ChunkPages(i), fallbacks[i])
	}
	return res, nil
}

type fragmentRef struct {
	column, index int
}

// initFragments splits every column into fragments and allocates the
// dictionary scratch buffers of dictionary-eligible columns.
func (e *Encoder) initFragments(res *Result) []fragmentRef {
	var (
		batch = res.Batch
		rows  = batch.NumRows()
		per   = e.cfg.FragmentRows
		count = (rows + per - 1) / per
		refs  = make([]fragmentRef, 0, count*batch.NumCols())
	)

	for c := 0; c < batch.NumCols(); c++ {
		col := batch.Column(c)
		if col.DictionaryEligible() {
			if col.DictIndex == nil {
				col.DictIndex = make([]uint32, rows)
			}
			if col.DictData == nil {
				col.DictData = make([]uint32, rows)
			}
		}

		frags := make([]Fragment, count)
		for i := range frags {
			frags[i].RowStart = i * per
			frags[i].RowCount = min(per, rows-i*per)
			refs = append(refs, fragmentRef{column: c, index: i})
		}
		res.Fragments[c] = frags
	}
	return refs
}

// initChunks creates the column chunks of every row group, ordered by row
// group, then column.
func (e *Encoder) initChunks(res *Result) {
	var (
		batch     = res.Batch
		rows      = batch.NumRows()
		groupRows = e.cfg.RowGroupRows
		perGroup  = groupRows / e.cfg.FragmentRows
		groups    = (rows + groupRows - 1) / groupRows
	)

	res.Chunks = make([]ColumnChunk, 0, groups*batch.NumCols())
	for rg := 0; rg < groups; rg++ {
		for c := 0; c < batch.NumCols(); c++ {
			frags := res.Fragments[c]
			first := rg * perGroup
			res.Chunks = append(res.Chunks, ColumnChunk{
				Column:    c,
				RowGroup:  rg,
				RowStart:  rg * groupRows,
				RowCount:  min(groupRows, rows-rg*groupRows),
				Fragments: frags[first:min(first+perGroup, len(frags))],
				codec:     e.cfg.Codec,
			})
		}
	}
}

// allocatePages collects the planned pages of every chunk into res.Pages
// and allocates the chunks' page buffers.
func (e *Encoder) allocatePages(res *Result, plans []pagePlan) {
	var total int
	for _, plan := range plans {
		total += len(plan.pages)
	}

	res.Pages = make([]Page, 0, total)
	for i, plan := range plans {
		chunk := &res.Chunks[i]
		chunk.FirstPage = len(res.Pages)
		chunk.NumPages = len(plan.pages)
		res.Pages = append(res.Pages, plan.pages...)

		chunk.Uncompressed = make([]byte, plan.uncompressedSize)
		if plan.compressedSize > 0 {
			chunk.Compressed = make([]byte, plan.compressedSize)
		}
	}
}

// runPass runs fn for every group of a pass, bounded by the configured
// concurrency. Passes are separated by a cancellation check.
func (e *Encoder) runPass(ctx context.Context, name string, n int, fn func(i int)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := e.clock.Now()
	err := concurrency.ForEachJob(ctx, n, e.cfg.Concurrency, func(_ context.Context, i int) error {
		fn(i)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s pass: %w", name, err)
	}
	e.metrics.observePass(name, e.clock.Since(start))
	return nil
}

func (e *Encoder) report(batch *columnar.RecordBatch, chunk *ColumnChunk, pages []Page, fallback bool) {
	e.metrics.observeChunk(chunk, pages, fallback)

	col := batch.Column(chunk.Column)
	if fallback {
		level.Warn(e.logger).Log(
			"msg", "page compression failed, storing chunk uncompressed",
			"column", col.Name,
			"row_group", chunk.RowGroup,
			"codec", chunk.codec,
		)
	}

	level.Debug(e.logger).Log(
		"msg", "encoded column chunk",
		"column", col.Name,
		"row_group", chunk.RowGroup,
		"rows", chunk.RowCount,
		"pages", chunk.NumPages,
		"dictionary", chunk.UseDictionary,
		"dictionary_entries", len(chunk.Dictionary),
		"compressed", chunk.IsCompressed,
		"uncompressed_size", chunk.UncompressedTotal,
		"output_size", chunk.OutputSize,
	)
}
