package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v2"

	"github.com/grafana/pagewriter/pkg/columnar"
	"github.com/grafana/pagewriter/pkg/compression"
	"github.com/grafana/pagewriter/pkg/pagewriter"
)

// encodeCommand encodes a synthetic table and writes one file per column
// chunk.
type encodeCommand struct {
	configFile *string
	rows       *int
	seed       *int64
	output     *string
	columns    *[]string
	logLevel   *string
}

func (cmd *encodeCommand) run(_ *kingpin.ParseContext) error {
	logger := newLogger(*cmd.logLevel)

	cfg, err := loadConfig(*cmd.configFile)
	if err != nil {
		exitWithErr(err)
	}

	cols := make([]*columnar.ColumnDescriptor, 0, len(*cmd.columns))
	for i, s := range *cmd.columns {
		spec, err := parseColumnSpec(s)
		if err != nil {
			exitWithErr(err)
		}
		col, err := synthesize(spec, *cmd.rows, *cmd.seed+int64(i))
		if err != nil {
			exitWithErr(fmt.Errorf("failed to build column %s: %w", spec.name, err))
		}
		cols = append(cols, col)
	}
	batch, err := columnar.NewRecordBatch(*cmd.rows, cols)
	if err != nil {
		exitWithErr(err)
	}

	svc, err := compression.NewService(compression.Options{Concurrency: cfg.Concurrency})
	if err != nil {
		exitWithErr(err)
	}
	defer svc.Close()

	enc, err := pagewriter.NewEncoder(cfg, svc, logger, prometheus.NewRegistry())
	if err != nil {
		exitWithErr(err)
	}

	start := time.Now()
	res, err := enc.Encode(context.Background(), batch)
	if err != nil {
		exitWithErr(fmt.Errorf("failed to encode: %w", err))
	}
	level.Info(logger).Log("msg", "encoded batch", "rows", batch.NumRows(), "columns", batch.NumCols(), "chunks", len(res.Chunks), "duration", time.Since(start))

	if err := os.MkdirAll(*cmd.output, 0o755); err != nil {
		exitWithErr(err)
	}
	bar := progressbar.NewOptions(len(res.Chunks),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("Writing chunks"),
	)
	for i := range res.Chunks {
		chunk := &res.Chunks[i]
		name := filepath.Join(*cmd.output, fmt.Sprintf("rg%d_%s.chunk", chunk.RowGroup, batch.Column(chunk.Column).Name))
		if err := os.WriteFile(name, chunk.Output, 0o644); err != nil {
			exitWithErr(fmt.Errorf("failed to write chunk: %w", err))
		}
		bar.Add(1) // nolint:errcheck
	}
	bar.Finish() // nolint:errcheck
	fmt.Fprintln(os.Stderr)

	printEncodeStats(res)
	return nil
}

func loadConfig(path string) (pagewriter.Config, error) {
	var cfg pagewriter.Config
	flagext.DefaultValues(&cfg)

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func printEncodeStats(res *pagewriter.Result) {
	bold := color.New(color.Bold)

	rowGroup := -1
	for i := range res.Chunks {
		chunk := &res.Chunks[i]
		col := res.Batch.Column(chunk.Column)

		if chunk.RowGroup != rowGroup {
			rowGroup = chunk.RowGroup
			bold.Printf("Row group %d:\n", rowGroup)
		}

		encoding := "plain"
		if chunk.UseDictionary {
			encoding = fmt.Sprintf("dictionary (%d entries, %d bits)", len(chunk.Dictionary), chunk.DictIndexBits)
		}
		fmt.Printf(
			"\t%s (%s): %d rows, %d pages, %s, codec %s, %v uncompressed, %v written\n",
			col.Name,
			col.PhysicalType,
			chunk.RowCount,
			chunk.NumPages,
			encoding,
			chunk.Codec(),
			humanize.Bytes(uint64(chunk.UncompressedTotal)),
			humanize.Bytes(uint64(chunk.OutputSize)),
		)
	}
}

func addEncodeCommand(app *kingpin.Application) {
	cmd := &encodeCommand{}
	encode := app.Command("encode", "Encode a synthetic table into column chunks.").Action(cmd.run)
	cmd.configFile = encode.Flag("config.file", "YAML file with the encoder configuration.").String()
	cmd.rows = encode.Flag("rows", "Number of rows to generate.").Default("100000").Int()
	cmd.seed = encode.Flag("seed", "Seed for random columns.").Default("1").Int64()
	cmd.output = encode.Flag("output", "Directory to write chunk files to.").Default("chunks").String()
	cmd.logLevel = encode.Flag("log.level", "Log level: debug, info, warn or error.").Default("info").String()
	cmd.columns = encode.Flag("column", "Column as name:type:pattern. Types: int32, int64, float, double, bool, string. Patterns: seq, mod<N>, const, random, nulls<N>.").Required().Strings()
}
