package pagewriter

import (
	"errors"
	"flag"

	"github.com/grafana/dskit/flagext"

	"github.com/grafana/pagewriter/pkg/compression"
)

// maxDictionaryEntries is the largest dictionary whose indices fit the 16-bit
// RLE encoder.
const maxDictionaryEntries = 1 << 16

// Config configures an [Encoder].
type Config struct {
	// FragmentRows is the number of rows of a column summarized by one
	// fragment. Page boundaries always fall on fragment boundaries.
	FragmentRows int `yaml:"fragment_rows"`

	// RowGroupRows is the number of rows per row group. It must be a multiple
	// of FragmentRows.
	RowGroupRows int `yaml:"row_group_rows"`

	// MaxPageSize is the page size budget before encoding overhead and
	// compression. Pages in the tail of a chunk get a smaller budget.
	MaxPageSize flagext.Bytes `yaml:"max_page_size"`

	// MaxDictionaryEntries caps the chunk dictionary. Chunks with more unique
	// values fall back to plain encoding.
	MaxDictionaryEntries int `yaml:"max_dictionary_entries"`

	Codec        compression.Codec `yaml:"codec"`
	PageChecksum bool              `yaml:"page_checksum"`

	// Concurrency is the number of fragments, chunks or pages processed at
	// once by each pass.
	Concurrency int `yaml:"concurrency"`

	// LanesPerGroup is the number of goroutines cooperating on one fragment
	// or page.
	LanesPerGroup int `yaml:"lanes_per_group"`
}

// RegisterFlags registers flags with the "pagewriter." prefix.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("pagewriter.", f)
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	_ = cfg.MaxPageSize.Set("512KB")
	cfg.Codec = compression.Snappy

	f.IntVar(&cfg.FragmentRows, prefix+"fragment-rows", 5000, "Number of rows summarized by a fragment.")
	f.IntVar(&cfg.RowGroupRows, prefix+"row-group-rows", 1_000_000, "Number of rows per row group. Must be a multiple of the fragment rows.")
	f.Var(&cfg.MaxPageSize, prefix+"max-page-size", "Size budget of an encoded page before compression.")
	f.IntVar(&cfg.MaxDictionaryEntries, prefix+"max-dictionary-entries", maxDictionaryEntries, "Maximum number of entries in a chunk dictionary.")
	f.Var(&cfg.Codec, prefix+"codec", "Compression codec for pages. Supported: "+compression.SupportedCodecs()+".")
	f.BoolVar(&cfg.PageChecksum, prefix+"page-checksum", false, "Write a CRC32 of the page data into each page header.")
	f.IntVar(&cfg.Concurrency, prefix+"concurrency", 8, "Number of fragments, chunks or pages encoded concurrently.")
	f.IntVar(&cfg.LanesPerGroup, prefix+"lanes-per-group", 4, "Number of goroutines cooperating on a single fragment or page.")
}

// Validate validates the Config.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.FragmentRows <= 0 {
		errs = append(errs, errors.New("FragmentRows must be greater than 0"))
	} else if cfg.RowGroupRows <= 0 || cfg.RowGroupRows%cfg.FragmentRows != 0 {
		errs = append(errs, errors.New("RowGroupRows must be a positive multiple of FragmentRows"))
	}

	if cfg.MaxPageSize <= 0 {
		errs = append(errs, errors.New("MaxPageSize must be greater than 0"))
	}

	if cfg.MaxDictionaryEntries <= 0 || cfg.MaxDictionaryEntries > maxDictionaryEntries {
		errs = append(errs, errors.New("MaxDictionaryEntries must be greater than 0 and at most 65536"))
	}

	if _, err := compression.ParseCodec(cfg.Codec.String()); err != nil {
		errs = append(errs, err)
	}

	if cfg.Concurrency <= 0 {
		errs = append(errs, errors.New("Concurrency must be greater than 0"))
	}
	if cfg.LanesPerGroup <= 0 || cfg.LanesPerGroup > 1024 {
		errs = append(errs, errors.New("LanesPerGroup must be greater than 0 and at most 1024"))
	}

	return errors.Join(errs...)
}
