package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/parquet-go/parquet-go/encoding/thrift"
	"github.com/parquet-go/parquet-go/format"
)

// inspectCommand prints the pages of chunk files.
type inspectCommand struct {
	files *[]string
}

func (cmd *inspectCommand) run(_ *kingpin.ParseContext) error {
	for _, f := range *cmd.files {
		cmd.printPages(f)
	}
	return nil
}

type pageSummary struct {
	offset int
	header format.PageHeader
}

// readPages decodes the page headers of a chunk and skips over their data.
func readPages(buf []byte) ([]pageSummary, error) {
	var (
		pages []pageSummary
		r     = bytes.NewReader(buf)
		d     = thrift.NewDecoder(new(thrift.CompactProtocol).NewReader(r))
	)
	for r.Len() > 0 {
		p := pageSummary{offset: len(buf) - r.Len()}
		if err := d.Decode(&p.header); err != nil {
			return pages, fmt.Errorf("decoding page header at offset %d: %w", p.offset, err)
		}
		size := int(p.header.CompressedPageSize)
		if size < 0 || size > r.Len() {
			return pages, fmt.Errorf("page at offset %d: data of %d bytes exceeds chunk", p.offset, size)
		}
		if _, err := r.Seek(int64(size), io.SeekCurrent); err != nil {
			return pages, err
		}
		pages = append(pages, p)
	}
	return pages, nil
}

func (cmd *inspectCommand) printPages(name string) {
	buf, err := os.ReadFile(name)
	if err != nil {
		exitWithErr(fmt.Errorf("failed to read file: %w", err))
	}
	pages, err := readPages(buf)
	if err != nil {
		exitWithErr(fmt.Errorf("%s: %w", name, err))
	}

	var uncompressed, compressed int64
	for _, p := range pages {
		uncompressed += int64(p.header.UncompressedPageSize)
		compressed += int64(p.header.CompressedPageSize)
	}

	bold := color.New(color.Bold)
	bold.Printf("%s: %d pages, %v\n", name, len(pages), humanize.Bytes(uint64(len(buf))))
	fmt.Printf("\tpage data: %v uncompressed, %v stored\n", humanize.Bytes(uint64(uncompressed)), humanize.Bytes(uint64(compressed)))

	for _, p := range pages {
		h := &p.header
		switch {
		case h.DictionaryPageHeader != nil:
			fmt.Printf(
				"\t\toffset: %d, type: %s, entries: %d, encoding: %s, %v uncompressed, %v stored\n",
				p.offset, h.Type, h.DictionaryPageHeader.NumValues, h.DictionaryPageHeader.Encoding,
				humanize.Bytes(uint64(h.UncompressedPageSize)), humanize.Bytes(uint64(h.CompressedPageSize)),
			)
		case h.DataPageHeader != nil:
			fmt.Printf(
				"\t\toffset: %d, type: %s, rows: %d, encoding: %s, levels: %s, %v uncompressed, %v stored\n",
				p.offset, h.Type, h.DataPageHeader.NumValues, h.DataPageHeader.Encoding, h.DataPageHeader.DefinitionLevelEncoding,
				humanize.Bytes(uint64(h.UncompressedPageSize)), humanize.Bytes(uint64(h.CompressedPageSize)),
			)
		default:
			fmt.Printf("\t\toffset: %d, type: %s\n", p.offset, h.Type)
		}
		if h.CRC != 0 {
			fmt.Printf("\t\t\tcrc: %08x\n", uint32(h.CRC))
		}
	}
}

func addInspectCommand(app *kingpin.Application) {
	cmd := &inspectCommand{}
	inspect := app.Command("inspect", "Print the pages of column chunk files.").Action(cmd.run)
	cmd.files = inspect.Arg("file", "The chunk files to inspect.").Required().ExistingFiles()
}
