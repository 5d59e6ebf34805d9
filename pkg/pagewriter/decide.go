package pagewriter

import "github.com/grafana/pagewriter/pkg/compression"

// decideCompression chooses whether chunk keeps its compressed pages. jobs
// holds the compression job of each page of the chunk, or is empty if no
// codec ran. It records IsCompressed, every page's CompressedSize and the
// chunk's BufferSize, and reports whether compression was abandoned because
// a job did not succeed.
func decideCompression(chunk *ColumnChunk, pages []Page, jobs []*compression.Job) (failed bool) {
	var uncompressed, compressed int
	for i := range pages {
		uncompressed += pages[i].DataSize
	}

	useCompressed := len(jobs) == len(pages) && len(jobs) > 0
	for _, job := range jobs {
		if job == nil || job.Status != compression.Success {
			useCompressed = false
			failed = true
			break
		}
		compressed += job.BytesWritten
	}
	if compressed >= uncompressed {
		useCompressed = false
	}

	chunk.IsCompressed = useCompressed
	chunk.BufferSize = 0
	for i := range pages {
		p := &pages[i]
		if useCompressed {
			p.CompressedSize = jobs[i].BytesWritten
		} else {
			p.CompressedSize = p.DataSize
		}
		chunk.BufferSize += p.CompressedSize
	}
	return failed
}
