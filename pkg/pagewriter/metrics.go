package pagewriter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type encoderMetrics struct {
	chunksTotal           prometheus.Counter
	dictionaryChunksTotal prometheus.Counter
	compressedChunksTotal prometheus.Counter
	compressionFallbacks  prometheus.Counter // Chunks stored uncompressed after a failed job.

	pagesTotal *prometheus.CounterVec

	uncompressedBytes prometheus.Counter
	outputBytes       prometheus.Counter

	passDuration *prometheus.HistogramVec
}

func newEncoderMetrics() *encoderMetrics {
	return &encoderMetrics{
		chunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewriter_chunks_total",
			Help: "Total number of column chunks encoded.",
		}),
		dictionaryChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewriter_dictionary_chunks_total",
			Help: "Total number of column chunks encoded with a dictionary.",
		}),
		compressedChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewriter_compressed_chunks_total",
			Help: "Total number of column chunks stored compressed.",
		}),
		compressionFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewriter_compression_fallbacks_total",
			Help: "Total number of column chunks stored uncompressed because a page failed to compress.",
		}),
		pagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pagewriter_pages_total",
			Help: "Total number of pages encoded, by page type.",
		}, []string{"type"}),
		uncompressedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewriter_uncompressed_bytes_total",
			Help: "Total size of encoded pages before compression, including headers.",
		}),
		outputBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pagewriter_output_bytes_total",
			Help: "Total size of gathered column chunks.",
		}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "pagewriter_pass_duration_seconds",
			Help: "Time spent in each encoding pass.",

			Buckets:                         prometheus.DefBuckets,
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"pass"}),
	}
}

func (m *encoderMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.chunksTotal,
		m.dictionaryChunksTotal,
		m.compressedChunksTotal,
		m.compressionFallbacks,
		m.pagesTotal,
		m.uncompressedBytes,
		m.outputBytes,
		m.passDuration,
	}
}

func (m *encoderMetrics) register(reg prometheus.Registerer) error {
	for _, collector := range m.collectors() {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

func (m *encoderMetrics) unregister(reg prometheus.Registerer) {
	for _, collector := range m.collectors() {
		reg.Unregister(collector)
	}
}

func (m *encoderMetrics) observeChunk(chunk *ColumnChunk, pages []Page, fallback bool) {
	m.chunksTotal.Inc()
	if chunk.UseDictionary {
		m.dictionaryChunksTotal.Inc()
	}
	if chunk.IsCompressed {
		m.compressedChunksTotal.Inc()
	}
	if fallback {
		m.compressionFallbacks.Inc()
	}
	for _, p := range pages {
		m.pagesTotal.WithLabelValues(p.Type.String()).Inc()
	}
	m.uncompressedBytes.Add(float64(chunk.UncompressedTotal))
	m.outputBytes.Add(float64(chunk.OutputSize))
}

func (m *encoderMetrics) observePass(pass string, d time.Duration) {
	m.passDuration.WithLabelValues(pass).Observe(d.Seconds())
}
