// Package metrics holds the service's Prometheus collectors. Ambient
// observability, not excluded by any Non-goal, so it's carried the way the
// rest of the pack instruments HTTP services: client_golang counters
// registered once at process start and exposed at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BlobWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kilnd_blob_writes_total",
		Help: "Blob store write attempts, partitioned by outcome.",
	}, []string{"outcome"}) // written, skipped, error

	BlobReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kilnd_blob_reads_total",
		Help: "Blob store read attempts, partitioned by outcome.",
	}, []string{"outcome"}) // hit, miss

	UnitSaves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kilnd_unit_saves_total",
		Help: "Unit metadata records accepted by save requests.",
	})

	UnitRestores = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kilnd_unit_restores_total",
		Help: "Unit metadata records returned by restore requests.",
	})

	BulkBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kilnd_bulk_bytes_in_total",
		Help: "Decompressed bytes accepted via bulk write.",
	})

	BulkBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kilnd_bulk_bytes_out_total",
		Help: "Decompressed bytes served via bulk read.",
	})
)
