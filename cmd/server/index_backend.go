package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"conduitnet.ai/internal/persistence/indexdb"
	"conduitnet.ai/internal/persistence/snapshot"
	"conduitnet.ai/internal/sim/driver"
	"conduitnet.ai/internal/sim/layout"
	"conduitnet.ai/internal/sim/tuning"
)

type runtimeIndex interface {
	driver.TickLogger
	Close() error
	UpsertConfig(tune tuning.Tuning, doc layout.Doc) error
	RecordSnapshot(path string, snap snapshot.SnapshotV1)
}

func openRuntimeIndex(netDir, networkID string, disableDB bool, logger *log.Logger) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("CN_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		idx, err := indexdb.OpenSQLite(filepath.Join(netDir, "index", "network.sqlite"))
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "http":
		endpoint := strings.TrimSpace(os.Getenv("CN_INDEX_INGEST_URL"))
		if endpoint == "" {
			return nil, fmt.Errorf("CN_INDEX_BACKEND=http but CN_INDEX_INGEST_URL is empty")
		}
		idx, err := indexdb.OpenIngest(indexdb.IngestConfig{
			Endpoint:      endpoint,
			Token:         strings.TrimSpace(os.Getenv("CN_INDEX_TOKEN")),
			NetworkID:     networkID,
			BatchSize:     envInt("CN_INDEX_BATCH_SIZE", 128),
			FlushInterval: time.Duration(envInt("CN_INDEX_FLUSH_MS", 500)) * time.Millisecond,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("unsupported CN_INDEX_BACKEND: %s", backend)
	}
}

// registerIndexMetrics exposes the index queue on the driver's registry.
func registerIndexMetrics(reg prometheus.Registerer, idx runtimeIndex) {
	gauge := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: "conduitnet", Subsystem: "index", Name: name, Help: help}, fn)
	}
	counter := func(name, help string, fn func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: "conduitnet", Subsystem: "index", Name: name, Help: help}, fn)
	}
	switch x := idx.(type) {
	case *indexdb.SQLiteIndex:
		reg.MustRegister(
			gauge("queue_depth", "Index writer backlog.", func() float64 { return float64(x.Stats().QueueDepth) }),
			counter("dropped_ticks_total", "Tick rows dropped because the writer fell behind.", func() float64 { return float64(x.Stats().DropTickTotal) }),
			counter("write_errors_total", "Index transactions that failed.", func() float64 { return float64(x.Stats().WriteErrorTotal) }),
		)
	case *indexdb.IngestIndex:
		reg.MustRegister(
			gauge("queue_depth", "Index writer backlog.", func() float64 { return float64(x.Stats().QueueDepth) }),
			counter("dropped_events_total", "Events dropped because the queue was full.", func() float64 { return float64(x.Stats().QueueDroppedTotal) }),
			counter("flush_failures_total", "Batches that failed to reach the ingest endpoint.", func() float64 { return float64(x.Stats().FlushFailTotal) }),
		)
	}
}

// multiTickLogger reports only the primary logger's error; the rest are best effort.
type multiTickLogger struct {
	primary driver.TickLogger
	rest    []driver.TickLogger
}

func (m multiTickLogger) WriteTick(entry driver.TickEntry) error {
	var err error
	if m.primary != nil {
		err = m.primary.WriteTick(entry)
	}
	for _, l := range m.rest {
		_ = l.WriteTick(entry)
	}
	return err
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
