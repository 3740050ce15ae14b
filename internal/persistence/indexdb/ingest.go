package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"conduitnet.ai/internal/persistence/snapshot"
	"conduitnet.ai/internal/sim/driver"
	"conduitnet.ai/internal/sim/layout"
	"conduitnet.ai/internal/sim/tuning"
)

// IngestConfig points an IngestIndex at an HTTP endpoint that accepts
// batches of index events as {"events": [...]}.
type IngestConfig struct {
	Endpoint      string
	Token         string
	NetworkID     string
	BatchSize     int
	QueueSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

// IngestIndex ships the same rows as SQLiteIndex to a remote collector.
type IngestIndex struct {
	cfg        IngestConfig
	httpClient *http.Client
	logLimit   *rate.Limiter

	ch   chan ingestEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropped   atomic.Uint64
	flushOK   atomic.Uint64
	flushFail atomic.Uint64
}

type IngestStats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	QueueDroppedTotal uint64 `json:"queue_dropped_total"`
	FlushOKTotal      uint64 `json:"flush_ok_total"`
	FlushFailTotal    uint64 `json:"flush_fail_total"`
}

type ingestEvent struct {
	Kind      string `json:"kind"`
	NetworkID string `json:"network_id"`
	Payload   any    `json:"payload"`
}

type ingestTickPayload struct {
	Tick        uint64 `json:"tick"`
	Digest      string `json:"digest"`
	Extractions int    `json:"extractions"`
	Succeeded   int    `json:"succeeded"`
	Moved       int    `json:"moved"`
}

type ingestTransferPayload struct {
	Tick   uint64 `json:"tick"`
	Seq    int    `json:"seq"`
	From   string `json:"from"`
	To     string `json:"to"`
	Fluid  string `json:"fluid"`
	Amount int    `json:"amount"`
}

type ingestSnapshotPayload struct {
	Tick         uint64 `json:"tick"`
	Path         string `json:"path"`
	Reservoirs   int    `json:"reservoirs"`
	Ports        int    `json:"ports"`
	InvalidPorts int    `json:"invalid_ports"`
	Stored       int    `json:"stored"`
}

type ingestConfigPayload struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	JSON      string `json:"json"`
	UpdatedAt string `json:"updated_at"`
}

func OpenIngest(cfg IngestConfig) (*IngestIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.NetworkID = strings.TrimSpace(cfg.NetworkID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.NetworkID == "" {
		return nil, fmt.Errorf("empty network id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32768
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	d := &IngestIndex{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		logLimit:   rate.NewLimiter(rate.Every(10*time.Second), 1),
		ch:         make(chan ingestEvent, cfg.QueueSize),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *IngestIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *IngestIndex) Stats() IngestStats {
	return IngestStats{
		QueueDepth:        len(d.ch),
		QueueCapacity:     cap(d.ch),
		QueueDroppedTotal: d.dropped.Load(),
		FlushOKTotal:      d.flushOK.Load(),
		FlushFailTotal:    d.flushFail.Load(),
	}
}

func (d *IngestIndex) WriteTick(entry driver.TickEntry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	d.enqueue(ingestEvent{Kind: "tick", NetworkID: d.cfg.NetworkID, Payload: ingestTickPayload{
		Tick:        entry.Tick,
		Digest:      entry.Digest,
		Extractions: entry.Extractions,
		Succeeded:   entry.Succeeded,
		Moved:       entry.Moved,
	}})
	for i, tr := range entry.Transfers {
		d.enqueue(ingestEvent{Kind: "transfer", NetworkID: d.cfg.NetworkID, Payload: ingestTransferPayload{
			Tick:   entry.Tick,
			Seq:    i,
			From:   tr.From,
			To:     tr.To,
			Fluid:  string(tr.Fluid),
			Amount: tr.Amount,
		}})
	}
	return nil
}

func (d *IngestIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if d == nil || d.closed.Load() {
		return
	}
	p := ingestSnapshotPayload{
		Tick:       snap.Header.Tick,
		Path:       path,
		Reservoirs: len(snap.Reservoirs),
		Ports:      len(snap.Ports),
	}
	for _, pv := range snap.Ports {
		if !pv.Valid {
			p.InvalidPorts++
		}
	}
	for _, rv := range snap.Reservoirs {
		for _, tk := range rv.Tanks {
			p.Stored += tk.Amount
		}
	}
	d.enqueue(ingestEvent{Kind: "snapshot", NetworkID: d.cfg.NetworkID, Payload: p})
}

func (d *IngestIndex) UpsertConfig(tune tuning.Tuning, doc layout.Doc) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	rows, err := configRows(tune, doc)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range rows {
		d.enqueue(ingestEvent{Kind: "config", NetworkID: d.cfg.NetworkID, Payload: ingestConfigPayload{
			Name:      r.name,
			Digest:    r.digest,
			JSON:      string(r.json),
			UpdatedAt: now,
		}})
	}
	return nil
}

func (d *IngestIndex) enqueue(ev ingestEvent) {
	select {
	case d.ch <- ev:
	default:
		n := d.dropped.Add(1)
		if d.logLimit != nil && d.logLimit.Allow() {
			d.printf("ingest index queue full; drop kind=%s network=%s dropped=%d", ev.Kind, ev.NetworkID, n)
		}
	}
}

func (d *IngestIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ingestEvent, 0, d.cfg.BatchSize)
	// A failed batch is kept and retried on the next flush; new events are
	// appended behind it.
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.flushFail.Add(1)
			d.printf("ingest index flush failed batch=%d err=%v", len(batch), err)
			if over := len(batch) - d.cfg.QueueSize; over > 0 {
				d.dropped.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		d.flushOK.Add(1)
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *IngestIndex) sendBatch(events []ingestEvent) error {
	body := struct {
		Events []ingestEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-conduitnet-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *IngestIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
