package driver

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"conduitnet.ai/internal/sim/conduit"
	"conduitnet.ai/internal/sim/fluid"
)

var ErrStopped = errors.New("driver stopped")

type Config struct {
	TickRateHz         int
	SnapshotEveryTicks int
	Logger             *log.Logger
}

// TransferRecord is one committed target fill, flattened for logs and indexes.
type TransferRecord struct {
	Tick   uint64   `json:"tick"`
	From   string   `json:"from"`
	To     string   `json:"to"`
	Fluid  fluid.ID `json:"fluid"`
	Amount int      `json:"amount"`
}

type TickEntry struct {
	Tick        uint64           `json:"tick"`
	NetworkID   string           `json:"network_id"`
	Extractions int              `json:"extractions"`
	Succeeded   int              `json:"succeeded"`
	Moved       int              `json:"moved"`
	Transfers   []TransferRecord `json:"transfers,omitempty"`
	Digest      string           `json:"digest"`
}

type TickLogger interface {
	WriteTick(entry TickEntry) error
}

type TransferLogger interface {
	WriteTransfer(rec TransferRecord) error
}

type execReq struct {
	fn   func(tick uint64)
	done chan struct{}
}

// Driver owns a network and steps it on a fixed tick. All network access goes
// through the loop goroutine; other goroutines use Exec.
type Driver struct {
	cfg Config
	net *conduit.Network

	tick    atomic.Uint64
	pending []TransferRecord

	tickLogger     TickLogger
	transferLogger TransferLogger
	onSnapshot     func(tick uint64)

	metrics *Metrics
	latest  atomic.Pointer[TickEntry]

	subMu   sync.Mutex
	subs    map[int]chan TickEntry
	nextSub int

	exec     chan execReq
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	runOnce  sync.Once
}

// New takes over the network's transfer hook.
func New(net *conduit.Network, cfg Config) *Driver {
	if cfg.TickRateHz <= 0 {
		cfg.TickRateHz = 20
	}
	d := &Driver{
		cfg:     cfg,
		net:     net,
		metrics: NewMetrics(net.ID()),
		subs:    map[int]chan TickEntry{},
		exec:    make(chan execReq, 16),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	net.SetOnTransfer(d.record)
	d.metrics.Ports.Set(float64(net.Len()))
	return d
}

func (d *Driver) SetTickLogger(l TickLogger)         { d.tickLogger = l }
func (d *Driver) SetTransferLogger(l TransferLogger) { d.transferLogger = l }

// SetSnapshotHook registers fn to run on the loop goroutine every
// SnapshotEveryTicks ticks, with the tick the snapshot resumes at.
func (d *Driver) SetSnapshotHook(fn func(tick uint64)) { d.onSnapshot = fn }

func (d *Driver) Network() *conduit.Network { return d.net }
func (d *Driver) Metrics() *Metrics         { return d.metrics }
func (d *Driver) CurrentTick() uint64       { return d.tick.Load() }
func (d *Driver) TickRateHz() int           { return d.cfg.TickRateHz }

// SetTick positions the driver, used when resuming from a snapshot.
func (d *Driver) SetTick(t uint64) {
	d.tick.Store(t)
	d.metrics.CurrentTick.Set(float64(t))
}

// Latest returns the most recent tick entry without touching the loop.
func (d *Driver) Latest() (TickEntry, bool) {
	e := d.latest.Load()
	if e == nil {
		return TickEntry{}, false
	}
	return *e, true
}

// Subscribe returns a channel that receives every tick entry. Slow readers
// miss entries rather than stall the loop.
func (d *Driver) Subscribe(buf int) (<-chan TickEntry, func()) {
	if buf <= 0 {
		buf = 1
	}
	ch := make(chan TickEntry, buf)
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.subMu.Lock()
			delete(d.subs, id)
			d.subMu.Unlock()
			close(ch)
		})
	}
}

func (d *Driver) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Exec runs fn on the loop goroutine between ticks and waits for it. A request
// already queued when ctx expires still runs.
func (d *Driver) Exec(ctx context.Context, fn func(tick uint64)) error {
	r := execReq{fn: fn, done: make(chan struct{})}
	select {
	case d.exec <- r:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}
}

func (d *Driver) Run(ctx context.Context) error {
	ran := false
	d.runOnce.Do(func() { ran = true })
	if !ran {
		return errors.New("driver already ran")
	}
	defer close(d.stopped)

	interval := time.Second / time.Duration(d.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stop:
			return nil
		case r := <-d.exec:
			r.fn(d.tick.Load())
			close(r.done)
		case <-ticker.C:
			d.Step()
		}
	}
}

// Step advances one tick: every valid extract-capable port extracts once, in
// priority order with ties broken by key. Callers other than Run must not
// overlap with a running loop.
func (d *Driver) Step() TickEntry {
	start := time.Now()
	tick := d.tick.Load()
	d.pending = d.pending[:0]

	entry := TickEntry{Tick: tick, NetworkID: d.net.ID()}
	for _, p := range extractOrder(d.net.Ports()) {
		if !p.CanExtract || !p.IsValid() {
			continue
		}
		entry.Extractions++
		if d.net.ExtractFrom(p.Key) {
			entry.Succeeded++
			d.metrics.Extractions.WithLabelValues("ok").Inc()
		} else {
			d.metrics.Extractions.WithLabelValues("fail").Inc()
		}
	}
	if len(d.pending) > 0 {
		entry.Transfers = make([]TransferRecord, len(d.pending))
		copy(entry.Transfers, d.pending)
	}
	for i := range entry.Transfers {
		entry.Transfers[i].Tick = tick
		entry.Moved += entry.Transfers[i].Amount
		d.metrics.Moved.WithLabelValues(string(entry.Transfers[i].Fluid)).Add(float64(entry.Transfers[i].Amount))
	}
	entry.Digest = StateDigest(d.net)

	if d.tickLogger != nil {
		if err := d.tickLogger.WriteTick(entry); err != nil {
			d.printf("tick log (tick=%d): %v", tick, err)
		}
	}
	if d.transferLogger != nil {
		for _, rec := range entry.Transfers {
			if err := d.transferLogger.WriteTransfer(rec); err != nil {
				d.printf("transfer log (tick=%d): %v", tick, err)
				break
			}
		}
	}

	next := tick + 1
	d.tick.Store(next)
	if d.onSnapshot != nil && d.cfg.SnapshotEveryTicks > 0 && next%uint64(d.cfg.SnapshotEveryTicks) == 0 {
		d.onSnapshot(next)
	}

	d.latest.Store(&entry)
	d.publish(entry)

	d.metrics.Ticks.Inc()
	d.metrics.CurrentTick.Set(float64(next))
	d.metrics.Ports.Set(float64(d.net.Len()))
	d.metrics.TickDuration.Observe(time.Since(start).Seconds())
	return entry
}

func (d *Driver) record(tr conduit.Transfer) {
	d.pending = append(d.pending, TransferRecord{
		From:   tr.From.String(),
		To:     tr.To.String(),
		Fluid:  tr.Stack.Fluid,
		Amount: tr.Stack.Amount,
	})
}

func (d *Driver) publish(entry TickEntry) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

func (d *Driver) printf(format string, args ...any) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}

func extractOrder(ports []conduit.Port) []conduit.Port {
	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].Priority != ports[j].Priority {
			return ports[i].Priority > ports[j].Priority
		}
		return keyLess(ports[i].Key, ports[j].Key)
	})
	return ports
}

func keyLess(a, b conduit.PortKey) bool {
	if a.Pos.X != b.Pos.X {
		return a.Pos.X < b.Pos.X
	}
	if a.Pos.Y != b.Pos.Y {
		return a.Pos.Y < b.Pos.Y
	}
	if a.Pos.Z != b.Pos.Z {
		return a.Pos.Z < b.Pos.Z
	}
	return a.Dir < b.Dir
}
