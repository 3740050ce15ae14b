package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conduitnet.ai/internal/observerproto"
	persistlog "conduitnet.ai/internal/persistence/log"
	"conduitnet.ai/internal/persistence/snapshot"
	"conduitnet.ai/internal/sim/driver"
	"conduitnet.ai/internal/sim/layout"
	"conduitnet.ai/internal/sim/tuning"
	"conduitnet.ai/internal/transport/natsfeed"
	"conduitnet.ai/internal/transport/observer"
)

type serverRuntimeConfig struct {
	DataDir      string
	TuningPath   string
	LayoutPath   string
	SnapshotPath string
	LoadLatest   bool
	DisableDB    bool
	EnableAdmin  bool
	EnablePprof  bool
}

type serverRuntime struct {
	cfg    serverRuntimeConfig
	logger *log.Logger

	tune  tuning.Tuning
	doc   layout.Doc
	built *layout.Built
	drv   *driver.Driver

	idx         runtimeIndex
	feed        *natsfeed.Feed
	tickLog     *persistlog.TickLogger
	transferLog *persistlog.TransferLogger

	snapCh chan snapshot.SnapshotV1
}

func (rt *serverRuntime) snapshotDir() string { return filepath.Join(rt.cfg.DataDir, "snapshots") }

func newServerRuntime(cfg serverRuntimeConfig, logger *log.Logger) (*serverRuntime, error) {
	rt := &serverRuntime{
		cfg:    cfg,
		logger: logger,
		snapCh: make(chan snapshot.SnapshotV1, 2),
	}

	doc, err := layout.Load(cfg.LayoutPath)
	if err != nil {
		return nil, fmt.Errorf("load layout: %w", err)
	}

	snapshotToLoad := strings.TrimSpace(cfg.SnapshotPath)
	if snapshotToLoad == "" && cfg.LoadLatest {
		snapshotToLoad, err = snapshot.Latest(rt.snapshotDir())
		if err != nil {
			return nil, fmt.Errorf("find latest snapshot: %w", err)
		}
	}
	var snap *snapshot.SnapshotV1
	if snapshotToLoad != "" {
		s, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		snap = &s
		if strings.TrimSpace(doc.NetworkID) == "" {
			doc.NetworkID = s.Header.NetworkID
		}
	}

	// Tuning is required for a fresh network; a resume falls back to the tuning the snapshot ran with.
	tune, err := tuning.Load(cfg.TuningPath)
	if err != nil {
		if snap == nil || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load tuning: %w", err)
		}
		logger.Printf("tuning not found (%s); using snapshot tuning", cfg.TuningPath)
		tune = snap.Tuning
		if err := tune.Validate(); err != nil {
			return nil, fmt.Errorf("snapshot tuning: %w", err)
		}
	}
	rt.tune = tune
	rt.doc = doc

	built, err := layout.Build(doc, tune, nil)
	if err != nil {
		return nil, fmt.Errorf("build layout: %w", err)
	}
	rt.built = built

	rt.drv = driver.New(built.Network, driver.Config{
		TickRateHz:         tune.TickRateHz,
		SnapshotEveryTicks: tune.SnapshotEveryTicks,
		Logger:             logger,
	})
	if snap != nil {
		if err := snapshot.Apply(*snap, built); err != nil {
			return nil, err
		}
		rt.drv.SetTick(snap.Header.Tick)
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), snap.Header.Tick)
	}

	idx, err := openRuntimeIndex(cfg.DataDir, built.Network.ID(), cfg.DisableDB, logger)
	if err != nil {
		return nil, fmt.Errorf("open index backend: %w", err)
	}
	rt.idx = idx
	if idx != nil {
		if err := idx.UpsertConfig(tune, doc); err != nil {
			logger.Printf("index backend: upsert config: %v", err)
		}
		registerIndexMetrics(rt.drv.Metrics().Registry(), idx)
	}

	feed, err := openNATSFeed(built.Network.ID(), logger)
	if err != nil {
		if idx != nil {
			_ = idx.Close()
		}
		return nil, fmt.Errorf("open nats feed: %w", err)
	}
	rt.feed = feed

	rt.tickLog = persistlog.NewTickLogger(cfg.DataDir)
	rt.transferLog = persistlog.NewTransferLogger(cfg.DataDir)
	fanout := multiTickLogger{primary: rt.tickLog}
	if idx != nil {
		fanout.rest = append(fanout.rest, idx)
	}
	if feed != nil {
		fanout.rest = append(fanout.rest, feed)
		registerFeedMetrics(rt.drv.Metrics().Registry(), feed)
	}
	rt.drv.SetTickLogger(fanout)
	rt.drv.SetTransferLogger(rt.transferLog)
	rt.drv.SetSnapshotHook(func(tick uint64) {
		select {
		case rt.snapCh <- snapshot.Capture(tick, rt.tune, rt.built):
		default:
			logger.Printf("snapshot writer busy; skip tick=%d", tick)
		}
	})

	logger.Printf("network=%s ports=%d reservoirs=%d tick_rate=%dHz", built.Network.ID(), built.Network.Len(), len(built.Reservoirs), tune.TickRateHz)
	return rt, nil
}

func (rt *serverRuntime) writeSnapshot(snap snapshot.SnapshotV1) (string, error) {
	path := filepath.Join(rt.snapshotDir(), fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	if rt.idx != nil {
		rt.idx.RecordSnapshot(path, snap)
	}
	return path, nil
}

func (rt *serverRuntime) runSnapshotWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-rt.snapCh:
			if _, err := rt.writeSnapshot(snap); err != nil {
				rt.logger.Printf("snapshot write: %v", err)
			}
		}
	}
}

// Close writes a final snapshot and flushes the logs. The driver loop must have stopped.
func (rt *serverRuntime) Close() error {
	tick := rt.drv.CurrentTick()
	path, err := rt.writeSnapshot(snapshot.Capture(tick, rt.tune, rt.built))
	if err != nil {
		rt.logger.Printf("final snapshot: %v", err)
	} else {
		rt.logger.Printf("final snapshot=%s tick=%d", filepath.Base(path), tick)
	}
	_ = rt.tickLog.Close()
	_ = rt.transferLog.Close()
	if rt.idx != nil {
		_ = rt.idx.Close()
	}
	if rt.feed != nil {
		_ = rt.feed.Close()
	}
	return err
}

func (rt *serverRuntime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(rt.drv.Metrics().Registry(), promhttp.HandlerOpts{}))

	if rt.cfg.EnableAdmin {
		// Local-only endpoints (do not affect simulation determinism).
		mux.HandleFunc("/debug/network", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			n := rt.built.Network
			rates := n.Rates()
			resp := observerproto.NetworkDebug{
				NetworkID: n.ID(),
				Params: observerproto.NetworkParams{
					TickRateHz:         rt.drv.TickRateHz(),
					ExtractRatePerTick: rates.ExtractRatePerTick,
					MaxIOPerTick:       rates.MaxIOPerTick,
				},
				Cursors: map[string]int{},
			}
			err := rt.drv.Exec(ctx, func(tick uint64) {
				resp.Tick = tick
				resp.Ports = observer.DebugPorts(n)
				for k, off := range n.Cursors() {
					resp.Cursors[k.String()] = off
				}
			})
			if err != nil {
				http.Error(rw, err.Error(), http.StatusServiceUnavailable)
				return
			}
			if e, ok := rt.drv.Latest(); ok {
				msg := observer.TickSummary(e)
				resp.Latest = &msg
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/snapshot", func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			var snap snapshot.SnapshotV1
			err := rt.drv.Exec(ctx, func(tick uint64) { snap = snapshot.Capture(tick, rt.tune, rt.built) })
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			path, err := rt.writeSnapshot(snap)
			if err != nil {
				rw.WriteHeader(http.StatusInternalServerError)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": snap.Header.Tick, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": snap.Header.Tick, "path": path})
		})

		obsSrv := observer.NewServer(rt.drv, rt.logger)
		mux.HandleFunc("/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/observer/ws", obsSrv.WSHandler())
	} else {
		rt.logger.Printf("admin endpoints disabled (CN_ENABLE_ADMIN_HTTP=false)")
	}
	if rt.cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
