package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"conduitnet.ai/internal/persistence/indexdb"
	persistlog "conduitnet.ai/internal/persistence/log"
	"conduitnet.ai/internal/persistence/snapshot"
	"conduitnet.ai/internal/sim/driver"
	"conduitnet.ai/internal/sim/layout"
)

func main() {
	var (
		snapPath     = flag.String("snapshot", "", "path to .snap.zst")
		layoutPath   = flag.String("layout", "./configs/layout.yaml", "layout the snapshot was taken from (needed for -ticks)")
		ticksDir     = flag.String("ticks", "", "dir containing ticks-*.jsonl.zst to verify against (optional)")
		transfersDir = flag.String("transfers", "", "dir containing transfers-*.jsonl.zst to aggregate (optional)")
		dbPath       = flag.String("db", "", "sqlite index to aggregate flows from (optional)")
		fromTick     = flag.Uint64("from_tick", 0, "start verifying from tick (inclusive, optional)")
		toTick       = flag.Uint64("to_tick", 0, "stop at tick (inclusive, optional)")
	)
	flag.Parse()

	if *snapPath == "" && *transfersDir == "" && *dbPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot, -transfers or -db")
		os.Exit(2)
	}

	if *snapPath != "" {
		snap, err := snapshot.ReadSnapshot(*snapPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read snapshot:", err)
			os.Exit(1)
		}
		printSummary(os.Stdout, snap)

		if *ticksDir != "" {
			doc, err := layout.Load(*layoutPath)
			if err != nil {
				fmt.Fprintln(os.Stderr, "load layout:", err)
				os.Exit(1)
			}
			files, err := persistlog.Files(*ticksDir, "ticks")
			if err != nil {
				fmt.Fprintln(os.Stderr, "list ticks:", err)
				os.Exit(1)
			}
			if len(files) == 0 {
				fmt.Fprintln(os.Stderr, "no tick files found in", *ticksDir)
				os.Exit(1)
			}
			checked, err := replay(snap, doc, files, *fromTick, *toTick)
			if err != nil {
				fmt.Fprintln(os.Stderr, "replay:", err)
				os.Exit(1)
			}
			fmt.Printf("replay ok: checked=%d ticks (from snapshot tick=%d)\n", checked, snap.Header.Tick)
		}
	}

	if *transfersDir != "" {
		files, err := persistlog.Files(*transfersDir, "transfers")
		if err != nil {
			fmt.Fprintln(os.Stderr, "list transfers:", err)
			os.Exit(1)
		}
		totals, err := aggregateTransfers(files)
		if err != nil {
			fmt.Fprintln(os.Stderr, "aggregate:", err)
			os.Exit(1)
		}
		printFlows(os.Stdout, "transfer logs", totals)
	}

	if *dbPath != "" {
		idx, err := indexdb.OpenSQLite(*dbPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open index:", err)
			os.Exit(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		totals, err := idx.FlowTotals(ctx)
		cancel()
		_ = idx.Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, "query index:", err)
			os.Exit(1)
		}
		printFlows(os.Stdout, filepath.Base(*dbPath), totals)
	}
}

func printSummary(w io.Writer, snap snapshot.SnapshotV1) {
	valid := 0
	for _, p := range snap.Ports {
		if p.Valid {
			valid++
		}
	}
	fmt.Fprintf(w, "snapshot v%d network=%s tick=%d reservoirs=%d ports=%d valid=%d cursors=%d\n",
		snap.Header.Version, snap.Header.NetworkID, snap.Header.Tick,
		len(snap.Reservoirs), len(snap.Ports), valid, len(snap.Cursors))

	stored := map[string]int{}
	for _, r := range snap.Reservoirs {
		for _, t := range r.Tanks {
			if t.Fluid != "" && t.Amount > 0 {
				stored[t.Fluid] += t.Amount
			}
		}
	}
	names := make([]string, 0, len(stored))
	for name := range stored {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  stored %s=%d\n", name, stored[name])
	}
}

// replay rebuilds the network from snap and steps it, comparing each state
// digest with the logged tick entries.
func replay(snap snapshot.SnapshotV1, doc layout.Doc, files []string, fromTick, toTick uint64) (uint64, error) {
	if strings.TrimSpace(doc.NetworkID) == "" {
		doc.NetworkID = snap.Header.NetworkID
	}
	built, err := layout.Build(doc, snap.Tuning, nil)
	if err != nil {
		return 0, fmt.Errorf("build layout: %w", err)
	}
	if err := snapshot.Apply(snap, built); err != nil {
		return 0, err
	}
	d := driver.New(built.Network, driver.Config{TickRateHz: snap.Tuning.TickRateHz})
	d.SetTick(snap.Header.Tick)

	startTick := snap.Header.Tick
	verifyFrom := max(fromTick, startTick)

	var checked uint64
	errStop := errors.New("stop")
	for _, path := range files {
		err := persistlog.ReadLines(path, func(line []byte) error {
			var logged driver.TickEntry
			if err := json.Unmarshal(line, &logged); err != nil {
				return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
			}
			if logged.Tick < startTick {
				return nil
			}
			if toTick != 0 && logged.Tick > toTick {
				return errStop
			}
			if logged.Tick != d.CurrentTick() {
				return fmt.Errorf("%s: tick gap: logged=%d want=%d", filepath.Base(path), logged.Tick, d.CurrentTick())
			}
			got := d.Step()
			if logged.Tick < verifyFrom {
				return nil
			}
			if got.Digest != logged.Digest {
				return fmt.Errorf("digest mismatch at tick %d: got=%s logged=%s", logged.Tick, got.Digest, logged.Digest)
			}
			if got.Moved != logged.Moved {
				return fmt.Errorf("moved mismatch at tick %d: got=%d logged=%d", logged.Tick, got.Moved, logged.Moved)
			}
			checked++
			return nil
		})
		if err == errStop {
			break
		}
		if err != nil {
			return checked, err
		}
	}
	return checked, nil
}

func aggregateTransfers(files []string) ([]indexdb.FlowTotal, error) {
	type flowKey struct{ from, to, fluid string }
	sums := map[flowKey]*indexdb.FlowTotal{}
	for _, path := range files {
		recs, err := persistlog.ReadTransfers(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		for _, rec := range recs {
			k := flowKey{rec.From, rec.To, string(rec.Fluid)}
			ft := sums[k]
			if ft == nil {
				ft = &indexdb.FlowTotal{From: k.from, To: k.to, Fluid: k.fluid}
				sums[k] = ft
			}
			ft.Amount += int64(rec.Amount)
			ft.Count++
		}
	}
	out := make([]indexdb.FlowTotal, 0, len(sums))
	for _, ft := range sums {
		out = append(out, *ft)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Fluid < out[j].Fluid
	})
	return out, nil
}

func printFlows(w io.Writer, source string, totals []indexdb.FlowTotal) {
	fmt.Fprintf(w, "flows from %s: %d\n", source, len(totals))
	for _, ft := range totals {
		fmt.Fprintf(w, "  %s -> %s %s amount=%d count=%d\n", ft.From, ft.To, ft.Fluid, ft.Amount, ft.Count)
	}
}
