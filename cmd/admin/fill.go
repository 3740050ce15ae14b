package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"conduitnet.ai/internal/persistence/snapshot"
	"conduitnet.ai/internal/sim/conduit"
	"conduitnet.ai/internal/sim/fluid"
	"conduitnet.ai/internal/sim/layout"
)

type fillResult struct {
	Moved     int
	Transfers []conduit.Transfer
	// Snap is the restored network after the fill, captured at the same tick.
	Snap snapshot.SnapshotV1
}

// fillCmd pushes fluid into a network from one port, offline. Without -commit
// it only reports where the fluid would go; with -commit it writes an edited
// snapshot the server resumes from.
func fillCmd(args []string) {
	fs := flag.NewFlagSet("fill", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	layoutPath := fs.String("layout", "./configs/layout.yaml", "layout the snapshot was taken from")
	pos := fs.String("pos", "", "origin port position x,y,z (required)")
	dir := fs.String("dir", "", "origin port face: down|up|north|south|west|east (required)")
	fluidID := fs.String("fluid", "", "fluid id (required)")
	amount := fs.Int("amount", 0, "amount to offer (required)")
	commit := fs.Bool("commit", false, "apply the fill and write an edited snapshot")
	outPath := fs.String("out", "", "output snapshot path (optional, with -commit)")
	_ = fs.Parse(args)

	p, err := parseVec3(*pos)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -pos:", err)
		os.Exit(2)
	}
	d, ok := conduit.ParseDir(*dir)
	if !ok {
		fmt.Fprintln(os.Stderr, "bad -dir:", *dir)
		os.Exit(2)
	}
	if strings.TrimSpace(*fluidID) == "" || *amount <= 0 {
		fmt.Fprintln(os.Stderr, "-fluid and a positive -amount are required")
		os.Exit(2)
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" {
		snapshotToLoad, err = snapshot.Latest(filepath.Join(*dataDir, "snapshots"))
		if err != nil || snapshotToLoad == "" {
			fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot", err)
			os.Exit(2)
		}
	}
	snap, err := snapshot.ReadSnapshot(snapshotToLoad)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	doc, err := layout.Load(*layoutPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load layout:", err)
		os.Exit(1)
	}

	key := conduit.PortKey{Pos: conduit.Vec3i{X: p[0], Y: p[1], Z: p[2]}, Dir: d}
	res, err := fillSnapshot(snap, doc, key, fluid.New(fluid.ID(*fluidID), *amount), *commit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fill:", err)
		os.Exit(1)
	}
	printFill(os.Stdout, key, res, *commit)

	if !*commit || res.Moved == 0 {
		return
	}
	if strings.TrimSpace(*outPath) == "" {
		*outPath = filepath.Join(filepath.Dir(snapshotToLoad), fmt.Sprintf("%d.edit.snap.zst", snap.Header.Tick))
	}
	if err := snapshot.WriteSnapshot(*outPath, res.Snap); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("fill ok: snapshot=%s tick=%d out=%s\n", filepath.Base(snapshotToLoad), snap.Header.Tick, *outPath)
}

// fillSnapshot restores snap into doc and offers s from the port at key. A dry
// run reports the targets a commit would reach from the same state.
func fillSnapshot(snap snapshot.SnapshotV1, doc layout.Doc, key conduit.PortKey, s fluid.Stack, commit bool) (fillResult, error) {
	if strings.TrimSpace(doc.NetworkID) == "" {
		doc.NetworkID = snap.Header.NetworkID
	}
	var res fillResult
	built, err := layout.Build(doc, snap.Tuning, func(t conduit.Transfer) {
		res.Transfers = append(res.Transfers, t)
	})
	if err != nil {
		return res, fmt.Errorf("build layout: %w", err)
	}
	if err := snapshot.Apply(snap, built); err != nil {
		return res, err
	}
	if _, ok := built.Network.Port(key); !ok {
		return res, fmt.Errorf("port %s not in layout", key)
	}

	if !commit {
		// Dry runs report no transfers; replay the fill on a throwaway copy.
		probe, err := fillSnapshot(snap, doc, key, s, true)
		if err != nil {
			return res, err
		}
		res.Moved = built.Network.FillFrom(key, s, false)
		res.Transfers = probe.Transfers
		return res, nil
	}
	res.Moved = built.Network.FillFrom(key, s, true)
	res.Snap = snapshot.Capture(snap.Header.Tick, snap.Tuning, built)
	return res, nil
}

func printFill(w io.Writer, key conduit.PortKey, res fillResult, commit bool) {
	verb := "would move"
	if commit {
		verb = "moved"
	}
	fmt.Fprintf(w, "%s %s %d\n", key, verb, res.Moved)
	for _, t := range res.Transfers {
		fmt.Fprintf(w, "  -> %s %s x%d\n", t.To, t.Stack.Fluid, t.Stack.Amount)
	}
}
