package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"conduitnet.ai/internal/persistence/snapshot"
	"conduitnet.ai/internal/sim/conduit"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "invalidate":
			invalidateCmd(os.Args[2:])
			return
		case "fill":
			fillCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	paths, err := filepath.Glob(filepath.Join(*dataDir, "snapshots", "*.snap.zst"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "glob:", err)
		os.Exit(1)
	}
	for _, p := range paths {
		h, err := snapshot.ReadHeader(p)
		if err != nil {
			fmt.Printf("%s\tunreadable: %v\n", filepath.Base(p), err)
			continue
		}
		fmt.Printf("%s\tnetwork=%s tick=%d v%d\n", filepath.Base(p), h.NetworkID, h.Tick, h.Version)
	}
}

// invalidateCmd writes a copy of a snapshot with one port marked invalid. The
// server drops ports that a snapshot marks invalid when it resumes.
func invalidateCmd(args []string) {
	fs := flag.NewFlagSet("invalidate", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	pos := fs.String("pos", "", "port position x,y,z (required)")
	dir := fs.String("dir", "", "port face: down|up|north|south|west|east (required)")
	outPath := fs.String("out", "", "output snapshot path (optional)")
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

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" {
		snapshotToLoad, err = snapshot.Latest(filepath.Join(*dataDir, "snapshots"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "latest snapshot:", err)
			os.Exit(1)
		}
	}
	if snapshotToLoad == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(snapshotToLoad)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	if !invalidatePort(&snap, p, d) {
		fmt.Fprintf(os.Stderr, "port %v/%s not in snapshot\n", p, d)
		os.Exit(1)
	}

	if strings.TrimSpace(*outPath) == "" {
		*outPath = filepath.Join(filepath.Dir(snapshotToLoad), fmt.Sprintf("%d.edit.snap.zst", snap.Header.Tick))
	}
	if err := snapshot.WriteSnapshot(*outPath, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("invalidate ok: snapshot=%s tick=%d port=%v/%s out=%s\n",
		filepath.Base(snapshotToLoad), snap.Header.Tick, p, d, *outPath)
}

func invalidatePort(snap *snapshot.SnapshotV1, pos [3]int, dir conduit.Dir) bool {
	for i := range snap.Ports {
		if snap.Ports[i].Pos == pos && snap.Ports[i].Dir == dir.String() {
			snap.Ports[i].Valid = false
			return true
		}
	}
	return false
}

func parseVec3(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected x,y,z")
	}
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}
