package main

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"conduitnet.ai/internal/persistence/indexdb"
	"conduitnet.ai/internal/persistence/snapshot"
	"conduitnet.ai/internal/sim/conduit"
	"conduitnet.ai/internal/sim/driver"
)

func TestParseVec3(t *testing.T) {
	v, err := parseVec3(" 1, -2 ,3")
	if err != nil || v != [3]int{1, -2, 3} {
		t.Fatalf("v=%v err=%v", v, err)
	}
	if _, err := parseVec3("1,2"); err == nil {
		t.Fatalf("expected error for short vector")
	}
}

func TestInvalidatePort(t *testing.T) {
	snap := snapshot.SnapshotV1{Ports: []snapshot.PortV1{
		{Pos: [3]int{0, 64, 0}, Dir: "east", Valid: true},
		{Pos: [3]int{0, 64, 0}, Dir: "west", Valid: true},
	}}
	if !invalidatePort(&snap, [3]int{0, 64, 0}, conduit.West) {
		t.Fatalf("port not found")
	}
	if !snap.Ports[0].Valid || snap.Ports[1].Valid {
		t.Fatalf("ports=%+v", snap.Ports)
	}
	if invalidatePort(&snap, [3]int{9, 9, 9}, conduit.Up) {
		t.Fatalf("unknown port reported as found")
	}
}

func TestRunQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.sqlite")
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for tick := uint64(0); tick < 3; tick++ {
		_ = idx.WriteTick(driver.TickEntry{
			Tick:      tick,
			NetworkID: "n1",
			Moved:     50,
			Digest:    "d",
			Transfers: []driver.TransferRecord{
				{Tick: tick, From: "0,0,0/up", To: "1,0,0/up", Fluid: "WATER", Amount: 50},
			},
		})
	}
	idx.RecordSnapshot("/data/snapshots/3.snap.zst", snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, NetworkID: "n1", Tick: 3},
	})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	count := func(q string, o dbOpts) int {
		var buf bytes.Buffer
		if err := runQuery(db, &buf, q, o); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
		return strings.Count(buf.String(), "\n")
	}
	if n := count("ticks", dbOpts{FromTick: 1}); n != 2 {
		t.Fatalf("ticks rows=%d, want 2", n)
	}
	if n := count("transfers", dbOpts{Port: "1,0,0/up"}); n != 3 {
		t.Fatalf("transfers rows=%d, want 3", n)
	}
	if n := count("transfers", dbOpts{Port: "9,9,9/up"}); n != 0 {
		t.Fatalf("filtered transfers rows=%d, want 0", n)
	}
	if n := count("snapshots", dbOpts{}); n != 1 {
		t.Fatalf("snapshots rows=%d, want 1", n)
	}
	if err := runQuery(db, &bytes.Buffer{}, "bogus", dbOpts{}); err != errUnknownQuery {
		t.Fatalf("err=%v, want errUnknownQuery", err)
	}
}
