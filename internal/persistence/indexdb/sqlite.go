package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"conduitnet.ai/internal/persistence/snapshot"
	"conduitnet.ai/internal/sim/driver"
	"conduitnet.ai/internal/sim/layout"
	"conduitnet.ai/internal/sim/tuning"
)

// SQLiteIndex is a queryable read model of the tick and transfer logs. Writes
// are queued to one goroutine; the compressed JSONL logs stay authoritative.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick     atomic.Uint64
	dropSnapshot atomic.Uint64
	writeErrors  atomic.Uint64
}

type Stats struct {
	QueueDepth        int    `json:"queue_depth"`
	QueueCapacity     int    `json:"queue_capacity"`
	DropTickTotal     uint64 `json:"drop_tick_total"`
	DropSnapshotTotal uint64 `json:"drop_snapshot_total"`
	WriteErrorTotal   uint64 `json:"write_error_total"`
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqSnapshot
)

type req struct {
	kind reqKind

	tick     driver.TickEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	Tick        uint64
	Path        string
	NetworkID   string
	Reservoirs  int
	Ports       int
	InvalidPort int
	Stored      int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, 262144)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS config (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			network_id TEXT NOT NULL,
			digest TEXT NOT NULL,
			extractions INTEGER NOT NULL,
			succeeded INTEGER NOT NULL,
			moved INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transfers (
			tick INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			from_port TEXT NOT NULL,
			to_port TEXT NOT NULL,
			fluid TEXT NOT NULL,
			amount INTEGER NOT NULL,
			PRIMARY KEY (tick, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_from_tick ON transfers(from_port, tick);`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_to_tick ON transfers(to_port, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			network_id TEXT NOT NULL,
			reservoirs INTEGER NOT NULL,
			ports INTEGER NOT NULL,
			invalid_ports INTEGER NOT NULL,
			stored INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropTickTotal:     s.dropTick.Load(),
		DropSnapshotTotal: s.dropSnapshot.Load(),
		WriteErrorTotal:   s.writeErrors.Load(),
	}
}

func (s *SQLiteIndex) WriteTick(entry driver.TickEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqTick, tick: entry}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
		s.dropTick.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Tick:       snap.Header.Tick,
		Path:       path,
		NetworkID:  snap.Header.NetworkID,
		Reservoirs: len(snap.Reservoirs),
		Ports:      len(snap.Ports),
	}
	for _, p := range snap.Ports {
		if !p.Valid {
			r.InvalidPort++
		}
	}
	for _, rv := range snap.Reservoirs {
		for _, tk := range rv.Tanks {
			r.Stored += tk.Amount
		}
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropSnapshot.Add(1)
	}
}

// UpsertConfig stores the tuning and layout in effect, keyed by content digest.
func (s *SQLiteIndex) UpsertConfig(tune tuning.Tuning, doc layout.Doc) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := configRows(tune, doc)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO config(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type configRow struct {
	name   string
	digest string
	json   []byte
}

func configRows(tune tuning.Tuning, doc layout.Doc) ([]configRow, error) {
	var rows []configRow
	for _, c := range []struct {
		name string
		v    any
	}{{"tuning", tune}, {"layout", doc}} {
		b, err := json.Marshal(c.v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.name, err)
		}
		sum := sha256.Sum256(b)
		rows = append(rows, configRow{name: c.name, digest: hex.EncodeToString(sum[:]), json: b})
	}
	return rows, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,network_id,digest,extractions,succeeded,moved,raw_json) VALUES(?,?,?,?,?,?,?)`)
	insertTransfer, _ := s.db.Prepare(`INSERT OR REPLACE INTO transfers(tick,seq,from_port,to_port,fluid,amount) VALUES(?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,network_id,reservoirs,ports,invalid_ports,stored) VALUES(?,?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertTransfer, insertSnapshot} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeErrors.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeErrors.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		s.writeErrors.Add(1)
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	handle := func(r req) {
		begin()
		if tx == nil {
			return
		}
		switch r.kind {
		case reqTick:
			e := r.tick
			b, _ := json.Marshal(e)
			if insertTick != nil {
				if _, err := tx.Stmt(insertTick).Exec(
					int64(e.Tick),
					e.NetworkID,
					e.Digest,
					e.Extractions,
					e.Succeeded,
					e.Moved,
					string(b),
				); err != nil {
					rollback()
					return
				}
				opCount++
			}
			for i, tr := range e.Transfers {
				if insertTransfer == nil {
					break
				}
				if _, err := tx.Stmt(insertTransfer).Exec(int64(e.Tick), i, tr.From, tr.To, string(tr.Fluid), tr.Amount); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					int64(sn.Tick),
					sn.Path,
					sn.NetworkID,
					sn.Reservoirs,
					sn.Ports,
					sn.InvalidPort,
					sn.Stored,
				); err != nil {
					rollback()
					return
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			handle(r)
		case <-ticker.C:
			flushIfNeeded()
		}
	}
}

// FlowTotal sums committed transfers for one source, target and fluid.
type FlowTotal struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Fluid  string `json:"fluid"`
	Amount int64  `json:"amount"`
	Count  int64  `json:"count"`
}

// FlowTotals aggregates the transfers table. Rows still queued or inside the
// writer's open transaction are not visible yet.
func (s *SQLiteIndex) FlowTotals(ctx context.Context) ([]FlowTotal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT from_port, to_port, fluid, SUM(amount), COUNT(*)
		FROM transfers GROUP BY from_port, to_port, fluid ORDER BY from_port, to_port, fluid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FlowTotal
	for rows.Next() {
		var ft FlowTotal
		if err := rows.Scan(&ft.From, &ft.To, &ft.Fluid, &ft.Amount, &ft.Count); err != nil {
			return nil, err
		}
		out = append(out, ft)
	}
	return out, rows.Err()
}
