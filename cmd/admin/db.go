package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

type dbOpts struct {
	Limit    int
	FromTick uint64
	Port     string
}

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/network.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	fromTick := fs.Uint64("from_tick", 0, "only rows at or after tick (ticks, transfers)")
	port := fs.String("port", "", "port key filter, e.g. 0,64,0/east (transfers)")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "network.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	err = runQuery(db, os.Stdout, q, dbOpts{Limit: *limit, FromTick: *fromTick, Port: strings.TrimSpace(*port)})
	if err == errUnknownQuery {
		fmt.Fprintln(os.Stderr, "unknown query:", q)
		fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data|-db PATH] [-limit N] [-from_tick T] [-port KEY] snapshots|ticks|transfers|config")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

var errUnknownQuery = errors.New("unknown query")

func runQuery(db *sql.DB, w io.Writer, q string, o dbOpts) error {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	switch q {
	case "snapshots":
		rows, err := db.Query(`SELECT tick,path,network_id,reservoirs,ports,invalid_ports,stored FROM snapshots ORDER BY tick DESC LIMIT ?`, o.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick         int64  `json:"tick"`
				Path         string `json:"path"`
				NetworkID    string `json:"network_id"`
				Reservoirs   int    `json:"reservoirs"`
				Ports        int    `json:"ports"`
				InvalidPorts int    `json:"invalid_ports"`
				Stored       int64  `json:"stored"`
			}
			if err := rows.Scan(&r.Tick, &r.Path, &r.NetworkID, &r.Reservoirs, &r.Ports, &r.InvalidPorts, &r.Stored); err != nil {
				return err
			}
			printJSON(w, r)
		}
		return rows.Err()

	case "ticks":
		rows, err := db.Query(`SELECT tick,network_id,digest,extractions,succeeded,moved FROM ticks WHERE tick>=? ORDER BY tick LIMIT ?`, o.FromTick, o.Limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick        int64  `json:"tick"`
				NetworkID   string `json:"network_id"`
				Digest      string `json:"digest"`
				Extractions int    `json:"extractions"`
				Succeeded   int    `json:"succeeded"`
				Moved       int64  `json:"moved"`
			}
			if err := rows.Scan(&r.Tick, &r.NetworkID, &r.Digest, &r.Extractions, &r.Succeeded, &r.Moved); err != nil {
				return err
			}
			printJSON(w, r)
		}
		return rows.Err()

	case "transfers":
		query := `SELECT tick,from_port,to_port,fluid,amount FROM transfers WHERE tick>=? ORDER BY tick,seq LIMIT ?`
		args := []any{o.FromTick, o.Limit}
		if o.Port != "" {
			query = `SELECT tick,from_port,to_port,fluid,amount FROM transfers WHERE tick>=? AND (from_port=? OR to_port=?) ORDER BY tick,seq LIMIT ?`
			args = []any{o.FromTick, o.Port, o.Port, o.Limit}
		}
		rows, err := db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Tick   int64  `json:"tick"`
				From   string `json:"from"`
				To     string `json:"to"`
				Fluid  string `json:"fluid"`
				Amount int64  `json:"amount"`
			}
			if err := rows.Scan(&r.Tick, &r.From, &r.To, &r.Fluid, &r.Amount); err != nil {
				return err
			}
			printJSON(w, r)
		}
		return rows.Err()

	case "config":
		rows, err := db.Query(`SELECT name,digest,updated_at FROM config ORDER BY name`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Name      string `json:"name"`
				Digest    string `json:"digest"`
				UpdatedAt string `json:"updated_at"`
			}
			if err := rows.Scan(&r.Name, &r.Digest, &r.UpdatedAt); err != nil {
				return err
			}
			printJSON(w, r)
		}
		return rows.Err()

	default:
		return errUnknownQuery
	}
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
