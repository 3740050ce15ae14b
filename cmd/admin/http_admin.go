package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"conduitnet.ai/internal/observerproto"
)

type snapshotResult struct {
	OK    bool   `json:"ok"`
	Tick  uint64 `json:"tick"`
	Path  string `json:"path,omitempty"`
	Error string `json:"error,omitempty"`
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	rawJSON := fs.Bool("json", false, "print the raw response")
	_ = fs.Parse(args)

	var dbg observerproto.NetworkDebug
	if err := adminCall(http.MethodGet, *baseURL, "/debug/network", 5*time.Second, &dbg); err != nil {
		fmt.Fprintln(os.Stderr, "state:", err)
		os.Exit(1)
	}
	if *rawJSON {
		printJSON(os.Stdout, dbg)
		return
	}
	printState(os.Stdout, dbg)
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	var res snapshotResult
	err := adminCall(http.MethodPost, *baseURL, "/admin/v1/snapshot", 10*time.Second, &res)
	if err != nil && res.Error == "" {
		fmt.Fprintln(os.Stderr, "snapshot:", err)
		os.Exit(1)
	}
	if !res.OK {
		fmt.Fprintf(os.Stderr, "snapshot failed at tick %d: %s\n", res.Tick, res.Error)
		os.Exit(1)
	}
	fmt.Printf("snapshot ok: tick=%d path=%s\n", res.Tick, res.Path)
}

// adminCall decodes the JSON body into out even on a non-2xx status, so
// endpoints that report {"ok":false,...} can be shown to the operator.
func adminCall(method, baseURL, path string, timeout time.Duration, out any) error {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	decErr := json.Unmarshal(b, out)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	if decErr != nil {
		return fmt.Errorf("decode %s: %w", path, decErr)
	}
	return nil
}

func printState(w io.Writer, dbg observerproto.NetworkDebug) {
	valid := 0
	for _, p := range dbg.Ports {
		if p.Valid {
			valid++
		}
	}
	fmt.Fprintf(w, "network=%s tick=%d ports=%d valid=%d invalid=%d\n",
		dbg.NetworkID, dbg.Tick, len(dbg.Ports), valid, len(dbg.Ports)-valid)
	fmt.Fprintf(w, "rates: extract=%d/tick max_io=%d/tick at %dHz\n",
		dbg.Params.ExtractRatePerTick, dbg.Params.MaxIOPerTick, dbg.Params.TickRateHz)
	if l := dbg.Latest; l != nil {
		fmt.Fprintf(w, "last tick=%d extractions=%d succeeded=%d moved=%d digest=%s\n",
			l.Tick, l.Extractions, l.Succeeded, l.Moved, l.Digest)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tMODE\tPRIO\tCOLORS\tVALID\tSTORED\tCURSOR\tSEES")
	for _, p := range dbg.Ports {
		cursor := "-"
		if off, ok := dbg.Cursors[p.Key]; ok {
			cursor = fmt.Sprint(off)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s>%s\t%t\t%s\t%s\t%d tanks %d/%d\n",
			p.Key, p.Mode, p.Priority, p.InputColor, p.OutputColor, p.Valid,
			stored(p.Tanks), cursor, p.VisibleTanks, p.VisibleStored, p.VisibleCapacity)
	}
	_ = tw.Flush()

	// Cursors for keys that are no longer in the port table.
	var orphans []string
	known := make(map[string]bool, len(dbg.Ports))
	for _, p := range dbg.Ports {
		known[p.Key] = true
	}
	for k := range dbg.Cursors {
		if !known[k] {
			orphans = append(orphans, k)
		}
	}
	sort.Strings(orphans)
	for _, k := range orphans {
		fmt.Fprintf(w, "cursor %s=%d (no port)\n", k, dbg.Cursors[k])
	}
}

func stored(tanks []observerproto.TankState) string {
	if len(tanks) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(tanks))
	for _, t := range tanks {
		name := t.Fluid
		if name == "" {
			name = "empty"
		}
		parts = append(parts, fmt.Sprintf("%s %d/%d", name, t.Amount, t.Capacity))
	}
	return strings.Join(parts, ", ")
}
