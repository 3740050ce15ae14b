package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"conduitnet.ai/internal/sim/conduit"
	"conduitnet.ai/internal/sim/fluid"
	"conduitnet.ai/internal/sim/layout"
	"conduitnet.ai/internal/sim/tuning"
)

const Version = 1

type Header struct {
	Version   int    `json:"version"`
	NetworkID string `json:"network_id"`
	Tick      uint64 `json:"tick"`
}

// SnapshotV1 holds the mutable state of a built layout. The layout file itself
// stays the source of the topology.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Tuning tuning.Tuning `json:"tuning"`

	Reservoirs []ReservoirV1 `json:"reservoirs"`
	Ports      []PortV1      `json:"ports"`
	Cursors    []CursorV1    `json:"cursors,omitempty"`
}

type TankV1 struct {
	Fluid    string `json:"fluid,omitempty"`
	Amount   int    `json:"amount"`
	Capacity int    `json:"capacity"`
	Locked   string `json:"locked,omitempty"`
}

type ReservoirV1 struct {
	ID    string   `json:"id"`
	Tanks []TankV1 `json:"tanks"`
}

type PortV1 struct {
	Pos   [3]int `json:"pos"`
	Dir   string `json:"dir"`
	Valid bool   `json:"valid"`
}

type CursorV1 struct {
	Pos    [3]int `json:"pos"`
	Dir    string `json:"dir"`
	Offset int    `json:"offset"`
}

// Capture copies the state of b. It must run on the goroutine that owns the network.
func Capture(tick uint64, tune tuning.Tuning, b *layout.Built) SnapshotV1 {
	snap := SnapshotV1{
		Header: Header{Version: Version, NetworkID: b.Network.ID(), Tick: tick},
		Tuning: tune,
	}
	for _, r := range b.Reservoirs {
		rv := ReservoirV1{ID: r.ID}
		for _, tk := range r.Tanks {
			rv.Tanks = append(rv.Tanks, TankV1{
				Fluid:    string(tk.Contents.Fluid),
				Amount:   tk.Contents.Amount,
				Capacity: tk.Capacity,
				Locked:   string(tk.Locked),
			})
		}
		snap.Reservoirs = append(snap.Reservoirs, rv)
	}
	for _, k := range b.Keys {
		p, ok := b.Network.Port(k)
		if !ok {
			continue
		}
		snap.Ports = append(snap.Ports, PortV1{Pos: k.Pos.ToArray(), Dir: k.Dir.String(), Valid: p.IsValid()})
	}

	cursors := b.Network.Cursors()
	keys := make([]conduit.PortKey, 0, len(cursors))
	for k := range cursors {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	for _, k := range keys {
		snap.Cursors = append(snap.Cursors, CursorV1{Pos: k.Pos.ToArray(), Dir: k.Dir.String(), Offset: cursors[k]})
	}
	return snap
}

// Apply restores snap into a freshly built layout with the same network id.
func Apply(snap SnapshotV1, b *layout.Built) error {
	if snap.Header.Version != Version {
		return fmt.Errorf("snapshot: unsupported version %d", snap.Header.Version)
	}
	if snap.Header.NetworkID != b.Network.ID() {
		return fmt.Errorf("snapshot: network %q does not match layout network %q", snap.Header.NetworkID, b.Network.ID())
	}
	for _, rv := range snap.Reservoirs {
		r, ok := b.Reservoir(rv.ID)
		if !ok {
			return fmt.Errorf("snapshot: unknown reservoir %q", rv.ID)
		}
		if len(rv.Tanks) != len(r.Tanks) {
			return fmt.Errorf("snapshot: reservoir %q has %d tanks, layout has %d", rv.ID, len(rv.Tanks), len(r.Tanks))
		}
		for i, tv := range rv.Tanks {
			if tv.Amount > r.Tanks[i].Capacity {
				return fmt.Errorf("snapshot: reservoir %q tank %d: amount %d exceeds capacity %d", rv.ID, i, tv.Amount, r.Tanks[i].Capacity)
			}
		}
	}

	for _, rv := range snap.Reservoirs {
		r, _ := b.Reservoir(rv.ID)
		for i, tv := range rv.Tanks {
			r.Tanks[i].Contents = fluid.New(fluid.ID(tv.Fluid), tv.Amount)
		}
	}
	for _, pv := range snap.Ports {
		k, err := portKey(pv.Pos, pv.Dir)
		if err != nil {
			return err
		}
		if !pv.Valid {
			b.Network.Invalidate(k)
		}
	}
	cursors := make(map[conduit.PortKey]int, len(snap.Cursors))
	for _, cv := range snap.Cursors {
		k, err := portKey(cv.Pos, cv.Dir)
		if err != nil {
			return err
		}
		cursors[k] = cv.Offset
	}
	b.Network.RestoreCursors(cursors)
	return nil
}

func portKey(pos [3]int, dir string) (conduit.PortKey, error) {
	d, ok := conduit.ParseDir(dir)
	if !ok {
		return conduit.PortKey{}, fmt.Errorf("snapshot: bad direction %q", dir)
	}
	return conduit.PortKey{Pos: conduit.Vec3i{X: pos[0], Y: pos[1], Z: pos[2]}, Dir: d}, nil
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The header line is for humans and tools; gob carries it too.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Latest returns the snapshot file with the highest tick in dir, or "" when none exist.
func Latest(dir string) (string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.snap.zst"))
	if err != nil {
		return "", err
	}
	best := ""
	var bestTick uint64
	for _, p := range paths {
		h, err := ReadHeader(p)
		if err != nil {
			continue
		}
		if best == "" || h.Tick > bestTick {
			best, bestTick = p, h.Tick
		}
	}
	return best, nil
}
