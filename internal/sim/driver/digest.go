package driver

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"conduitnet.ai/internal/sim/conduit"
)

type hashWriter interface {
	Write(p []byte) (n int, err error)
}

// StateDigest hashes every port's identity, validity and visible tank contents in
// distribution order, then the non-zero rotation cursors by key. Two networks with
// the same layout and history digest equal.
func StateDigest(n *conduit.Network) string {
	h := sha256.New()
	var tmp [8]byte

	h.Write([]byte(n.ID()))
	for _, p := range n.Ports() {
		digestWriteI64(h, &tmp, int64(p.Key.Pos.X))
		digestWriteI64(h, &tmp, int64(p.Key.Pos.Y))
		digestWriteI64(h, &tmp, int64(p.Key.Pos.Z))
		digestWriteI64(h, &tmp, int64(p.Key.Dir))
		if !p.IsValid() {
			h.Write([]byte{0})
			continue
		}
		h.Write([]byte{1})
		for _, ti := range p.Endpoint.Tanks() {
			h.Write([]byte(ti.Contents.Fluid))
			digestWriteI64(h, &tmp, int64(ti.Contents.Amount))
			digestWriteI64(h, &tmp, int64(ti.Capacity))
		}
	}

	cursors := n.Cursors()
	keys := make([]conduit.PortKey, 0, len(cursors))
	for k, off := range cursors {
		if off != 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	for _, k := range keys {
		digestWriteI64(h, &tmp, int64(k.Pos.X))
		digestWriteI64(h, &tmp, int64(k.Pos.Y))
		digestWriteI64(h, &tmp, int64(k.Pos.Z))
		digestWriteI64(h, &tmp, int64(k.Dir))
		digestWriteI64(h, &tmp, int64(cursors[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func digestWriteI64(h hashWriter, tmp *[8]byte, v int64) {
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	h.Write(tmp[:])
}

func keyLess(a, b conduit.PortKey) bool {
	switch {
	case a.Pos.X != b.Pos.X:
		return a.Pos.X < b.Pos.X
	case a.Pos.Y != b.Pos.Y:
		return a.Pos.Y < b.Pos.Y
	case a.Pos.Z != b.Pos.Z:
		return a.Pos.Z < b.Pos.Z
	}
	return a.Dir < b.Dir
}
