package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"conduitnet.ai/internal/observerproto"
	"conduitnet.ai/internal/sim/conduit"
	"conduitnet.ai/internal/sim/driver"
)

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
)

type Server struct {
	drv *driver.Driver
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(d *driver.Driver, logger *log.Logger) *Server {
	return &Server{
		drv: d,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // loopback only
		},
	}
}

// PortStates describes every port in distribution order. Call it on the driver loop.
func PortStates(n *conduit.Network) []observerproto.PortState {
	ports := n.Ports()
	out := make([]observerproto.PortState, 0, len(ports))
	for _, p := range ports {
		ps := observerproto.PortState{
			Key:           p.Key.String(),
			Pos:           p.Key.Pos.ToArray(),
			Dir:           p.Key.Dir.String(),
			Priority:      p.Priority,
			Mode:          portMode(p),
			InputColor:    string(p.InputColor),
			OutputColor:   string(p.OutputColor),
			RoundRobin:    p.RoundRobin,
			SelfFeed:      p.SelfFeed,
			SpeedUpgrades: p.SpeedUpgrades,
			Valid:         p.IsValid(),
		}
		if ps.Valid {
			for _, ti := range p.Endpoint.Tanks() {
				ps.Tanks = append(ps.Tanks, observerproto.TankState{
					Fluid:    string(ti.Contents.Fluid),
					Amount:   ti.Contents.Amount,
					Capacity: ti.Capacity,
				})
			}
		}
		out = append(out, ps)
	}
	return out
}

// DebugPorts is PortStates plus what each port can see through the network.
// Call it on the loop goroutine.
func DebugPorts(n *conduit.Network) []observerproto.DebugPort {
	states := PortStates(n)
	out := make([]observerproto.DebugPort, 0, len(states))
	for i, p := range n.Ports() {
		dp := observerproto.DebugPort{PortState: states[i]}
		for _, ti := range n.TankInfosVisibleTo(p.Key) {
			dp.VisibleTanks++
			dp.VisibleCapacity += ti.Capacity
			dp.VisibleStored += ti.Contents.Amount
		}
		out = append(out, dp)
	}
	return out
}

// TickSummary converts e to a TICK message without transfer detail.
func TickSummary(e driver.TickEntry) observerproto.TickMsg {
	return observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            e.Tick,
		NetworkID:       e.NetworkID,
		Extractions:     e.Extractions,
		Succeeded:       e.Succeeded,
		Moved:           e.Moved,
		Digest:          e.Digest,
	}
}

func portMode(p conduit.Port) string {
	switch {
	case p.CanExtract && p.AcceptsOutput:
		return "both"
	case p.CanExtract:
		return "extract"
	case p.AcceptsOutput:
		return "insert"
	default:
		return "disabled"
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		n := s.drv.Network()
		rates := n.Rates()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			NetworkID:       n.ID(),
			Params: observerproto.NetworkParams{
				TickRateHz:         s.drv.TickRateHz(),
				ExtractRatePerTick: rates.ExtractRatePerTick,
				MaxIOPerTick:       rates.MaxIOPerTick,
			},
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err := s.drv.Exec(ctx, func(tick uint64) {
			resp.Tick = tick
			resp.Ports = PortStates(n)
		})
		if err != nil {
			http.Error(rw, "network busy", http.StatusServiceUnavailable)
			return
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

type settings struct {
	every     uint64
	transfers bool
	ports     map[string]bool
}

func settingsFrom(sub observerproto.SubscribeMsg) *settings {
	st := &settings{every: 1, transfers: sub.Transfers}
	if sub.EveryTicks > 1 {
		st.every = uint64(min(sub.EveryTicks, 1200))
	}
	if len(sub.Ports) > 0 {
		st.ports = map[string]bool{}
		for _, k := range sub.Ports {
			st.ports[strings.TrimSpace(k)] = true
		}
	}
	return st
}

func (st *settings) tickMsg(e driver.TickEntry) ([]byte, bool) {
	if e.Tick%st.every != 0 {
		return nil, false
	}
	msg := TickSummary(e)
	if st.transfers {
		for _, tr := range e.Transfers {
			if st.ports != nil && !st.ports[tr.From] && !st.ports[tr.To] {
				continue
			}
			msg.Transfers = append(msg.Transfers, observerproto.TransferInfo{
				From:   tr.From,
				To:     tr.To,
				Fluid:  string(tr.Fluid),
				Amount: tr.Amount,
			})
		}
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		var cur atomic.Pointer[settings]
		cur.Store(settingsFrom(sub))

		ticks, unsubscribe := s.drv.Subscribe(64)
		defer unsubscribe()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Initial port table, taken on the driver loop.
		ports := observerproto.PortsMsg{Type: observerproto.TypePorts, ProtocolVersion: observerproto.Version}
		ectx, ecancel := context.WithTimeout(ctx, 2*time.Second)
		err = s.drv.Exec(ectx, func(tick uint64) {
			ports.Tick = tick
			ports.Ports = PortStates(s.drv.Network())
		})
		ecancel()
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server busy"), time.Now().Add(time.Second))
			return
		}
		pb, _ := json.Marshal(ports)
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, pb); err != nil {
			return
		}
		s.printf("observer %s subscribed (every=%d transfers=%v)", sid, cur.Load().every, cur.Load().transfers)

		// Writer goroutine. Pings keep passive clients inside the read deadline.
		writeErr := make(chan error, 1)
		go func() {
			ping := time.NewTicker(pingInterval)
			defer ping.Stop()
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case <-ping.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						writeErr <- err
						return
					}
				case e, ok := <-ticks:
					if !ok {
						writeErr <- nil
						return
					}
					b, send := cur.Load().tickMsg(e)
					if !send {
						continue
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var sub observerproto.SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				continue
			}
			if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
				continue
			}
			cur.Store(settingsFrom(sub))
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.printf("observer %s left", sid)
	}
}

func (s *Server) printf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
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
