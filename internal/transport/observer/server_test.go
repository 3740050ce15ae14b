package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"conduitnet.ai/internal/observerproto"
	"conduitnet.ai/internal/sim/conduit"
	"conduitnet.ai/internal/sim/driver"
	"conduitnet.ai/internal/sim/fluid"
	"conduitnet.ai/internal/sim/reservoir"
)

func startDriver(t *testing.T) (*driver.Driver, conduit.PortKey, conduit.PortKey) {
	t.Helper()
	n := conduit.New(conduit.Options{ID: "obs-net", Rates: conduit.Rates{ExtractRatePerTick: 10, MaxIOPerTick: 100}})
	src := conduit.PortKey{Pos: conduit.Vec3i{X: 0}, Dir: conduit.East}
	dst := conduit.PortKey{Pos: conduit.Vec3i{X: 1}, Dir: conduit.West}
	n.ConnectionChanged(conduit.Port{Key: src, CanExtract: true, RoundRobin: true, InputColor: "g", OutputColor: "g",
		Endpoint: reservoir.NewTankWith(1_000_000, fluid.New("WATER", 1_000_000)), Valid: true})
	n.ConnectionChanged(conduit.Port{Key: dst, AcceptsOutput: true, Priority: 2, RoundRobin: true, InputColor: "g", OutputColor: "g",
		Endpoint: reservoir.NewTank(1_000_000), Valid: true})

	d := driver.New(n, driver.Config{TickRateHz: 100})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d, src, dst
}

func TestBootstrap(t *testing.T) {
	d, src, dst := startDriver(t)
	srv := httptest.NewServer(NewServer(d, nil).BootstrapHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var br observerproto.BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if br.NetworkID != "obs-net" || br.Params.TickRateHz != 100 || br.Params.ExtractRatePerTick != 10 {
		t.Fatalf("bootstrap=%+v", br)
	}
	if len(br.Ports) != 2 || br.Ports[0].Key != dst.String() || br.Ports[1].Key != src.String() {
		t.Fatalf("ports=%+v", br.Ports)
	}
	if br.Ports[0].Mode != "insert" || br.Ports[1].Mode != "extract" || len(br.Ports[1].Tanks) != 1 {
		t.Fatalf("ports=%+v", br.Ports)
	}
}

func TestHandlers_RejectNonLoopback(t *testing.T) {
	d, _, _ := startDriver(t)
	s := NewServer(d, nil)
	for name, h := range map[string]http.HandlerFunc{"bootstrap": s.BootstrapHandler(), "ws": s.WSHandler()} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9:5555"
		rec := httptest.NewRecorder()
		h(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s: status=%d, want 403", name, rec.Code)
		}
	}
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWS_SubscribeStreamsTicks(t *testing.T) {
	d, src, dst := startDriver(t)
	srv := httptest.NewServer(NewServer(d, nil).WSHandler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	sub := observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version, Transfers: true}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ports observerproto.PortsMsg
	if err := conn.ReadJSON(&ports); err != nil {
		t.Fatalf("read ports: %v", err)
	}
	if ports.Type != "PORTS" || len(ports.Ports) != 2 {
		t.Fatalf("ports msg=%+v", ports)
	}

	var tick observerproto.TickMsg
	for i := 0; i < 3; i++ {
		if err := conn.ReadJSON(&tick); err != nil {
			t.Fatalf("read tick: %v", err)
		}
		if tick.Type != "TICK" || tick.NetworkID != "obs-net" {
			t.Fatalf("tick msg=%+v", tick)
		}
	}
	if tick.Moved != 10 || len(tick.Transfers) != 1 || tick.Transfers[0].From != src.String() || tick.Transfers[0].To != dst.String() {
		t.Fatalf("tick=%+v", tick)
	}

	// Re-subscribe: thinned stream without transfer detail.
	sub = observerproto.SubscribeMsg{Type: "SUBSCRIBE", ProtocolVersion: observerproto.Version, EveryTicks: 5}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("write resubscribe: %v", err)
	}
	seen := 0
	for seen < 2 {
		var m observerproto.TickMsg
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		if len(m.Transfers) > 0 {
			continue
		}
		if m.Tick%5 != 0 {
			t.Fatalf("tick %d not thinned", m.Tick)
		}
		seen++
	}
}

func TestWS_RejectsBadHandshake(t *testing.T) {
	d, _, _ := startDriver(t)
	srv := httptest.NewServer(NewServer(d, nil).WSHandler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	if err := conn.WriteJSON(map[string]string{"type": "HELLO"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("err=%v, want policy violation close", err)
	}
}
