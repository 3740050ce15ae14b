package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"conduitnet.ai/internal/observerproto"
)

func main() {
	var (
		url       = flag.String("url", "ws://127.0.0.1:8080/observer/ws", "observer ws url")
		every     = flag.Int("every", 20, "print one TICK per N ticks")
		transfers = flag.Bool("transfers", false, "request per-transfer detail")
		ports     = flag.String("ports", "", "space-separated port keys to limit transfer detail (x,y,z/dir)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[watch] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		EveryTicks:      *every,
		Transfers:       *transfers,
		Ports:           splitList(*ports),
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range describe(msg) {
			logger.Print(line)
		}
	}
}

// describe renders one server message as log lines; unknown messages yield none.
func describe(msg []byte) []string {
	var base observerproto.BaseMessage
	if err := json.Unmarshal(msg, &base); err != nil {
		return nil
	}
	switch base.Type {
	case observerproto.TypePorts:
		var m observerproto.PortsMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil
		}
		out := []string{fmt.Sprintf("PORTS tick=%d count=%d", m.Tick, len(m.Ports))}
		for _, p := range m.Ports {
			stored := 0
			for _, t := range p.Tanks {
				stored += t.Amount
			}
			out = append(out, fmt.Sprintf("  %s mode=%s prio=%d valid=%v stored=%d", p.Key, p.Mode, p.Priority, p.Valid, stored))
		}
		return out

	case observerproto.TypeTick:
		var m observerproto.TickMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return nil
		}
		out := []string{fmt.Sprintf("TICK %d extractions=%d ok=%d moved=%d digest=%.12s", m.Tick, m.Extractions, m.Succeeded, m.Moved, m.Digest)}
		for _, tr := range m.Transfers {
			out = append(out, fmt.Sprintf("  %s -> %s %s=%d", tr.From, tr.To, tr.Fluid, tr.Amount))
		}
		return out
	}
	return nil
}

func splitList(s string) []string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return nil
	}
	return f
}
