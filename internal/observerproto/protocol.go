package observerproto

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypePorts     = "PORTS"
	TypeTick      = "TICK"
)

// BaseMessage is enough of any message to dispatch on its type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
}

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// EveryTicks thins the TICK stream to one message per N ticks (default 1).
	EveryTicks int `json:"every_ticks,omitempty"`
	// Transfers asks for per-transfer detail in TICK messages.
	Transfers bool `json:"transfers,omitempty"`
	// Ports limits transfer detail to transfers touching these port keys ("x,y,z/dir").
	Ports []string `json:"ports,omitempty"`
}

// HTTP response for GET /observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string        `json:"protocol_version"`
	NetworkID       string        `json:"network_id"`
	Tick            uint64        `json:"tick"`
	Params          NetworkParams `json:"params"`
	Ports           []PortState   `json:"ports"`
}

type NetworkParams struct {
	TickRateHz         int `json:"tick_rate_hz"`
	ExtractRatePerTick int `json:"extract_rate_per_tick"`
	MaxIOPerTick       int `json:"max_io_per_tick"`
}

type PortState struct {
	Key           string      `json:"key"`
	Pos           [3]int      `json:"pos"`
	Dir           string      `json:"dir"`
	Priority      int         `json:"priority"`
	Mode          string      `json:"mode"`
	InputColor    string      `json:"input_color"`
	OutputColor   string      `json:"output_color"`
	RoundRobin    bool        `json:"round_robin"`
	SelfFeed      bool        `json:"self_feed,omitempty"`
	SpeedUpgrades int         `json:"speed_upgrades,omitempty"`
	Valid         bool        `json:"valid"`
	Tanks         []TankState `json:"tanks,omitempty"`
}

type TankState struct {
	Fluid    string `json:"fluid,omitempty"`
	Amount   int    `json:"amount"`
	Capacity int    `json:"capacity"`
}

// Server -> Client. Sent once after SUBSCRIBE.
type PortsMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Tick            uint64      `json:"tick"`
	Ports           []PortState `json:"ports"`
}

// Server -> Client. Sent every tick (or every EveryTicks ticks).
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	NetworkID       string `json:"network_id"`

	Extractions int    `json:"extractions"`
	Succeeded   int    `json:"succeeded"`
	Moved       int    `json:"moved"`
	Digest      string `json:"digest"`

	Transfers []TransferInfo `json:"transfers,omitempty"`
}

type TransferInfo struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Fluid  string `json:"fluid"`
	Amount int    `json:"amount"`
}

// HTTP response for GET /debug/network (loopback admin only).
type NetworkDebug struct {
	NetworkID string         `json:"network_id"`
	Tick      uint64         `json:"tick"`
	Params    NetworkParams  `json:"params"`
	Ports     []DebugPort    `json:"ports"`
	Cursors   map[string]int `json:"cursors"`
	Latest    *TickMsg       `json:"latest,omitempty"`
}

// DebugPort adds what the port can reach to its observer state.
type DebugPort struct {
	PortState

	// Tanks of every other valid port, as the port's neighbours would see them.
	VisibleTanks    int `json:"visible_tanks"`
	VisibleCapacity int `json:"visible_capacity"`
	VisibleStored   int `json:"visible_stored"`
}
