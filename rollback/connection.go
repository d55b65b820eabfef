package rollback

import "netherlink/nchs"

// ModeKind discriminates ConnectionMode variants.
type ModeKind int

const (
	ModeLocal ModeKind = iota
	ModeSyncTest
	ModeHost
	ModeJoin
	ModeP2P
)

// DefaultHostPort is the lobby port a hosting session offers by default.
// It aliases the lobby layer's default so the two cannot drift.
const DefaultHostPort uint16 = nchs.DefaultPort

// ConnectionMode selects how a session is established. Only the fields of
// the active kind are meaningful.
type ConnectionMode struct {
	Kind ModeKind

	// SyncTest: frames between checksum verification replays.
	CheckDistance int

	// Host: lobby port to listen on.
	Port uint16

	// Join: host address in "ip:port" form.
	HostAddr string

	// P2P: explicit two-instance wiring for same-machine testing.
	BindPort    uint16
	PeerPort    uint16
	LocalPlayer int
}

// LocalMode is an offline session.
func LocalMode() ConnectionMode {
	return ConnectionMode{Kind: ModeLocal}
}

// SyncTestMode verifies simulation determinism with the default distance.
func SyncTestMode() ConnectionMode {
	return ConnectionMode{Kind: ModeSyncTest, CheckDistance: 2}
}

// SyncTestModeWithDistance verifies determinism with a custom distance.
func SyncTestModeWithDistance(checkDistance int) ConnectionMode {
	return ConnectionMode{Kind: ModeSyncTest, CheckDistance: checkDistance}
}

// HostMode hosts a lobby on the default port.
func HostMode() ConnectionMode {
	return ConnectionMode{Kind: ModeHost, Port: DefaultHostPort}
}

// HostModeOnPort hosts a lobby on a specific port.
func HostModeOnPort(port uint16) ConnectionMode {
	return ConnectionMode{Kind: ModeHost, Port: port}
}

// JoinMode joins the lobby at addr.
func JoinMode(addr string) ConnectionMode {
	return ConnectionMode{Kind: ModeJoin, HostAddr: addr}
}

// P2PMode wires two instances directly by port, for local testing.
func P2PMode(bindPort, peerPort uint16, localPlayer int) ConnectionMode {
	return ConnectionMode{Kind: ModeP2P, BindPort: bindPort, PeerPort: peerPort, LocalPlayer: localPlayer}
}

// IsNetworked reports whether this mode talks to other machines.
func (m ConnectionMode) IsNetworked() bool {
	switch m.Kind {
	case ModeHost, ModeJoin, ModeP2P:
		return true
	}
	return false
}

// UsesRollback reports whether this mode runs the rollback machinery.
func (m ConnectionMode) UsesRollback() bool {
	return m.Kind != ModeLocal
}

// ConnectionState feeds UI status while a networked session forms.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateBinding
	StateWaitingForPeer
	StateConnecting
	StateSynchronizing
	StateConnected
	StateFailed
)

func (s ConnectionState) IsPending() bool {
	switch s {
	case StateBinding, StateWaitingForPeer, StateConnecting, StateSynchronizing:
		return true
	}
	return false
}

func (s ConnectionState) IsConnected() bool { return s == StateConnected }

func (s ConnectionState) IsFailed() bool { return s == StateFailed }

func (s ConnectionState) StatusMessage() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateBinding:
		return "Binding to port..."
	case StateWaitingForPeer:
		return "Waiting for player to connect..."
	case StateConnecting:
		return "Connecting to host..."
	case StateSynchronizing:
		return "Synchronizing..."
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Connection failed"
	default:
		return "Unknown"
	}
}
