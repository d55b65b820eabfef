package rollback

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"netherlink/lockstep"
	"netherlink/nchs"
)

// NewLocal builds an offline session. maxStateSize of 0 selects the
// default bound.
func NewLocal(players PlayerConfig, maxStateSize int, log zerolog.Logger) (*Session, error) {
	engine, err := lockstep.NewLocal(lockstep.Config{NumPlayers: players.NumPlayers()})
	if err != nil {
		return nil, err
	}
	return newSession(engine, players, maxStateSize, false, log), nil
}

// NewSyncTest builds a determinism-checking session. checkDistance of 0
// selects the default of 2.
func NewSyncTest(players PlayerConfig, checkDistance, maxStateSize int, log zerolog.Logger) (*Session, error) {
	engine, err := lockstep.NewSyncTest(lockstep.Config{
		NumPlayers:    players.NumPlayers(),
		CheckDistance: checkDistance,
	})
	if err != nil {
		return nil, err
	}
	return newSession(engine, players, maxStateSize, false, log), nil
}

// NewP2P builds a networked session with explicit peer addresses, keyed
// by remote player index. Used for direct wiring without a lobby.
func NewP2P(players PlayerConfig, bindPort uint16, remoteAddrs map[int]string, maxStateSize int, log zerolog.Logger) (*Session, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(bindPort)})
	if err != nil {
		return nil, fmt.Errorf("rollback: bind engine port %d: %w", bindPort, err)
	}

	network := nchs.DefaultNetworkConfig()
	lockstepPlayers := make([]lockstep.Player, 0, players.NumPlayers())
	for i := 0; i < players.NumPlayers(); i++ {
		if players.IsLocalPlayer(i) {
			lockstepPlayers = append(lockstepPlayers, lockstep.Player{Handle: lockstep.PlayerHandle(i)})
			continue
		}
		raw, ok := remoteAddrs[i]
		if !ok {
			conn.Close()
			return nil, fmt.Errorf("rollback: no address for remote player %d", i)
		}
		addr, err := net.ResolveUDPAddr("udp", raw)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("rollback: resolve player %d addr %q: %w", i, raw, err)
		}
		lockstepPlayers = append(lockstepPlayers, lockstep.Player{Handle: lockstep.PlayerHandle(i), Remote: addr})
	}

	engine, err := lockstep.NewP2P(lockstep.Config{
		NumPlayers:            players.NumPlayers(),
		MaxPrediction:         int(network.MaxRollback),
		InputDelay:            int(network.InputDelay),
		DisconnectTimeout:     time.Duration(network.DisconnectTimeoutMs) * time.Millisecond,
		DisconnectNotifyStart: time.Duration(network.DisconnectTimeoutMs) * time.Millisecond / 2,
	}, conn, lockstepPlayers, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return newSession(engine, players, maxStateSize, true, log), nil
}

// FromNCHS turns a completed lobby handshake into a running session. The
// lobby socket is consumed: it is rebound on the engine port the
// SessionStart advertised to the peers.
func FromNCHS(start *nchs.SessionStart, sock *nchs.Socket, maxStateSize int, log zerolog.Logger) (*Session, error) {
	if start == nil {
		return nil, fmt.Errorf("rollback: nil session start")
	}
	conn, err := sock.IntoEngineConn()
	if err != nil {
		return nil, err
	}

	lockstepPlayers := make([]lockstep.Player, 0, start.PlayerCount)
	localIndex := -1
	for _, p := range start.Players {
		if !p.Active {
			continue
		}
		handle := lockstep.PlayerHandle(len(lockstepPlayers))
		if p.Handle == start.LocalPlayerHandle {
			localIndex = int(handle)
			lockstepPlayers = append(lockstepPlayers, lockstep.Player{Handle: handle})
			continue
		}
		addr, err := engineAddr(p)
		if err != nil {
			conn.Close()
			return nil, err
		}
		lockstepPlayers = append(lockstepPlayers, lockstep.Player{Handle: handle, Remote: addr})
	}
	if localIndex < 0 {
		conn.Close()
		return nil, fmt.Errorf("rollback: local handle %d not in session start", start.LocalPlayerHandle)
	}

	numPlayers := len(lockstepPlayers)
	timeout := time.Duration(start.Network.DisconnectTimeoutMs) * time.Millisecond
	engine, err := lockstep.NewP2P(lockstep.Config{
		NumPlayers:            numPlayers,
		MaxPrediction:         int(start.Network.MaxRollback),
		InputDelay:            int(start.Network.InputDelay),
		FPS:                   int(start.TickRate),
		DisconnectTimeout:     timeout,
		DisconnectNotifyStart: timeout / 2,
	}, conn, lockstepPlayers, log)
	if err != nil {
		conn.Close()
		return nil, err
	}

	players := OneLocal(numPlayers, localIndex)
	session := newSession(engine, players, maxStateSize, true, log)
	session.log.Info().Str("sessionId", start.SessionID).Int("players", numPlayers).
		Int("localPlayer", localIndex).Msg("session from lobby handshake")
	return session, nil
}

// engineAddr swaps a peer's lobby port for its advertised engine port.
func engineAddr(p nchs.PlayerConnectionInfo) (*net.UDPAddr, error) {
	host, _, err := net.SplitHostPort(p.Addr)
	if err != nil {
		return nil, fmt.Errorf("rollback: peer %d addr %q: %w", p.Handle, p.Addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("rollback: peer %d addr %q: not an ip", p.Handle, p.Addr)
	}
	return &net.UDPAddr{IP: ip, Port: int(p.EnginePort)}, nil
}
