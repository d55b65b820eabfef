package nchs

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// GuestState tracks the guest machine's lifecycle.
type GuestState int

const (
	GuestIdle GuestState = iota
	GuestJoining
	GuestLobby
	GuestPunching
	GuestReady
	GuestFailed
)

func (s GuestState) String() string {
	switch s {
	case GuestIdle:
		return "idle"
	case GuestJoining:
		return "joining"
	case GuestLobby:
		return "lobby"
	case GuestPunching:
		return "punching"
	case GuestReady:
		return "ready"
	case GuestFailed:
		return "failed"
	default:
		return fmt.Sprintf("guestState(%d)", int(s))
	}
}

const (
	joinTimeout        = 5 * time.Second
	punchTimeout       = 3 * time.Second
	punchRetryInterval = 200 * time.Millisecond
	joinResendInterval = 500 * time.Millisecond
	pingInterval       = 2 * time.Second
)

// GuestConfig describes the session the guest expects to find.
type GuestConfig struct {
	HostAddr    string
	ConsoleType uint8
	RomHash     string
	TickRate    uint32
	MaxPlayers  uint8
	Info        PlayerInfo
	ExtraData   []byte
}

type punchPeer struct {
	handle uint8
	addr   *net.UDPAddr
	nonce  uint32
	done   bool
}

// Guest joins a remote lobby and hole-punches the other guests once the
// host hands out SessionStart. Single-owner like Host: advance via Poll.
type Guest struct {
	cfg       GuestConfig
	state     GuestState
	socket    *Socket
	hostAddr  *net.UDPAddr
	handle    uint8
	lobby     LobbyState
	start     *SessionStart
	failure   error
	joinedAt  time.Time
	punchedAt time.Time
	peers     map[uint8]*punchPeer

	joinPacer  *rate.Limiter
	punchPacer *rate.Limiter
	pingPacer  *rate.Limiter

	pending []Event
	now     func() time.Time
	log     zerolog.Logger
}

// NewGuest resolves the host address and binds an ephemeral lobby socket.
func NewGuest(cfg GuestConfig, log zerolog.Logger) (*Guest, error) {
	hostAddr, err := net.ResolveUDPAddr("udp", cfg.HostAddr)
	if err != nil {
		return nil, fmt.Errorf("nchs: resolve host %q: %w", cfg.HostAddr, err)
	}
	logger := log.With().Str("role", "guest").Logger()
	sock, err := BindAnySocket(logger)
	if err != nil {
		return nil, err
	}
	cfg.Info = cfg.Info.Clamped()
	return &Guest{
		cfg:        cfg,
		state:      GuestIdle,
		socket:     sock,
		hostAddr:   hostAddr,
		peers:      make(map[uint8]*punchPeer),
		joinPacer:  rate.NewLimiter(rate.Every(joinResendInterval), 1),
		punchPacer: rate.NewLimiter(rate.Every(punchRetryInterval), 1),
		pingPacer:  rate.NewLimiter(rate.Every(pingInterval), 1),
		now:        time.Now,
		log:        logger,
	}, nil
}

// Join sends the join request and starts the 5s answer clock.
func (g *Guest) Join() error {
	if g.state != GuestIdle {
		return fmt.Errorf("%w: join in %s", ErrInvalidState, g.state)
	}
	if err := g.sendJoinRequest(); err != nil {
		return err
	}
	g.joinPacer.Allow()
	g.state = GuestJoining
	g.joinedAt = g.now()
	g.pending = append(g.pending, Event{Kind: EventPending})
	g.log.Info().Stringer("host", g.hostAddr).Msg("joining lobby")
	return nil
}

func (g *Guest) sendJoinRequest() error {
	return g.socket.Send(JoinRequest{
		ConsoleType: g.cfg.ConsoleType,
		RomHash:     g.cfg.RomHash,
		TickRate:    g.cfg.TickRate,
		MaxPlayers:  g.cfg.MaxPlayers,
		PlayerInfo:  g.cfg.Info,
		ExtraData:   g.cfg.ExtraData,
	}, g.hostAddr)
}

// State reports the current lifecycle state.
func (g *Guest) State() GuestState { return g.state }

// Handle is the host-assigned player handle, valid from Lobby onwards.
func (g *Guest) Handle() uint8 { return g.handle }

// Lobby is the latest roster received from the host.
func (g *Guest) Lobby() LobbyState { return g.lobby }

// StartPayload returns the cached SessionStart, nil before it arrived.
func (g *Guest) StartPayload() *SessionStart { return g.start }

// Failure is the terminal error once the guest is in the failed state.
func (g *Guest) Failure() error { return g.failure }

// SetReady flips the guest's readiness. Only valid in the lobby.
func (g *Guest) SetReady(ready bool) error {
	if g.state != GuestLobby {
		return fmt.Errorf("%w: set ready in %s", ErrInvalidState, g.state)
	}
	return g.socket.Send(ReadyChange{Handle: g.handle, Ready: ready}, g.hostAddr)
}

// Poll advances the machine and reports at most one event.
func (g *Guest) Poll() (Event, bool) {
	if len(g.pending) > 0 {
		ev := g.pending[0]
		g.pending = g.pending[1:]
		return ev, true
	}
	if g.socket == nil {
		return Event{}, false
	}

	switch g.state {
	case GuestJoining:
		if g.now().Sub(g.joinedAt) > joinTimeout {
			return g.fail(ErrJoinTimeout), true
		}
		if g.joinPacer.Allow() {
			g.sendJoinRequest()
		}
	case GuestLobby:
		// Keepalive so the host's inactivity clock never fires on a quiet
		// lobby.
		if g.pingPacer.Allow() {
			g.socket.Send(Ping{Handle: g.handle}, g.hostAddr)
		}
	case GuestPunching:
		if g.now().Sub(g.punchedAt) > punchTimeout {
			return g.fail(ErrPunchTimeout), true
		}
		if g.punchPacer.Allow() {
			g.sendPunchHellos()
		}
	case GuestIdle, GuestReady, GuestFailed:
		return Event{}, false
	}

	for {
		msg, addr, ok := g.socket.Poll()
		if !ok {
			return Event{}, false
		}
		if ev, ok := g.handleMessage(msg, addr); ok {
			return ev, true
		}
	}
}

func (g *Guest) handleMessage(msg Message, addr *net.UDPAddr) (Event, bool) {
	fromHost := udpAddrEqual(addr, g.hostAddr)
	switch m := msg.(type) {
	case JoinAccept:
		if !fromHost || g.state != GuestJoining {
			return Event{}, false
		}
		g.handle = m.PlayerHandle
		g.lobby = m.Lobby
		g.state = GuestLobby
		g.log.Info().Uint8("handle", g.handle).Msg("join accepted")
		return Event{Kind: EventLobbyUpdated, Handle: g.handle, Lobby: g.lobby}, true
	case JoinReject:
		if !fromHost || g.state != GuestJoining {
			return Event{}, false
		}
		return g.fail(&RejectError{Reason: m.Reason, Message: m.Message}), true
	case LobbyUpdate:
		if !fromHost {
			return Event{}, false
		}
		g.lobby = m.Lobby
		return Event{Kind: EventLobbyUpdated, Lobby: g.lobby}, true
	case SessionStart:
		if !fromHost || g.state != GuestLobby {
			return Event{}, false
		}
		return g.handleSessionStart(m)
	case PunchHello:
		return g.handlePunchHello(m, addr)
	case PunchAck:
		return g.handlePunchAck(m)
	case Pong:
		return Event{}, false
	default:
		if !fromHost {
			return Event{}, false
		}
		g.log.Debug().Str("kind", string(msg.MessageKind())).Msg("ignoring message")
		return Event{}, false
	}
}

func (g *Guest) handleSessionStart(start SessionStart) (Event, bool) {
	// The host broadcasts one payload; each guest stamps in its own handle.
	start.LocalPlayerHandle = g.handle
	g.start = &start

	for _, p := range start.Players {
		if !p.Active || p.Handle == 0 || p.Handle == g.handle {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp", p.Addr)
		if err != nil {
			g.log.Warn().Err(err).Uint8("peer", p.Handle).Str("addr", p.Addr).Msg("unresolvable peer")
			continue
		}
		g.peers[p.Handle] = &punchPeer{handle: p.Handle, addr: addr, nonce: punchNonce()}
	}

	if len(g.peers) == 0 {
		// Two-player session: the only peer is the host, which does not
		// punch. Straight to ready.
		g.state = GuestReady
		g.log.Info().Msg("session ready")
		return Event{Kind: EventReady, Start: g.start}, true
	}

	g.state = GuestPunching
	g.punchedAt = g.now()
	g.sendPunchHellos()
	g.log.Info().Int("peers", len(g.peers)).Msg("hole punching")
	return Event{}, false
}

func (g *Guest) sendPunchHellos() {
	for _, peer := range g.peers {
		if peer.done {
			continue
		}
		g.socket.Send(PunchHello{SenderHandle: g.handle, Nonce: peer.nonce}, peer.addr)
	}
}

func (g *Guest) handlePunchHello(m PunchHello, addr *net.UDPAddr) (Event, bool) {
	if g.state != GuestPunching {
		return Event{}, false
	}
	peer, ok := g.peers[m.SenderHandle]
	if !ok {
		return Event{}, false
	}
	// Answer with the sender's nonce and treat the inbound hello as proof
	// the path works both ways.
	g.socket.Send(PunchAck{SenderHandle: g.handle, Nonce: m.Nonce}, addr)
	if !peer.done {
		peer.done = true
		g.log.Debug().Uint8("peer", m.SenderHandle).Msg("punched via hello")
	}
	return g.maybeFinishPunching()
}

func (g *Guest) handlePunchAck(m PunchAck) (Event, bool) {
	if g.state != GuestPunching {
		return Event{}, false
	}
	peer, ok := g.peers[m.SenderHandle]
	if !ok || peer.nonce != m.Nonce {
		return Event{}, false
	}
	if !peer.done {
		peer.done = true
		g.log.Debug().Uint8("peer", m.SenderHandle).Msg("punched via ack")
	}
	return g.maybeFinishPunching()
}

func (g *Guest) maybeFinishPunching() (Event, bool) {
	for _, peer := range g.peers {
		if !peer.done {
			return Event{}, false
		}
	}
	g.state = GuestReady
	g.log.Info().Msg("session ready")
	return Event{Kind: EventReady, Start: g.start}, true
}

func (g *Guest) fail(err error) Event {
	g.state = GuestFailed
	g.failure = err
	g.log.Warn().Err(err).Msg("lobby join failed")
	return Event{Kind: EventError, Err: err}
}

// TakeSocket hands the lobby socket to the frame-sync layer. The guest
// must not be polled afterwards.
func (g *Guest) TakeSocket() (*Socket, error) {
	if g.socket == nil {
		return nil, ErrSocketTaken
	}
	sock := g.socket
	g.socket = nil
	return sock, nil
}

func punchNonce() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
