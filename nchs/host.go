package nchs

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HostState tracks the host machine's lifecycle.
type HostState int

const (
	HostIdle HostState = iota
	HostListening
	HostLobby
	HostStarting
	HostReady
)

func (s HostState) String() string {
	switch s {
	case HostIdle:
		return "idle"
	case HostListening:
		return "listening"
	case HostLobby:
		return "lobby"
	case HostStarting:
		return "starting"
	case HostReady:
		return "ready"
	default:
		return fmt.Sprintf("hostState(%d)", int(s))
	}
}

// inactivityTimeout evicts a guest that sent nothing for this long.
const inactivityTimeout = 5 * time.Second

// HostConfig describes the session the host offers.
type HostConfig struct {
	Port        uint16 // 0 selects DefaultPort
	ConsoleType uint8
	RomHash     string
	TickRate    uint32
	MaxPlayers  uint8 // including the host; 0 selects 4
	Info        PlayerInfo
	Network     *NetworkConfig // nil selects DefaultNetworkConfig
	Save        *SaveConfig
}

// Host runs the lobby's authoritative state machine. It is single-owner:
// every transition happens inside Poll or an explicit call on the caller's
// goroutine.
type Host struct {
	cfg        HostConfig
	network    NetworkConfig
	state      HostState
	socket     *Socket
	guests     *roster
	nextHandle uint8
	publicAddr string
	sessionID  string
	start      *SessionStart
	pending    []Event
	now        func() time.Time
	log        zerolog.Logger
}

// NewHost builds an idle host. Call Listen to bind the lobby port.
func NewHost(cfg HostConfig, log zerolog.Logger) *Host {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MaxPlayers == 0 || cfg.MaxPlayers > 4 {
		cfg.MaxPlayers = 4
	}
	network := DefaultNetworkConfig()
	if cfg.Network != nil {
		network = *cfg.Network
	}
	cfg.Info = cfg.Info.Clamped()
	return &Host{
		cfg:        cfg,
		network:    network,
		state:      HostIdle,
		guests:     newRoster(),
		nextHandle: 1,
		now:        time.Now,
		log:        log.With().Str("role", "host").Logger(),
	}
}

// Listen binds the lobby socket and moves the host to Listening.
func (h *Host) Listen() error {
	if h.state != HostIdle {
		return fmt.Errorf("%w: listen in %s", ErrInvalidState, h.state)
	}
	sock, err := BindSocket(h.cfg.Port, h.log)
	if err != nil {
		return err
	}
	h.socket = sock
	h.publicAddr = fmt.Sprintf("%s:%d", hostIPString(), sock.Port())
	h.state = HostListening
	h.pending = append(h.pending, Event{Kind: EventListening})
	h.log.Info().Uint16("port", sock.Port()).Str("publicAddr", h.publicAddr).Msg("lobby listening")
	return nil
}

func hostIPString() string {
	ip, err := PublicIP()
	if err != nil || ip == nil {
		return "127.0.0.1"
	}
	return ip.String()
}

// State reports the current lifecycle state.
func (h *Host) State() HostState { return h.state }

// PlayerCount includes the host itself.
func (h *Host) PlayerCount() uint8 { return 1 + uint8(h.guests.size()) }

// AllReady is vacuously true with no guests connected.
func (h *Host) AllReady() bool { return h.guests.allReady() }

// IsFull reports whether another guest would exceed MaxPlayers.
func (h *Host) IsFull() bool { return h.PlayerCount() >= h.cfg.MaxPlayers }

// SessionID is empty until Start succeeds.
func (h *Host) SessionID() string { return h.sessionID }

// StartPayload returns the host's own SessionStart, nil before Start.
func (h *Host) StartPayload() *SessionStart { return h.start }

// LobbyState snapshots the roster as broadcast to guests. Slot 0 is always
// the host and counts as ready.
func (h *Host) LobbyState() LobbyState {
	slots := make([]PlayerSlot, 0, h.cfg.MaxPlayers)
	slots = append(slots, PlayerSlot{
		Handle: 0,
		Active: true,
		Info:   h.cfg.Info,
		Ready:  true,
		Addr:   h.publicAddr,
	})
	// Handles are never reused, so a guest's handle can exceed its slot
	// index. Slots list guests in handle order and pad to MaxPlayers.
	for _, handle := range h.guests.handles() {
		p, _ := h.guests.get(handle)
		slots = append(slots, PlayerSlot{
			Handle: handle,
			Active: true,
			Info:   p.Info,
			Ready:  p.Ready,
			Addr:   p.Addr.String(),
		})
	}
	for uint8(len(slots)) < h.cfg.MaxPlayers {
		slots = append(slots, PlayerSlot{})
	}
	return LobbyState{Players: slots, MaxPlayers: h.cfg.MaxPlayers, HostHandle: 0}
}

// Poll advances the machine and reports at most one event.
func (h *Host) Poll() (Event, bool) {
	if len(h.pending) > 0 {
		ev := h.pending[0]
		h.pending = h.pending[1:]
		return ev, true
	}
	if h.state == HostIdle || h.socket == nil {
		return Event{}, false
	}

	// The host skips hole punching; Starting settles on the next poll and
	// surfaces the cached payload to the embedding runtime.
	if h.state == HostStarting {
		h.state = HostReady
		return Event{Kind: EventReady, Start: h.start}, true
	}

	if ev, ok := h.evictOneTimedOut(); ok {
		return ev, true
	}

	for {
		msg, addr, ok := h.socket.Poll()
		if !ok {
			return Event{}, false
		}
		if ev, ok := h.handleMessage(msg, addr); ok {
			return ev, true
		}
	}
}

// evictOneTimedOut removes at most one inactive guest so every departure
// gets its own PlayerLeft event. Timeouts only apply while the lobby is
// still forming.
func (h *Host) evictOneTimedOut() (Event, bool) {
	if h.state != HostListening && h.state != HostLobby {
		return Event{}, false
	}
	now := h.now()
	for _, handle := range h.guests.handles() {
		p, _ := h.guests.get(handle)
		if now.Sub(p.LastSeen) > inactivityTimeout {
			h.log.Warn().Uint8("handle", handle).Msg("guest timed out")
			h.removeGuest(handle)
			return Event{Kind: EventPlayerLeft, Handle: handle, Lobby: h.LobbyState()}, true
		}
	}
	return Event{}, false
}

func (h *Host) handleMessage(msg Message, addr *net.UDPAddr) (Event, bool) {
	if p, ok := h.guests.lookupAddr(addr); ok {
		p.LastSeen = h.now()
	}
	switch m := msg.(type) {
	case JoinRequest:
		return h.handleJoinRequest(m, addr)
	case ReadyChange:
		return h.handleReadyChange(m, addr)
	case Ping:
		h.socket.Send(Pong{Handle: 0}, addr)
		return Event{}, false
	default:
		h.log.Debug().Str("kind", string(msg.MessageKind())).Stringer("from", addr).Msg("ignoring message")
		return Event{}, false
	}
}

func (h *Host) handleJoinRequest(req JoinRequest, addr *net.UDPAddr) (Event, bool) {
	// A retransmitted request from a known guest gets the accept again.
	if p, ok := h.guests.lookupAddr(addr); ok {
		h.socket.Send(JoinAccept{PlayerHandle: p.Handle, Lobby: h.LobbyState()}, addr)
		return Event{}, false
	}
	if h.state != HostListening && h.state != HostLobby {
		h.reject(addr, RejectGameInProgress, "session already started")
		return Event{}, false
	}
	if req.ConsoleType != h.cfg.ConsoleType {
		h.reject(addr, RejectConsoleTypeMismatch, "")
		return Event{}, false
	}
	if req.RomHash != h.cfg.RomHash {
		h.reject(addr, RejectRomHashMismatch, "")
		return Event{}, false
	}
	if req.TickRate != h.cfg.TickRate {
		h.reject(addr, RejectTickRateMismatch, "")
		return Event{}, false
	}
	if h.IsFull() {
		h.reject(addr, RejectLobbyFull, "")
		return Event{}, false
	}

	handle := h.nextHandle
	h.nextHandle++
	h.guests.add(&ConnectedPlayer{
		Handle:   handle,
		Active:   true,
		Info:     req.PlayerInfo.Clamped(),
		Addr:     addr,
		LastSeen: h.now(),
	})
	h.state = HostLobby
	h.socket.Send(JoinAccept{PlayerHandle: handle, Lobby: h.LobbyState()}, addr)
	h.broadcastLobby()
	h.log.Info().Uint8("handle", handle).Stringer("addr", addr).Str("name", req.PlayerInfo.Name).Msg("guest joined")
	return Event{Kind: EventPlayerJoined, Handle: handle, Lobby: h.LobbyState()}, true
}

func (h *Host) handleReadyChange(m ReadyChange, addr *net.UDPAddr) (Event, bool) {
	p, ok := h.guests.lookupAddr(addr)
	if !ok {
		return Event{}, false
	}
	if p.Ready == m.Ready {
		return Event{}, false
	}
	p.Ready = m.Ready
	h.broadcastLobby()
	h.log.Debug().Uint8("handle", p.Handle).Bool("ready", m.Ready).Msg("guest readiness changed")
	return Event{Kind: EventLobbyUpdated, Lobby: h.LobbyState()}, true
}

func (h *Host) reject(addr *net.UDPAddr, reason RejectReason, message string) {
	h.socket.Send(JoinReject{Reason: reason, Message: message}, addr)
	h.log.Debug().Stringer("addr", addr).Str("reason", string(reason)).Msg("join rejected")
}

func (h *Host) broadcastLobby() {
	update := LobbyUpdate{Lobby: h.LobbyState()}
	for _, handle := range h.guests.handles() {
		p, _ := h.guests.get(handle)
		h.socket.Send(update, p.Addr)
	}
}

func (h *Host) removeGuest(handle uint8) {
	if _, ok := h.guests.remove(handle); !ok {
		return
	}
	h.broadcastLobby()
	if h.guests.size() == 0 && h.state == HostLobby {
		h.state = HostListening
	}
}

// RemovePlayer kicks a guest by handle.
func (h *Host) RemovePlayer(handle uint8) bool {
	if _, ok := h.guests.get(handle); !ok {
		return false
	}
	h.removeGuest(handle)
	h.pending = append(h.pending, Event{Kind: EventPlayerLeft, Handle: handle, Lobby: h.LobbyState()})
	return true
}

// Start draws the shared seed, broadcasts SessionStart to every guest and
// moves the lobby to Starting. The next Poll settles to Ready.
func (h *Host) Start() (*SessionStart, error) {
	if h.state != HostLobby {
		return nil, fmt.Errorf("%w: start in %s", ErrInvalidState, h.state)
	}
	if h.PlayerCount() < 2 {
		return nil, ErrNotEnoughPlayers
	}
	if !h.AllReady() {
		return nil, ErrNotAllReady
	}

	seed, err := randomSeed()
	if err != nil {
		return nil, err
	}
	h.sessionID = uuid.NewString()

	start := &SessionStart{
		SessionID:         h.sessionID,
		LocalPlayerHandle: 0,
		RandomSeed:        seed,
		StartFrame:        0,
		TickRate:          h.cfg.TickRate,
		Players:           h.buildConnectionInfo(),
		PlayerCount:       h.PlayerCount(),
		Network:           h.network,
		Save:              h.cfg.Save,
	}
	for _, handle := range h.guests.handles() {
		p, _ := h.guests.get(handle)
		h.socket.Send(*start, p.Addr)
	}
	h.start = start
	h.state = HostStarting
	h.log.Info().Uint8("players", start.PlayerCount).Str("sessionId", h.sessionID).
		Str("seed", fmt.Sprintf("%016x", seed)).Msg("session starting")
	return start, nil
}

// buildConnectionInfo lays out one entry per slot up to MaxPlayers, with
// inactive slots zeroed, so every peer indexes players identically.
func (h *Host) buildConnectionInfo() []PlayerConnectionInfo {
	players := make([]PlayerConnectionInfo, 0, h.cfg.MaxPlayers)
	players = append(players, PlayerConnectionInfo{
		Handle:     0,
		Active:     true,
		Info:       h.cfg.Info,
		Addr:       h.publicAddr,
		EnginePort: h.socket.EnginePort(),
	})
	for _, handle := range h.guests.handles() {
		p, _ := h.guests.get(handle)
		players = append(players, PlayerConnectionInfo{
			Handle:     handle,
			Active:     true,
			Info:       p.Info,
			Addr:       p.Addr.String(),
			EnginePort: uint16(p.Addr.Port) + 1,
		})
	}
	for uint8(len(players)) < h.cfg.MaxPlayers {
		players = append(players, PlayerConnectionInfo{})
	}
	return players
}

func randomSeed() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("nchs: draw seed: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

// TakeSocket hands the lobby socket to the frame-sync layer. The host must
// not be polled afterwards.
func (h *Host) TakeSocket() (*Socket, error) {
	if h.socket == nil {
		return nil, ErrSocketTaken
	}
	sock := h.socket
	h.socket = nil
	return sock, nil
}
