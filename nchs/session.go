package nchs

import (
	"fmt"

	"github.com/rs/zerolog"
)

// SessionState is the role-independent view of the lobby lifecycle.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionLobby
	SessionPunching
	SessionReady
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionLobby:
		return "lobby"
	case SessionPunching:
		return "punching"
	case SessionReady:
		return "ready"
	case SessionFailed:
		return "failed"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

// Session hides the host/guest split behind one poll surface so the
// embedding runtime can drive either role identically.
type Session struct {
	host  *Host
	guest *Guest
	start *SessionStart
}

// HostSession creates and binds a hosting lobby session.
func HostSession(cfg HostConfig, log zerolog.Logger) (*Session, error) {
	host := NewHost(cfg, log)
	if err := host.Listen(); err != nil {
		return nil, err
	}
	return &Session{host: host}, nil
}

// GuestSession creates a joining session and sends the join request.
func GuestSession(cfg GuestConfig, log zerolog.Logger) (*Session, error) {
	guest, err := NewGuest(cfg, log)
	if err != nil {
		return nil, err
	}
	if err := guest.Join(); err != nil {
		guest.socket.Close()
		return nil, err
	}
	return &Session{guest: guest}, nil
}

// IsHost reports which role this session plays.
func (s *Session) IsHost() bool { return s.host != nil }

// State maps both roles onto the shared lifecycle. A listening host shows
// as connecting; a starting host shows as punching since its guests are.
func (s *Session) State() SessionState {
	if s.host != nil {
		switch s.host.State() {
		case HostIdle:
			return SessionIdle
		case HostListening:
			return SessionConnecting
		case HostLobby:
			return SessionLobby
		case HostStarting:
			return SessionPunching
		case HostReady:
			return SessionReady
		}
		return SessionIdle
	}
	switch s.guest.State() {
	case GuestIdle:
		return SessionIdle
	case GuestJoining:
		return SessionConnecting
	case GuestLobby:
		return SessionLobby
	case GuestPunching:
		return SessionPunching
	case GuestReady:
		return SessionReady
	case GuestFailed:
		return SessionFailed
	}
	return SessionIdle
}

// Poll advances the underlying machine. The first Ready payload is cached
// so StartPayload keeps working after the event was consumed.
func (s *Session) Poll() (Event, bool) {
	var ev Event
	var ok bool
	if s.host != nil {
		ev, ok = s.host.Poll()
	} else {
		ev, ok = s.guest.Poll()
	}
	if ok && ev.Kind == EventReady && s.start == nil {
		s.start = ev.Start
	}
	return ev, ok
}

// Start begins the session. Guests cannot start.
func (s *Session) Start() (*SessionStart, error) {
	if s.host == nil {
		return nil, ErrNotHost
	}
	start, err := s.host.Start()
	if err != nil {
		return nil, err
	}
	s.start = start
	return start, nil
}

// SetReady flips readiness. Hosts are implicitly ready and cannot.
func (s *Session) SetReady(ready bool) error {
	if s.guest == nil {
		return ErrNotGuest
	}
	return s.guest.SetReady(ready)
}

// LocalHandle is 0 for the host, the assigned handle for a guest.
func (s *Session) LocalHandle() uint8 {
	if s.host != nil {
		return 0
	}
	return s.guest.Handle()
}

// Lobby snapshots the latest roster either role knows about.
func (s *Session) Lobby() LobbyState {
	if s.host != nil {
		return s.host.LobbyState()
	}
	return s.guest.Lobby()
}

// StartPayload returns the cached SessionStart, nil until ready.
func (s *Session) StartPayload() *SessionStart {
	if s.start != nil {
		return s.start
	}
	if s.host != nil {
		return s.host.StartPayload()
	}
	return s.guest.StartPayload()
}

// TakeSocket consumes the session's socket for the frame-sync handoff.
// Further calls return ErrSocketTaken.
func (s *Session) TakeSocket() (*Socket, error) {
	if s.host != nil {
		return s.host.TakeSocket()
	}
	return s.guest.TakeSocket()
}
