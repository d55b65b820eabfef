package rollback

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"netherlink/lockstep"
)

// FrameAdvantageWarningThreshold is the frames-ahead level at which the
// session starts warning; the game should slow down to let peers catch up.
const FrameAdvantageWarningThreshold = 4

var (
	// ErrNotNetworked flags network queries on an offline session.
	ErrNotNetworked = errors.New("rollback: session is not networked")
	// ErrInvalidPlayer flags a player index outside the configured set.
	ErrInvalidPlayer = errors.New("rollback: invalid player index")
)

// SessionEventKind labels session notifications.
type SessionEventKind int

const (
	// EventSynchronized: a remote peer finished the initial handshake.
	EventSynchronized SessionEventKind = iota
	// EventInterrupted: a peer went quiet; the session may stall soon.
	EventInterrupted
	// EventResumed: an interrupted peer is talking again.
	EventResumed
	// EventDisconnected: a peer exceeded the disconnect timeout.
	EventDisconnected
	// EventDesyncDetected: checksums diverged; the session is unsound.
	EventDesyncDetected
	// EventFrameAdvantageWarning: running too far ahead of the peers.
	EventFrameAdvantageWarning
)

// SessionEvent is one notification drained via Events.
type SessionEvent struct {
	Kind           SessionEventKind
	Player         int
	Frame          int32
	LocalChecksum  uint64
	RemoteChecksum uint64
	FramesAhead    int
}

// ConnectionQuality buckets link health for UI display.
type ConnectionQuality int

const (
	QualityExcellent ConnectionQuality = iota
	QualityGood
	QualityFair
	QualityPoor
)

func (q ConnectionQuality) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityFair:
		return "fair"
	case QualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// assessQuality buckets ping and frame lag into a quality tier.
func assessQuality(pingMs, framesBehind int) ConnectionQuality {
	switch {
	case pingMs < 50 && framesBehind < 2:
		return QualityExcellent
	case pingMs < 100 && framesBehind < 4:
		return QualityGood
	case pingMs < 150 && framesBehind < 6:
		return QualityFair
	default:
		return QualityPoor
	}
}

// PlayerNetworkStats is the per-player link report exposed to the UI.
type PlayerNetworkStats struct {
	PingMs       int
	FramesBehind int
	SendQueueLen int
	Quality      ConnectionQuality
}

// Session drives one lockstep engine and executes its frame plans against
// the embedding runtime's simulation.
type Session struct {
	engine  lockstep.Session
	players PlayerConfig
	manager *StateManager

	currentFrame        int32
	totalRollbackFrames uint64
	lastFrameAdvantage  int
	desyncDetected      bool
	networked           bool

	events []SessionEvent
	log    zerolog.Logger
}

func newSession(engine lockstep.Session, players PlayerConfig, maxStateSize int, networked bool, log zerolog.Logger) *Session {
	return &Session{
		engine:    engine,
		players:   players,
		manager:   NewStateManager(maxStateSize),
		networked: networked,
		log:       log.With().Str("component", "rollback").Logger(),
	}
}

// Players reports the session's player layout.
func (s *Session) Players() PlayerConfig { return s.players }

// CurrentFrame is the next frame to be simulated.
func (s *Session) CurrentFrame() int32 { return s.currentFrame }

// TotalRollbackFrames counts every frame ever re-simulated.
func (s *Session) TotalRollbackFrames() uint64 { return s.totalRollbackFrames }

// LastFrameAdvantage is how far ahead of the slowest peer the last
// advance left us.
func (s *Session) LastFrameAdvantage() int { return s.lastFrameAdvantage }

// DesyncDetected stays true for the session's lifetime once any checksum
// mismatch was seen.
func (s *Session) DesyncDetected() bool { return s.desyncDetected }

// AdvanceFrame feeds the local inputs, runs the engine's frame plan
// against sim and updates the counters. lockstep.ErrPredictionThreshold
// and lockstep.ErrNotSynchronized mean the frame was skipped, not that
// the session broke.
func (s *Session) AdvanceFrame(sim Simulation, localInputs map[int]lockstep.Input) error {
	for _, idx := range s.players.LocalIndices() {
		if err := s.engine.AddLocalInput(lockstep.PlayerHandle(idx), localInputs[idx]); err != nil {
			return err
		}
	}

	before := s.engine.CurrentFrame()
	reqs, err := s.engine.AdvanceFrame()
	s.collectEvents()
	if err != nil {
		if len(reqs) == 0 {
			return err
		}
		// A rollback plan can ride along with a skipped frame.
	}

	for _, req := range reqs {
		switch req.Kind {
		case lockstep.RequestSave:
			if saveErr := s.manager.SaveInto(req.Cell, sim); saveErr != nil {
				return saveErr
			}
		case lockstep.RequestLoad:
			if loadErr := s.manager.RestoreFrom(req.Cell, sim); loadErr != nil {
				return loadErr
			}
		case lockstep.RequestAdvance:
			if stepErr := sim.Step(req.Inputs); stepErr != nil {
				return fmt.Errorf("rollback: step frame %d: %w", req.Frame, stepErr)
			}
			if req.Frame < before {
				s.totalRollbackFrames++
			}
		}
	}

	s.currentFrame = s.engine.CurrentFrame()
	s.manager.Evict(s.currentFrame - MaxRollbackFrames - 2)

	s.lastFrameAdvantage = s.engine.FramesAhead()
	if s.networked && s.lastFrameAdvantage >= FrameAdvantageWarningThreshold {
		s.log.Warn().Int("framesAhead", s.lastFrameAdvantage).Msg("running ahead of peers")
		s.events = append(s.events, SessionEvent{
			Kind:        EventFrameAdvantageWarning,
			FramesAhead: s.lastFrameAdvantage,
		})
	}
	return err
}

func (s *Session) collectEvents() {
	for _, ev := range s.engine.DrainEvents() {
		out := SessionEvent{
			Player:         int(ev.Player),
			Frame:          ev.Frame,
			LocalChecksum:  ev.LocalChecksum,
			RemoteChecksum: ev.RemoteChecksum,
		}
		switch ev.Kind {
		case lockstep.EventSynchronized:
			out.Kind = EventSynchronized
		case lockstep.EventInterrupted:
			out.Kind = EventInterrupted
		case lockstep.EventResumed:
			out.Kind = EventResumed
		case lockstep.EventDisconnected:
			out.Kind = EventDisconnected
		case lockstep.EventDesyncDetected:
			out.Kind = EventDesyncDetected
			s.desyncDetected = true
			s.log.Error().Int32("frame", ev.Frame).Msg("session desynced")
		default:
			continue
		}
		s.events = append(s.events, out)
	}
}

// Events returns and clears the queued notifications.
func (s *Session) Events() []SessionEvent {
	evs := s.events
	s.events = nil
	return evs
}

// NetworkStats reports link health toward one remote player.
func (s *Session) NetworkStats(player int) (PlayerNetworkStats, error) {
	if !s.networked {
		return PlayerNetworkStats{}, ErrNotNetworked
	}
	if player < 0 || player >= s.players.NumPlayers() {
		return PlayerNetworkStats{}, fmt.Errorf("%w: %d", ErrInvalidPlayer, player)
	}
	raw, err := s.engine.NetworkStats(lockstep.PlayerHandle(player))
	if err != nil {
		return PlayerNetworkStats{}, err
	}
	return PlayerNetworkStats{
		PingMs:       raw.PingMs,
		FramesBehind: raw.RemoteFramesBehind,
		SendQueueLen: raw.SendQueueLen,
		Quality:      assessQuality(raw.PingMs, raw.RemoteFramesBehind),
	}, nil
}

// Close releases the engine and its socket if any.
func (s *Session) Close() error {
	return s.engine.Close()
}
