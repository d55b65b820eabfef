package lockstep

import "fmt"

// LocalSession runs every player on this machine. The only network-like
// behavior it keeps is the input delay queue, so a game feels identical
// offline and online.
type LocalSession struct {
	cfg          Config
	currentFrame int32
	queued       map[PlayerHandle]map[int32]Input
}

// NewLocal builds an offline session for cfg.NumPlayers players.
func NewLocal(cfg Config) (*LocalSession, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	queued := make(map[PlayerHandle]map[int32]Input, cfg.NumPlayers)
	for h := 0; h < cfg.NumPlayers; h++ {
		queued[PlayerHandle(h)] = make(map[int32]Input)
	}
	return &LocalSession{cfg: cfg, queued: queued}, nil
}

// AddLocalInput schedules input for the current frame plus the delay.
func (s *LocalSession) AddLocalInput(handle PlayerHandle, input Input) error {
	q, ok := s.queued[handle]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, handle)
	}
	q[s.currentFrame+int32(s.cfg.InputDelay)] = input
	return nil
}

// AdvanceFrame always yields exactly one advance request. Frames inside
// the delay window run on zero inputs.
func (s *LocalSession) AdvanceFrame() ([]Request, error) {
	inputs := make([]Input, s.cfg.NumPlayers)
	for h := 0; h < s.cfg.NumPlayers; h++ {
		handle := PlayerHandle(h)
		inputs[h] = s.queued[handle][s.currentFrame]
		delete(s.queued[handle], s.currentFrame)
	}
	req := Request{Kind: RequestAdvance, Frame: s.currentFrame, Inputs: inputs}
	s.currentFrame++
	return []Request{req}, nil
}

func (s *LocalSession) DrainEvents() []Event { return nil }

func (s *LocalSession) NetworkStats(handle PlayerHandle) (NetworkStats, error) {
	return NetworkStats{}, ErrNotRemote
}

func (s *LocalSession) FramesAhead() int { return 0 }

func (s *LocalSession) CurrentFrame() int32 { return s.currentFrame }

func (s *LocalSession) Close() error { return nil }
