package rollback

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"netherlink/lockstep"
	"netherlink/nchs"
)

// scriptEngine feeds canned frame plans so the session's bookkeeping can
// be tested without a real engine.
type scriptEngine struct {
	plans  [][]lockstep.Request
	events []lockstep.Event
	frame  int32
	ahead  int
	err    error
}

func (e *scriptEngine) AddLocalInput(lockstep.PlayerHandle, lockstep.Input) error { return nil }

func (e *scriptEngine) AdvanceFrame() ([]lockstep.Request, error) {
	if e.err != nil {
		return nil, e.err
	}
	if len(e.plans) == 0 {
		e.frame++
		return nil, nil
	}
	plan := e.plans[0]
	e.plans = e.plans[1:]
	e.frame++
	return plan, nil
}

func (e *scriptEngine) DrainEvents() []lockstep.Event {
	evs := e.events
	e.events = nil
	return evs
}

func (e *scriptEngine) NetworkStats(lockstep.PlayerHandle) (lockstep.NetworkStats, error) {
	return lockstep.NetworkStats{PingMs: 30}, nil
}

func (e *scriptEngine) FramesAhead() int    { return e.ahead }
func (e *scriptEngine) CurrentFrame() int32 { return e.frame }
func (e *scriptEngine) Close() error        { return nil }

func TestSessionLocalAdvance(t *testing.T) {
	s, err := NewLocal(AllLocal(2), 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("new local: %v", err)
	}
	defer s.Close()

	sim := &fakeSim{}
	for frame := 0; frame < 10; frame++ {
		inputs := map[int]lockstep.Input{0: lockstep.Input(frame), 1: lockstep.Input(frame * 2)}
		if err := s.AdvanceFrame(sim, inputs); err != nil {
			t.Fatalf("advance %d: %v", frame, err)
		}
	}
	if s.CurrentFrame() != 10 {
		t.Fatalf("expected frame 10, got %d", s.CurrentFrame())
	}
	if s.TotalRollbackFrames() != 0 {
		t.Fatalf("offline session rolled back %d frames", s.TotalRollbackFrames())
	}
	if evs := s.Events(); len(evs) != 0 {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if _, err := s.NetworkStats(0); !errors.Is(err, ErrNotNetworked) {
		t.Fatalf("expected ErrNotNetworked, got %v", err)
	}
}

func TestSyncTestSessionDeterministicSimRunsClean(t *testing.T) {
	s, err := NewSyncTest(AllLocal(1), 2, 64, zerolog.Nop())
	if err != nil {
		t.Fatalf("new synctest: %v", err)
	}
	defer s.Close()

	// Replay saves share frame numbers with the recorded snapshots; a
	// deterministic sim must still come out clean every frame.
	sim := &fakeSim{value: 7}
	for frame := 0; frame < 30; frame++ {
		if err := s.AdvanceFrame(sim, map[int]lockstep.Input{0: lockstep.Input(frame)}); err != nil {
			t.Fatalf("advance %d: %v", frame, err)
		}
		for _, ev := range s.Events() {
			if ev.Kind == EventDesyncDetected {
				t.Fatalf("deterministic sim flagged desync at frame %d: local=%x replayed=%x",
					ev.Frame, ev.LocalChecksum, ev.RemoteChecksum)
			}
		}
	}
	if s.DesyncDetected() {
		t.Fatalf("desync flag set on a deterministic sim")
	}
}

func freeUDPPorts(t *testing.T) (uint16, uint16) {
	t.Helper()
	loop := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
	a, err := net.ListenUDP("udp", loop)
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err := net.ListenUDP("udp", loop)
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	portA := uint16(a.LocalAddr().(*net.UDPAddr).Port)
	portB := uint16(b.LocalAddr().(*net.UDPAddr).Port)
	a.Close()
	b.Close()
	return portA, portB
}

func TestP2PSessionsExchangeInputs(t *testing.T) {
	portA, portB := freeUDPPorts(t)
	a, err := NewP2P(OneLocal(2, 0), portA, map[int]string{1: "127.0.0.1:" + strconv.Itoa(int(portB))}, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("session a: %v", err)
	}
	defer a.Close()
	b, err := NewP2P(OneLocal(2, 1), portB, map[int]string{0: "127.0.0.1:" + strconv.Itoa(int(portA))}, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("session b: %v", err)
	}
	defer b.Close()

	tolerable := func(err error) bool {
		return err == nil ||
			errors.Is(err, lockstep.ErrNotSynchronized) ||
			errors.Is(err, lockstep.ErrPredictionThreshold)
	}

	simA := &fakeSim{}
	simB := &fakeSim{}
	deadline := time.Now().Add(5 * time.Second)
	for (a.CurrentFrame() < 40 || b.CurrentFrame() < 40) && time.Now().Before(deadline) {
		if err := a.AdvanceFrame(simA, map[int]lockstep.Input{0: lockstep.Input(a.CurrentFrame()*7 + 1)}); !tolerable(err) {
			t.Fatalf("a advance: %v", err)
		}
		if err := b.AdvanceFrame(simB, map[int]lockstep.Input{1: lockstep.Input(b.CurrentFrame()*13 + 2)}); !tolerable(err) {
			t.Fatalf("b advance: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	if a.CurrentFrame() < 40 || b.CurrentFrame() < 40 {
		t.Fatalf("sessions stalled: a=%d b=%d", a.CurrentFrame(), b.CurrentFrame())
	}
	// Frame count crosses several checksum intervals, so a divergence in
	// the snapshot path would surface as a desync.
	if a.DesyncDetected() || b.DesyncDetected() {
		t.Fatalf("deterministic peers diverged")
	}
}

func TestSessionCountsRollbackFrames(t *testing.T) {
	cell0 := lockstep.NewCell(0)
	cell1 := lockstep.NewCell(1)
	engine := &scriptEngine{
		frame: 0,
		plans: [][]lockstep.Request{
			{
				{Kind: lockstep.RequestSave, Frame: 0, Cell: cell0},
				{Kind: lockstep.RequestAdvance, Frame: 0, Inputs: []lockstep.Input{1}},
			},
		},
	}
	s := newSession(engine, AllLocal(1), 0, false, zerolog.Nop())
	sim := &fakeSim{}
	if err := s.AdvanceFrame(sim, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if s.TotalRollbackFrames() != 0 {
		t.Fatalf("plain advance counted as rollback")
	}

	// A plan that rolls back to frame 0 and replays two frames.
	engine.frame = 2
	engine.plans = [][]lockstep.Request{
		{
			{Kind: lockstep.RequestLoad, Frame: 0, Cell: cell0},
			{Kind: lockstep.RequestAdvance, Frame: 0, Inputs: []lockstep.Input{2}},
			{Kind: lockstep.RequestSave, Frame: 1, Cell: cell1},
			{Kind: lockstep.RequestAdvance, Frame: 1, Inputs: []lockstep.Input{3}},
			{Kind: lockstep.RequestSave, Frame: 2, Cell: lockstep.NewCell(2)},
			{Kind: lockstep.RequestAdvance, Frame: 2, Inputs: []lockstep.Input{4}},
		},
	}
	if err := s.AdvanceFrame(sim, nil); err != nil {
		t.Fatalf("rollback advance: %v", err)
	}
	if s.TotalRollbackFrames() != 2 {
		t.Fatalf("expected 2 rolled back frames, got %d", s.TotalRollbackFrames())
	}
}

func TestSessionDesyncIsSticky(t *testing.T) {
	engine := &scriptEngine{
		events: []lockstep.Event{{
			Kind:           lockstep.EventDesyncDetected,
			Frame:          10,
			LocalChecksum:  1,
			RemoteChecksum: 2,
		}},
	}
	s := newSession(engine, OneLocal(2, 0), 0, true, zerolog.Nop())
	sim := &fakeSim{}
	if err := s.AdvanceFrame(sim, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !s.DesyncDetected() {
		t.Fatalf("desync not recorded")
	}

	evs := s.Events()
	if len(evs) != 1 || evs[0].Kind != EventDesyncDetected || evs[0].Frame != 10 {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if len(s.Events()) != 0 {
		t.Fatalf("events not drained")
	}

	// The flag survives later clean frames.
	if err := s.AdvanceFrame(sim, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !s.DesyncDetected() {
		t.Fatalf("desync flag reset by a clean frame")
	}
}

func TestSessionFrameAdvantageWarning(t *testing.T) {
	engine := &scriptEngine{ahead: FrameAdvantageWarningThreshold + 1}
	s := newSession(engine, OneLocal(2, 0), 0, true, zerolog.Nop())
	if err := s.AdvanceFrame(&fakeSim{}, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	found := false
	for _, ev := range s.Events() {
		if ev.Kind == EventFrameAdvantageWarning && ev.FramesAhead == engine.ahead {
			found = true
		}
	}
	if !found {
		t.Fatalf("no frame advantage warning despite running ahead")
	}
	if s.LastFrameAdvantage() != engine.ahead {
		t.Fatalf("advantage not recorded: %d", s.LastFrameAdvantage())
	}

	// Offline sessions never warn, whatever the engine reports.
	offline := newSession(&scriptEngine{ahead: 10}, AllLocal(1), 0, false, zerolog.Nop())
	if err := offline.AdvanceFrame(&fakeSim{}, nil); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(offline.Events()) != 0 {
		t.Fatalf("offline session emitted warnings")
	}
}

func TestAssessQuality(t *testing.T) {
	cases := []struct {
		ping, behind int
		want         ConnectionQuality
	}{
		{10, 0, QualityExcellent},
		{49, 1, QualityExcellent},
		{60, 1, QualityGood},
		{49, 3, QualityGood},
		{120, 2, QualityFair},
		{200, 0, QualityPoor},
		{30, 9, QualityPoor},
	}
	for _, tc := range cases {
		if got := assessQuality(tc.ping, tc.behind); got != tc.want {
			t.Fatalf("assessQuality(%d, %d) = %s, expected %s", tc.ping, tc.behind, got, tc.want)
		}
	}
}

func TestFromNCHSBuildsNetworkedSession(t *testing.T) {
	sock, err := nchs.BindAnySocket(zerolog.Nop())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	start := &nchs.SessionStart{
		SessionID:         "test-session",
		LocalPlayerHandle: 1,
		RandomSeed:        0xfeed,
		TickRate:          60,
		PlayerCount:       2,
		Network:           nchs.DefaultNetworkConfig(),
		Players: []nchs.PlayerConnectionInfo{
			{Handle: 0, Active: true, Addr: "127.0.0.1:7000", EnginePort: 7001},
			{Handle: 1, Active: true, Addr: "127.0.0.1:7100", EnginePort: sock.EnginePort()},
			{Handle: 0, Active: false},
			{Handle: 0, Active: false},
		},
	}

	s, err := FromNCHS(start, sock, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("from lobby: %v", err)
	}
	defer s.Close()

	if s.Players().NumPlayers() != 2 {
		t.Fatalf("inactive slots leaked into the player set: %d", s.Players().NumPlayers())
	}
	if !s.Players().IsLocalPlayer(1) || s.Players().LocalCount() != 1 {
		t.Fatalf("local player mapping wrong: %+v", s.Players())
	}
	if _, err := s.NetworkStats(0); err != nil {
		t.Fatalf("remote stats: %v", err)
	}
	if _, err := s.NetworkStats(1); !errors.Is(err, lockstep.ErrNotRemote) {
		t.Fatalf("local handle should be ErrNotRemote, got %v", err)
	}
	if _, err := s.NetworkStats(5); !errors.Is(err, ErrInvalidPlayer) {
		t.Fatalf("out of range should be ErrInvalidPlayer, got %v", err)
	}
}

func TestFromNCHSRejectsNilStart(t *testing.T) {
	sock, err := nchs.BindAnySocket(zerolog.Nop())
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	defer sock.Close()
	if _, err := FromNCHS(nil, sock, 0, zerolog.Nop()); err == nil {
		t.Fatalf("nil start must fail")
	}
}
