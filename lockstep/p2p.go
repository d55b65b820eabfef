package lockstep

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
)

const (
	wireHello uint8 = iota + 1
	wireHelloAck
	wireInput
	wireInputAck
	wireChecksum
	wirePing
	wirePong
)

const (
	inputResendWindow = 8
	checksumInterval  = 10
	maxPacketSize     = 1200
)

type peer struct {
	handle       PlayerHandle
	addr         *net.UDPAddr
	inputs       map[int32]Input
	contiguous   int32
	lastInput    Input
	ackedFrame   int32
	remoteFrame  int32
	lastHeard    time.Time
	pingMs       int
	checksums    map[int32]uint64
	synchronized bool
	interrupted  bool
	disconnected bool
}

// P2PSession exchanges inputs with remote peers over a shared UDP conn,
// predicts missing remote inputs by repeating the last one received and
// plans a rollback whenever a prediction turns out wrong.
type P2PSession struct {
	cfg          Config
	conn         *net.UDPConn
	players      []Player
	peers        map[PlayerHandle]*peer
	senderHandle PlayerHandle

	currentFrame int32
	queued       map[PlayerHandle]map[int32]Input
	sent         map[int32]map[PlayerHandle]Input
	used         map[int32][]Input
	cells        map[int32]*Cell

	firstIncorrect   int32
	sums             map[int32]uint64
	lastSumFrame     int32
	lastChecksumSent int32
	lastPingFrame    int32
	synchronized     bool

	events []Event
	buf    []byte
	now    func() time.Time
	log    zerolog.Logger
}

// NewP2P builds a networked session on conn. players must cover every
// handle below cfg.NumPlayers exactly once; entries with a nil Remote are
// local to this machine.
func NewP2P(cfg Config, conn *net.UDPConn, players []Player, log zerolog.Logger) (*P2PSession, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(players) != cfg.NumPlayers {
		return nil, fmt.Errorf("lockstep: got %d players, config says %d", len(players), cfg.NumPlayers)
	}

	s := &P2PSession{
		cfg:              cfg,
		conn:             conn,
		players:          players,
		peers:            make(map[PlayerHandle]*peer),
		senderHandle:     -1,
		queued:           make(map[PlayerHandle]map[int32]Input),
		sent:             make(map[int32]map[PlayerHandle]Input),
		used:             make(map[int32][]Input),
		cells:            make(map[int32]*Cell),
		firstIncorrect:   -1,
		sums:             make(map[int32]uint64),
		lastSumFrame:     -1,
		lastChecksumSent: -1,
		lastPingFrame:    -1,
		buf:              make([]byte, 2048),
		now:              time.Now,
		log:              log.With().Str("component", "lockstep").Logger(),
	}

	seen := make(map[PlayerHandle]bool)
	now := s.now()
	for _, p := range players {
		if p.Handle < 0 || int(p.Handle) >= cfg.NumPlayers || seen[p.Handle] {
			return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, p.Handle)
		}
		seen[p.Handle] = true
		if p.Remote == nil {
			s.queued[p.Handle] = make(map[int32]Input)
			if s.senderHandle < 0 || p.Handle < s.senderHandle {
				s.senderHandle = p.Handle
			}
			continue
		}
		s.peers[p.Handle] = &peer{
			handle:     p.Handle,
			addr:       p.Remote,
			inputs:     make(map[int32]Input),
			contiguous: -1,
			ackedFrame: -1,
			lastHeard:  now,
			checksums:  make(map[int32]uint64),
		}
	}
	if s.senderHandle < 0 {
		return nil, errors.New("lockstep: p2p session needs at least one local player")
	}
	s.synchronized = len(s.peers) == 0
	return s, nil
}

// AddLocalInput schedules input for the current frame plus the delay.
func (s *P2PSession) AddLocalInput(handle PlayerHandle, input Input) error {
	q, ok := s.queued[handle]
	if !ok {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, handle)
	}
	q[s.currentFrame+int32(s.cfg.InputDelay)] = input
	return nil
}

// AdvanceFrame pumps the network, plans any pending rollback and then the
// current frame's save and advance. It refuses to run further than
// MaxPrediction frames past the slowest peer.
func (s *P2PSession) AdvanceFrame() ([]Request, error) {
	s.pump()
	s.checkTimeouts()

	if !s.synchronized {
		s.sendHellos()
		return nil, ErrNotSynchronized
	}

	var reqs []Request
	staleFrom := s.firstIncorrect
	if s.firstIncorrect >= 0 {
		reqs = s.planRollback()
	}
	s.recordChecksums(staleFrom)

	if s.currentFrame-s.confirmedFrame() > int32(s.cfg.MaxPrediction) {
		if len(reqs) > 0 {
			return reqs, nil
		}
		return nil, ErrPredictionThreshold
	}

	// Commit this frame's local inputs and ship them with a resend tail
	// so a lost datagram doesn't stall the peers.
	frameInputs := make(map[PlayerHandle]Input)
	for handle, q := range s.queued {
		frameInputs[handle] = q[s.currentFrame]
		delete(q, s.currentFrame)
	}
	s.sent[s.currentFrame] = frameInputs
	s.sendInputs()

	inputs := s.inputsFor(s.currentFrame)
	s.used[s.currentFrame] = inputs
	reqs = append(reqs,
		Request{Kind: RequestSave, Frame: s.currentFrame, Cell: s.cell(s.currentFrame)},
		Request{Kind: RequestAdvance, Frame: s.currentFrame, Inputs: inputs},
	)

	s.exchangeChecksums()
	if s.currentFrame-s.lastPingFrame >= int32(s.cfg.FPS) {
		s.sendPings()
		s.lastPingFrame = s.currentFrame
	}

	s.currentFrame++
	s.prune()
	return reqs, nil
}

// planRollback loads the first mispredicted frame and replays up to the
// present with the corrected inputs, re-saving along the way so later
// rollbacks start from corrected snapshots.
func (s *P2PSession) planRollback() []Request {
	from := s.firstIncorrect
	s.firstIncorrect = -1
	cell, ok := s.cells[from]
	if !ok || !cell.valid {
		s.log.Error().Int32("frame", from).Msg("rollback target not saved")
		return nil
	}
	reqs := []Request{{Kind: RequestLoad, Frame: from, Cell: cell}}
	for f := from; f < s.currentFrame; f++ {
		inputs := s.inputsFor(f)
		s.used[f] = inputs
		reqs = append(reqs, Request{Kind: RequestAdvance, Frame: f, Inputs: inputs})
		if f+1 < s.currentFrame {
			reqs = append(reqs, Request{Kind: RequestSave, Frame: f + 1, Cell: s.cell(f + 1)})
		}
	}
	return reqs
}

// inputsFor assembles the per-player input line for one frame, falling
// back to the peer's last received input where the real one is missing.
func (s *P2PSession) inputsFor(frame int32) []Input {
	inputs := make([]Input, s.cfg.NumPlayers)
	for h := 0; h < s.cfg.NumPlayers; h++ {
		handle := PlayerHandle(h)
		if p, ok := s.peers[handle]; ok {
			if in, ok := p.inputs[frame]; ok {
				inputs[h] = in
			} else {
				inputs[h] = p.lastInput
			}
			continue
		}
		inputs[h] = s.sent[frame][handle]
	}
	return inputs
}

// confirmedFrame is the highest frame for which every connected peer's
// real input has arrived.
func (s *P2PSession) confirmedFrame() int32 {
	confirmed := s.currentFrame
	for _, p := range s.peers {
		if p.disconnected {
			continue
		}
		if p.contiguous < confirmed {
			confirmed = p.contiguous
		}
	}
	return confirmed
}

func (s *P2PSession) cell(frame int32) *Cell {
	c, ok := s.cells[frame]
	if !ok {
		c = &Cell{frame: frame}
		s.cells[frame] = c
	}
	return c
}

func (s *P2PSession) prune() {
	floor := s.confirmedFrame() - 2
	for f := range s.used {
		if f < floor {
			delete(s.used, f)
		}
	}
	for f := range s.cells {
		if f < floor {
			delete(s.cells, f)
		}
	}
	ackFloor := s.minAckedFrame()
	for f := range s.sent {
		if f < ackFloor && f < s.currentFrame-inputResendWindow {
			delete(s.sent, f)
		}
	}
	for _, p := range s.peers {
		for f := range p.inputs {
			if f < floor {
				delete(p.inputs, f)
			}
		}
	}
	sumFloor := s.lastChecksumSent - 4*checksumInterval
	for f := range s.sums {
		if f < sumFloor {
			delete(s.sums, f)
		}
	}
	for _, p := range s.peers {
		for f := range p.checksums {
			if f < sumFloor {
				delete(p.checksums, f)
			}
		}
	}
}

func (s *P2PSession) minAckedFrame() int32 {
	min := s.currentFrame
	for _, p := range s.peers {
		if p.disconnected {
			continue
		}
		if p.ackedFrame < min {
			min = p.ackedFrame
		}
	}
	return min
}

// DrainEvents returns and clears the queued notifications.
func (s *P2PSession) DrainEvents() []Event {
	evs := s.events
	s.events = nil
	return evs
}

// NetworkStats reports link quality toward one remote player.
func (s *P2PSession) NetworkStats(handle PlayerHandle) (NetworkStats, error) {
	p, ok := s.peers[handle]
	if !ok {
		if int(handle) < s.cfg.NumPlayers && handle >= 0 {
			return NetworkStats{}, ErrNotRemote
		}
		return NetworkStats{}, fmt.Errorf("%w: %d", ErrInvalidHandle, handle)
	}
	behind := int(s.currentFrame - p.remoteFrame)
	if behind < 0 {
		behind = 0
	}
	return NetworkStats{
		PingMs:             p.pingMs,
		RemoteFramesBehind: behind,
		SendQueueLen:       int(s.currentFrame - 1 - p.ackedFrame),
	}, nil
}

// FramesAhead is how far the local frame runs past the slowest peer.
func (s *P2PSession) FramesAhead() int {
	ahead := 0
	for _, p := range s.peers {
		if p.disconnected {
			continue
		}
		if d := int(s.currentFrame - p.remoteFrame); d > ahead {
			ahead = d
		}
	}
	return ahead
}

func (s *P2PSession) CurrentFrame() int32 { return s.currentFrame }

func (s *P2PSession) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// --- wire ---

func (s *P2PSession) pump() {
	for {
		s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(s.buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return
			}
			s.log.Warn().Err(err).Msg("engine socket read")
			return
		}
		s.handlePacket(s.buf[:n], addr)
	}
}

func (s *P2PSession) handlePacket(pkt []byte, addr *net.UDPAddr) {
	if len(pkt) < 2 {
		return
	}
	kind, sender := pkt[0], PlayerHandle(pkt[1])
	s.touch(addr)
	body := pkt[2:]

	switch kind {
	case wireHello:
		s.sendTo(addr, s.packHeader(wireHelloAck))
		s.markSynchronized(sender)
	case wireHelloAck:
		s.markSynchronized(sender)
	case wireInput:
		s.handleInputPacket(body, addr)
	case wireInputAck:
		if len(body) < 4 {
			return
		}
		frame := int32(binary.LittleEndian.Uint32(body))
		if p, ok := s.peers[sender]; ok && frame > p.ackedFrame {
			p.ackedFrame = frame
		}
	case wireChecksum:
		if len(body) < 12 {
			return
		}
		frame := int32(binary.LittleEndian.Uint32(body))
		sum := binary.LittleEndian.Uint64(body[4:])
		if p, ok := s.peers[sender]; ok {
			p.checksums[frame] = sum
			s.compareChecksum(p, frame)
		}
	case wirePing:
		if len(body) < 8 {
			return
		}
		reply := s.packHeader(wirePong)
		reply = append(reply, body[:8]...)
		reply = binary.LittleEndian.AppendUint32(reply, uint32(s.currentFrame))
		s.sendTo(addr, reply)
	case wirePong:
		if len(body) < 12 {
			return
		}
		sentMicros := int64(binary.LittleEndian.Uint64(body))
		frame := int32(binary.LittleEndian.Uint32(body[8:]))
		if p, ok := s.peers[sender]; ok {
			p.pingMs = int((s.now().UnixMicro() - sentMicros) / 1000)
			if frame > p.remoteFrame {
				p.remoteFrame = frame
			}
		}
	}
}

func (s *P2PSession) handleInputPacket(body []byte, addr *net.UDPAddr) {
	if len(body) < 5 {
		return
	}
	remoteFrame := int32(binary.LittleEndian.Uint32(body))
	count := int(body[4])
	body = body[5:]
	if len(body) < count*9 {
		return
	}

	var ackHandle PlayerHandle = -1
	for i := 0; i < count; i++ {
		entry := body[i*9:]
		handle := PlayerHandle(entry[0])
		frame := int32(binary.LittleEndian.Uint32(entry[1:]))
		input := Input(binary.LittleEndian.Uint32(entry[5:]))
		p, ok := s.peers[handle]
		if !ok {
			continue
		}
		ackHandle = handle
		if remoteFrame > p.remoteFrame {
			p.remoteFrame = remoteFrame
		}
		if _, seen := p.inputs[frame]; seen {
			continue
		}
		p.inputs[frame] = input
		if frame >= p.contiguous {
			for {
				next, ok := p.inputs[p.contiguous+1]
				if !ok {
					break
				}
				p.contiguous++
				p.lastInput = next
			}
		}
		// A frame we already simulated with a guessed input needs a
		// rollback if the guess was wrong.
		if frame < s.currentFrame {
			if usedInputs, ok := s.used[frame]; ok && usedInputs[handle] != input {
				if s.firstIncorrect < 0 || frame < s.firstIncorrect {
					s.firstIncorrect = frame
				}
			}
		}
	}

	if ackHandle >= 0 {
		ack := s.packHeader(wireInputAck)
		ack = binary.LittleEndian.AppendUint32(ack, uint32(s.peers[ackHandle].contiguous))
		s.sendTo(addr, ack)
	}
}

func (s *P2PSession) sendInputs() {
	from := s.minAckedFrame() + 1
	if low := s.currentFrame - inputResendWindow + 1; from < low {
		from = low
	}
	if from < 0 {
		from = 0
	}

	pkt := s.packHeader(wireInput)
	pkt = binary.LittleEndian.AppendUint32(pkt, uint32(s.currentFrame))
	countAt := len(pkt)
	pkt = append(pkt, 0)
	count := 0
	// Handle byte plus frame and input words.
	const entrySize = 9
fill:
	for f := from; f <= s.currentFrame; f++ {
		frameInputs, ok := s.sent[f]
		if !ok {
			continue
		}
		for handle, input := range frameInputs {
			if len(pkt)+entrySize > maxPacketSize {
				break fill
			}
			pkt = append(pkt, byte(handle))
			pkt = binary.LittleEndian.AppendUint32(pkt, uint32(f))
			pkt = binary.LittleEndian.AppendUint32(pkt, uint32(input))
			count++
		}
	}
	if count == 0 {
		return
	}
	pkt[countAt] = byte(count)
	s.broadcast(pkt)
}

func (s *P2PSession) sendHellos() {
	pkt := s.packHeader(wireHello)
	for _, p := range s.peers {
		if !p.synchronized {
			s.sendTo(p.addr, pkt)
		}
	}
}

func (s *P2PSession) sendPings() {
	pkt := s.packHeader(wirePing)
	pkt = binary.LittleEndian.AppendUint64(pkt, uint64(s.now().UnixMicro()))
	s.broadcast(pkt)
}

// recordChecksums copies the snapshot hash of every newly confirmed
// interval frame into the checksum history. A frame is only recorded once
// its real inputs arrived and no rollback below it is still pending, so
// the recorded hash is final. Stored hashes outlive the snapshot cells,
// which get pruned much earlier than a slow peer's report can arrive.
func (s *P2PSession) recordChecksums(staleFrom int32) {
	confirmed := s.confirmedFrame()
	for f := s.lastSumFrame + 1; f <= confirmed; f++ {
		if f%checksumInterval != 0 {
			s.lastSumFrame = f
			continue
		}
		if staleFrom >= 0 && f >= staleFrom {
			return
		}
		cell, ok := s.cells[f]
		if !ok || !cell.valid {
			return
		}
		s.sums[f] = cell.checksum
		s.lastSumFrame = f
	}
}

// exchangeChecksums ships the newest recorded hash and settles any peer
// reports that were waiting for the local side to catch up.
func (s *P2PSession) exchangeChecksums() {
	if frame := s.lastSumFrame - s.lastSumFrame%checksumInterval; frame > s.lastChecksumSent {
		if sum, ok := s.sums[frame]; ok {
			s.lastChecksumSent = frame
			pkt := s.packHeader(wireChecksum)
			pkt = binary.LittleEndian.AppendUint32(pkt, uint32(frame))
			pkt = binary.LittleEndian.AppendUint64(pkt, sum)
			s.broadcast(pkt)
		}
	}
	for _, p := range s.peers {
		for frame := range p.checksums {
			s.compareChecksum(p, frame)
		}
	}
}

func (s *P2PSession) compareChecksum(p *peer, frame int32) {
	remote, ok := p.checksums[frame]
	if !ok {
		return
	}
	local, ok := s.sums[frame]
	if !ok {
		// Not confirmed locally yet, settle on a later pass.
		return
	}
	delete(p.checksums, frame)
	if remote != local {
		s.log.Error().Int32("frame", frame).Uint64("local", local).
			Uint64("remote", remote).Int("peer", int(p.handle)).Msg("desync detected")
		s.events = append(s.events, Event{
			Kind:           EventDesyncDetected,
			Player:         p.handle,
			Frame:          frame,
			LocalChecksum:  local,
			RemoteChecksum: remote,
		})
	}
}

func (s *P2PSession) packHeader(kind uint8) []byte {
	return append(make([]byte, 0, 64), kind, byte(s.senderHandle))
}

func (s *P2PSession) broadcast(pkt []byte) {
	sent := make(map[string]bool, len(s.peers))
	for _, p := range s.peers {
		key := p.addr.String()
		if sent[key] {
			continue
		}
		sent[key] = true
		s.sendTo(p.addr, pkt)
	}
}

func (s *P2PSession) sendTo(addr *net.UDPAddr, pkt []byte) {
	if _, err := s.conn.WriteToUDP(pkt, addr); err != nil {
		s.log.Warn().Err(err).Stringer("to", addr).Msg("engine send")
	}
}

func (s *P2PSession) markSynchronized(handle PlayerHandle) {
	p, ok := s.peers[handle]
	if !ok || p.synchronized {
		return
	}
	p.synchronized = true
	s.events = append(s.events, Event{Kind: EventSynchronized, Player: handle})
	s.synchronized = true
	for _, other := range s.peers {
		if !other.synchronized {
			s.synchronized = false
			return
		}
	}
}

// touch refreshes liveness for every peer behind addr.
func (s *P2PSession) touch(addr *net.UDPAddr) {
	now := s.now()
	for _, p := range s.peers {
		if p.addr.Port != addr.Port || !p.addr.IP.Equal(addr.IP) {
			continue
		}
		p.lastHeard = now
		if p.interrupted && !p.disconnected {
			p.interrupted = false
			s.events = append(s.events, Event{Kind: EventResumed, Player: p.handle})
		}
	}
}

func (s *P2PSession) checkTimeouts() {
	now := s.now()
	for _, p := range s.peers {
		if p.disconnected {
			continue
		}
		quiet := now.Sub(p.lastHeard)
		if quiet > s.cfg.DisconnectTimeout {
			p.disconnected = true
			s.log.Warn().Int("peer", int(p.handle)).Msg("peer disconnected")
			s.events = append(s.events, Event{Kind: EventDisconnected, Player: p.handle})
			continue
		}
		if quiet > s.cfg.DisconnectNotifyStart && !p.interrupted {
			p.interrupted = true
			s.events = append(s.events, Event{Kind: EventInterrupted, Player: p.handle})
		}
	}
}
