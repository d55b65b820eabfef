// Package lockstep implements the frame-synchronizing engine behind the
// rollback session layer. Sessions never advance on their own: the caller
// feeds local inputs, asks for the next frame and executes the returned
// save, load and advance requests against its own simulation.
package lockstep

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// PlayerHandle indexes a player slot, 0 based.
type PlayerHandle int

// Input is one player's controller state for one frame.
type Input uint32

// Player declares one participant. Remote is nil for local players.
type Player struct {
	Handle PlayerHandle
	Remote *net.UDPAddr
}

// Config tunes a session. Zero values select the defaults.
type Config struct {
	NumPlayers            int
	MaxPrediction         int
	InputDelay            int
	FPS                   int
	DisconnectTimeout     time.Duration
	DisconnectNotifyStart time.Duration
	CheckDistance         int
}

const (
	defaultMaxPrediction = 8
	defaultFPS           = 60
	defaultCheckDistance = 2
)

func (c Config) withDefaults() Config {
	if c.MaxPrediction == 0 {
		c.MaxPrediction = defaultMaxPrediction
	}
	if c.FPS == 0 {
		c.FPS = defaultFPS
	}
	if c.DisconnectTimeout == 0 {
		c.DisconnectTimeout = 5 * time.Second
	}
	if c.DisconnectNotifyStart == 0 {
		c.DisconnectNotifyStart = c.DisconnectTimeout / 2
	}
	if c.CheckDistance == 0 {
		c.CheckDistance = defaultCheckDistance
	}
	return c
}

func (c Config) validate() error {
	if c.NumPlayers < 1 || c.NumPlayers > 4 {
		return fmt.Errorf("lockstep: num players %d out of range", c.NumPlayers)
	}
	return nil
}

// RequestKind labels what the caller must do before the frame can advance.
type RequestKind int

const (
	// RequestSave asks the caller to snapshot its simulation into Cell.
	RequestSave RequestKind = iota
	// RequestLoad asks the caller to restore its simulation from Cell.
	RequestLoad
	// RequestAdvance asks the caller to step the simulation with Inputs.
	RequestAdvance
)

// Request is one step of the frame plan AdvanceFrame hands back. Requests
// must be executed in order.
type Request struct {
	Kind   RequestKind
	Frame  int32
	Inputs []Input
	Cell   *Cell
}

// Cell carries one saved simulation state between the engine and the
// caller. The engine only ever reads the checksum.
type Cell struct {
	frame    int32
	data     []byte
	checksum uint64
	valid    bool
}

// NewCell makes an empty cell for one frame. Engines hand cells out
// through their request plans; callers rarely construct them directly.
func NewCell(frame int32) *Cell {
	return &Cell{frame: frame}
}

// Save records the snapshot the caller produced for this cell's frame.
func (c *Cell) Save(data []byte, checksum uint64) {
	c.data = data
	c.checksum = checksum
	c.valid = true
}

func (c *Cell) Frame() int32     { return c.frame }
func (c *Cell) Data() []byte     { return c.data }
func (c *Cell) Checksum() uint64 { return c.checksum }
func (c *Cell) Valid() bool      { return c.valid }

// EventKind labels session notifications.
type EventKind int

const (
	// EventSynchronized fires once per remote peer after the handshake.
	EventSynchronized EventKind = iota
	// EventInterrupted fires when a peer goes quiet past the notify window.
	EventInterrupted
	// EventResumed fires when an interrupted peer is heard again.
	EventResumed
	// EventDisconnected fires when a peer exceeds the disconnect timeout.
	EventDisconnected
	// EventDesyncDetected fires when checksum exchange disagrees.
	EventDesyncDetected
)

// Event is one session notification drained via DrainEvents.
type Event struct {
	Kind           EventKind
	Player         PlayerHandle
	Frame          int32
	LocalChecksum  uint64
	RemoteChecksum uint64
}

// NetworkStats describes the link to one remote player.
type NetworkStats struct {
	PingMs             int
	RemoteFramesBehind int
	SendQueueLen       int
}

var (
	// ErrPredictionThreshold means the session ran too far ahead of a
	// remote peer; skip this frame and try again.
	ErrPredictionThreshold = errors.New("lockstep: prediction threshold reached")
	// ErrNotSynchronized means the initial peer handshake is still running.
	ErrNotSynchronized = errors.New("lockstep: peers not synchronized")
	// ErrInvalidHandle flags a handle outside the configured player set.
	ErrInvalidHandle = errors.New("lockstep: invalid player handle")
	// ErrNotRemote flags a stats query for a local player.
	ErrNotRemote = errors.New("lockstep: player is not remote")
)

// Session is the engine contract the rollback layer drives.
type Session interface {
	AddLocalInput(handle PlayerHandle, input Input) error
	AdvanceFrame() ([]Request, error)
	DrainEvents() []Event
	NetworkStats(handle PlayerHandle) (NetworkStats, error)
	FramesAhead() int
	CurrentFrame() int32
	Close() error
}
