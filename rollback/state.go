package rollback

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"netherlink/lockstep"
)

const (
	// MaxRollbackFrames bounds how far the engine may speculate.
	MaxRollbackFrames = 8
	// statePoolSize covers the speculation window plus slack for the
	// frame being saved and the rollback target.
	statePoolSize = MaxRollbackFrames + 2
	// DefaultMaxStateSize matches the largest console RAM profile.
	DefaultMaxStateSize = 16 << 20
)

// ErrStateTooLarge rejects snapshots over the configured bound. States
// are never truncated: a short snapshot would silently corrupt rollbacks.
var ErrStateTooLarge = errors.New("rollback: state exceeds maximum size")

// Simulation is what the embedding runtime exposes to be saved, restored
// and stepped by the session.
type Simulation interface {
	Snapshot() ([]byte, error)
	Restore(data []byte) error
	Step(inputs []lockstep.Input) error
}

// statePool recycles snapshot buffers so the steady state allocates
// nothing per frame.
type statePool struct {
	bufs    [][]byte
	maxSize int
}

func newStatePool(maxSize, count int) *statePool {
	p := &statePool{maxSize: maxSize}
	for i := 0; i < count; i++ {
		p.bufs = append(p.bufs, make([]byte, 0, maxSize))
	}
	return p
}

func (p *statePool) acquire() []byte {
	if n := len(p.bufs); n > 0 {
		buf := p.bufs[n-1]
		p.bufs = p.bufs[:n-1]
		return buf[:0]
	}
	return make([]byte, 0, p.maxSize)
}

// release returns a buffer unless it grew past twice the bound, in which
// case it is dropped so the pool cannot pin oversized allocations.
func (p *statePool) release(buf []byte) {
	if cap(buf) > 2*p.maxSize {
		return
	}
	p.bufs = append(p.bufs, buf[:0])
}

// StateManager owns snapshot buffers and checksums for the rollback
// window.
type StateManager struct {
	pool         *statePool
	maxStateSize int
	// byCell tracks buffer ownership per cell. Engines keep more than
	// one live cell for the same frame during replays, so keying by
	// frame would recycle a buffer another cell still references.
	byCell map[*lockstep.Cell][]byte
}

// NewStateManager bounds snapshots at maxStateSize bytes, which should
// match the console's RAM limit. Zero selects DefaultMaxStateSize.
func NewStateManager(maxStateSize int) *StateManager {
	if maxStateSize <= 0 {
		maxStateSize = DefaultMaxStateSize
	}
	return &StateManager{
		pool:         newStatePool(maxStateSize, statePoolSize),
		maxStateSize: maxStateSize,
		byCell:       make(map[*lockstep.Cell][]byte),
	}
}

// MaxStateSize reports the configured bound.
func (m *StateManager) MaxStateSize() int { return m.maxStateSize }

// SaveInto snapshots sim into cell for the cell's frame. The buffer is
// pooled; saving the same cell again releases its previous buffer.
func (m *StateManager) SaveInto(cell *lockstep.Cell, sim Simulation) error {
	data, err := sim.Snapshot()
	if err != nil {
		return fmt.Errorf("rollback: snapshot frame %d: %w", cell.Frame(), err)
	}
	if len(data) > m.maxStateSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrStateTooLarge, len(data), m.maxStateSize)
	}
	buf := append(m.pool.acquire(), data...)
	if prev, ok := m.byCell[cell]; ok {
		m.pool.release(prev)
	}
	m.byCell[cell] = buf
	cell.Save(buf, xxhash.Sum64(buf))
	return nil
}

// RestoreFrom loads the cell's snapshot back into sim.
func (m *StateManager) RestoreFrom(cell *lockstep.Cell, sim Simulation) error {
	if !cell.Valid() {
		return fmt.Errorf("rollback: restore frame %d: no saved state", cell.Frame())
	}
	if err := sim.Restore(cell.Data()); err != nil {
		return fmt.Errorf("rollback: restore frame %d: %w", cell.Frame(), err)
	}
	return nil
}

// Evict releases buffers whose cells cover frames older than floor.
func (m *StateManager) Evict(floor int32) {
	for cell, buf := range m.byCell {
		if cell.Frame() < floor {
			m.pool.release(buf)
			delete(m.byCell, cell)
		}
	}
}
