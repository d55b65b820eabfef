package rollback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"netherlink/lockstep"
)

// fakeSim is a minimal simulation whose whole state is one counter.
type fakeSim struct {
	value   uint64
	padding int
}

func (s *fakeSim) Snapshot() ([]byte, error) {
	buf := make([]byte, 8+s.padding)
	binary.LittleEndian.PutUint64(buf, s.value)
	return buf, nil
}

func (s *fakeSim) Restore(data []byte) error {
	if len(data) < 8 {
		return errors.New("short state")
	}
	s.value = binary.LittleEndian.Uint64(data)
	return nil
}

func (s *fakeSim) Step(inputs []lockstep.Input) error {
	s.value = s.value*31 + 7
	for _, in := range inputs {
		s.value += uint64(in)
	}
	return nil
}

func TestStateManagerSaveRestore(t *testing.T) {
	m := NewStateManager(1024)
	sim := &fakeSim{value: 42}

	cell := lockstep.NewCell(5)
	if err := m.SaveInto(cell, sim); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !cell.Valid() || cell.Checksum() == 0 {
		t.Fatalf("cell not populated: %+v", cell)
	}

	sim.value = 99
	if err := m.RestoreFrom(cell, sim); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if sim.value != 42 {
		t.Fatalf("state not restored, value=%d", sim.value)
	}
}

func TestStateManagerRejectsOversizedState(t *testing.T) {
	m := NewStateManager(16)
	sim := &fakeSim{padding: 64}
	cell := lockstep.NewCell(0)
	if err := m.SaveInto(cell, sim); !errors.Is(err, ErrStateTooLarge) {
		t.Fatalf("expected ErrStateTooLarge, got %v", err)
	}
	if cell.Valid() {
		t.Fatalf("oversized save must not populate the cell")
	}
}

func TestStateManagerRestoreUnsavedCell(t *testing.T) {
	m := NewStateManager(0)
	if m.MaxStateSize() != DefaultMaxStateSize {
		t.Fatalf("zero should select the default bound, got %d", m.MaxStateSize())
	}
	if err := m.RestoreFrom(lockstep.NewCell(3), &fakeSim{}); err == nil {
		t.Fatalf("restoring an unsaved cell must fail")
	}
}

func TestStateManagerResaveReleasesPrevious(t *testing.T) {
	m := NewStateManager(64)
	sim := &fakeSim{value: 1}
	cell := lockstep.NewCell(0)
	if err := m.SaveInto(cell, sim); err != nil {
		t.Fatalf("save: %v", err)
	}
	first := cell.Checksum()

	sim.value = 2
	if err := m.SaveInto(cell, sim); err != nil {
		t.Fatalf("resave: %v", err)
	}
	if cell.Checksum() == first {
		t.Fatalf("resave kept the old checksum")
	}
	if err := m.RestoreFrom(cell, sim); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if sim.value != 2 {
		t.Fatalf("resave lost the newer state, value=%d", sim.value)
	}
}

func TestStateManagerKeepsSameFrameCellsDistinct(t *testing.T) {
	m := NewStateManager(64)
	sim := &fakeSim{value: 1}

	recorded := lockstep.NewCell(0)
	if err := m.SaveInto(recorded, sim); err != nil {
		t.Fatalf("save recorded: %v", err)
	}
	sim.value = 2
	replay := lockstep.NewCell(0)
	if err := m.SaveInto(replay, sim); err != nil {
		t.Fatalf("save replay: %v", err)
	}
	// Churn the pool so a wrongly recycled buffer gets overwritten.
	for f := int32(1); f < 8; f++ {
		sim.value = 100 + uint64(f)
		if err := m.SaveInto(lockstep.NewCell(f), sim); err != nil {
			t.Fatalf("save %d: %v", f, err)
		}
	}

	if err := m.RestoreFrom(recorded, sim); err != nil {
		t.Fatalf("restore recorded: %v", err)
	}
	if sim.value != 1 {
		t.Fatalf("recorded snapshot corrupted, value=%d", sim.value)
	}
	if err := m.RestoreFrom(replay, sim); err != nil {
		t.Fatalf("restore replay: %v", err)
	}
	if sim.value != 2 {
		t.Fatalf("replay snapshot corrupted, value=%d", sim.value)
	}
}

func TestStateManagerEvict(t *testing.T) {
	m := NewStateManager(64)
	sim := &fakeSim{}
	cells := make([]*lockstep.Cell, 0, 6)
	for f := int32(0); f < 6; f++ {
		sim.value = uint64(f)
		cell := lockstep.NewCell(f)
		if err := m.SaveInto(cell, sim); err != nil {
			t.Fatalf("save %d: %v", f, err)
		}
		cells = append(cells, cell)
	}

	m.Evict(4)
	if len(m.byCell) != 2 {
		t.Fatalf("expected 2 retained frames, got %d", len(m.byCell))
	}
	// Frames at or past the floor stay loadable.
	if err := m.RestoreFrom(cells[5], sim); err != nil {
		t.Fatalf("restore surviving frame: %v", err)
	}
	if sim.value != 5 {
		t.Fatalf("surviving frame corrupted, value=%d", sim.value)
	}
}

func TestStatePoolReuse(t *testing.T) {
	p := newStatePool(32, 2)
	a := p.acquire()
	b := p.acquire()
	c := p.acquire() // pool empty, freshly allocated
	if cap(c) != 32 {
		t.Fatalf("fresh buffer has cap %d", cap(c))
	}

	a = append(a, bytes.Repeat([]byte{1}, 8)...)
	p.release(a)
	got := p.acquire()
	if len(got) != 0 {
		t.Fatalf("recycled buffer not reset: len=%d", len(got))
	}

	// Buffers that grew past twice the bound are dropped, not pooled.
	big := make([]byte, 0, 100)
	p.release(big)
	if n := len(p.bufs); n != 0 {
		t.Fatalf("oversized buffer was pooled, %d buffers held", n)
	}
	_ = b
}
