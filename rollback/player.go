// Package rollback wraps the lockstep engine with snapshot management,
// event bookkeeping and the session builders the runtime actually calls.
package rollback

import "fmt"

// MaxPlayers is the hard player cap per session.
const MaxPlayers = 4

// PlayerConfig pairs a player count with a bitmask of locally controlled
// slots. Bit i set means player i runs on this machine.
type PlayerConfig struct {
	numPlayers int
	localMask  uint8
}

// NewPlayerConfig builds a config for numPlayers players. The mask is
// clamped so bits past the player count never survive. Panics when
// numPlayers is outside 1 through MaxPlayers, like an out-of-range array
// index would.
func NewPlayerConfig(numPlayers int, localMask uint8) PlayerConfig {
	if numPlayers < 1 || numPlayers > MaxPlayers {
		panic(fmt.Sprintf("rollback: player count %d out of range", numPlayers))
	}
	return PlayerConfig{
		numPlayers: numPlayers,
		localMask:  localMask & (1<<numPlayers - 1),
	}
}

// AllLocal marks every player as locally controlled.
func AllLocal(numPlayers int) PlayerConfig {
	return NewPlayerConfig(numPlayers, 1<<numPlayers-1)
}

// OneLocal marks exactly one player as local.
func OneLocal(numPlayers, localIndex int) PlayerConfig {
	return NewPlayerConfig(numPlayers, 1<<localIndex)
}

// WithLocalPlayers marks the listed player indices as local. Indices at
// or past numPlayers are ignored.
func WithLocalPlayers(numPlayers int, localIndices ...int) PlayerConfig {
	var mask uint8
	for _, i := range localIndices {
		if i >= 0 && i < numPlayers {
			mask |= 1 << i
		}
	}
	return NewPlayerConfig(numPlayers, mask)
}

// DefaultPlayerConfig is a single local player.
func DefaultPlayerConfig() PlayerConfig {
	return AllLocal(1)
}

func (c PlayerConfig) NumPlayers() int { return c.numPlayers }

func (c PlayerConfig) LocalMask() uint8 { return c.localMask }

// IsLocalPlayer reports whether player index runs on this machine.
func (c PlayerConfig) IsLocalPlayer(index int) bool {
	if index < 0 || index >= c.numPlayers {
		return false
	}
	return c.localMask&(1<<index) != 0
}

func (c PlayerConfig) LocalCount() int {
	count := 0
	for i := 0; i < c.numPlayers; i++ {
		if c.IsLocalPlayer(i) {
			count++
		}
	}
	return count
}

func (c PlayerConfig) RemoteCount() int {
	return c.numPlayers - c.LocalCount()
}

// LocalIndices lists the locally controlled player indices in order.
func (c PlayerConfig) LocalIndices() []int {
	out := make([]int, 0, c.numPlayers)
	for i := 0; i < c.numPlayers; i++ {
		if c.IsLocalPlayer(i) {
			out = append(out, i)
		}
	}
	return out
}

// RemoteIndices lists the remote player indices in order.
func (c PlayerConfig) RemoteIndices() []int {
	out := make([]int, 0, c.numPlayers)
	for i := 0; i < c.numPlayers; i++ {
		if !c.IsLocalPlayer(i) {
			out = append(out, i)
		}
	}
	return out
}
