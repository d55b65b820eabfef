package nchs

import (
	"net"
	"sort"
	"time"
)

// ConnectedPlayer is one guest as the host tracks it.
type ConnectedPlayer struct {
	Handle   uint8
	Active   bool
	Info     PlayerInfo
	Addr     *net.UDPAddr
	Ready    bool
	LastSeen time.Time
}

// roster holds connected guests behind both lookup keys. Every mutation
// goes through it so the handle and address indices cannot drift apart.
type roster struct {
	byHandle map[uint8]*ConnectedPlayer
	byAddr   map[string]uint8
}

func newRoster() *roster {
	return &roster{
		byHandle: make(map[uint8]*ConnectedPlayer),
		byAddr:   make(map[string]uint8),
	}
}

func (r *roster) add(p *ConnectedPlayer) {
	r.byHandle[p.Handle] = p
	r.byAddr[p.Addr.String()] = p.Handle
}

func (r *roster) get(handle uint8) (*ConnectedPlayer, bool) {
	p, ok := r.byHandle[handle]
	return p, ok
}

func (r *roster) lookupAddr(addr *net.UDPAddr) (*ConnectedPlayer, bool) {
	handle, ok := r.byAddr[addr.String()]
	if !ok {
		return nil, false
	}
	return r.byHandle[handle], true
}

func (r *roster) remove(handle uint8) (*ConnectedPlayer, bool) {
	p, ok := r.byHandle[handle]
	if !ok {
		return nil, false
	}
	delete(r.byHandle, handle)
	delete(r.byAddr, p.Addr.String())
	return p, true
}

func (r *roster) size() int {
	return len(r.byHandle)
}

// handles returns guest handles in ascending order so poll-driven scans
// and broadcasts stay deterministic.
func (r *roster) handles() []uint8 {
	out := make([]uint8, 0, len(r.byHandle))
	for h := range r.byHandle {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *roster) allReady() bool {
	for _, p := range r.byHandle {
		if !p.Ready {
			return false
		}
	}
	return true
}
