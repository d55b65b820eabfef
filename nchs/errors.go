package nchs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when an operation does not apply to the
	// machine's current state.
	ErrInvalidState = errors.New("nchs: invalid state for operation")
	// ErrNotHost guards host-only operations on guest sessions.
	ErrNotHost = errors.New("nchs: operation requires the host role")
	// ErrNotGuest guards guest-only operations on host sessions.
	ErrNotGuest = errors.New("nchs: operation requires the guest role")
	// ErrSocketTaken is returned when the socket was already handed off.
	ErrSocketTaken = errors.New("nchs: socket already taken")
	// ErrNotEnoughPlayers blocks session start below two players.
	ErrNotEnoughPlayers = errors.New("nchs: need at least two players to start")
	// ErrNotAllReady blocks session start while a guest is unready.
	ErrNotAllReady = errors.New("nchs: not all players are ready")
	// ErrJoinTimeout is the terminal guest failure when the host never answered.
	ErrJoinTimeout = errors.New("nchs: join request timed out")
	// ErrPunchTimeout is the terminal guest failure when hole punching stalled.
	ErrPunchTimeout = errors.New("nchs: hole punching timed out")
)

// RejectError is the terminal guest failure carrying the host's reason.
type RejectError struct {
	Reason  RejectReason
	Message string
}

func (e *RejectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("nchs: join rejected: %s", e.Reason)
	}
	return fmt.Sprintf("nchs: join rejected: %s: %s", e.Reason, e.Message)
}
