package nchs

// EventKind labels what a Poll call observed.
type EventKind string

const (
	// EventListening fires once when the host's socket is bound.
	EventListening EventKind = "listening"
	// EventPending fires for guests while the join request is in flight.
	EventPending EventKind = "pending"
	// EventPlayerJoined carries the handle of the newly accepted guest.
	EventPlayerJoined EventKind = "playerJoined"
	// EventPlayerLeft carries the handle of a removed guest.
	EventPlayerLeft EventKind = "playerLeft"
	// EventLobbyUpdated carries the current roster after any change.
	EventLobbyUpdated EventKind = "lobbyUpdated"
	// EventReady carries the SessionStart payload exactly once.
	EventReady EventKind = "ready"
	// EventError carries a terminal failure.
	EventError EventKind = "error"
)

// Event is the single notification type both lobby roles produce.
type Event struct {
	Kind   EventKind
	Handle uint8
	Lobby  LobbyState
	Start  *SessionStart
	Err    error
}
