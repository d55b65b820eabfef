package nchs

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Wire framing: a 10-byte header followed by a JSON envelope.
//
//	[0:4]  magic "NCHS"
//	[4:6]  protocol version, little endian
//	[6:10] payload length, little endian
const (
	ProtocolVersion uint16 = 1
	HeaderSize             = 10

	MaxPlayerNameLen = 32
)

var protocolMagic = [4]byte{'N', 'C', 'H', 'S'}

type MessageKind string

const (
	KindJoinRequest  MessageKind = "joinRequest"
	KindJoinAccept   MessageKind = "joinAccept"
	KindJoinReject   MessageKind = "joinReject"
	KindLobbyUpdate  MessageKind = "lobbyUpdate"
	KindReadyChange  MessageKind = "readyChange"
	KindSessionStart MessageKind = "sessionStart"
	KindPunchHello   MessageKind = "punchHello"
	KindPunchAck     MessageKind = "punchAck"
	KindPing         MessageKind = "ping"
	KindPong         MessageKind = "pong"
)

// Message is implemented by every NCHS wire payload.
type Message interface {
	MessageKind() MessageKind
}

// PlayerInfo is the cosmetic identity a player presents to the lobby.
type PlayerInfo struct {
	Name     string `json:"name"`
	AvatarID uint32 `json:"avatarId"`
	Color    uint32 `json:"color"`
}

// Clamped returns a copy with the name truncated to at most
// MaxPlayerNameLen bytes, cutting on a rune boundary so the result stays
// valid UTF-8.
func (p PlayerInfo) Clamped() PlayerInfo {
	if len(p.Name) > MaxPlayerNameLen {
		cut := MaxPlayerNameLen
		for cut > 0 && !utf8.RuneStart(p.Name[cut]) {
			cut--
		}
		p.Name = p.Name[:cut]
	}
	return p
}

type PlayerSlot struct {
	Handle uint8      `json:"handle"`
	Active bool       `json:"active"`
	Info   PlayerInfo `json:"info"`
	Ready  bool       `json:"ready"`
	Addr   string     `json:"addr"`
}

type LobbyState struct {
	Players    []PlayerSlot `json:"players"`
	MaxPlayers uint8        `json:"maxPlayers"`
	HostHandle uint8        `json:"hostHandle"`
}

// NetworkConfig carries the rollback tuning the host dictates to every peer.
type NetworkConfig struct {
	InputDelay          uint8  `json:"inputDelay"`
	MaxRollback         uint8  `json:"maxRollback"`
	DisconnectTimeoutMs uint32 `json:"disconnectTimeoutMs"`
	DesyncDetection     bool   `json:"desyncDetection"`
}

func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		InputDelay:          2,
		MaxRollback:         8,
		DisconnectTimeoutMs: 5000,
		DesyncDetection:     true,
	}
}

type SaveMode string

const (
	SaveModePerPlayer    SaveMode = "perPlayer"
	SaveModeSynchronized SaveMode = "synchronized"
	SaveModeNewGame      SaveMode = "newGame"
)

type SaveConfig struct {
	SlotIndex        uint8    `json:"slotIndex"`
	Mode             SaveMode `json:"mode"`
	SynchronizedSave []byte   `json:"synchronizedSave,omitempty"`
}

type JoinRequest struct {
	ConsoleType uint8      `json:"consoleType"`
	RomHash     string     `json:"romHash"`
	TickRate    uint32     `json:"tickRate"`
	MaxPlayers  uint8      `json:"maxPlayers"`
	PlayerInfo  PlayerInfo `json:"playerInfo"`
	ExtraData   []byte     `json:"extraData,omitempty"`
}

type JoinAccept struct {
	PlayerHandle uint8      `json:"playerHandle"`
	Lobby        LobbyState `json:"lobby"`
}

type RejectReason string

const (
	RejectLobbyFull           RejectReason = "lobbyFull"
	RejectConsoleTypeMismatch RejectReason = "consoleTypeMismatch"
	RejectRomHashMismatch     RejectReason = "romHashMismatch"
	RejectTickRateMismatch    RejectReason = "tickRateMismatch"
	RejectGameInProgress      RejectReason = "gameInProgress"
	RejectHostRejected        RejectReason = "hostRejected"
	RejectVersionMismatch     RejectReason = "versionMismatch"
	RejectOther               RejectReason = "other"
)

type JoinReject struct {
	Reason  RejectReason `json:"reason"`
	Message string       `json:"message,omitempty"`
}

type LobbyUpdate struct {
	Lobby LobbyState `json:"lobby"`
}

type ReadyChange struct {
	Handle uint8 `json:"handle"`
	Ready  bool  `json:"ready"`
}

// PlayerConnectionInfo tells each peer how to reach every player once the
// session moves to the frame-sync transport.
type PlayerConnectionInfo struct {
	Handle     uint8      `json:"handle"`
	Active     bool       `json:"active"`
	Info       PlayerInfo `json:"info"`
	Addr       string     `json:"addr"`
	EnginePort uint16     `json:"enginePort"`
}

type SessionStart struct {
	SessionID         string                 `json:"sessionId"`
	LocalPlayerHandle uint8                  `json:"localPlayerHandle"`
	RandomSeed        uint64                 `json:"randomSeed"`
	StartFrame        uint32                 `json:"startFrame"`
	TickRate          uint32                 `json:"tickRate"`
	Players           []PlayerConnectionInfo `json:"players"`
	PlayerCount       uint8                  `json:"playerCount"`
	Network           NetworkConfig          `json:"network"`
	Save              *SaveConfig            `json:"save,omitempty"`
	ExtraData         []byte                 `json:"extraData,omitempty"`
}

type PunchHello struct {
	SenderHandle uint8  `json:"senderHandle"`
	Nonce        uint32 `json:"nonce"`
}

type PunchAck struct {
	SenderHandle uint8  `json:"senderHandle"`
	Nonce        uint32 `json:"nonce"`
}

type Ping struct {
	Handle uint8 `json:"handle"`
}

type Pong struct {
	Handle uint8 `json:"handle"`
}

func (JoinRequest) MessageKind() MessageKind  { return KindJoinRequest }
func (JoinAccept) MessageKind() MessageKind   { return KindJoinAccept }
func (JoinReject) MessageKind() MessageKind   { return KindJoinReject }
func (LobbyUpdate) MessageKind() MessageKind  { return KindLobbyUpdate }
func (ReadyChange) MessageKind() MessageKind  { return KindReadyChange }
func (SessionStart) MessageKind() MessageKind { return KindSessionStart }
func (PunchHello) MessageKind() MessageKind   { return KindPunchHello }
func (PunchAck) MessageKind() MessageKind     { return KindPunchAck }
func (Ping) MessageKind() MessageKind         { return KindPing }
func (Pong) MessageKind() MessageKind         { return KindPong }

var (
	ErrFrameTooShort     = errors.New("nchs: datagram shorter than header")
	ErrBadMagic          = errors.New("nchs: bad magic")
	ErrVersionMismatch   = errors.New("nchs: protocol version mismatch")
	ErrIncompletePayload = errors.New("nchs: incomplete payload")
	ErrDecodeFailed      = errors.New("nchs: payload decode failed")
)

type envelope struct {
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Encode frames a message into a single NCHS datagram.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("nchs: encode %s: %w", msg.MessageKind(), err)
	}
	body, err := json.Marshal(envelope{Kind: msg.MessageKind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("nchs: encode envelope: %w", err)
	}
	frame := make([]byte, HeaderSize+len(body))
	copy(frame[0:4], protocolMagic[:])
	binary.LittleEndian.PutUint16(frame[4:6], ProtocolVersion)
	binary.LittleEndian.PutUint32(frame[6:10], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	return frame, nil
}

// Decode parses one framed datagram back into its message.
func Decode(frame []byte) (Message, error) {
	if len(frame) < HeaderSize {
		return nil, ErrFrameTooShort
	}
	if !bytes.Equal(frame[0:4], protocolMagic[:]) {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(frame[4:6]); v != ProtocolVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, v, ProtocolVersion)
	}
	length := binary.LittleEndian.Uint32(frame[6:10])
	if uint32(len(frame)-HeaderSize) < length {
		return nil, ErrIncompletePayload
	}
	var env envelope
	if err := json.Unmarshal(frame[HeaderSize:HeaderSize+int(length)], &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	msg, err := messageForKind(env.Kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecodeFailed, env.Kind, err)
	}
	return deref(msg), nil
}

func messageForKind(kind MessageKind) (Message, error) {
	switch kind {
	case KindJoinRequest:
		return &JoinRequest{}, nil
	case KindJoinAccept:
		return &JoinAccept{}, nil
	case KindJoinReject:
		return &JoinReject{}, nil
	case KindLobbyUpdate:
		return &LobbyUpdate{}, nil
	case KindReadyChange:
		return &ReadyChange{}, nil
	case KindSessionStart:
		return &SessionStart{}, nil
	case KindPunchHello:
		return &PunchHello{}, nil
	case KindPunchAck:
		return &PunchAck{}, nil
	case KindPing:
		return &Ping{}, nil
	case KindPong:
		return &Pong{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrDecodeFailed, kind)
	}
}

func deref(msg Message) Message {
	switch m := msg.(type) {
	case *JoinRequest:
		return *m
	case *JoinAccept:
		return *m
	case *JoinReject:
		return *m
	case *LobbyUpdate:
		return *m
	case *ReadyChange:
		return *m
	case *SessionStart:
		return *m
	case *PunchHello:
		return *m
	case *PunchAck:
		return *m
	case *Ping:
		return *m
	case *Pong:
		return *m
	default:
		return msg
	}
}
