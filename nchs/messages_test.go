package nchs

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEncodeDecodeJoinRequest(t *testing.T) {
	msg := JoinRequest{
		ConsoleType: 2,
		RomHash:     "abc123",
		TickRate:    60,
		MaxPlayers:  4,
		PlayerInfo:  PlayerInfo{Name: "alice", AvatarID: 7, Color: 0xff00ff},
	}
	frame, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(frame) < HeaderSize {
		t.Fatalf("frame shorter than header: %d bytes", len(frame))
	}
	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got, ok := decoded.(JoinRequest)
	if !ok {
		t.Fatalf("decoded wrong type %T", decoded)
	}
	if got.RomHash != msg.RomHash || got.PlayerInfo.Name != "alice" || got.TickRate != 60 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEncodeDecodeSessionStart(t *testing.T) {
	msg := SessionStart{
		SessionID:         "s-1",
		LocalPlayerHandle: 2,
		RandomSeed:        0xdeadbeefcafe,
		TickRate:          60,
		PlayerCount:       3,
		Players: []PlayerConnectionInfo{
			{Handle: 0, Active: true, Addr: "10.0.0.1:7770", EnginePort: 7771},
			{Handle: 1, Active: true, Addr: "10.0.0.2:40000", EnginePort: 40001},
			{Handle: 2},
		},
		Network: DefaultNetworkConfig(),
		Save:    &SaveConfig{SlotIndex: 1, Mode: SaveModeSynchronized},
	}
	frame, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	got := decoded.(SessionStart)
	if got.RandomSeed != msg.RandomSeed {
		t.Fatalf("seed mismatch: got %x want %x", got.RandomSeed, msg.RandomSeed)
	}
	if len(got.Players) != 3 || got.Players[1].EnginePort != 40001 {
		t.Fatalf("players mismatch: %+v", got.Players)
	}
	if got.Save == nil || got.Save.Mode != SaveModeSynchronized {
		t.Fatalf("save config mismatch: %+v", got.Save)
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode([]byte("NCHS")); !errors.Is(err, ErrFrameTooShort) {
		t.Fatalf("expected ErrFrameTooShort, got %v", err)
	}
}

func TestDecodeBadMagic(t *testing.T) {
	frame, err := Encode(Ping{Handle: 1})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	frame[0] = 'X'
	if _, err := Decode(frame); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	frame, err := Encode(Ping{Handle: 1})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	binary.LittleEndian.PutUint16(frame[4:6], ProtocolVersion+1)
	if _, err := Decode(frame); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestDecodeIncompletePayload(t *testing.T) {
	frame, err := Encode(LobbyUpdate{})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if _, err := Decode(frame[:len(frame)-3]); !errors.Is(err, ErrIncompletePayload) {
		t.Fatalf("expected ErrIncompletePayload, got %v", err)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	body := []byte(`{"kind":"bogus","payload":{}}`)
	frame := make([]byte, HeaderSize+len(body))
	copy(frame[0:4], []byte("NCHS"))
	binary.LittleEndian.PutUint16(frame[4:6], ProtocolVersion)
	binary.LittleEndian.PutUint32(frame[6:10], uint32(len(body)))
	copy(frame[HeaderSize:], body)
	if _, err := Decode(frame); !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("expected ErrDecodeFailed, got %v", err)
	}
}

func TestPlayerInfoClamped(t *testing.T) {
	long := strings.Repeat("x", MaxPlayerNameLen+10)
	info := PlayerInfo{Name: long}.Clamped()
	if len(info.Name) != MaxPlayerNameLen {
		t.Fatalf("name not clamped: %d bytes", len(info.Name))
	}
	short := PlayerInfo{Name: "ok"}.Clamped()
	if short.Name != "ok" {
		t.Fatalf("short name mangled: %q", short.Name)
	}

	// The cut backs off to a rune boundary instead of splitting a
	// multi-byte character. 32 is not a multiple of 3, so a byte-exact
	// cut would land mid-rune.
	wide := strings.Repeat("界", 20) // 3 bytes each
	clamped := PlayerInfo{Name: wide}.Clamped()
	if len(clamped.Name) > MaxPlayerNameLen || !utf8.ValidString(clamped.Name) {
		t.Fatalf("clamp broke utf-8: %d bytes, valid=%v", len(clamped.Name), utf8.ValidString(clamped.Name))
	}
	if clamped.Name != strings.Repeat("界", 10) {
		t.Fatalf("unexpected clamp result: %q", clamped.Name)
	}
}
