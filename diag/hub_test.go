package diag

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"netherlink/nchs"
	"netherlink/rollback"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if hub.SubscriberCount() != 1 {
		t.Fatalf("subscriber never registered")
	}
	return conn
}

func TestHubPublishLobby(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn := dialHub(t, hub)

	session, err := nchs.HostSession(nchs.HostConfig{Port: 43911, TickRate: 60}, zerolog.Nop())
	if err != nil {
		t.Fatalf("host session: %v", err)
	}
	defer func() {
		sock, _ := session.TakeSocket()
		if sock != nil {
			sock.Close()
		}
	}()

	hub.PublishLobby(session)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snap LobbySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Type != "lobby" || snap.Ver != protocolVersion {
		t.Fatalf("bad envelope: %+v", snap)
	}
	if !snap.IsHost || snap.State != "connecting" {
		t.Fatalf("lobby shape wrong: %+v", snap)
	}
	if len(snap.Lobby.Players) != 4 {
		t.Fatalf("lobby slots missing: %d", len(snap.Lobby.Players))
	}
}

func TestHubPublishSession(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn := dialHub(t, hub)

	session, err := rollback.NewLocal(rollback.AllLocal(2), 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("rollback session: %v", err)
	}
	defer session.Close()

	hub.PublishSession(session)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snap SessionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Type != "session" || snap.Ver != protocolVersion {
		t.Fatalf("bad envelope: %+v", snap)
	}
	if snap.Frame != 0 || snap.Desync {
		t.Fatalf("fresh session shape wrong: %+v", snap)
	}
	if len(snap.Stats) != 0 {
		t.Fatalf("offline session reported link stats: %+v", snap.Stats)
	}
}

func TestHubDropsClosedSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	conn := dialHub(t, hub)

	conn.Close()
	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if hub.SubscriberCount() != 0 {
		t.Fatalf("closed subscriber was never dropped")
	}
}
