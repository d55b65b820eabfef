// Package diag streams lobby and session telemetry to websocket
// subscribers, typically a debug overlay or an external dashboard.
package diag

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"netherlink/nchs"
	"netherlink/rollback"
)

const (
	protocolVersion = 1
	writeWait       = 2 * time.Second
)

// LobbySnapshot mirrors the lobby as the local machine sees it.
type LobbySnapshot struct {
	Ver     int             `json:"ver"`
	Type    string          `json:"type"`
	State   string          `json:"state"`
	IsHost  bool            `json:"isHost"`
	Lobby   nchs.LobbyState `json:"lobby"`
	Instant int64           `json:"instant"`
}

// PlayerStats is one remote player's link report.
type PlayerStats struct {
	Player       int    `json:"player"`
	PingMs       int    `json:"pingMs"`
	FramesBehind int    `json:"framesBehind"`
	Quality      string `json:"quality"`
}

// SessionSnapshot mirrors the running rollback session's counters.
type SessionSnapshot struct {
	Ver            int           `json:"ver"`
	Type           string        `json:"type"`
	Frame          int32         `json:"frame"`
	RollbackFrames uint64        `json:"rollbackFrames"`
	FrameAdvantage int           `json:"frameAdvantage"`
	Desync         bool          `json:"desync"`
	Stats          []PlayerStats `json:"stats,omitempty"`
	Instant        int64         `json:"instant"`
}

type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Hub fans telemetry snapshots out to every connected subscriber. The
// poll loop publishes; each subscriber write happens under its own lock
// so one slow client cannot block the rest for long.
type Hub struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	upgrader    websocket.Upgrader
	log         zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[uint64]*subscriber),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "diag").Logger(),
	}
}

// Handler upgrades incoming connections and parks them as subscribers.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}
		id := h.register(conn)
		go h.reader(id, conn)
	}
}

func (h *Hub) register(conn *websocket.Conn) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.subscribers[h.nextID] = &subscriber{conn: conn}
	h.log.Debug().Uint64("subscriber", h.nextID).Msg("subscriber connected")
	return h.nextID
}

// reader drains inbound frames until the client goes away. Subscribers
// are listen-only; anything they send is ignored.
func (h *Hub) reader(id uint64, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.drop(id)
			return
		}
	}
}

func (h *Hub) drop(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscribers[id]
	if ok {
		delete(h.subscribers, id)
	}
	h.mu.Unlock()
	if ok {
		sub.conn.Close()
		h.log.Debug().Uint64("subscriber", id).Msg("subscriber disconnected")
	}
}

// SubscriberCount reports how many clients are attached.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// PublishLobby broadcasts the lobby's current shape.
func (h *Hub) PublishLobby(session *nchs.Session) {
	h.broadcast(LobbySnapshot{
		Ver:     protocolVersion,
		Type:    "lobby",
		State:   session.State().String(),
		IsHost:  session.IsHost(),
		Lobby:   session.Lobby(),
		Instant: time.Now().UnixMilli(),
	})
}

// PublishSession broadcasts the rollback session's counters and per-peer
// link stats.
func (h *Hub) PublishSession(session *rollback.Session) {
	snap := SessionSnapshot{
		Ver:            protocolVersion,
		Type:           "session",
		Frame:          session.CurrentFrame(),
		RollbackFrames: session.TotalRollbackFrames(),
		FrameAdvantage: session.LastFrameAdvantage(),
		Desync:         session.DesyncDetected(),
		Instant:        time.Now().UnixMilli(),
	}
	for _, idx := range session.Players().RemoteIndices() {
		stats, err := session.NetworkStats(idx)
		if err != nil {
			continue
		}
		snap.Stats = append(snap.Stats, PlayerStats{
			Player:       idx,
			PingMs:       stats.PingMs,
			FramesBehind: stats.FramesBehind,
			Quality:      stats.Quality.String(),
		})
	}
	h.broadcast(snap)
}

func (h *Hub) broadcast(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn().Err(err).Msg("marshal telemetry snapshot")
		return
	}

	h.mu.Lock()
	subs := make(map[uint64]*subscriber, len(h.subscribers))
	for id, sub := range h.subscribers {
		subs[id] = sub
	}
	h.mu.Unlock()

	for id, sub := range subs {
		sub.mu.Lock()
		sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := sub.conn.WriteMessage(websocket.TextMessage, data)
		sub.mu.Unlock()
		if err != nil {
			h.log.Debug().Err(err).Uint64("subscriber", id).Msg("dropping slow subscriber")
			h.drop(id)
		}
	}
}
