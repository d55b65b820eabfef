// Package app wires the lobby handshake, the rollback session and the
// telemetry hub into a runnable demo loop.
package app

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"netherlink/diag"
	"netherlink/lockstep"
	"netherlink/nchs"
	"netherlink/rollback"
)

// Options selects the role and identity for one process.
type Options struct {
	Mode        string // host, join, local, synctest or p2p
	Port        uint16 // lobby port when hosting, bind port for p2p
	HostAddr    string
	PeerPort    uint16 // p2p only: the other instance's bind port
	LocalPlayer int    // p2p only: which of the two players runs here
	PlayerName  string
	RomHash     string
	TickRate    uint32
	DiagAddr    string // empty disables the telemetry listener
	FrameBudget int    // frames to run before exiting; 0 means run forever
}

// connectionMode translates the CLI options into the rollback package's
// mode value, which the dispatch below consumes.
func connectionMode(opts Options) (rollback.ConnectionMode, error) {
	switch opts.Mode {
	case "local":
		return rollback.LocalMode(), nil
	case "synctest":
		return rollback.SyncTestMode(), nil
	case "host":
		if opts.Port == 0 {
			return rollback.HostMode(), nil
		}
		return rollback.HostModeOnPort(opts.Port), nil
	case "join":
		return rollback.JoinMode(opts.HostAddr), nil
	case "p2p":
		return rollback.P2PMode(opts.Port, opts.PeerPort, opts.LocalPlayer), nil
	default:
		return rollback.ConnectionMode{}, fmt.Errorf("app: unknown mode %q", opts.Mode)
	}
}

// Run drives one process until the session ends or ctx is cancelled.
func Run(ctx context.Context, opts Options, log zerolog.Logger) error {
	if opts.TickRate == 0 {
		opts.TickRate = 60
	}
	mode, err := connectionMode(opts)
	if err != nil {
		return err
	}

	hub := diag.NewHub(log)
	if opts.DiagAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/diag", hub.Handler())
		server := &http.Server{Addr: opts.DiagAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("telemetry listener")
			}
		}()
		defer server.Close()
	}

	switch mode.Kind {
	case rollback.ModeLocal:
		session, err := rollback.NewLocal(rollback.AllLocal(1), 0, log)
		if err != nil {
			return err
		}
		defer session.Close()
		return runSession(ctx, session, hub, opts, log)
	case rollback.ModeSyncTest:
		session, err := rollback.NewSyncTest(rollback.AllLocal(1), mode.CheckDistance, 0, log)
		if err != nil {
			return err
		}
		defer session.Close()
		return runSession(ctx, session, hub, opts, log)
	case rollback.ModeP2P:
		peer := map[int]string{
			1 - mode.LocalPlayer: "127.0.0.1:" + strconv.Itoa(int(mode.PeerPort)),
		}
		session, err := rollback.NewP2P(rollback.OneLocal(2, mode.LocalPlayer), mode.BindPort, peer, 0, log)
		if err != nil {
			return err
		}
		defer session.Close()
		return runSession(ctx, session, hub, opts, log)
	default:
		return runNetworked(ctx, hub, mode, opts, log)
	}
}

func runNetworked(ctx context.Context, hub *diag.Hub, mode rollback.ConnectionMode, opts Options, log zerolog.Logger) error {
	lobby, err := openLobby(mode, opts, log)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second / time.Duration(opts.TickRate))
	defer ticker.Stop()

	var start *nchs.SessionStart
	readiedUp := false
	for start == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		for {
			ev, ok := lobby.Poll()
			if !ok {
				break
			}
			switch ev.Kind {
			case nchs.EventLobbyUpdated:
				// Demo host starts as soon as every guest has readied up.
				if lobby.IsHost() && lobbyAllReady(ev.Lobby) {
					if _, err := lobby.Start(); err != nil {
						log.Warn().Err(err).Msg("start refused")
					}
				}
			case nchs.EventReady:
				start = ev.Start
			case nchs.EventError:
				return ev.Err
			}
		}

		if !lobby.IsHost() && !readiedUp && lobby.State() == nchs.SessionLobby {
			if err := lobby.SetReady(true); err == nil {
				readiedUp = true
			}
		}
		hub.PublishLobby(lobby)
	}

	sock, err := lobby.TakeSocket()
	if err != nil {
		return err
	}
	session, err := rollback.FromNCHS(start, sock, 0, log)
	if err != nil {
		return err
	}
	defer session.Close()
	return runSession(ctx, session, hub, opts, log)
}

func openLobby(mode rollback.ConnectionMode, opts Options, log zerolog.Logger) (*nchs.Session, error) {
	info := nchs.PlayerInfo{Name: opts.PlayerName}
	if mode.Kind == rollback.ModeHost {
		return nchs.HostSession(nchs.HostConfig{
			Port:     mode.Port,
			RomHash:  opts.RomHash,
			TickRate: opts.TickRate,
			Info:     info,
		}, log)
	}
	return nchs.GuestSession(nchs.GuestConfig{
		HostAddr: mode.HostAddr,
		RomHash:  opts.RomHash,
		TickRate: opts.TickRate,
		Info:     info,
	}, log)
}

func lobbyAllReady(lobby nchs.LobbyState) bool {
	guests := 0
	for _, slot := range lobby.Players {
		if !slot.Active || slot.Handle == lobby.HostHandle {
			continue
		}
		guests++
		if !slot.Ready {
			return false
		}
	}
	return guests > 0
}

func runSession(ctx context.Context, session *rollback.Session, hub *diag.Hub, opts Options, log zerolog.Logger) error {
	sim := newCounterSim()
	local := session.Players().LocalIndices()
	ticker := time.NewTicker(time.Second / time.Duration(opts.TickRate))
	defer ticker.Stop()

	frames := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		inputs := make(map[int]lockstep.Input, len(local))
		for _, idx := range local {
			inputs[idx] = lockstep.Input(session.CurrentFrame())
		}
		if err := session.AdvanceFrame(sim, inputs); err != nil {
			if !errors.Is(err, lockstep.ErrNotSynchronized) && !errors.Is(err, lockstep.ErrPredictionThreshold) {
				return err
			}
			// Transient: skip the frame and try again next tick.
		}
		for _, ev := range session.Events() {
			log.Info().Int("kind", int(ev.Kind)).Int("player", ev.Player).Msg("session event")
		}
		hub.PublishSession(session)

		frames++
		if opts.FrameBudget > 0 && frames >= opts.FrameBudget {
			log.Info().Int32("frame", session.CurrentFrame()).
				Uint64("rollbackFrames", session.TotalRollbackFrames()).Msg("frame budget reached")
			return nil
		}
	}
}

// counterSim is the smallest deterministic simulation that can prove the
// plumbing: a running product of every input it has stepped over.
type counterSim struct {
	frame int64
	acc   uint64
}

func newCounterSim() *counterSim { return &counterSim{} }

func (c *counterSim) Snapshot() ([]byte, error) {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, uint64(c.frame))
	binary.LittleEndian.PutUint64(buf[8:], c.acc)
	return buf, nil
}

func (c *counterSim) Restore(data []byte) error {
	if len(data) != 16 {
		return fmt.Errorf("app: bad snapshot length %d", len(data))
	}
	c.frame = int64(binary.LittleEndian.Uint64(data))
	c.acc = binary.LittleEndian.Uint64(data[8:])
	return nil
}

func (c *counterSim) Step(inputs []lockstep.Input) error {
	c.frame++
	for _, in := range inputs {
		c.acc = c.acc*31 + uint64(in)
	}
	return nil
}
