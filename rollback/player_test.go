package rollback

import "testing"

func TestPlayerConfigMasks(t *testing.T) {
	cfg := AllLocal(3)
	if cfg.NumPlayers() != 3 || cfg.LocalCount() != 3 || cfg.RemoteCount() != 0 {
		t.Fatalf("all-local layout wrong: %+v", cfg)
	}

	cfg = OneLocal(4, 2)
	if cfg.LocalCount() != 1 || !cfg.IsLocalPlayer(2) {
		t.Fatalf("one-local layout wrong: %+v", cfg)
	}
	if cfg.RemoteCount() != 3 {
		t.Fatalf("expected 3 remotes, got %d", cfg.RemoteCount())
	}
	local := cfg.LocalIndices()
	if len(local) != 1 || local[0] != 2 {
		t.Fatalf("local indices wrong: %v", local)
	}
	remote := cfg.RemoteIndices()
	if len(remote) != 3 || remote[0] != 0 || remote[1] != 1 || remote[2] != 3 {
		t.Fatalf("remote indices wrong: %v", remote)
	}
}

func TestPlayerConfigClampsMask(t *testing.T) {
	// Indices past the player count are dropped.
	cfg := WithLocalPlayers(2, 0, 3, 7)
	if !cfg.IsLocalPlayer(0) || cfg.IsLocalPlayer(1) {
		t.Fatalf("mask not clamped: %+v", cfg)
	}
	if cfg.LocalCount() != 1 {
		t.Fatalf("expected 1 local, got %d", cfg.LocalCount())
	}
}

func TestPlayerConfigPanicsOnBadCount(t *testing.T) {
	for _, n := range []int{0, 5, -1} {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("count %d did not panic", n)
				}
			}()
			AllLocal(n)
		}()
	}
}

func TestDefaultPlayerConfig(t *testing.T) {
	cfg := DefaultPlayerConfig()
	if cfg.NumPlayers() != 1 || !cfg.IsLocalPlayer(0) {
		t.Fatalf("default should be one local player: %+v", cfg)
	}
}
