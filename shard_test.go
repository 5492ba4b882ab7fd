/************************************************************************************
 *
 * gatewire, a Go client library for the Discord real-time gateway
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package gatewire

import (
	"io"
	"sync/atomic"
	"testing"
)

// newTestShard builds a Shard with no network connection, suitable for
// exercising the state machine, heartbeat, and session logic in isolation.
func newTestShard(t *testing.T, callbacks shardCallbacks) *Shard {
	t.Helper()
	logger := NewDefaultLogger(io.Discard, LogLevelFatalLevel)
	s, err := newShard(shardConfig{
		shardID:     0,
		totalShards: 1,
		token:       "testtoken",
		logger:      logger,
		dispatcher:  newDispatcher(logger, NewDefaultWorkerPool(logger)),
		callbacks:   callbacks,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func noopShardCallbacks() shardCallbacks {
	return shardCallbacks{
		onClose:        func(int, GatewayCloseEventCode) {},
		onReady:        func(int) {},
		onFullReady:    func(int, map[Snowflake]struct{}) {},
		onInvalidSess:  func(int) {},
		onError:        func(*GatewayError) {},
		onRaw:          func(int, *gatewayPayload) {},
		onReconnecting: func(int) {},
		onDestroyed:    func(int) {},
	}
}

func TestShard_InitialStatusIsIdle(t *testing.T) {
	s := newTestShard(t, noopShardCallbacks())
	if s.Status() != StatusIdle {
		t.Fatalf("expected initial status idle, got %v", s.Status())
	}
}

func TestShard_DestroySetsDisconnected(t *testing.T) {
	s := newTestShard(t, noopShardCallbacks())
	s.setStatus(StatusReady)
	s.destroy(destroyOptions{code: 1000, reset: false, emit: false, log: false})
	if s.Status() != StatusDisconnected {
		t.Fatalf("expected status disconnected after destroy, got %v", s.Status())
	}
	if s.lastCloseCode != 1000 {
		t.Fatalf("expected lastCloseCode to be recorded")
	}
}

func TestShard_DestroyResetClearsSessionID(t *testing.T) {
	s := newTestShard(t, noopShardCallbacks())
	s.session.setID("abc123")
	s.destroy(destroyOptions{code: 1000, reset: true, emit: false, log: false})
	if s.SessionID() != "" {
		t.Fatalf("expected session id cleared when reset=true, got %q", s.SessionID())
	}
}

func TestShard_DestroyWithoutResetKeepsSessionID(t *testing.T) {
	s := newTestShard(t, noopShardCallbacks())
	s.session.setID("abc123")
	s.destroy(destroyOptions{code: GatewayCloseEventCodeUnknownError, reset: false, emit: false, log: false})
	if s.SessionID() != "abc123" {
		t.Fatalf("expected session id preserved when reset=false, got %q", s.SessionID())
	}
}

func TestShard_DestroyEmitsCallbacksWhenRequested(t *testing.T) {
	var closed atomic.Bool
	var destroyed atomic.Bool
	cb := noopShardCallbacks()
	cb.onClose = func(shardID int, code GatewayCloseEventCode) { closed.Store(true) }
	cb.onDestroyed = func(shardID int) { destroyed.Store(true) }

	s := newTestShard(t, cb)
	s.destroy(destroyOptions{code: 1000, reset: false, emit: true, log: false})

	if !closed.Load() || !destroyed.Load() {
		t.Fatal("expected onClose and onDestroyed to fire when emit=true")
	}
}

func TestShard_HandleDispatch_ReadyTracksExpectedGuilds(t *testing.T) {
	s := newTestShard(t, noopShardCallbacks())
	s.handleDispatch(&gatewayPayload{
		Op: gatewayOpcodeDispatch,
		T:  "READY",
		D:  []byte(`{"session_id":"sess1","guilds":[{"id":"111"},{"id":"222"}]}`),
	})

	if s.Status() != StatusWaitingForGuilds {
		t.Fatalf("expected WaitingForGuilds after READY, got %v", s.Status())
	}
	if s.SessionID() != "sess1" {
		t.Fatalf("expected session id to be set from READY, got %q", s.SessionID())
	}

	s.guildsMu.Lock()
	n := len(s.expectingGuilds)
	s.guildsMu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 expected guilds, got %d", n)
	}
}

func TestShard_HandleDispatch_GuildCreateDrainsToFullReady(t *testing.T) {
	var fullReady atomic.Bool
	var missingCount int
	cb := noopShardCallbacks()
	cb.onFullReady = func(shardID int, missing map[Snowflake]struct{}) {
		fullReady.Store(true)
		missingCount = len(missing)
	}

	s := newTestShard(t, cb)
	s.handleDispatch(&gatewayPayload{
		Op: gatewayOpcodeDispatch,
		T:  "READY",
		D:  []byte(`{"session_id":"sess1","guilds":[{"id":"111"}]}`),
	})
	s.handleDispatch(&gatewayPayload{
		Op: gatewayOpcodeDispatch,
		T:  "GUILD_CREATE",
		D:  []byte(`{"id":"111"}`),
	})

	if !fullReady.Load() {
		t.Fatal("expected FullReady once the only expected guild arrived")
	}
	if missingCount != 0 {
		t.Fatalf("expected no missing guilds, got %d", missingCount)
	}
	if s.Status() != StatusReady {
		t.Fatalf("expected status Ready, got %v", s.Status())
	}
}

func TestShard_HandleDispatch_ResumedSetsConnected(t *testing.T) {
	s := newTestShard(t, noopShardCallbacks())
	s.setStatus(StatusResuming)
	s.handleDispatch(&gatewayPayload{Op: gatewayOpcodeDispatch, T: "RESUMED"})
	if s.Status() != StatusConnected {
		t.Fatalf("expected status Connected after RESUMED, got %v", s.Status())
	}
}
