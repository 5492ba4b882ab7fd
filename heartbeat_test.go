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
	"sync/atomic"
	"testing"
	"time"
)

func TestHeartbeat_InitialLatencyIsUnset(t *testing.T) {
	s := newTestShard(t, noopShardCallbacks())
	if s.Latency() != -1 {
		t.Fatalf("expected -1 latency before any ack, got %d", s.Latency())
	}
}

func TestHeartbeat_AckRecordsLatency(t *testing.T) {
	s := newTestShard(t, noopShardCallbacks())
	s.heartbeat.send("test", false)
	time.Sleep(5 * time.Millisecond)
	s.heartbeat.ack()

	if s.Latency() < 0 {
		t.Fatalf("expected a non-negative latency after ack, got %d", s.Latency())
	}
}

func TestHeartbeat_ResetClearsState(t *testing.T) {
	s := newTestShard(t, noopShardCallbacks())
	s.heartbeat.send("test", false)
	s.heartbeat.ack()
	s.heartbeat.reset()

	if s.Latency() != -1 {
		t.Fatalf("expected latency reset to -1, got %d", s.Latency())
	}
	if !s.heartbeat.acked.Load() {
		t.Fatal("expected acked to be reset to true")
	}
}

// TestHeartbeat_ZombieDetectionDestroysShard exercises §4.3's zombie policy:
// a fired heartbeat tick that was never acked, on a non-tolerant status,
// must destroy the shard with SessionTimedOut.
func TestHeartbeat_ZombieDetectionDestroysShard(t *testing.T) {
	var destroyedWith GatewayCloseEventCode
	var destroyed atomic.Bool
	cb := noopShardCallbacks()
	cb.onClose = func(shardID int, code GatewayCloseEventCode) {
		destroyedWith = code
		destroyed.Store(true)
	}

	s := newTestShard(t, cb)
	s.setStatus(StatusConnected)
	s.heartbeat.acked.Store(false)

	s.heartbeat.fire()

	if !destroyed.Load() {
		t.Fatal("expected the shard to be destroyed on a missed ack in a non-tolerant status")
	}
	if destroyedWith != GatewayCloseEventCodeSessionTimedOut {
		t.Fatalf("expected close code SessionTimedOut, got %d", destroyedWith)
	}
}

// TestHeartbeat_TolerantStatusSkipsZombieCheck covers the exemption: a
// missed ack while WaitingForGuilds/Identifying/Resuming must not be
// treated as a zombie connection.
func TestHeartbeat_TolerantStatusSkipsZombieCheck(t *testing.T) {
	var destroyed atomic.Bool
	cb := noopShardCallbacks()
	cb.onClose = func(int, GatewayCloseEventCode) { destroyed.Store(true) }

	s := newTestShard(t, cb)
	s.setStatus(StatusWaitingForGuilds)
	s.heartbeat.interval = time.Hour // the tick armLocked schedules lands an hour out, after the test ends
	s.heartbeat.acked.Store(false)

	s.heartbeat.fire()

	if destroyed.Load() {
		t.Fatal("expected no destroy while status is tolerant")
	}
}
