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
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// tolerantStatuses is the set of shard statuses in which a missed heartbeat
// ack is logged but not treated as a zombie connection (§4.3).
var tolerantStatuses = map[shardStatus]struct{}{
	StatusWaitingForGuilds: {},
	StatusIdentifying:      {},
	StatusResuming:         {},
}

// heartbeat owns the periodic keepalive for one shard: a timer, ack
// tracking, and the zombie-detection policy. It reaches back to its owning
// shard only through the shard pointer supplied at construction — a
// borrowed, non-owning reference whose lifetime is the shard's (§9).
type heartbeat struct {
	shard *Shard

	mu       sync.Mutex
	timer    *time.Timer
	interval time.Duration
	acked    atomic.Bool
	last     time.Time
	latency  atomic.Int64 // milliseconds; -1 until the first ack
}

func newHeartbeat(s *Shard) *heartbeat {
	hb := &heartbeat{shard: s}
	hb.acked.Store(true)
	hb.latency.Store(-1)
	return hb
}

// setInterval starts periodic heartbeats at the given cadence. Discord
// expects the first heartbeat right after Hello, not one interval later, so
// this sends it immediately and only arms the ticker for the beats that
// follow, replacing any timer already running.
func (hb *heartbeat) setInterval(d time.Duration) {
	hb.mu.Lock()
	hb.interval = d
	hb.mu.Unlock()

	hb.send("initial", false)

	hb.mu.Lock()
	hb.armLocked()
	hb.mu.Unlock()
}

// armLocked schedules the next tick. Callers must hold hb.mu.
func (hb *heartbeat) armLocked() {
	if hb.timer != nil {
		hb.timer.Stop()
	}
	if hb.interval <= 0 {
		return
	}
	hb.timer = time.AfterFunc(hb.interval, hb.fire)
}

// fire runs on its own goroutine (time.AfterFunc) every interval.
func (hb *heartbeat) fire() {
	if !hb.acked.Load() && !hb.shard.statusIsTolerant() {
		hb.shard.logger.Error("shard heartbeat not acked, zombie connection detected")
		hb.shard.callbacks.onError(newShardError(hb.shard.shardID, ErrKindLiveness, GatewayCloseEventCodeSessionTimedOut, errors.New("gatewire: heartbeat not acked, zombie connection")))
		hb.shard.destroy(destroyOptions{code: GatewayCloseEventCodeSessionTimedOut, reset: true, emit: true, log: true})
		return
	}
	if !hb.acked.Load() {
		hb.shard.logger.Debug("shard heartbeat not acked yet, status is tolerant, sending anyway")
	}

	hb.send("scheduled", false)

	hb.mu.Lock()
	hb.armLocked()
	hb.mu.Unlock()
}

// send transmits a Heartbeat op carrying the shard's current sequence.
// ignoreLatePolicy is accepted to satisfy §4.3's operation shape
// (server-requested heartbeats bypass the late/zombie check entirely since
// they are not driven by our own timer) but the zombie check itself only
// ever runs from fire, never from send.
func (hb *heartbeat) send(reason string, ignoreLatePolicy bool) {
	_ = ignoreLatePolicy
	hb.mu.Lock()
	hb.last = time.Now()
	hb.mu.Unlock()
	hb.acked.Store(false)

	seq := hb.shard.currentSeq()
	var body any
	if seq < 0 {
		body = nil
	} else {
		body = seq
	}
	hb.shard.logger.Debug("shard sending heartbeat (" + reason + ")")
	hb.shard.send(gatewayOutboundPayload{Op: int(gatewayOpcodeHeartbeat), D: body}, true)
}

// ack records a received HeartbeatAck.
func (hb *heartbeat) ack() {
	hb.mu.Lock()
	if !hb.last.IsZero() {
		hb.latency.Store(time.Since(hb.last).Milliseconds())
	}
	hb.mu.Unlock()
	hb.acked.Store(true)
}

// reset cancels the timer and clears state. Called on every transition to
// Disconnected (§4.5) and from the shard's destroy path.
func (hb *heartbeat) reset() {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if hb.timer != nil {
		hb.timer.Stop()
		hb.timer = nil
	}
	hb.interval = 0
	hb.acked.Store(true)
	hb.latency.Store(-1)
	hb.last = time.Time{}
}

// latencyMillis returns the last observed ack round-trip, or -1 if no ack
// has ever been received.
func (hb *heartbeat) latencyMillis() int64 {
	return hb.latency.Load()
}
