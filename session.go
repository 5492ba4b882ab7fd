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
	"sync"
	"time"
)

// helloTimeout is armed while waiting for the gateway's Hello payload.
//
// The original debug string this was ported from claimed 30s; the literal
// constant it actually used was 300s. Per §9 this specification resolves
// the discrepancy in favor of the literal: code beats comments.
const helloTimeout = 300 * time.Second

// session owns session_id and the hello-timeout handle for one shard. It
// reaches its shard only through a borrowed, non-owning reference (§9).
type session struct {
	shard *Shard

	mu        sync.Mutex
	sessionID string
	timer     *time.Timer
}

func newSession(s *Shard) *session {
	return &session{shard: s}
}

// isResumable reports whether this session can be resumed given the last
// observed close code (§3: "A session is resumable iff session_id is
// present and the last close code is not in the non-resumable set").
func (sess *session) isResumable(lastCloseCode GatewayCloseEventCode) bool {
	sess.mu.Lock()
	id := sess.sessionID
	sess.mu.Unlock()
	return id != "" && !isNonResumable(lastCloseCode)
}

func (sess *session) id() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.sessionID
}

func (sess *session) setID(id string) {
	sess.mu.Lock()
	sess.sessionID = id
	sess.mu.Unlock()
}

// reset clears the stored session id, forcing the next identify() to send
// a fresh Identify rather than a Resume.
func (sess *session) reset() {
	sess.mu.Lock()
	sess.sessionID = ""
	sess.mu.Unlock()
}

// waitForHello arms the hello timeout. On expiry the shard is destroyed
// with close 4000 and the session reset, matching §4.4.
func (sess *session) waitForHello() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.timer = time.AfterFunc(helloTimeout, func() {
		sess.shard.logger.Error("shard never received Hello, destroying")
		sess.shard.destroy(destroyOptions{code: GatewayCloseEventCodeUnknownError, reset: true, emit: true, log: true})
	})
}

// hello clears the hello timeout and proceeds to identify or resume.
func (sess *session) hello() {
	sess.mu.Lock()
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
	sess.mu.Unlock()
	sess.identify()
}

// identify chooses resume() iff a session id is present, else new().
func (sess *session) identify() {
	if sess.id() != "" {
		sess.resume()
		return
	}
	sess.new()
}

// new sends a prioritized Identify (op 2).
func (sess *session) new() {
	sess.shard.setStatus(StatusIdentifying)
	body := map[string]any{
		"token":      sess.shard.token,
		"properties": sess.shard.identifyProperties,
		"shard":      [2]int{sess.shard.shardID, sess.shard.totalShards},
		"intents":    sess.shard.intents,
	}
	sess.shard.logger.Debug("shard identifying a new session")
	if sess.shard.identifyLimiter != nil {
		sess.shard.identifyLimiter.Wait()
	}
	sess.shard.send(gatewayOutboundPayload{Op: int(gatewayOpcodeIdentify), D: body}, true)
}

// resume sends a prioritized Resume (op 6) using closingSeq captured at the
// most recent close.
func (sess *session) resume() {
	sess.shard.setStatus(StatusResuming)
	body := map[string]any{
		"token":      sess.shard.token,
		"session_id": sess.id(),
		"seq":        sess.shard.closingSeq(),
	}
	sess.shard.logger.Debug("shard resuming session " + sess.id())
	sess.shard.send(gatewayOutboundPayload{Op: int(gatewayOpcodeResume), D: body}, true)
}

// cancelTimer cancels the hello timer without otherwise touching the
// session; used by the shard's destroy() path.
func (sess *session) cancelTimer() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.timer != nil {
		sess.timer.Stop()
		sess.timer = nil
	}
}
