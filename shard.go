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
	"context"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

/*******************************
 * Shards Identify Rate Limiter
 *******************************/

// ShardsIdentifyRateLimiter defines the interface for a rate limiter
// that controls the frequency of Identify payloads sent per shard.
//
// Implementations block the caller in Wait() until an Identify token is available.
type ShardsIdentifyRateLimiter interface {
	// Wait blocks until the shard is allowed to send an Identify payload.
	Wait()
}

// DefaultShardsRateLimiter implements a simple token bucket
// rate limiter using a buffered channel of tokens.
//
// The capacity and refill interval control the max burst and rate.
type DefaultShardsRateLimiter struct {
	tokens chan struct{}
}

var _ ShardsIdentifyRateLimiter = (*DefaultShardsRateLimiter)(nil)

// NewDefaultShardsRateLimiter creates a new token bucket rate limiter.
//
// r specifies the maximum burst tokens allowed.
// interval specifies how frequently tokens are refilled.
func NewDefaultShardsRateLimiter(r int, interval time.Duration) *DefaultShardsRateLimiter {
	rl := &DefaultShardsRateLimiter{tokens: make(chan struct{}, r)}
	for range r {
		rl.tokens <- struct{}{}
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for range ticker.C {
			select {
			case rl.tokens <- struct{}{}:
			default:
			}
		}
	}()
	return rl
}

// Wait blocks until a token is available for sending Identify.
func (rl *DefaultShardsRateLimiter) Wait() {
	<-rl.tokens
}

/*************************************
 * Shard state
 *************************************/

// shardStatus names every state in the per-shard protocol automaton (§4.5).
type shardStatus int

const (
	StatusIdle shardStatus = iota
	StatusConnecting
	StatusReconnecting
	StatusNearly
	StatusIdentifying
	StatusResuming
	StatusWaitingForGuilds
	StatusReady
	StatusConnected
	StatusDisconnected
)

func (s shardStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusReconnecting:
		return "reconnecting"
	case StatusNearly:
		return "nearly"
	case StatusIdentifying:
		return "identifying"
	case StatusResuming:
		return "resuming"
	case StatusWaitingForGuilds:
		return "waiting_for_guilds"
	case StatusReady:
		return "ready"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// readyStabilizationWindow is how long the shard waits for outstanding
// GUILD_CREATE dispatches after READY before declaring FullReady anyway
// (§4.5 scenario 3).
const readyStabilizationWindow = 15 * time.Second

// gatewayOutboundPayload is the shape every outbound frame is encoded from.
type gatewayOutboundPayload struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

// destroyOptions parametrizes Shard.destroy (§4.5).
type destroyOptions struct {
	code  GatewayCloseEventCode
	reset bool
	emit  bool
	log   bool
}

func defaultDestroyOptions() destroyOptions {
	return destroyOptions{code: 1000, reset: false, emit: true, log: true}
}

// shardCallbacks lets a Shard reach its owning supervisor by handle rather
// than by strong reference (§9): the Manager supplies a set of plain
// function values at construction, none of which the shard retains beyond
// invoking them.
type shardCallbacks struct {
	onClose        func(shardID int, code GatewayCloseEventCode)
	onReady        func(shardID int)
	onFullReady    func(shardID int, missingGuilds map[Snowflake]struct{})
	onInvalidSess  func(shardID int)
	onError        func(err *GatewayError)
	onRaw          func(shardID int, payload *gatewayPayload)
	onReconnecting func(shardID int)
	onDestroyed    func(shardID int)
}

// shardConfig bundles everything newShard needs that does not change once
// the shard is constructed.
type shardConfig struct {
	shardID, totalShards int
	token                string
	intents              GatewayIntent
	identifyProperties   IdentifyProperties
	logger               Logger
	dispatcher           *dispatcher
	identifyLimiter      ShardsIdentifyRateLimiter
	gatewayURL           string
	gatewayVersion       int
	compression          CompressionMode
	useEtf               bool
	etf                  *etfCodec
	callbacks            shardCallbacks
}

// Shard manages a single WebSocket connection to Discord Gateway,
// including session state, event handling, heartbeats, and reconnects.
type Shard struct {
	shardID     int
	totalShards int
	token       string
	intents     GatewayIntent

	identifyProperties IdentifyProperties
	logger             Logger
	dispatcher         *dispatcher
	identifyLimiter    ShardsIdentifyRateLimiter
	callbacks          shardCallbacks

	gatewayURL     string
	gatewayVersion int
	compression    CompressionMode
	useEtf         bool
	etf            *etfCodec

	statusMu sync.RWMutex
	status   shardStatus

	connMu sync.Mutex
	conn   net.Conn

	codec         codec
	decompressor  decompressor
	heartbeat     *heartbeat
	session       *session
	bucket        *outboundBucket
	lastCloseCode GatewayCloseEventCode

	seq           atomic.Int64
	closingSeqVal atomic.Int64
	connectedAt   time.Time

	unsentMu sync.Mutex
	unsent   []unsentFrame

	guildsMu        sync.Mutex
	expectingGuilds map[Snowflake]struct{}
	readyTimer      *time.Timer
}

type unsentFrame struct {
	payload     gatewayOutboundPayload
	prioritized bool
}

// newShard constructs a new Shard instance.
func newShard(cfg shardConfig) (*Shard, error) {
	s := &Shard{
		shardID:            cfg.shardID,
		totalShards:        cfg.totalShards,
		token:              cfg.token,
		intents:            cfg.intents,
		identifyProperties: cfg.identifyProperties,
		logger:             cfg.logger,
		dispatcher:         cfg.dispatcher,
		identifyLimiter:    cfg.identifyLimiter,
		callbacks:          cfg.callbacks,
		gatewayURL:         cfg.gatewayURL,
		gatewayVersion:     cfg.gatewayVersion,
		compression:        cfg.compression,
		useEtf:             cfg.useEtf,
		etf:                cfg.etf,
		status:             StatusIdle,
	}
	s.seq.Store(-1)
	s.closingSeqVal.Store(-1)

	c, err := newCodec(cfg.useEtf, cfg.etf)
	if err != nil {
		return nil, err
	}
	s.codec = c

	s.heartbeat = newHeartbeat(s)
	s.session = newSession(s)
	s.bucket = newOutboundBucket()
	return s, nil
}

func (s *Shard) setStatus(st shardStatus) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

// Status returns the shard's current state machine status.
func (s *Shard) Status() shardStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *Shard) statusIsTolerant() bool {
	_, ok := tolerantStatuses[s.Status()]
	return ok
}

func (s *Shard) currentSeq() int64 {
	return s.seq.Load()
}

func (s *Shard) closingSeq() int64 {
	return s.closingSeqVal.Load()
}

// buildURL composes <gatewayUrl>?[compress=zlib-stream&]encoding=<json|etf>&v=<version>.
func (s *Shard) buildURL() string {
	q := url.Values{}
	if s.useEtf {
		q.Set("encoding", string(encodingETF))
	} else {
		q.Set("encoding", string(encodingJSON))
	}
	q.Set("v", strconv.Itoa(s.gatewayVersion))
	if s.compression == CompressionZlibStream {
		q.Set("compress", string(s.compression))
	}
	return s.gatewayURL + "?" + q.Encode()
}

// connect establishes a WebSocket connection to Discord Gateway (§4.5:
// Idle|Disconnected → Connecting|Reconnecting → Nearly).
func (s *Shard) connect(ctx context.Context) error {
	prev := s.Status()
	if prev == StatusDisconnected {
		s.setStatus(StatusReconnecting)
		s.callbacks.onReconnecting(s.shardID)
	} else {
		s.setStatus(StatusConnecting)
	}

	d, err := newDecompressor(s.compression, s.onDecodedMessage, s.onDecompressionError, s.debugf)
	if err != nil {
		return err
	}
	s.decompressor = d

	s.session.waitForHello()

	dialer := ws.Dialer{}
	conn, _, _, err := dialer.Dial(ctx, s.buildURL())
	if err != nil {
		return err
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.connMu.Unlock()

	s.connectedAt = time.Now()
	s.logger.Info("shard " + strconv.Itoa(s.shardID) + " connected")
	s.setStatus(StatusNearly)

	s.drainUnsent()
	go s.readLoop(conn)
	return nil
}

func (s *Shard) debugf(msg string) {
	s.logger.Debug("shard " + strconv.Itoa(s.shardID) + ": " + msg)
}

// readLoop continuously reads raw WebSocket frames and feeds them through
// decompression (if configured) and then serialization decode.
func (s *Shard) readLoop(conn net.Conn) {
	for {
		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			s.logger.Error("shard " + strconv.Itoa(s.shardID) + " read error: " + err.Error())
			s.destroy(destroyOptions{code: GatewayCloseEventCodeUnknownError, reset: false, emit: true, log: true})
			return
		}
		if op == ws.OpClose {
			code := GatewayCloseEventCode(1000)
			if parsed, _, perr := ws.ParseCloseFrameData(msg); perr == nil && parsed != 0 {
				code = GatewayCloseEventCode(parsed)
			}
			s.destroy(destroyOptions{code: code, reset: false, emit: true, log: true})
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		if s.decompressor != nil {
			s.decompressor.add(msg)
		} else {
			s.onDecodedMessage(msg)
		}
	}
}

func (s *Shard) onDecompressionError(err error) {
	s.logger.Error("shard " + strconv.Itoa(s.shardID) + " decompression error: " + err.Error())
	s.callbacks.onError(newShardError(s.shardID, ErrKindCompression, 0, err))
	s.destroy(defaultDestroyOptions())
}

func (s *Shard) onDecodedMessage(buf []byte) {
	pk, err := s.codec.decode(buf)
	if err != nil {
		s.logger.Error("shard " + strconv.Itoa(s.shardID) + " serialization error: " + err.Error())
		s.callbacks.onError(newShardError(s.shardID, ErrKindSerialization, 0, err))
		return
	}
	s.handlePayload(pk)
}


// handlePayload implements §4.5's inbound dispatch.
func (s *Shard) handlePayload(pk *gatewayPayload) {
	s.callbacks.onRaw(s.shardID, pk)

	if pk.Op == gatewayOpcodeDispatch {
		prev := s.seq.Load()
		if prev != -1 && pk.S > prev+1 {
			s.logger.Warn("shard " + strconv.Itoa(s.shardID) + " observed non-consecutive sequence " + strconv.FormatInt(pk.S, 10))
		}
		s.seq.Store(pk.S)
	}

	switch pk.Op {
	case gatewayOpcodeHello:
		var hello struct {
			HeartbeatInterval float64 `json:"heartbeat_interval"`
		}
		_ = decodeRawInto(pk.D, &hello)
		s.heartbeat.setInterval(time.Duration(hello.HeartbeatInterval) * time.Millisecond)
		s.session.hello()

	case gatewayOpcodeReconnect:
		s.logger.Info("shard " + strconv.Itoa(s.shardID) + " RECONNECT received")
		s.destroy(destroyOptions{code: GatewayCloseEventCodeUnknownError, reset: false, emit: true, log: true})

	case gatewayOpcodeInvalidSession:
		var resumable bool
		_ = decodeRawInto(pk.D, &resumable)
		if resumable {
			s.session.resume()
		} else {
			s.seq.Store(-1)
			s.session.reset()
			s.callbacks.onInvalidSess(s.shardID)
		}

	case gatewayOpcodeHeartbeat:
		s.heartbeat.send("requested", true)

	case gatewayOpcodeHeartbeatACK:
		s.heartbeat.ack()

	case gatewayOpcodeDispatch:
		s.handleDispatch(pk)
	}
}

func (s *Shard) handleDispatch(pk *gatewayPayload) {
	s.dispatcher.dispatch(s.shardID, pk.T, pk.S, pk.D)

	switch pk.T {
	case "READY":
		var ready struct {
			SessionID string `json:"session_id"`
			Guilds    []struct {
				ID string `json:"id"`
			} `json:"guilds"`
		}
		_ = decodeRawInto(pk.D, &ready)
		s.session.setID(ready.SessionID)

		s.guildsMu.Lock()
		s.expectingGuilds = make(map[Snowflake]struct{}, len(ready.Guilds))
		for _, g := range ready.Guilds {
			s.expectingGuilds[ParseSnowflakeUnsafe(g.ID)] = struct{}{}
		}
		s.guildsMu.Unlock()

		s.setStatus(StatusWaitingForGuilds)
		s.armReadyStabilization()
		s.maybeFullReady(false)

	case "RESUMED":
		s.setStatus(StatusConnected)

	case "GUILD_CREATE":
		if s.Status() != StatusWaitingForGuilds {
			return
		}
		var g struct {
			ID string `json:"id"`
		}
		_ = decodeRawInto(pk.D, &g)
		s.guildsMu.Lock()
		delete(s.expectingGuilds, ParseSnowflakeUnsafe(g.ID))
		s.guildsMu.Unlock()
		s.maybeFullReady(false)
	}
}

func (s *Shard) armReadyStabilization() {
	s.guildsMu.Lock()
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	s.readyTimer = time.AfterFunc(readyStabilizationWindow, func() {
		s.maybeFullReady(true)
	})
	s.guildsMu.Unlock()
}

// maybeFullReady transitions WaitingForGuilds → Ready once expectingGuilds
// is empty, or unconditionally when the stabilization timer fires.
func (s *Shard) maybeFullReady(timerFired bool) {
	if s.Status() != StatusWaitingForGuilds {
		return
	}

	s.guildsMu.Lock()
	remaining := len(s.expectingGuilds)
	var missing map[Snowflake]struct{}
	if timerFired && remaining > 0 {
		missing = make(map[Snowflake]struct{}, remaining)
		for id := range s.expectingGuilds {
			missing[id] = struct{}{}
		}
	}
	s.guildsMu.Unlock()

	if remaining > 0 && !timerFired {
		return
	}

	s.guildsMu.Lock()
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	s.guildsMu.Unlock()

	s.setStatus(StatusReady)
	s.callbacks.onReady(s.shardID)
	s.callbacks.onFullReady(s.shardID, missing)
}

// drainUnsent flushes anything queued while the socket was closed.
func (s *Shard) drainUnsent() {
	s.unsentMu.Lock()
	pending := s.unsent
	s.unsent = nil
	s.unsentMu.Unlock()

	for _, f := range pending {
		s.enqueueSend(f.payload, f.prioritized)
	}
}

// send implements §4.5's outbound send: enqueue into the rate bucket when
// connected, otherwise queue for the next open.
func (s *Shard) send(payload gatewayOutboundPayload, prioritized bool) {
	st := s.Status()
	connected := st != StatusIdle && st != StatusConnecting && st != StatusReconnecting && st != StatusDisconnected
	if !connected {
		s.unsentMu.Lock()
		if prioritized {
			s.unsent = append([]unsentFrame{{payload, prioritized}}, s.unsent...)
		} else {
			s.unsent = append(s.unsent, unsentFrame{payload, prioritized})
		}
		s.unsentMu.Unlock()
		return
	}
	s.enqueueSend(payload, prioritized)
}

func (s *Shard) enqueueSend(payload gatewayOutboundPayload, prioritized bool) {
	s.bucket.enqueue(func() {
		data, err := s.codec.encode(payload)
		if err != nil {
			s.logger.Error("shard " + strconv.Itoa(s.shardID) + " encode error: " + err.Error())
			return
		}
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			return
		}
		frameType := ws.OpText
		if s.useEtf {
			frameType = ws.OpBinary
		}
		if err := wsutil.WriteClientMessage(conn, frameType, data); err != nil {
			s.logger.Error("shard " + strconv.Itoa(s.shardID) + " write error: " + err.Error())
		}
	}, prioritized)
}

// destroy is the universal cancellation primitive (§4.5, §5).
func (s *Shard) destroy(opts destroyOptions) {
	s.heartbeat.reset()
	s.session.cancelTimer()

	s.guildsMu.Lock()
	if s.readyTimer != nil {
		s.readyTimer.Stop()
		s.readyTimer = nil
	}
	s.guildsMu.Unlock()

	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()
	if conn != nil {
		conn.Close()
	}

	seq := s.seq.Load()
	if seq != -1 {
		s.closingSeqVal.Store(seq)
	}
	s.seq.Store(-1)
	s.lastCloseCode = opts.code
	s.setStatus(StatusDisconnected)

	if opts.reset {
		s.session.reset()
	}

	s.bucket.close()
	s.bucket = newOutboundBucket()

	if opts.log {
		s.logger.Info("shard " + strconv.Itoa(s.shardID) + " destroyed (code=" + strconv.Itoa(int(opts.code)) + ")")
	}
	if opts.emit {
		s.callbacks.onDestroyed(s.shardID)
		s.callbacks.onClose(s.shardID, opts.code)
	}
}

// Latency returns the current heartbeat round-trip in milliseconds, or -1
// if no ack has been received yet.
func (s *Shard) Latency() int64 {
	return s.heartbeat.latencyMillis()
}

// SessionID returns the session id currently held, or "" if none.
func (s *Shard) SessionID() string {
	return s.session.id()
}

// resetSession clears the stored session id. Called by the supervisor when
// a close code in the non-resumable set is observed (§4.6).
func (s *Shard) resetSession() {
	s.session.reset()
}

// Shutdown cleanly closes the shard's websocket connection.
func (s *Shard) Shutdown() error {
	s.destroy(destroyOptions{code: 1000, reset: true, emit: false, log: true})
	return nil
}
