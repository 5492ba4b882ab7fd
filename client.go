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
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

/*****************************
 *          Client
 *****************************/

// sessionStartLimit mirrors GatewayBot.SessionStartLimit; the supervisor
// refreshes its own copy whenever it needs to re-check the identify quota.
type sessionStartLimit struct {
	total, remaining, resetAfterMs int
}

// Client is the sharding supervisor (§4.6, "Manager" in the spec's
// terminology): it fetches gateway metadata, computes the shard set,
// serially spawns shards through a connect queue that respects the
// identify quota, and reacts to shard lifecycle events.
type Client struct {
	ctx context.Context

	Logger          Logger
	workerPool      WorkerPool
	identifyLimiter ShardsIdentifyRateLimiter

	token   string // write-once after New (§3, §9)
	intents GatewayIntent

	identifyProperties IdentifyProperties
	gatewayURLOverride  string // "" or "auto" means use the bootstrap value
	gatewayVersion      int
	compression         CompressionMode
	useEtf              bool
	etf                 *etfCodec
	shards              shardSpec

	*restApi
	*dispatcher

	mu           sync.Mutex
	shardTable   map[int]*Shard
	managed      map[int]bool
	connectQueue []int
	shardCount   int
	limit        sessionStartLimit
	gatewayURL   string

	reconnecting sync.Mutex
	destroyed    atomic.Bool
	readyOnce    sync.Once
	liveCount    atomic.Int32

	eventsMu                    sync.RWMutex
	onReadyHandlers             []func()
	onShardReadyHandlers        []func(shardID int)
	onFullReadyHandlers         []func(FullReadyEvent)
	onShardErrorHandlers        []func(ShardErrorEvent)
	onShardReconnectHandlers    []func(shardID int)
	onShardDisconnectHandlers   []func(shardID int)
	onInvalidSessionHandlers    []func(shardID int)
	onInvalidatedHandlers       []func()
	onRawHandlers               []func(shardID int, payload *gatewayPayload)
	onDebugHandlers             []func(string)
}

// clientOption defines a function used to configure Client during creation.
type clientOption func(*Client)

/*****************************
 *       Options
 *****************************/

// WithToken sets the bot token for your client.
//
// Notes:
//   - Returns a Configuration GatewayError from New if token is empty or
//     obviously invalid (< 50 chars); it no longer terminates the process.
//   - Removes a leading "Bot " prefix automatically if provided.
func WithToken(token string) clientOption {
	return func(c *Client) {
		if strings.HasPrefix(token, "Bot ") {
			token = strings.TrimPrefix(token, "Bot ")
		}
		c.token = token
	}
}

// WithLogger sets a custom Logger implementation for your client.
func WithLogger(logger Logger) clientOption {
	return func(c *Client) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithWorkerPool sets a custom WorkerPool implementation for your client.
func WithWorkerPool(workerPool WorkerPool) clientOption {
	return func(c *Client) {
		if workerPool != nil {
			c.workerPool = workerPool
		}
	}
}

// WithShardsIdentifyRateLimiter sets a custom ShardsIdentifyRateLimiter.
func WithShardsIdentifyRateLimiter(rateLimiter ShardsIdentifyRateLimiter) clientOption {
	return func(c *Client) {
		if rateLimiter != nil {
			c.identifyLimiter = rateLimiter
		}
	}
}

// WithIntents sets Gateway intents for the client's shards.
func WithIntents(intents ...GatewayIntent) clientOption {
	var total GatewayIntent
	for _, intent := range intents {
		total |= intent
	}
	return func(c *Client) {
		c.intents = total
	}
}

// WithShards pins the shard count to n, running shards [0, n).
func WithShards(n int) clientOption {
	return func(c *Client) {
		c.shards = shardSpec{count: n}
	}
}

// WithShardIDs runs exactly the given shard ids against a total of
// shardCount (required whenever the shard set is an explicit id list, §6).
func WithShardIDs(shardCount int, ids ...int) clientOption {
	return func(c *Client) {
		c.shards = shardSpec{count: shardCount, explicitIDs: ids}
	}
}

// WithCompression selects the gateway compression mode: CompressionDisabled
// (the default) or CompressionZlibStream. The mode is a string with no
// boolean form; any other value makes the shard's connect fail with a
// Configuration error.
func WithCompression(mode CompressionMode) clientOption {
	return func(c *Client) {
		c.compression = mode
	}
}

// WithUseETF switches the serialization codec to ETF. Requires a paired
// WithETFCodec option; connecting without one fails with a Configuration
// error (§4.1, §7) since no ETF implementation ships with this library.
func WithUseETF(use bool) clientOption {
	return func(c *Client) {
		c.useEtf = use
	}
}

// WithETFCodec supplies the pack/unpack primitives required by WithUseETF.
func WithETFCodec(pack ETFPackFunc, unpack ETFUnpackFunc) clientOption {
	return func(c *Client) {
		c.etf = &etfCodec{pack: pack, unpack: unpack}
	}
}

// WithGatewayURL overrides the gateway host discovered by the bootstrap
// fetch. Pass "" or "auto" to use the discovered value (the default).
func WithGatewayURL(u string) clientOption {
	return func(c *Client) {
		c.gatewayURLOverride = u
	}
}

// WithGatewayVersion overrides the gateway API version query parameter.
func WithGatewayVersion(v int) clientOption {
	return func(c *Client) {
		c.gatewayVersion = v
	}
}

// WithIdentifyProperties overrides the {os, browser, device} triple sent
// with every Identify.
func WithIdentifyProperties(p IdentifyProperties) clientOption {
	return func(c *Client) {
		c.identifyProperties = p
	}
}

/*****************************
 *       Constructor
 *****************************/

// New creates a new Client instance with the provided options. It returns
// a Configuration GatewayError if the token is empty or shorter than 50
// characters, or if WithUseETF is set without a paired WithETFCodec, rather
// than terminating the process. The shard set is resolved later, by Start.
func New(ctx context.Context, options ...clientOption) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	client := &Client{
		ctx:                ctx,
		Logger:             NewDefaultLogger(os.Stdout, LogLevelInfoLevel),
		intents:            GatewayIntentDefault,
		identifyProperties: DefaultIdentifyProperties,
		gatewayVersion:     10,
		shards:             autoShardSpec(),
		shardTable:         make(map[int]*Shard),
		managed:            make(map[int]bool),
	}

	for _, option := range options {
		option(client)
	}

	if client.token == "" || len(client.token) < 50 {
		return nil, &GatewayError{Kind: ErrKindConfiguration, ShardID: -1, Err: ErrInvalidToken}
	}
	if client.workerPool == nil {
		client.workerPool = NewDefaultWorkerPool(client.Logger)
	}
	if _, err := newCodec(client.useEtf, client.etf); err != nil {
		return nil, err
	}

	client.restApi = newRestApi(newRequester(nil, client.token, client.Logger), client.Logger)
	client.dispatcher = newDispatcher(client.Logger, client.workerPool)
	return client, nil
}

/*****************************
 *    Event registration
 *****************************/

func (c *Client) On(eventName string, h DispatchHandler)    { c.dispatcher.on(eventName, h) }
func (c *Client) OnRaw(h func(shardID int, payload *gatewayPayload)) {
	c.eventsMu.Lock()
	c.onRawHandlers = append(c.onRawHandlers, h)
	c.eventsMu.Unlock()
}
func (c *Client) OnReady(h func())                       { c.appendHandler(&c.onReadyHandlers, h) }
func (c *Client) OnShardReady(h func(shardID int))        { c.appendHandler(&c.onShardReadyHandlers, h) }
func (c *Client) OnFullReady(h func(FullReadyEvent))       { c.appendHandler(&c.onFullReadyHandlers, h) }
func (c *Client) OnShardError(h func(ShardErrorEvent))     { c.appendHandler(&c.onShardErrorHandlers, h) }
func (c *Client) OnShardReconnecting(h func(shardID int))  { c.appendHandler(&c.onShardReconnectHandlers, h) }
func (c *Client) OnShardDisconnected(h func(shardID int))  { c.appendHandler(&c.onShardDisconnectHandlers, h) }
func (c *Client) OnInvalidSession(h func(shardID int))     { c.appendHandler(&c.onInvalidSessionHandlers, h) }
func (c *Client) OnInvalidated(h func())                  { c.appendHandler(&c.onInvalidatedHandlers, h) }
func (c *Client) OnDebug(h func(string))                  { c.appendHandler(&c.onDebugHandlers, h) }

func (c *Client) appendHandler(slot any, h any) {
	c.eventsMu.Lock()
	defer c.eventsMu.Unlock()
	switch s := slot.(type) {
	case *[]func():
		*s = append(*s, h.(func()))
	case *[]func(int):
		*s = append(*s, h.(func(int)))
	case *[]func(FullReadyEvent):
		*s = append(*s, h.(func(FullReadyEvent)))
	case *[]func(ShardErrorEvent):
		*s = append(*s, h.(func(ShardErrorEvent)))
	case *[]func(string):
		*s = append(*s, h.(func(string)))
	}
}

func (c *Client) debugf(msg string) {
	c.Logger.Debug(msg)
	c.eventsMu.RLock()
	handlers := append([]func(string)(nil), c.onDebugHandlers...)
	c.eventsMu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

/*****************************
 *       Start
 *****************************/

// Start fetches gateway metadata, computes the shard set, and spawns
// shards serially under the identify quota (§4.6). It blocks until ctx is
// done, then shuts down gracefully.
func (c *Client) Start() error {
	if err := c.bootstrap(); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.handleInvalidated()
			return &GatewayError{Kind: ErrKindProtocol, ShardID: -1, Err: err}
		}
		return err
	}

	c.mu.Lock()
	queue := append([]int(nil), c.connectQueue...)
	c.connectQueue = nil
	c.mu.Unlock()

	for _, id := range queue {
		if c.destroyed.Load() {
			break
		}
		c.waitForIdentifyQuota()
		c.spawnShard(id)
		time.Sleep(5 * time.Second)
	}

	<-c.ctx.Done()
	if err := c.ctx.Err(); err != nil {
		c.Logger.WithField("err", err).Error("client shutting down due to context error")
	}
	c.Shutdown()
	return nil
}

// bootstrap performs the initial gateway metadata fetch and computes the
// shard set and gateway URL (§4.6 Startup).
func (c *Client) bootstrap() error {
	data, err := c.restApi.FetchGatewayBot()
	if err != nil {
		return err
	}

	ids, count, err := c.shards.resolve(data.Shards)
	if err != nil {
		return &GatewayError{Kind: ErrKindConfiguration, ShardID: -1, Err: err}
	}

	c.mu.Lock()
	c.shardCount = count
	c.connectQueue = ids
	c.limit = sessionStartLimit{
		total:       data.SessionStartLimit.Total,
		remaining:   data.SessionStartLimit.Remaining,
		resetAfterMs: data.SessionStartLimit.ResetAfter,
	}
	if c.gatewayURLOverride != "" && c.gatewayURLOverride != "auto" {
		c.gatewayURL = c.gatewayURLOverride
	} else {
		c.gatewayURL = data.URL
	}
	c.mu.Unlock()

	if c.identifyLimiter == nil {
		maxConcurrency := data.SessionStartLimit.MaxConcurrency
		if maxConcurrency < 1 {
			maxConcurrency = 1
		}
		c.identifyLimiter = NewDefaultShardsRateLimiter(maxConcurrency, 5*time.Second)
	}
	return nil
}

// waitForIdentifyQuota sleeps until the identify quota has budget,
// refreshing it from a fresh bootstrap fetch if exhausted (§4.6, §8).
func (c *Client) waitForIdentifyQuota() {
	c.mu.Lock()
	remaining := c.limit.remaining
	resetAfter := c.limit.resetAfterMs
	c.mu.Unlock()

	if remaining > 0 {
		c.mu.Lock()
		c.limit.remaining--
		c.mu.Unlock()
		return
	}

	c.debugf("identify quota exhausted, sleeping for reset_after")
	time.Sleep(time.Duration(resetAfter) * time.Millisecond)

	if data, err := c.restApi.FetchGatewayBot(); err == nil {
		c.mu.Lock()
		c.limit = sessionStartLimit{
			total:       data.SessionStartLimit.Total,
			remaining:   data.SessionStartLimit.Remaining,
			resetAfterMs: data.SessionStartLimit.ResetAfter,
		}
		c.mu.Unlock()
	}
}

// spawnShard constructs (if needed) and connects shard id, installing its
// lifecycle callbacks exactly once (the managed flag, §4.6).
func (c *Client) spawnShard(id int) {
	c.mu.Lock()
	sh, exists := c.shardTable[id]
	alreadyManaged := c.managed[id]
	c.mu.Unlock()

	if !exists {
		var err error
		sh, err = newShard(shardConfig{
			shardID:            id,
			totalShards:        c.shardCount,
			token:               c.token,
			intents:             c.intents,
			identifyProperties:  c.identifyProperties,
			logger:              c.Logger,
			dispatcher:          c.dispatcher,
			identifyLimiter:     c.identifyLimiter,
			gatewayURL:          c.gatewayURL,
			gatewayVersion:      c.gatewayVersion,
			compression:         c.compression,
			useEtf:              c.useEtf,
			etf:                 c.etf,
			callbacks:           c.callbacksFor(id),
		})
		if err != nil {
			c.Logger.WithField("err", err).Error("failed to construct shard")
			return
		}
		c.mu.Lock()
		c.shardTable[id] = sh
		c.mu.Unlock()
	}

	if !alreadyManaged {
		c.mu.Lock()
		c.managed[id] = true
		c.mu.Unlock()
	}

	if err := sh.connect(c.ctx); err != nil {
		c.Logger.WithField("err", err).Error("shard connect failed")
	}
}

// callbacksFor builds the shard→supervisor handle set (§9): plain
// functions closing over id, never a strong reference to the shard.
func (c *Client) callbacksFor(id int) shardCallbacks {
	return shardCallbacks{
		onClose:        c.handleShardClose,
		onReady:        c.handleShardReady,
		onFullReady:    c.handleShardFullReady,
		onInvalidSess:  c.handleShardInvalidSession,
		onError:        c.handleShardError,
		onRaw:          c.handleShardRaw,
		onReconnecting: c.handleShardReconnecting,
		onDestroyed:    func(shardID int) {},
	}
}

func (c *Client) handleShardRaw(shardID int, payload *gatewayPayload) {
	c.eventsMu.RLock()
	handlers := append([]func(int, *gatewayPayload)(nil), c.onRawHandlers...)
	c.eventsMu.RUnlock()
	for _, h := range handlers {
		h(shardID, payload)
	}
}

func (c *Client) handleShardError(err *GatewayError) {
	c.eventsMu.RLock()
	handlers := append([]func(ShardErrorEvent)(nil), c.onShardErrorHandlers...)
	c.eventsMu.RUnlock()
	for _, h := range handlers {
		h(ShardErrorEvent{ShardID: err.ShardID, Err: err})
	}
}

func (c *Client) handleShardReconnecting(shardID int) {
	c.eventsMu.RLock()
	handlers := append([]func(int)(nil), c.onShardReconnectHandlers...)
	c.eventsMu.RUnlock()
	for _, h := range handlers {
		h(shardID)
	}
}

func (c *Client) handleShardInvalidSession(shardID int) {
	c.eventsMu.RLock()
	handlers := append([]func(int)(nil), c.onInvalidSessionHandlers...)
	c.eventsMu.RUnlock()
	for _, h := range handlers {
		h(shardID)
	}
}

func (c *Client) handleShardReady(shardID int) {
	c.eventsMu.RLock()
	handlers := append([]func(int)(nil), c.onShardReadyHandlers...)
	c.eventsMu.RUnlock()
	for _, h := range handlers {
		h(shardID)
	}

	if n := c.liveCount.Add(1); int(n) == c.shardCount {
		c.readyOnce.Do(func() {
			c.eventsMu.RLock()
			readyHandlers := append([]func()(nil), c.onReadyHandlers...)
			c.eventsMu.RUnlock()
			for _, h := range readyHandlers {
				h()
			}
		})
	}
}

func (c *Client) handleShardFullReady(shardID int, missing map[Snowflake]struct{}) {
	c.eventsMu.RLock()
	handlers := append([]func(FullReadyEvent)(nil), c.onFullReadyHandlers...)
	c.eventsMu.RUnlock()
	for _, h := range handlers {
		h(FullReadyEvent{ShardID: shardID, MissingGuildID: missing})
	}
}

// handleInvalidated fires OnInvalidated and tears the client down. Reached
// when the bootstrap fetch comes back 401: an invalid/revoked token can
// never resolve itself, so there is nothing left to retry (§4.6, §6, §7).
func (c *Client) handleInvalidated() {
	c.eventsMu.RLock()
	handlers := append([]func()(nil), c.onInvalidatedHandlers...)
	c.eventsMu.RUnlock()
	for _, h := range handlers {
		h()
	}
	c.Shutdown()
}

// handleShardClose implements §4.6's close reactions.
func (c *Client) handleShardClose(shardID int, code GatewayCloseEventCode) {
	if code == 1000 && c.destroyed.Load() {
		c.handleShardError(newShardError(shardID, ErrKindTransport, code, errors.New("gatewire: shard closed after client shutdown")))
		return
	}

	c.mu.Lock()
	sh := c.shardTable[shardID]
	c.mu.Unlock()
	if sh == nil {
		return
	}

	if isUnrecoverable(code) {
		c.handleShardError(newShardError(shardID, ErrKindProtocol, code, ErrUnauthorized))
		return
	}

	if isNonResumable(code) {
		sh.resetSession()
	}

	c.eventsMu.RLock()
	disconnectHandlers := append([]func(int)(nil), c.onShardDisconnectHandlers...)
	c.eventsMu.RUnlock()
	for _, h := range disconnectHandlers {
		h(shardID)
	}

	c.liveCount.Add(-1)
	go c.reconnectShard(shardID, sh)
}

// reconnectShard implements §4.6's reconnect cycle, guarded against
// overlapping runs by c.reconnecting.
func (c *Client) reconnectShard(shardID int, sh *Shard) {
	c.reconnecting.Lock()
	defer c.reconnecting.Unlock()

	if c.destroyed.Load() {
		return
	}

	if sh.SessionID() != "" {
		if err := sh.connect(c.ctx); err != nil {
			c.Logger.WithField("err", err).Error("shard reconnect failed, retrying")
			time.Sleep(5 * time.Second)
			go c.reconnectShard(shardID, sh)
		}
		return
	}

	sh.destroy(destroyOptions{code: 1000, reset: true, emit: false, log: false})
	c.waitForIdentifyQuota()
	if err := sh.connect(c.ctx); err != nil {
		c.Logger.WithField("err", err).Error("shard reconnect failed, retrying")
		time.Sleep(5 * time.Second)
		go c.reconnectShard(shardID, sh)
	}
}

/*****************************
 *       Shutdown
 *****************************/

// Shutdown cleanly shuts down the Client. Idempotent after the first call
// (§5): every shard is destroyed with emit=false, log=false, reset=true,
// code=1000 and the connect queue is cleared.
func (c *Client) Shutdown() {
	if !c.destroyed.CompareAndSwap(false, true) {
		return
	}
	c.Logger.Info("client shutting down")

	c.mu.Lock()
	shards := make([]*Shard, 0, len(c.shardTable))
	for _, sh := range c.shardTable {
		shards = append(shards, sh)
	}
	c.connectQueue = nil
	c.mu.Unlock()

	for _, sh := range shards {
		sh.destroy(destroyOptions{code: 1000, reset: true, emit: false, log: false})
	}

	c.restApi.Shutdown()
}
