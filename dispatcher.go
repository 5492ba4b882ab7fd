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
	"encoding/json"
	"os"
	"runtime/debug"
	"sync"
)

/*****************************
 *        dispatcher
 *****************************/

// dispatcher fans out decoded Dispatch payloads to registered handlers.
// Unlike the source system's in-process event emitter (§9 "Event
// emission"), data delivery here is a plain callback set run through a
// WorkerPool rather than a blocking emit — a slow or panicking handler can
// never stall a shard's read loop. Handlers registered for a specific
// event name receive only that event; handlers registered via onAny
// receive every dispatch, matching the "raw" fan-out the supervisor also
// exposes.
type dispatcher struct {
	logger     Logger
	workerPool WorkerPool

	mu       sync.RWMutex
	handlers map[string][]DispatchHandler
	onAny    []DispatchHandler
}

// newDispatcher creates a new dispatcher instance.
func newDispatcher(logger Logger, workerPool WorkerPool) *dispatcher {
	if logger == nil {
		logger = NewDefaultLogger(os.Stdout, LogLevelInfoLevel)
	}
	if workerPool == nil {
		workerPool = NewDefaultWorkerPool(logger)
	}
	return &dispatcher{
		logger:     logger,
		workerPool: workerPool,
		handlers:   make(map[string][]DispatchHandler, 8),
	}
}

// dispatch submits one decoded Dispatch payload to the worker pool, which
// invokes every handler registered for eventName plus every onAny handler.
// Back-pressure policy is drop-on-full-queue (§9): a saturated worker pool
// drops the event rather than blocking the shard that produced it.
func (d *dispatcher) dispatch(shardID int, eventName string, seq int64, data json.RawMessage) {
	d.logger.Debug("event '" + eventName + "' dispatched")

	ev := DispatchEvent{ShardID: shardID, Name: eventName, Sequence: seq, Data: data}

	if !d.workerPool.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithField("event", eventName).
					WithField("shard_id", shardID).
					WithField("panic", r).
					WithField("stack", string(debug.Stack())).
					Error("recovered from panic while handling event")
			}
		}()

		d.mu.RLock()
		handlers := append([]DispatchHandler(nil), d.handlers[eventName]...)
		any := append([]DispatchHandler(nil), d.onAny...)
		d.mu.RUnlock()

		for _, h := range handlers {
			h(ev)
		}
		for _, h := range any {
			h(ev)
		}
	}) {
		d.logger.Warn("dispatcher: dropped event '" + eventName + "' due to full queue")
	}
}

// on registers h for eventName (e.g. "MESSAGE_CREATE").
func (d *dispatcher) on(eventName string, h DispatchHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventName] = append(d.handlers[eventName], h)
}

// onAnyEvent registers h to run for every dispatched event name.
func (d *dispatcher) onAnyEvent(h DispatchHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAny = append(d.onAny, h)
}
