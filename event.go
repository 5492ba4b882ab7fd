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

import "encoding/json"

// DispatchEvent is the opaque transport-level shape every Dispatch (op 0)
// payload is forwarded as. This library defines no typed Go struct per
// Discord event name; only the op codes are the core's concern (§1, §3) —
// callers unmarshal Data into whatever shape their application needs.
type DispatchEvent struct {
	ShardID  int
	Name     string
	Sequence int64
	Data     json.RawMessage
}

// DispatchHandler is the callback shape registered via Client.On.
type DispatchHandler func(DispatchEvent)

// ShardErrorEvent is delivered to OnShardError subscribers.
type ShardErrorEvent struct {
	ShardID int
	Err     *GatewayError
}

// FullReadyEvent is delivered to OnFullReady once a shard's expected guilds
// have all arrived, or the ready-stabilization timer has elapsed (§4.5).
type FullReadyEvent struct {
	ShardID        int
	MissingGuildID map[Snowflake]struct{} // nil unless the stabilization timer fired with guilds still missing
}
