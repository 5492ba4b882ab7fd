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
	"fmt"
)

// ErrorKind classifies a GatewayError by which part of the system raised it
// and, indirectly, by what the caller can do about it.
type ErrorKind int

const (
	// ErrKindConfiguration covers a missing optional capability (ETF codec,
	// a requested decompression mode) or an invalid combination of options
	// (a shards array without a shardCount). Surfaced at construction or
	// connect time; the caller must fix the configuration, not retry.
	ErrKindConfiguration ErrorKind = iota

	// ErrKindSerialization covers a single frame that failed to decode.
	// The frame is dropped; the shard's connection continues.
	ErrKindSerialization

	// ErrKindCompression covers a decompression stream failure. Treated as
	// fatal for the current connection: the shard is destroyed and reconnects.
	ErrKindCompression

	// ErrKindTransport covers a WebSocket-level error or close.
	ErrKindTransport

	// ErrKindProtocol covers an unrecoverable gateway close code or a 401
	// from the bootstrap fetch. The supervisor stops reconnecting.
	ErrKindProtocol

	// ErrKindLiveness covers a zombie connection detected by the heartbeat
	// component (missed ack while not in the tolerant status set).
	ErrKindLiveness
)

// String returns the human-readable name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindConfiguration:
		return "configuration"
	case ErrKindSerialization:
		return "serialization"
	case ErrKindCompression:
		return "compression"
	case ErrKindTransport:
		return "transport"
	case ErrKindProtocol:
		return "protocol"
	case ErrKindLiveness:
		return "liveness"
	default:
		return "unknown"
	}
}

// GatewayError is the error type for configuration errors returned by New
// and Start, for the 401 bootstrap failure returned by Start, and for every
// error surfaced through shard-error events. Other bootstrap failures (HTTP
// transport errors, exhausted retries, a malformed response) are returned
// by Start unwrapped. Kind tells the caller what, if anything, it
// can do; ShardID and Code are populated when the error is shard-scoped.
type GatewayError struct {
	Kind    ErrorKind
	ShardID int // -1 when not shard-scoped
	Code    GatewayCloseEventCode // 0 when no close code applies
	Err     error
}

var _ error = (*GatewayError)(nil)

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e.ShardID >= 0 {
		return fmt.Sprintf("gatewire: shard %d: %s: %v", e.ShardID, e.Kind, e.Err)
	}
	return fmt.Sprintf("gatewire: %s: %v", e.Kind, e.Err)
}

// Unwrap exposes the wrapped error to errors.Is / errors.As.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// newConfigError builds a non-shard-scoped Configuration error.
func newConfigError(msg string) *GatewayError {
	return &GatewayError{Kind: ErrKindConfiguration, ShardID: -1, Err: errors.New(msg)}
}

// newShardError builds a shard-scoped error of the given kind.
func newShardError(shardID int, kind ErrorKind, code GatewayCloseEventCode, err error) *GatewayError {
	return &GatewayError{Kind: kind, ShardID: shardID, Code: code, Err: err}
}

// Sentinel errors returned by the bootstrap and transport layers.
var (
	// ErrInvalidToken is returned when the bot token is empty or structurally
	// too short to be a real Discord token.
	ErrInvalidToken = errors.New("gatewire: invalid token")

	// ErrUnauthorized is returned by the bootstrap fetch on HTTP 401; the
	// supervisor treats this as an Invalidated condition and destroys itself.
	ErrUnauthorized = errors.New("gatewire: unauthorized")

	// ErrMissingShardCount is returned when Shards is configured as an
	// explicit id list without a paired ShardCount.
	ErrMissingShardCount = errors.New("gatewire: shardCount is required when shards is an explicit id list")

	// ErrMissingETFCodec is returned when UseETF is requested without a
	// paired WithETFCodec option supplying the pack/unpack capability.
	ErrMissingETFCodec = errors.New("gatewire: useEtf requires WithETFCodec (no ETF implementation is built in)")
)
