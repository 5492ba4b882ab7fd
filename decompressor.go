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
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// zlibFlushSuffix is the 4-byte zlib sync-flush marker Discord appends to
// every logical message when zlib-stream compression is negotiated.
var zlibFlushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

type onDataFunc func(message []byte)
type onErrorFunc func(err error)
type onDebugFunc func(msg string)

// decompressor consumes raw WebSocket binary frames for one shard
// connection and emits one decoded message per logical zlib-stream flush
// boundary. Implementations are tagged variants of this small capability
// set rather than a class hierarchy, selected once per shard by the
// CompressionMode option.
type decompressor interface {
	// add feeds one or more byte chunks that arrived together from the
	// transport, in order. It may synchronously invoke onData zero or
	// more times (scenario 6 in the spec: a single add call can complete
	// more than one logical message).
	add(chunks ...[]byte)
}

// noopDecompressor is used when compression is disabled: frames are
// already complete messages and are forwarded unchanged.
type noopDecompressor struct {
	onData onDataFunc
}

var _ decompressor = (*noopDecompressor)(nil)

func (d *noopDecompressor) add(chunks ...[]byte) {
	for _, c := range chunks {
		d.onData(c)
	}
}

// zlibStreamDecompressor implements the zlib-stream variant (§4.2).
//
// Discord's zlib-stream compression is one continuous deflate stream for
// the whole connection: every logical message after the first depends on
// the sliding window built up by everything decoded before it, so a fresh
// zlib.Reader cannot simply be pointed at one message's compressed bytes in
// isolation once more than one message has been exchanged. To keep that
// window intact without hand-rolling a resumable flate decoder, this
// implementation keeps the full compressed byte history for the
// connection's lifetime and re-inflates it from the start every time a new
// flush boundary completes, keeping only the newly revealed tail. This
// trades CPU for a byte-for-byte correct decode with no dependency on
// blocking-reader tricks; see DESIGN.md for the tradeoff this accepts.
type zlibStreamDecompressor struct {
	onData  onDataFunc
	onError onErrorFunc
	onDebug onDebugFunc

	pending         []byte // raw bytes not yet forming a complete message
	compressedAll   []byte // full compressed history since connect
	decodedEmitted  int    // bytes of decompressed output already emitted
}

var _ decompressor = (*zlibStreamDecompressor)(nil)

func newZlibStreamDecompressor(onData onDataFunc, onError onErrorFunc, onDebug onDebugFunc) *zlibStreamDecompressor {
	return &zlibStreamDecompressor{onData: onData, onError: onError, onDebug: onDebug}
}

func (d *zlibStreamDecompressor) add(chunks ...[]byte) {
	if len(chunks) > 1 {
		d.onDebug(fmt.Sprintf("decompressor: fed %d fragments in one add call", len(chunks)))
	}
	for _, chunk := range chunks {
		d.addOne(chunk)
	}
}

func (d *zlibStreamDecompressor) addOne(chunk []byte) {
	d.pending = append(d.pending, chunk...)

	for {
		idx := bytes.Index(d.pending, zlibFlushSuffix)
		if idx < 0 {
			return
		}
		boundary := idx + len(zlibFlushSuffix)
		d.compressedAll = append(d.compressedAll, d.pending[:boundary]...)
		d.pending = append([]byte(nil), d.pending[boundary:]...)

		if err := d.drain(); err != nil {
			d.onError(fmt.Errorf("gatewire: zlib-stream decompression: %w", err))
			return
		}
	}
}

// drain re-inflates the full compressed history and emits whatever
// decompressed bytes have not yet been handed to the caller.
//
// d.compressedAll ends at a sync-flush boundary, not a final block: Discord's
// zlib-stream never terminates the deflate stream until the connection
// closes. Reading that against a bytes.Reader therefore always ends in
// io.ErrUnexpectedEOF once the flush's bytes are exhausted, even though every
// byte up to that point decoded correctly (io.ReadAll still returns them
// alongside the error). Any other error means the compressed history itself
// is corrupt.
func (d *zlibStreamDecompressor) drain() error {
	zr, err := zlib.NewReader(bytes.NewReader(d.compressedAll))
	if err != nil {
		return err
	}
	defer zr.Close()

	full, err := io.ReadAll(zr)
	if err != nil && err != io.ErrUnexpectedEOF {
		return err
	}

	if len(full) <= d.decodedEmitted {
		return nil
	}
	message := full[d.decodedEmitted:]
	d.decodedEmitted = len(full)
	// Copy before emitting: full is only valid until the next drain.
	out := make([]byte, len(message))
	copy(out, message)
	d.onData(out)
	return nil
}

// newDecompressor builds the decompressor a shard should use given its
// CompressionMode. Only CompressionZlibStream ("zlib-stream") and
// CompressionDisabled are implemented; any other value, including "zlib",
// "zlib-sync" and "pako", returns a Configuration error. This library only
// ships the streaming zlib variant, matching the
// teacher's own WebSocket stack which never wired any compression variant
// at all before this repository added one.
func newDecompressor(mode CompressionMode, onData onDataFunc, onError onErrorFunc, onDebug onDebugFunc) (decompressor, error) {
	switch mode {
	case CompressionDisabled:
		return &noopDecompressor{onData: onData}, nil
	case CompressionZlibStream:
		return newZlibStreamDecompressor(onData, onError, onDebug), nil
	default:
		return nil, newConfigError(fmt.Sprintf("unsupported compression mode %q: only zlib-stream is implemented", mode))
	}
}
