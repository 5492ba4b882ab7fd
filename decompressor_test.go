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
	"testing"
)

// zlibStreamFixture compresses messages as one continuous deflate stream,
// flushing after each one, mirroring what Discord sends over the wire.
func zlibStreamFixture(t *testing.T, messages ...string) [][]byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)

	var frames [][]byte
	prevLen := 0
	for _, m := range messages {
		if _, err := zw.Write([]byte(m)); err != nil {
			t.Fatal(err)
		}
		if err := zw.Flush(); err != nil {
			t.Fatal(err)
		}
		full := buf.Bytes()
		frame := append([]byte(nil), full[prevLen:]...)
		frames = append(frames, frame)
		prevLen = len(full)
	}
	zw.Close()
	return frames
}

func TestZlibStreamDecompressor_SingleMessage(t *testing.T) {
	frames := zlibStreamFixture(t, `{"op":0}`)

	var got []string
	d := newZlibStreamDecompressor(
		func(msg []byte) { got = append(got, string(msg)) },
		func(err error) { t.Fatalf("unexpected error: %v", err) },
		func(string) {},
	)

	d.add(frames[0])
	if len(got) != 1 || got[0] != `{"op":0}` {
		t.Fatalf("unexpected output: %v", got)
	}
}

func TestZlibStreamDecompressor_MultipleMessagesAcrossFeeds(t *testing.T) {
	frames := zlibStreamFixture(t, `{"op":1}`, `{"op":2}`, `{"op":3}`)

	var got []string
	d := newZlibStreamDecompressor(
		func(msg []byte) { got = append(got, string(msg)) },
		func(err error) { t.Fatalf("unexpected error: %v", err) },
		func(string) {},
	)

	for _, f := range frames {
		d.add(f)
	}

	want := []string{`{"op":1}`, `{"op":2}`, `{"op":3}`}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

// TestZlibStreamDecompressor_MultipleMessagesInOneAdd covers scenario 6: a
// single add call whose bytes complete more than one logical message (e.g.
// after a burst of buffered WebSocket reads) must synchronously emit every
// completed message in order.
func TestZlibStreamDecompressor_MultipleMessagesInOneAdd(t *testing.T) {
	frames := zlibStreamFixture(t, `{"op":1}`, `{"op":2}`)
	joined := append(append([]byte(nil), frames[0]...), frames[1]...)

	var got []string
	d := newZlibStreamDecompressor(
		func(msg []byte) { got = append(got, string(msg)) },
		func(err error) { t.Fatalf("unexpected error: %v", err) },
		func(string) {},
	)

	d.add(joined)

	want := []string{`{"op":1}`, `{"op":2}`}
	if len(got) != len(want) {
		t.Fatalf("expected %d messages from a single add call, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("message %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestZlibStreamDecompressor_PartialChunkWithheld(t *testing.T) {
	frames := zlibStreamFixture(t, `{"op":1}`)
	frame := frames[0]
	if len(frame) < 2 {
		t.Fatal("fixture frame too short to split")
	}

	var got []string
	d := newZlibStreamDecompressor(
		func(msg []byte) { got = append(got, string(msg)) },
		func(err error) { t.Fatalf("unexpected error: %v", err) },
		func(string) {},
	)

	d.add(frame[:len(frame)-1])
	if len(got) != 0 {
		t.Fatalf("expected no message before the flush boundary arrives, got %v", got)
	}

	d.add(frame[len(frame)-1:])
	if len(got) != 1 || got[0] != `{"op":1}` {
		t.Fatalf("unexpected output after completing the boundary: %v", got)
	}
}

func TestNoopDecompressor_PassesThroughUnchanged(t *testing.T) {
	var got [][]byte
	d := &noopDecompressor{onData: func(msg []byte) { got = append(got, msg) }}
	d.add([]byte("a"), []byte("b"))
	if len(got) != 2 || string(got[0]) != "a" || string(got[1]) != "b" {
		t.Fatalf("unexpected output: %v", got)
	}
}

func TestNewDecompressor_UnsupportedModeErrors(t *testing.T) {
	_, err := newDecompressor(CompressionMode("zlib-sync"), nil, nil, nil)
	if err == nil {
		t.Fatal("expected an error for an unsupported compression mode")
	}
}

func TestNewDecompressor_Disabled(t *testing.T) {
	d, err := newDecompressor(CompressionDisabled, func([]byte) {}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*noopDecompressor); !ok {
		t.Fatalf("expected a *noopDecompressor, got %T", d)
	}
}
