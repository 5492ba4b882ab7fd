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
	"testing"
)

func TestJSONCodec_EncodeDecodeRoundTrip(t *testing.T) {
	c := jsonCodec{}
	if c.encoding() != encodingJSON {
		t.Fatalf("expected encoding %q, got %q", encodingJSON, c.encoding())
	}

	payload := gatewayOutboundPayload{Op: int(gatewayOpcodeHeartbeat), D: 42}
	data, err := c.encode(payload)
	if err != nil {
		t.Fatal(err)
	}

	pk, err := c.decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if pk.Op != gatewayOpcodeHeartbeat {
		t.Fatalf("expected op %d, got %d", gatewayOpcodeHeartbeat, pk.Op)
	}
}

func TestJSONCodec_DecodeMultipleChunks(t *testing.T) {
	c := jsonCodec{}
	full := []byte(`{"op":0,"d":{"k":"v"},"s":5,"t":"READY"}`)
	pk, err := c.decode(full[:10], full[10:])
	if err != nil {
		t.Fatal(err)
	}
	if pk.T != "READY" || pk.S != 5 {
		t.Fatalf("unexpected decode result: %+v", pk)
	}
}

func TestNewCodec_DefaultsToJSON(t *testing.T) {
	c, err := newCodec(false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.encoding() != encodingJSON {
		t.Fatalf("expected json codec by default")
	}
}

func TestNewCodec_ETFWithoutCodecFails(t *testing.T) {
	_, err := newCodec(true, nil)
	if err == nil {
		t.Fatal("expected an error when UseETF is requested without a paired codec")
	}
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected a *GatewayError, got %T", err)
	}
	if gwErr.Kind != ErrKindConfiguration {
		t.Fatalf("expected ErrKindConfiguration, got %v", gwErr.Kind)
	}
}

func TestNewCodec_ETFWithCodec(t *testing.T) {
	etf := &etfCodec{
		pack: func(payload any) ([]byte, error) { return []byte("packed"), nil },
		unpack: func(data []byte, out *gatewayPayload) error {
			out.Op = gatewayOpcodeDispatch
			out.T = "READY"
			return nil
		},
	}
	c, err := newCodec(true, etf)
	if err != nil {
		t.Fatal(err)
	}
	if c.encoding() != encodingETF {
		t.Fatalf("expected etf encoding")
	}
	pk, err := c.decode([]byte("ignored"))
	if err != nil {
		t.Fatal(err)
	}
	if pk.T != "READY" {
		t.Fatalf("expected decoded READY, got %q", pk.T)
	}
}

func TestDecodeRawInto_EmptyIsNoop(t *testing.T) {
	var out struct{ X int }
	if err := decodeRawInto(nil, &out); err != nil {
		t.Fatal(err)
	}
	if err := decodeRawInto([]byte{}, &out); err != nil {
		t.Fatal(err)
	}
}
