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
	"fmt"

	"github.com/bytedance/sonic"
)

// encodingName is the gateway URL "encoding" query parameter value a codec
// advertises: "json" or "etf".
type encodingName string

const (
	encodingJSON encodingName = "json"
	encodingETF  encodingName = "etf"
)

// codec encodes outbound payloads and decodes inbound frames. Variants are
// tagged structs implementing this interface rather than a class hierarchy,
// selected once at shard-construction time by the UseETF option.
type codec interface {
	encoding() encodingName
	encode(payload any) ([]byte, error)
	// decode parses one or more byte chunks that together make up a single
	// logical frame (already demultiplexed by the decompression stream, or
	// passed straight through when compression is disabled).
	decode(chunks ...[]byte) (*gatewayPayload, error)
}

var jsonAPI = sonic.ConfigDefault

/*****************************
 *      jsonCodec
 *****************************/

// jsonCodec implements codec over UTF-8 JSON text using sonic, a
// high-throughput JSON engine, because gateway traffic is hot-path,
// small-message JSON. It is the only sonic user in this module.
type jsonCodec struct{}

var _ codec = jsonCodec{}

func (jsonCodec) encoding() encodingName { return encodingJSON }

func (jsonCodec) encode(payload any) ([]byte, error) {
	return jsonAPI.Marshal(payload)
}

func (jsonCodec) decode(chunks ...[]byte) (*gatewayPayload, error) {
	buf := joinChunks(chunks)

	var pk gatewayPayload
	if err := jsonAPI.Unmarshal(buf, &pk); err != nil {
		return nil, fmt.Errorf("gatewire: json decode: %w", err)
	}
	return &pk, nil
}

// joinChunks concatenates chunks without copying when there is exactly one,
// matching the "single buffer, list of buffers, or contiguous region" input
// shapes the serialization codec must accept.
func joinChunks(chunks [][]byte) []byte {
	if len(chunks) == 1 {
		return chunks[0]
	}
	return bytes.Join(chunks, nil)
}

/*****************************
 *      etfCodec
 *****************************/

// ETFPackFunc encodes a Go value into Erlang External Term Format bytes.
type ETFPackFunc func(payload any) ([]byte, error)

// ETFUnpackFunc decodes Erlang External Term Format bytes into a gatewayPayload.
type ETFUnpackFunc func(data []byte, out *gatewayPayload) error

// etfCodec implements codec over the ETF binary encoding supplied by the
// host application via WithETFCodec. No ETF implementation ships with this
// library: constructing a shard with UseETF=true and no paired codec fails
// with a Configuration error per §4.1/§7, rather than silently falling back
// to JSON or vendoring a partial ETF encoder.
type etfCodec struct {
	pack   ETFPackFunc
	unpack ETFUnpackFunc
}

var _ codec = (*etfCodec)(nil)

func (*etfCodec) encoding() encodingName { return encodingETF }

func (c *etfCodec) encode(payload any) ([]byte, error) {
	return c.pack(payload)
}

func (c *etfCodec) decode(chunks ...[]byte) (*gatewayPayload, error) {
	buf := joinChunks(chunks)
	var pk gatewayPayload
	if err := c.unpack(buf, &pk); err != nil {
		return nil, fmt.Errorf("gatewire: etf decode: %w", err)
	}
	return &pk, nil
}

// decodeRawInto unmarshals a Dispatch/Hello/InvalidSession payload's `d`
// field into a concrete struct. Gateway sub-payloads are always JSON
// regardless of the negotiated top-level encoding (an ETF pack/unpack pair
// is expected to hand back data already shaped this way), so this always
// goes through the JSON engine.
func decodeRawInto(raw []byte, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return jsonAPI.Unmarshal(raw, out)
}

// newCodec builds the codec a shard should use given configuration. It
// returns a Configuration GatewayError, never a panic, when useEtf is
// requested without a paired codec.
func newCodec(useEtf bool, etf *etfCodec) (codec, error) {
	if !useEtf {
		return jsonCodec{}, nil
	}
	if etf == nil || etf.pack == nil || etf.unpack == nil {
		return nil, &GatewayError{Kind: ErrKindConfiguration, ShardID: -1, Err: ErrMissingETFCodec}
	}
	return etf, nil
}
