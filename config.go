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

// CompressionMode selects the on-wire compression negotiated with the
// gateway's "compress" query parameter (§4.2, §6).
type CompressionMode string

const (
	// CompressionDisabled sends and expects uncompressed text/binary frames.
	CompressionDisabled CompressionMode = ""

	// CompressionZlibStream is Discord's "zlib-stream" transport compression:
	// one continuous deflate stream for the connection's lifetime, each
	// logical message terminated by a sync-flush. This is the only
	// compression variant this library implements; see decompressor.go.
	CompressionZlibStream CompressionMode = "zlib-stream"
)

// IdentifyProperties is the "properties" object sent with Identify,
// describing the client to Discord for analytics purposes.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// DefaultIdentifyProperties mirrors what most gateway libraries send absent
// an explicit override.
var DefaultIdentifyProperties = IdentifyProperties{
	OS:      "linux",
	Browser: LIB_NAME,
	Device:  LIB_NAME,
}

// shardSpec captures how a Client should compute its shard set (§4.6):
// either Discord's recommended count ("auto", built by autoShardSpec and
// used by New as the default), an explicit total with every id in range,
// or an explicit id subset requiring a paired count. The zero value is an
// explicit total of 0, which resolves to a single shard.
type shardSpec struct {
	auto       bool
	count      int
	explicitIDs []int
}

func autoShardSpec() shardSpec {
	return shardSpec{auto: true}
}

// resolve turns the spec into the concrete list of shard ids to run,
// consulting recommendedCount only when auto was requested.
func (s shardSpec) resolve(recommendedCount int) ([]int, int, error) {
	if s.auto {
		n := recommendedCount
		if n < 1 {
			n = 1
		}
		ids := make([]int, n)
		for i := range ids {
			ids[i] = i
		}
		return ids, n, nil
	}
	if len(s.explicitIDs) > 0 {
		if s.count <= 0 {
			return nil, 0, ErrMissingShardCount
		}
		return append([]int(nil), s.explicitIDs...), s.count, nil
	}
	n := s.count
	if n < 1 {
		n = 1
	}
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids, n, nil
}
