/*
 * Copyright 2017-2022 Provide Technologies Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package common

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
	"time"
)

const shortPeerIDLength = 12

// SHA256 is a convenience method to return the hex-encoded sha256 hash of the given input
func SHA256(str string) string {
	return SHA256Hex([]byte(str))
}

// SHA256Hex returns the hex-encoded sha256 digest of the given bytes
func SHA256Hex(val []byte) string {
	return hex.EncodeToString(SHA256Bytes(val))
}

// SHA256Bytes returns the raw sha256 digest of the given bytes
func SHA256Bytes(val []byte) []byte {
	digest := sha256.Sum256(val)
	return digest[:]
}

// ShortPeerID truncates a peer id for log output
func ShortPeerID(peerID string) string {
	if len(peerID) <= shortPeerIDLength {
		return peerID
	}
	return peerID[:shortPeerIDLength] + "..."
}

// ConsumerName returns the durable and queue group name a node uses to consume subject;
// each node receives its own copy of every message published to the mesh
func ConsumerName(subject, peerID string) string {
	if len(peerID) > shortPeerIDLength {
		peerID = peerID[:shortPeerIDLength]
	}
	return consumerNameReplacer.Replace(subject + "." + peerID)
}

var consumerNameReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// FormatTimestamp renders unix seconds with microsecond precision; this is the canonical
// timestamp encoding covered by every signature in the engine
func FormatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 6, 64)
}

// Clamp01 bounds the given value to [0, 1]
func Clamp01(val float64) float64 {
	return math.Max(0, math.Min(1, val))
}

// UnixSeconds returns t as fractional unix seconds
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
