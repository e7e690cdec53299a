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

package envelope

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/identity"
)

// SignedEnvelope wraps every message exchanged between peers
type SignedEnvelope struct {
	Payload   []byte  `json:"payload"`
	PeerID    string  `json:"peer_id"`
	Signature string  `json:"signature"`
	Nonce     uint64  `json:"nonce"`
	Timestamp float64 `json:"timestamp"`
}

// CanonicalBytes returns peer_id|nonce|timestamp|payload, with the nonce as 8 big-endian bytes
func (e *SignedEnvelope) CanonicalBytes() []byte {
	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, e.Nonce)

	buf := make([]byte, 0, len(e.PeerID)+len(e.Payload)+32)
	buf = append(buf, e.PeerID...)
	buf = append(buf, '|')
	buf = append(buf, nonce...)
	buf = append(buf, '|')
	buf = append(buf, common.FormatTimestamp(e.Timestamp)...)
	buf = append(buf, '|')
	buf = append(buf, e.Payload...)
	return buf
}

// NonceCounter issues strictly increasing nonces for the local sender
type NonceCounter struct {
	mutex sync.Mutex
	last  uint64
	clock func() time.Time
}

// NewNonceCounter returns a counter seeded from the wall clock so nonces keep increasing across restarts
func NewNonceCounter() *NonceCounter {
	return &NonceCounter{
		clock: time.Now,
	}
}

// Next returns the next nonce
func (c *NonceCounter) Next() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	next := c.last + 1
	if c.clock != nil {
		if now := uint64(c.clock().UnixNano() / int64(time.Microsecond)); now > next {
			next = now
		}
	}
	c.last = next
	return next
}

// SignEnvelope wraps payload in an envelope stamped with the next nonce and the current time
func SignEnvelope(payload []byte, keyPair *identity.KeyPair, counter *NonceCounter) (*SignedEnvelope, error) {
	return signEnvelopeAt(payload, keyPair, counter, time.Now())
}

func signEnvelopeAt(payload []byte, keyPair *identity.KeyPair, counter *NonceCounter, at time.Time) (*SignedEnvelope, error) {
	if keyPair == nil || counter == nil {
		return nil, fmt.Errorf("%w: envelope signing requires a key pair and nonce counter", common.ErrInvalidInput)
	}

	env := &SignedEnvelope{
		Payload:   payload,
		PeerID:    keyPair.PeerID,
		Nonce:     counter.Next(),
		Timestamp: common.UnixSeconds(at),
	}

	sig, err := keyPair.Sign(env.CanonicalBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope; %w", err)
	}
	env.Signature = hex.EncodeToString(sig)

	return env, nil
}
