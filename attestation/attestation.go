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

package attestation

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/identity"
)

const (
	// CheckSignature identifies the signature check of an attestation
	CheckSignature = "signature"
	// CheckRawHash identifies the raw body hash check of an attestation
	CheckRawHash = "raw_hash"
	// CheckTextHash identifies the extracted text hash check of an attestation
	CheckTextHash = "text_hash"
)

// ContentAttestation is a peer's signed proof that it crawled specific content
type ContentAttestation struct {
	URL           string  `json:"url"`
	RawHash       string  `json:"raw_hash"`
	TextHash      string  `json:"text_hash"`
	PeerID        string  `json:"peer_id"`
	Signature     string  `json:"signature"`
	Timestamp     float64 `json:"timestamp"`
	ContentLength int     `json:"content_length"`
}

// Verification enumerates which attestation checks failed
type Verification struct {
	SignatureValid  bool     `json:"signature_valid"`
	RawHashChecked  bool     `json:"raw_hash_checked"`
	RawHashValid    bool     `json:"raw_hash_valid"`
	TextHashChecked bool     `json:"text_hash_checked"`
	TextHashValid   bool     `json:"text_hash_valid"`
	Failures        []string `json:"failures"`
}

// Valid returns true when every performed check passed
func (v *Verification) Valid() bool {
	return len(v.Failures) == 0
}

// CanonicalBytes returns the byte string covered by the attestation signature
func (a *ContentAttestation) CanonicalBytes() []byte {
	return []byte(a.URL + "|" + a.RawHash + "|" + a.TextHash + "|" + common.FormatTimestamp(a.Timestamp))
}

// CreateAttestation hashes the crawled content and signs it with the given identity
func CreateAttestation(url string, rawBody []byte, text string, keyPair *identity.KeyPair) (*ContentAttestation, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: attestation requires a url", common.ErrInvalidInput)
	}

	record := &ContentAttestation{
		URL:           url,
		RawHash:       common.SHA256Hex(rawBody),
		TextHash:      common.SHA256(text),
		PeerID:        keyPair.PeerID,
		Timestamp:     common.UnixSeconds(time.Now()),
		ContentLength: len(rawBody),
	}

	sig, err := keyPair.Sign(record.CanonicalBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign attestation for %s; %w", url, err)
	}
	record.Signature = hex.EncodeToString(sig)

	return record, nil
}

// VerifyAttestation checks the attestation signature and, when reference content is given,
// the content hashes. A nil rawBody or text skips the corresponding hash check.
func VerifyAttestation(record *ContentAttestation, publicKey []byte, rawBody []byte, text *string) *Verification {
	result := &Verification{
		Failures: make([]string, 0),
	}

	result.SignatureValid = verifySignature(record.PeerID, record.Signature, record.CanonicalBytes(), publicKey)
	if !result.SignatureValid {
		result.Failures = append(result.Failures, CheckSignature)
	}

	if rawBody != nil {
		result.RawHashChecked = true
		result.RawHashValid = common.SHA256Hex(rawBody) == record.RawHash
		if !result.RawHashValid {
			result.Failures = append(result.Failures, CheckRawHash)
		}
	}

	if text != nil {
		result.TextHashChecked = true
		result.TextHashValid = common.SHA256(*text) == record.TextHash
		if !result.TextHashValid {
			result.Failures = append(result.Failures, CheckTextHash)
		}
	}

	if !result.Valid() {
		common.Log.Debugf("attestation verification failed for %s from peer %s; failed checks: %v", record.URL, common.ShortPeerID(record.PeerID), result.Failures)
	}

	return result
}

// verifySignature checks that publicKey belongs to peerID and produced sigHex over msg
func verifySignature(peerID, sigHex string, msg, publicKey []byte) bool {
	if identity.PeerIDFromPublicKey(publicKey) != peerID {
		return false
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}

	return identity.Verify(publicKey, msg, sig) == nil
}
