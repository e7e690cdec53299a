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

package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/identity"
)

// Verdict is the outcome of a single audit check or of a finalized audit
type Verdict string

const (
	VerdictPass         Verdict = "PASS"
	VerdictFail         Verdict = "FAIL"
	VerdictError        Verdict = "ERROR"
	VerdictInconclusive Verdict = "INCONCLUSIVE"
)

const (
	// AuditsPerHour is the default number of audits a node schedules per hour
	AuditsPerHour = 1
	// AuditNodesPerCheck is the number of auditors assigned to every audit
	AuditNodesPerCheck = 3
	// AuditTimeout bounds an auditor's re-crawl
	AuditTimeout = 30 * time.Second
)

// ErrInsufficientAuditors is returned when fewer than AuditNodesPerCheck peers are eligible;
// the audit is skipped for this cycle
var ErrInsufficientAuditors = errors.New("insufficient eligible auditors")

// ErrUnknownAudit is returned for results referencing an audit that is not pending
var ErrUnknownAudit = errors.New("unknown or already finalized audit")

// Crawler fetches content for audit re-crawls
type Crawler interface {
	Fetch(ctx context.Context, url string) (raw []byte, text string, err error)
}

// AuditRequest asks three auditors to re-verify a target's attested content
type AuditRequest struct {
	AuditID          string   `json:"audit_id"`
	TargetPeer       string   `json:"target_peer"`
	URL              string   `json:"url"`
	ExpectedRawHash  string   `json:"expected_raw_hash"`
	ExpectedTextHash string   `json:"expected_text_hash"`
	Auditors         []string `json:"auditors"`
	CreatedAt        float64  `json:"created_at"`
}

// hasAuditor returns true if peerID is one of the assigned auditors
func (r *AuditRequest) hasAuditor(peerID string) bool {
	for _, auditor := range r.Auditors {
		if auditor == peerID {
			return true
		}
	}
	return false
}

// AuditResult is one auditor's signed verdict
type AuditResult struct {
	AuditID      string  `json:"audit_id"`
	AuditorPeer  string  `json:"auditor_peer"`
	TargetPeer   string  `json:"target_peer"`
	URL          string  `json:"url"`
	RawHash      string  `json:"raw_hash"`
	TextHash     string  `json:"text_hash"`
	Verdict      Verdict `json:"verdict"`
	EvidenceHash string  `json:"evidence_hash"`
	Detail       string  `json:"detail,omitempty"`
	Timestamp    float64 `json:"timestamp"`
	Signature    string  `json:"signature,omitempty"`
}

// CanonicalBytes returns the byte string covered by the auditor's signature
func (r *AuditResult) CanonicalBytes() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s",
		r.AuditID,
		r.AuditorPeer,
		r.TargetPeer,
		r.URL,
		r.RawHash,
		r.TextHash,
		r.Verdict,
		common.FormatTimestamp(r.Timestamp),
	))
}

// Sign signs the result with the auditor's identity
func (r *AuditResult) Sign(keyPair *identity.KeyPair) error {
	if keyPair.PeerID != r.AuditorPeer {
		return fmt.Errorf("%w: result for auditor %s cannot be signed by %s", common.ErrInvalidInput, common.ShortPeerID(r.AuditorPeer), common.ShortPeerID(keyPair.PeerID))
	}
	sig, err := keyPair.Sign(r.CanonicalBytes())
	if err != nil {
		return fmt.Errorf("failed to sign audit result %s; %w", r.AuditID, err)
	}
	r.Signature = hex.EncodeToString(sig)
	return nil
}

// VerifySignature returns true if the result was signed by the owner of publicKey
func (r *AuditResult) VerifySignature(publicKey []byte) bool {
	if identity.PeerIDFromPublicKey(publicKey) != r.AuditorPeer {
		return false
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return false
	}
	return identity.Verify(publicKey, r.CanonicalBytes(), sig) == nil
}

// AuditSummary is a finalized audit
type AuditSummary struct {
	AuditID            string         `json:"audit_id"`
	TargetPeer         string         `json:"target_peer"`
	URL                string         `json:"url"`
	FinalVerdict       Verdict        `json:"final_verdict"`
	PassCount          int            `json:"pass_count"`
	FailCount          int            `json:"fail_count"`
	ErrorCount         int            `json:"error_count"`
	SuspiciousAuditors []string       `json:"suspicious_auditors"`
	Results            []*AuditResult `json:"results"`
	FinalizedAt        float64        `json:"finalized_at"`
}
