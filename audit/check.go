package audit

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/provideplatform/infomesh/attestation"
	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/store/providers/merkletree"
)

type fetchResult struct {
	raw  []byte
	text string
	err  error
}

// PerformAuditCheck re-crawls the audited url as auditorID and compares the re-hash against the
// expected hashes. The re-crawl is bounded by AuditTimeout; a timeout, fetch failure or empty
// content yields ERROR and is never retried.
func PerformAuditCheck(ctx context.Context, req *AuditRequest, auditorID string, crawler Crawler) *AuditResult {
	return performAuditCheck(ctx, req, auditorID, crawler, AuditTimeout)
}

func performAuditCheck(ctx context.Context, req *AuditRequest, auditorID string, crawler Crawler, timeout time.Duration) *AuditResult {
	result := &AuditResult{
		AuditID:     req.AuditID,
		AuditorPeer: auditorID,
		TargetPeer:  req.TargetPeer,
		URL:         req.URL,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan *fetchResult, 1)
	go func() {
		raw, text, err := crawler.Fetch(ctx, req.URL)
		ch <- &fetchResult{raw: raw, text: text, err: err}
	}()

	var fetched *fetchResult
	select {
	case fetched = <-ch:
	case <-ctx.Done():
		fetched = &fetchResult{err: ctx.Err()}
	}

	result.Timestamp = common.UnixSeconds(time.Now())

	if fetched.err != nil {
		result.Verdict = VerdictError
		if errors.Is(fetched.err, context.DeadlineExceeded) {
			result.Detail = fmt.Sprintf("re-crawl timed out after %s", timeout)
		} else {
			result.Detail = fmt.Sprintf("re-crawl failed; %s", fetched.err.Error())
		}
		common.Log.Debugf("audit %s check by %s errored; %s", req.AuditID, common.ShortPeerID(auditorID), result.Detail)
		return result
	}

	if len(fetched.raw) == 0 && fetched.text == "" {
		result.Verdict = VerdictError
		result.Detail = "no content obtainable"
		return result
	}

	result.RawHash = common.SHA256Hex(fetched.raw)
	result.TextHash = common.SHA256(fetched.text)
	result.EvidenceHash = result.TextHash
	textMatches := fetched.text != "" && result.TextHash == req.ExpectedTextHash
	if fetched.text == "" {
		// raw-only crawlers would otherwise all report sha256("")
		result.EvidenceHash = result.RawHash
	}

	if result.RawHash == req.ExpectedRawHash || textMatches {
		result.Verdict = VerdictPass
	} else {
		result.Verdict = VerdictFail
		result.Detail = "re-crawled content does not match the attested hashes"
	}

	return result
}

// PerformMerkleAudit verifies membership of the audited document against a previously published
// root instead of re-crawling. A non-nil publisherKey additionally requires a valid root signature.
func PerformMerkleAudit(req *AuditRequest, auditorID string, publishedRoot *merkletree.MerkleRoot, publisherKey []byte, proof *merkletree.MerkleProof, rawHash string) *AuditResult {
	result := &AuditResult{
		AuditID:     req.AuditID,
		AuditorPeer: auditorID,
		TargetPeer:  req.TargetPeer,
		URL:         req.URL,
		RawHash:     rawHash,
		Timestamp:   common.UnixSeconds(time.Now()),
		Verdict:     VerdictFail,
	}

	if proof != nil {
		result.EvidenceHash = proof.LeafHash
	} else {
		result.EvidenceHash = hex.EncodeToString(merkletree.LeafHash(rawHash))
	}

	switch {
	case publishedRoot == nil || proof == nil:
		result.Detail = "missing published root or proof"
	case publisherKey != nil && !attestation.VerifyRoot(publishedRoot, publisherKey):
		result.Detail = "published root signature is invalid"
	case publishedRoot.RootHash != proof.RootHash:
		result.Detail = "proof root does not match the published root"
	case req.ExpectedRawHash != "" && rawHash != req.ExpectedRawHash:
		result.Detail = "document hash does not match the attested hash"
	case !merkletree.VerifyDocument(rawHash, proof):
		result.Detail = "membership proof is invalid"
	default:
		result.Verdict = VerdictPass
		result.Detail = ""
	}

	return result
}
