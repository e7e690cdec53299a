package envelope

import (
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/provideplatform/infomesh/common"
	"github.com/provideplatform/infomesh/identity"
)

const (
	// CheckIsolation rejects envelopes from isolated peers
	CheckIsolation = "isolation"
	// CheckUnknownKey rejects envelopes from peers without a registered public key
	CheckUnknownKey = "unknown_key"
	// CheckFreshness rejects envelopes whose timestamp is outside the tolerated clock skew
	CheckFreshness = "freshness"
	// CheckReplay rejects envelopes whose nonce is not above the highest nonce seen from the sender
	CheckReplay = "replay"
	// CheckSignature rejects envelopes with an invalid signature
	CheckSignature = "signature"
)

// VerificationError is returned when an envelope is rejected
type VerificationError struct {
	Check  string
	PeerID string
	Reason string
}

func (e *VerificationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("envelope from %s failed %s check; %s", common.ShortPeerID(e.PeerID), e.Check, e.Reason)
	}
	return fmt.Sprintf("envelope from %s failed %s check", common.ShortPeerID(e.PeerID), e.Check)
}

// IsolationPredicate reports whether messages from the given peer must be dropped
type IsolationPredicate func(peerID string) bool

// Verifier authenticates inbound envelopes
type Verifier struct {
	isolated IsolationPredicate
	keys     identity.KeyResolver
	nonces   NonceStore
	maxSkew  time.Duration
	clock    func() time.Time
}

// NewVerifier returns a verifier using the configured clock skew tolerance
func NewVerifier(keys identity.KeyResolver, nonces NonceStore, isolated IsolationPredicate) *Verifier {
	return &Verifier{
		isolated: isolated,
		keys:     keys,
		nonces:   nonces,
		maxSkew:  common.MaxClockSkew,
		clock:    time.Now,
	}
}

// WithClock overrides the verifier clock
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// WithMaxSkew overrides the tolerated clock skew
func (v *Verifier) WithMaxSkew(skew time.Duration) *Verifier {
	v.maxSkew = skew
	return v
}

// Verify authenticates env and returns its payload. Rejections are *VerificationError;
// any other error is a nonce store failure.
func (v *Verifier) Verify(env *SignedEnvelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", common.ErrInvalidInput)
	}

	if v.isolated != nil && v.isolated(env.PeerID) {
		return nil, v.reject(env, CheckIsolation, "")
	}

	publicKey, ok := v.keys.PublicKey(env.PeerID)
	if !ok {
		return nil, v.reject(env, CheckUnknownKey, "")
	}

	skew := math.Abs(common.UnixSeconds(v.clock()) - env.Timestamp)
	if skew > v.maxSkew.Seconds() {
		return nil, v.reject(env, CheckFreshness, fmt.Sprintf("clock skew of %.3fs", skew))
	}

	highest, seen, err := v.nonces.Highest(env.PeerID)
	if err != nil {
		return nil, err
	}
	if seen && env.Nonce <= highest {
		return nil, v.reject(env, CheckReplay, fmt.Sprintf("nonce %d not above %d", env.Nonce, highest))
	}

	sig, err := hex.DecodeString(env.Signature)
	if err != nil {
		return nil, v.reject(env, CheckSignature, "signature is not hex")
	}
	if err := identity.Verify(publicKey, env.CanonicalBytes(), sig); err != nil {
		return nil, v.reject(env, CheckSignature, err.Error())
	}

	// a concurrent delivery of the same nonce may have been accepted since the read above
	accepted, err := v.nonces.Accept(env.PeerID, env.Nonce)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, v.reject(env, CheckReplay, fmt.Sprintf("nonce %d already accepted", env.Nonce))
	}

	return env.Payload, nil
}

func (v *Verifier) reject(env *SignedEnvelope, check, reason string) *VerificationError {
	verr := &VerificationError{
		Check:  check,
		PeerID: env.PeerID,
		Reason: reason,
	}
	common.Log.Warningf("rejected envelope; %s", verr.Error())
	return verr
}
