package auth

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/veraison/go-cose"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/core"
)

// DefaultMaxAge bounds how old a signed request may be.
const DefaultMaxAge = 5 * time.Minute

// maxClockSkew tolerates clients whose clocks run slightly ahead.
const maxClockSkew = 30 * time.Second

// Verifier checks the proofs attached to requests.
type Verifier struct {
	guard  *ReplayGuard
	maxAge time.Duration
	now    func() time.Time
}

// NewVerifier returns a Verifier remembering nonces in guard. A zero maxAge
// selects DefaultMaxAge.
func NewVerifier(guard *ReplayGuard, maxAge time.Duration) *Verifier {
	if guard == nil {
		guard = NewReplayGuard()
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Verifier{guard: guard, maxAge: maxAge, now: time.Now}
}

// Verify returns the principals that signed req. A request without proofs
// yields an empty grant set; operations needing consent then fail with
// core.ErrUnauthorized. Any bad, stale or replayed proof rejects the whole
// request.
func (v *Verifier) Verify(req auctionapi.Request) (Grants, error) {
	if len(req.Auth) == 0 {
		return Grants{}, nil
	}

	if req.Nonce == "" {
		return nil, unauthorized("signed request has no nonce", nil)
	}
	issued := time.Unix(req.IssuedAt, 0)
	now := v.now()
	if issued.After(now.Add(maxClockSkew)) {
		return nil, unauthorized("request issued in the future", nil)
	}
	if now.Sub(issued) > v.maxAge {
		return nil, unauthorized("request expired", nil)
	}

	digest, err := signingDigest(req)
	if err != nil {
		return nil, err
	}

	grants := make(Grants, len(req.Auth))
	for _, proof := range req.Auth {
		if err := verifyProof(proof, digest); err != nil {
			return nil, unauthorized(fmt.Sprintf("proof for %s", proof.Principal), err)
		}
		grants[proof.Principal] = struct{}{}
	}

	if !v.guard.Consume(req.Nonce) {
		return nil, unauthorized("nonce already used", nil)
	}
	return grants, nil
}

func verifyProof(proof auctionapi.AuthProof, digest []byte) error {
	pub, err := PublicKeyFromPrincipal(proof.Principal)
	if err != nil {
		return err
	}

	raw, err := base64.StdEncoding.DecodeString(proof.Sign1)
	if err != nil {
		return fmt.Errorf("decode proof: %w", err)
	}

	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(raw); err != nil {
		return fmt.Errorf("parse COSE_Sign1: %w", err)
	}
	if !bytes.Equal(msg.Payload, digest) {
		return fmt.Errorf("proof signs a different request")
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmEdDSA, pub)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

func unauthorized(msg string, err error) error {
	return &core.Error{Kind: core.KindUnauthorized, Msg: msg, Err: err}
}
