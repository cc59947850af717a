package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/veraison/go-cose"

	"github.com/cloudx-io/escrowauction/auctionapi"
)

// Sign appends a proof by k to req. Sign after every other field of req is
// final; any later change invalidates the proof.
func (k *KeyPair) Sign(req *auctionapi.Request) error {
	payload, err := signingDigest(*req)
	if err != nil {
		return err
	}

	signer, err := cose.NewSigner(cose.AlgorithmEdDSA, k.privateKey)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmEdDSA)
	msg.Headers.Protected[cose.HeaderLabelKeyID] = []byte(k.Principal())
	msg.Payload = payload
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	raw, err := msg.MarshalCBOR()
	if err != nil {
		return fmt.Errorf("encode COSE_Sign1: %w", err)
	}

	req.Auth = append(req.Auth, auctionapi.AuthProof{
		Principal: k.Principal(),
		Sign1:     base64.StdEncoding.EncodeToString(raw),
	})
	return nil
}

// signingDigest is the COSE payload: SHA-256 over the request's signing bytes.
func signingDigest(req auctionapi.Request) ([]byte, error) {
	b, err := req.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("encode signing bytes: %w", err)
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}
