package validation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/escrowauction/auctionapi"
	"github.com/cloudx-io/escrowauction/core"
)

var testPCRs = PCRSet{
	PCR0:       "3b4cef27e672fdbcc808960a88ddfe73",
	PCR1:       "4b4d5b3661b3efc12920900c80e126e4",
	PCR2:       "2bdd28c1d85bb3872da3617a29a6bfeb",
	CommitHash: "abc123",
}

// testPKI is a root -> intermediate -> leaf chain of P-384 keys.
type testPKI struct {
	roots   *x509.CertPool
	caDER   []byte
	leafDER []byte
	leafKey *ecdsa.PrivateKey
}

func newCert(t *testing.T, tmpl, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) (*x509.Certificate, []byte) {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	assert.Nil(t, err)
	cert, err := x509.ParseCertificate(der)
	assert.Nil(t, err)
	return cert, der
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	now := time.Now()
	keys := make([]*ecdsa.PrivateKey, 3)
	for i := range keys {
		k, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		assert.Nil(t, err)
		keys[i] = k
	}

	caTemplate := func(serial int64, name string) *x509.Certificate {
		return &x509.Certificate{
			SerialNumber:          big.NewInt(serial),
			Subject:               pkix.Name{CommonName: name},
			NotBefore:             now.Add(-time.Hour),
			NotAfter:              now.Add(time.Hour),
			IsCA:                  true,
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		}
	}

	rootTmpl := caTemplate(1, "test-root")
	root, _ := newCert(t, rootTmpl, rootTmpl, &keys[0].PublicKey, keys[0])
	ca, caDER := newCert(t, caTemplate(2, "test-intermediate"), root, &keys[1].PublicKey, keys[0])
	_, leafDER := newCert(t, &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "test-enclave"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}, ca, &keys[2].PublicKey, keys[1])

	roots := x509.NewCertPool()
	roots.AddCert(root)
	return &testPKI{roots: roots, caDER: caDER, leafDER: leafDER, leafKey: keys[2]}
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	assert.Nil(t, err)
	return b
}

func encodeB64(der []byte) string {
	return base64.StdEncoding.EncodeToString(der)
}

// sign produces a Nitro-shaped attestation carrying userData, signed by the leaf.
func (p *testPKI) sign(t *testing.T, userData any) auctionapi.AttestationCOSE {
	t.Helper()
	ud, err := json.Marshal(userData)
	assert.Nil(t, err)

	payload, err := cbor.Marshal(map[string]any{
		"module_id": "i-test-enc",
		"digest":    "SHA384",
		"timestamp": uint64(time.Now().UnixMilli()),
		"pcrs": map[uint64][]byte{
			0: mustHex(t, testPCRs.PCR0),
			1: mustHex(t, testPCRs.PCR1),
			2: mustHex(t, testPCRs.PCR2),
		},
		"certificate": p.leafDER,
		"cabundle":    [][]byte{p.caDER},
		"user_data":   ud,
		"nonce":       []byte("n"),
	})
	assert.Nil(t, err)

	signer, err := cose.NewSigner(cose.AlgorithmES384, p.leafKey)
	assert.Nil(t, err)
	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmES384)
	msg.Payload = payload
	assert.Nil(t, msg.Sign(rand.Reader, nil, signer))

	raw, err := msg.MarshalCBOR()
	assert.Nil(t, err)
	return auctionapi.AttestationCOSE(raw)
}

func settledUserData(contractID string, winner *core.Principal, amount core.Amount) auctionapi.SettlementAttestationUserData {
	outcome := core.SettlementOutcome{Winner: winner, Amount: amount, SettledAt: 4_601}
	ud := auctionapi.SettlementAttestationUserData{
		ContractID:   contractID,
		Amount:       amount.String(),
		SettledAt:    4_601,
		OutcomeNonce: "nonce-1",
		OutcomeHash:  core.ComputeOutcomeHash(contractID, outcome, "nonce-1"),
	}
	if winner != nil {
		w := string(*winner)
		ud.Winner = &w
	}
	return ud
}

func TestValidateSettlementAttestation_Valid(t *testing.T) {
	pki := newTestPKI(t)
	winner := core.Principal("carol")
	attestation := pki.sign(t, settledUserData("auction-1", &winner, core.NewAmount(20)))

	result, err := ValidateSettlementAttestation(&SettlementValidationInput{
		AttestationCOSEBase64: attestation.EncodeBase64(),
		ContractID:            "auction-1",
		Winner:                &winner,
		Amount:                core.NewAmount(20),
		KnownPCRs:             []PCRSet{testPCRs},
		Roots:                 pki.roots,
	})
	assert.Nil(t, err)
	check.True(t, result.PCRsValid)
	check.True(t, result.CertificateValid)
	check.True(t, result.SignatureValid)
	check.True(t, result.IsValid())
}

func TestValidateSettlementAttestation_NoWinnerViaGzip(t *testing.T) {
	pki := newTestPKI(t)
	attestation := pki.sign(t, settledUserData("auction-1", nil, core.Amount{}))
	gz, err := attestation.CompressGzip()
	assert.Nil(t, err)

	result, err := ValidateSettlementAttestation(&SettlementValidationInput{
		AttestationCOSEGzip: gz,
		ContractID:          "auction-1",
		KnownPCRs:           []PCRSet{testPCRs},
		Roots:               pki.roots,
	})
	assert.Nil(t, err)
	check.True(t, result.IsValid())
}

func TestValidateSettlementAttestation_Mismatches(t *testing.T) {
	pki := newTestPKI(t)
	carol := core.Principal("carol")
	bob := core.Principal("bob")
	attestation := pki.sign(t, settledUserData("auction-1", &carol, core.NewAmount(20))).EncodeBase64()

	tests := []struct {
		name  string
		input SettlementValidationInput
		check func(t *testing.T, r *SettlementValidationResult)
	}{
		{
			name:  "wrong winner",
			input: SettlementValidationInput{ContractID: "auction-1", Winner: &bob, Amount: core.NewAmount(20)},
			check: func(t *testing.T, r *SettlementValidationResult) {
				check.False(t, r.WinnerValid)
				check.False(t, r.OutcomeHashValid)
				check.True(t, r.AmountValid)
			},
		},
		{
			name:  "expected no winner",
			input: SettlementValidationInput{ContractID: "auction-1", Amount: core.NewAmount(20)},
			check: func(t *testing.T, r *SettlementValidationResult) { check.False(t, r.WinnerValid) },
		},
		{
			name:  "wrong amount",
			input: SettlementValidationInput{ContractID: "auction-1", Winner: &carol, Amount: core.NewAmount(19)},
			check: func(t *testing.T, r *SettlementValidationResult) {
				check.False(t, r.AmountValid)
				check.False(t, r.OutcomeHashValid)
			},
		},
		{
			name:  "wrong contract",
			input: SettlementValidationInput{ContractID: "auction-2", Winner: &carol, Amount: core.NewAmount(20)},
			check: func(t *testing.T, r *SettlementValidationResult) { check.False(t, r.ContractValid) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.AttestationCOSEBase64 = attestation
			tt.input.KnownPCRs = []PCRSet{testPCRs}
			tt.input.Roots = pki.roots

			result, err := ValidateSettlementAttestation(&tt.input)
			assert.Nil(t, err)
			check.False(t, result.IsValid())
			check.True(t, result.SignatureValid)
			tt.check(t, result)
		})
	}
}

func TestValidateSettlementAttestation_UntrustedInfrastructure(t *testing.T) {
	pki := newTestPKI(t)
	other := newTestPKI(t)
	winner := core.Principal("carol")
	attestation := pki.sign(t, settledUserData("auction-1", &winner, core.NewAmount(20)))

	// Unknown PCRs and an unrelated root.
	result, err := ValidateSettlementAttestation(&SettlementValidationInput{
		AttestationCOSEBase64: attestation.EncodeBase64(),
		ContractID:            "auction-1",
		Winner:                &winner,
		Amount:                core.NewAmount(20),
		KnownPCRs:             []PCRSet{{PCR0: "00", PCR1: "00", PCR2: "00"}},
		Roots:                 other.roots,
	})
	assert.Nil(t, err)
	check.False(t, result.PCRsValid)
	check.False(t, result.CertificateValid)
	check.True(t, result.SignatureValid)
	check.False(t, result.IsValid())
}

func TestVerifyCOSESignature_RejectsTamperedPayload(t *testing.T) {
	pki := newTestPKI(t)
	attestation := pki.sign(t, settledUserData("auction-1", nil, core.Amount{}))

	parts, err := attestation.SplitSign1()
	assert.Nil(t, err)
	tampered, err := cbor.Marshal([]any{parts.Protected, map[any]any{}, append(parts.Payload, 0x00), parts.Signature})
	assert.Nil(t, err)

	check.NotNil(t, VerifyCOSESignature(auctionapi.AttestationCOSE(tampered), encodeB64(pki.leafDER)))
	check.Nil(t, VerifyCOSESignature(attestation, encodeB64(pki.leafDER)))
}

func TestValidateSettlementAttestation_InputErrors(t *testing.T) {
	_, err := ValidateSettlementAttestation(&SettlementValidationInput{})
	check.NotNil(t, err)

	_, err = ValidateSettlementAttestation(&SettlementValidationInput{
		AttestationCOSEBase64: "YQ==",
		AttestationCOSEGzip:   "YQ",
	})
	check.NotNil(t, err)

	_, err = ValidateSettlementAttestation(&SettlementValidationInput{AttestationCOSEBase64: "YWJj"})
	check.NotNil(t, err)
}

func TestLoadPCRsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pcrs.json")
	assert.Nil(t, os.WriteFile(path, []byte(`{"pcr_sets":[{"pcr0":"AA","pcr1":"bb","pcr2":"cc","commit_hash":"x"}]}`), 0o600))

	sets, err := LoadPCRsFromFile(path)
	assert.Nil(t, err)
	check.Equal(t, 1, len(sets))
	check.Equal(t, 0, ValidatePCRs(auctionapi.PCRs{ImageFileHash: "aa", KernelHash: "bb", ApplicationHash: "cc"}, sets))
	check.Equal(t, -1, ValidatePCRs(auctionapi.PCRs{ImageFileHash: "aa"}, sets))

	empty := filepath.Join(dir, "empty.json")
	assert.Nil(t, os.WriteFile(empty, []byte(`{"pcr_sets":[]}`), 0o600))
	_, err = LoadPCRsFromFile(empty)
	check.NotNil(t, err)
}

func TestNitroRoots(t *testing.T) {
	roots, err := NitroRoots()
	assert.Nil(t, err)
	check.NotNil(t, roots)
}
