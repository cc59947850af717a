package auctionapi

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// coseSign1Tag is the CBOR tag of a tagged COSE_Sign1 message.
const coseSign1Tag = 18

// AttestationCOSE is a raw COSE_Sign1 attestation as returned by the Nitro
// Security Module.
type AttestationCOSE []byte

// AttestationCOSEBase64 is AttestationCOSE in standard or URL-safe base64.
type AttestationCOSEBase64 string

// AttestationCOSEGzip is gzip-compressed AttestationCOSE in unpadded URL-safe
// base64, compact enough for query strings.
type AttestationCOSEGzip string

func (a AttestationCOSE) EncodeBase64() AttestationCOSEBase64 {
	return AttestationCOSEBase64(base64.StdEncoding.EncodeToString(a))
}

func (a AttestationCOSE) EncodeURLSafe() AttestationCOSEBase64 {
	return AttestationCOSEBase64(base64.RawURLEncoding.EncodeToString(a))
}

func (a AttestationCOSE) CompressGzip() (AttestationCOSEGzip, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(a); err != nil {
		return "", fmt.Errorf("gzip attestation: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip attestation: %w", err)
	}
	return AttestationCOSEGzip(base64.RawURLEncoding.EncodeToString(buf.Bytes())), nil
}

func (s AttestationCOSEBase64) String() string { return string(s) }

// Decode accepts standard or URL-safe base64, padded or not.
func (s AttestationCOSEBase64) Decode() (AttestationCOSE, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(string(s)); err == nil {
			return AttestationCOSE(b), nil
		}
	}
	return nil, errors.New("attestation is not valid base64")
}

func (g AttestationCOSEGzip) String() string { return string(g) }

func (g AttestationCOSEGzip) Decompress() (AttestationCOSE, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(string(g))
	if err != nil {
		return nil, fmt.Errorf("decode gzip attestation: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip attestation: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read gzip attestation: %w", err)
	}
	return AttestationCOSE(raw), nil
}

// Sign1Parts are the four elements of a COSE_Sign1 message.
type Sign1Parts struct {
	Protected   []byte
	Unprotected any
	Payload     []byte
	Signature   []byte
}

// SplitSign1 decodes a tagged or untagged COSE_Sign1 message.
// AWS Nitro returns the untagged form: [protected, unprotected, payload, signature].
func (a AttestationCOSE) SplitSign1() (*Sign1Parts, error) {
	var decoded any
	if err := cbor.Unmarshal(a, &decoded); err != nil {
		return nil, fmt.Errorf("parse COSE array: %w", err)
	}
	if tag, ok := decoded.(cbor.Tag); ok {
		if tag.Number != coseSign1Tag {
			return nil, fmt.Errorf("unexpected CBOR tag %d", tag.Number)
		}
		decoded = tag.Content
	}

	parts, ok := decoded.([]any)
	if !ok || len(parts) != 4 {
		return nil, fmt.Errorf("invalid COSE_Sign1 structure: expected 4-element array")
	}

	protected, ok := parts[0].([]byte)
	if !ok {
		return nil, errors.New("invalid protected headers")
	}
	payload, ok := parts[2].([]byte)
	if !ok {
		return nil, errors.New("invalid payload")
	}
	signature, ok := parts[3].([]byte)
	if !ok {
		return nil, errors.New("invalid signature")
	}
	return &Sign1Parts{Protected: protected, Unprotected: parts[1], Payload: payload, Signature: signature}, nil
}

// nitroAttestationDocument is the CBOR payload signed by the Nitro Security Module.
type nitroAttestationDocument struct {
	ModuleID    string            `cbor:"module_id"`
	Digest      string            `cbor:"digest"`
	Timestamp   uint64            `cbor:"timestamp"`
	PCRs        map[uint64][]byte `cbor:"pcrs"`
	Certificate []byte            `cbor:"certificate"`
	CABundle    [][]byte          `cbor:"cabundle"`
	PublicKey   []byte            `cbor:"public_key"`
	UserData    []byte            `cbor:"user_data"`
	Nonce       []byte            `cbor:"nonce"`
}

// ParseAttestationDoc decodes the attestation document and returns it with
// the raw user data bytes.
func (a AttestationCOSE) ParseAttestationDoc() (AttestationDoc, []byte, error) {
	parts, err := a.SplitSign1()
	if err != nil {
		return AttestationDoc{}, nil, err
	}

	var doc nitroAttestationDocument
	if err := cbor.Unmarshal(parts.Payload, &doc); err != nil {
		return AttestationDoc{}, nil, fmt.Errorf("parse attestation document: %w", err)
	}

	bundle := make([]string, len(doc.CABundle))
	for i, cert := range doc.CABundle {
		bundle[i] = base64.StdEncoding.EncodeToString(cert)
	}

	return AttestationDoc{
		ModuleID:        doc.ModuleID,
		Timestamp:       time.UnixMilli(int64(doc.Timestamp)).UTC(),
		DigestAlgorithm: doc.Digest,
		PCRs: PCRs{
			ImageFileHash:   formatPCR(doc.PCRs[0]),
			KernelHash:      formatPCR(doc.PCRs[1]),
			ApplicationHash: formatPCR(doc.PCRs[2]),
			IAMRoleHash:     formatPCR(doc.PCRs[3]),
			InstanceIDHash:  formatPCR(doc.PCRs[4]),
			SigningCertHash: formatPCR(doc.PCRs[8]),
		},
		Certificate: base64.StdEncoding.EncodeToString(doc.Certificate),
		CABundle:    bundle,
		PublicKey:   base64.StdEncoding.EncodeToString(doc.PublicKey),
		Nonce:       string(doc.Nonce),
	}, doc.UserData, nil
}

func formatPCR(pcr []byte) string {
	if len(pcr) == 0 {
		return ""
	}
	return fmt.Sprintf("%x", pcr)
}

// PCRs are the Platform Configuration Registers of an AWS Nitro Enclave.
type PCRs struct {
	// PCR0: Hash of the Enclave Image File (EIF)
	ImageFileHash string `json:"0"`

	// PCR1: Hash of the Linux kernel and initial RAM data (initramfs)
	KernelHash string `json:"1"`

	// PCR2: Hash of user applications, excluding the boot ramfs
	ApplicationHash string `json:"2"`

	// PCR3: Hash of the IAM role assigned to the parent instance
	IAMRoleHash string `json:"3"`

	// PCR4: Hash of the parent instance's ID
	InstanceIDHash string `json:"4"`

	// PCR8: Hash of the enclave image file's signing certificate
	SigningCertHash string `json:"8,omitempty"`
}

// AttestationDoc holds the fields common to every attestation.
type AttestationDoc struct {
	ModuleID        string    `json:"module_id"`
	Timestamp       time.Time `json:"timestamp"`
	DigestAlgorithm string    `json:"digest"`
	PCRs            PCRs      `json:"pcrs"`
	Certificate     string    `json:"certificate"`
	CABundle        []string  `json:"cabundle"`
	PublicKey       string    `json:"public_key"`
	Nonce           string    `json:"nonce"`
}

// SettlementAttestationUserData is embedded in the attestation of a settle call.
type SettlementAttestationUserData struct {
	ContractID   string    `json:"contract_id"`
	Seller       string    `json:"seller"`
	Winner       *string   `json:"winner,omitempty"`
	Amount       string    `json:"amount"`
	AssetToken   string    `json:"asset_token"`
	AssetAmount  string    `json:"asset_amount"`
	SettledAt    uint64    `json:"settled_at"`
	OutcomeHash  string    `json:"outcome_hash"`
	OutcomeNonce string    `json:"outcome_nonce"`
	Timestamp    time.Time `json:"timestamp"`
}

// SettlementAttestationDoc is a parsed settlement attestation.
type SettlementAttestationDoc struct {
	AttestationDoc
	UserData *SettlementAttestationUserData `json:"user_data"`
}
