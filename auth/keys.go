package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cloudx-io/escrowauction/core"
)

// KeyPair is an Ed25519 identity. Its principal is the unpadded base64url
// encoding of the public key.
type KeyPair struct {
	privateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// GenerateKey creates a fresh identity using crypto/rand.
func GenerateKey() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	return &KeyPair{privateKey: priv, PublicKey: pub}, nil
}

// KeyPairFromSeed rebuilds an identity from its 32-byte seed.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed length %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{privateKey: priv, PublicKey: priv.Public().(ed25519.PublicKey)}, nil
}

func (k *KeyPair) Principal() core.Principal {
	return PrincipalFromPublicKey(k.PublicKey)
}

// PrincipalFromPublicKey encodes pub as a principal.
func PrincipalFromPublicKey(pub ed25519.PublicKey) core.Principal {
	return core.Principal(base64.RawURLEncoding.EncodeToString(pub))
}

// PublicKeyFromPrincipal decodes a principal produced by PrincipalFromPublicKey.
func PublicKeyFromPrincipal(p core.Principal) (ed25519.PublicKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(p))
	if err != nil {
		return nil, fmt.Errorf("principal %q is not a public key: %w", p, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("principal %q has %d key bytes, want %d", p, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// keyFile is the on-disk form used by auctionctl.
type keyFile struct {
	Principal core.Principal `json:"principal"`
	Seed      string         `json:"seed"`
}

// SaveKeyFile writes the identity to path, readable only by the owner.
func (k *KeyPair) SaveKeyFile(path string) error {
	data, err := json.MarshalIndent(keyFile{
		Principal: k.Principal(),
		Seed:      base64.StdEncoding.EncodeToString(k.privateKey.Seed()),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadKeyFile reads an identity written by SaveKeyFile.
func LoadKeyFile(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(kf.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key seed: %w", err)
	}
	kp, err := KeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	if kf.Principal != "" && kf.Principal != kp.Principal() {
		return nil, fmt.Errorf("key file principal %s does not match seed", kf.Principal)
	}
	return kp, nil
}
