package zksync

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// LocalSigner signs transaction payloads with an in-process ed25519 key
// derived from the operator's private key seed. The pubKeyHash is the
// "sync:"-prefixed truncated hash of the public key, matching the form
// the node reports in account_info.
type LocalSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	pkh  string
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner builds a signer from a hex-encoded 32-byte seed.
func NewLocalSigner(seedHex string) (*LocalSigner, error) {
	seed, err := hex.DecodeString(trimHexPrefix(seedHex))
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &LocalSigner{
		priv: priv,
		pub:  pub,
		pkh:  "sync:" + hex.EncodeToString(sum[:20]),
	}, nil
}

func (s *LocalSigner) Sign(payload []byte) (Signature, error) {
	sig := ed25519.Sign(s.priv, payload)
	return Signature{
		PubKey:    hex.EncodeToString(s.pub),
		Signature: hex.EncodeToString(sig),
	}, nil
}

func (s *LocalSigner) PubKeyHash() string {
	return s.pkh
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
