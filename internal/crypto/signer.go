package crypto

import (
	"crypto/ed25519"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer holds the fee payer keypair.
type Signer struct {
	key    solana.PrivateKey
	pubkey solana.PublicKey
}

// NewSigner wraps a 64-byte ed25519 secret key.
func NewSigner(secret ed25519.PrivateKey) (*Signer, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("crypto/signer: expected %d-byte key, got %d", ed25519.PrivateKeySize, len(secret))
	}
	key := solana.PrivateKey(append([]byte(nil), secret...))
	return &Signer{key: key, pubkey: key.PublicKey()}, nil
}

// LoadSigner is LoadKey followed by NewSigner.
func LoadSigner(cfg KeyConfig) (*Signer, error) {
	secret, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewSigner(secret)
}

// PublicKey is the payer address.
func (s *Signer) PublicKey() solana.PublicKey { return s.pubkey }

// Address is the base58 payer address.
func (s *Signer) Address() string { return s.pubkey.String() }

// Sign signs message with the payer key.
func (s *Signer) Sign(message []byte) (solana.Signature, error) {
	sig, err := s.key.Sign(message)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("crypto/signer: %w", err)
	}
	return sig, nil
}

// KeyFor is the lookup solana.Transaction.Sign expects. It only knows the
// payer.
func (s *Signer) KeyFor(pub solana.PublicKey) *solana.PrivateKey {
	if pub.Equals(s.pubkey) {
		return &s.key
	}
	return nil
}
