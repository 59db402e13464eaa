package logarchive

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"

	"github.com/cockroachdb/errors"
)

// SignerResult is what a signing service returns for one digest.
type SignerResult struct {
	Signature      []byte
	TimestampToken []byte
}

// Signer signs a digest. Implementations never expose key material.
type Signer interface {
	Sign(ctx context.Context, alg Algorithm, digest []byte) (SignerResult, error)
}

// SignatureVerifier checks a signature made over a digest.
type SignatureVerifier interface {
	Verify(alg Algorithm, digest, signature []byte) error
}

const (
	ed25519PEMType       = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType = "ED25519 PUBLIC KEY"
)

// Ed25519Signer signs digests with a local ed25519 key.
type Ed25519Signer struct {
	PrivateKey ed25519.PrivateKey
}

// GenerateEd25519Signer creates a signer with a fresh key.
func GenerateEd25519Signer() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate ed25519 key")
	}
	return &Ed25519Signer{PrivateKey: priv}, nil
}

// LoadEd25519Signer reads a PEM encoded ed25519 seed written by SaveKey.
func LoadEd25519Signer(path string) (*Ed25519Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read signing key %s", path)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != ed25519PEMType {
		return nil, errors.Newf("%s: no %s block", path, ed25519PEMType)
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return nil, errors.Newf("%s: seed must be %d bytes, got %d", path, ed25519.SeedSize, len(block.Bytes))
	}
	return &Ed25519Signer{PrivateKey: ed25519.NewKeyFromSeed(block.Bytes)}, nil
}

// SaveKey writes the signer's seed as PEM with owner-only permissions.
func (s *Ed25519Signer) SaveKey(path string) error {
	data := pem.EncodeToMemory(&pem.Block{Type: ed25519PEMType, Bytes: s.PrivateKey.Seed()})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrapf(err, "write signing key %s", path)
	}
	return nil
}

// Public returns the verification counterpart of the signer.
func (s *Ed25519Signer) Public() Ed25519Verifier {
	return Ed25519Verifier{PublicKey: s.PrivateKey.Public().(ed25519.PublicKey)}
}

// Sign signs digest. The algorithm is bound into the signed bytes so a digest
// cannot be replayed under a different algorithm.
func (s *Ed25519Signer) Sign(_ context.Context, alg Algorithm, digest []byte) (SignerResult, error) {
	if len(digest) != alg.Size() {
		return SignerResult{}, errors.Newf("digest length %d does not match %s", len(digest), alg)
	}
	return SignerResult{Signature: ed25519.Sign(s.PrivateKey, signedBytes(alg, digest))}, nil
}

// Ed25519Verifier verifies signatures made by Ed25519Signer.
type Ed25519Verifier struct {
	PublicKey ed25519.PublicKey
}

// LoadEd25519Verifier reads a PEM encoded public key written by SavePublicKey.
func LoadEd25519Verifier(path string) (Ed25519Verifier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Ed25519Verifier{}, errors.Wrapf(err, "read public key %s", path)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != ed25519PublicPEMType {
		return Ed25519Verifier{}, errors.Newf("%s: no %s block", path, ed25519PublicPEMType)
	}
	if len(block.Bytes) != ed25519.PublicKeySize {
		return Ed25519Verifier{}, errors.Newf("%s: public key must be %d bytes, got %d", path, ed25519.PublicKeySize, len(block.Bytes))
	}
	return Ed25519Verifier{PublicKey: ed25519.PublicKey(block.Bytes)}, nil
}

// SavePublicKey writes the public key as PEM.
func (v Ed25519Verifier) SavePublicKey(path string) error {
	data := pem.EncodeToMemory(&pem.Block{Type: ed25519PublicPEMType, Bytes: v.PublicKey})
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "write public key %s", path)
	}
	return nil
}

// Verify implements SignatureVerifier.
func (v Ed25519Verifier) Verify(alg Algorithm, digest, signature []byte) error {
	if !ed25519.Verify(v.PublicKey, signedBytes(alg, digest), signature) {
		return errors.New("ed25519 signature does not verify")
	}
	return nil
}

func signedBytes(alg Algorithm, digest []byte) []byte {
	uri := alg.URI()
	out := make([]byte, 0, len(uri)+1+len(digest))
	out = append(out, uri...)
	out = append(out, 0)
	return append(out, digest...)
}

// TimestampingSigner signs with Signer and then timestamps the signature bytes.
type TimestampingSigner struct {
	Signer      Signer
	Timestamper Timestamper
}

// Sign implements Signer.
func (s *TimestampingSigner) Sign(ctx context.Context, alg Algorithm, digest []byte) (SignerResult, error) {
	res, err := s.Signer.Sign(ctx, alg, digest)
	if err != nil {
		return SignerResult{}, err
	}
	token, err := s.Timestamper.Timestamp(ctx, res.Signature)
	if err != nil {
		return SignerResult{}, errors.Wrap(err, "timestamp signature")
	}
	res.TimestampToken = token
	return res, nil
}
