package logarchive

import (
	"crypto/hmac"

	"github.com/cockroachdb/errors"
)

// SignatureData is one signature stored in an archive. A batch signature
// signs the digest of HashChainResult and carries the chain needed to tie
// each record to it. A non-batch signature signs exactly one record digest.
type SignatureData struct {
	Signature       []byte
	HashChainResult []byte
	HashChain       []byte
}

// IsBatch reports whether both chain artifacts are present.
func (s SignatureData) IsBatch() bool {
	return len(s.HashChainResult) > 0 && len(s.HashChain) > 0
}

// NewBatchSignature assembles SignatureData from a sealed chain.
func NewBatchSignature(sig []byte, hc HashChain) (SignatureData, error) {
	result, err := EncodeHashChainResult(hc.Final())
	if err != nil {
		return SignatureData{}, err
	}
	chain, err := hc.Encode()
	if err != nil {
		return SignatureData{}, err
	}
	return SignatureData{
		Signature:       append([]byte(nil), sig...),
		HashChainResult: result,
		HashChain:       chain,
	}, nil
}

// SignedDigest returns the digest a signer was asked to sign for s: the digest
// of the hash chain result for batches, otherwise recordDigest itself.
func (s SignatureData) SignedDigest(alg Algorithm, recordDigest DigestValue) (DigestValue, error) {
	if !s.IsBatch() {
		return recordDigest, nil
	}
	return Digest(alg, s.HashChainResult)
}

// checkChainResult verifies that the result entry equals the chain's last link.
func (s SignatureData) checkChainResult() (HashChain, error) {
	hc, err := DecodeHashChain(s.HashChain)
	if err != nil {
		return HashChain{}, err
	}
	final, err := DecodeHashChainResult(s.HashChainResult)
	if err != nil {
		return HashChain{}, err
	}
	last := hc.Final()
	if final.alg != last.alg || !hmac.Equal(final.Bytes(), last.Bytes()) {
		return HashChain{}, errors.Wrapf(ErrInconsistentBatch,
			"hash chain result %s does not match last link %s", final, last)
	}
	return hc, nil
}
