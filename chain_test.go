package logarchive

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(t *testing.T, prev, d DigestValue) DigestValue {
	t.Helper()
	link, err := DigestStep(prev.Algorithm(), DigestList{prev, d})
	require.NoError(t, err)
	return link
}

func TestChainBuilderThreeRecords(t *testing.T) {
	seed := ZeroSeed(SHA512)
	d1 := mustDigest(t, SHA512, "record 1")
	d2 := mustDigest(t, SHA512, "record 2")
	d3 := mustDigest(t, SHA512, "record 3")

	b, err := NewChainBuilder(SHA512)
	require.NoError(t, err)
	assert.Equal(t, ChainEmpty, b.State())
	require.NoError(t, b.Start(seed))
	assert.Equal(t, ChainBuilding, b.State())

	link1, err := b.Append(d1)
	require.NoError(t, err)
	link2, err := b.Append(d2)
	require.NoError(t, err)
	link3, err := b.Append(d3)
	require.NoError(t, err)
	assert.Equal(t, 3, b.Len())

	assert.Equal(t, step(t, seed, d1), link1)
	assert.Equal(t, step(t, link1, d2), link2)
	assert.Equal(t, step(t, link2, d3), link3)

	final, hc, err := b.Seal()
	require.NoError(t, err)
	assert.Equal(t, ChainSealed, b.State())
	assert.Equal(t, link3, final)
	assert.Equal(t, seed, hc.Seed)
	assert.Equal(t, []ChainStep{{d1, link1}, {d2, link2}, {d3, link3}}, hc.Steps)
	assert.Equal(t, final, hc.Final())

	// Replaying with d2 altered diverges from link2 on.
	replayed, err := ReplayChain(SHA512, seed, []DigestValue{d1, mustDigest(t, SHA512, "forged"), d3})
	require.NoError(t, err)
	assert.Equal(t, link1, replayed.Steps[0].Link)
	assert.NotEqual(t, link2, replayed.Steps[1].Link)
	assert.NotEqual(t, final, replayed.Final())
}

func TestChainContinuity(t *testing.T) {
	digests := []DigestValue{
		mustDigest(t, SHA256, "a"), mustDigest(t, SHA256, "b"), mustDigest(t, SHA256, "c"), mustDigest(t, SHA256, "d"),
	}
	whole, err := ReplayChain(SHA256, ZeroSeed(SHA256), digests)
	require.NoError(t, err)

	first, err := ReplayChain(SHA256, ZeroSeed(SHA256), digests[:2])
	require.NoError(t, err)
	second, err := ReplayChain(SHA256, first.Final(), digests[2:])
	require.NoError(t, err)

	assert.Equal(t, whole.Final(), second.Final(), "splitting a history into batches keeps the final link")
}

func TestChainOrderSensitivity(t *testing.T) {
	a, b := mustDigest(t, SHA384, "a"), mustDigest(t, SHA384, "b")
	ab, err := ReplayChain(SHA384, ZeroSeed(SHA384), []DigestValue{a, b})
	require.NoError(t, err)
	ba, err := ReplayChain(SHA384, ZeroSeed(SHA384), []DigestValue{b, a})
	require.NoError(t, err)
	assert.NotEqual(t, ab.Final(), ba.Final())
}

func TestChainBuilderStateErrors(t *testing.T) {
	d := mustDigest(t, SHA256, "x")

	b, err := NewChainBuilder(SHA256)
	require.NoError(t, err)
	_, err = b.Append(d)
	assert.True(t, errors.Is(err, ErrChainNotStarted))
	_, _, err = b.Seal()
	assert.True(t, errors.Is(err, ErrEmptyBatch))

	require.NoError(t, b.Start(ZeroSeed(SHA256)))
	assert.True(t, errors.Is(b.Start(ZeroSeed(SHA256)), ErrChainStarted))
	_, _, err = b.Seal()
	assert.True(t, errors.Is(err, ErrEmptyBatch), "sealing without records")

	_, err = b.Append(d)
	require.NoError(t, err)
	_, _, err = b.Seal()
	require.NoError(t, err)

	_, err = b.Append(d)
	assert.True(t, errors.Is(err, ErrChainSealed))
	_, _, err = b.Seal()
	assert.True(t, errors.Is(err, ErrChainSealed))
	assert.True(t, errors.Is(b.Start(ZeroSeed(SHA256)), ErrChainSealed))

	_, err = NewChainBuilder(Algorithm(0))
	assert.True(t, errors.Is(err, ErrUnsupportedAlgorithm))

	b, err = NewChainBuilder(SHA512)
	require.NoError(t, err)
	assert.True(t, errors.Is(b.Start(ZeroSeed(SHA256)), ErrUnsupportedAlgorithm), "seed of another algorithm")
	assert.True(t, errors.Is(b.Start(DigestValue{}), ErrUnsupportedAlgorithm))
	assert.Equal(t, ChainEmpty, b.State())
}

func TestHashChainEncoding(t *testing.T) {
	digests := []DigestValue{mustDigest(t, SHA512, "1"), mustDigest(t, SHA512, "2")}
	hc, err := ReplayChain(SHA512, ZeroSeed(SHA512), digests)
	require.NoError(t, err)

	raw, err := hc.Encode()
	require.NoError(t, err)
	list, err := DecodeDigestList(raw)
	require.NoError(t, err)
	assert.Equal(t, DigestList{hc.Seed, digests[0], hc.Steps[0].Link, digests[1], hc.Steps[1].Link}, list)

	decoded, err := DecodeHashChain(raw)
	require.NoError(t, err)
	assert.Equal(t, hc, decoded)

	result, err := EncodeHashChainResult(hc.Final())
	require.NoError(t, err)
	final, err := DecodeHashChainResult(result)
	require.NoError(t, err)
	assert.Equal(t, hc.Final(), final)

	// A result is not a chain and a chain is not a result.
	_, err = DecodeHashChain(result)
	assert.True(t, errors.Is(err, ErrMalformedArchive))
	_, err = DecodeHashChainResult(raw)
	assert.True(t, errors.Is(err, ErrMalformedArchive))
}

func TestSignatureDataConsistency(t *testing.T) {
	hc, err := ReplayChain(SHA256, ZeroSeed(SHA256), []DigestValue{mustDigest(t, SHA256, "r")})
	require.NoError(t, err)
	sig, err := NewBatchSignature([]byte("sig"), hc)
	require.NoError(t, err)
	assert.True(t, sig.IsBatch())
	_, err = sig.checkChainResult()
	require.NoError(t, err)

	other, err := EncodeHashChainResult(mustDigest(t, SHA256, "other"))
	require.NoError(t, err)
	sig.HashChainResult = other
	_, err = sig.checkChainResult()
	assert.True(t, errors.Is(err, ErrInconsistentBatch))

	assert.False(t, SignatureData{Signature: []byte("s")}.IsBatch())
	rd := mustDigest(t, SHA256, "record")
	signed, err := SignatureData{Signature: []byte("s")}.SignedDigest(SHA256, rd)
	require.NoError(t, err)
	assert.Equal(t, rd, signed, "a non-batch signature signs the record digest itself")
}
