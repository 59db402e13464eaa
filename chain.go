package logarchive

import (
	"github.com/cockroachdb/errors"
)

// ChainState is the lifecycle state of a ChainBuilder.
type ChainState int

const (
	// ChainEmpty indicates no seed and no records yet.
	ChainEmpty ChainState = iota
	// ChainBuilding indicates the chain is seeded and accepting records.
	ChainBuilding
	// ChainSealed indicates the final link was handed out; no more appends.
	ChainSealed
)

func (s ChainState) String() string {
	switch s {
	case ChainEmpty:
		return "empty"
	case ChainBuilding:
		return "building"
	case ChainSealed:
		return "sealed"
	}
	return "unknown"
}

// ChainStep is one record's contribution to a chain.
type ChainStep struct {
	RecordDigest DigestValue
	Link         DigestValue
}

// HashChain holds what an independent verifier needs to recompute every link
// of a batch from the record digests alone.
type HashChain struct {
	Seed  DigestValue
	Steps []ChainStep
}

// Final returns the last link, or the seed for a chain without steps.
func (hc HashChain) Final() DigestValue {
	if len(hc.Steps) == 0 {
		return hc.Seed
	}
	return hc.Steps[len(hc.Steps)-1].Link
}

// Encode returns the canonical digest list [seed, d1, l1, …, dn, ln].
func (hc HashChain) Encode() ([]byte, error) {
	list := make(DigestList, 0, 1+2*len(hc.Steps))
	list = append(list, hc.Seed)
	for _, s := range hc.Steps {
		list = append(list, s.RecordDigest, s.Link)
	}
	return Canonicalize(list)
}

// DecodeHashChain parses the output of HashChain.Encode.
func DecodeHashChain(b []byte) (HashChain, error) {
	list, err := DecodeDigestList(b)
	if err != nil {
		return HashChain{}, err
	}
	if len(list) < 3 || len(list)%2 == 0 {
		return HashChain{}, errors.Wrapf(ErrMalformedArchive, "hash chain has %d entries", len(list))
	}
	hc := HashChain{Seed: list[0], Steps: make([]ChainStep, 0, len(list)/2)}
	for i := 1; i < len(list); i += 2 {
		hc.Steps = append(hc.Steps, ChainStep{RecordDigest: list[i], Link: list[i+1]})
	}
	return hc, nil
}

// EncodeHashChainResult returns the canonical form of a final link, the
// bytes that get signed for a batch.
func EncodeHashChainResult(final DigestValue) ([]byte, error) {
	return Canonicalize(DigestList{final})
}

// DecodeHashChainResult parses the output of EncodeHashChainResult.
func DecodeHashChainResult(b []byte) (DigestValue, error) {
	list, err := DecodeDigestList(b)
	if err != nil {
		return DigestValue{}, err
	}
	if len(list) != 1 {
		return DigestValue{}, errors.Wrapf(ErrMalformedArchive, "hash chain result has %d entries", len(list))
	}
	return list[0], nil
}

// ChainBuilder extends a batch's hash chain one record at a time:
//
//	link[i] = DigestStep(alg, [link[i-1], recordDigest[i]]), link[-1] = seed
//
// A builder serves exactly one batch and is not safe for concurrent use.
type ChainBuilder struct {
	alg     Algorithm
	state   ChainState
	seed    DigestValue
	current DigestValue
	steps   []ChainStep
}

// NewChainBuilder returns an empty builder that links with alg.
func NewChainBuilder(alg Algorithm) (*ChainBuilder, error) {
	if !alg.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "algorithm %d", alg)
	}
	return &ChainBuilder{alg: alg}, nil
}

// State returns the builder's lifecycle state.
func (b *ChainBuilder) State() ChainState { return b.state }

// Len returns the number of appended records.
func (b *ChainBuilder) Len() int { return len(b.steps) }

// Start seeds the chain with ZeroSeed (first batch ever) or the previous
// archive's final link.
func (b *ChainBuilder) Start(seed DigestValue) error {
	if b.state == ChainSealed {
		return ErrChainSealed
	}
	if b.state != ChainEmpty {
		return ErrChainStarted
	}
	if seed.alg != b.alg {
		return errors.Wrapf(ErrUnsupportedAlgorithm, "seed is %s, chain uses %s", seed.alg, b.alg)
	}
	b.seed = seed
	b.current = seed
	b.state = ChainBuilding
	return nil
}

// Append links recordDigest into the chain and returns the new link.
func (b *ChainBuilder) Append(recordDigest DigestValue) (DigestValue, error) {
	switch b.state {
	case ChainEmpty:
		return DigestValue{}, ErrChainNotStarted
	case ChainSealed:
		return DigestValue{}, ErrChainSealed
	}
	link, err := DigestStep(b.alg, DigestList{b.current, recordDigest})
	if err != nil {
		return DigestValue{}, errors.Wrapf(err, "append record %d", len(b.steps))
	}
	b.steps = append(b.steps, ChainStep{RecordDigest: recordDigest, Link: link})
	b.current = link
	return link, nil
}

// Seal closes the batch and returns the final link with the chain artifact.
func (b *ChainBuilder) Seal() (DigestValue, HashChain, error) {
	switch b.state {
	case ChainSealed:
		return DigestValue{}, HashChain{}, ErrChainSealed
	case ChainEmpty:
		return DigestValue{}, HashChain{}, ErrEmptyBatch
	}
	if len(b.steps) == 0 {
		return DigestValue{}, HashChain{}, ErrEmptyBatch
	}
	b.state = ChainSealed
	steps := make([]ChainStep, len(b.steps))
	copy(steps, b.steps)
	return b.current, HashChain{Seed: b.seed, Steps: steps}, nil
}

// ReplayChain recomputes the chain for digests starting at seed.
func ReplayChain(alg Algorithm, seed DigestValue, digests []DigestValue) (HashChain, error) {
	b, err := NewChainBuilder(alg)
	if err != nil {
		return HashChain{}, err
	}
	if err := b.Start(seed); err != nil {
		return HashChain{}, err
	}
	for _, d := range digests {
		if _, err := b.Append(d); err != nil {
			return HashChain{}, err
		}
	}
	_, hc, err := b.Seal()
	return hc, err
}
