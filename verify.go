package logarchive

import (
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
)

// VerifyOptions enables the optional checks of VerifyArchive.
type VerifyOptions struct {
	// Verifier, when set, checks every signature against the digest it signs.
	Verifier SignatureVerifier
	// RequireTimestamp fails archives without a time-stamp token.
	RequireTimestamp bool
}

// VerificationResult summarizes a successfully verified archive.
type VerificationResult struct {
	Group      string
	Sequence   uint64
	Records    int
	Signatures int
	Algorithm  Algorithm
	FinalHash  DigestValue
	Timestamp  *TimestampInfo
}

// VerifyArchive replays the archive's chain from seed without trusting any
// stored digest: every record digest is recomputed from the part data, every
// link from its predecessor, and the last link is compared with the final
// hash in the manifest. The first divergence is returned as a
// *ChainMismatchError.
func VerifyArchive(c *Container, seed DigestValue, opts VerifyOptions) (VerificationResult, error) {
	alg := c.Algorithm()
	if seed.Algorithm() != alg {
		return VerificationResult{}, errors.Wrapf(ErrInput, "seed is %s, archive uses %s", seed.Algorithm(), alg)
	}
	codec, err := NewRecordCodec(alg)
	if err != nil {
		return VerificationResult{}, err
	}

	link := seed
	for k, sig := range c.Signatures {
		ms := c.Manifest.Signatures[k]
		records := c.Records[ms.First : ms.First+ms.Count]

		var hc HashChain
		if sig.IsBatch() {
			if hc, err = DecodeHashChain(sig.HashChain); err != nil {
				return VerificationResult{}, err
			}
			if hc.Seed != link {
				switch {
				case k == 0:
					return VerificationResult{}, mismatch(0, "seed", hc.Seed.Bytes(), link.Bytes())
				case !c.Signatures[k-1].IsBatch():
					// A non-batch record's link is stored nowhere, so the
					// divergence surfaces here and belongs to that record.
					return VerificationResult{}, mismatch(ms.First, "link", hc.Seed.Bytes(), link.Bytes())
				}
				return VerificationResult{}, mismatch(ms.First+1, "seed", hc.Seed.Bytes(), link.Bytes())
			}
		}

		for j, r := range records {
			i := ms.First + j
			d, err := codec.DigestRecord(r.Parts)
			if err != nil {
				return VerificationResult{}, errors.Wrapf(err, "record %d", i+1)
			}
			if link, err = DigestStep(alg, DigestList{link, d}); err != nil {
				return VerificationResult{}, err
			}
			if !sig.IsBatch() {
				if err := checkSignature(opts.Verifier, k, i+1, alg, d, sig.Signature); err != nil {
					return VerificationResult{}, err
				}
				continue
			}
			step := hc.Steps[j]
			if step.RecordDigest != d {
				return VerificationResult{}, mismatch(i+1, "record digest", step.RecordDigest.Bytes(), d.Bytes())
			}
			if step.Link != link {
				return VerificationResult{}, mismatch(i+1, "link", step.Link.Bytes(), link.Bytes())
			}
		}

		if sig.IsBatch() {
			last := ms.First + ms.Count
			result, err := DecodeHashChainResult(sig.HashChainResult)
			if err != nil {
				return VerificationResult{}, err
			}
			if result != link {
				return VerificationResult{}, mismatch(last, "hash chain result", result.Bytes(), link.Bytes())
			}
			signed, err := sig.SignedDigest(alg, link)
			if err != nil {
				return VerificationResult{}, err
			}
			if err := checkSignature(opts.Verifier, k, ms.First+1, alg, signed, sig.Signature); err != nil {
				return VerificationResult{}, err
			}
		}
	}

	if link != c.FinalHash() {
		if n := len(c.Signatures); n > 0 && !c.Signatures[n-1].IsBatch() {
			return VerificationResult{}, mismatch(len(c.Records), "link", c.FinalHash().Bytes(), link.Bytes())
		}
		return VerificationResult{}, mismatch(0, "final hash", c.FinalHash().Bytes(), link.Bytes())
	}

	res := VerificationResult{
		Group:      c.Manifest.Group,
		Sequence:   c.Manifest.Sequence,
		Records:    len(c.Records),
		Signatures: len(c.Signatures),
		Algorithm:  alg,
		FinalHash:  link,
	}
	switch {
	case len(c.TimestampToken) > 0:
		info, err := VerifyTimestampToken(c.TimestampToken, c.Signatures[len(c.Signatures)-1].Signature)
		if err != nil {
			return VerificationResult{}, err
		}
		res.Timestamp = &info
	case opts.RequireTimestamp:
		return VerificationResult{}, mismatch(0, "time-stamp", nil, nil)
	}
	return res, nil
}

func checkSignature(v SignatureVerifier, k, record int, alg Algorithm, digest DigestValue, sig []byte) error {
	if v == nil {
		return nil
	}
	if err := v.Verify(alg, digest.Bytes(), sig); err != nil {
		return errors.WithSecondaryError(mismatch(record, "signature "+strconv.Itoa(k), nil, nil), err)
	}
	return nil
}

// VerifySequence verifies the archives of one group in sequence order, each
// archive's final hash seeding the next one. seed starts the first archive;
// ZeroSeed is only accepted when the first archive has sequence 1, since an
// archive whose predecessor is missing cannot be verified at all.
func VerifySequence(archives []*Container, seed DigestValue, opts VerifyOptions) ([]VerificationResult, error) {
	if len(archives) == 0 {
		return nil, errors.Wrap(ErrInput, "no archives")
	}
	sorted := make([]*Container, len(archives))
	copy(sorted, archives)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Manifest.Sequence < sorted[j].Manifest.Sequence
	})

	first := sorted[0].Manifest
	if first.Sequence > 1 && seed == ZeroSeed(seed.Algorithm()) {
		return nil, gap("archives before sequence %d of group %q are missing", first.Sequence, first.Group)
	}

	results := make([]VerificationResult, 0, len(sorted))
	for i, c := range sorted {
		m := c.Manifest
		if m.Group != first.Group {
			return results, errors.Wrapf(ErrInput, "archive %d belongs to group %q, not %q", m.Sequence, m.Group, first.Group)
		}
		if i > 0 && m.Sequence != first.Sequence+uint64(i) {
			return results, gap("group %q: expected sequence %d, found %d", m.Group, first.Sequence+uint64(i), m.Sequence)
		}
		res, err := VerifyArchive(c, seed, opts)
		if err != nil {
			return results, errors.Wrapf(err, "archive %d", m.Sequence)
		}
		results = append(results, res)
		seed = res.FinalHash
	}
	return results, nil
}

func gap(format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(ErrArchiveGap, format, args...), ErrInvalidLogArchive)
}
