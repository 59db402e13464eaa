package logarchive

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/cockroachdb/errors"
)

// MaxDigestSize is the largest digest any supported algorithm produces.
const MaxDigestSize = sha512.Size

// Algorithm identifies a hash function. The zero value is not a valid algorithm.
type Algorithm uint8

// Supported algorithms.
const (
	SHA256 Algorithm = iota + 1
	SHA384
	SHA512
)

type algorithmInfo struct {
	id   string
	uri  string
	size int
	new  func() hash.Hash
}

var algorithms = map[Algorithm]algorithmInfo{
	SHA256: {id: "SHA-256", uri: "http://www.w3.org/2001/04/xmlenc#sha256", size: sha256.Size, new: sha256.New},
	SHA384: {id: "SHA-384", uri: "http://www.w3.org/2001/04/xmldsig-more#sha384", size: sha512.Size384, new: sha512.New384},
	SHA512: {id: "SHA-512", uri: "http://www.w3.org/2001/04/xmlenc#sha512", size: sha512.Size, new: sha512.New},
}

// ParseAlgorithm accepts an identifier ("SHA-512", "sha512") or an XML-DSig URI.
func ParseAlgorithm(s string) (Algorithm, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	for alg, info := range algorithms {
		if s == info.uri || norm == strings.ReplaceAll(info.id, "-", "") {
			return alg, nil
		}
	}
	return 0, errors.Wrapf(ErrUnsupportedAlgorithm, "%q", s)
}

func algorithmFromURI(uri string) (Algorithm, error) {
	for alg, info := range algorithms {
		if uri == info.uri {
			return alg, nil
		}
	}
	return 0, errors.Wrapf(ErrUnsupportedAlgorithm, "uri %q", uri)
}

// Valid reports whether a is a supported algorithm.
func (a Algorithm) Valid() bool {
	_, ok := algorithms[a]
	return ok
}

// String returns the algorithm identifier, e.g. "SHA-512".
func (a Algorithm) String() string {
	if info, ok := algorithms[a]; ok {
		return info.id
	}
	return "unknown"
}

// URI returns the XML-DSig algorithm URI, or "" for an invalid algorithm.
func (a Algorithm) URI() string {
	return algorithms[a].uri
}

// Size returns the digest length in bytes, or 0 for an invalid algorithm.
func (a Algorithm) Size() int {
	return algorithms[a].size
}

// DigestValue is an algorithm-tagged digest. It is comparable with ==.
type DigestValue struct {
	alg Algorithm
	buf [MaxDigestSize]byte
}

// NewDigestValue builds a DigestValue from raw bytes, checking the length
// against the algorithm.
func NewDigestValue(alg Algorithm, b []byte) (DigestValue, error) {
	if !alg.Valid() {
		return DigestValue{}, errors.Wrapf(ErrUnsupportedAlgorithm, "algorithm %d", alg)
	}
	if len(b) != alg.Size() {
		return DigestValue{}, errors.Newf("%s digest must be %d bytes, got %d", alg, alg.Size(), len(b))
	}
	var d DigestValue
	d.alg = alg
	copy(d.buf[:], b)
	return d, nil
}

// ParseDigestHex decodes a hex encoded digest of the given algorithm.
func ParseDigestHex(alg Algorithm, s string) (DigestValue, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return DigestValue{}, errors.Wrap(err, "decode hex digest")
	}
	return NewDigestValue(alg, b)
}

// Algorithm returns the algorithm that produced d.
func (d DigestValue) Algorithm() Algorithm { return d.alg }

// Bytes returns a copy of the digest bytes.
func (d DigestValue) Bytes() []byte {
	out := make([]byte, d.alg.Size())
	copy(out, d.buf[:])
	return out
}

// IsZero reports whether d is the zero DigestValue (no algorithm).
func (d DigestValue) IsZero() bool { return d.alg == 0 }

// Hex returns the lowercase hex encoding of the digest bytes.
func (d DigestValue) Hex() string {
	return hex.EncodeToString(d.buf[:d.alg.Size()])
}

func (d DigestValue) String() string {
	return d.alg.String() + ":" + d.Hex()
}

// Digest hashes data with alg.
func Digest(alg Algorithm, data []byte) (DigestValue, error) {
	info, ok := algorithms[alg]
	if !ok {
		return DigestValue{}, errors.Wrapf(ErrUnsupportedAlgorithm, "algorithm %d", alg)
	}
	h := info.new()
	_, _ = h.Write(data)
	var d DigestValue
	d.alg = alg
	h.Sum(d.buf[:0])
	return d, nil
}

// ZeroSeed is the seed of the first batch ever written for a history:
// a digest of alg's size with every byte zero.
func ZeroSeed(alg Algorithm) DigestValue {
	return DigestValue{alg: alg}
}
