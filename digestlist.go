package logarchive

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// DigestListVersion is the canonical encoding version written by Canonicalize.
const DigestListVersion = 1

// Field numbers of the canonical digest list encoding:
//
//	DigestList  := 1:varint version, {2:bytes DigestEntry}
//	DigestEntry := 1:bytes value, 2:bytes algorithm URI, 3:bytes transforms
//
// Fields are always written in this order. Transforms is always present and
// always empty.
const (
	fieldListVersion protowire.Number = 1
	fieldListEntry   protowire.Number = 2

	fieldEntryValue      protowire.Number = 1
	fieldEntryAlgorithm  protowire.Number = 2
	fieldEntryTransforms protowire.Number = 3
)

// DigestList is an ordered sequence of digests. Order is part of what gets hashed.
type DigestList []DigestValue

// Canonicalize encodes values into their deterministic byte form.
func Canonicalize(values DigestList) ([]byte, error) {
	b := protowire.AppendTag(nil, fieldListVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, DigestListVersion)
	for i, v := range values {
		if !v.alg.Valid() {
			return nil, errors.Wrapf(ErrEncoding, "entry %d: empty or unknown algorithm tag", i)
		}
		b = protowire.AppendTag(b, fieldListEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeEntry(v))
	}
	return b, nil
}

func encodeEntry(v DigestValue) []byte {
	e := protowire.AppendTag(nil, fieldEntryValue, protowire.BytesType)
	e = protowire.AppendBytes(e, v.buf[:v.alg.Size()])
	e = protowire.AppendTag(e, fieldEntryAlgorithm, protowire.BytesType)
	e = protowire.AppendString(e, v.alg.URI())
	e = protowire.AppendTag(e, fieldEntryTransforms, protowire.BytesType)
	return protowire.AppendBytes(e, nil)
}

// DigestStep hashes the canonical encoding of values with alg.
func DigestStep(alg Algorithm, values DigestList) (DigestValue, error) {
	if !alg.Valid() {
		return DigestValue{}, errors.Wrapf(ErrUnsupportedAlgorithm, "algorithm %d", alg)
	}
	b, err := Canonicalize(values)
	if err != nil {
		return DigestValue{}, err
	}
	return Digest(alg, b)
}

// DecodeDigestList parses a canonical digest list. Input that Canonicalize
// would not have produced byte for byte is rejected.
func DecodeDigestList(b []byte) (DigestList, error) {
	rest := b
	num, typ, n := protowire.ConsumeTag(rest)
	if n < 0 || num != fieldListVersion || typ != protowire.VarintType {
		return nil, errors.Wrap(ErrMalformedArchive, "digest list: missing version")
	}
	rest = rest[n:]
	version, n := protowire.ConsumeVarint(rest)
	if n < 0 {
		return nil, errors.Wrap(ErrMalformedArchive, "digest list: bad version")
	}
	rest = rest[n:]
	if version > DigestListVersion {
		return nil, errors.Wrapf(ErrUnsupportedFormatVersion, "digest list version %d", version)
	}
	if version != DigestListVersion {
		return nil, errors.Wrapf(ErrMalformedArchive, "digest list version %d", version)
	}

	var out DigestList
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 || num != fieldListEntry || typ != protowire.BytesType {
			return nil, errors.Wrapf(ErrMalformedArchive, "digest list: unexpected field at entry %d", len(out))
		}
		rest = rest[n:]
		raw, n := protowire.ConsumeBytes(rest)
		if n < 0 {
			return nil, errors.Wrapf(ErrMalformedArchive, "digest list: truncated entry %d", len(out))
		}
		rest = rest[n:]
		v, err := decodeEntry(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "digest list entry %d", len(out))
		}
		out = append(out, v)
	}

	again, err := Canonicalize(out)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(again, b) {
		return nil, errors.Wrap(ErrMalformedArchive, "digest list is not canonical")
	}
	return out, nil
}

func decodeEntry(b []byte) (DigestValue, error) {
	fields := [...]protowire.Number{fieldEntryValue, fieldEntryAlgorithm, fieldEntryTransforms}
	var vals [3][]byte
	for i, want := range fields {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || num != want || typ != protowire.BytesType {
			return DigestValue{}, errors.Wrapf(ErrMalformedArchive, "missing field %d", want)
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return DigestValue{}, errors.Wrapf(ErrMalformedArchive, "truncated field %d", want)
		}
		b = b[n:]
		vals[i] = v
	}
	if len(b) != 0 {
		return DigestValue{}, errors.Wrap(ErrMalformedArchive, "trailing bytes in entry")
	}
	if len(vals[2]) != 0 {
		return DigestValue{}, errors.Wrap(ErrMalformedArchive, "transforms are not supported")
	}
	alg, err := algorithmFromURI(string(vals[1]))
	if err != nil {
		return DigestValue{}, err
	}
	v, err := NewDigestValue(alg, vals[0])
	if err != nil {
		return DigestValue{}, errors.Mark(errors.Wrap(err, "entry value"), ErrMalformedArchive)
	}
	return v, nil
}
