package logarchive

import (
	"bytes"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// ManifestVersion is the newest archive layout this package reads and writes.
const ManifestVersion = 1

// Manifest describes an archive's records, parts and signatures.
type Manifest struct {
	FormatVersion int                 `yaml:"format_version"`
	HashAlgorithm string              `yaml:"hash_algorithm"`
	Group         string              `yaml:"group,omitempty"`
	Sequence      uint64              `yaml:"sequence"`
	CreatedAt     int64               `yaml:"created_at"`
	FinalHash     string              `yaml:"final_hash"`
	Records       []ManifestRecord    `yaml:"records"`
	Signatures    []ManifestSignature `yaml:"signatures"`
}

// ManifestRecord lists one record and the entries holding its parts.
type ManifestRecord struct {
	ID        uint64         `yaml:"id"`
	QueryID   string         `yaml:"query_id"`
	Direction string         `yaml:"direction"`
	LoggedAt  int64          `yaml:"logged_at"`
	Signature int            `yaml:"signature"`
	Parts     []ManifestPart `yaml:"parts"`
}

// ManifestPart names one part entry.
type ManifestPart struct {
	Name          string `yaml:"name"`
	HashAlgorithm string `yaml:"hash_algorithm"`
	Entry         string `yaml:"entry"`
}

// ManifestSignature records which contiguous records a signature covers.
type ManifestSignature struct {
	Index int  `yaml:"index"`
	First int  `yaml:"first"`
	Count int  `yaml:"count"`
	Batch bool `yaml:"batch"`
}

// Created returns CreatedAt as a time.
func (m Manifest) Created() time.Time {
	return time.UnixMilli(m.CreatedAt).UTC()
}

func (m Manifest) marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, errors.Wrap(err, "encode manifest")
	}
	if err := enc.Close(); err != nil {
		return nil, errors.Wrap(err, "encode manifest")
	}
	return buf.Bytes(), nil
}

func unmarshalManifest(b []byte) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		// Unknown fields may come from a newer layout; report the version if it says so.
		var versioned struct {
			FormatVersion int `yaml:"format_version"`
		}
		if yaml.Unmarshal(b, &versioned) == nil && versioned.FormatVersion > ManifestVersion {
			return Manifest{}, errors.Wrapf(ErrUnsupportedFormatVersion, "manifest version %d", versioned.FormatVersion)
		}
		return Manifest{}, errors.Mark(errors.Wrap(err, "decode manifest"), ErrMalformedArchive)
	}
	switch {
	case m.FormatVersion > ManifestVersion:
		return Manifest{}, errors.Wrapf(ErrUnsupportedFormatVersion, "manifest version %d", m.FormatVersion)
	case m.FormatVersion < 1:
		return Manifest{}, errors.Wrapf(ErrMalformedArchive, "manifest version %d", m.FormatVersion)
	}
	return m, nil
}
