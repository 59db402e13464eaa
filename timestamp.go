package logarchive

import (
	"context"
	"crypto"
	"crypto/hmac"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/digitorus/timestamp"
)

// Timestamper obtains an RFC 3161 time-stamp response over data.
type Timestamper interface {
	Timestamp(ctx context.Context, data []byte) ([]byte, error)
}

// TimestampInfo is the part of a time-stamp token the verifier reports.
type TimestampInfo struct {
	Time          time.Time
	HashAlgorithm crypto.Hash
	SerialNumber  string
}

// ParseTimestampToken parses a DER TimeStampResp as stored in an archive.
func ParseTimestampToken(token []byte) (*timestamp.Timestamp, error) {
	ts, err := timestamp.ParseResponse(token)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "parse time-stamp token"), ErrMalformedArchive)
	}
	return ts, nil
}

// VerifyTimestampToken checks that token's message imprint covers data.
func VerifyTimestampToken(token, data []byte) (TimestampInfo, error) {
	ts, err := ParseTimestampToken(token)
	if err != nil {
		return TimestampInfo{}, err
	}
	if !ts.HashAlgorithm.Available() {
		return TimestampInfo{}, errors.Wrapf(ErrUnsupportedAlgorithm, "time-stamp hash %v", ts.HashAlgorithm)
	}
	h := ts.HashAlgorithm.New()
	_, _ = h.Write(data)
	sum := h.Sum(nil)
	if !hmac.Equal(sum, ts.HashedMessage) {
		return TimestampInfo{}, mismatch(0, "time-stamp imprint", sum, ts.HashedMessage)
	}
	info := TimestampInfo{Time: ts.Time, HashAlgorithm: ts.HashAlgorithm}
	if ts.SerialNumber != nil {
		info.SerialNumber = ts.SerialNumber.String()
	}
	return info, nil
}
