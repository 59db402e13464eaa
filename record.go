package logarchive

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Part names. A record's parts are always ordered as
//
//	message, attachment-1, …, attachment-N, [signature]
//
// and that order is hashed. It must never change for existing archives.
const (
	PartMessage          = "message"
	PartSignature        = "signature"
	partAttachmentPrefix = "attachment-"
)

// AttachmentPart returns the name of the n-th attachment (1-based).
func AttachmentPart(n int) string {
	return partAttachmentPrefix + strconv.Itoa(n)
}

// MessagePart is one constituent of a logged message.
type MessagePart struct {
	Name          string
	HashAlgorithm Algorithm
	Data          []byte
}

// Record is one logged message: a request or a response of a query.
type Record struct {
	ID       uint64
	QueryID  string
	Response bool
	LoggedAt time.Time
	Parts    []MessagePart
}

// Direction returns the record's direction.
func (r Record) Direction() Direction {
	if r.Response {
		return Response
	}
	return Request
}

// CheckPartOrder verifies names against the frozen part order.
func CheckPartOrder(parts []MessagePart) error {
	if len(parts) == 0 {
		return errors.Wrap(ErrPartOrder, "record has no parts")
	}
	if parts[0].Name != PartMessage {
		return errors.Wrapf(ErrPartOrder, "first part is %q, want %q", parts[0].Name, PartMessage)
	}
	next := 1
	for i, p := range parts[1:] {
		switch {
		case p.Name == PartSignature:
			if i != len(parts)-2 {
				return errors.Wrapf(ErrPartOrder, "%q must be the last part", PartSignature)
			}
		case strings.HasPrefix(p.Name, partAttachmentPrefix):
			if p.Name != AttachmentPart(next) {
				return errors.Wrapf(ErrPartOrder, "part %d is %q, want %q", i+1, p.Name, AttachmentPart(next))
			}
			next++
		default:
			return errors.Wrapf(ErrPartOrder, "unknown part %q", p.Name)
		}
	}
	return nil
}

// RecordCodec digests records with a fixed algorithm.
type RecordCodec struct {
	alg Algorithm
}

// NewRecordCodec returns a codec that combines part digests with alg.
func NewRecordCodec(alg Algorithm) (*RecordCodec, error) {
	if !alg.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "algorithm %d", alg)
	}
	return &RecordCodec{alg: alg}, nil
}

// Algorithm returns the algorithm used to combine part digests.
func (c *RecordCodec) Algorithm() Algorithm { return c.alg }

// DigestPart hashes one part with the part's own algorithm.
func (*RecordCodec) DigestPart(p MessagePart) (DigestValue, error) {
	d, err := Digest(p.HashAlgorithm, p.Data)
	if err != nil {
		return DigestValue{}, errors.Wrapf(err, "part %q", p.Name)
	}
	return d, nil
}

// DigestRecord returns DigestStep over the digests of parts, in order.
func (c *RecordCodec) DigestRecord(parts []MessagePart) (DigestValue, error) {
	if err := CheckPartOrder(parts); err != nil {
		return DigestValue{}, err
	}
	list := make(DigestList, 0, len(parts))
	for _, p := range parts {
		d, err := c.DigestPart(p)
		if err != nil {
			return DigestValue{}, err
		}
		list = append(list, d)
	}
	return DigestStep(c.alg, list)
}
