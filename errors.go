package logarchive

import (
	"encoding/hex"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Error taxonomy. Callers classify failures with errors.Is; every error
// returned by this package wraps exactly one of these.
var (
	// ErrInput reports operator misuse of the verifier (bad or missing arguments).
	ErrInput = errors.New("input error")

	// ErrEncoding reports a broken invariant while canonicalizing a digest list.
	// It indicates a programming defect, not bad input.
	ErrEncoding = errors.New("encoding error")

	// ErrUnsupportedAlgorithm reports an unknown or retired hash algorithm.
	ErrUnsupportedAlgorithm = errors.New("unsupported hash algorithm")

	// ErrPartOrder reports message parts that violate the frozen part order.
	ErrPartOrder = errors.New("message parts out of order")

	// ErrChainNotStarted is returned by Append before Start was called.
	ErrChainNotStarted = errors.New("hash chain not started")

	// ErrChainStarted is returned when Start is called twice.
	ErrChainStarted = errors.New("hash chain already started")

	// ErrChainSealed is returned by Append or Seal after the batch was sealed.
	ErrChainSealed = errors.New("hash chain sealed")

	// ErrEmptyBatch is returned when sealing a batch without records.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrInconsistentBatch reports records, signatures and chains that disagree at pack time.
	ErrInconsistentBatch = errors.New("inconsistent batch")

	// ErrMalformedArchive reports a corrupt archive container.
	ErrMalformedArchive = errors.New("malformed archive")

	// ErrUnsupportedFormatVersion reports an archive or digest list written by a newer layout.
	ErrUnsupportedFormatVersion = errors.New("unsupported format version")

	// ErrInvalidLogArchive reports a proven integrity violation.
	ErrInvalidLogArchive = errors.New("invalid log archive")

	// ErrArchiveGap reports a missing archive in a sequence of archives.
	ErrArchiveGap = errors.New("archive sequence gap")
)

// ChainMismatchError pinpoints the first divergence found while replaying a chain.
// Record is the 1-based position of the record in declared order, or 0 when
// the divergence is not tied to a record (archive seed, final hash, time-stamp).
type ChainMismatchError struct {
	Record   int
	Stage    string
	Expected []byte
	Actual   []byte
}

func (e *ChainMismatchError) Error() string {
	where := "archive"
	if e.Record > 0 {
		where = fmt.Sprintf("record %d", e.Record)
	}
	if e.Expected == nil && e.Actual == nil {
		return fmt.Sprintf("%s: %s mismatch at %s", ErrInvalidLogArchive, e.Stage, where)
	}
	return fmt.Sprintf("%s: %s mismatch at %s: expected %s, got %s",
		ErrInvalidLogArchive, e.Stage, where,
		hex.EncodeToString(e.Expected), hex.EncodeToString(e.Actual))
}

// Is makes every ChainMismatchError match ErrInvalidLogArchive.
func (e *ChainMismatchError) Is(target error) bool {
	return target == ErrInvalidLogArchive
}

func mismatch(record int, stage string, expected, actual []byte) error {
	return errors.WithStack(&ChainMismatchError{
		Record:   record,
		Stage:    stage,
		Expected: expected,
		Actual:   actual,
	})
}
