package logarchive

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// VerifierState is a step of the standalone verifier.
type VerifierState int

// Verifier steps, in the order they run.
const (
	StateParseArgs VerifierState = iota
	StateLoadArchive
	StateResolveSeed
	StateReplayChain
	StateReportResult
)

func (s VerifierState) String() string {
	switch s {
	case StateParseArgs:
		return "parse-args"
	case StateLoadArchive:
		return "load-archive"
	case StateResolveSeed:
		return "resolve-seed"
	case StateReplayChain:
		return "replay-chain"
	case StateReportResult:
		return "report-result"
	}
	return "unknown"
}

// FirstArchiveFlag marks an archive as the first of its group.
const FirstArchiveFlag = "-f"

// VerifyRequest is a parsed verifier invocation.
type VerifyRequest struct {
	ArchivePath  string
	PreviousHash string
	First        bool
}

// ParseArgs accepts "<archive> <previous-hash-hex>" or "<archive> -f".
// first is set when -f was given as a flag instead of a positional argument.
func ParseArgs(args []string, first bool) (VerifyRequest, error) {
	var req VerifyRequest
	var rest []string
	for _, a := range args {
		if a == FirstArchiveFlag {
			first = true
			continue
		}
		rest = append(rest, a)
	}
	switch {
	case len(rest) == 0:
		return req, errors.WithHint(errors.Wrap(ErrInput, "archive path is required"),
			"usage: logarchive verify <archive-file> <previous-hash-hex> | -f")
	case len(rest) > 2:
		return req, errors.Wrapf(ErrInput, "unexpected arguments %q", rest[2:])
	case len(rest) == 2 && first:
		return req, errors.Wrap(ErrInput, "give either a previous hash or -f, not both")
	case len(rest) == 1 && !first:
		return req, errors.WithHint(errors.Wrap(ErrInput, "previous archive hash is required"),
			"pass -f if this is the first archive of its group")
	}
	req.ArchivePath = rest[0]
	req.First = first
	if !first {
		req.PreviousHash = rest[1]
	}
	return req, nil
}

// ChainVerifier runs one verification:
//
//	ParseArgs → LoadArchive → ResolveSeed → ReplayChain → ReportResult
//
// It is single threaded and used once.
type ChainVerifier struct {
	state     VerifierState
	req       VerifyRequest
	opts      VerifyOptions
	decrypter Encrypter
	container *Container
	seed      DigestValue
}

// NewChainVerifier returns a verifier for an already parsed request.
// decrypter may be nil when archives are stored in plaintext.
func NewChainVerifier(req VerifyRequest, opts VerifyOptions, decrypter Encrypter) *ChainVerifier {
	return &ChainVerifier{state: StateLoadArchive, req: req, opts: opts, decrypter: decrypter}
}

// State returns the step the verifier is at, or failed in.
func (v *ChainVerifier) State() VerifierState { return v.state }

// Run performs the remaining steps and returns the result to report.
func (v *ChainVerifier) Run() (VerificationResult, error) {
	if err := v.LoadArchive(); err != nil {
		return VerificationResult{}, err
	}
	if err := v.ResolveSeed(); err != nil {
		return VerificationResult{}, err
	}
	return v.ReplayChain()
}

// LoadArchive reads, decrypts and unpacks the archive file.
func (v *ChainVerifier) LoadArchive() error {
	v.state = StateLoadArchive
	c, err := LoadArchiveFile(v.req.ArchivePath, v.decrypter)
	if err != nil {
		return err
	}
	v.container = c
	v.state = StateResolveSeed
	return nil
}

// ResolveSeed turns the previous hash (or -f) into the chain seed.
func (v *ChainVerifier) ResolveSeed() error {
	v.state = StateResolveSeed
	alg := v.container.Algorithm()
	if v.req.First {
		v.seed = ZeroSeed(alg)
	} else {
		seed, err := ParseDigestHex(alg, v.req.PreviousHash)
		if err != nil {
			return errors.Mark(errors.Wrap(err, "previous archive hash"), ErrInput)
		}
		v.seed = seed
	}
	v.state = StateReplayChain
	return nil
}

// ReplayChain verifies the loaded archive from the resolved seed.
func (v *ChainVerifier) ReplayChain() (VerificationResult, error) {
	v.state = StateReplayChain
	res, err := VerifyArchive(v.container, v.seed, v.opts)
	if err != nil {
		return VerificationResult{}, err
	}
	v.state = StateReportResult
	return res, nil
}

// LoadArchiveFile reads an archive from disk, opening the encryption
// envelope when there is one.
func LoadArchiveFile(path string, decrypter Encrypter) (*Container, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read archive %s", path), ErrInput)
	}
	return LoadArchive(b, decrypter)
}

// LoadArchive unpacks archive bytes, opening the encryption envelope when
// there is one.
func LoadArchive(b []byte, decrypter Encrypter) (*Container, error) {
	if IsEnvelope(b) {
		if decrypter == nil {
			return nil, errors.WithHint(errors.Wrap(ErrInput, "archive is encrypted"),
				"configure [encryption] key_hex or pass --encryption-key")
		}
		plain, err := decrypter.Open(b)
		if err != nil {
			return nil, err
		}
		b = plain
	}
	return Unpack(b)
}

// Exit codes of the verifier.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInput       = 2
	ExitMalformed   = 3
	ExitInvalid     = 4
	ExitUnsupported = 5
)

// ExitCode maps an error to the verifier's exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrInput):
		return ExitInput
	case errors.Is(err, ErrMalformedArchive), errors.Is(err, ErrUnsupportedFormatVersion):
		return ExitMalformed
	case errors.Is(err, ErrInvalidLogArchive):
		return ExitInvalid
	case errors.Is(err, ErrUnsupportedAlgorithm):
		return ExitUnsupported
	}
	return ExitFailure
}

func failurePrefix(err error) string {
	switch ExitCode(err) {
	case ExitInput:
		return "INPUT ERROR"
	case ExitMalformed:
		return "MALFORMED ARCHIVE"
	case ExitInvalid:
		return "INVALID LOG ARCHIVE"
	case ExitUnsupported:
		return "UNSUPPORTED ALGORITHM"
	}
	return "ERROR"
}

// ReportResult prints a successful verification.
func ReportResult(w io.Writer, res VerificationResult) {
	fmt.Fprintf(w, "OK: %d records verified\n", res.Records)
	if res.Group != "" {
		fmt.Fprintf(w, "group: %s sequence: %d\n", res.Group, res.Sequence)
	}
	fmt.Fprintf(w, "hash algorithm: %s\n", res.Algorithm)
	fmt.Fprintf(w, "final hash: %s\n", res.FinalHash.Hex())
	if res.Timestamp != nil {
		fmt.Fprintf(w, "time-stamp: %s (serial %s)\n", res.Timestamp.Time.UTC().Format("2006-01-02T15:04:05Z"), res.Timestamp.SerialNumber)
	}
}

// ReportError prints a failed verification with a prefix naming its class,
// followed by any hints attached to err.
func ReportError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s: %v\n", failurePrefix(err), err)
	for _, h := range errors.GetAllHints(err) {
		fmt.Fprintf(w, "hint: %s\n", h)
	}
}
