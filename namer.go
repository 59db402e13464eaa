package logarchive

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Direction tells whether a record is the request or the response of a query.
type Direction int

// Directions.
const (
	Request Direction = iota
	Response
)

func (d Direction) String() string {
	if d == Response {
		return "response"
	}
	return "request"
}

// ParseDirection is the inverse of Direction.String.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "request":
		return Request, true
	case "response":
		return Response, true
	}
	return Request, false
}

// DefaultExtension is used when Namer.Extension is empty.
const DefaultExtension = ".asice"

// MaxFilenameLength bounds file names on common filesystems.
const MaxFilenameLength = 255

// MaxExtensionLength is the longest extension for which a hashed query id,
// the longest direction and a full base-32 uint64 still fit MaxFilenameLength.
const MaxExtensionLength = MaxFilenameLength - 2*sha256.Size - len("-response-") - 13

// Namer produces archive file names of the form
//
//	<escaped query id>-<request|response>-<base-32 sequence><ext>
type Namer struct {
	Extension string
}

// Filename returns the name for an archive. The result never exceeds
// MaxFilenameLength: an overlong query id is replaced by its hex SHA-256
// rather than truncated, so distinct ids keep distinct names.
func (n Namer) Filename(queryID string, dir Direction, sequence uint64) string {
	ext := n.Extension
	if ext == "" {
		ext = DefaultExtension
	}
	suffix := "-" + dir.String() + "-" + strconv.FormatUint(sequence, 32) + ext

	id := escapeQueryID(queryID)
	if len(id)+len(suffix) > MaxFilenameLength {
		sum := sha256.Sum256([]byte(queryID))
		id = hex.EncodeToString(sum[:])
	}
	return id + suffix
}

// Validate rejects extensions that would break the file name bound.
func (n Namer) Validate() error {
	if len(n.Extension) > MaxExtensionLength {
		return errors.Wrapf(ErrInput, "extension is %d bytes, at most %d allowed", len(n.Extension), MaxExtensionLength)
	}
	if strings.ContainsAny(n.Extension, `/\`) {
		return errors.Wrapf(ErrInput, "extension %q contains a path separator", n.Extension)
	}
	return nil
}

func escapeQueryID(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}
