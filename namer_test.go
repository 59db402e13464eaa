package logarchive

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamer_Filename(t *testing.T) {
	var n Namer
	tests := []struct {
		name    string
		queryID string
		dir     Direction
		seq     uint64
		want    string
	}{
		{"plain", "abc-123", Request, 1, "abc%2D123-request-1.asice"},
		{"unreserved kept", "q.1_x~y", Response, 2, "q.1_x~y-response-2.asice"},
		{"slash and space", "EE/GOV 1", Request, 3, "EE%2FGOV%201-request-3.asice"},
		{"non-ascii", "é", Request, 4, "%C3%A9-request-4.asice"},
		{"base 32 sequence", "q", Request, 32, "q-request-10.asice"},
		{"large sequence", "q", Response, 1023, "q-response-vv.asice"},
		{"empty id", "", Request, 1, "-request-1.asice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Filename(tt.queryID, tt.dir, tt.seq))
		})
	}
}

func TestNamer_CustomExtension(t *testing.T) {
	n := Namer{Extension: ".zip"}
	assert.Equal(t, "q-request-1.zip", n.Filename("q", Request, 1))
}

func TestNamer_LongExtension(t *testing.T) {
	longest := Namer{Extension: "." + strings.Repeat("x", MaxExtensionLength-1)}
	require.NoError(t, longest.Validate())
	got := longest.Filename(strings.Repeat("/", 100), Response, ^uint64(0))
	assert.Len(t, got, MaxFilenameLength)

	tooLong := Namer{Extension: longest.Extension + "x"}
	assert.True(t, errors.Is(tooLong.Validate(), ErrInput))
	assert.True(t, errors.Is(Namer{Extension: ".a/b"}.Validate(), ErrInput))
	assert.NoError(t, Namer{}.Validate())
}

func TestNamer_LongQueryID(t *testing.T) {
	var n Namer
	long := strings.Repeat("/", 100) // escapes to 300 bytes
	got := n.Filename(long, Response, 7)
	assert.LessOrEqual(t, len(got), MaxFilenameLength)

	sum := sha256.Sum256([]byte(long))
	assert.Equal(t, hex.EncodeToString(sum[:])+"-response-7.asice", got)

	other := n.Filename(strings.Repeat("/", 101), Response, 7)
	assert.NotEqual(t, got, other, "distinct ids keep distinct names")

	// Exactly at the limit the id is kept as is.
	suffix := "-request-1.asice"
	fits := strings.Repeat("a", MaxFilenameLength-len(suffix))
	assert.Equal(t, fits+suffix, n.Filename(fits, Request, 1))
}
