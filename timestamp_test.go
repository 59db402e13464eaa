package logarchive

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/digitorus/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTSA issues RFC 3161 responses signed by a throwaway certificate.
type testTSA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
	now  time.Time
}

func newTestTSA(t *testing.T) *testTSA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "logarchive test TSA"},
		NotBefore:             testEpoch.Add(-time.Hour),
		NotAfter:              testEpoch.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testTSA{cert: cert, key: key, now: testEpoch}
}

func (a *testTSA) respond(hash crypto.Hash, hashed []byte) ([]byte, error) {
	ts := timestamp.Timestamp{
		HashAlgorithm: hash,
		HashedMessage: hashed,
		Time:          a.now,
		Policy:        asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1},
	}
	return ts.CreateResponseWithOpts(a.cert, a.key, crypto.SHA256)
}

// token time-stamps data with SHA-256.
func (a *testTSA) token(t *testing.T, data []byte) []byte {
	t.Helper()
	sum := sha256.Sum256(data)
	resp, err := a.respond(crypto.SHA256, sum[:])
	require.NoError(t, err)
	return resp
}

func TestVerifyTimestampToken(t *testing.T) {
	tsa := newTestTSA(t)
	data := []byte("signature bytes")
	token := tsa.token(t, data)

	info, err := VerifyTimestampToken(token, data)
	require.NoError(t, err)
	assert.True(t, info.Time.Equal(testEpoch), "got %v", info.Time)
	assert.Equal(t, crypto.SHA256, info.HashAlgorithm)
	assert.NotEmpty(t, info.SerialNumber)

	_, err = VerifyTimestampToken(token, []byte("other signature"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidLogArchive))
	var cm *ChainMismatchError
	require.True(t, errors.As(err, &cm))
	assert.Equal(t, "time-stamp imprint", cm.Stage)
	assert.Zero(t, cm.Record)
}

func TestParseTimestampTokenMalformed(t *testing.T) {
	for _, token := range [][]byte{nil, []byte("not DER"), {0x30, 0x03, 0x02, 0x01}} {
		_, err := ParseTimestampToken(token)
		assert.True(t, errors.Is(err, ErrMalformedArchive), "%x: %v", token, err)
	}

	rejected, err := timestamp.CreateErrorResponse(timestamp.Rejection, timestamp.BadRequest)
	require.NoError(t, err)
	_, err = VerifyTimestampToken(rejected, []byte("x"))
	assert.True(t, errors.Is(err, ErrMalformedArchive))
}
