package logarchive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519SignVerify(t *testing.T) {
	s := newTestSigner(t)
	d := mustDigest(t, SHA512, "batch")

	res, err := s.Sign(context.Background(), SHA512, d.Bytes())
	require.NoError(t, err)
	assert.NotEmpty(t, res.Signature)
	assert.Nil(t, res.TimestampToken)

	v := s.Public()
	require.NoError(t, v.Verify(SHA512, d.Bytes(), res.Signature))

	other := mustDigest(t, SHA512, "other batch")
	assert.Error(t, v.Verify(SHA512, other.Bytes(), res.Signature))

	// The algorithm is part of what is signed.
	assert.Error(t, v.Verify(SHA384, d.Bytes()[:SHA384.Size()], res.Signature))

	_, err = s.Sign(context.Background(), SHA256, d.Bytes())
	assert.Error(t, err, "digest length must match the algorithm")
}

func TestEd25519KeyFiles(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "signing.pem")
	pubPath := filepath.Join(dir, "signing.pem.pub")

	s := newTestSigner(t)
	require.NoError(t, s.SaveKey(keyPath))
	require.NoError(t, s.Public().SavePublicKey(pubPath))

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadEd25519Signer(keyPath)
	require.NoError(t, err)
	assert.Equal(t, s.PrivateKey, loaded.PrivateKey)

	v, err := LoadEd25519Verifier(pubPath)
	require.NoError(t, err)
	d := mustDigest(t, SHA256, "x")
	res, err := loaded.Sign(context.Background(), SHA256, d.Bytes())
	require.NoError(t, err)
	assert.NoError(t, v.Verify(SHA256, d.Bytes(), res.Signature))

	// A public key is not a signing key and vice versa.
	_, err = LoadEd25519Signer(pubPath)
	assert.Error(t, err)
	_, err = LoadEd25519Verifier(keyPath)
	assert.Error(t, err)
	_, err = LoadEd25519Signer(filepath.Join(dir, "missing.pem"))
	assert.Error(t, err)
}

type fakeTimestamper struct {
	calls [][]byte
	err   error
}

func (f *fakeTimestamper) Timestamp(_ context.Context, data []byte) ([]byte, error) {
	f.calls = append(f.calls, append([]byte(nil), data...))
	if f.err != nil {
		return nil, f.err
	}
	return []byte("token"), nil
}

func TestTimestampingSigner(t *testing.T) {
	ts := &fakeTimestamper{}
	s := &TimestampingSigner{Signer: newTestSigner(t), Timestamper: ts}
	d := mustDigest(t, SHA256, "digest")

	res, err := s.Sign(context.Background(), SHA256, d.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), res.TimestampToken)
	require.Len(t, ts.calls, 1)
	assert.Equal(t, res.Signature, ts.calls[0], "the signature bytes are what gets time-stamped")

	ts.err = errors.New("authority unavailable")
	_, err = s.Sign(context.Background(), SHA256, d.Bytes())
	assert.ErrorContains(t, err, "authority unavailable")
}
