package logarchive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.UnixMilli(1700000000000).UTC()

const testGroup = "EE/GOV/70000001/registry"

func testRecord(i int) Record {
	return Record{
		ID:       uint64(i + 1),
		QueryID:  fmt.Sprintf("query-%d", i),
		Response: i%2 == 1,
		LoggedAt: testEpoch.Add(time.Duration(i) * time.Second),
		Parts: []MessagePart{
			{Name: PartMessage, HashAlgorithm: SHA256, Data: []byte(fmt.Sprintf("<message id=%q/>", i))},
			{Name: AttachmentPart(1), HashAlgorithm: SHA512, Data: []byte(fmt.Sprintf("attachment of %d", i))},
		},
	}
}

func testRecords(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = testRecord(i)
	}
	return out
}

func newTestSigner(t *testing.T) *Ed25519Signer {
	t.Helper()
	s, err := GenerateEd25519Signer()
	require.NoError(t, err)
	return s
}

// batchSignature chains records from seed and signs the result the way the
// archiver does.
func batchSignature(t *testing.T, s Signer, alg Algorithm, seed DigestValue, records []Record) (SignatureData, DigestValue) {
	t.Helper()
	codec, err := NewRecordCodec(alg)
	require.NoError(t, err)
	b, err := NewChainBuilder(alg)
	require.NoError(t, err)
	require.NoError(t, b.Start(seed))
	for _, r := range records {
		d, err := codec.DigestRecord(r.Parts)
		require.NoError(t, err)
		_, err = b.Append(d)
		require.NoError(t, err)
	}
	final, hc, err := b.Seal()
	require.NoError(t, err)

	result, err := EncodeHashChainResult(final)
	require.NoError(t, err)
	signed, err := Digest(alg, result)
	require.NoError(t, err)
	sr, err := s.Sign(context.Background(), alg, signed.Bytes())
	require.NoError(t, err)
	sig, err := NewBatchSignature(sr.Signature, hc)
	require.NoError(t, err)
	return sig, final
}

func testMeta(seed DigestValue, seq uint64) ArchiveMeta {
	return ArchiveMeta{
		Algorithm: seed.Algorithm(),
		Group:     testGroup,
		Sequence:  seq,
		CreatedAt: testEpoch,
		Seed:      seed,
	}
}

// packBatch packs records under a single batch signature.
func packBatch(t *testing.T, s Signer, seed DigestValue, seq uint64, records []Record) *Container {
	t.Helper()
	sig, _ := batchSignature(t, s, seed.Algorithm(), seed, records)
	c, err := Pack(records, []SignatureData{sig}, testMeta(seed, seq), nil)
	require.NoError(t, err)
	return c
}

// rewriteEntries copies a zip, replacing the named entries' contents.
func rewriteEntries(t *testing.T, raw []byte, replace map[string][]byte) []byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range zr.File {
		data, ok := replace[f.Name]
		if !ok {
			rc, err := f.Open()
			require.NoError(t, err)
			data, err = io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: f.Method, Modified: f.Modified})
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// writeZip builds a zip from name/content pairs in order.
func writeZip(t *testing.T, entries ...[2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e[0])
		require.NoError(t, err)
		_, err = w.Write([]byte(e[1]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func mustDigest(t *testing.T, alg Algorithm, data string) DigestValue {
	t.Helper()
	d, err := Digest(alg, []byte(data))
	require.NoError(t, err)
	return d
}
