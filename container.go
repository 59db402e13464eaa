package logarchive

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zip"
)

// MimeType is the content of the first, uncompressed entry of every archive.
const MimeType = "application/vnd.etsi.asic-e+zip"

const (
	mimetypeEntry       = "mimetype"
	manifestEntry       = "META-INF/manifest.yaml"
	signedManifestEntry = "META-INF/ASiCManifest.xml"
	timestampEntry      = "META-INF/timestamp.tst"
	recordsDir          = "records/"

	maxEntrySize = 256 << 20
)

func signatureEntry(k int) string       { return "META-INF/signature-" + strconv.Itoa(k) + ".bin" }
func hashChainResultEntry(k int) string { return "META-INF/hashchainresult-" + strconv.Itoa(k) + ".bin" }
func hashChainEntry(k int) string       { return "META-INF/hashchain-" + strconv.Itoa(k) + ".bin" }

func partEntry(record int, name string) string {
	return recordsDir + strconv.Itoa(record) + "/" + name
}

// ArchiveMeta carries what Pack needs besides records and signatures.
type ArchiveMeta struct {
	Algorithm Algorithm
	Group     string
	Sequence  uint64
	CreatedAt time.Time
	// Seed is the link the archive's chain starts from: ZeroSeed for the
	// first archive of a group, the previous archive's final hash otherwise.
	Seed DigestValue
	// Coverage[k] is the number of consecutive records signature k covers.
	// It may be nil when there is a single signature.
	Coverage       []int
	SignedManifest []byte
}

// Container is a packed archive. It is immutable once built.
type Container struct {
	Manifest       Manifest
	Records        []Record
	Signatures     []SignatureData
	SignedManifest []byte
	TimestampToken []byte

	alg   Algorithm
	final DigestValue
	raw   []byte
}

// Algorithm returns the archive's chain algorithm.
func (c *Container) Algorithm() Algorithm { return c.alg }

// FinalHash returns the last chain link recorded in the manifest.
func (c *Container) FinalHash() DigestValue { return c.final }

// Bytes returns the archive file contents.
func (c *Container) Bytes() []byte { return c.raw }

// WriteTo writes the archive file contents to w.
func (c *Container) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(c.raw)
	return int64(n), err
}

// Pack validates that records, signatures and chain artifacts agree and
// builds the archive. Equal inputs give byte-identical archives.
func Pack(records []Record, signatures []SignatureData, meta ArchiveMeta, timestampToken []byte) (*Container, error) {
	alg := meta.Algorithm
	codec, err := NewRecordCodec(alg)
	if err != nil {
		return nil, err
	}
	if meta.Seed.Algorithm() != alg {
		return nil, errors.Wrapf(ErrInconsistentBatch, "seed algorithm %s, archive algorithm %s", meta.Seed.Algorithm(), alg)
	}
	if len(records) == 0 {
		return nil, errors.Wrap(ErrInconsistentBatch, "no records")
	}
	coverage := meta.Coverage
	if coverage == nil && len(signatures) == 1 {
		coverage = []int{len(records)}
	}
	if len(coverage) != len(signatures) || len(signatures) == 0 {
		return nil, errors.Wrapf(ErrInconsistentBatch, "%d signatures, %d coverage entries", len(signatures), len(coverage))
	}

	m := Manifest{
		FormatVersion: ManifestVersion,
		HashAlgorithm: alg.String(),
		Group:         meta.Group,
		Sequence:      meta.Sequence,
		CreatedAt:     meta.CreatedAt.UnixMilli(),
		Records:       make([]ManifestRecord, 0, len(records)),
		Signatures:    make([]ManifestSignature, 0, len(signatures)),
	}

	link := meta.Seed
	first := 0
	for k, sig := range signatures {
		count := coverage[k]
		if count < 1 || first+count > len(records) {
			return nil, errors.Wrapf(ErrInconsistentBatch, "signature %d covers %d records from %d of %d", k, count, first, len(records))
		}
		if len(sig.Signature) == 0 {
			return nil, errors.Wrapf(ErrInconsistentBatch, "signature %d is empty", k)
		}
		batch := sig.IsBatch()
		if !batch && (len(sig.HashChain) > 0 || len(sig.HashChainResult) > 0) {
			return nil, errors.Wrapf(ErrInconsistentBatch, "signature %d has only one of hash chain and result", k)
		}
		if !batch && count != 1 {
			return nil, errors.Wrapf(ErrInconsistentBatch, "non-batch signature %d covers %d records", k, count)
		}

		var hc HashChain
		if batch {
			if hc, err = sig.checkChainResult(); err != nil {
				return nil, errors.Mark(errors.Wrapf(err, "signature %d", k), ErrInconsistentBatch)
			}
			if len(hc.Steps) != count {
				return nil, errors.Wrapf(ErrInconsistentBatch, "signature %d: chain has %d links for %d records", k, len(hc.Steps), count)
			}
			if hc.Seed != link {
				return nil, errors.Wrapf(ErrInconsistentBatch, "signature %d: chain seed %s, expected %s", k, hc.Seed, link)
			}
		}

		for j := 0; j < count; j++ {
			i := first + j
			r := records[i]
			d, err := codec.DigestRecord(r.Parts)
			if err != nil {
				return nil, errors.Wrapf(err, "record %d", i)
			}
			if link, err = DigestStep(alg, DigestList{link, d}); err != nil {
				return nil, err
			}
			if batch && (hc.Steps[j].RecordDigest != d || hc.Steps[j].Link != link) {
				return nil, errors.Wrapf(ErrInconsistentBatch, "signature %d: chain does not match record %d", k, i)
			}
			m.Records = append(m.Records, manifestRecord(i, k, r))
		}
		m.Signatures = append(m.Signatures, ManifestSignature{Index: k, First: first, Count: count, Batch: batch})
		first += count
	}
	if first != len(records) {
		return nil, errors.Wrapf(ErrInconsistentBatch, "signatures cover %d of %d records", first, len(records))
	}
	m.FinalHash = link.Hex()

	c := &Container{
		Manifest:       m,
		Records:        records,
		Signatures:     signatures,
		SignedManifest: meta.SignedManifest,
		TimestampToken: timestampToken,
		alg:            alg,
		final:          link,
	}
	if c.raw, err = c.build(); err != nil {
		return nil, err
	}
	return c, nil
}

func manifestRecord(i, sig int, r Record) ManifestRecord {
	mr := ManifestRecord{
		ID:        r.ID,
		QueryID:   r.QueryID,
		Direction: r.Direction().String(),
		LoggedAt:  r.LoggedAt.UnixMilli(),
		Signature: sig,
		Parts:     make([]ManifestPart, 0, len(r.Parts)),
	}
	for _, p := range r.Parts {
		mr.Parts = append(mr.Parts, ManifestPart{
			Name:          p.Name,
			HashAlgorithm: p.HashAlgorithm.String(),
			Entry:         partEntry(i, p.Name),
		})
	}
	return mr
}

func (c *Container) build() ([]byte, error) {
	manifest, err := c.Manifest.marshal()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	modified := c.Manifest.Created()
	add := func(name string, method uint16, data []byte) error {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method, Modified: modified})
		if err != nil {
			return errors.Wrapf(err, "create entry %s", name)
		}
		if _, err := w.Write(data); err != nil {
			return errors.Wrapf(err, "write entry %s", name)
		}
		return nil
	}

	if err := add(mimetypeEntry, zip.Store, []byte(MimeType)); err != nil {
		return nil, err
	}
	if err := add(manifestEntry, zip.Deflate, manifest); err != nil {
		return nil, err
	}
	for k, sig := range c.Signatures {
		if err := add(signatureEntry(k), zip.Store, sig.Signature); err != nil {
			return nil, err
		}
		if !sig.IsBatch() {
			continue
		}
		if err := add(hashChainResultEntry(k), zip.Store, sig.HashChainResult); err != nil {
			return nil, err
		}
		if err := add(hashChainEntry(k), zip.Deflate, sig.HashChain); err != nil {
			return nil, err
		}
	}
	if len(c.SignedManifest) > 0 {
		if err := add(signedManifestEntry, zip.Deflate, c.SignedManifest); err != nil {
			return nil, err
		}
	}
	if len(c.TimestampToken) > 0 {
		if err := add(timestampEntry, zip.Store, c.TimestampToken); err != nil {
			return nil, err
		}
	}
	for i, r := range c.Records {
		for _, p := range r.Parts {
			if err := add(partEntry(i, p.Name), zip.Deflate, p.Data); err != nil {
				return nil, err
			}
		}
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "close archive")
	}
	return buf.Bytes(), nil
}

func malformed(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMalformedArchive, format, args...)
}

// Unpack parses an archive produced by Pack. It checks the layout only;
// whether the chain holds is decided by VerifyArchive.
func Unpack(b []byte) (*Container, error) {
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "open zip"), ErrMalformedArchive)
	}
	if len(zr.File) == 0 || zr.File[0].Name != mimetypeEntry {
		return nil, malformed("first entry must be %s", mimetypeEntry)
	}

	entries := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if _, dup := entries[f.Name]; dup {
			return nil, malformed("duplicate entry %s", f.Name)
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		entries[f.Name] = data
	}
	take := func(name string) ([]byte, bool) {
		data, ok := entries[name]
		delete(entries, name)
		return data, ok
	}

	if mt, _ := take(mimetypeEntry); string(mt) != MimeType {
		return nil, malformed("mimetype %q", mt)
	}
	raw, ok := take(manifestEntry)
	if !ok {
		return nil, malformed("missing %s", manifestEntry)
	}
	m, err := unmarshalManifest(raw)
	if err != nil {
		return nil, err
	}
	alg, err := ParseAlgorithm(m.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	final, err := ParseDigestHex(alg, m.FinalHash)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "final hash"), ErrMalformedArchive)
	}

	c := &Container{Manifest: m, alg: alg, final: final, raw: b}
	if len(m.Signatures) == 0 || len(m.Records) == 0 {
		return nil, malformed("%d signatures, %d records", len(m.Signatures), len(m.Records))
	}

	next := 0
	for k, ms := range m.Signatures {
		if ms.Index != k || ms.First != next || ms.Count < 1 || (!ms.Batch && ms.Count != 1) {
			return nil, malformed("signature %d: index %d, first %d, count %d", k, ms.Index, ms.First, ms.Count)
		}
		next += ms.Count

		var sig SignatureData
		if sig.Signature, ok = take(signatureEntry(k)); !ok {
			return nil, malformed("missing %s", signatureEntry(k))
		}
		if ms.Batch {
			if sig.HashChainResult, ok = take(hashChainResultEntry(k)); !ok {
				return nil, malformed("missing %s", hashChainResultEntry(k))
			}
			if sig.HashChain, ok = take(hashChainEntry(k)); !ok {
				return nil, malformed("missing %s", hashChainEntry(k))
			}
			hc, err := DecodeHashChain(sig.HashChain)
			if err != nil {
				return nil, errors.Wrapf(err, "signature %d hash chain", k)
			}
			if len(hc.Steps) != ms.Count {
				return nil, malformed("signature %d: chain has %d links for %d records", k, len(hc.Steps), ms.Count)
			}
		}
		c.Signatures = append(c.Signatures, sig)
	}
	if next != len(m.Records) {
		return nil, malformed("signatures cover %d of %d records", next, len(m.Records))
	}

	c.Records = make([]Record, 0, len(m.Records))
	for i, mr := range m.Records {
		r, err := unpackRecord(i, mr, take)
		if err != nil {
			return nil, err
		}
		if mr.Signature >= len(m.Signatures) {
			return nil, malformed("record %d: signature %d of %d", i, mr.Signature, len(m.Signatures))
		}
		ms := m.Signatures[mr.Signature]
		if i < ms.First || i >= ms.First+ms.Count {
			return nil, malformed("record %d: not covered by signature %d", i, mr.Signature)
		}
		c.Records = append(c.Records, r)
	}

	c.SignedManifest, _ = take(signedManifestEntry)
	c.TimestampToken, _ = take(timestampEntry)
	if len(entries) > 0 {
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		return nil, malformed("unexpected entries %s", strings.Join(names, ", "))
	}
	return c, nil
}

func unpackRecord(i int, mr ManifestRecord, take func(string) ([]byte, bool)) (Record, error) {
	dir, ok := ParseDirection(mr.Direction)
	if !ok {
		return Record{}, malformed("record %d: direction %q", i, mr.Direction)
	}
	if mr.Signature < 0 {
		return Record{}, malformed("record %d: signature %d", i, mr.Signature)
	}
	r := Record{
		ID:       mr.ID,
		QueryID:  mr.QueryID,
		Response: dir == Response,
		LoggedAt: time.UnixMilli(mr.LoggedAt).UTC(),
		Parts:    make([]MessagePart, 0, len(mr.Parts)),
	}
	for _, mp := range mr.Parts {
		if mp.Entry != partEntry(i, mp.Name) {
			return Record{}, malformed("record %d: part %q stored as %s", i, mp.Name, mp.Entry)
		}
		palg, err := ParseAlgorithm(mp.HashAlgorithm)
		if err != nil {
			return Record{}, errors.Wrapf(err, "record %d part %q", i, mp.Name)
		}
		data, ok := take(mp.Entry)
		if !ok {
			return Record{}, malformed("record %d: missing %s", i, mp.Entry)
		}
		r.Parts = append(r.Parts, MessagePart{Name: mp.Name, HashAlgorithm: palg, Data: data})
	}
	if err := CheckPartOrder(r.Parts); err != nil {
		return Record{}, errors.Mark(errors.Wrapf(err, "record %d", i), ErrMalformedArchive)
	}
	return r, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntrySize {
		return nil, malformed("entry %s is %d bytes", f.Name, f.UncompressedSize64)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "open entry %s", f.Name), ErrMalformedArchive)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "read entry %s", f.Name), ErrMalformedArchive)
	}
	if len(data) > maxEntrySize {
		return nil, malformed("entry %s exceeds %d bytes", f.Name, maxEntrySize)
	}
	return data, nil
}

func (c *Container) String() string {
	return fmt.Sprintf("archive %s/%d (%d records, %d signatures)", c.Manifest.Group, c.Manifest.Sequence, len(c.Records), len(c.Signatures))
}
