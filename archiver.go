package logarchive

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ArchiverOptions configures an Archiver.
type ArchiverOptions struct {
	Algorithm   Algorithm
	MaxRecords  int
	Concurrency int
	Namer       Namer
	// Encrypter, when set, wraps every archive before it is written.
	Encrypter Encrypter
	// Now is used for archive creation times; defaults to time.Now.
	Now func() time.Time
}

// Archiver moves staged records into signed, chained archive files. Each
// batch is one archive: the records are chained from the group's previous
// final hash, the final link is signed, the archive is written durably and
// only then are the records marked archived.
type Archiver struct {
	store  *StagingStore
	ledger *SeedLedger
	dir    *ArchiveDir
	signer Signer
	opts   ArchiverOptions
	log    *zap.SugaredLogger
}

// NewArchiver wires an Archiver. log may be nil.
func NewArchiver(store *StagingStore, dir *ArchiveDir, signer Signer, opts ArchiverOptions, log *zap.SugaredLogger) (*Archiver, error) {
	if !opts.Algorithm.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedAlgorithm, "algorithm %d", opts.Algorithm)
	}
	if opts.MaxRecords < 1 {
		return nil, errors.Newf("max records must be positive, got %d", opts.MaxRecords)
	}
	if err := opts.Namer.Validate(); err != nil {
		return nil, err
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Archiver{
		store:  store,
		ledger: NewSeedLedger(store, opts.Algorithm),
		dir:    dir,
		signer: signer,
		opts:   opts,
		log:    log,
	}, nil
}

// Run archives every pending record. Groups are processed concurrently,
// batches of one group strictly in order. It returns the digests of the
// archives written, ordered by group and sequence.
func (a *Archiver) Run(ctx context.Context) ([]ArchiveDigest, error) {
	groups, err := a.store.Groups(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		written []ArchiveDigest
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			for {
				d, ok, err := a.ArchiveBatch(ctx, group)
				if err != nil {
					return errors.Wrapf(err, "group %q", group)
				}
				if !ok {
					return nil
				}
				mu.Lock()
				written = append(written, d)
				mu.Unlock()
			}
		})
	}
	err = g.Wait()

	sort.Slice(written, func(i, j int) bool {
		if written[i].Group != written[j].Group {
			return written[i].Group < written[j].Group
		}
		return written[i].Sequence < written[j].Sequence
	})
	return written, err
}

// ArchiveBatch writes the group's next archive from up to MaxRecords pending
// records. ok is false when nothing was pending.
func (a *Archiver) ArchiveBatch(ctx context.Context, group string) (d ArchiveDigest, ok bool, err error) {
	res, err := a.ledger.Reserve(ctx, group)
	if err != nil {
		return ArchiveDigest{}, false, err
	}
	defer res.Release()

	records, err := a.store.Pending(ctx, group, a.opts.MaxRecords)
	if err != nil || len(records) == 0 {
		return ArchiveDigest{}, false, err
	}
	log := a.log.With("group", group, "sequence", res.Sequence)

	alg := a.opts.Algorithm
	codec, err := NewRecordCodec(alg)
	if err != nil {
		return ArchiveDigest{}, false, err
	}
	builder, err := NewChainBuilder(alg)
	if err != nil {
		return ArchiveDigest{}, false, err
	}
	if err := builder.Start(res.Seed); err != nil {
		return ArchiveDigest{}, false, err
	}
	ids := make([]uint64, 0, len(records))
	for _, r := range records {
		rd, err := codec.DigestRecord(r.Parts)
		if err != nil {
			log.Errorw("cannot digest staged record", "record", r.ID, "error", err)
			return ArchiveDigest{}, false, errors.Wrapf(err, "record %d", r.ID)
		}
		if _, err := builder.Append(rd); err != nil {
			return ArchiveDigest{}, false, err
		}
		ids = append(ids, r.ID)
	}
	final, hc, err := builder.Seal()
	if err != nil {
		return ArchiveDigest{}, false, err
	}

	result, err := EncodeHashChainResult(final)
	if err != nil {
		log.Errorw("cannot encode hash chain result", "error", err)
		return ArchiveDigest{}, false, err
	}
	signed, err := Digest(alg, result)
	if err != nil {
		return ArchiveDigest{}, false, err
	}
	sr, err := a.signer.Sign(ctx, alg, signed.Bytes())
	if err != nil {
		return ArchiveDigest{}, false, errors.Wrap(err, "sign batch")
	}
	sig, err := NewBatchSignature(sr.Signature, hc)
	if err != nil {
		return ArchiveDigest{}, false, err
	}

	created := a.opts.Now().UTC().Truncate(time.Millisecond)
	c, err := Pack(records, []SignatureData{sig}, ArchiveMeta{
		Algorithm: alg,
		Group:     group,
		Sequence:  res.Sequence,
		CreatedAt: created,
		Seed:      res.Seed,
	}, sr.TimestampToken)
	if err != nil {
		log.Errorw("cannot pack archive", "error", err)
		return ArchiveDigest{}, false, err
	}

	data := c.Bytes()
	if a.opts.Encrypter != nil {
		if data, err = a.opts.Encrypter.Seal(data); err != nil {
			return ArchiveDigest{}, false, errors.Wrap(err, "encrypt archive")
		}
	}
	name := a.opts.Namer.Filename(records[0].QueryID, records[0].Direction(), res.Sequence)
	path, err := a.dir.Put(group, name, data)
	if errors.Is(err, ErrArchiveExists) {
		// The reserved sequence is not committed, so the file is what a
		// crash between write and commit left behind.
		log.Warnw("replacing uncommitted archive file", "file", name)
		path, err = a.dir.Replace(group, name, data)
	}
	if err != nil {
		return ArchiveDigest{}, false, err
	}

	d = ArchiveDigest{Group: group, Sequence: res.Sequence, FinalHash: final, Filename: name, CreatedAt: created}
	if err := res.Commit(ctx, d, ids); err != nil {
		if rmErr := a.dir.Remove(group, name); rmErr != nil {
			log.Errorw("cannot remove uncommitted archive", "file", path, "error", rmErr)
		}
		return ArchiveDigest{}, false, errors.Wrap(err, "commit archive")
	}
	log.Infow("archived batch",
		"records", len(records),
		"file", path,
		"final_hash", final.Hex(),
		"timestamped", len(sr.TimestampToken) > 0)
	return d, true, nil
}

// Purge deletes archived records logged before cutoff from staging.
func (a *Archiver) Purge(ctx context.Context, cutoff time.Time, batch int) (int64, error) {
	n, err := a.store.PurgeArchived(ctx, cutoff, batch)
	if err != nil {
		return n, err
	}
	a.log.Infow("purged archived records", "records", n, "before", cutoff.Format(time.RFC3339))
	return n, nil
}
