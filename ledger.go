package logarchive

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// SeedLedger hands out the seed of a group's next archive. A group has at
// most one outstanding Reservation, so two batches of one group can never
// chain from the same predecessor. Different groups do not block each other.
type SeedLedger struct {
	store *StagingStore
	alg   Algorithm

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewSeedLedger returns a ledger backed by the staging store's archive digests.
func NewSeedLedger(store *StagingStore, alg Algorithm) *SeedLedger {
	return &SeedLedger{store: store, alg: alg, locks: make(map[string]chan struct{})}
}

func (l *SeedLedger) lockFor(group string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[group]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[group] = ch
	}
	return ch
}

// Reservation is the exclusive right to write a group's next archive.
type Reservation struct {
	Group    string
	Sequence uint64
	Seed     DigestValue

	ledger *SeedLedger
	lock   chan struct{}
	once   sync.Once
}

// Reserve blocks until the group is free or ctx is done.
func (l *SeedLedger) Reserve(ctx context.Context, group string) (*Reservation, error) {
	lock := l.lockFor(group)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r := &Reservation{Group: group, Sequence: 1, Seed: ZeroSeed(l.alg), ledger: l, lock: lock}

	last, ok, err := l.store.LastArchive(ctx, group)
	if err != nil {
		r.Release()
		return nil, err
	}
	if ok {
		if last.FinalHash.Algorithm() != l.alg {
			r.Release()
			return nil, errors.WithHint(
				errors.Wrapf(ErrUnsupportedAlgorithm, "group %q was archived with %s, configured %s",
					group, last.FinalHash.Algorithm(), l.alg),
				"keep [archive] hash_algorithm unchanged for existing groups")
		}
		r.Sequence = last.Sequence + 1
		r.Seed = last.FinalHash
	}
	return r, nil
}

// Commit stores the archive digest, marks ids archived and releases the group.
func (r *Reservation) Commit(ctx context.Context, d ArchiveDigest, ids []uint64) error {
	defer r.Release()
	if d.Group != r.Group || d.Sequence != r.Sequence {
		return errors.Newf("reservation is for %q/%d, commit is for %q/%d", r.Group, r.Sequence, d.Group, d.Sequence)
	}
	return r.ledger.store.CommitArchive(ctx, d, ids)
}

// Release gives up the reservation. It is safe to call more than once.
func (r *Reservation) Release() {
	r.once.Do(func() { <-r.lock })
}
