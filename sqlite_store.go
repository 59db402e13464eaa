package logarchive

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

const (
	txTimeout     = 5 * time.Second
	markChunkSize = 100
)

// ArchiveDigest is the per-group link between consecutive archives: the final
// hash of the archive with the given sequence number.
type ArchiveDigest struct {
	Group     string
	Sequence  uint64
	FinalHash DigestValue
	Filename  string
	CreatedAt time.Time
}

// StagingStore keeps records until they are archived, and the last archive
// digest of every group.
type StagingStore struct{ db *sql.DB }

// OpenStagingStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenStagingStore(dsn string) (*StagingStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open staging store")
	}
	// PRAGMAs are per connection; keep a single one.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "open staging store %s", dsn)
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "set %s", p)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS records (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  grp         TEXT    NOT NULL,
  query_id    TEXT    NOT NULL,
  response    INTEGER NOT NULL,
  logged_at   INTEGER NOT NULL,   -- unix ms
  archive_seq INTEGER             -- NULL until archived
);
CREATE INDEX IF NOT EXISTS records_pending ON records(grp, archive_seq, id);
CREATE TABLE IF NOT EXISTS parts (
  record_id INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
  pos       INTEGER NOT NULL,
  name      TEXT    NOT NULL,
  hash_alg  TEXT    NOT NULL,
  data      BLOB    NOT NULL,
  PRIMARY KEY(record_id, pos)
);
CREATE TABLE IF NOT EXISTS archive_digests (
  grp        TEXT    NOT NULL,
  sequence   INTEGER NOT NULL,
  hash_alg   TEXT    NOT NULL,
  final_hash BLOB    NOT NULL,
  filename   TEXT    NOT NULL,
  created_at INTEGER NOT NULL,
  PRIMARY KEY(grp, sequence)
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create staging schema")
	}
	return &StagingStore{db: db}, nil
}

// Close closes the database.
func (s *StagingStore) Close() error { return s.db.Close() }

// Stage stores a record for later archiving and returns its id. The id
// assigned here replaces r.ID.
func (s *StagingStore) Stage(ctx context.Context, group string, r Record) (uint64, error) {
	if err := CheckPartOrder(r.Parts); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, errors.Wrap(err, "begin stage")
	}
	defer func() { _ = tx.Rollback() }()

	response := 0
	if r.Response {
		response = 1
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO records(grp, query_id, response, logged_at) VALUES(?, ?, ?, ?)`,
		group, r.QueryID, response, r.LoggedAt.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "insert record")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "insert record")
	}
	for pos, p := range r.Parts {
		if !p.HashAlgorithm.Valid() {
			return 0, errors.Wrapf(ErrUnsupportedAlgorithm, "part %q", p.Name)
		}
		data := p.Data
		if data == nil {
			data = []byte{}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO parts(record_id, pos, name, hash_alg, data) VALUES(?, ?, ?, ?, ?)`,
			id, pos, p.Name, p.HashAlgorithm.String(), data); err != nil {
			return 0, errors.Wrapf(err, "insert part %q", p.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit stage")
	}
	return uint64(id), nil
}

// Groups returns the groups that have records waiting to be archived.
func (s *StagingStore) Groups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT grp FROM records WHERE archive_seq IS NULL ORDER BY grp`)
	if err != nil {
		return nil, errors.Wrap(err, "list groups")
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, errors.Wrap(err, "list groups")
		}
		groups = append(groups, g)
	}
	return groups, errors.Wrap(rows.Err(), "list groups")
}

// Pending returns up to limit unarchived records of group in id order.
func (s *StagingStore) Pending(ctx context.Context, group string, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT r.id, r.query_id, r.response, r.logged_at, p.name, p.hash_alg, p.data
FROM (SELECT * FROM records WHERE grp = ? AND archive_seq IS NULL ORDER BY id LIMIT ?) r
JOIN parts p ON p.record_id = r.id
ORDER BY r.id, p.pos`, group, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "load pending records of %q", group)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			id       uint64
			queryID  string
			response bool
			loggedAt int64
			name     string
			hashAlg  string
			data     []byte
		)
		if err := rows.Scan(&id, &queryID, &response, &loggedAt, &name, &hashAlg, &data); err != nil {
			return nil, errors.Wrap(err, "scan pending record")
		}
		alg, err := ParseAlgorithm(hashAlg)
		if err != nil {
			return nil, errors.Wrapf(err, "record %d part %q", id, name)
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, Record{
				ID:       id,
				QueryID:  queryID,
				Response: response,
				LoggedAt: time.UnixMilli(loggedAt).UTC(),
			})
		}
		r := &out[len(out)-1]
		r.Parts = append(r.Parts, MessagePart{Name: name, HashAlgorithm: alg, Data: data})
	}
	return out, errors.Wrap(rows.Err(), "load pending records")
}

// CommitArchive records d as the group's newest archive and marks ids as
// archived, in one transaction. The sequence must directly follow the
// group's previous archive.
func (s *StagingStore) CommitArchive(ctx context.Context, d ArchiveDigest, ids []uint64) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "begin commit archive")
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM archive_digests WHERE grp = ?`, d.Group).Scan(&last); err != nil {
		return errors.Wrap(err, "read last archive")
	}
	if uint64(last)+1 != d.Sequence {
		return errors.Newf("non-contiguous archive for %q: have %d, got %d", d.Group, last, d.Sequence)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO archive_digests(grp, sequence, hash_alg, final_hash, filename, created_at) VALUES(?, ?, ?, ?, ?, ?)`,
		d.Group, d.Sequence, d.FinalHash.Algorithm().String(), d.FinalHash.Bytes(), d.Filename, d.CreatedAt.UnixMilli()); err != nil {
		return errors.Wrap(err, "insert archive digest")
	}

	for start := 0; start < len(ids); start += markChunkSize {
		chunk := ids[start:min(start+markChunkSize, len(ids))]
		args := make([]interface{}, 0, len(chunk)+2)
		args = append(args, d.Sequence, d.Group)
		for _, id := range chunk {
			args = append(args, id)
		}
		q := `UPDATE records SET archive_seq = ? WHERE grp = ? AND archive_seq IS NULL AND id IN (?` +
			strings.Repeat(",?", len(chunk)-1) + `)`
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return errors.Wrap(err, "mark records archived")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "mark records archived")
		}
		if int(n) != len(chunk) {
			return errors.Newf("marked %d of %d records archived; records changed concurrently", n, len(chunk))
		}
	}
	return errors.Wrap(tx.Commit(), "commit archive")
}

// LastArchive returns the group's newest archive digest, if any.
func (s *StagingStore) LastArchive(ctx context.Context, group string) (ArchiveDigest, bool, error) {
	d := ArchiveDigest{Group: group}
	var hashAlg string
	var hash []byte
	var created int64
	err := s.db.QueryRowContext(ctx, `
SELECT sequence, hash_alg, final_hash, filename, created_at FROM archive_digests
WHERE grp = ? ORDER BY sequence DESC LIMIT 1`, group).Scan(&d.Sequence, &hashAlg, &hash, &d.Filename, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchiveDigest{}, false, nil
	}
	if err != nil {
		return ArchiveDigest{}, false, errors.Wrapf(err, "read last archive of %q", group)
	}
	alg, err := ParseAlgorithm(hashAlg)
	if err != nil {
		return ArchiveDigest{}, false, err
	}
	if d.FinalHash, err = NewDigestValue(alg, hash); err != nil {
		return ArchiveDigest{}, false, errors.Wrapf(err, "archive digest %q/%d", group, d.Sequence)
	}
	d.CreatedAt = time.UnixMilli(created).UTC()
	return d, true, nil
}

// PurgeArchived deletes archived records logged before the cutoff, batch rows
// at a time so the writer lock is never held for long. It returns the number
// of deleted records.
func (s *StagingStore) PurgeArchived(ctx context.Context, before time.Time, batch int) (int64, error) {
	if batch <= 0 {
		return 0, errors.Newf("purge batch size %d", batch)
	}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := s.db.ExecContext(ctx, `
DELETE FROM records WHERE id IN (
  SELECT id FROM records WHERE archive_seq IS NOT NULL AND logged_at < ? ORDER BY id LIMIT ?)`,
			before.UnixMilli(), batch)
		if err != nil {
			return total, errors.Wrap(err, "purge archived records")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, errors.Wrap(err, "purge archived records")
		}
		total += n
		if n < int64(batch) {
			return total, nil
		}
	}
}
