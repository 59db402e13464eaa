// Package logarchive writes and verifies tamper-evident archives of logged
// messages.
//
// Records (a request or response with its message parts) are staged, then
// batched per group into archives. Every record digest extends a hash chain
// that starts from the previous archive's final hash, so consecutive archives
// of a group form one continuous, auditable chain. The final link of each
// batch is signed and may be time-stamped.
//
// Storage:
//
// 1. Staging (sqlite_store.go)
//   - SQLite database in WAL mode
//   - Pending records and their parts, in id order
//   - The final hash of every group's newest archive
//
// 2. Archive directory (file_store.go)
//   - One subdirectory per group
//   - Files are written once, synced, and never modified
//   - flock excludes writers in other processes
//
// Archive layout:
//
//	mimetype                          application/vnd.etsi.asic-e+zip (stored)
//	META-INF/manifest.yaml            records, parts and signature coverage
//	META-INF/signature-<k>.bin        signature k
//	META-INF/hashchainresult-<k>.bin  [final link] (batch signatures only)
//	META-INF/hashchain-<k>.bin        [seed, d1, l1, ..., dn, ln] (batch signatures only)
//	META-INF/ASiCManifest.xml         optional signed manifest
//	META-INF/timestamp.tst            optional RFC 3161 response
//	records/<i>/<part>                message, attachment-1..N, signature
//
// Chain links are l(i) = H(canonical([l(i-1), d(i)])), where canonical is the
// deterministic digest list encoding of Canonicalize and l(0) is the seed.
//
// Usage:
//
//	store, _ := logarchive.OpenStagingStore("staging.db")
//	dir, _ := logarchive.OpenArchiveDir("/var/lib/logarchive")
//	signer, _ := logarchive.LoadEd25519Signer("signing.pem")
//
//	store.Stage(ctx, "EE/GOV/70000001/registry", record)
//
//	a, _ := logarchive.NewArchiver(store, dir, signer, logarchive.ArchiverOptions{
//		Algorithm:  logarchive.SHA512,
//		MaxRecords: 10000,
//	}, log)
//	written, err := a.Run(ctx)
//
// Verification needs nothing but the archive and the previous archive's
// final hash (or the zero seed for the first archive of a group):
//
//	c, _ := logarchive.LoadArchiveFile(path, nil)
//	res, err := logarchive.VerifyArchive(c, previousFinalHash, logarchive.VerifyOptions{})
package logarchive
