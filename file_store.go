package logarchive

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/cockroachdb/errors"
)

// ErrArchiveExists is returned by Put when the file name is already taken.
var ErrArchiveExists = errors.New("archive file already exists")

// ArchiveDir is an append-only directory of archive files with one
// subdirectory per group:
//
//	<root>/.lock
//	<root>/g-<escaped group>/<archive file name>
//
// Files are never modified once written. Writers in other processes are
// excluded with flock on .lock.
type ArchiveDir struct {
	root     string
	lockFile *os.File
	mu       sync.RWMutex
}

const (
	lockFileName   = ".lock"
	groupDirPrefix = "g-"
	tmpSuffix      = ".tmp"
)

// OpenArchiveDir creates or opens an archive directory.
func OpenArchiveDir(root string) (*ArchiveDir, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.Wrap(err, "create archive directory")
	}
	lf, err := os.OpenFile(filepath.Join(root, lockFileName), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	return &ArchiveDir{root: root, lockFile: lf}, nil
}

// Root returns the directory path.
func (d *ArchiveDir) Root() string { return d.root }

// GroupPath returns the directory holding group's archives.
func (d *ArchiveDir) GroupPath(group string) string {
	name := groupDirPrefix + escapeQueryID(group)
	if len(name) > MaxFilenameLength {
		sum := sha256.Sum256([]byte(group))
		name = groupDirPrefix + hex.EncodeToString(sum[:])
	}
	return filepath.Join(d.root, name)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || strings.HasSuffix(name, tmpSuffix) {
		return errors.Wrapf(ErrInput, "invalid archive file name %q", name)
	}
	return nil
}

// Put durably writes a new archive file. The file appears under its final
// name only once its contents are synced.
func (d *ArchiveDir) Put(group, name string, data []byte) (string, error) {
	return d.write(group, name, data, false)
}

// Replace is Put for a name left behind by a write whose staging commit never
// happened. The old file is swapped out atomically by the rename.
func (d *ArchiveDir) Replace(group, name string, data []byte) (string, error) {
	return d.write(group, name, data, true)
}

func (d *ArchiveDir) write(group, name string, data []byte, replace bool) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return "", errors.Wrap(err, "lock archive directory")
	}
	defer syscall.Flock(int(d.lockFile.Fd()), syscall.LOCK_UN)

	dir := d.GroupPath(group)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", errors.Wrap(err, "create group directory")
	}
	final := filepath.Join(dir, name)
	if fi, err := os.Lstat(final); err == nil {
		if !replace || !fi.Mode().IsRegular() {
			return "", errors.Wrapf(ErrArchiveExists, "%s", final)
		}
	} else if !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "stat %s", final)
	}

	tmp := final + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", errors.Wrap(err, "create archive file")
	}
	if err := writeAndSync(f, data); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", errors.Wrap(err, "rename archive file")
	}
	if err := syncDir(dir); err != nil {
		return "", err
	}
	return final, nil
}

func writeAndSync(f *os.File, data []byte) error {
	n, err := f.Write(data)
	if err == nil && n != len(data) {
		err = errors.Newf("incomplete write: %d of %d bytes", n, len(data))
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "write archive file")
}

func syncDir(dir string) error {
	df, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open group directory")
	}
	defer df.Close()
	return errors.Wrap(df.Sync(), "sync group directory")
}

// Remove deletes an archive whose staging commit failed.
func (d *ArchiveDir) Remove(group, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Wrap(os.Remove(filepath.Join(d.GroupPath(group), name)), "remove archive file")
}

// Read returns the contents of an archive file.
func (d *ArchiveDir) Read(group, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, err := os.ReadFile(filepath.Join(d.GroupPath(group), name))
	if err != nil {
		return nil, errors.Wrapf(err, "read archive %s", name)
	}
	return b, nil
}

// List returns the archive file names of group, sorted.
func (d *ArchiveDir) List(group string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entries, err := os.ReadDir(d.GroupPath(group))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "list archives of %q", group)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the lock file.
func (d *ArchiveDir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lockFile.Close()
}
