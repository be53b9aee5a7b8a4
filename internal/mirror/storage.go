package mirror

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/aptgate/aptgate/internal/apt"
)

// validatePath validates that a path is safe for use below a managed
// directory. It rejects parent directory references and absolute paths.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return errors.New("unsafe path (contains directory traversal): " + path)
	}
	if filepath.IsAbs(cleanPath) {
		return errors.New("unsafe path (absolute path not allowed): " + path)
	}
	return nil
}

// validateDirectoryPath validates a directory argument. Absolute paths
// are allowed; relative paths must not climb out of the working tree.
func validateDirectoryPath(path string) error {
	cleanPath := filepath.Clean(path)

	if !filepath.IsAbs(cleanPath) && strings.Contains(cleanPath, "..") {
		return errors.New("unsafe directory path (contains directory traversal): " + path)
	}
	return nil
}

// DirSync calls fsync(2) on the directory to save changes in the
// directory.
//
// This should be called after os.Create, os.Rename and so on.
func DirSync(d string) error {
	if err := validateDirectoryPath(d); err != nil {
		return errors.Wrap(err, "DirSync")
	}

	f, err := os.OpenFile(d, os.O_RDONLY, 0755) // #nosec G304,G302 - path validated, 0755 needed for directory access
	if err != nil {
		return err
	}
	err = f.Sync()
	if err != nil {
		return err
	}
	return f.Close()
}

// Storage performs every write under a repository's cache directory and
// published tree. Content always lands through a temporary file in the
// destination directory followed by fsync, rename and an fsync of the
// directory, so a crash never leaves a truncated file at a final name.
type Storage struct {
	uid int
	gid int
}

// NewStorage resolves the owner and group that finished files are
// assigned to. Empty names leave ownership untouched.
func NewStorage(owner, group string) (*Storage, error) {
	s := &Storage{uid: -1, gid: -1}

	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return nil, errors.Wrap(err, "looking up owner")
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return nil, errors.Wrap(err, "parsing uid of "+owner)
		}
		s.uid = uid
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return nil, errors.Wrap(err, "looking up group")
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return nil, errors.Wrap(err, "parsing gid of "+group)
		}
		s.gid = gid
	}
	return s, nil
}

func (s *Storage) chown(path string) error {
	if s.uid == -1 && s.gid == -1 {
		return nil
	}
	return os.Chown(path, s.uid, s.gid)
}

// MkdirAll creates dir and any missing parents, assigning the configured
// ownership to each directory it creates.
func (s *Storage) MkdirAll(dir string) error {
	if err := validateDirectoryPath(dir); err != nil {
		return errors.Wrap(err, "MkdirAll")
	}

	var missing []string
	for d := filepath.Clean(dir); ; d = filepath.Dir(d) {
		_, err := os.Stat(d)
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return err
		}
		missing = append(missing, d)
		if d == filepath.Dir(d) {
			break
		}
	}

	for i := len(missing) - 1; i >= 0; i-- {
		err := os.Mkdir(missing[i], 0750)
		if err != nil && !os.IsExist(err) {
			return err
		}
		if err := s.chown(missing[i]); err != nil {
			return err
		}
	}
	return nil
}

// EnsureLayout creates the directories a repository needs before a sync:
// the cache directory, the pool directory and the manifest directory.
func (s *Storage) EnsureLayout(rc *RepoConfig) error {
	for _, d := range []string{
		rc.CacheDir,
		rc.PoolDir,
		filepath.Join(rc.Root, rc.ReleaseDir()),
	} {
		if err := s.MkdirAll(d); err != nil {
			return err
		}
	}
	return nil
}

// TempFile creates a temporary file in dir for streaming content into.
// dir must be on the same filesystem as the final destination so the
// rename in Commit is atomic.
func (s *Storage) TempFile(dir string) (*os.File, error) {
	if err := s.MkdirAll(dir); err != nil {
		return nil, err
	}
	return os.CreateTemp(dir, "_tmp")
}

// Commit fsyncs and closes f, fixes its mode and ownership, and renames
// it to dest. The temporary file is removed when any step fails.
func (s *Storage) Commit(f *os.File, dest string) error {
	name := f.Name()
	err := func() error {
		if err := f.Sync(); err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		if err := os.Chmod(name, 0644); err != nil {
			return err
		}
		if err := s.chown(name); err != nil {
			return err
		}
		if err := s.MkdirAll(filepath.Dir(dest)); err != nil {
			return err
		}
		return os.Rename(name, dest)
	}()
	if err != nil {
		_ = os.Remove(name)
		return errors.Wrap(err, "Commit: "+dest)
	}
	return DirSync(filepath.Dir(dest))
}

// Discard closes and removes a temporary file that will not be
// committed.
func (s *Storage) Discard(f *os.File) {
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
}

// WriteFile writes data to dest through a temporary file in the same
// directory.
func (s *Storage) WriteFile(dest string, data []byte) error {
	f, err := s.TempFile(filepath.Dir(dest))
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		s.Discard(f)
		return errors.Wrap(err, "WriteFile: "+dest)
	}
	return s.Commit(f, dest)
}

// WalkFileInfo hashes every regular file below root with all three
// digest algorithms, returning entries whose paths are relative to root.
// The signed manifests themselves and uncommitted temporary files are
// excluded.
func (s *Storage) WalkFileInfo(root string) ([]*apt.FileInfo, error) {
	var out []*apt.FileInfo
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		base := filepath.Base(p)
		switch base {
		case "Release", "Release.gpg", "InRelease":
			return nil
		}
		if strings.HasPrefix(base, "_tmp") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		fi, err := apt.CalcFileInfo(p, filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		out = append(out, fi)
		return nil
	})
	return out, err
}
