package apt

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"path"

	"github.com/cockroachdb/errors"
)

// Checksums holds the digest values for a file. A nil slice means the
// digest was not computed and is not checked by Same.
type Checksums struct {
	MD5    []byte
	SHA1   []byte
	SHA256 []byte
}

// FileInfo is a set of meta data of a file: its path relative to some
// repository root, its size, and its checksums.
type FileInfo struct {
	path      string
	size      int64
	checksums Checksums
}

// Same returns true if t has the same checksum values as fi. Digests
// absent from either side are not compared; paths must match.
func (fi *FileInfo) Same(t *FileInfo) bool {
	if fi == t {
		return true
	}
	if fi.path != t.path {
		return false
	}
	if fi.size != t.size {
		return false
	}
	if fi.checksums.MD5 != nil && t.checksums.MD5 != nil && !bytes.Equal(fi.checksums.MD5, t.checksums.MD5) {
		return false
	}
	if fi.checksums.SHA1 != nil && t.checksums.SHA1 != nil && !bytes.Equal(fi.checksums.SHA1, t.checksums.SHA1) {
		return false
	}
	if fi.checksums.SHA256 != nil && t.checksums.SHA256 != nil && !bytes.Equal(fi.checksums.SHA256, t.checksums.SHA256) {
		return false
	}
	return true
}

// Path returns the file path relative to the repository root.
func (fi *FileInfo) Path() string {
	return fi.path
}

// Size returns the file size in bytes.
func (fi *FileInfo) Size() int64 {
	return fi.size
}

// ChecksumHex returns the hex digest under the given algorithm, or an
// empty string when that digest was not computed.
func (fi *FileInfo) ChecksumHex(a DigestAlgorithm) string {
	var sum []byte
	switch a {
	case DigestMD5:
		sum = fi.checksums.MD5
	case DigestSHA1:
		sum = fi.checksums.SHA1
	case DigestSHA256:
		sum = fi.checksums.SHA256
	}
	if sum == nil {
		return ""
	}
	return hex.EncodeToString(sum)
}

// AddPrefix creates a new FileInfo whose path is prefixed by p.
func (fi *FileInfo) AddPrefix(p string) *FileInfo {
	newFI := *fi
	newFI.path = path.Join(path.Clean(p), fi.path)
	return &newFI
}

// CalcChecksums computes all three digests of data.
func (fi *FileInfo) CalcChecksums(data []byte) {
	md5h := DigestMD5.New()
	md5h.Write(data)
	sha1h := DigestSHA1.New()
	sha1h.Write(data)
	sha256h := DigestSHA256.New()
	sha256h.Write(data)
	fi.size = int64(len(data))
	fi.checksums.MD5 = md5h.Sum(nil)
	fi.checksums.SHA1 = sha1h.Sum(nil)
	fi.checksums.SHA256 = sha256h.Sum(nil)
}

// MakeFileInfo constructs a FileInfo for data at the given relative path.
func MakeFileInfo(relPath string, data []byte) *FileInfo {
	fi := &FileInfo{path: path.Clean(relPath)}
	fi.CalcChecksums(data)
	return fi
}

// MakeFileInfoNoChecksum constructs a FileInfo with only a path and size.
func MakeFileInfoNoChecksum(relPath string, size int64) *FileInfo {
	return &FileInfo{
		path: path.Clean(relPath),
		size: size,
	}
}

// MakeFileInfoWithDigest constructs a FileInfo carrying one known digest,
// typically taken from a manifest entry or a package record.
func MakeFileInfoWithDigest(relPath string, size int64, a DigestAlgorithm, hexDigest string) (*FileInfo, error) {
	sum, err := hex.DecodeString(hexDigest)
	if err != nil {
		return nil, errors.Wrapf(err, "bad %s digest for %s", a, relPath)
	}
	fi := &FileInfo{path: path.Clean(relPath), size: size}
	switch a {
	case DigestMD5:
		fi.checksums.MD5 = sum
	case DigestSHA1:
		fi.checksums.SHA1 = sum
	case DigestSHA256:
		fi.checksums.SHA256 = sum
	}
	return fi, nil
}

// CopyWithFileInfo copies src into dst while computing the checksums of
// the copied bytes, and returns the resulting FileInfo for relPath.
func CopyWithFileInfo(dst io.Writer, src io.Reader, relPath string) (*FileInfo, error) {
	md5h := DigestMD5.New()
	sha1h := DigestSHA1.New()
	sha256h := DigestSHA256.New()

	w := io.MultiWriter(md5h, sha1h, sha256h, dst)
	n, err := io.Copy(w, src)
	if err != nil {
		return nil, err
	}

	return &FileInfo{
		path: path.Clean(relPath),
		size: n,
		checksums: Checksums{
			MD5:    md5h.Sum(nil),
			SHA1:   sha1h.Sum(nil),
			SHA256: sha256h.Sum(nil),
		},
	}, nil
}

// CalcFileInfo computes the FileInfo of an existing file on disk,
// recording relPath as its repository-relative path.
func CalcFileInfo(fsPath, relPath string) (*FileInfo, error) {
	f, err := os.Open(fsPath) // #nosec G304 - paths are validated by the caller
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", fsPath)
	}
	defer func() {
		_ = f.Close()
	}()

	return CopyWithFileInfo(io.Discard, f, relPath)
}
