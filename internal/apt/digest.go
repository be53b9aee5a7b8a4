package apt

import (
	"crypto/md5"  // #nosec G501 - MD5 required by the repository format
	"crypto/sha1" // #nosec G505 - SHA1 required by the repository format
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/cockroachdb/errors"
)

// DigestAlgorithm identifies one of the three digest algorithms used by
// Release manifests and Packages records.
type DigestAlgorithm int

const (
	DigestMD5 DigestAlgorithm = iota
	DigestSHA1
	DigestSHA256
)

// ErrNoTrustedDigest is returned when neither SHA-256, SHA-1, nor MD5
// material is available for verification.
var ErrNoTrustedDigest = errors.New("no trusted digest algorithm available")

// strongestFirst lists the algorithms in preference order.
var strongestFirst = []DigestAlgorithm{DigestSHA256, DigestSHA1, DigestMD5}

func (a DigestAlgorithm) String() string {
	switch a {
	case DigestMD5:
		return "MD5"
	case DigestSHA1:
		return "SHA1"
	case DigestSHA256:
		return "SHA256"
	}
	return "unknown"
}

// ReleaseField returns the manifest digest-block name for the algorithm.
func (a DigestAlgorithm) ReleaseField() string {
	switch a {
	case DigestMD5:
		return "MD5Sum"
	case DigestSHA1:
		return "SHA1"
	}
	return "SHA256"
}

// PackagesField returns the per-record digest field name. The Packages
// format spells MD5 differently from the Release format.
func (a DigestAlgorithm) PackagesField() string {
	switch a {
	case DigestMD5:
		return "MD5sum"
	case DigestSHA1:
		return "SHA1"
	}
	return "SHA256"
}

// New returns a fresh hash.Hash for the algorithm.
func (a DigestAlgorithm) New() hash.Hash {
	switch a {
	case DigestMD5:
		return md5.New() // #nosec G401 - format requirement, not used for trust decisions alone
	case DigestSHA1:
		return sha1.New() // #nosec G401
	}
	return sha256.New()
}

// Sum computes the hex digest of data under the algorithm.
func (a DigestAlgorithm) Sum(data []byte) string {
	h := a.New()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// StrongestDigest picks the strongest digest table present in a Release
// manifest, preferring SHA-256 over SHA-1 over MD5.
func StrongestDigest(r *Release) (DigestAlgorithm, error) {
	for _, a := range strongestFirst {
		if r.HasDigestTable(a) {
			return a, nil
		}
	}
	return 0, errors.Wrap(ErrNoTrustedDigest, "release manifest")
}

// StrongestRecordDigest picks the strongest digest field present on a
// package record and returns the algorithm with its expected hex value.
func StrongestRecordDigest(rec *PackageRecord) (DigestAlgorithm, string, error) {
	for _, a := range strongestFirst {
		if v := rec.Get(a.PackagesField()); v != "" {
			return a, v, nil
		}
	}
	return 0, "", errors.Wrapf(ErrNoTrustedDigest, "package %s", rec.Get("Package"))
}
