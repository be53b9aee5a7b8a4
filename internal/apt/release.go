package apt

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// releaseFieldOrder is the order in which metadata fields are emitted when
// a Release manifest is regenerated.
var releaseFieldOrder = []string{
	"Origin", "Label", "Suite", "Version", "Codename",
	"Date", "Architectures", "Components", "Description",
}

// ReleaseEntry is one file reference inside a manifest digest table.
type ReleaseEntry struct {
	Hash string
	Size int64
	Path string
}

// Release is a parsed Release manifest: metadata fields plus up to three
// digest tables keyed by algorithm. Digest tables preserve the order in
// which the manifest listed their entries.
type Release struct {
	names   []string
	fields  map[string][]string
	digests map[string][]ReleaseEntry
}

func isDigestField(name string) bool {
	switch name {
	case "MD5Sum", "SHA1", "SHA256":
		return true
	}
	return false
}

// ParseRelease parses Release manifest bytes. Lines beginning with
// whitespace continue the previous field; under a digest field they are
// (hash, size, path) triples. Malformed lines are skipped with a warning.
func ParseRelease(data []byte) (*Release, error) {
	r := &Release{
		fields:  make(map[string][]string),
		digests: make(map[string][]ReleaseEntry),
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	var current string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if current == "" {
				slog.Warn("release continuation line without a field", "line", line)
				continue
			}
			if isDigestField(current) {
				parts := strings.Fields(line)
				if len(parts) != 3 {
					slog.Warn("skipping malformed digest line", "field", current, "line", line)
					continue
				}
				size, err := strconv.ParseInt(parts[1], 10, 64)
				if err != nil {
					slog.Warn("skipping digest line with bad size", "field", current, "line", line)
					continue
				}
				r.digests[current] = append(r.digests[current], ReleaseEntry{
					Hash: parts[0],
					Size: size,
					Path: parts[2],
				})
				continue
			}
			r.fields[current] = append(r.fields[current], strings.TrimSpace(line))
			continue
		}

		idx := strings.Index(line, ":")
		if idx < 0 {
			slog.Warn("skipping malformed release line", "line", line)
			continue
		}
		name := line[:idx]
		value := strings.TrimSpace(line[idx+1:])
		current = name

		if isDigestField(name) {
			if _, ok := r.digests[name]; !ok {
				r.digests[name] = nil
			}
			continue
		}
		if _, ok := r.fields[name]; !ok {
			r.names = append(r.names, name)
			r.fields[name] = []string{value}
			continue
		}
		r.fields[name] = append(r.fields[name], value)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning release manifest")
	}
	return r, nil
}

// Field returns the first value line of a metadata field, or "".
func (r *Release) Field(name string) string {
	v := r.fields[name]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// SetField replaces a metadata field's value lines.
func (r *Release) SetField(name string, lines ...string) {
	if _, ok := r.fields[name]; !ok {
		r.names = append(r.names, name)
	}
	r.fields[name] = lines
}

// HasDigestTable reports whether the manifest carried the digest field for
// the algorithm, even when its table is empty.
func (r *Release) HasDigestTable(a DigestAlgorithm) bool {
	_, ok := r.digests[a.ReleaseField()]
	return ok
}

// DigestEntries returns the digest table for the algorithm in manifest
// order. The returned slice is shared; callers must not mutate it.
func (r *Release) DigestEntries(a DigestAlgorithm) []ReleaseEntry {
	return r.digests[a.ReleaseField()]
}

// LookupEntry finds the digest-table entry for a relative path.
func (r *Release) LookupEntry(a DigestAlgorithm, relPath string) (ReleaseEntry, bool) {
	for _, e := range r.digests[a.ReleaseField()] {
		if e.Path == relPath {
			return e, true
		}
	}
	return ReleaseEntry{}, false
}

// Serialize regenerates the manifest wholesale: metadata fields in
// canonical order (only those present, except Date which is always written
// as the current UTC time), then the three digest blocks computed from
// files. Each digest line is " <hash><size right-aligned to 17> <path>",
// the exact layout Debian clients parse.
func (r *Release) Serialize(w io.Writer, files []*FileInfo) error {
	for _, name := range releaseFieldOrder {
		if name == "Date" {
			if _, err := fmt.Fprintf(w, "Date: %s\n", time.Now().UTC().Format(time.RFC1123)); err != nil {
				return errors.Wrap(err, "writing release manifest")
			}
			continue
		}
		lines, ok := r.fields[name]
		if !ok || len(lines) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", name, lines[0]); err != nil {
			return errors.Wrap(err, "writing release manifest")
		}
		for _, l := range lines[1:] {
			if _, err := fmt.Fprintf(w, " %s\n", l); err != nil {
				return errors.Wrap(err, "writing release manifest")
			}
		}
	}

	for _, a := range []DigestAlgorithm{DigestMD5, DigestSHA1, DigestSHA256} {
		if _, err := fmt.Fprintf(w, "%s:\n", a.ReleaseField()); err != nil {
			return errors.Wrap(err, "writing release manifest")
		}
		for _, fi := range files {
			if _, err := fmt.Fprintf(w, " %s%17d %s\n", fi.ChecksumHex(a), fi.Size(), fi.Path()); err != nil {
				return errors.Wrap(err, "writing release manifest")
			}
		}
	}
	return nil
}
