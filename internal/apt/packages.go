package apt

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// PackageRecord is the ordered field set of one Packages stanza.
// Field values are flat strings: continuation lines are folded into the
// previous value during parsing.
type PackageRecord struct {
	names  []string
	values map[string]string
}

// NewPackageRecord returns an empty record.
func NewPackageRecord() *PackageRecord {
	return &PackageRecord{values: make(map[string]string)}
}

// Get returns the value of a field, or "" when absent.
func (r *PackageRecord) Get(name string) string {
	return r.values[name]
}

// Has reports whether the field is present, even with an empty value.
func (r *PackageRecord) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// Set stores a field value, appending the name to the field order when new.
func (r *PackageRecord) Set(name, value string) {
	if _, ok := r.values[name]; !ok {
		r.names = append(r.names, name)
	}
	r.values[name] = value
}

// append folds an additional fragment onto an existing field value.
func (r *PackageRecord) append(name, fragment string) {
	r.values[name] += fragment
}

// Fields returns the field names in storage order.
func (r *PackageRecord) Fields() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Name returns the mandatory Package field.
func (r *PackageRecord) Name() string {
	return r.values["Package"]
}

// Version returns the mandatory Version field.
func (r *PackageRecord) Version() string {
	return r.values["Version"]
}

// Dependencies returns the package names referenced by the Depends and
// Recommends fields. Pipe alternatives count as separate candidates and
// parenthesised version constraints are stripped.
func (r *PackageRecord) Dependencies() []string {
	var deps []string
	for _, field := range []string{"Depends", "Recommends"} {
		v := r.values[field]
		if v == "" {
			continue
		}
		v = strings.ReplaceAll(v, "|", ",")
		for _, part := range strings.Split(v, ",") {
			if i := strings.Index(part, "("); i >= 0 {
				part = part[:i]
			}
			part = strings.TrimSpace(part)
			if part != "" {
				deps = append(deps, part)
			}
		}
	}
	return deps
}

// Serialize writes the record's fields, hint-ordered fields first (each
// written once), then the remaining fields in storage order.
func (r *PackageRecord) Serialize(w io.Writer, fieldOrder []string) error {
	written := make(map[string]bool, len(r.names))
	emit := func(name string) error {
		_, err := fmt.Fprintf(w, "%s: %s\n", name, r.values[name])
		return err
	}
	for _, name := range fieldOrder {
		if _, ok := r.values[name]; !ok || written[name] {
			continue
		}
		if err := emit(name); err != nil {
			return errors.Wrap(err, "writing package record")
		}
		written[name] = true
	}
	for _, name := range r.names {
		if written[name] {
			continue
		}
		if err := emit(name); err != nil {
			return errors.Wrap(err, "writing package record")
		}
		written[name] = true
	}
	return nil
}

// RecordReader produces PackageRecords from a Packages stream one at a
// time. The stream is consumed as records are read; the sequence is
// single-pass and terminates with io.EOF.
type RecordReader struct {
	scanner *bufio.Scanner
	done    bool
}

// NewRecordReader wraps r for stanza-at-a-time reading.
func NewRecordReader(r io.Reader) *RecordReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &RecordReader{scanner: sc}
}

// Next returns the next record, or io.EOF when the stream is exhausted.
// A blank line ends a record. Continuation lines fold into the previous
// field; a line with no colon and no leading whitespace is kept as a field
// with an empty value and logged.
func (rr *RecordReader) Next() (*PackageRecord, error) {
	if rr.done {
		return nil, io.EOF
	}

	rec := NewPackageRecord()
	var last string
	for rr.scanner.Scan() {
		line := rr.scanner.Text()
		if line == "" {
			if len(rec.names) == 0 {
				continue
			}
			return rec, nil
		}
		if line[0] == ' ' || line[0] == '\t' {
			if last == "" {
				slog.Warn("package stanza continuation without a field", "line", line)
				continue
			}
			rec.append(last, strings.TrimSpace(line))
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			slog.Warn("package stanza line without a colon", "line", line)
			rec.Set(line, "")
			last = line
			continue
		}
		name := line[:idx]
		rec.Set(name, strings.TrimSpace(line[idx+1:]))
		last = name
	}

	rr.done = true
	if err := rr.scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning package index")
	}
	if len(rec.names) == 0 {
		return nil, io.EOF
	}
	return rec, nil
}

// PackageIndex maps package names to records. Names are unique within one
// component/category pairing; insertion order is preserved.
type PackageIndex struct {
	names   []string
	records map[string]*PackageRecord
}

// NewPackageIndex returns an empty index.
func NewPackageIndex() *PackageIndex {
	return &PackageIndex{records: make(map[string]*PackageRecord)}
}

// ParseIndex reads every record from r. Records missing the mandatory
// Package or Version fields are skipped with a warning; a later record for
// the same name replaces the earlier one.
func ParseIndex(r io.Reader) (*PackageIndex, error) {
	idx := NewPackageIndex()
	rr := NewRecordReader(r)
	for {
		rec, err := rr.Next()
		if err == io.EOF {
			return idx, nil
		}
		if err != nil {
			return nil, err
		}
		if rec.Name() == "" || rec.Version() == "" {
			slog.Warn("skipping package stanza without Package or Version", "package", rec.Name())
			continue
		}
		idx.Set(rec)
	}
}

// Get looks up a record by package name.
func (x *PackageIndex) Get(name string) (*PackageRecord, bool) {
	rec, ok := x.records[name]
	return rec, ok
}

// Set stores a record under its package name.
func (x *PackageIndex) Set(rec *PackageRecord) {
	name := rec.Name()
	if _, ok := x.records[name]; !ok {
		x.names = append(x.names, name)
	}
	x.records[name] = rec
}

// Delete removes a record by name. It reports whether the name existed.
func (x *PackageIndex) Delete(name string) bool {
	if _, ok := x.records[name]; !ok {
		return false
	}
	delete(x.records, name)
	for i, n := range x.names {
		if n == name {
			x.names = append(x.names[:i], x.names[i+1:]...)
			break
		}
	}
	return true
}

// Names returns the package names in insertion order.
func (x *PackageIndex) Names() []string {
	out := make([]string, len(x.names))
	copy(out, x.names)
	return out
}

// Len returns the number of records.
func (x *PackageIndex) Len() int {
	return len(x.records)
}

// Serialize writes every record sorted by package name, each followed by a
// blank line, with fieldOrder applied per record.
func (x *PackageIndex) Serialize(w io.Writer, fieldOrder []string) error {
	names := x.Names()
	sort.Strings(names)
	for _, name := range names {
		if err := x.records[name].Serialize(w, fieldOrder); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return errors.Wrap(err, "writing package index")
		}
	}
	return nil
}
