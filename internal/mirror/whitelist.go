package mirror

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"log/slog"

	"github.com/aptgate/aptgate/internal/apt"
)

// Whitelist is the set of (component, package, category type) triples
// approved for import. Category sets hold whitelist types such as
// "binary", never the per-architecture expansions; an empty set approves
// every category of its component.
type Whitelist struct {
	entries map[string]map[string]map[string]bool
}

// NewWhitelist creates an empty whitelist.
func NewWhitelist() *Whitelist {
	return &Whitelist{entries: make(map[string]map[string]map[string]bool)}
}

// LoadWhitelist reads a whitelist file. A missing file is an empty
// whitelist, not an error.
func LoadWhitelist(path string) (*Whitelist, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from validated config
	if os.IsNotExist(err) {
		return NewWhitelist(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening whitelist")
	}
	defer func() {
		_ = f.Close()
	}()

	return ParseWhitelist(f)
}

// ParseWhitelist parses the line-oriented whitelist format: [component]
// section headers followed by "package category,category" lines. Blank
// lines and #-prefixed lines are ignored. Malformed lines are skipped
// with a warning.
func ParseWhitelist(r io.Reader) (*Whitelist, error) {
	w := NewWhitelist()
	component := ""

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			component = strings.TrimSpace(line[1 : len(line)-1])
			if component == "" {
				slog.Warn("skipping empty whitelist section header")
			}
			continue
		}

		if component == "" {
			slog.Warn("skipping whitelist entry outside any section", "line", line)
			continue
		}

		fields := strings.Fields(line)
		name := fields[0]
		var cats []string
		for _, part := range strings.Split(strings.Join(fields[1:], ","), ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				cats = append(cats, part)
			}
		}
		w.Add(component, name, cats)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading whitelist")
	}
	return w, nil
}

// Add approves a package for the given category types. An empty
// categories list approves every category of the component. Add replaces
// any previous entry for the package.
func (w *Whitelist) Add(component, name string, categories []string) {
	pkgs := w.entries[component]
	if pkgs == nil {
		pkgs = make(map[string]map[string]bool)
		w.entries[component] = pkgs
	}
	set := make(map[string]bool, len(categories))
	for _, c := range categories {
		set[c] = true
	}
	pkgs[name] = set
}

// Remove withdraws a package's approval entirely. It reports whether the
// package was listed.
func (w *Whitelist) Remove(component, name string) bool {
	pkgs := w.entries[component]
	if pkgs == nil {
		return false
	}
	if _, ok := pkgs[name]; !ok {
		return false
	}
	delete(pkgs, name)
	if len(pkgs) == 0 {
		delete(w.entries, component)
	}
	return true
}

// IsApproved reports whether a package may be imported for a category.
// The category may be a concrete name like "binary-amd64"; it is reduced
// to its whitelist type before the check.
func (w *Whitelist) IsApproved(component, name, category string) bool {
	set, ok := w.entries[component][name]
	if !ok {
		return false
	}
	if len(set) == 0 {
		return true
	}
	return set[CategoryType(category)]
}

// Components returns the component names with at least one entry,
// sorted.
func (w *Whitelist) Components() []string {
	out := make([]string, 0, len(w.entries))
	for c := range w.entries {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Packages returns the approved package names for a component, sorted.
func (w *Whitelist) Packages(component string) []string {
	pkgs := w.entries[component]
	out := make([]string, 0, len(pkgs))
	for name := range pkgs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Entries returns a copy of a component's package to category-type
// mapping with sorted category lists.
func (w *Whitelist) Entries(component string) map[string][]string {
	out := make(map[string][]string)
	for name, set := range w.entries[component] {
		cats := make([]string, 0, len(set))
		for c := range set {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		out[name] = cats
	}
	return out
}

// Len returns the total number of whitelisted packages across all
// components.
func (w *Whitelist) Len() int {
	n := 0
	for _, pkgs := range w.entries {
		n += len(pkgs)
	}
	return n
}

// Save serializes the whitelist in its file format with components and
// package names sorted, so saving is deterministic.
func (w *Whitelist) Save(out io.Writer) error {
	for i, component := range w.Components() {
		if i > 0 {
			if _, err := fmt.Fprintln(out); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(out, "[%s]\n", component); err != nil {
			return err
		}
		entries := w.Entries(component)
		for _, name := range w.Packages(component) {
			cats := entries[name]
			if len(cats) == 0 {
				if _, err := fmt.Fprintln(out, name); err != nil {
					return err
				}
				continue
			}
			if _, err := fmt.Fprintf(out, "%s\t%s\n", name, strings.Join(cats, ",")); err != nil {
				return err
			}
		}
	}
	return nil
}

// SaveFile writes the whitelist to path through a temporary file in the
// same directory.
func (w *Whitelist) SaveFile(path string) error {
	f, err := os.CreateTemp(filepath.Dir(path), "_whitelist")
	if err != nil {
		return errors.Wrap(err, "creating whitelist temp file")
	}
	name := f.Name()

	err = func() error {
		if err := w.Save(f); err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		if err := os.Chmod(name, 0644); err != nil {
			return err
		}
		return os.Rename(name, path)
	}()
	if err != nil {
		_ = os.Remove(name)
		return errors.Wrap(err, "writing whitelist "+path)
	}
	return nil
}

// OverrideClosure computes the transitive dependency closure of the
// whitelisted packages for one component and category: the packages that
// must be imported alongside them although not whitelisted themselves.
//
// The closure is seeded with the Depends and Recommends of every
// whitelisted package found in candidates and expanded breadth first.
// Dependencies already whitelisted are dropped, and dependencies absent
// from candidates are logged and dropped. Each package enters the
// closure at most once, so the walk terminates.
func (w *Whitelist) OverrideClosure(component, category string, candidates *apt.PackageIndex) map[string]bool {
	closure := make(map[string]bool)
	var queue []string

	for _, name := range w.Packages(component) {
		if !w.IsApproved(component, name, category) {
			continue
		}
		rec, ok := candidates.Get(name)
		if !ok {
			continue
		}
		queue = append(queue, rec.Dependencies()...)
	}

	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]

		if closure[dep] || w.IsApproved(component, dep, category) {
			continue
		}
		rec, ok := candidates.Get(dep)
		if !ok {
			slog.Warn("dependency not found in remote index", "component", component, "category", category, "package", dep)
			continue
		}
		closure[dep] = true
		queue = append(queue, rec.Dependencies()...)
	}
	return closure
}

// Apply filters an index down to the records that are either whitelisted
// for the component and category or contained in the override closure.
// closure may be nil when override mode is off.
func (w *Whitelist) Apply(idx *apt.PackageIndex, component, category string, closure map[string]bool) *apt.PackageIndex {
	out := apt.NewPackageIndex()
	for _, name := range idx.Names() {
		if !w.IsApproved(component, name, category) && !closure[name] {
			continue
		}
		if rec, ok := idx.Get(name); ok {
			out.Set(rec)
		}
	}
	return out
}
