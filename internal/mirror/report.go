package mirror

import (
	"time"

	"github.com/cockroachdb/errors"
)

// ReportTimeFormat is the timestamp layout used in update report
// entries.
const ReportTimeFormat = "02-01-2006 15:04:05 -0700"

// Report event kinds.
const (
	EventAdd    = "add"
	EventUpdate = "update"
	EventDelete = "delete"
)

// ReportEntry describes one package-level change made by a sync.
// Contents carries the concrete category, "binary-amd64" for binary
// packages.
type ReportEntry struct {
	Name      string
	Type      string
	Contents  string
	Version   string
	Timestamp string
	Event     string
}

// Check validates an entry before it enters a report.
func (e *ReportEntry) Check() error {
	if e.Name == "" {
		return errors.New("report entry without a package name")
	}
	switch e.Event {
	case EventAdd, EventUpdate, EventDelete:
	default:
		return errors.New("invalid report event: " + e.Event)
	}
	if _, err := time.Parse(ReportTimeFormat, e.Timestamp); err != nil {
		return errors.Wrap(err, "invalid report timestamp")
	}
	if e.Contents == "binary" || e.Contents == "binary-" {
		return errors.New("binary contents without an architecture suffix")
	}
	return nil
}

// UpdateReport is the append-only record of changes from one sync. It is
// built fresh per sync and consumed once by the database glue.
type UpdateReport struct {
	entries []ReportEntry
}

// Append validates the entry and adds it to the report.
func (r *UpdateReport) Append(e ReportEntry) error {
	if err := e.Check(); err != nil {
		return err
	}
	r.entries = append(r.entries, e)
	return nil
}

// Entries returns the entries in append order.
func (r *UpdateReport) Entries() []ReportEntry {
	out := make([]ReportEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of entries.
func (r *UpdateReport) Len() int {
	return len(r.entries)
}

// Empty reports whether the sync changed nothing.
func (r *UpdateReport) Empty() bool {
	return len(r.entries) == 0
}
