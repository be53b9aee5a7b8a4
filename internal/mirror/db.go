package mirror

import (
	"github.com/cockroachdb/errors"
)

// PackageDatabase is the persistence collaborator fed after a sync.
// Implementations live outside this module.
type PackageDatabase interface {
	RecordExists(name, pkgType, contents string) (bool, error)
	InsertPackage(name, pkgType, contents string) error
	HistoryEntryExists(name, contents, version string) (bool, error)
	InsertHistory(name, contents, version, event, sourceRepo string) error
	UpdateHistory(name, contents, version, event, sourceRepo string) error
	SetCurrentVersion(name, contents, version string) error
}

// RecordReport persists every report entry. Per entry the order is
// fixed: ensure the package row exists, ensure its history entry exists,
// then set the current version.
func RecordReport(db PackageDatabase, repoID string, report *UpdateReport) error {
	for _, e := range report.Entries() {
		ok, err := db.RecordExists(e.Name, e.Type, e.Contents)
		if err != nil {
			return errors.Wrap(err, "checking package record")
		}
		if !ok {
			if err := db.InsertPackage(e.Name, e.Type, e.Contents); err != nil {
				return errors.Wrap(err, "inserting package record")
			}
		}

		ok, err = db.HistoryEntryExists(e.Name, e.Contents, e.Version)
		if err != nil {
			return errors.Wrap(err, "checking history entry")
		}
		if !ok {
			err = db.InsertHistory(e.Name, e.Contents, e.Version, e.Event, repoID)
		} else {
			err = db.UpdateHistory(e.Name, e.Contents, e.Version, e.Event, repoID)
		}
		if err != nil {
			return errors.Wrap(err, "recording history entry")
		}

		if err := db.SetCurrentVersion(e.Name, e.Contents, e.Version); err != nil {
			return errors.Wrap(err, "setting current version")
		}
	}
	return nil
}
