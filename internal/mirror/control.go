package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const lockFilename = ".lock"

// resolveRepos expands the requested repository IDs against the
// configuration. An empty request selects every configured repository
// in sorted order; an unknown ID is an error.
func resolveRepos(cfg *Config, ids []string) ([]string, error) {
	if len(ids) == 0 {
		for id := range cfg.Repos {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids, nil
	}

	seen := make(map[string]bool)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := cfg.Repos[id]; !ok {
			return nil, errors.New("unknown repository: " + id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

// gc removes leftovers under the cache directory that belong to no
// configured repository.
func gc(ctx context.Context, cfg *Config) error {
	keep := map[string]bool{
		lockFilename: true,
	}
	for id := range cfg.Repos {
		keep[id] = true
	}

	dirEntries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return errors.Wrap(err, "gc")
	}

	for _, dirEntry := range dirEntries {
		if keep[dirEntry.Name()] {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p := filepath.Join(cfg.Dir, dirEntry.Name())
		slog.Info("removing stale cache entry", "path", p)
		if err := os.RemoveAll(p); err != nil {
			return errors.Wrap(err, "gc")
		}
	}
	return nil
}

// Run synchronizes the requested repositories.
//
// The first thing to do is to acquire flock on the lock file; a second
// invocation against the same cache directory fails immediately.
//
// ids is a list of repository IDs defined in the configuration file
// (or keys in cfg.Repos). If ids is an empty list, all repositories
// are synchronized. Repositories run concurrently, at most
// cfg.MaxConns at a time, and one repository failing does not stop the
// others. When db is non-nil, each successful update report is
// recorded in it.
func Run(ctx context.Context, cfg *Config, ids []string, db PackageDatabase) error {
	if err := cfg.Check(); err != nil {
		return err
	}

	storage, err := NewStorage(cfg.Owner, cfg.Group)
	if err != nil {
		return err
	}
	if err := storage.MkdirAll(cfg.Dir); err != nil {
		return err
	}

	lockFile := filepath.Join(cfg.Dir, lockFilename)
	file, err := os.OpenFile(lockFile, os.O_RDONLY|os.O_CREATE, 0644) // #nosec G304 - path joined from validated config
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close lock file", "error", err)
		}
	}()

	fileLock := Flock{file}
	if err := fileLock.Lock(); err != nil {
		return errors.Wrap(err, "another instance is already running")
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
	}()
	defer func() {
		if err := os.Remove(lockFile); err != nil {
			slog.Warn("failed to remove lock file", "error", err, "path", lockFile)
		}
	}()

	verifier, err := NewVerifier(cfg.Keyring, cfg.SigningKey, cfg.PassphraseFile, cfg.SigningKeyID)
	if err != nil {
		return err
	}

	ids, err = resolveRepos(cfg, ids)
	if err != nil {
		return err
	}

	results := make([]SyncResult, len(ids))
	var syncers []Syncer
	var syncerIdx []int
	for i, id := range ids {
		rc := cfg.Repos[id]
		rc.ApplyDefaults(id, cfg)

		plugin, err := LookupPlugin(rc.Type)
		if err != nil {
			results[i] = SyncResult{Repo: id, Status: SyncFailed, Err: err}
			continue
		}
		syncer, err := plugin.Initialize(id, rc, cfg, verifier)
		if err != nil {
			results[i] = SyncResult{Repo: id, Status: SyncFailed, Err: err}
			continue
		}
		syncers = append(syncers, syncer)
		syncerIdx = append(syncerIdx, i)
	}

	slog.Info("sync starts", "repos", len(syncers))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(cfg.MaxConns)
	for n, syncer := range syncers {
		syncer := syncer
		i := syncerIdx[n]
		group.Go(func() error {
			results[i] = syncer.Sync(gctx)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	var failures []error
	for _, res := range results {
		switch res.Status {
		case SyncUpdated:
			slog.Info("repository updated", "repo", res.Repo, "packages", res.Report.Len())
			if db != nil {
				if err := RecordReport(db, res.Repo, res.Report); err != nil {
					failures = append(failures, errors.Wrap(err, res.Repo))
				}
			}
		case SyncNoUpdate:
			slog.Info("repository up to date", "repo", res.Repo)
		case SyncFailed:
			slog.Error("repository sync failed", "repo", res.Repo, "error", res.Err)
			failures = append(failures, errors.Wrap(res.Err, res.Repo))
		}
	}

	if err := gc(ctx, cfg); err != nil {
		failures = append(failures, err)
	}

	slog.Info("sync ends", "failed", len(failures))
	return errors.Join(failures...)
}
