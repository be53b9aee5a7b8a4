package mirror

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aptgate/aptgate/internal/apt"
)

// SyncStatus classifies the outcome of one sync pass.
type SyncStatus int

const (
	SyncFailed SyncStatus = iota
	SyncNoUpdate
	SyncUpdated
)

func (s SyncStatus) String() string {
	switch s {
	case SyncFailed:
		return "failed"
	case SyncNoUpdate:
		return "no update"
	case SyncUpdated:
		return "updated"
	}
	return "unknown"
}

// SyncResult is the outcome of one repository sync: an update report on
// success, a no-update marker when the remote manifest has not changed,
// or a failure with its cause.
type SyncResult struct {
	Repo   string
	Status SyncStatus
	Report *UpdateReport
	Err    error
}

// Engine synchronizes one Debian-style repository: it refreshes the
// remote manifest and indices through the mirror list, filters by
// whitelist, fetches changed payloads into the local pool, and
// republishes signed indices.
//
// An Engine owns its mirror state, manifest, and whitelist for the
// duration of a sync; nothing is shared across repositories except the
// Verifier.
type Engine struct {
	id       string
	rc       *RepoConfig
	verifier *Verifier
	storage  *Storage
	mirrors  *MirrorList
	fetcher  *Fetcher
}

// NewEngine binds an engine to a repository configuration, applying
// defaults and validating it first.
func NewEngine(id string, rc *RepoConfig, global *Config, verifier *Verifier) (*Engine, error) {
	if !IsValidID(id) {
		return nil, errors.New("invalid repository id: " + id)
	}
	rc.ApplyDefaults(id, global)
	if err := rc.Check(); err != nil {
		return nil, errors.Wrap(err, "repo "+id)
	}

	storage, err := NewStorage(global.Owner, global.Group)
	if err != nil {
		return nil, err
	}

	mirrors := NewMirrorList(rc.Mirrors)
	fetcher := NewFetcher(id, mirrors, global.Timeout.Duration)
	fetcher.Progress = global.Progress

	return &Engine{
		id:       id,
		rc:       rc,
		verifier: verifier,
		storage:  storage,
		mirrors:  mirrors,
		fetcher:  fetcher,
	}, nil
}

// debPlugin builds engines for "deb" type repositories.
type debPlugin struct{}

func (debPlugin) Initialize(id string, rc *RepoConfig, global *Config, verifier *Verifier) (Syncer, error) {
	return NewEngine(id, rc, global, verifier)
}

func init() {
	RegisterPlugin("deb", debPlugin{})
}

// Sync performs one full synchronization pass.
func (e *Engine) Sync(ctx context.Context) SyncResult {
	res := SyncResult{Repo: e.id, Report: &UpdateReport{}}

	fail := func(err error) SyncResult {
		res.Status = SyncFailed
		res.Err = err
		return res
	}

	if err := e.storage.EnsureLayout(e.rc); err != nil {
		return fail(errors.Wrap(err, "preparing directories"))
	}

	release, err := e.refreshRelease(ctx)
	if errors.Is(err, ErrNotModified) {
		slog.Info("release unchanged", "repo", e.id)
		res.Status = SyncNoUpdate
		return res
	}
	if err != nil {
		return fail(err)
	}

	alg, err := apt.StrongestDigest(release)
	if err != nil {
		return fail(err)
	}

	wl, err := LoadWhitelist(e.rc.WhitelistPath)
	if err != nil {
		return fail(err)
	}

	for _, component := range e.rc.Components {
		for _, category := range e.rc.ExpandCategories(component) {
			if err := e.syncCategory(ctx, release, alg, wl, component, category, res.Report); err != nil {
				return fail(errors.Wrapf(err, "%s/%s", component, category))
			}
		}
	}

	if err := e.publishRelease(release); err != nil {
		return fail(errors.Wrap(err, "publishing release"))
	}

	slog.Info("sync finished", "repo", e.id, "updates", res.Report.Len())
	res.Status = SyncUpdated
	return res
}

// cacheFile derives the deterministic cache path for an index file:
// <Index>_<repoDirBase>[_<component>[_<category>]].
func (e *Engine) cacheFile(index, component, category string) string {
	name := index + "_" + e.rc.DirBase()
	if component != "" {
		name += "_" + component
		if category != "" {
			name += "_" + category
		}
	}
	return filepath.Join(e.rc.CacheDir, name)
}

// refreshRelease fetches and verifies the remote Release manifest.
// The manifest and its detached signature must come from the same
// mirror. A mirror serving a rejected signature is removed permanently;
// an unreachable mirror is skipped for this pass only. ErrNotModified is
// returned when the first reachable mirror reports the manifest is no
// newer than the cached copy.
func (e *Engine) refreshRelease(ctx context.Context) (*apt.Release, error) {
	cachePath := e.cacheFile("Release", "", "")
	var cachedTime time.Time
	if st, err := os.Stat(cachePath); err == nil {
		cachedTime = st.ModTime()
	}

	probe := !cachedTime.IsZero()
	for _, base := range e.mirrors.Snapshot() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if probe {
			fresh, reachable := e.fetcher.probeFresh(ctx, base, e.rc.ReleasePath, cachedTime)
			if reachable {
				probe = false
				if fresh {
					return nil, ErrNotModified
				}
			}
		}

		data, err := e.fetcher.FetchFrom(ctx, base, e.rc.ReleasePath)
		if err != nil {
			slog.Warn("mirror failed", "repo", e.id, "mirror", base.String(), "path", e.rc.ReleasePath, "error", err)
			continue
		}
		sig, err := e.fetcher.FetchFrom(ctx, base, e.rc.ReleasePath+".gpg")
		if err != nil {
			slog.Warn("mirror failed", "repo", e.id, "mirror", base.String(), "path", e.rc.ReleasePath+".gpg", "error", err)
			continue
		}

		if !e.verifier.VerifyDetached(data, sig) {
			slog.Error("release signature rejected, removing mirror", "repo", e.id, "mirror", base.String())
			e.mirrors.Remove(base)
			continue
		}

		release, err := apt.ParseRelease(data)
		if err != nil {
			return nil, err
		}
		if err := e.storage.WriteFile(cachePath, data); err != nil {
			return nil, err
		}
		if err := e.storage.WriteFile(e.cacheFile("Release.gpg", "", ""), sig); err != nil {
			return nil, err
		}
		slog.Info("release verified", "repo", e.id, "mirror", base.String())
		return release, nil
	}
	return nil, errors.Wrap(ErrAllMirrorsExhausted, e.rc.ReleasePath)
}

// refreshPackageIndex downloads the Packages index for one component and
// category, verified against the manifest digest table. Candidates are
// ordered by ascending size; a digest mismatch removes the serving
// mirror and moves to the next candidate before any mirror retry. The
// candidate pass repeats while mismatches keep shrinking the mirror
// list, so the loop terminates.
func (e *Engine) refreshPackageIndex(ctx context.Context, release *apt.Release, alg apt.DigestAlgorithm, component, category string) (*apt.PackageIndex, error) {
	dir := path.Join(component, category)

	var candidates []apt.ReleaseEntry
	for _, entry := range release.DigestEntries(alg) {
		if path.Dir(entry.Path) != dir {
			continue
		}
		base := path.Base(entry.Path)
		if base != "Packages" && !strings.HasPrefix(base, "Packages.") {
			continue
		}
		switch path.Ext(base) {
		case "", ".gz", ".bz2":
		default:
			continue
		}
		candidates = append(candidates, entry)
	}
	if len(candidates) == 0 {
		return nil, errors.Newf("no usable package index listed for %s", dir)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Size < candidates[j].Size
	})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		anyMismatch := false
		for _, entry := range candidates {
			remote := path.Join(e.rc.ReleaseDir(), entry.Path)
			data, servedBy, err := e.fetcher.Fetch(ctx, remote, time.Time{})
			if err != nil {
				slog.Warn("package index unavailable", "repo", e.id, "path", remote, "error", err)
				continue
			}

			if alg.Sum(data) != entry.Hash {
				slog.Error("package index digest mismatch, removing mirror", "repo", e.id, "mirror", servedBy.String(), "path", remote)
				e.mirrors.Remove(servedBy)
				anyMismatch = true
				continue
			}

			plain, err := apt.DecodeTransport(data, path.Base(entry.Path))
			if err != nil {
				return nil, errors.Wrap(err, entry.Path)
			}
			if err := e.storage.WriteFile(e.cacheFile("Packages", component, category), plain); err != nil {
				return nil, err
			}
			idx, err := apt.ParseIndex(bytes.NewReader(plain))
			if err != nil {
				return nil, err
			}
			slog.Debug("package index refreshed", "repo", e.id, "path", remote, "packages", idx.Len())
			return idx, nil
		}
		if !anyMismatch {
			return nil, errors.Wrapf(ErrAllMirrorsExhausted, "%s/Packages", dir)
		}
	}
}

// readLocalIndex loads the published local Packages index for one
// component and category, trying the plain encoding first. A repository
// that has never published yields an empty index.
func (e *Engine) readLocalIndex(component, category string) (*apt.PackageIndex, error) {
	dir := filepath.Join(e.rc.Root, e.rc.ReleaseDir(), component, category)
	for _, ext := range apt.IndexExtensions {
		name := "Packages" + ext
		data, err := os.ReadFile(filepath.Join(dir, name)) // #nosec G304 - path built from validated config
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		plain, err := apt.DecodeTransport(data, name)
		if err != nil {
			return nil, errors.Wrap(err, name)
		}
		return apt.ParseIndex(bytes.NewReader(plain))
	}
	return apt.NewPackageIndex(), nil
}

type pendingUpdate struct {
	name  string
	event string
}

// diffIndexes lists the packages in remote that are new (add) or newer
// per Debian version ordering (update) than their local counterparts.
func diffIndexes(local, remote *apt.PackageIndex) []pendingUpdate {
	var out []pendingUpdate
	for _, name := range remote.Names() {
		rrec, _ := remote.Get(name)
		lrec, ok := local.Get(name)
		if !ok {
			out = append(out, pendingUpdate{name: name, event: EventAdd})
			continue
		}
		if apt.CompareVersions(rrec.Version(), lrec.Version()) > 0 {
			out = append(out, pendingUpdate{name: name, event: EventUpdate})
		}
	}
	return out
}

// syncCategory refreshes, filters, diffs, fetches, and republishes one
// component/category index. Per-package payload failures skip only that
// package; everything else fails the category and with it the sync.
func (e *Engine) syncCategory(ctx context.Context, release *apt.Release, alg apt.DigestAlgorithm, wl *Whitelist, component, category string, report *UpdateReport) error {
	remote, err := e.refreshPackageIndex(ctx, release, alg, component, category)
	if err != nil {
		return err
	}

	var closure map[string]bool
	if e.rc.OverrideWhitelist {
		closure = wl.OverrideClosure(component, category, remote)
	}
	filtered := wl.Apply(remote, component, category, closure)

	merged, err := e.readLocalIndex(component, category)
	if err != nil {
		return err
	}

	for _, p := range diffIndexes(merged, filtered) {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, _ := filtered.Get(p.name)
		webRel, err := e.fetchPayload(ctx, rec)
		if err != nil {
			slog.Warn("skipping package", "repo", e.id, "package", p.name, "error", err)
			continue
		}
		rec.Set("Filename", webRel)
		merged.Set(rec)

		entry := ReportEntry{
			Name:      p.name,
			Type:      e.rc.Type,
			Contents:  category,
			Version:   rec.Version(),
			Timestamp: time.Now().Format(ReportTimeFormat),
			Event:     p.event,
		}
		if err := report.Append(entry); err != nil {
			return err
		}
		slog.Info("package imported", "repo", e.id, "package", p.name, "version", rec.Version(), "category", category, "event", p.event)
	}

	return e.publishIndex(merged, component, category)
}

// fetchPayload downloads one package payload into the local pool and
// returns the pool path relative to the web root, for the record's
// Filename rewrite. Failover is package scoped: digest mismatches and
// transport failures try the next mirror without removing any, and a
// payload already in the pool with a matching digest is reused without a
// fetch.
func (e *Engine) fetchPayload(ctx context.Context, rec *apt.PackageRecord) (string, error) {
	remoteFilename := rec.Get("Filename")
	if remoteFilename == "" {
		return "", errors.New("package record without Filename: " + rec.Name())
	}

	alg, digest, err := apt.StrongestRecordDigest(rec)
	if err != nil {
		return "", err
	}
	size, err := strconv.ParseInt(rec.Get("Size"), 10, 64)
	if err != nil {
		return "", errors.New("package record without a valid Size: " + rec.Name())
	}

	poolRel := strings.TrimPrefix(remoteFilename, e.rc.RemotePoolRoot)
	poolRel = strings.TrimPrefix(poolRel, "/")
	local := filepath.Join(e.rc.PoolDir, filepath.FromSlash(poolRel))

	webRel, err := filepath.Rel(e.rc.WebRoot, local)
	if err != nil {
		return "", errors.Wrap(err, "pool dir outside web root")
	}
	webRel = filepath.ToSlash(webRel)

	want, err := apt.MakeFileInfoWithDigest(webRel, size, alg, digest)
	if err != nil {
		return "", err
	}

	if st, err := os.Stat(local); err == nil && st.Size() == size {
		have, err := apt.CalcFileInfo(local, webRel)
		if err == nil && have.Same(want) {
			slog.Debug("reusing pool file", "repo", e.id, "path", webRel)
			return webRel, nil
		}
	}

	for _, base := range e.mirrors.Snapshot() {
		body, err := e.fetcher.Open(ctx, base, remoteFilename, size)
		if err != nil {
			slog.Warn("mirror failed", "repo", e.id, "mirror", base.String(), "path", remoteFilename, "error", err)
			continue
		}

		tmp, err := e.storage.TempFile(filepath.Dir(local))
		if err != nil {
			_ = body.Close()
			return "", err
		}
		got, err := apt.CopyWithFileInfo(tmp, body, webRel)
		_ = body.Close()
		if err != nil {
			e.storage.Discard(tmp)
			slog.Warn("payload download failed", "repo", e.id, "mirror", base.String(), "path", remoteFilename, "error", err)
			continue
		}

		if !got.Same(want) {
			e.storage.Discard(tmp)
			slog.Warn("payload digest mismatch, trying next mirror", "repo", e.id, "mirror", base.String(), "package", rec.Name())
			continue
		}

		if err := e.storage.Commit(tmp, local); err != nil {
			return "", err
		}
		return webRel, nil
	}
	return "", errors.Wrapf(ErrAllMirrorsExhausted, "payload %s", remoteFilename)
}

// publishIndex serializes the merged index to its published location in
// all three encodings side by side. Publishing succeeds if at least one
// encoding lands; it fails wholesale only when all three do.
func (e *Engine) publishIndex(idx *apt.PackageIndex, component, category string) error {
	destDir := filepath.Join(e.rc.Root, e.rc.ReleaseDir(), component, category)

	var plain bytes.Buffer
	if err := idx.Serialize(&plain, e.rc.FieldOrder); err != nil {
		return err
	}

	written := 0
	var errs []error
	for _, ext := range apt.IndexExtensions {
		name := "Packages" + ext

		var buf bytes.Buffer
		zw, err := apt.EncodeTransport(&buf, ext)
		if err != nil {
			errs = append(errs, errors.Wrap(err, name))
			continue
		}
		if _, err := zw.Write(plain.Bytes()); err != nil {
			errs = append(errs, errors.Wrap(err, name))
			continue
		}
		if err := zw.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, name))
			continue
		}

		if err := e.storage.WriteFile(filepath.Join(destDir, name), buf.Bytes()); err != nil {
			errs = append(errs, errors.Wrap(err, name))
			continue
		}
		written++
	}
	if written == 0 {
		return errors.Wrapf(errors.Join(errs...), "publishing %s/%s", component, category)
	}
	for _, err := range errs {
		slog.Warn("index encoding not published", "repo", e.id, "error", err)
	}
	slog.Debug("package index published", "repo", e.id, "component", component, "category", category, "packages", idx.Len())
	return nil
}

// publishRelease hashes the published manifest tree, regenerates the
// Release file, and writes it with its detached and cleartext
// signatures.
func (e *Engine) publishRelease(release *apt.Release) error {
	dir := filepath.Join(e.rc.Root, e.rc.ReleaseDir())
	files, err := e.storage.WalkFileInfo(dir)
	if err != nil {
		return errors.Wrap(err, "hashing published tree")
	}

	// The published manifest describes what is actually served here,
	// not the remote's full architecture and component set.
	release.SetField("Architectures", strings.Join(e.rc.Architectures, " "))
	release.SetField("Components", strings.Join(e.rc.Components, " "))

	var buf bytes.Buffer
	if err := release.Serialize(&buf, files); err != nil {
		return err
	}

	sig, err := e.verifier.SignDetached(buf.Bytes())
	if err != nil {
		return err
	}
	inRelease, err := e.verifier.SignCleartext(buf.Bytes())
	if err != nil {
		return err
	}

	if err := e.storage.WriteFile(filepath.Join(dir, "Release"), buf.Bytes()); err != nil {
		return err
	}
	if err := e.storage.WriteFile(filepath.Join(dir, "Release.gpg"), sig); err != nil {
		return err
	}
	return e.storage.WriteFile(filepath.Join(dir, "InRelease"), inRelease)
}
