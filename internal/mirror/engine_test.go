package mirror

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/aptgate/aptgate/internal/apt"
)

func testMirrorURLs(t *testing.T, urls ...string) []tomlURL {
	t.Helper()
	out := make([]tomlURL, 0, len(urls))
	for _, s := range urls {
		var u tomlURL
		if err := u.UnmarshalText([]byte(s)); err != nil {
			t.Fatal(err)
		}
		out = append(out, u)
	}
	return out
}

// repoFiles is an in-memory remote repository served over HTTP. GET
// requests are counted per path so tests can assert what was actually
// downloaded.
type repoFiles struct {
	mu      sync.Mutex
	modTime time.Time
	files   map[string][]byte
	hits    map[string]int
}

func newRepoFiles() *repoFiles {
	return &repoFiles{
		modTime: time.Now().Add(-time.Hour),
		files:   make(map[string][]byte),
		hits:    make(map[string]int),
	}
}

func (rf *repoFiles) set(p string, data []byte) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.files[p] = data
}

func (rf *repoFiles) setModTime(tm time.Time) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.modTime = tm
}

func (rf *repoFiles) gets(p string) int {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.hits[p]
}

func (rf *repoFiles) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rf.mu.Lock()
		content, ok := rf.files[r.URL.Path]
		mod := rf.modTime
		if ok && r.Method == http.MethodGet {
			rf.hits[r.URL.Path]++
		}
		rf.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, path.Base(r.URL.Path), mod, bytes.NewReader(content))
	})
}

func (rf *repoFiles) serve(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(rf.handler())
	t.Cleanup(server.Close)
	return server
}

type testPackage struct {
	name    string
	version string
	depends string
	data    []byte
}

// buildRemote fills rf with a signed repository under /debian/ carrying
// the given packages in main/binary-amd64. The remote deliberately
// advertises more architectures and components than the engine is
// configured to mirror.
func buildRemote(t *testing.T, rf *repoFiles, v *Verifier, pkgs []testPackage) {
	t.Helper()

	var packages bytes.Buffer
	for _, p := range pkgs {
		filename := "pool/main/" + p.name + "_" + p.version + "_amd64.deb"
		rf.set("/debian/"+filename, p.data)

		fmt.Fprintf(&packages, "Package: %s\nVersion: %s\nArchitecture: amd64\n", p.name, p.version)
		if p.depends != "" {
			fmt.Fprintf(&packages, "Depends: %s\n", p.depends)
		}
		fmt.Fprintf(&packages, "Filename: %s\nSize: %d\nSHA256: %s\n\n",
			filename, len(p.data), apt.DigestSHA256.Sum(p.data))
	}

	plain := packages.Bytes()
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(plain); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	rf.set("/debian/dists/stable/main/binary-amd64/Packages", plain)
	rf.set("/debian/dists/stable/main/binary-amd64/Packages.gz", gz.Bytes())

	var release bytes.Buffer
	release.WriteString("Origin: Test\nLabel: Test\nSuite: stable\nCodename: stable\n")
	release.WriteString("Architectures: amd64 arm64\nComponents: main extra\n")
	release.WriteString("SHA256:\n")
	fmt.Fprintf(&release, " %s %d %s\n", apt.DigestSHA256.Sum(plain), len(plain), "main/binary-amd64/Packages")
	fmt.Fprintf(&release, " %s %d %s\n", apt.DigestSHA256.Sum(gz.Bytes()), gz.Len(), "main/binary-amd64/Packages.gz")

	sig, err := v.SignDetached(release.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	rf.set("/debian/dists/stable/Release", release.Bytes())
	rf.set("/debian/dists/stable/Release.gpg", sig)
}

func newTestEngine(t *testing.T, v *Verifier, whitelist string, override bool, mirrors ...string) *Engine {
	t.Helper()
	tmp := t.TempDir()

	wlPath := filepath.Join(tmp, "whitelist")
	if err := os.WriteFile(wlPath, []byte(whitelist), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := NewConfig()
	cfg.Dir = filepath.Join(tmp, "cache")

	rc := &RepoConfig{
		Root:              filepath.Join(tmp, "web", "debian"),
		ReleasePath:       "dists/stable/Release",
		RemotePoolRoot:    "pool",
		Mirrors:           testMirrorURLs(t, mirrors...),
		Architectures:     []string{"amd64"},
		Components:        []string{"main"},
		WhitelistPath:     wlPath,
		OverrideWhitelist: override,
	}

	e, err := NewEngine("test", rc, cfg, v)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func readPublished(t *testing.T, e *Engine, rel string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.rc.Root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func publishedIndex(t *testing.T, e *Engine) *apt.PackageIndex {
	t.Helper()
	data := readPublished(t, e, "dists/stable/main/binary-amd64/Packages")
	idx, err := apt.ParseIndex(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return idx
}

func TestEngineSyncInitial(t *testing.T) {
	t.Parallel()

	v := testVerifier(t)
	rf := newRepoFiles()
	buildRemote(t, rf, v, []testPackage{
		{name: "curl", version: "7.88.1-10", data: []byte("curl package payload")},
		{name: "vim", version: "9.0.1378-2", data: []byte("vim package payload")},
	})
	server := rf.serve(t)

	e := newTestEngine(t, v, "[main]\ncurl\n", false, server.URL+"/debian/")

	res := e.Sync(context.Background())
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Status != SyncUpdated {
		t.Fatalf("res.Status = %v, want %v", res.Status, SyncUpdated)
	}

	entries := res.Report.Entries()
	if len(entries) != 1 {
		t.Fatalf("report has %d entries, want 1: %+v", len(entries), entries)
	}
	if entries[0].Name != "curl" || entries[0].Event != EventAdd {
		t.Errorf("entry = %+v, want curl add", entries[0])
	}
	if entries[0].Contents != "binary-amd64" {
		t.Errorf("entry contents = %q, want binary-amd64", entries[0].Contents)
	}
	if entries[0].Version != "7.88.1-10" {
		t.Errorf("entry version = %q, want 7.88.1-10", entries[0].Version)
	}

	// The payload landed in the pool under the remote's pool layout.
	payload := readPublished(t, e, "pool/main/curl_7.88.1-10_amd64.deb")
	if string(payload) != "curl package payload" {
		t.Errorf("pool payload = %q", payload)
	}

	// Only the whitelisted package was imported, and its Filename points
	// into the local pool relative to the web root.
	idx := publishedIndex(t, e)
	if idx.Len() != 1 {
		t.Fatalf("published index has %d records, want 1: %v", idx.Len(), idx.Names())
	}
	rec, ok := idx.Get("curl")
	if !ok {
		t.Fatal("curl missing from published index")
	}
	if got := rec.Get("Filename"); got != "debian/pool/main/curl_7.88.1-10_amd64.deb" {
		t.Errorf("published Filename = %q", got)
	}
	if _, ok := idx.Get("vim"); ok {
		t.Error("vim is not whitelisted and must not be published")
	}

	// All three index encodings are published side by side.
	for _, ext := range []string{".gz", ".bz2"} {
		data := readPublished(t, e, "dists/stable/main/binary-amd64/Packages"+ext)
		plain, err := apt.DecodeTransport(data, "Packages"+ext)
		if err != nil {
			t.Fatalf("decoding Packages%s: %v", ext, err)
		}
		if !bytes.Equal(plain, readPublished(t, e, "dists/stable/main/binary-amd64/Packages")) {
			t.Errorf("Packages%s decodes to different content", ext)
		}
	}

	// The published manifest is signed, covers the published index files,
	// and advertises only what this mirror serves.
	releaseBytes := readPublished(t, e, "dists/stable/Release")
	sig := readPublished(t, e, "dists/stable/Release.gpg")
	if !v.VerifyDetached(releaseBytes, sig) {
		t.Error("published Release signature does not verify")
	}
	inRelease := readPublished(t, e, "dists/stable/InRelease")
	if !strings.Contains(string(inRelease), "BEGIN PGP SIGNED MESSAGE") {
		t.Error("InRelease is not a cleartext signature")
	}

	release, err := apt.ParseRelease(releaseBytes)
	if err != nil {
		t.Fatal(err)
	}
	if got := release.Field("Architectures"); got != "amd64" {
		t.Errorf("published Architectures = %q, want amd64", got)
	}
	if got := release.Field("Components"); got != "main" {
		t.Errorf("published Components = %q, want main", got)
	}
	plainIndex := readPublished(t, e, "dists/stable/main/binary-amd64/Packages")
	entry, ok := release.LookupEntry(apt.DigestSHA256, "main/binary-amd64/Packages")
	if !ok {
		t.Fatal("published Release does not list main/binary-amd64/Packages")
	}
	if entry.Hash != apt.DigestSHA256.Sum(plainIndex) {
		t.Error("published Release digest does not match published index")
	}
	if entry.Size != int64(len(plainIndex)) {
		t.Errorf("published Release size = %d, want %d", entry.Size, len(plainIndex))
	}
	if _, ok := release.LookupEntry(apt.DigestSHA256, "main/binary-amd64/Packages.gz"); !ok {
		t.Error("published Release does not list main/binary-amd64/Packages.gz")
	}

	// The verified manifest and index were cached for the next run.
	for _, name := range []string{"Release_debian", "Release.gpg_debian", "Packages_debian_main_binary-amd64"} {
		if _, err := os.Stat(filepath.Join(e.rc.CacheDir, name)); err != nil {
			t.Errorf("cache file %s: %v", name, err)
		}
	}
}

func TestEngineSyncNoUpdate(t *testing.T) {
	t.Parallel()

	v := testVerifier(t)
	rf := newRepoFiles()
	buildRemote(t, rf, v, []testPackage{
		{name: "curl", version: "7.88.1-10", data: []byte("curl package payload")},
	})
	server := rf.serve(t)

	e := newTestEngine(t, v, "[main]\ncurl\n", false, server.URL+"/debian/")

	if res := e.Sync(context.Background()); res.Status != SyncUpdated {
		t.Fatalf("first sync: %v (%v)", res.Status, res.Err)
	}

	// The remote has not changed, so the probe must settle the second
	// pass without re-fetching the manifest.
	res := e.Sync(context.Background())
	if res.Status != SyncNoUpdate {
		t.Fatalf("res.Status = %v, want %v (err %v)", res.Status, SyncNoUpdate, res.Err)
	}
	if !res.Report.Empty() {
		t.Errorf("report should be empty, got %+v", res.Report.Entries())
	}
	if got := rf.gets("/debian/dists/stable/Release"); got != 1 {
		t.Errorf("Release downloaded %d times, want 1", got)
	}
}

func TestEngineSyncRemoteUpdate(t *testing.T) {
	t.Parallel()

	v := testVerifier(t)
	rf := newRepoFiles()
	buildRemote(t, rf, v, []testPackage{
		{name: "curl", version: "7.88.1-10", data: []byte("curl payload v10")},
	})
	server := rf.serve(t)

	e := newTestEngine(t, v, "[main]\ncurl\n", false, server.URL+"/debian/")

	if res := e.Sync(context.Background()); res.Status != SyncUpdated {
		t.Fatalf("first sync: %v (%v)", res.Status, res.Err)
	}

	buildRemote(t, rf, v, []testPackage{
		{name: "curl", version: "7.88.1-11", data: []byte("curl payload v11")},
	})
	rf.setModTime(time.Now().Add(time.Hour))

	res := e.Sync(context.Background())
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Status != SyncUpdated {
		t.Fatalf("res.Status = %v, want %v", res.Status, SyncUpdated)
	}

	entries := res.Report.Entries()
	if len(entries) != 1 || entries[0].Event != EventUpdate {
		t.Fatalf("report = %+v, want one update", entries)
	}
	if entries[0].Version != "7.88.1-11" {
		t.Errorf("entry version = %q, want 7.88.1-11", entries[0].Version)
	}

	rec, ok := publishedIndex(t, e).Get("curl")
	if !ok {
		t.Fatal("curl missing from published index")
	}
	if rec.Version() != "7.88.1-11" {
		t.Errorf("published version = %q, want 7.88.1-11", rec.Version())
	}

	// Both payload versions stay in the pool; nothing is deleted.
	if string(readPublished(t, e, "pool/main/curl_7.88.1-11_amd64.deb")) != "curl payload v11" {
		t.Error("new payload missing from pool")
	}
	if string(readPublished(t, e, "pool/main/curl_7.88.1-10_amd64.deb")) != "curl payload v10" {
		t.Error("old payload should remain in pool")
	}
}

func TestEngineSyncBadSignature(t *testing.T) {
	t.Parallel()

	v := testVerifier(t)
	pkgs := []testPackage{
		{name: "curl", version: "7.88.1-10", data: []byte("curl package payload")},
	}

	bad := newRepoFiles()
	buildRemote(t, bad, v, pkgs)
	bad.set("/debian/dists/stable/Release.gpg", []byte("not a signature"))
	badServer := bad.serve(t)

	good := newRepoFiles()
	buildRemote(t, good, v, pkgs)
	goodServer := good.serve(t)

	e := newTestEngine(t, v, "[main]\ncurl\n", false,
		badServer.URL+"/debian/", goodServer.URL+"/debian/")

	res := e.Sync(context.Background())
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Status != SyncUpdated {
		t.Fatalf("res.Status = %v, want %v", res.Status, SyncUpdated)
	}

	// The mirror serving a bad signature is gone for good; everything
	// else came from the second mirror.
	if e.mirrors.Len() != 1 {
		t.Fatalf("mirrors.Len() = %d, want 1", e.mirrors.Len())
	}
	goodURL, err := url.Parse(goodServer.URL)
	if err != nil {
		t.Fatal(err)
	}
	if snap := e.mirrors.Snapshot(); snap[0].Host != goodURL.Host {
		t.Errorf("remaining mirror = %s, want %s", snap[0].Host, goodURL.Host)
	}
	if res.Report.Len() != 1 {
		t.Errorf("report has %d entries, want 1", res.Report.Len())
	}
}

func TestEngineSyncIndexDigestMismatch(t *testing.T) {
	t.Parallel()

	v := testVerifier(t)
	rf := newRepoFiles()
	buildRemote(t, rf, v, []testPackage{
		{name: "curl", version: "7.88.1-10", data: []byte("curl package payload")},
	})

	// Valid manifest and signature, but the index files it vouches for
	// have been swapped out.
	rf.set("/debian/dists/stable/main/binary-amd64/Packages", []byte("tampered"))
	rf.set("/debian/dists/stable/main/binary-amd64/Packages.gz", []byte("tampered"))
	server := rf.serve(t)

	e := newTestEngine(t, v, "[main]\ncurl\n", false, server.URL+"/debian/")

	res := e.Sync(context.Background())
	if res.Status != SyncFailed {
		t.Fatalf("res.Status = %v, want %v", res.Status, SyncFailed)
	}
	if !errors.Is(res.Err, ErrAllMirrorsExhausted) {
		t.Errorf("res.Err = %v, want ErrAllMirrorsExhausted", res.Err)
	}
	if e.mirrors.Len() != 0 {
		t.Errorf("mirrors.Len() = %d, want 0 after digest mismatch", e.mirrors.Len())
	}
}

func TestEngineSyncPayloadDigestMismatch(t *testing.T) {
	t.Parallel()

	v := testVerifier(t)
	rf := newRepoFiles()
	buildRemote(t, rf, v, []testPackage{
		{name: "curl", version: "7.88.1-10", data: []byte("curl package payload")},
	})

	// The index is intact but the payload it describes is not.
	rf.set("/debian/pool/main/curl_7.88.1-10_amd64.deb", []byte("evil bytes"))
	server := rf.serve(t)

	e := newTestEngine(t, v, "[main]\ncurl\n", false, server.URL+"/debian/")

	res := e.Sync(context.Background())
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Status != SyncUpdated {
		t.Fatalf("res.Status = %v, want %v", res.Status, SyncUpdated)
	}

	// A payload failure skips the package without touching the mirror
	// list or the report.
	if res.Report.Len() != 0 {
		t.Errorf("report has %d entries, want 0", res.Report.Len())
	}
	if e.mirrors.Len() != 1 {
		t.Errorf("mirrors.Len() = %d, want 1", e.mirrors.Len())
	}
	if _, err := os.Stat(filepath.Join(e.rc.PoolDir, "main", "curl_7.88.1-10_amd64.deb")); !os.IsNotExist(err) {
		t.Errorf("rejected payload must not land in the pool: %v", err)
	}
	if idx := publishedIndex(t, e); idx.Len() != 0 {
		t.Errorf("published index has %d records, want 0", idx.Len())
	}
}

func TestEngineSyncPayloadReuse(t *testing.T) {
	t.Parallel()

	v := testVerifier(t)
	rf := newRepoFiles()
	buildRemote(t, rf, v, []testPackage{
		{name: "curl", version: "7.88.1-10", data: []byte("curl package payload")},
	})
	server := rf.serve(t)

	e := newTestEngine(t, v, "[main]\ncurl\n", false, server.URL+"/debian/")

	if res := e.Sync(context.Background()); res.Status != SyncUpdated {
		t.Fatalf("first sync: %v (%v)", res.Status, res.Err)
	}

	// Losing the published index forces a re-import, but the payload is
	// already in the pool with a matching digest.
	for _, ext := range apt.IndexExtensions {
		if err := os.Remove(filepath.Join(e.rc.Root, "dists", "stable", "main", "binary-amd64", "Packages"+ext)); err != nil {
			t.Fatal(err)
		}
	}
	rf.setModTime(time.Now().Add(time.Hour))

	res := e.Sync(context.Background())
	if res.Status != SyncUpdated {
		t.Fatalf("second sync: %v (%v)", res.Status, res.Err)
	}
	if res.Report.Len() != 1 {
		t.Errorf("report has %d entries, want 1", res.Report.Len())
	}
	if got := rf.gets("/debian/pool/main/curl_7.88.1-10_amd64.deb"); got != 1 {
		t.Errorf("payload downloaded %d times, want 1", got)
	}
}

func TestEngineSyncWhitelistOverride(t *testing.T) {
	t.Parallel()

	v := testVerifier(t)
	rf := newRepoFiles()
	buildRemote(t, rf, v, []testPackage{
		{name: "curl", version: "7.88.1-10", depends: "libcurl4 (>= 7.88.1)", data: []byte("curl payload")},
		{name: "libcurl4", version: "7.88.1-10", data: []byte("libcurl4 payload")},
		{name: "vim", version: "9.0.1378-2", data: []byte("vim payload")},
	})
	server := rf.serve(t)

	e := newTestEngine(t, v, "[main]\ncurl\n", true, server.URL+"/debian/")

	res := e.Sync(context.Background())
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if res.Status != SyncUpdated {
		t.Fatalf("res.Status = %v, want %v", res.Status, SyncUpdated)
	}

	entries := res.Report.Entries()
	if len(entries) != 2 {
		t.Fatalf("report = %+v, want curl and libcurl4", entries)
	}
	if entries[0].Name != "curl" || entries[1].Name != "libcurl4" {
		t.Errorf("report order = %s, %s", entries[0].Name, entries[1].Name)
	}

	idx := publishedIndex(t, e)
	if _, ok := idx.Get("libcurl4"); !ok {
		t.Error("dependency libcurl4 should be imported in override mode")
	}
	if _, ok := idx.Get("vim"); ok {
		t.Error("vim is neither whitelisted nor a dependency")
	}
}

func TestEngineSyncReleaseUnreachable(t *testing.T) {
	t.Parallel()

	rf := newRepoFiles()
	server := rf.serve(t)

	e := newTestEngine(t, testVerifier(t), "[main]\ncurl\n", false, server.URL+"/debian/")

	res := e.Sync(context.Background())
	if res.Status != SyncFailed {
		t.Fatalf("res.Status = %v, want %v", res.Status, SyncFailed)
	}
	if !errors.Is(res.Err, ErrAllMirrorsExhausted) {
		t.Errorf("res.Err = %v, want ErrAllMirrorsExhausted", res.Err)
	}
	// An unreachable mirror is skipped for the pass, not removed.
	if e.mirrors.Len() != 1 {
		t.Errorf("mirrors.Len() = %d, want 1", e.mirrors.Len())
	}
}

func TestEngineSyncNoUsableIndex(t *testing.T) {
	t.Parallel()

	v := testVerifier(t)
	rf := newRepoFiles()

	// The manifest only offers an encoding the engine does not decode.
	release := []byte("Origin: Test\nSuite: stable\nArchitectures: amd64\nComponents: main\n" +
		"SHA256:\n " + apt.DigestSHA256.Sum([]byte("x")) + " 1 main/binary-amd64/Packages.xz\n")
	sig, err := v.SignDetached(release)
	if err != nil {
		t.Fatal(err)
	}
	rf.set("/debian/dists/stable/Release", release)
	rf.set("/debian/dists/stable/Release.gpg", sig)
	server := rf.serve(t)

	e := newTestEngine(t, v, "[main]\ncurl\n", false, server.URL+"/debian/")

	res := e.Sync(context.Background())
	if res.Status != SyncFailed {
		t.Fatalf("res.Status = %v, want %v", res.Status, SyncFailed)
	}
	if !strings.Contains(res.Err.Error(), "no usable package index") {
		t.Errorf("res.Err = %v", res.Err)
	}
}

func TestEngineCacheFile(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, nil, "[main]\ncurl\n", false, "http://mirror.example.com/debian/")

	got := e.cacheFile("Release", "", "")
	if filepath.Dir(got) != e.rc.CacheDir {
		t.Errorf("cache file %q not under %q", got, e.rc.CacheDir)
	}
	if filepath.Base(got) != "Release_debian" {
		t.Errorf("cacheFile(Release) = %q, want Release_debian", filepath.Base(got))
	}

	got = e.cacheFile("Packages", "main", "binary-amd64")
	if filepath.Base(got) != "Packages_debian_main_binary-amd64" {
		t.Errorf("cacheFile(Packages) = %q", filepath.Base(got))
	}
}

func TestDiffIndexes(t *testing.T) {
	t.Parallel()

	local := testIndex(t, `Package: curl
Version: 7.88.1-10

Package: vim
Version: 9.0.1378-2

Package: emacs
Version: 28.2+1-15
`)
	remote := testIndex(t, `Package: curl
Version: 7.88.1-11

Package: vim
Version: 9.0.1378-2

Package: nano
Version: 7.2-1

Package: emacs
Version: 28.1+1-1
`)

	got := diffIndexes(local, remote)
	want := []pendingUpdate{
		{name: "curl", event: EventUpdate},
		{name: "nano", event: EventAdd},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("diffIndexes() = %+v, want %+v", got, want)
	}
}
