package mirror

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

func testFetcher(t *testing.T, urls ...string) *Fetcher {
	t.Helper()
	return NewFetcher("test", testMirrorList(t, urls...), 5*time.Second)
}

func TestFetcherRequest(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotPath, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		gotAgent = r.Header.Get("User-Agent")
		mu.Unlock()
		_, _ = w.Write([]byte("manifest"))
	}))
	defer server.Close()

	f := testFetcher(t, server.URL+"/debian")
	data, servedBy, err := f.Fetch(context.Background(), "dists/stable/Release", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "manifest" {
		t.Errorf("data = %q, want %q", data, "manifest")
	}
	if servedBy == nil || !strings.HasPrefix(server.URL, servedBy.Scheme+"://"+servedBy.Host) {
		t.Errorf("servedBy = %v, want the test server", servedBy)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/debian/dists/stable/Release" {
		t.Errorf("request path = %q, want /debian/dists/stable/Release", gotPath)
	}
	if !strings.HasPrefix(gotAgent, "Debian APT-HTTP") {
		t.Errorf("User-Agent = %q, want an apt-style agent", gotAgent)
	}
}

func TestFetcherFailover(t *testing.T) {
	t.Parallel()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("from the second mirror"))
	}))
	defer good.Close()

	f := testFetcher(t, bad.URL, good.URL)
	data, servedBy, err := f.Fetch(context.Background(), "dists/stable/Release", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "from the second mirror" {
		t.Errorf("data = %q, want content from the second mirror", data)
	}
	if servedBy.Host != strings.TrimPrefix(good.URL, "http://") {
		t.Errorf("servedBy = %v, want the second mirror", servedBy)
	}

	// A transport failure must not shrink the mirror list.
	if f.mirrors.Len() != 2 {
		t.Errorf("mirror list shrank to %d", f.mirrors.Len())
	}
}

func TestFetcherAllMirrorsExhausted(t *testing.T) {
	t.Parallel()

	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	s1 := httptest.NewServer(notFound)
	defer s1.Close()
	s2 := httptest.NewServer(notFound)
	defer s2.Close()

	f := testFetcher(t, s1.URL, s2.URL)
	_, _, err := f.Fetch(context.Background(), "dists/stable/Release", time.Time{})
	if !errors.Is(err, ErrAllMirrorsExhausted) {
		t.Fatalf("err = %v, want ErrAllMirrorsExhausted", err)
	}
}

// indexServer answers HEAD with the given modification time and GET with
// content.
func indexServer(modTime time.Time, content string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
			return
		}
		_, _ = w.Write([]byte(content))
	}))
}

func TestFetcherNotModified(t *testing.T) {
	t.Parallel()

	cached := time.Now()
	server := indexServer(cached.Add(-time.Hour), "stale content")
	defer server.Close()

	f := testFetcher(t, server.URL)
	_, _, err := f.Fetch(context.Background(), "dists/stable/Release", cached)
	if !errors.Is(err, ErrNotModified) {
		t.Fatalf("err = %v, want ErrNotModified", err)
	}
}

func TestFetcherModified(t *testing.T) {
	t.Parallel()

	cached := time.Now().Add(-2 * time.Hour)
	server := indexServer(time.Now(), "fresh content")
	defer server.Close()

	f := testFetcher(t, server.URL)
	data, _, err := f.Fetch(context.Background(), "dists/stable/Release", cached)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "fresh content" {
		t.Errorf("data = %q, want %q", data, "fresh content")
	}
}

func TestFetcherProbeSkipsUnreachable(t *testing.T) {
	t.Parallel()

	// The first mirror refuses connections; the first reachable mirror
	// decides freshness for the whole list.
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cached := time.Now()
	server := indexServer(cached.Add(-time.Hour), "content")
	defer server.Close()

	f := testFetcher(t, deadURL, server.URL)
	_, _, err := f.Fetch(context.Background(), "dists/stable/Release", cached)
	if !errors.Is(err, ErrNotModified) {
		t.Fatalf("err = %v, want ErrNotModified", err)
	}
}

func TestFetcherFirstReachableDecides(t *testing.T) {
	t.Parallel()

	cached := time.Now().Add(-time.Hour)

	// First mirror reports newer content, second would report fresh.
	// The first reachable answer wins and the sync proceeds.
	first := indexServer(time.Now(), "new release")
	defer first.Close()
	second := indexServer(cached.Add(-time.Hour), "old release")
	defer second.Close()

	f := testFetcher(t, first.URL, second.URL)
	data, _, err := f.Fetch(context.Background(), "dists/stable/Release", cached)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "new release" {
		t.Errorf("data = %q, want %q", data, "new release")
	}
}

func TestFetcherProbeRejectedHead(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte("content"))
	}))
	defer server.Close()

	// A mirror that rejects HEAD is still reachable; the fetch falls
	// through to a full download.
	f := testFetcher(t, server.URL)
	data, _, err := f.Fetch(context.Background(), "dists/stable/Release", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content" {
		t.Errorf("data = %q, want %q", data, "content")
	}
}

func TestFetchFromStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	f := testFetcher(t, server.URL)
	base := f.mirrors.Snapshot()[0]
	_, err := f.FetchFrom(context.Background(), base, "missing/file")
	if err == nil {
		t.Fatal("FetchFrom should fail on 404")
	}
	if !strings.Contains(err.Error(), "status 404") {
		t.Errorf("err = %v, want mention of status 404", err)
	}
}

func TestFetcherOpen(t *testing.T) {
	t.Parallel()

	payload := strings.Repeat("deadbeef", 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "curl.deb") {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, payload)
	}))
	defer server.Close()

	f := testFetcher(t, server.URL)
	base := f.mirrors.Snapshot()[0]

	body, err := f.Open(context.Background(), base, "pool/main/c/curl/curl.deb", int64(len(payload)))
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if err := body.Close(); err != nil {
		t.Error(err)
	}
	if string(data) != payload {
		t.Errorf("streamed %d bytes, want %d", len(data), len(payload))
	}

	if _, err := f.Open(context.Background(), base, "missing.deb", 0); err == nil {
		t.Error("Open should fail when the mirror cannot serve the path")
	}
}
