package mirror

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"log/slog"
)

// ErrNotModified reports that the remote manifest is not newer than the
// locally published one.
var ErrNotModified = errors.New("not modified")

// ErrAllMirrorsExhausted reports that no configured mirror could serve a
// required file.
var ErrAllMirrorsExhausted = errors.New("all mirrors exhausted")

// Fetcher retrieves files over HTTP from a repository's mirror list,
// failing over in configured order. It never removes mirrors itself;
// elimination decisions belong to the engine, which owns the list.
type Fetcher struct {
	// Progress draws a byte progress bar on stderr while payloads
	// stream through Open.
	Progress bool

	client  *http.Client
	mirrors *MirrorList
	repoID  string
	timeout time.Duration
}

// NewFetcher creates a Fetcher for one repository sync.
func NewFetcher(repoID string, mirrors *MirrorList, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Fetcher{
		client:  clonedTransport(),
		mirrors: mirrors,
		repoID:  repoID,
		timeout: timeout,
	}
}

// newRequest builds an apt-style request for p below base.
func (f *Fetcher) newRequest(method string, base *url.URL, p string) *http.Request {
	// imitation apt-get command
	header := http.Header{}
	header.Add("Cache-Control", "max-age=0")
	header.Add("User-Agent", "Debian APT-HTTP/1.3 (aptgate)")

	return &http.Request{
		Method:     method,
		URL:        base.ResolveReference(&url.URL{Path: path.Clean(p)}),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
	}
}

// Fetch downloads p from the first mirror able to serve it.
//
// When lastModified is non-zero the first reachable mirror is probed
// with a HEAD request; if it reports a Last-Modified no newer than
// lastModified, Fetch returns ErrNotModified. The first reachable
// mirror answers for all of them, so later mirrors are not probed.
//
// On success the serving mirror is returned alongside the content so
// the caller can hold related fetches to the same mirror.
func (f *Fetcher) Fetch(ctx context.Context, p string, lastModified time.Time) ([]byte, *url.URL, error) {
	probe := !lastModified.IsZero()

	for _, base := range f.mirrors.Snapshot() {
		if probe {
			fresh, reachable := f.probeFresh(ctx, base, p, lastModified)
			if reachable {
				probe = false
				if fresh {
					return nil, nil, ErrNotModified
				}
			}
		}

		data, err := f.FetchFrom(ctx, base, p)
		if err != nil {
			slog.Warn("mirror failed", "repo", f.repoID, "mirror", base.String(), "path", p, "error", err)
			continue
		}
		return data, base, nil
	}
	return nil, nil, errors.Wrap(ErrAllMirrorsExhausted, p)
}

// FetchFrom downloads p from a single mirror without failover.
func (f *Fetcher) FetchFrom(ctx context.Context, base *url.URL, p string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req := f.newRequest(http.MethodGet, base, p)
	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "fetching "+p)
	}
	defer closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d for %s", resp.StatusCode, p)
	}
	return io.ReadAll(resp.Body)
}

// Open starts a streaming download of p from a single mirror. The caller
// must close the returned body; closing aborts the transfer.
func (f *Fetcher) Open(ctx context.Context, base *url.URL, p string, size int64) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)

	req := f.newRequest(http.MethodGet, base, p)
	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "fetching "+p)
	}
	if resp.StatusCode != http.StatusOK {
		closeRespBody(resp)
		cancel()
		return nil, fmt.Errorf("status %d for %s", resp.StatusCode, p)
	}

	body := io.ReadCloser(resp.Body)
	if f.Progress && size > 0 {
		bar := pb.Full.Start64(size)
		bar.Set(pb.Bytes, true)
		bar.SetWriter(os.Stderr)
		body = bar.NewProxyReader(resp.Body)
	}
	return &fetchBody{ReadCloser: body, cancel: cancel}, nil
}

// probeFresh asks one mirror whether p changed since the given time.
// reachable is false only when no HTTP response arrived at all.
func (f *Fetcher) probeFresh(ctx context.Context, base *url.URL, p string, since time.Time) (fresh, reachable bool) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req := f.newRequest(http.MethodHead, base, p)
	resp, err := f.client.Do(req.WithContext(ctx))
	if err != nil {
		return false, false
	}
	closeRespBody(resp)

	if resp.StatusCode != http.StatusOK {
		return false, true
	}
	lm, err := http.ParseTime(resp.Header.Get("Last-Modified"))
	if err != nil {
		return false, true
	}
	return !lm.After(since), true
}

// fetchBody ties the request context to the body so a streaming download
// is aborted when the caller closes it.
type fetchBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *fetchBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// closeRespBody closes HTTP response body.
func closeRespBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", "error", err)
	}
}

// clonedTransport creates an HTTP client with pooled connections.
// Timeouts come from request contexts, not the client.
func clonedTransport() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	return &http.Client{
		Transport: tr,
		Timeout:   0,
	}
}
