package mirror

import (
	"net/url"
	"sync"
)

// MirrorList is the ordered list of remote mirrors for one repository
// sync. The engine owns the list for the duration of the run and removes
// a mirror permanently once it serves content that fails digest or
// signature verification. Transport errors never shrink the list.
type MirrorList struct {
	mu   sync.Mutex
	urls []*url.URL
}

// NewMirrorList copies the configured mirror URLs into an owned list so
// removals never touch the configuration.
func NewMirrorList(mirrors []tomlURL) *MirrorList {
	ml := &MirrorList{urls: make([]*url.URL, 0, len(mirrors))}
	for _, m := range mirrors {
		ml.urls = append(ml.urls, m.URL)
	}
	return ml
}

// Snapshot returns a copy of the current list. Iteration over a snapshot
// stays stable while Remove shrinks the live list.
func (ml *MirrorList) Snapshot() []*url.URL {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	out := make([]*url.URL, len(ml.urls))
	copy(out, ml.urls)
	return out
}

// Remove drops a mirror from the list and reports whether it was still
// present.
func (ml *MirrorList) Remove(u *url.URL) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	for i, m := range ml.urls {
		if m.String() == u.String() {
			ml.urls = append(ml.urls[:i], ml.urls[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of mirrors remaining.
func (ml *MirrorList) Len() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.urls)
}
