package mirror

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// Syncer runs synchronization passes for one configured repository.
type Syncer interface {
	// Sync performs one pass. The result always classifies the outcome;
	// its Err field carries detail when the outcome is a failure.
	Sync(ctx context.Context) SyncResult
}

// Plugin builds Syncers for one repository type tag such as "deb".
type Plugin interface {
	// Initialize validates the repository configuration and binds a
	// Syncer to it.
	Initialize(id string, rc *RepoConfig, global *Config, verifier *Verifier) (Syncer, error)
}

var (
	pluginMu sync.Mutex
	plugins  = make(map[string]Plugin)
)

// RegisterPlugin makes a repository type available under its tag.
// It panics on a duplicate tag; registration happens in package init
// functions.
func RegisterPlugin(tag string, p Plugin) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	if _, dup := plugins[tag]; dup {
		panic("duplicate repository plugin: " + tag)
	}
	plugins[tag] = p
}

// LookupPlugin returns the plugin registered for a repository type.
func LookupPlugin(tag string) (Plugin, error) {
	pluginMu.Lock()
	defer pluginMu.Unlock()
	p, ok := plugins[tag]
	if !ok {
		return nil, errors.New("unknown repository type: " + tag)
	}
	return p, nil
}
