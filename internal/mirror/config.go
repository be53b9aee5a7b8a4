package mirror

import (
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const defaultTimeout = 10 * time.Minute

// validID constrains repository identifiers, which become path and cache
// name components.
var validID = regexp.MustCompile(`^[a-z0-9_-]+$`)

// IsValidID reports whether id is usable as a repository identifier.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

// defaultFieldOrder is the conventional Debian field ordering applied to
// published package records when a repository does not configure its own.
var defaultFieldOrder = []string{
	"Package", "Source", "Version", "Architecture", "Maintainer",
	"Installed-Size", "Pre-Depends", "Depends", "Recommends", "Suggests",
	"Conflicts", "Breaks", "Replaces", "Provides", "Filename", "Size",
	"MD5sum", "SHA1", "SHA256", "Section", "Priority", "Description",
}

type tomlURL struct {
	*url.URL
}

func (u *tomlURL) UnmarshalText(text []byte) error {
	parsedURL, err := url.Parse(string(text))
	if err != nil {
		return err
	}
	switch parsedURL.Scheme {
	case "http":
	case "https":
	default:
		return errors.New("unsupported scheme: " + parsedURL.Scheme)
	}

	// for URL.ResolveReference
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
		parsedURL.RawPath += "/"
	}

	u.URL = parsedURL
	return nil
}

// tomlDuration decodes durations from strings like "30s" or "10m".
type tomlDuration struct {
	time.Duration
}

func (d *tomlDuration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrap(err, "parsing duration")
	}
	d.Duration = v
	return nil
}

// LogConfig configures the default slog logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Apply installs a handler matching the configuration as the default
// slog logger.
func (lc LogConfig) Apply() error {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + lc.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch lc.Format {
	case "", "text", "plain":
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	case "json":
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	default:
		return errors.New("invalid log format: " + lc.Format)
	}
	return nil
}

// Config is the global configuration, decoded once from TOML and treated
// as immutable afterwards.
type Config struct {
	// Progress enables terminal progress bars for payload downloads.
	// Set by the CLI, not the configuration file.
	Progress bool `toml:"-"`

	Dir            string                 `toml:"dir"`
	MaxConns       int                    `toml:"max_conns"`
	Timeout        tomlDuration           `toml:"timeout"`
	Keyring        string                 `toml:"keyring"`
	SigningKey     string                 `toml:"signing_key"`
	SigningKeyID   string                 `toml:"signing_key_id"`
	PassphraseFile string                 `toml:"passphrase_file"`
	Owner          string                 `toml:"owner"`
	Group          string                 `toml:"group"`
	Log            LogConfig              `toml:"log"`
	Repos          map[string]*RepoConfig `toml:"repos"`
}

// NewConfig creates a Config with default values.
func NewConfig() *Config {
	return &Config{
		MaxConns: 4,
		Timeout:  tomlDuration{defaultTimeout},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Check validates the global configuration.
func (c *Config) Check() error {
	if !filepath.IsAbs(c.Dir) {
		return errors.New("dir must be an absolute path")
	}
	if c.MaxConns <= 0 {
		return errors.New("max_conns must be positive")
	}
	if c.Timeout.Duration <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.Keyring == "" {
		return errors.New("keyring is required")
	}
	if c.SigningKey == "" {
		return errors.New("signing_key is required")
	}
	return nil
}

// RepoConfig is the immutable per-repository configuration. Defaults are
// filled by ApplyDefaults and the value never changes after Check.
type RepoConfig struct {
	Type              string              `toml:"type"`
	Root              string              `toml:"root"`
	CacheDir          string              `toml:"cache_dir"`
	PoolDir           string              `toml:"pool_dir"`
	WebRoot           string              `toml:"web_root"`
	ReleasePath       string              `toml:"release_path"`
	RemotePoolRoot    string              `toml:"remote_pool_root"`
	Mirrors           []tomlURL           `toml:"mirrors"`
	Architectures     []string            `toml:"architectures"`
	Components        []string            `toml:"components"`
	Categories        map[string][]string `toml:"categories"`
	WhitelistPath     string              `toml:"whitelist"`
	OverrideWhitelist bool                `toml:"override_whitelist"`
	FieldOrder        []string            `toml:"field_order"`
}

// ApplyDefaults fills unset optional fields from the global configuration
// and the repository identifier.
func (rc *RepoConfig) ApplyDefaults(id string, global *Config) {
	if rc.Type == "" {
		rc.Type = "deb"
	}
	if rc.CacheDir == "" && global.Dir != "" {
		rc.CacheDir = filepath.Join(global.Dir, id)
	}
	if rc.PoolDir == "" && rc.Root != "" {
		rc.PoolDir = filepath.Join(rc.Root, "pool")
	}
	if rc.WebRoot == "" && rc.Root != "" {
		rc.WebRoot = filepath.Dir(rc.Root)
	}
	if len(rc.FieldOrder) == 0 {
		rc.FieldOrder = append([]string(nil), defaultFieldOrder...)
	}
	if rc.Categories == nil {
		rc.Categories = make(map[string][]string, len(rc.Components))
		for _, comp := range rc.Components {
			rc.Categories[comp] = []string{"binary"}
		}
	}
}

// Check validates the repository configuration. A repository failing this
// check is excluded from the run; other repositories proceed.
func (rc *RepoConfig) Check() error {
	if rc.Root == "" {
		return errors.New("root is required")
	}
	if !filepath.IsAbs(rc.Root) {
		return errors.New("root must be an absolute path")
	}
	if !filepath.IsAbs(rc.CacheDir) {
		return errors.New("cache_dir must be an absolute path")
	}
	if !filepath.IsAbs(rc.PoolDir) {
		return errors.New("pool_dir must be an absolute path")
	}
	if !filepath.IsAbs(rc.WebRoot) {
		return errors.New("web_root must be an absolute path")
	}
	if rc.ReleasePath == "" {
		return errors.New("release_path is required")
	}
	if err := validatePath(rc.ReleasePath); err != nil {
		return errors.Wrap(err, "release_path")
	}
	if len(rc.Mirrors) == 0 {
		return errors.New("at least one mirror is required")
	}
	for _, m := range rc.Mirrors {
		if m.URL == nil {
			return errors.New("mirror URL is not set")
		}
	}
	if len(rc.Architectures) == 0 {
		return errors.New("at least one architecture is required")
	}
	if len(rc.Components) == 0 {
		return errors.New("at least one component is required")
	}
	comps := make(map[string]bool, len(rc.Components))
	for _, c := range rc.Components {
		comps[c] = true
	}
	for comp, cats := range rc.Categories {
		if !comps[comp] {
			return errors.New("categories name unknown component: " + comp)
		}
		if len(cats) == 0 {
			return errors.New("component has no categories: " + comp)
		}
	}
	if rc.WhitelistPath == "" {
		return errors.New("whitelist is required")
	}
	return nil
}

// DirBase returns the repository directory base name used in cache file
// names.
func (rc *RepoConfig) DirBase() string {
	return filepath.Base(rc.Root)
}

// ReleaseDir returns the manifest directory ("dists/stable" for
// "dists/stable/Release"), relative to both the mirror base and the
// published root.
func (rc *RepoConfig) ReleaseDir() string {
	return filepath.Dir(rc.ReleasePath)
}

// ExpandCategories returns the concrete category names for a component.
// The "binary" type expands to binary-<arch> per configured architecture;
// other types pass through unchanged.
func (rc *RepoConfig) ExpandCategories(component string) []string {
	var out []string
	for _, cat := range rc.Categories[component] {
		if cat == "binary" {
			for _, arch := range rc.Architectures {
				out = append(out, "binary-"+arch)
			}
			continue
		}
		out = append(out, cat)
	}
	return out
}

// CategoryType maps a concrete category name back to its whitelist type:
// binary-amd64 approves under "binary".
func CategoryType(category string) string {
	if strings.HasPrefix(category, "binary-") {
		return "binary"
	}
	return category
}
