// Package main implements the aptgate command-line tool for maintaining
// filtered, locally signed mirrors of Debian package repositories.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/aptgate/aptgate/internal/apt"
	"github.com/aptgate/aptgate/internal/mirror"
)

const (
	defaultConfigPath = "/etc/aptgate/aptgate.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "aptgate",
	Short: "Maintain filtered mirrors of Debian package repositories",
	Long: `aptgate maintains partial mirrors of Debian package repositories: it verifies
the remote archive signature, imports only whitelisted packages (optionally
with their dependency closure), and republishes the result signed with a
local key.

Find more information at: https://github.com/aptgate/aptgate`,
	Run: func(cmd *cobra.Command, _ []string) {
		if versionFlag, _ := cmd.Flags().GetBool("version"); versionFlag {
			printVersion()
			return
		}
		_ = cmd.Help()
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync [repo-ids...]",
	Short: "Synchronize one or more repositories",
	Long: `Synchronizes one or more repositories based on the provided configuration.

Usage:
  # Synchronize all repositories in your configuration file
  aptgate sync

  # Synchronize only specific repositories
  aptgate sync debian security

  # Use a custom configuration file
  aptgate sync --config /path/to/custom-location.toml

  # Override the log level
  aptgate sync --log-level debug

  # Show detailed error information
  aptgate sync --verbose-errors

  # Suppress all output except for errors
  aptgate sync --quiet

If no repository IDs are specified, all repositories in the configuration
file will be synchronized.`,
	Run: runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		printVersion()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Manage repository whitelists",
	Long:  `Inspect and edit the package whitelist of a configured repository.`,
}

var whitelistListCmd = &cobra.Command{
	Use:   "list <repo-id>",
	Short: "Print a repository's whitelist",
	Long: `Print the whitelist of a configured repository in its file format.

Examples:
  aptgate whitelist list debian`,
	Args: cobra.ExactArgs(1),
	Run:  runWhitelistList,
}

var whitelistAddCmd = &cobra.Command{
	Use:   "add <repo-id> <component> <package> [categories]",
	Short: "Approve a package for import",
	Long: `Approve a package for import on the next sync.

The optional categories argument is a comma-separated list of whitelist
types such as "binary" or "source". Without it the package is approved
for every category of its component.

Examples:
  aptgate whitelist add debian main curl
  aptgate whitelist add debian main git binary,source`,
	Args: cobra.RangeArgs(3, 4),
	Run:  runWhitelistAdd,
}

var whitelistRemoveCmd = &cobra.Command{
	Use:   "remove <repo-id> <component> <package>",
	Short: "Withdraw a package's approval",
	Long: `Withdraw a package's approval. Already imported payloads stay in the pool;
the package simply stops receiving updates.

Examples:
  aptgate whitelist remove debian main curl`,
	Args: cobra.ExactArgs(3),
	Run:  runWhitelistRemove,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.deb...>",
	Short: "Print the control stanza of Debian package files",
	Long: `Print the control stanza of one or more .deb files.

Examples:
  aptgate inspect curl_7.88.1-10_amd64.deb`,
	Args: cobra.MinimumNArgs(1),
	Run:  runInspect,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(whitelistCmd)
	rootCmd.AddCommand(inspectCmd)

	whitelistCmd.AddCommand(whitelistListCmd)
	whitelistCmd.AddCommand(whitelistAddCmd)
	whitelistCmd.AddCommand(whitelistRemoveCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")

	rootCmd.Flags().BoolP("version", "v", false, "print version information and exit")

	rootCmd.PersistentFlags().BoolP("help", "h", false, "help for aptgate")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	syncCmd.Flags().Bool("no-progress", false, "disable download progress bars")
}

func printVersion() {
	fmt.Printf("aptgate %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	// For human-friendly output, try to extract the root message
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	// Fallback to simple error message
	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	// Group keys by their root section for repo typos
	repoGroups := make(map[string]int)

	for _, key := range undecoded {
		keyStr := key.String()

		// Check for common "repo" vs "repos" typo
		if strings.HasPrefix(keyStr, "repo.") && !strings.HasPrefix(keyStr, "repos.") {
			// Extract the root section (e.g., "repo.debian" from "repo.debian.root")
			parts := strings.Split(keyStr, ".")
			if len(parts) >= 2 {
				rootSection := parts[0] + "." + parts[1] // "repo.debian"
				repoGroups[rootSection]++
			}
		} else {
			// Keep track of keys we couldn't provide suggestions for
			unknown = append(unknown, keyStr)
		}
	}

	// Generate grouped suggestions
	for rootSection, count := range repoGroups {
		correctedSection := strings.Replace(rootSection, "repo.", "repos.", 1)
		if count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", rootSection, correctedSection))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d subsections)", rootSection, correctedSection, count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown sections: ")
		} else {
			errorMsg.WriteString("configuration contains unknown sections: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese sections don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// loadConfig decodes the configuration file, applies environment variable
// overrides and installs the log configuration.
func loadConfig() (*mirror.Config, error) {
	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			return nil, err
		}
		return nil, err
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		return nil, errors.New("configuration validation failed")
	}

	if err := config.ApplyEnvironmentVariables(); err != nil {
		return nil, err
	}

	if err := config.Log.Apply(); err != nil {
		return nil, err
	}

	// Override log level if specified on command line
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			os.Exit(1)
		}
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to decode config file", "error", errorMsg, "path", configPath)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	if err := config.ApplyEnvironmentVariables(); err != nil {
		slog.Error("failed to apply environment overrides", "error", err)
		os.Exit(1)
	}

	// Apply log configuration immediately after config loading
	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}

	// Override log level if specified on command line
	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			os.Exit(1)
		}
		slog.Debug("log level successfully overridden from command line", "level", logLevel)
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	if quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply quiet log level", "error", err)
			os.Exit(1)
		}
	}

	noProgress, _ := cmd.Flags().GetBool("no-progress")
	config.Progress = !quiet && !noProgress

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mirror.Run(ctx, config, args, nil); err != nil {
		errorMsg := formatError(err, verboseErrors)
		slog.Error("sync failed", "error", errorMsg)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			os.Exit(1)
		}
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to decode config file", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	var validationErrors []error

	if err := config.Log.Apply(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "log config"))
	}

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	repoIDs := make([]string, 0, len(config.Repos))
	for repoID := range config.Repos {
		repoIDs = append(repoIDs, repoID)
	}
	sort.Strings(repoIDs)

	for _, repoID := range repoIDs {
		if !mirror.IsValidID(repoID) {
			validationErrors = append(validationErrors, errors.New("invalid repository ID: "+repoID))
			continue
		}
		repoConfig := config.Repos[repoID]
		repoConfig.ApplyDefaults(repoID, config)
		if err := repoConfig.Check(); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "repo \""+repoID+"\""))
		}
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

// repoWhitelist loads the whitelist of one configured repository.
func repoWhitelist(config *mirror.Config, repoID string) (*mirror.Whitelist, string, error) {
	repoConfig, ok := config.Repos[repoID]
	if !ok {
		return nil, "", errors.New("unknown repository: " + repoID)
	}
	if repoConfig.WhitelistPath == "" {
		return nil, "", errors.New("repository has no whitelist configured: " + repoID)
	}
	w, err := mirror.LoadWhitelist(repoConfig.WhitelistPath)
	if err != nil {
		return nil, "", err
	}
	return w, repoConfig.WhitelistPath, nil
}

func runWhitelistList(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	w, _, err := repoWhitelist(config, args[0])
	if err != nil {
		slog.Error("failed to load whitelist", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if w.Len() == 0 {
		fmt.Println("No packages are whitelisted.")
		return
	}
	if err := w.Save(os.Stdout); err != nil {
		slog.Error("failed to print whitelist", "error", err)
		os.Exit(1)
	}
}

func runWhitelistAdd(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	repoID, component, pkg := args[0], args[1], args[2]
	var categories []string
	if len(args) > 3 {
		for _, c := range strings.Split(args[3], ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				categories = append(categories, c)
			}
		}
	}

	w, whitelistPath, err := repoWhitelist(config, repoID)
	if err != nil {
		slog.Error("failed to load whitelist", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	w.Add(component, pkg, categories)
	if err := w.SaveFile(whitelistPath); err != nil {
		slog.Error("failed to save whitelist", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	slog.Info("package whitelisted", "repo", repoID, "component", component, "package", pkg)
}

func runWhitelistRemove(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	config, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	repoID, component, pkg := args[0], args[1], args[2]

	w, whitelistPath, err := repoWhitelist(config, repoID)
	if err != nil {
		slog.Error("failed to load whitelist", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	if !w.Remove(component, pkg) {
		slog.Error("package is not whitelisted", "repo", repoID, "component", component, "package", pkg)
		os.Exit(1)
	}
	if err := w.SaveFile(whitelistPath); err != nil {
		slog.Error("failed to save whitelist", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
	slog.Info("package removed from whitelist", "repo", repoID, "component", component, "package", pkg)
}

func runInspect(_ *cobra.Command, args []string) {
	failed := false
	for i, debPath := range args {
		rec, err := readDebFile(debPath)
		if err != nil {
			slog.Error("failed to read package", "path", debPath, "error", err)
			failed = true
			continue
		}
		if i > 0 {
			fmt.Println()
		}
		if err := rec.Serialize(os.Stdout, nil); err != nil {
			slog.Error("failed to print control stanza", "path", debPath, "error", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func readDebFile(debPath string) (*apt.PackageRecord, error) {
	f, err := os.Open(debPath) // #nosec G304 - path is a user-provided CLI argument
	if err != nil {
		return nil, errors.Wrap(err, "opening package")
	}
	defer func() {
		_ = f.Close()
	}()
	return apt.ReadDebControl(f)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
