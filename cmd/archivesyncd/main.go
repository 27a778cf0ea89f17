package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/schaermu/archivesyncd/internal/config"
	"github.com/schaermu/archivesyncd/internal/fetch"
	"github.com/schaermu/archivesyncd/internal/folder"
	"github.com/schaermu/archivesyncd/internal/manifest"
	"github.com/schaermu/archivesyncd/internal/serve"
	"github.com/schaermu/archivesyncd/internal/sync"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Build command flags
	baseURL          string
	folderURL        string
	outputPath       string
	includeExts      []string
	skipDirs         []string
	appLatestVersion string
	appDownloadURL   string

	// Merge command flags
	prevPath         string
	newPath          string
	mergeOut         string
	replaceDeletions bool

	// Sync command flags
	dryRun bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "archivesyncd",
	Short: "Manifest-based content synchronization for media archives",
	Long: `archivesyncd distributes a large, slowly-changing tree of media files plus a
companion database from a publisher to many offline-capable clients.

The publisher builds a manifest describing the content tree and merges it with
the previously published manifest to carry deletions forward. Each client
diffs its local tree against the remote manifest and downloads only what
changed, with verified, resumable-by-retry transfers.`,
	SilenceUsage: true,
}

var buildCmd = &cobra.Command{
	Use:   "build [content-root]",
	Short: "Build a manifest describing a content root",
	Long: `Build scans a content root and writes a manifest covering every included
file with its size and content hash. The deleted list starts empty; use the
merge command to carry deletions forward from the previous manifest.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Carry deletions forward from the previous manifest",
	Long: `Merge compares the previous published manifest with a newly built one and
fills in the deleted list: paths that existed before and are gone now, plus
previously accumulated deletions that have not reappeared.`,
	RunE: runMerge,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check for pending content and application updates",
	RunE:  runCheck,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Bring the local content root in line with the remote manifest",
	Long: `Sync fetches the remote manifest, classifies every entry against the local
content root, downloads changed or missing files with verification, and
removes locally-present files the manifest marks deleted (only when
remove_deleted is enabled in the configuration).

Failures of individual files never abort the run; re-running resumes from
wherever verification last failed.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Host the content root over HTTP for LAN or staging distribution",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("archivesyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/archivesyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Build command flags
	buildCmd.Flags().StringVar(&baseURL, "base-url", "", "public base URL hosting the content root")
	buildCmd.Flags().StringVar(&folderURL, "folder-url", "", "shared-folder URL for folder-resource distribution mode")
	buildCmd.Flags().StringVar(&outputPath, "output", manifest.FileName, "manifest output path")
	buildCmd.Flags().StringArrayVar(&includeExts, "include-ext", nil, "add a file extension to include")
	buildCmd.Flags().StringArrayVar(&skipDirs, "skip-dir", nil, "add a directory name to skip")
	buildCmd.Flags().StringVar(&appLatestVersion, "app-latest-version", "", "latest app version (e.g. 1.2.0)")
	buildCmd.Flags().StringVar(&appDownloadURL, "app-download-url", "", "installer/release URL for the latest app")

	// Merge command flags
	mergeCmd.Flags().StringVar(&prevPath, "prev", "", "previous manifest path")
	mergeCmd.Flags().StringVar(&newPath, "new", "", "newly built manifest path")
	mergeCmd.Flags().StringVar(&mergeOut, "out", "", "output path (default: overwrite --new)")
	mergeCmd.Flags().BoolVar(&replaceDeletions, "replace", false, "prune accumulated deletions instead of merging them")
	_ = mergeCmd.MarkFlagRequired("new")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")

	// Add commands
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	root := "."
	if len(args) == 1 {
		root = args[0]
	}

	opts := manifest.BuildOptions{
		BaseURL:     baseURL,
		FolderURL:   folderURL,
		IncludeExts: includeExts,
		SkipDirs:    skipDirs,
		Logger:      logger,
	}
	if appLatestVersion != "" {
		opts.App = &manifest.AppRelease{
			LatestVersion: appLatestVersion,
			DownloadURL:   appDownloadURL,
		}
	}

	m, err := manifest.Build(root, opts)
	if err != nil {
		return fmt.Errorf("failed to build manifest: %w", err)
	}
	if err := m.Save(outputPath); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	var total int64
	for _, e := range m.Entries {
		total += e.Size
	}
	fmt.Printf("Wrote manifest: %s\n", outputPath)
	fmt.Printf("Files listed: %d (%s)\n", len(m.Entries), humanize.Bytes(uint64(total)))
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	next, err := manifest.Load(newPath)
	if err != nil {
		return fmt.Errorf("failed to load new manifest: %w", err)
	}

	var prev *manifest.Manifest
	if prevPath != "" {
		prev, err = manifest.Load(prevPath)
		if err != nil {
			return fmt.Errorf("failed to load previous manifest: %w", err)
		}
	}

	out := mergeOut
	if out == "" {
		out = newPath
	}

	final := manifest.Merge(prev, next, replaceDeletions)
	if err := final.Save(out); err != nil {
		return fmt.Errorf("failed to write merged manifest: %w", err)
	}

	fmt.Printf("Wrote updated manifest: %s\n", out)
	fmt.Printf("Deleted entries: %d\n", len(final.Deleted))
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, logger)
	result, err := engine.Check(ctx)
	if err != nil {
		return err
	}

	if result.Offline {
		fmt.Printf("Offline: %s\n", result.OfflineCause)
		return nil
	}
	if result.UpToDate {
		fmt.Println("Content is up to date")
	} else {
		var pending int64
		for _, e := range result.Plan.Download {
			pending += e.Size
		}
		fmt.Printf("Pending changes: %d (%d downloads, %s; %d deletions)\n",
			result.PendingCount, len(result.Plan.Download),
			humanize.Bytes(uint64(pending)), len(result.Plan.Delete))
	}
	if result.AppUpdateAvailable {
		fmt.Printf("Application update available: %s\n", result.AppDownloadURL)
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine := newEngine(cfg, logger)
	engine.SetProgress(func(p sync.Progress) {
		logger.Info(string(p.Phase), "path", p.Path, "index", p.Index, "total", p.Total)
	})

	result, err := engine.Check(ctx)
	if err != nil {
		return err
	}
	if result.Offline {
		logger.Info("offline, staying on local state", "cause", result.OfflineCause)
		return nil
	}
	if result.UpToDate {
		logger.Info("content is up to date")
		return nil
	}

	if dryRun {
		for _, e := range result.Plan.Download {
			logger.Info("[dry-run] would download", "path", e.Path, "size", humanize.Bytes(uint64(e.Size)))
		}
		for _, p := range result.Plan.Delete {
			logger.Info("[dry-run] would delete", "path", p)
		}
		logger.Info("dry-run complete, no changes applied")
		return nil
	}

	summary, err := engine.Apply(ctx, result.Manifest, result.Plan)
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	fmt.Printf("Downloaded: %d (%s)\n", summary.Downloaded, humanize.Bytes(uint64(summary.DownloadedBytes)))
	fmt.Printf("Deleted: %d, up to date: %d, failed: %d\n", summary.Deleted, summary.UpToDate, summary.Failed)
	for _, f := range summary.Failures {
		fmt.Printf("  failed: %s (%s)\n", f.Path, f.Reason)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve is not enabled in the configuration")
	}

	return serve.NewServer(cfg, logger).Start(ctx)
}

// newEngine wires the sync engine with its HTTP client and the pCloud
// folder resolver.
func newEngine(cfg *config.Config, logger *slog.Logger) *sync.Engine {
	fetcher := fetch.NewClient(logger)
	resolver := folder.NewPCloudResolver(fetcher, cfg.DownloadTimeout())
	return sync.NewEngine(cfg, fetcher, resolver, logger, version)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/archivesyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	// A missing config file means permanent offline mode, not an error.
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Offline() {
		logger.Info("no update source configured, running offline")
	}

	logger.Debug("configuration loaded",
		"manifest_url", cfg.Update.ManifestURL,
		"archive_root", cfg.Paths.ArchiveRoot,
		"remove_deleted", cfg.Update.RemoveDeleted)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
