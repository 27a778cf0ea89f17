package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/archivesyncd/internal/config"
	"github.com/schaermu/archivesyncd/internal/fetch"
	"github.com/schaermu/archivesyncd/internal/folder"
	"github.com/schaermu/archivesyncd/internal/manifest"
)

// Engine reconciles a local content root against a remote manifest.
// It is designed to run as background work: the only blocking
// operations are the manifest fetch, per-file downloads and folder
// lookups, all bounded by configured timeouts and cancellable through
// the context. A failed or interrupted run degrades to "nothing
// changed"; re-running naturally resumes from wherever verification
// last failed.
type Engine struct {
	cfg      *config.Config
	fetcher  *fetch.Client
	resolver folder.Resolver
	logger   *slog.Logger
	version  string
	progress ProgressFunc
}

// NewEngine creates a new sync engine. version is the running
// application version, used for release checks against the manifest's
// app block.
func NewEngine(cfg *config.Config, fetcher *fetch.Client, resolver folder.Resolver, logger *slog.Logger, version string) *Engine {
	return &Engine{
		cfg:      cfg,
		fetcher:  fetcher,
		resolver: resolver,
		logger:   logger,
		version:  version,
	}
}

// SetProgress installs a progress callback for apply runs
func (e *Engine) SetProgress(fn ProgressFunc) {
	e.progress = fn
}

// Check fetches the remote manifest and computes the convergence plan
// without applying anything. Network failure, timeout or an untrusted
// manifest yields an Offline result, never an error: the consumer
// stays on its local state.
func (e *Engine) Check(ctx context.Context) (*CheckResult, error) {
	if e.cfg.Offline() {
		return &CheckResult{Offline: true, OfflineCause: "no update source configured"}, nil
	}

	e.logger.Info("fetching manifest", "url", e.cfg.Update.ManifestURL)
	m, err := e.fetcher.Manifest(ctx, e.cfg.Update.ManifestURL, e.cfg.RequestTimeout())
	if err != nil {
		e.logger.Warn("manifest unavailable, staying on local state", "error", err)
		return &CheckResult{Offline: true, OfflineCause: err.Error()}, nil
	}

	root := e.cfg.Paths.ArchiveRoot
	st := LoadState(root)

	plan := e.diff(root, m, st)

	st.LastCheckUTC = utcNow()
	if err := st.Save(root); err != nil {
		e.logger.Warn("failed to save sync state", "error", err)
	}

	result := &CheckResult{
		UpToDate:     plan.PendingCount() == 0,
		PendingCount: plan.PendingCount(),
		Manifest:     m,
		Plan:         plan,
	}
	if m.App != nil {
		result.AppUpdateAvailable = appUpdateAvailable(m.App.LatestVersion, e.version)
		result.AppDownloadURL = m.App.DownloadURL
	} else if e.cfg.Update.AppReleaseURL != "" {
		// Fallback release endpoint for manifests without an app block.
		var rel manifest.AppRelease
		if err := e.fetcher.GetJSON(ctx, e.cfg.Update.AppReleaseURL, e.cfg.RequestTimeout(), &rel); err != nil {
			e.logger.Warn("app release check failed", "error", err)
		} else {
			result.AppUpdateAvailable = appUpdateAvailable(rel.LatestVersion, e.version)
			result.AppDownloadURL = rel.DownloadURL
		}
	}

	e.logger.Info("check complete",
		"pending", result.PendingCount,
		"up_to_date", result.UpToDate,
		"app_update", result.AppUpdateAvailable)
	return result, nil
}

// Apply executes a convergence plan against the local content root.
// Per-file failures never abort the batch; a missing content root is
// the one systemic, fatal-for-this-run condition.
func (e *Engine) Apply(ctx context.Context, m *manifest.Manifest, plan *Plan) (*Summary, error) {
	root := e.cfg.Paths.ArchiveRoot
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("content root unavailable: %s", root)
	}

	st := LoadState(root)
	summary := &Summary{
		UpToDate:  plan.UpToDate,
		KeptLocal: plan.KeptLocal,
	}

	var mu gosync.Mutex
	total := len(plan.Download)

	limit := e.cfg.Sync.Concurrency
	if limit < 1 {
		limit = 1
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)

	for i, ent := range plan.Download {
		// Cancellation is honored between entries; in-flight downloads
		// abandon their temporary file and leave destinations intact.
		if ctx.Err() != nil {
			break
		}

		index, ent := i+1, ent
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			e.report(Progress{Phase: PhaseDownloading, Index: index, Total: total, Path: ent.Path})

			dst := filepath.Join(root, filepath.FromSlash(ent.Path))
			err := e.download(ctx, m, ent, dst)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				e.logger.Warn("download failed", "path", ent.Path, "error", err)
				mu.Lock()
				summary.Failures = append(summary.Failures, Failure{Path: ent.Path, Reason: err.Error()})
				mu.Unlock()
				return nil
			}

			fs := FileState{SHA256: ent.SHA256, Size: ent.Size}
			if info, err := os.Stat(dst); err == nil {
				fs.LocalSize = info.Size()
				fs.LocalMtimeUnix = info.ModTime().Unix()
			}

			mu.Lock()
			summary.Downloaded++
			summary.DownloadedBytes += ent.Size
			st.Files[ent.Path] = fs
			mu.Unlock()

			e.report(Progress{Phase: PhaseDownloaded, Index: index, Total: total, Path: ent.Path})
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range plan.Delete {
		if ctx.Err() != nil {
			break
		}
		e.report(Progress{Phase: PhaseDeleting, Index: i + 1, Total: len(plan.Delete), Path: p})

		local := filepath.Join(root, filepath.FromSlash(p))
		// Removing an already-missing file is not an error.
		if err := os.Remove(local); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("delete failed", "path", p, "error", err)
			summary.Failures = append(summary.Failures, Failure{Path: p, Reason: err.Error()})
			continue
		}
		e.logger.Info("deleted local file", "path", p)
		summary.Deleted++
		delete(st.Files, p)
	}

	summary.Failed = len(summary.Failures)
	summary.Cancelled = ctx.Err() != nil

	st.LastSyncErrorCount = summary.Failed
	if summary.Failed == 0 && !summary.Cancelled {
		st.LastSuccessSyncUTC = utcNow()
		st.LastManifestVersion = m.GeneratedAt
	}
	if err := st.Save(root); err != nil {
		e.logger.Warn("failed to save sync state", "error", err)
	}

	e.logger.Info("apply complete",
		"downloaded", summary.Downloaded,
		"failed", summary.Failed,
		"deleted", summary.Deleted,
		"up_to_date", summary.UpToDate,
		"cancelled", summary.Cancelled)
	return summary, nil
}

// diff classifies every remote entry and deleted path against the
// local tree. It is read-only against local content; the manifest
// snapshot it was given does not change mid-run.
func (e *Engine) diff(root string, m *manifest.Manifest, st *State) *Plan {
	plan := &Plan{
		Download: make([]manifest.Entry, 0),
		Delete:   make([]string, 0),
	}

	for _, ent := range m.Entries {
		switch e.classify(root, ent, st) {
		case NeedsDownload:
			plan.Download = append(plan.Download, ent)
		case UpToDate:
			plan.UpToDate++
		}
	}

	for _, p := range m.Deleted {
		local := filepath.Join(root, filepath.FromSlash(p))
		info, err := os.Stat(local)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if e.cfg.Update.RemoveDeleted {
			plan.Delete = append(plan.Delete, p)
		} else {
			// Safe-mode default: deletion requires explicit opt-in.
			plan.KeptLocal++
		}
	}

	return plan
}

// classify compares one remote entry against the local file at its
// path. The state cache only short-circuits re-hashing when both the
// remote identity and the local size+mtime are unchanged since the
// last verified sync.
func (e *Engine) classify(root string, ent manifest.Entry, st *State) Action {
	local := filepath.Join(root, filepath.FromSlash(ent.Path))
	info, err := os.Stat(local)
	if err != nil || !info.Mode().IsRegular() {
		return NeedsDownload
	}

	if cached, ok := st.Files[ent.Path]; ok &&
		cached.SHA256 == ent.SHA256 && cached.Size == ent.Size &&
		cached.LocalSize == info.Size() && cached.LocalMtimeUnix == info.ModTime().Unix() {
		return UpToDate
	}

	if ent.SHA256 != "" {
		got, err := manifest.FileHash(local)
		if err != nil || !strings.EqualFold(got, ent.SHA256) {
			return NeedsDownload
		}
		st.Files[ent.Path] = FileState{
			SHA256:         ent.SHA256,
			Size:           ent.Size,
			LocalSize:      info.Size(),
			LocalMtimeUnix: info.ModTime().Unix(),
		}
		return UpToDate
	}

	// No remote hash: size is the only identity signal. Same-size
	// content changes go undetected; documented weaker guarantee.
	if info.Size() != ent.Size {
		return NeedsDownload
	}
	return UpToDate
}

// download resolves the entry's source and performs one verified,
// atomic download.
func (e *Engine) download(ctx context.Context, m *manifest.Manifest, ent manifest.Entry, dst string) error {
	src, err := ent.Source(m.BaseURL)
	if err != nil {
		return err
	}

	rawURL := src.URL
	if src.Kind == manifest.SourceFolder {
		if e.resolver == nil {
			return fmt.Errorf("entry requires folder lookup but no resolver is configured")
		}
		rawURL, err = e.resolver.Resolve(ctx, src.FolderURL, src.Name)
		if err != nil {
			return fmt.Errorf("folder lookup failed: %w", err)
		}
	}

	rawURL = fetch.AddCacheBuster(rawURL, m.GeneratedAt)
	want := fetch.Expect{Size: ent.Size, SHA256: ent.SHA256}
	return e.fetcher.Download(ctx, rawURL, dst, want, e.cfg.DownloadTimeout())
}

func (e *Engine) report(p Progress) {
	if e.progress != nil {
		e.progress(p)
	}
}

// appUpdateAvailable compares the advertised release against the
// running version. Versions that don't parse as semver fall back to
// plain inequality.
func appUpdateAvailable(latest, current string) bool {
	if latest == "" {
		return false
	}
	lv, errL := semver.NewVersion(latest)
	cv, errC := semver.NewVersion(current)
	if errL != nil || errC != nil {
		return latest != current
	}
	return lv.GreaterThan(cv)
}

func utcNow() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}
