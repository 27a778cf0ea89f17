package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultIncludeExts are the file extensions included in a build when
// none are configured.
var DefaultIncludeExts = []string{".mp4", ".jpg", ".jpeg", ".png", ".db", ".json"}

// DefaultSkipDirs are directory names excluded from every build:
// version-control metadata, build artifacts and local tooling state.
var DefaultSkipDirs = []string{".git", ".github", ".hg", ".svn", "build", "dist", ".state"}

// BuildOptions configures a manifest build
type BuildOptions struct {
	// BaseURL is the public base under which the content root is
	// hosted; recorded in the manifest and used for per-entry URLs.
	BaseURL string

	// FolderURL, when set, switches the build to shared-folder
	// distribution mode: entries carry the folder reference instead
	// of a direct URL.
	FolderURL string

	// IncludeExts lists the extensions to include (lowercase, with
	// leading dot). Empty means DefaultIncludeExts.
	IncludeExts []string

	// SkipDirs lists additional directory names to exclude beyond
	// DefaultSkipDirs.
	SkipDirs []string

	// App optionally attaches release metadata, verbatim.
	App *AppRelease

	Logger *slog.Logger
}

// Build scans a content root and produces a manifest covering every
// included regular file. Hashing failure degrades the affected entry
// to size-only identity; path-safety violations fail the whole build.
// The deleted list starts empty and is populated only by Merge.
func Build(root string, opts BuildOptions) (*Manifest, error) {
	if opts.BaseURL == "" && opts.FolderURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve content root: %w", err)
	}

	includeExts := make(map[string]bool)
	for _, ext := range opts.IncludeExts {
		includeExts[normalizeExt(ext)] = true
	}
	if len(includeExts) == 0 {
		for _, ext := range DefaultIncludeExts {
			includeExts[ext] = true
		}
	}

	skipDirs := make(map[string]bool)
	for _, dir := range append(append([]string{}, DefaultSkipDirs...), opts.SkipDirs...) {
		skipDirs[dir] = true
	}

	skipFiles := make(map[string]bool)
	for _, name := range ReservedNames() {
		skipFiles[name] = true
	}

	entries := make([]Entry, 0)

	// WalkDir visits entries in lexical order, which keeps the output
	// stable across builds for readable manifest diffs.
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		name := d.Name()
		if d.IsDir() {
			if p != root && (skipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if skipFiles[name] || strings.HasPrefix(name, ".") {
			return nil
		}
		if !includeExts[strings.ToLower(filepath.Ext(name))] {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("failed to compute relative path for %s: %w", p, err)
		}
		rel = filepath.ToSlash(rel)
		if err := ValidatePath(rel); err != nil {
			return fmt.Errorf("unsafe path under content root: %w", err)
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}

		entry := Entry{
			Path: rel,
			Size: info.Size(),
		}
		if opts.FolderURL != "" {
			entry.FolderURL = opts.FolderURL
		} else {
			entry.URL = DeriveURL(opts.BaseURL, rel)
		}

		// An unreadable file is a recoverable per-entry condition: the
		// entry is still listed, with size-only identity.
		hash, err := FileHash(p)
		if err != nil {
			opts.Logger.Warn("hashing failed, entry degraded to size-only identity",
				"path", rel, "error", err)
		} else {
			entry.SHA256 = hash
		}

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan content root: %w", err)
	}

	m := &Manifest{
		GeneratedAt: time.Now().UTC().Truncate(time.Second).Format(time.RFC3339),
		BaseURL:     strings.TrimRight(opts.BaseURL, "/"),
		Entries:     entries,
		Deleted:     []string{},
	}
	if opts.App != nil && strings.TrimSpace(opts.App.LatestVersion) != "" {
		m.App = &AppRelease{
			LatestVersion: strings.TrimSpace(opts.App.LatestVersion),
			DownloadURL:   strings.TrimSpace(opts.App.DownloadURL),
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// FileHash computes the SHA256 hash of a file
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
