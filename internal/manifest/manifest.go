package manifest

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Well-known file names inside a content root. These never become
// manifest entries and are never listed as deleted.
const (
	FileName      = "manifest.json"
	NewFileName   = "manifest.new.json"
	PrevFileName  = "manifest.prev.json"
	StateFileName = ".archive_sync_state.json"
)

// ReservedNames returns the file names excluded from entries and from
// the deleted list.
func ReservedNames() []string {
	return []string{FileName, NewFileName, PrevFileName, StateFileName}
}

// Entry describes one file in the content tree
type Entry struct {
	Path      string `json:"path"`
	SHA256    string `json:"sha256,omitempty"` // hex digest; empty when hashing was skipped
	Size      int64  `json:"size"`
	URL       string `json:"url,omitempty"`
	FolderURL string `json:"folder_url,omitempty"`
}

// AppRelease describes the current installable application release
type AppRelease struct {
	LatestVersion string `json:"latest_version"`
	DownloadURL   string `json:"download_url"`
}

// Manifest is the authoritative description of a content tree: every
// current file plus the accumulated list of deleted paths. A manifest
// is immutable once published; a new one supersedes it.
type Manifest struct {
	GeneratedAt string      `json:"generatedAt"`
	BaseURL     string      `json:"baseUrl"`
	Entries     []Entry     `json:"entries"`
	Deleted     []string    `json:"deleted"`
	App         *AppRelease `json:"app,omitempty"`
}

// SourceKind distinguishes how an entry's bytes are fetched
type SourceKind int

const (
	// SourceDirect is a concrete fetch URL
	SourceDirect SourceKind = iota
	// SourceFolder requires a server-side lookup by exact filename
	// within a shared folder resource
	SourceFolder
)

// Source is the resolved download source for an entry
type Source struct {
	Kind      SourceKind
	URL       string // direct fetch URL (SourceDirect)
	FolderURL string // shared folder reference (SourceFolder)
	Name      string // exact filename within the folder (SourceFolder)
}

// Source resolves the entry's download source. Entries carrying an
// explicit URL use it directly; entries carrying a folder_url need a
// lookup; entries with neither derive a URL from the manifest baseUrl.
func (e Entry) Source(baseURL string) (Source, error) {
	switch {
	case e.URL != "":
		return Source{Kind: SourceDirect, URL: e.URL}, nil
	case e.FolderURL != "":
		return Source{Kind: SourceFolder, FolderURL: e.FolderURL, Name: path.Base(e.Path)}, nil
	case baseURL != "":
		return Source{Kind: SourceDirect, URL: DeriveURL(baseURL, e.Path)}, nil
	default:
		return Source{}, fmt.Errorf("no download source for %s", e.Path)
	}
}

// DeriveURL constructs the default direct-source URL for a relative
// path: baseURL + "/" + the path with each segment escaped.
func DeriveURL(baseURL, relPath string) string {
	segments := strings.Split(relPath, "/")
	escaped := make([]string, len(segments))
	for i, seg := range segments {
		escaped[i] = url.PathEscape(seg)
	}
	return strings.TrimRight(baseURL, "/") + "/" + strings.Join(escaped, "/")
}

// UnmarshalJSON enforces the presence of required entry fields so a
// malformed manifest fails loading instead of producing zero values.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	aux := struct {
		*plain
		Size *int64 `json:"size"`
	}{plain: (*plain)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if e.Path == "" {
		return fmt.Errorf("manifest entry missing required field 'path'")
	}
	if aux.Size == nil {
		return fmt.Errorf("manifest entry %q missing required field 'size'", e.Path)
	}
	e.Size = *aux.Size
	return nil
}

// ValidatePath rejects paths that could escape the content root:
// absolute paths, traversal segments and backslash separators. These
// indicate a malicious or corrupted manifest input and must never be
// silently skipped.
func ValidatePath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.ContainsRune(p, '\\') {
		return fmt.Errorf("path %q contains backslash separator", p)
	}
	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) || (len(p) >= 2 && p[1] == ':') {
		return fmt.Errorf("path %q is absolute", p)
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "":
			return fmt.Errorf("path %q contains empty segment", p)
		case ".", "..":
			return fmt.Errorf("path %q contains traversal segment", p)
		}
	}
	return nil
}

// Validate checks the manifest invariants: per-entry path safety and
// field consistency, path uniqueness, and that no path appears in both
// entries and deleted.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Entries))
	for _, e := range m.Entries {
		if err := ValidatePath(e.Path); err != nil {
			return fmt.Errorf("invalid entry: %w", err)
		}
		if seen[e.Path] {
			return fmt.Errorf("duplicate entry path: %s", e.Path)
		}
		seen[e.Path] = true

		if e.Size < 0 {
			return fmt.Errorf("entry %s has negative size", e.Path)
		}
		if e.URL != "" && e.FolderURL != "" {
			return fmt.Errorf("entry %s has both url and folder_url", e.Path)
		}
	}

	for _, p := range m.Deleted {
		if err := ValidatePath(p); err != nil {
			return fmt.Errorf("invalid deleted path: %w", err)
		}
		if seen[p] {
			return fmt.Errorf("path %s appears in both entries and deleted", p)
		}
	}

	return nil
}

// EntryPaths returns the set of entry paths
func (m *Manifest) EntryPaths() map[string]bool {
	paths := make(map[string]bool, len(m.Entries))
	for _, e := range m.Entries {
		paths[e.Path] = true
	}
	return paths
}

// Parse decodes and validates manifest JSON. Unknown fields are
// ignored; missing required fields or invariant violations fail with
// a schema error.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// Load reads and parses a manifest file
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data)
}

// Save writes the manifest as indented JSON via a temporary file and
// atomic rename, so a concurrent reader never observes a partial
// manifest.
func (m *Manifest) Save(dst string) error {
	if m.Deleted == nil {
		m.Deleted = []string{}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".manifest-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dst)
}
