package sync

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/schaermu/archivesyncd/internal/manifest"
)

// Action classifies one manifest entry against local filesystem state
type Action string

const (
	UpToDate      Action = "up-to-date"
	NeedsDownload Action = "needs-download"
)

// Plan is the convergence plan computed by the diff phase: the
// downloads and deletions that bring the local tree in line with the
// remote manifest.
type Plan struct {
	Download  []manifest.Entry
	Delete    []string
	UpToDate  int
	KeptLocal int
}

// PendingCount returns the number of actions the plan would perform
func (p *Plan) PendingCount() int {
	return len(p.Download) + len(p.Delete)
}

// Failure records one entry that could not be applied
type Failure struct {
	Path   string
	Reason string
}

// Summary reports the outcome of an apply run
type Summary struct {
	Downloaded      int
	Failed          int
	Deleted         int
	UpToDate        int
	KeptLocal       int
	DownloadedBytes int64
	Failures        []Failure
	Cancelled       bool
}

// CheckResult reports the outcome of an update check
type CheckResult struct {
	// Offline is set when no update source is configured, the remote
	// is unreachable, or the remote manifest cannot be trusted. The
	// consumer stays fully usable against existing local files.
	Offline      bool
	OfflineCause string

	UpToDate           bool
	PendingCount       int
	AppUpdateAvailable bool
	AppDownloadURL     string

	Manifest *manifest.Manifest
	Plan     *Plan
}

// Phase identifies a progress event during apply
type Phase string

const (
	PhaseDownloading Phase = "downloading"
	PhaseDownloaded  Phase = "downloaded"
	PhaseDeleting    Phase = "deleting"
)

// Progress is delivered to the consumer's progress callback around
// each per-file operation.
type Progress struct {
	Phase Phase
	Index int
	Total int
	Path  string
}

// ProgressFunc receives progress events; it must be safe for
// concurrent calls since downloads run in parallel.
type ProgressFunc func(Progress)

// FileState is the last-known verified identity of one local file
type FileState struct {
	SHA256         string `json:"sha256,omitempty"`
	Size           int64  `json:"size"`
	LocalSize      int64  `json:"local_size"`
	LocalMtimeUnix int64  `json:"local_mtime_unix"`
}

// State is the client's advisory sync cache, persisted next to the
// content root. It is never a substitute for manifest comparison: it
// only lets the diff phase skip re-hashing files whose verified
// identity is unchanged. Deleting it triggers a full re-diff, not
// corruption.
type State struct {
	LastCheckUTC        string               `json:"last_check_utc,omitempty"`
	LastSuccessSyncUTC  string               `json:"last_success_sync_utc,omitempty"`
	LastManifestVersion string               `json:"last_manifest_version,omitempty"`
	LastSyncErrorCount  int                  `json:"last_sync_error_count"`
	Files               map[string]FileState `json:"files"`
}

// NewState returns an empty cache
func NewState() *State {
	return &State{Files: make(map[string]FileState)}
}

// StatePath returns the cache file location for a content root
func StatePath(root string) string {
	return filepath.Join(root, manifest.StateFileName)
}

// LoadState reads the cache for a content root. Any unreadable or
// malformed cache is treated as absent.
func LoadState(root string) *State {
	data, err := os.ReadFile(StatePath(root))
	if err != nil {
		return NewState()
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return NewState()
	}
	if st.Files == nil {
		st.Files = make(map[string]FileState)
	}
	return &st
}

// Save persists the cache. Failure to save is never fatal to a run.
func (s *State) Save(root string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(StatePath(root), data, 0644)
}
