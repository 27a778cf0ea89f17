package manifest

import (
	"reflect"
	"testing"
)

func mkManifest(paths []string, deleted []string) *Manifest {
	entries := make([]Entry, 0, len(paths))
	for _, p := range paths {
		entries = append(entries, Entry{Path: p, Size: 1})
	}
	return &Manifest{
		GeneratedAt: "2026-01-02T03:04:05Z",
		BaseURL:     "https://cdn.example.com",
		Entries:     entries,
		Deleted:     deleted,
	}
}

func TestMergeNoPrevious(t *testing.T) {
	next := mkManifest([]string{"a.mp4", "b.mp4"}, nil)
	final := Merge(nil, next, false)
	if len(final.Deleted) != 0 {
		t.Errorf("first publish must have empty deleted, got %v", final.Deleted)
	}
	if len(final.Entries) != 2 {
		t.Errorf("entries must carry over, got %+v", final.Entries)
	}
}

func TestMergeRemovedPaths(t *testing.T) {
	prev := mkManifest([]string{"a.mp4", "b.mp4"}, nil)
	next := mkManifest([]string{"a.mp4", "c.mp4"}, nil)

	final := Merge(prev, next, false)
	if !reflect.DeepEqual(final.Deleted, []string{"b.mp4"}) {
		t.Errorf("got deleted %v, want [b.mp4]", final.Deleted)
	}
}

func TestMergeIdempotence(t *testing.T) {
	m := mkManifest([]string{"a.mp4"}, []string{"gone.mp4"})
	final := Merge(m, m, false)
	if !reflect.DeepEqual(final.Deleted, []string{"gone.mp4"}) {
		t.Errorf("merging a manifest with itself must keep deleted unchanged, got %v", final.Deleted)
	}
}

func TestMergeMonotonicity(t *testing.T) {
	// A previously deleted path still absent from the new entries
	// stays deleted across publish cycles.
	prev := mkManifest([]string{"a.mp4"}, []string{"old.mp4"})
	next := mkManifest([]string{"a.mp4", "new.mp4"}, nil)

	final := Merge(prev, next, false)
	if !reflect.DeepEqual(final.Deleted, []string{"old.mp4"}) {
		t.Errorf("got deleted %v, want [old.mp4]", final.Deleted)
	}
}

func TestMergeResurrection(t *testing.T) {
	// Re-added content must leave the deleted set: deletion and
	// presence are mutually exclusive.
	prev := mkManifest([]string{"a.mp4"}, []string{"back.mp4"})
	next := mkManifest([]string{"a.mp4", "back.mp4"}, nil)

	final := Merge(prev, next, false)
	if len(final.Deleted) != 0 {
		t.Errorf("resurrected path must not stay deleted, got %v", final.Deleted)
	}
	if err := final.Validate(); err != nil {
		t.Errorf("merged manifest violates invariants: %v", err)
	}
}

func TestMergeReplacePrunesAccumulated(t *testing.T) {
	prev := mkManifest([]string{"a.mp4", "b.mp4"}, []string{"ancient.mp4"})
	next := mkManifest([]string{"a.mp4"}, nil)

	final := Merge(prev, next, true)
	if !reflect.DeepEqual(final.Deleted, []string{"b.mp4"}) {
		t.Errorf("replace must list only newly missing paths, got %v", final.Deleted)
	}
}

func TestMergeSortsCaseInsensitively(t *testing.T) {
	prev := mkManifest([]string{"Zeta.mp4", "alpha.mp4", "Beta.mp4"}, nil)
	next := mkManifest(nil, nil)

	final := Merge(prev, next, false)
	want := []string{"alpha.mp4", "Beta.mp4", "Zeta.mp4"}
	if !reflect.DeepEqual(final.Deleted, want) {
		t.Errorf("got %v, want %v", final.Deleted, want)
	}
}

func TestMergeNeverListsReservedNames(t *testing.T) {
	prev := mkManifest([]string{"a.mp4", FileName, "sub/" + StateFileName}, nil)
	next := mkManifest(nil, nil)

	final := Merge(prev, next, false)
	if !reflect.DeepEqual(final.Deleted, []string{"a.mp4"}) {
		t.Errorf("reserved names must never be listed as deleted, got %v", final.Deleted)
	}
}

func TestMergeKeepsOtherFieldsFromNew(t *testing.T) {
	prev := mkManifest([]string{"a.mp4"}, nil)
	prev.GeneratedAt = "2025-01-01T00:00:00Z"
	next := mkManifest([]string{"b.mp4"}, nil)
	next.App = &AppRelease{LatestVersion: "2.0.0"}

	final := Merge(prev, next, false)
	if final.GeneratedAt != next.GeneratedAt || final.BaseURL != next.BaseURL {
		t.Error("all fields except deleted must come from the new manifest")
	}
	if final.App == nil || final.App.LatestVersion != "2.0.0" {
		t.Errorf("app block must carry over: %+v", final.App)
	}
	// The inputs stay untouched; a published manifest is immutable.
	if len(next.Deleted) != 0 {
		t.Errorf("merge must not mutate its input, got %v", next.Deleted)
	}
}
