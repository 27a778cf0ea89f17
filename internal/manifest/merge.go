package manifest

import (
	"path"
	"sort"
	"strings"
)

// Merge produces the final manifest for publication: identical to next
// except for the deleted list, which carries forward deletion
// knowledge from prev. A path missing from next's entries that existed
// in prev (or was already deleted) stays deleted; a path that
// reappears in next's entries is dropped from the deleted list, since
// deletion and presence are mutually exclusive.
//
// When replace is true, previously accumulated deletions are pruned
// and only paths removed between prev and next are listed.
func Merge(prev, next *Manifest, replace bool) *Manifest {
	newPaths := next.EntryPaths()
	deleted := make(map[string]bool)

	if prev != nil {
		for _, e := range prev.Entries {
			if !newPaths[e.Path] {
				deleted[e.Path] = true
			}
		}
		if !replace {
			for _, p := range prev.Deleted {
				if !newPaths[p] {
					deleted[p] = true
				}
			}
		}
	}

	reserved := make(map[string]bool)
	for _, name := range ReservedNames() {
		reserved[name] = true
	}

	out := make([]string, 0, len(deleted))
	for p := range deleted {
		if reserved[path.Base(p)] {
			continue
		}
		out = append(out, p)
	}
	// Case-insensitive sort keeps the published list stable for diffs.
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})

	final := *next
	final.Entries = append([]Entry(nil), next.Entries...)
	final.Deleted = out
	return &final
}
