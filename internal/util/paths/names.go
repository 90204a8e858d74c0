// Package paths derives local file names for downloads.
package paths

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/modelkeeper/modelkeeper/internal/models"
	"github.com/modelkeeper/modelkeeper/internal/util/sanitize"
)

// ResolveDuplicateNames maps file ids to names that are unique within one batch.
//
// Each entry has the form "id:filename" and is split on the first colon, so
// file names may themselves contain colons. Entries without a colon are
// skipped, and when an id repeats the first entry wins. A name that is
// already taken gets " (n)" inserted before its extension, with n counting
// up from 1 until the name is free:
//
//	["1:foo.txt", "2:foo.txt", "3:bar.jpg"] -> {"1": "foo.txt", "2": "foo (1).txt", "3": "bar.jpg"}
//
// Resolved names are reserved too, so a later literal "foo (1).txt" becomes
// "foo (1) (1).txt" rather than colliding.
func ResolveDuplicateNames(entries []string) map[string]string {
	resolved := make(map[string]string, len(entries))
	used := make(map[string]struct{}, len(entries))

	for _, entry := range entries {
		id, name, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		if _, seen := resolved[id]; seen {
			continue
		}

		candidate := name
		if _, taken := used[candidate]; taken {
			stem, ext := splitExt(name)
			for n := 1; ; n++ {
				candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
				if _, taken := used[candidate]; !taken {
					break
				}
			}
		}

		used[candidate] = struct{}{}
		resolved[id] = candidate
	}

	return resolved
}

// splitExt splits name before its extension. A leading dot starts a hidden
// file name, not an extension, so ".env" has no extension.
func splitExt(name string) (stem, ext string) {
	ext = filepath.Ext(name)
	stem = strings.TrimSuffix(name, ext)
	if stem == "" {
		return name, ""
	}
	return stem, ext
}

// SaveName returns the base name (no extension) under which a version's
// files are stored. The primary file's name wins; otherwise the name is
// built from the model name, version name and version id, which keeps it
// stable across runs.
func SaveName(v models.ModelVersion) string {
	if primary, ok := v.PrimaryFile(); ok && primary.Name != "" {
		base := filepath.Base(primary.Name)
		return sanitize.Filename(strings.TrimSuffix(base, filepath.Ext(base)))
	}

	parts := make([]string, 0, 3)
	for _, p := range []string{v.Model.Name, v.Name} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, strings.ReplaceAll(p, " ", "_"))
		}
	}
	parts = append(parts, strconv.FormatInt(v.ID, 10))

	return sanitize.Filename(strings.Join(parts, "_"))
}
