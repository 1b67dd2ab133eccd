package build

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"kiln/internal/faults"
)

var sourceExtensions = map[string]struct{}{
	".c":   {},
	".cpp": {},
	".cc":  {},
	".ino": {},
	".S":   {},
}

// DiscoverSources walks the source root and returns every translation
// unit, sorted for a stable plan. Hidden directories and build output
// are skipped.
func DiscoverSources(root string) ([]string, error) {
	var sources []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != root {
				return fs.SkipDir
			}
			if name == "build" {
				return fs.SkipDir
			}
			return nil
		}
		if _, ok := sourceExtensions[filepath.Ext(name)]; ok {
			sources = append(sources, path)
		}
		return nil
	})
	if err != nil {
		return nil, faults.Wrap(faults.ErrValidation, "build", "discover", "walk source root "+root, err)
	}
	if len(sources) == 0 {
		return nil, faults.Wrap(faults.ErrValidation, "build", "discover", "no source files under "+root, nil)
	}
	sort.Strings(sources)
	return sources, nil
}
