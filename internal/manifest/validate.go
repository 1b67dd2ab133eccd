package manifest

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"kiln/internal/faults"
)

// Validate checks the manifest for the defects that must be rejected at
// submission time.
func (p *Project) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return defect("project name is required")
	}
	if len(p.Environments) == 0 {
		return defect("at least one [env.<name>] block is required")
	}
	if p.DefaultEnv != "" {
		if _, ok := p.Environments[p.DefaultEnv]; !ok {
			return defect(fmt.Sprintf("default_env %q is not a defined environment", p.DefaultEnv))
		}
	}
	for name, env := range p.Environments {
		if strings.TrimSpace(env.Platform) == "" {
			return defect(fmt.Sprintf("env %q: platform is required", name))
		}
		if strings.TrimSpace(env.Board) == "" {
			return defect(fmt.Sprintf("env %q: board is required", name))
		}
		for _, lib := range env.Libraries {
			if strings.TrimSpace(lib.Name) == "" {
				return defect(fmt.Sprintf("env %q: library without a name", name))
			}
			if strings.TrimSpace(lib.Version) == "" {
				return defect(fmt.Sprintf("env %q: library %q without a version", name, lib.Name))
			}
		}
	}
	return nil
}

// NormalizeName canonicalizes a package or environment name for use as
// a cache key: NFC-normalized, lowercased, spaces collapsed to dashes.
// Two hosts spelling the same name with different Unicode compositions
// must land on the same cache entry.
func NormalizeName(name string) string {
	normalized := norm.NFC.String(strings.TrimSpace(name))
	normalized = strings.ToLower(normalized)
	return strings.Join(strings.Fields(normalized), "-")
}

func defect(message string) error {
	return faults.Wrap(faults.ErrValidation, "manifest", "validate", message, nil)
}
