package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"kiln/internal/pkgcache"
)

func newCacheCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and prune the package cache",
	}
	cmd.AddCommand(newCacheListCommand(opts), newCachePurgeCommand(opts))
	return cmd
}

func newCacheListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed packages",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := openCacheStore(opts)
			if err != nil {
				return err
			}
			entries, err := store.Entries()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("package cache is empty")
				return nil
			}
			rows := make([][]string, len(entries))
			var total int64
			for i, entry := range entries {
				mf := entry.Manifest
				rows[i] = []string{
					mf.Name,
					mf.Type,
					mf.Version,
					pkgcache.ShortFingerprint(mf.Fingerprint),
					formatSize(entry.Size),
					mf.InstalledAt.Format("2006-01-02 15:04"),
				}
				total += entry.Size
			}
			fmt.Println(renderTable(
				[]string{"PACKAGE", "TYPE", "VERSION", "FINGERPRINT", "SIZE", "INSTALLED"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft}))
			fmt.Printf("%d packages, %s\n", len(entries), formatSize(total))
			return nil
		},
	}
}

func newCachePurgeCommand(opts *rootOptions) *cobra.Command {
	var name, pkgType string
	var all bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete cached packages and partial artifacts",
		Long: `Delete cached packages by name or type, or the whole cache with --all.
With no selector only partial artifacts (interrupted downloads and
extractions) are removed; committed packages stay.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if all && (name != "" || pkgType != "") {
				return fmt.Errorf("--all cannot be combined with --name or --type")
			}
			store, err := openCacheStore(opts)
			if err != nil {
				return err
			}

			// Partial artifacts are always fair game.
			partials, err := store.CleanPartials()
			if err != nil {
				return err
			}

			var freed int64
			var removed int
			if all || name != "" || pkgType != "" {
				entries, err := store.Entries()
				if err != nil {
					return err
				}
				// A package may hold several fingerprinted entries;
				// Remove takes the whole (name, version) pair at once.
				seen := make(map[string]struct{}, len(entries))
				for _, entry := range entries {
					mf := entry.Manifest
					if !all {
						if name != "" && !strings.EqualFold(mf.Name, name) {
							continue
						}
						if pkgType != "" && !strings.EqualFold(mf.Type, pkgType) {
							continue
						}
					}
					pair := mf.Name + "@" + mf.Version
					if _, done := seen[pair]; done {
						continue
					}
					seen[pair] = struct{}{}
					size, err := store.Remove(mf.Name, mf.Version)
					if err != nil {
						return err
					}
					fmt.Printf("removed %s@%s (%s)\n", mf.Name, mf.Version, formatSize(size))
					freed += size
					removed++
				}
				if removed == 0 && !all {
					fmt.Println("no packages matched")
				}
			}

			if len(partials) > 0 {
				fmt.Printf("removed %d partial artifacts\n", len(partials))
			}
			if removed > 0 {
				fmt.Printf("freed %s across %d packages\n", formatSize(freed), removed)
			}
			if removed == 0 && len(partials) == 0 {
				fmt.Println("nothing to purge")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "purge one package by name (all versions)")
	cmd.Flags().StringVar(&pkgType, "type", "", "purge by package type (platform, toolchain, framework, library)")
	cmd.Flags().BoolVar(&all, "all", false, "purge the entire cache")
	return cmd
}

// openCacheStore works on the cache directly, the way the daemon does;
// committed entries are safe to delete at any time because reinstall is
// always possible and the manifest-last rule keeps readers consistent.
func openCacheStore(opts *rootOptions) (*pkgcache.Store, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	return pkgcache.NewStore(cfg.CacheDir())
}

func formatSize(size int64) string {
	switch {
	case size >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(size)/(1<<30))
	case size >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(size)/(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(size)/(1<<10))
	default:
		return fmt.Sprintf("%d B", size)
	}
}
