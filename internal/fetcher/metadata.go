package fetcher

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/JakeFAU/repo-scanner/internal/scan"
)

// Metadata summarizes a fetched directory: total bytes, regular file count,
// and the oldest and newest modification times.
func Metadata(root string) (scan.RepoMetadata, error) {
	var meta scan.RepoMetadata
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		meta.Files++
		meta.Bytes += info.Size()
		mod := info.ModTime()
		if meta.OldestFile.IsZero() || mod.Before(meta.OldestFile) {
			meta.OldestFile = mod
		}
		if mod.After(meta.NewestFile) {
			meta.NewestFile = mod
		}
		return nil
	})
	if err != nil {
		return scan.RepoMetadata{}, fmt.Errorf("walk %s: %w", root, err)
	}
	return meta, nil
}
