package media

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// ScanOptions configures directory scanning behavior.
type ScanOptions struct {
	// MaxDepth limits recursion depth. 0 = unlimited, 1 = top-level only.
	MaxDepth int

	// Limit caps the number of files returned. 0 = unlimited.
	Limit int
}

// Collect resolves a mix of file and directory paths into supported files.
// Explicit files with unsupported extensions are an error; unsupported files
// found while walking directories are skipped. Results keep argument order,
// with each directory's files sorted by path. Duplicates are dropped.
func Collect(paths []string, opts ScanOptions) ([]*File, error) {
	seen := make(map[string]bool)
	var files []*File

	add := func(f *File) bool {
		abs, err := filepath.Abs(f.Path)
		if err == nil {
			f.Path = abs
		}
		if seen[f.Path] {
			return true
		}
		seen[f.Path] = true
		files = append(files, f)
		return opts.Limit == 0 || len(files) < opts.Limit
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("path not found: %s", p)
			}
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}

		if !info.IsDir() {
			f, err := Load(p)
			if err != nil {
				return nil, err
			}
			if !add(f) {
				return files, nil
			}
			continue
		}

		found, err := scanDirectory(p, opts.MaxDepth)
		if err != nil {
			return nil, err
		}
		for _, f := range found {
			if !add(f) {
				return files, nil
			}
		}
	}
	return files, nil
}

// scanDirectory walks dirPath for supported files, sorted by path.
// Symlinks to directories are skipped to prevent loops.
func scanDirectory(dirPath string, maxDepth int) ([]*File, error) {
	log.Info().Str("path", dirPath).Int("max_depth", maxDepth).Msg("Scanning directory for homework files")

	absPath, err := filepath.Abs(dirPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	baseDepth := strings.Count(absPath, string(os.PathSeparator))

	var paths []string
	err = filepath.WalkDir(absPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Error accessing path, skipping")
			return nil
		}
		if d.IsDir() {
			if maxDepth > 0 && path != absPath {
				if strings.Count(path, string(os.PathSeparator))-baseDepth >= maxDepth {
					return fs.SkipDir
				}
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil || target.IsDir() {
				return nil
			}
		}
		if IsSupported(filepath.Ext(path)) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", dirPath, err)
	}

	sort.Strings(paths)
	files := make([]*File, 0, len(paths))
	for _, p := range paths {
		f, err := Load(p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("Skipping unreadable file")
			continue
		}
		files = append(files, f)
	}

	log.Info().Str("path", dirPath).Int("count", len(files)).Msg("Directory scan complete")
	return files, nil
}
