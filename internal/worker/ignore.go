package worker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
)

var defaultIgnorePatterns = []string{
	".git/",
	".hg/",
	".svn/",
	"node_modules/",
	"vendor/",
	"bower_components/",
	"__pycache__/",
	".venv/",
	".tox/",
	"dist/",
	"target/",
	"*.min.js",
	"*.pyc",
	".DS_Store",
}

// ignoreFilter matches repository-relative, slash-separated paths against the
// root .gitignore plus the default noise patterns.
type ignoreFilter struct {
	matcher *gitignore.GitIgnore
}

func newIgnoreFilter(root string) (*ignoreFilter, error) {
	patterns := append([]string(nil), defaultIgnorePatterns...)
	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	switch {
	case err == nil:
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimRight(line, "\r")
			if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, line)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read .gitignore: %w", err)
	}
	return &ignoreFilter{matcher: gitignore.CompileIgnoreLines(patterns...)}, nil
}

func (f *ignoreFilter) ignored(rel string, dir bool) bool {
	if dir {
		rel += "/"
	}
	return f.matcher.MatchesPath(rel)
}

// listFiles returns the regular files under root that survive the filter,
// sorted, as slash-separated relative paths.
func listFiles(root string) ([]string, error) {
	filter, err := newIgnoreFilter(root)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if filter.ignored(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || filter.ignored(rel, false) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk repository: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
