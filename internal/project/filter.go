package project

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
)

// excludedNames are tooling directories skipped at every depth
var excludedNames = map[string]bool{
	".git":          true,
	".svn":          true,
	".hg":           true,
	"node_modules":  true,
	"__pycache__":   true,
	".venv":         true,
	"venv":          true,
	"env":           true,
	".tox":          true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".idea":         true,
	".vscode":       true,
}

// Excluded reports whether a single directory entry is skipped by scans
// and the watcher. Hidden entries are always skipped.
func Excluded(name string) bool {
	if strings.HasPrefix(name, ".") && name != "." {
		return true
	}
	return excludedNames[name]
}

// ExcludedPath checks every component of a slash or OS relative path
func ExcludedPath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == "" || part == "." {
			continue
		}
		if Excluded(part) {
			return true
		}
	}
	return false
}

// resolve joins rel onto root and rejects anything that lands outside it
func resolve(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		r, err := filepath.Rel(root, rel)
		if err != nil {
			return "", ErrInvalidPath
		}
		rel = r
	}
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return filepath.Join(root, clean), nil
}

// confine follows symlinks in full and rejects targets outside root. Paths
// that do not exist yet are returned as is.
func confine(root, full string) (string, error) {
	resolved, err := filepath.EvalSymlinks(full)
	if errors.Is(err, fs.ErrNotExist) {
		return full, nil
	}
	if err != nil {
		return "", err
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return resolved, nil
}
