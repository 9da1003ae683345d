package project

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// DefaultMaxDepth bounds directory scans
const DefaultMaxDepth = 4

// Entry is one node of a workspace scan
type Entry struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	Dir      bool    `json:"isDir"`
	Size     int64   `json:"size,omitempty"`
	Project  bool    `json:"isProject,omitempty"`
	Active   bool    `json:"isActive,omitempty"`
	Children []Entry `json:"children,omitempty"`
}

// Scan lists root up to maxDepth levels deep, skipping hidden entries and
// tooling directories. A missing root yields an empty result.
// Directories are listed before files, each group sorted by name.
func Scan(root string, maxDepth int) ([]Entry, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	info, err := os.Stat(root)
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrNotDirectory
	}
	return scanDir(root, "", 1, maxDepth)
}

func scanDir(root, rel string, depth, maxDepth int) ([]Entry, error) {
	dirents, err := os.ReadDir(filepath.Join(root, rel))
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if Excluded(d.Name()) {
			continue
		}
		childRel := filepath.Join(rel, d.Name())
		e := Entry{
			Name: d.Name(),
			Path: filepath.ToSlash(childRel),
			Dir:  d.IsDir(),
		}

		if d.IsDir() {
			full := filepath.Join(root, childRel)
			e.Active = exists(filepath.Join(full, MarkerActive))
			e.Project = e.Active || exists(filepath.Join(full, MarkerInactive))
			if depth < maxDepth {
				children, err := scanDir(root, childRel, depth+1, maxDepth)
				if err != nil {
					// unreadable subdirectories show up empty
					children = nil
				}
				e.Children = children
			}
		} else if info, err := d.Info(); err == nil {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Dir != entries[j].Dir {
			return entries[i].Dir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
