package project

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/allbin/picobridge/internal/log"
)

const (
	// MarkerActive marks the active project root
	MarkerActive = ".micropico"
	// MarkerInactive marks a project root that is not active
	MarkerInactive = MarkerActive + ".inactive"
)

// Marker is a project marker found in the workspace
type Marker struct {
	Dir    string `json:"dir"`
	Active bool   `json:"active"`
}

// Markers returns every project marker under workspace within
// DefaultMaxDepth levels
func Markers(workspace string) ([]Marker, error) {
	return walkMarkers(workspace, DefaultMaxDepth)
}

// walkMarkers collects markers down to maxDepth levels, or at any depth
// when maxDepth is 0
func walkMarkers(workspace string, maxDepth int) ([]Marker, error) {
	var out []Marker
	err := filepath.WalkDir(workspace, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == workspace {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(workspace, p)
		if rel != "." {
			if Excluded(d.Name()) {
				return filepath.SkipDir
			}
		}

		active := exists(filepath.Join(p, MarkerActive))
		if active || exists(filepath.Join(p, MarkerInactive)) {
			out = append(out, Marker{Dir: filepath.ToSlash(rel), Active: active})
		}
		if maxDepth > 0 && depthOf(rel) >= maxDepth {
			return filepath.SkipDir
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return out, err
}

func depthOf(rel string) int {
	if rel == "." {
		return 0
	}
	n := 1
	for _, c := range filepath.ToSlash(rel) {
		if c == '/' {
			n++
		}
	}
	return n
}

// Activate makes dir the only active project under workspace. Every other
// active marker, at any depth, is renamed in place to the inactive variant.
func Activate(workspace, dir string) error {
	full, err := resolve(workspace, dir)
	if err != nil {
		return err
	}
	if _, err := confine(workspace, full); err != nil {
		return err
	}
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return ErrNotDirectory
	}

	markers, err := walkMarkers(workspace, 0)
	if err != nil {
		return err
	}
	target, _ := filepath.Rel(workspace, full)
	target = filepath.ToSlash(target)

	for _, m := range markers {
		if !m.Active || m.Dir == target {
			continue
		}
		mdir := filepath.Join(workspace, filepath.FromSlash(m.Dir))
		if err := os.Rename(filepath.Join(mdir, MarkerActive), filepath.Join(mdir, MarkerInactive)); err != nil {
			return err
		}
		log.Debug().Str("project", m.Dir).Msg("project deactivated")
	}

	active := filepath.Join(full, MarkerActive)
	inactive := filepath.Join(full, MarkerInactive)
	switch {
	case exists(active):
		// an inactive leftover next to the active marker is dropped
		if exists(inactive) {
			if err := os.Remove(inactive); err != nil {
				return err
			}
		}
	case exists(inactive):
		if err := os.Rename(inactive, active); err != nil {
			return err
		}
	default:
		if err := os.WriteFile(active, nil, 0o644); err != nil {
			return err
		}
	}

	log.Info().Str("project", target).Msg("project activated")
	return nil
}

// FindActive returns the workspace-relative directory of the active project.
// With more than one active marker the first in walk order wins.
func FindActive(workspace string) (string, error) {
	markers, err := Markers(workspace)
	if err != nil {
		return "", err
	}
	for _, m := range markers {
		if m.Active {
			return m.Dir, nil
		}
	}
	return "", ErrNoActiveProject
}
