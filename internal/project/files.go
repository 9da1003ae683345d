package project

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
)

// MaxReadSize caps ReadFile
const MaxReadSize = 4 << 20

// File is a workspace file ready to be pushed to a device
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	// DevicePath is where the file lives on the device, rooted at "/".
	// Inside a project it is relative to the project root.
	DevicePath      string `json:"devicePath"`
	ProjectDetected bool   `json:"projectDetected"`
	ProjectRoot     string `json:"projectRoot,omitempty"`
}

// ReadFile reads rel from workspace and maps it to its device path
func ReadFile(workspace, rel string) (File, error) {
	full, err := resolve(workspace, rel)
	if err != nil {
		return File{}, err
	}
	resolved, err := confine(workspace, full)
	if err != nil {
		return File{}, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return File{}, err
	}
	if info.IsDir() {
		return File{}, ErrIsDirectory
	}
	if info.Size() > MaxReadSize {
		return File{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, info.Size())
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		return File{}, err
	}

	relPath, _ := filepath.Rel(workspace, full)
	f := File{
		Path:       filepath.ToSlash(relPath),
		Content:    string(content),
		DevicePath: path.Join("/", filepath.ToSlash(relPath)),
	}
	if projRoot, ok := projectRootOf(workspace, filepath.Dir(full)); ok {
		inProject, _ := filepath.Rel(projRoot, full)
		rootRel, _ := filepath.Rel(workspace, projRoot)
		f.ProjectDetected = true
		f.ProjectRoot = filepath.ToSlash(rootRel)
		f.DevicePath = path.Join("/", filepath.ToSlash(inProject))
	}
	return f, nil
}

// projectRootOf walks up from dir to workspace looking for an active marker
func projectRootOf(workspace, dir string) (string, bool) {
	workspace = filepath.Clean(workspace)
	for {
		if exists(filepath.Join(dir, MarkerActive)) {
			return dir, true
		}
		if dir == workspace {
			return "", false
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
