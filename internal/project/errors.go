package project

import "errors"

var (
	// ErrInvalidPath is returned for paths that escape the workspace
	ErrInvalidPath = errors.New("invalid project path")

	// ErrNotDirectory is returned when a project root is not a directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory is returned when a file read targets a directory
	ErrIsDirectory = errors.New("is a directory")

	// ErrFileTooLarge is returned when a file exceeds the read limit
	ErrFileTooLarge = errors.New("file too large")

	// ErrNoActiveProject is returned when no directory carries the active marker
	ErrNoActiveProject = errors.New("no active project")
)
