// fileio.go: one-time target file setup for the orchestrator.
//
// A run opens exactly one file exactly once: sanitize the path, create the
// parent directory if needed, open with bounded retry, and (for the write
// path) size the file up front so every consumer writes into a file already
// at its final length.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pario

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	setupRetryCount = 3
	setupRetryDelay = 10 * time.Millisecond
)

// sanitizePath validates path length and sanitizes the filename component
// before anything touches the filesystem.
func sanitizePath(path string) (string, error) {
	if err := ValidatePathLength(path); err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	dir := filepath.Dir(path)
	base := SanitizeFilename(filepath.Base(path))
	return filepath.Join(dir, base), nil
}

// ensureDir creates path's parent directory if needed, retrying transient
// failures.
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return RetryFileOperation(func() error {
		return os.MkdirAll(dir, 0750)
	}, setupRetryCount, setupRetryDelay)
}

// openForWrite sanitizes path, creates its directory if needed, then opens
// (creating if absent) and truncates the file to exactly size bytes before
// any producer begins writing.
func openForWrite(path string, size int64) (*os.File, error) {
	sanitized, err := sanitizePath(path)
	if err != nil {
		return nil, &WriteIOError{Err: err}
	}
	if err := ensureDir(sanitized); err != nil {
		return nil, &WriteIOError{Err: fmt.Errorf("create directory for %q: %w", sanitized, err)}
	}

	var file *os.File
	err = RetryFileOperation(func() error {
		var openErr error
		file, openErr = os.OpenFile(sanitized, os.O_CREATE|os.O_WRONLY, GetDefaultFileMode())
		return openErr
	}, setupRetryCount, setupRetryDelay)
	if err != nil {
		return nil, &WriteIOError{Err: fmt.Errorf("open %q: %w", sanitized, err)}
	}

	if err := file.Truncate(size); err != nil {
		_ = file.Close()
		return nil, &WriteIOError{Err: fmt.Errorf("truncate %q to %d bytes: %w", sanitized, size, err)}
	}
	return file, nil
}

// openForRead opens path for positional reads and returns both the handle
// and its current size, the N the partitioner needs.
func openForRead(path string) (*os.File, int64, error) {
	sanitized, err := sanitizePath(path)
	if err != nil {
		return nil, 0, &ReadIOError{Err: err}
	}

	var file *os.File
	err = RetryFileOperation(func() error {
		var openErr error
		file, openErr = os.OpenFile(sanitized, os.O_RDONLY, 0)
		return openErr
	}, setupRetryCount, setupRetryDelay)
	if err != nil {
		return nil, 0, &ReadIOError{Err: fmt.Errorf("open %q: %w", sanitized, err)}
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, 0, &ReadIOError{Err: fmt.Errorf("stat %q: %w", sanitized, err)}
	}
	return file, info.Size(), nil
}
