// Package archive provides write-once sinks for exported audit evidence.
//
// A Sink stores named objects exactly once: a second Put under the same
// name fails with ErrObjectExists instead of overwriting. Evidence handed
// to auditors must stay bit-identical to what was exported, so no sink
// implementation supports replacement or deletion.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrObjectExists is returned when a Put would overwrite an object.
	ErrObjectExists = errors.New("archive: object already exists")
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("archive: object not found")
)

// Sink stores evidence objects under slash-separated names.
type Sink interface {
	// Put stores the reader's content under name and returns the object's
	// URL. Names are write-once: ErrObjectExists if the name is taken.
	Put(ctx context.Context, name string, r io.Reader) (string, error)
	// Open streams a stored object back. ErrNotFound when absent.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Exists reports whether an object is stored under name.
	Exists(ctx context.Context, name string) (bool, error)
}

// cleanName validates an object name and returns its normalized form.
// Names are relative slash paths; anything that could escape the sink's
// root is rejected.
func cleanName(name string) (string, error) {
	if name == "" {
		return "", errors.New("archive: object name is required")
	}
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive: object name %q must be relative", name)
	}
	cleaned := filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", fmt.Errorf("archive: object name %q escapes the sink root", name)
	}
	return cleaned, nil
}

// prefixedKey builds an object key from an optional prefix and a validated
// name, always separated by a single slash.
func prefixedKey(prefix, name string) (string, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return cleaned, nil
	}
	return strings.TrimRight(prefix, "/") + "/" + cleaned, nil
}

// FileSink stores objects as files under a root directory.
type FileSink struct {
	root string
}

// NewFileSink creates a sink rooted at dir, creating it if needed.
func NewFileSink(dir string) (*FileSink, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: resolving sink root: %w", err)
	}
	//nolint:gosec // G301: 0755 is intentional for a shared evidence directory
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("archive: creating sink root: %w", err)
	}
	return &FileSink{root: abs}, nil
}

// Root returns the sink's absolute root directory.
func (s *FileSink) Root() string { return s.root }

func (s *FileSink) path(name string) (string, error) {
	cleaned, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Put writes the object to a temp file and links it into place. Link
// refuses to replace an existing file, which is what keeps the sink
// write-once under concurrent writers.
func (s *FileSink) Put(_ context.Context, name string, r io.Reader) (string, error) {
	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)
	//nolint:gosec // G301: directories mirror the sink root's mode
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("archive: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("archive: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("archive: writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("archive: flushing %s: %w", name, err)
	}

	if err := os.Link(tmpPath, path); err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("archive: %s: %w", name, ErrObjectExists)
		}
		return "", fmt.Errorf("archive: committing %s: %w", name, err)
	}
	return "file://" + path, nil
}

// Open streams a stored object.
func (s *FileSink) Open(_ context.Context, name string) (io.ReadCloser, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // name validated by cleanName
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("archive: %s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("archive: opening %s: %w", name, err)
	}
	return f, nil
}

// Exists reports whether an object is stored under name.
func (s *FileSink) Exists(_ context.Context, name string) (bool, error) {
	path, err := s.path(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("archive: checking %s: %w", name, err)
	}
	return true, nil
}
