/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clonemanager

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	gogit "github.com/go-git/go-git/v5"
)

// MaxReadBytes bounds a single file read handed back to the model.
const MaxReadBytes = 256 << 10

// maxMatches bounds Search results.
const maxMatches = 200

// Match is a single line matched by Search.
type Match struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// Files is a path-confined view of a worktree. Writes and deletes are staged.
type Files struct {
	wt   *gogit.Worktree
	fs   billy.Filesystem
	root string
}

// NewFiles binds Files to wt.
func NewFiles(wt *gogit.Worktree) *Files {
	return &Files{wt: wt, fs: wt.Filesystem, root: wt.Filesystem.Root()}
}

// resolve turns path into a worktree-relative slash path, rejecting paths
// that escape the worktree or reach into .git.
func (f *Files) resolve(path string) (string, error) {
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return "", fmt.Errorf("path %q: %w", path, err)
		}
		path = rel
	}
	rel := filepath.ToSlash(filepath.Clean(path))
	switch {
	case rel == ".." || strings.HasPrefix(rel, "../"):
		return "", fmt.Errorf("path %q escapes worktree", path)
	case rel == ".git" || strings.HasPrefix(rel, ".git/"):
		return "", fmt.Errorf("path %q is inside .git", path)
	}
	return rel, nil
}

// ReadFile returns the contents of path, truncated to MaxReadBytes.
func (f *Files) ReadFile(path string) (string, error) {
	rel, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := util.ReadFile(f.fs, rel)
	if err != nil {
		return "", err
	}
	if len(data) > MaxReadBytes {
		return string(data[:MaxReadBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

// WriteFile creates or replaces path and stages it.
func (f *Files) WriteFile(path, content string) error {
	rel, err := f.resolve(path)
	if err != nil {
		return err
	}
	if rel == "." {
		return errors.New("cannot write the worktree root")
	}
	if err := f.fs.MkdirAll(filepath.Dir(rel), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if st, err := f.fs.Stat(rel); err == nil {
		mode = st.Mode().Perm()
	}
	if err := util.WriteFile(f.fs, rel, []byte(content), mode); err != nil {
		return err
	}
	_, err = f.wt.Add(rel)
	return err
}

// DeleteFile removes path and stages the removal.
func (f *Files) DeleteFile(path string) error {
	rel, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := f.fs.Remove(rel); err != nil {
		return err
	}
	_, err = f.wt.Remove(rel)
	return err
}

// ListDirectory lists path; directories carry a trailing slash.
func (f *Files) ListDirectory(path string) ([]string, error) {
	rel, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	entries, err := f.fs.ReadDir(rel)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name() == ".git" {
			continue
		}
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

// Search returns lines matching pattern across non-hidden text files.
func (f *Files) Search(pattern string) ([]Match, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	var matches []Match
	errFull := errors.New("enough matches")
	err = filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != f.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isBinaryFile(path) {
			return nil
		}
		found, err := searchFile(path, f.root, re)
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= maxMatches {
			return errFull
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFull) {
		return nil, err
	}
	if len(matches) > maxMatches {
		matches = matches[:maxMatches]
	}
	return matches, nil
}

func searchFile(path, root string, re *regexp.Regexp) ([]Match, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, err
	}

	var matches []Match
	scanner := bufio.NewScanner(fh)
	for line := 1; scanner.Scan(); line++ {
		if text := scanner.Text(); re.MatchString(text) {
			matches = append(matches, Match{Path: filepath.ToSlash(rel), Line: line, Content: text})
		}
	}
	return matches, scanner.Err()
}

var binaryExts = map[string]struct{}{
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {},
	".zip": {}, ".tar": {}, ".gz": {}, ".bz2": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".ico": {},
	".pdf": {}, ".doc": {}, ".docx": {},
	".bin": {}, ".dat": {},
}

func isBinaryFile(path string) bool {
	_, ok := binaryExts[strings.ToLower(filepath.Ext(path))]
	return ok
}
