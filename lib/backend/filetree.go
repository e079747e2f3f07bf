// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/datawire/dlib/dlog"

	"github.com/tim-chow/lru-cache/lib/containers"
	"github.com/tim-chow/lru-cache/lib/diskio"
)

// ParseLevels parses a "1:2"-style directory-sharding spec into level
// widths, falling back to {1, 2} on anything malformed (ground:
// FileLRUCache._generate_levels). At most 3 levels are kept.
func ParseLevels(spec string) []int {
	fallback := []int{1, 2}
	parts := strings.Split(spec, ":")
	if len(parts) < 1 {
		return fallback
	}
	if len(parts) > 3 {
		parts = parts[:3]
	}
	levels := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 2 {
			return fallback
		}
		levels = append(levels, n)
	}
	return levels
}

// FileTree is a Backend that shards artifacts across nested
// directories named by suffixes of the key, to keep any one directory
// from holding too many files (ground: file_lru_cache.py). Keys must
// be non-empty alphanumeric strings at least as long as the sum of
// the sharding levels.
type FileTree struct {
	baseDir      string
	levels       []int
	tempPrefix   string
	loadMaxFiles int
	loadInterval time.Duration

	// pathCache memoizes the (expensive-ish, string-slicing) sharded
	// directory computation per key.
	pathCache *containers.LRUCache[string, string]
}

var _ Backend[containers.NativeOrdered[string]] = (*FileTree)(nil)

// NewFileTree constructs a FileTree rooted at baseDir. loadMaxFiles
// bounds how many artifacts Load reports before yielding loadInterval
// back to the caller, so a large pre-existing tree doesn't hog the
// lifecycle's loading phase.
func NewFileTree(baseDir string, levels []int, loadMaxFiles int, loadInterval time.Duration) *FileTree {
	return &FileTree{
		baseDir:      baseDir,
		levels:       levels,
		tempPrefix:   "tempfile",
		loadMaxFiles: loadMaxFiles,
		loadInterval: loadInterval,
		pathCache:    containers.NewLRUCache[string, string](1024),
	}
}

func (f *FileTree) dirPart(key string) string {
	if dir, ok := f.pathCache.Get(key); ok {
		return dir
	}
	dirNames := make([]string, 0, len(f.levels))
	end := len(key)
	for _, level := range f.levels {
		start := end - level
		if start < 0 {
			start = 0
		}
		dirNames = append(dirNames, key[start:end])
		end = start
	}
	dir := filepath.Join(append([]string{f.baseDir}, dirNames...)...)
	f.pathCache.Add(key, dir)
	return dir
}

func (f *FileTree) path(key string) string {
	return filepath.Join(f.dirPart(key), key)
}

func (f *FileTree) levelSum() int {
	sum := 0
	for _, l := range f.levels {
		sum += l
	}
	return sum
}

func (f *FileTree) isValidKey(key string) bool {
	if key == "" || len(key) < f.levelSum() {
		return false
	}
	for _, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isValidDirName(name string, length int) bool {
	if len(name) != length {
		return false
	}
	for _, r := range name {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func (f *FileTree) safeRemoveFile(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		dlog.Errorf(ctx, "filetree: remove %s: %v", path, err)
	}
}

func (f *FileTree) safeRemoveDir(ctx context.Context, path string) {
	if err := os.RemoveAll(path); err != nil {
		dlog.Errorf(ctx, "filetree: remove %s: %v", path, err)
	}
}

func (f *FileTree) Prepare(ctx context.Context) error {
	dlog.Debugf(ctx, "filetree: preparing %s", f.baseDir)
	return os.MkdirAll(f.baseDir, 0o755)
}

func (f *FileTree) Finalize(ctx context.Context) error {
	dlog.Debugf(ctx, "filetree: finalized %s", f.baseDir)
	return nil
}

// walk mirrors FileLRUCache._walk: at levels 1..len(levels) it
// descends into subdirectories named by the expected shard width,
// pruning anything that doesn't match; at the leaf level it reports
// files to yield, skipping temp files and anything whose computed
// path doesn't match (stale artifacts from a changed sharding
// config). yield returning false stops the walk early.
func (f *FileTree) walk(ctx context.Context, dir string, level int, yield func(path, name string, size int64) bool) bool {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return true
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true
	}

	maxLevel := len(f.levels)
	switch {
	case level <= maxLevel:
		expectWidth := f.levels[level-1]
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			if !e.IsDir() {
				f.safeRemoveFile(ctx, path)
				continue
			}
			if !isValidDirName(e.Name(), expectWidth) {
				f.safeRemoveDir(ctx, path)
				continue
			}
			if !f.walk(ctx, path, level+1, yield) {
				return false
			}
		}
	case level == maxLevel+1:
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			if e.IsDir() {
				f.safeRemoveDir(ctx, path)
				continue
			}
			name := e.Name()
			if strings.HasPrefix(name, f.tempPrefix) {
				f.safeRemoveFile(ctx, path)
				continue
			}
			if f.path(name) != path {
				f.safeRemoveFile(ctx, path)
				continue
			}
			fi, err := e.Info()
			if err != nil {
				dlog.Errorf(ctx, "filetree: stat %s: %v", path, err)
				continue
			}
			if !yield(path, name, fi.Size()) {
				return false
			}
		}
	}
	return true
}

// Load walks the tree, reporting each discovered artifact to addMeta
// and removing anything addMeta refuses (capacity exceeded) or
// anything left over from a stale layout.
func (f *FileTree) Load(ctx context.Context, addMeta AddMetaFunc[containers.NativeOrdered[string]]) <-chan time.Duration {
	ch := make(chan time.Duration)
	go func() {
		defer close(ch)
		count := 0
		f.walk(ctx, f.baseDir, 1, func(path, name string, size int64) bool {
			if addMeta(containers.NativeOrdered[string]{Val: name}, size) {
				dlog.Debugf(ctx, "filetree: loaded meta for %s", name)
			} else {
				dlog.Debugf(ctx, "filetree: refused meta for %s, removing", name)
				f.safeRemoveFile(ctx, path)
			}
			count++
			if count < f.loadMaxFiles {
				return true
			}
			count = 0
			select {
			case ch <- f.loadInterval:
				return true
			case <-ctx.Done():
				return false
			}
		})
	}()
	return ch
}

func (f *FileTree) Read(ctx context.Context, key containers.NativeOrdered[string]) ([]byte, error) {
	if !f.isValidKey(key.Val) {
		return nil, fmt.Errorf("filetree: invalid key %q", key.Val)
	}
	path := f.path(key.Val)
	osFile, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	file := &diskio.OSFile[int64]{File: osFile}
	defer file.Close()

	buf := make([]byte, file.Size())
	if _, err := file.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

func (f *FileTree) Write(ctx context.Context, key containers.NativeOrdered[string], data []byte) error {
	if !f.isValidKey(key.Val) {
		return fmt.Errorf("filetree: invalid key %q", key.Val)
	}
	dir := f.dirPart(key.Val)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(dir, fmt.Sprintf("%s-%s-%d-%d", f.tempPrefix, key.Val, os.Getpid(), time.Now().UnixNano()))
	dlog.Debugf(ctx, "filetree: writing temp file %s", tmp)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	dest := filepath.Join(dir, key.Val)
	dlog.Debugf(ctx, "filetree: rename %s to %s", tmp, dest)
	return os.Rename(tmp, dest)
}

func (f *FileTree) Delete(ctx context.Context, key containers.NativeOrdered[string]) error {
	if !f.isValidKey(key.Val) {
		dlog.Errorf(ctx, "filetree: invalid key %q", key.Val)
		return nil
	}
	path := f.path(key.Val)
	dlog.Debugf(ctx, "filetree: deleting %s", path)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		dlog.Errorf(ctx, "filetree: delete %s: %v", path, err)
	}
	return nil
}
