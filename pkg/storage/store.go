package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// BufferSize is the chunk size used when streaming file contents.
	BufferSize = 8192
	// TempPrefix marks in-flight writes; such files are never listed or served.
	TempPrefix = ".p2p-incoming-"
)

var ErrInvalidName = errors.New("invalid file name")

// FileEntry is one regular file of the shared directory.
type FileEntry struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

type cacheEntry struct {
	digest  string
	modTime time.Time
}

// Store is the shared directory of a peer together with its checksum cache.
// Digests are cached per absolute path and recomputed only when the file's
// modification time differs from the cached one.
type Store struct {
	root string

	mu    sync.RWMutex
	cache map[string]cacheEntry

	computations atomic.Int64
}

// NewStore opens (and creates if needed) the shared directory.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve shared directory %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create shared directory %s: %w", abs, err)
	}
	return &Store{
		root:  abs,
		cache: make(map[string]cacheEntry),
	}, nil
}

func (s *Store) Root() string {
	return s.root
}

// ValidateName accepts only a single path element that is not an internal
// temporary file.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, TempPrefix):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

// Path returns the absolute path of name inside the shared directory.
func (s *Store) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.root, name), nil
}

// Exists reports whether a regular file called name is shared.
func (s *Store) Exists(name string) bool {
	path, err := s.Path(name)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// List enumerates the regular files of the shared directory, sorted by name.
func (s *Store) List() ([]FileEntry, error) {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read shared directory: %w", err)
	}

	files := make([]FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if strings.HasPrefix(de.Name(), TempPrefix) || !de.Type().IsRegular() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		files = append(files, FileEntry{
			Name:    de.Name(),
			Path:    filepath.Join(s.root, de.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// HashReader streams r through SHA-256 and returns the hex digest.
func HashReader(r io.Reader) (string, error) {
	hash := sha256.New()
	buf := make([]byte, BufferSize)
	if _, err := io.CopyBuffer(hash, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// HashFile computes the SHA-256 hex digest of the file at path without
// consulting any cache.
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return HashReader(file)
}

// Checksum returns the digest of the file at path, served from the cache when
// the file's modification time is unchanged.
func (s *Store) Checksum(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", abs)
	}

	s.mu.RLock()
	entry, ok := s.cache[abs]
	s.mu.RUnlock()
	if ok && entry.modTime.Equal(info.ModTime()) {
		return entry.digest, nil
	}

	digest, err := HashFile(abs)
	if err != nil {
		return "", err
	}
	s.computations.Add(1)

	s.mu.Lock()
	s.cache[abs] = cacheEntry{digest: digest, modTime: info.ModTime()}
	s.mu.Unlock()
	return digest, nil
}

// VerifyIntegrity reports whether the file at path has the expected digest.
// Any I/O error yields false.
func (s *Store) VerifyIntegrity(path, expected string) bool {
	actual, err := s.Checksum(path)
	if err != nil {
		return false
	}
	return actual == expected
}

// Invalidate drops the cached digest for path.
func (s *Store) Invalidate(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}
	s.mu.Lock()
	delete(s.cache, abs)
	s.mu.Unlock()
}

func (s *Store) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]cacheEntry)
	s.mu.Unlock()
}

func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

// Computations returns how many digests were computed from disk.
func (s *Store) Computations() int64 {
	return s.computations.Load()
}

// UniqueName returns name if it is free, otherwise base(n)ext for the
// smallest positive n not present in the shared directory.
func (s *Store) UniqueName(name string) string {
	if !s.taken(name) {
		return name
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if base == "" {
		// dotfiles such as ".profile" have no extension
		base, ext = name, ""
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s(%d)%s", base, n, ext)
		if !s.taken(candidate) {
			return candidate
		}
	}
}

func (s *Store) taken(name string) bool {
	_, err := os.Lstat(filepath.Join(s.root, name))
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// CreateTemp opens a new temporary file inside the shared directory so that
// the final rename stays on one filesystem.
func (s *Store) CreateTemp() (*os.File, error) {
	return os.CreateTemp(s.root, TempPrefix+"*")
}

// Commit moves a finished temporary file into place under name. With unique
// set, an existing file is never replaced and the returned name may differ.
// On failure the temporary file is removed.
func (s *Store) Commit(tmpPath, name string, unique bool) (string, error) {
	if err := ValidateName(name); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if unique {
		name = s.UniqueName(name)
	}
	dest := filepath.Join(s.root, name)
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		s.Invalidate(dest)
		return "", fmt.Errorf("rename into %s: %w", dest, err)
	}
	s.Invalidate(dest)
	return name, nil
}

// WriteAtomic writes the content of r to name through a temporary file and a
// rename, replacing any previous file. A crash never leaves a half-written
// file under the final name.
func (s *Store) WriteAtomic(name string, r io.Reader) error {
	dest, err := s.Path(name)
	if err != nil {
		return err
	}
	tmp, err := s.CreateTemp()
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		s.Invalidate(dest)
		return err
	}

	buf := make([]byte, BufferSize)
	if _, err := io.CopyBuffer(tmp, r, buf); err != nil {
		return fail(fmt.Errorf("write %s: %w", name, err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync %s: %w", name, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		s.Invalidate(dest)
		return fmt.Errorf("close %s: %w", name, err)
	}
	_, err = s.Commit(tmpPath, name, false)
	return err
}

// Open opens a shared file for reading.
func (s *Store) Open(name string) (*os.File, os.FileInfo, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if !info.Mode().IsRegular() {
		file.Close()
		return nil, nil, fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	return file, info, nil
}

// ReadFile returns the whole content of a shared file.
func (s *Store) ReadFile(name string) ([]byte, error) {
	file, _, err := s.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// Remove deletes a shared file and its cache entry.
func (s *Store) Remove(name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: %w", name, os.ErrNotExist)
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	s.Invalidate(path)
	return nil
}
