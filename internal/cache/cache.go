// Package cache stores rendered clip buffers by content fingerprint and
// separated stems by source file hash.
package cache

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/timeline"
)

// StemCache keeps separated stems per source file under dir/<key>/<stem>.wav.
type StemCache struct {
	dir     string
	version string
}

// CachedStems is a stem bundle served from the cache.
type CachedStems struct {
	Bundle   timeline.StemBundle
	CacheKey string
	CachedAt time.Time
}

// NewStemCache creates a stem cache. tool names the separator; switching
// tools invalidates earlier entries.
func NewStemCache(dir, tool string) (*StemCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create stem cache dir: %w", err)
	}
	return &StemCache{dir: dir, version: stemVersion(tool)}, nil
}

func stemVersion(tool string) string {
	return hashString(EngineVersion + "|" + tool)[:12]
}

// KeyForFile generates a cache key from a file's content hash.
func KeyForFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	hash, _ := blake2b.New256(nil)
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return "file_" + hex.EncodeToString(hash.Sum(nil))[:16], nil
}

// Get returns cached stems for key. At least one stem must exist and the
// entry must carry the current version.
func (c *StemCache) Get(key string) (*CachedStems, bool) {
	sub := filepath.Join(c.dir, key)
	info, err := os.Stat(sub)
	if err != nil || !info.IsDir() {
		return nil, false
	}

	versionData, err := os.ReadFile(filepath.Join(sub, versionFile))
	if err != nil || strings.TrimSpace(string(versionData)) != c.version {
		return nil, false
	}

	result := &CachedStems{CacheKey: key, CachedAt: info.ModTime()}
	found := false
	for _, s := range timeline.AllStems {
		p := filepath.Join(sub, string(s)+".wav")
		if !fileExists(p) {
			continue
		}
		setStem(&result.Bundle, s, p)
		found = true
	}
	if !found {
		return nil, false
	}
	return result, true
}

// Put copies the stems of bundle into the cache.
func (c *StemCache) Put(key string, bundle timeline.StemBundle) (*CachedStems, error) {
	sub := filepath.Join(c.dir, key)
	if err := os.MkdirAll(sub, 0755); err != nil {
		return nil, fmt.Errorf("create stem cache subdir: %w", err)
	}

	result := &CachedStems{CacheKey: key, CachedAt: time.Now()}
	for _, s := range bundle.Present() {
		src := bundle.Path(s)
		if !fileExists(src) {
			continue
		}
		dst := filepath.Join(sub, string(s)+".wav")
		if err := copyFile(src, dst); err != nil {
			return nil, fmt.Errorf("cache %s stem: %w", s, err)
		}
		setStem(&result.Bundle, s, dst)
	}

	if err := os.WriteFile(filepath.Join(sub, versionFile), []byte(c.version), 0644); err != nil {
		return nil, fmt.Errorf("write stem cache version: %w", err)
	}
	return result, nil
}

// Clear removes all cached stems.
func (c *StemCache) Clear() error {
	return os.RemoveAll(c.dir)
}

// Size returns total bytes and the number of cached sources.
func (c *StemCache) Size() (int64, int, error) {
	var totalSize int64
	var count int

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		count++
		files, _ := os.ReadDir(filepath.Join(c.dir, entry.Name()))
		for _, f := range files {
			if info, err := f.Info(); err == nil {
				totalSize += info.Size()
			}
		}
	}
	return totalSize, count, nil
}

func setStem(b *timeline.StemBundle, s timeline.Stem, path string) {
	switch s {
	case timeline.StemVocals:
		b.Vocals = path
	case timeline.StemDrums:
		b.Drums = path
	case timeline.StemBass:
		b.Bass = path
	case timeline.StemOther:
		b.Other = path
	}
}

func hashString(s string) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
