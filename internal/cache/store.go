package cache

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/MatissesProjects/Audio-Sequencer-sub000/internal/audio"
	apperrors "github.com/MatissesProjects/Audio-Sequencer-sub000/internal/errors"
)

// EngineVersion is mixed into every fingerprint and written to the cache
// root. Bump it whenever rendering output changes for identical input.
const EngineVersion = "render-v1"

const (
	entryMagic   = "SEQC"
	entryFormat  = uint32(1)
	entrySuffix  = ".pcm"
	versionFile  = ".version"
	maxEntrySize = 1 << 33
)

// Store persists rendered buffers by fingerprint.
type Store interface {
	Get(key string) (*audio.Buffer, error)
	Put(key string, buf *audio.Buffer) error
	Invalidate(key string) error
	Size() (int64, int, error)
	Clear() error
}

// DirStore keeps one file per entry under dir/<key[:2]>/<key>.pcm. Entries
// are written to a temp file and renamed into place, so concurrent writers
// racing on the same key are harmless.
type DirStore struct {
	dir string
}

// OpenDirStore opens (or creates) a cache directory. A cache written by a
// different engine version is wiped.
func OpenDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &DirStore{dir: dir}

	versionPath := filepath.Join(dir, versionFile)
	data, err := os.ReadFile(versionPath)
	if err == nil && strings.TrimSpace(string(data)) == EngineVersion {
		return s, nil
	}
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "OpenDirStore",
			"dir":      dir,
			"found":    strings.TrimSpace(string(data)),
		}).Info("render cache version changed, clearing")
		if err := s.Clear(); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	if err := os.WriteFile(versionPath, []byte(EngineVersion), 0644); err != nil {
		return nil, fmt.Errorf("write cache version: %w", err)
	}
	return s, nil
}

// Dir returns the cache root.
func (s *DirStore) Dir() string {
	return s.dir
}

func (s *DirStore) path(key string) (string, error) {
	if len(key) < 4 || strings.ContainsAny(key, `/\.`) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	return filepath.Join(s.dir, key[:2], key+entrySuffix), nil
}

// Get loads an entry. A missing entry returns ErrCacheMiss; an unreadable
// one returns ErrCorruptedFile.
func (s *DirStore) Get(key string) (*audio.Buffer, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("open cache entry: %w", err)
	}
	defer f.Close()

	buf, err := readEntry(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: cache entry %s: %v", apperrors.ErrCorruptedFile, key, err)
	}
	return buf, nil
}

// Put stores buf under key.
func (s *DirStore) Put(key string, buf *audio.Buffer) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	shard := filepath.Dir(p)
	if err := os.MkdirAll(shard, 0755); err != nil {
		return fmt.Errorf("create cache shard: %w", err)
	}

	tmp, err := os.CreateTemp(shard, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("create cache temp: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	if err := writeEntry(w, buf); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flush cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// Invalidate removes an entry if present.
func (s *DirStore) Invalidate(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Size returns total bytes and entry count.
func (s *DirStore) Size() (int64, int, error) {
	var total int64
	var count int
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		count++
		return nil
	})
	return total, count, err
}

// Clear removes every entry.
func (s *DirStore) Clear() error {
	return os.RemoveAll(s.dir)
}

// writeEntry lays out: magic, format, sample rate, channels, frames, then
// each channel as little endian float64. Raw float64 keeps hits bit-identical.
func writeEntry(w io.Writer, buf *audio.Buffer) error {
	header := []any{
		[]byte(entryMagic),
		entryFormat,
		uint32(buf.SampleRate),
		uint32(buf.Channels()),
		uint64(buf.Frames()),
	}
	for _, h := range header {
		if err := binary.Write(w, binary.LittleEndian, h); err != nil {
			return err
		}
	}
	scratch := make([]byte, 8)
	for _, ch := range buf.Data {
		for _, v := range ch {
			binary.LittleEndian.PutUint64(scratch, math.Float64bits(v))
			if _, err := w.Write(scratch); err != nil {
				return err
			}
		}
	}
	return nil
}

func readEntry(r io.Reader) (*audio.Buffer, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	if string(magic) != entryMagic {
		return nil, fmt.Errorf("bad magic %q", magic)
	}
	var format, sampleRate, channels uint32
	var frames uint64
	for _, v := range []any{&format, &sampleRate, &channels, &frames} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return nil, err
		}
	}
	if format != entryFormat {
		return nil, fmt.Errorf("unknown entry format %d", format)
	}
	if channels == 0 || channels > 8 || frames*uint64(channels)*8 > maxEntrySize {
		return nil, fmt.Errorf("implausible entry shape %dx%d", channels, frames)
	}

	buf := audio.NewBuffer(int(channels), int(frames), int(sampleRate))
	scratch := make([]byte, 8)
	for _, ch := range buf.Data {
		for i := range ch {
			if _, err := io.ReadFull(r, scratch); err != nil {
				return nil, err
			}
			ch[i] = math.Float64frombits(binary.LittleEndian.Uint64(scratch))
		}
	}
	return buf, nil
}

// MemoryStore is an in-process Store, used by tests and single-shot renders.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*audio.Buffer
	gets    int
	hits    int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]*audio.Buffer{}}
}

func (m *MemoryStore) Get(key string) (*audio.Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	b, ok := m.entries[key]
	if !ok {
		return nil, apperrors.ErrCacheMiss
	}
	m.hits++
	return b.Clone(), nil
}

func (m *MemoryStore) Put(key string, buf *audio.Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = buf.Clone()
	return nil
}

func (m *MemoryStore) Invalidate(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Size() (int64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, b := range m.entries {
		total += int64(b.Channels() * b.Frames() * 8)
	}
	return total, len(m.entries), nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]*audio.Buffer{}
	return nil
}

// Stats returns lookup and hit counts.
func (m *MemoryStore) Stats() (gets, hits int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gets, m.hits
}
