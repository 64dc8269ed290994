package trust

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	// currentVersion is the on-disk format version.
	currentVersion = 1

	tempFileSuffix   = ".tmp"
	backupFileSuffix = ".bak"
	lockFileSuffix   = ".lock"
)

// ErrUnsupportedVersion indicates a file written by a newer format.
var ErrUnsupportedVersion = errors.New("trust: unsupported file version")

// storage persists storeData to one JSON file. Every load and save holds an
// exclusive lock on a sibling .lock file so that several processes may share
// the store.
type storage struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

func newStorage(path string) *storage {
	return &storage{
		path:     path,
		lockPath: path + lockFileSuffix,
	}
}

func emptyData() *storeData {
	return &storeData{
		Version: currentVersion,
		Peers:   make(map[string]*Entry),
	}
}

// load reads the store. A missing or empty file yields an empty store. A
// file that does not parse is moved aside to path.bak and an empty store is
// returned.
func (s *storage) load() (*storeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.acquireFileLock()
	if err != nil {
		return nil, fmt.Errorf("lock for load: %w", err)
	}
	defer s.releaseFileLock(lock)

	raw, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return emptyData(), nil
	case err != nil:
		return nil, fmt.Errorf("read trust store: %w", err)
	case len(raw) == 0:
		return emptyData(), nil
	}

	var data storeData
	if err := json.Unmarshal(raw, &data); err != nil {
		if bErr := os.Rename(s.path, s.path+backupFileSuffix); bErr != nil {
			return nil, fmt.Errorf("parse trust store: %w (backup failed: %v)", err, bErr)
		}
		return emptyData(), nil
	}
	if data.Version > currentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, data.Version)
	}

	// Re-key by the parsed id so hand-edited files cannot alias two entries.
	peers := make(map[string]*Entry, len(data.Peers))
	for _, e := range data.Peers {
		if e == nil || e.PeerID.IsZero() {
			continue
		}
		peers[e.PeerID.String()] = e
	}
	data.Peers = peers
	data.Version = currentVersion
	return &data, nil
}

// save replaces the file atomically: temp file, fsync, rename.
func (s *storage) save(data *storeData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.acquireFileLock()
	if err != nil {
		return fmt.Errorf("lock for save: %w", err)
	}
	defer s.releaseFileLock(lock)

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trust store: %w", err)
	}
	return writeFileAtomic(s.path, raw)
}

func writeFileAtomic(path string, raw []byte) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	tempPath := path + tempFileSuffix
	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}

	_, err = f.Write(raw)
	if err == nil {
		err = f.Sync()
	}
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	if err == nil {
		err = os.Rename(tempPath, path)
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("write trust store: %w", err)
	}
	return nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	return nil
}
