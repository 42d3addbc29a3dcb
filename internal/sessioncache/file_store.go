package sessioncache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"careportal/pkg/fileutil"
)

// FileStore persists the entry as JSON so a new process within the freshness
// window reuses the previous resolution
type FileStore struct {
	mu   sync.Mutex
	path string
}

type fileState struct {
	Seq     uint64 `json:"seq"`
	Applied uint64 `json:"applied"`
	Entry   *Entry `json:"entry,omitempty"`
}

// NewFileStore stores state at path, creating parent directories on first write
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return nil, err
	}
	return st.Entry, nil
}

func (s *FileStore) NextSeq(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return 0, err
	}
	st.Seq++
	if err := s.write(st); err != nil {
		return 0, err
	}
	return st.Seq, nil
}

func (s *FileStore) Apply(ctx context.Context, seq uint64, entry *Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.read()
	if err != nil {
		return false, err
	}
	if seq <= st.Applied {
		return false, nil
	}
	st.Applied = seq
	st.Entry = entry
	if err := s.write(st); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) read() (*fileState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &fileState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session cache: %w", err)
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupt file is treated as empty; the next write replaces it
		return &fileState{}, nil
	}
	return &st, nil
}

func (s *FileStore) write(st *fileState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode session cache: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write session cache: %w", err)
	}
	return nil
}
