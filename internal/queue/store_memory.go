package queue

import "sync"

type MemoryStore struct {
	mu    sync.Mutex
	lines [][]byte
	// AppendErr, if set, is returned by Append
	AppendErr error
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendErr != nil {
		return s.AppendErr
	}
	s.lines = append(s.lines, append([]byte(nil), line...))
	return nil
}

func (s *MemoryStore) Load() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.lines...), nil
}

func (s *MemoryStore) Replace(lines [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(lines) == 0 {
		s.lines = nil
		return nil
	}
	s.lines = append([][]byte(nil), lines...)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Exists reports whether storage holds anything, false after Replace(nil).
func (s *MemoryStore) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines != nil
}
