package queue

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
)

// FileStore is append-only text file, one JSON record per line.
// Same format as on-device log, readable with any text tool.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (s *FileStore) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = f.Write(append(append(make([]byte, 0, len(line)+1), line...), '\n'))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return errors.Annotatef(err, "append path=%s", s.path)
}

func (s *FileStore) Load() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Annotatef(err, "load path=%s", s.path)
	}
	return splitLines(b), nil
}

// Replace writes temporary file and renames it over original.
func (s *FileStore) Replace(lines [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(lines) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return errors.Annotatef(err, "remove path=%s", s.path)
		}
		return nil
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, joinLines(lines), 0600); err != nil {
		return errors.Annotatef(err, "replace path=%s", tmp)
	}
	return errors.Annotatef(os.Rename(tmp, s.path), "replace path=%s", s.path)
}

func (s *FileStore) Close() error { return nil }

type efile interface {
	Read() ([]byte, error)
	Write([]byte) (int, error)
}

// EfileStore keeps lines in checksummed file with backup copy,
// survives power loss in the middle of write.
type EfileStore struct {
	mu  sync.Mutex
	dir string
	ef  efile
}

const efilePrefix = "queue."

func NewEfileStore(dir string) *EfileStore {
	return &EfileStore{
		dir: dir,
		ef:  extremofile.New(extremofile.Config{Dir: dir, FilePrefix: efilePrefix}),
	}
}

func (s *EfileStore) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.read()
	if err != nil {
		return err
	}
	data = append(data, line...)
	data = append(data, '\n')
	_, err = s.ef.Write(data)
	return errors.Annotatef(err, "efile append dir=%s", s.dir)
}

func (s *EfileStore) Load() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.read()
	if err != nil {
		return nil, err
	}
	return splitLines(data), nil
}

func (s *EfileStore) Replace(lines [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(lines) == 0 {
		return s.remove()
	}
	_, err := s.ef.Write(joinLines(lines))
	return errors.Annotatef(err, "efile replace dir=%s", s.dir)
}

func (s *EfileStore) Close() error { return nil }

// remove deletes main and backup files, dir may be shared with other data.
func (s *EfileStore) remove() error {
	paths, err := filepath.Glob(filepath.Join(s.dir, efilePrefix+"*"))
	if err != nil {
		return errors.Trace(err)
	}
	for _, p := range paths {
		if err = os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Annotatef(err, "efile remove path=%s", p)
		}
	}
	return nil
}

// non-critical read error means backup copy was used, data is valid
func (s *EfileStore) read() ([]byte, error) {
	// Read would create dir
	if _, err := os.Stat(s.dir); os.IsNotExist(err) {
		return nil, nil
	}
	data, err := s.ef.Read()
	if extremofile.IsCritical(err) {
		return nil, errors.Annotatef(err, "efile read dir=%s", s.dir)
	}
	out := make([]byte, len(data), len(data)+256)
	copy(out, data)
	return out, nil
}

func splitLines(b []byte) [][]byte {
	parts := bytes.Split(b, []byte{'\n'})
	lines := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(bytes.TrimSpace(p)) != 0 {
			lines = append(lines, p)
		}
	}
	return lines
}

func joinLines(lines [][]byte) []byte {
	size := 0
	for _, l := range lines {
		size += len(l) + 1
	}
	buf := make([]byte, 0, size)
	for _, l := range lines {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	return buf
}
