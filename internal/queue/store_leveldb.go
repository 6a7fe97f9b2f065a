package queue

import (
	"encoding/binary"
	"sync"

	"github.com/juju/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const OnlyForTesting = "\x00"

var leveldbPrefix = []byte("sq1")

// LeveldbStore keeps one line per key, keys are prefix + big endian counter.
type LeveldbStore struct {
	mu   sync.Mutex
	db   *leveldb.DB
	next uint64
	wopt opt.WriteOptions
}

// NewLeveldbStore opens or recovers database at path.
// OnlyForTesting path keeps everything in memory.
func NewLeveldbStore(path string) (*LeveldbStore, error) {
	o := &opt.Options{
		NoSync:      false,
		Strict:      opt.StrictJournalChecksum | opt.StrictBlockChecksum,
		WriteBuffer: 16 << 10,
	}
	var db *leveldb.DB
	var err error
	if path == OnlyForTesting {
		db, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		db, err = leveldb.RecoverFile(path, o)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "leveldb open path=%s", path)
	}
	s, err := newLeveldbStore(db)
	return s, errors.Annotatef(err, "leveldb path=%s", path)
}

// newLeveldbStore takes ownership of db, it is closed on error.
func newLeveldbStore(db *leveldb.DB) (*LeveldbStore, error) {
	s := &LeveldbStore{db: db, wopt: opt.WriteOptions{Sync: true}}
	if err := s.scanNext(); err != nil {
		_ = db.Close()
		return nil, errors.Annotate(err, "leveldb scan")
	}
	return s, nil
}

// scanNext sets next key after the last stored line.
func (s *LeveldbStore) scanNext() error {
	iter := s.db.NewIterator(util.BytesPrefix(leveldbPrefix), nil)
	defer iter.Release()
	if iter.Last() {
		s.next = decodeKey(iter.Key())
	}
	s.next++
	return iter.Error()
}

func (s *LeveldbStore) Append(line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(encodeKey(s.next), line, &s.wopt); err != nil {
		return errors.Annotate(err, "leveldb put")
	}
	s.next++
	return nil
}

func (s *LeveldbStore) Load() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lines [][]byte
	iter := s.db.NewIterator(util.BytesPrefix(leveldbPrefix), nil)
	for iter.Next() {
		v := iter.Value()
		line := make([]byte, len(v))
		copy(line, v)
		lines = append(lines, line)
	}
	iter.Release()
	return lines, errors.Annotate(iter.Error(), "leveldb iterate")
}

// Replace deletes all keys and writes lines renumbered from 1 in one batch.
func (s *LeveldbStore) Replace(lines [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	iter := s.db.NewIterator(util.BytesPrefix(leveldbPrefix), nil)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return errors.Annotate(err, "leveldb iterate")
	}
	for i, line := range lines {
		batch.Put(encodeKey(uint64(i+1)), line)
	}
	if err := s.db.Write(batch, &s.wopt); err != nil {
		return errors.Annotate(err, "leveldb write")
	}
	s.next = uint64(len(lines) + 1)
	return nil
}

func (s *LeveldbStore) Close() error { return s.db.Close() }

func encodeKey(n uint64) []byte {
	key := make([]byte, len(leveldbPrefix)+8)
	copy(key, leveldbPrefix)
	binary.BigEndian.PutUint64(key[len(leveldbPrefix):], n)
	return key
}

func decodeKey(key []byte) uint64 {
	if len(key) != len(leveldbPrefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(leveldbPrefix):])
}
