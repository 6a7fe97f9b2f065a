// Package queue keeps QoS=1 records which could not be delivered,
// to replay them later in original order.
//
// Contract:
// - Enqueue never fails the caller, storage errors are logged and record is lost
// - DrainAndReplay attempts every stored record oldest first, then rewrites
//   storage with exactly the failed ones, removes storage if none failed
// - undecodable stored line is dropped
// - not safe for concurrent DrainAndReplay, Len is safe from any goroutine
package queue

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/sensornet/tele"
)

// Store is durable ordered list of lines without line terminators.
type Store interface {
	Append(line []byte) error
	// nil,nil = empty or not exist
	Load() ([][]byte, error)
	// Replace with lines, empty lines removes storage.
	Replace(lines [][]byte) error
	Close() error
}

type DeliverFunc func(context.Context, *tele.Record) tele.Outcome

type DrainResult struct {
	Processed   int
	StillFailed int
	Malformed   int
}

type Queue struct {
	backlog int64 // atomic align
	log     *log2.Log
	store   Store
}

func New(log *log2.Log, store Store) *Queue {
	q := &Queue{log: log, store: store}
	lines, err := store.Load()
	if err != nil {
		log.Errorf("queue load err=%v", errors.ErrorStack(err))
	}
	atomic.StoreInt64(&q.backlog, int64(len(lines)))
	return q
}

// Open store by backend name: file, efile, leveldb, memory.
func Open(log *log2.Log, backend, path string) (*Queue, error) {
	var store Store
	var err error
	switch backend {
	case "file", "":
		store = NewFileStore(path)
	case "efile":
		store = NewEfileStore(path)
	case "leveldb":
		store, err = NewLeveldbStore(path)
	case "memory":
		store = NewMemoryStore()
	default:
		err = errors.NotSupportedf("queue backend=%s", backend)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "queue open backend=%s path=%s", backend, path)
	}
	return New(log, store), nil
}

func (q *Queue) Len() int { return int(atomic.LoadInt64(&q.backlog)) }

func (q *Queue) Close() error { return q.store.Close() }

func (q *Queue) Enqueue(r *tele.Record) {
	if r.QoS != tele.QoSAtLeastOnce {
		q.log.Errorf("code error queue enqueue qos=%d %s", r.QoS, r.String())
		return
	}
	b, err := tele.EncodeRecord(r)
	if err != nil {
		q.log.Errorf("queue encode %s err=%v", r.String(), err)
		return
	}
	if err = q.store.Append(b); err != nil {
		q.log.Errorf("queue append %s err=%v", r.String(), errors.ErrorStack(err))
		return
	}
	atomic.AddInt64(&q.backlog, 1)
	q.log.Debugf("queue stored %s backlog=%d", r.String(), q.Len())
}

func (q *Queue) DrainAndReplay(ctx context.Context, deliver DeliverFunc) DrainResult {
	result := DrainResult{}
	lines, err := q.store.Load()
	if err != nil {
		q.log.Errorf("queue load err=%v", errors.ErrorStack(err))
		return result
	}
	if len(lines) == 0 {
		atomic.StoreInt64(&q.backlog, 0)
		return result
	}

	failed := make([][]byte, 0, len(lines))
	for i, line := range lines {
		if ctx.Err() != nil {
			// keep untried tail as is
			failed = append(failed, lines[i:]...)
			break
		}
		line = bytes.TrimSpace(line)
		r, err := tele.DecodeRecord(line)
		if err != nil {
			result.Malformed++
			q.log.Errorf("queue drop malformed entry=%q err=%v", line, err)
			continue
		}
		result.Processed++
		if deliver(ctx, &r) != tele.Delivered {
			failed = append(failed, line)
		}
	}
	result.StillFailed = len(failed)

	if err = q.store.Replace(failed); err != nil {
		q.log.Errorf("queue replace err=%v", errors.ErrorStack(err))
		atomic.StoreInt64(&q.backlog, int64(len(lines)))
		return result
	}
	atomic.StoreInt64(&q.backlog, int64(len(failed)))
	q.log.Debugf("queue drain processed=%d failed=%d malformed=%d", result.Processed, result.StillFailed, result.Malformed)
	return result
}
