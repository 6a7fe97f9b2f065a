package alert

import (
	"context"
	"expvar"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensornet/helpers"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/spq"
)

const OutboxMemory = spq.OnlyForTesting

// Outbox contract:
// - Publish blocks at most for disk write, never for network
// - messages survive restart and are delivered at least once, order not kept
// - Close stops worker, undelivered messages stay on disk
type Outbox struct {
	alive   *alive.Alive
	backoff helpers.Backoff
	log     *log2.Log
	next    Publisher
	q       *spq.Queue
	timeout time.Duration
	stat    OutboxStat
}

type OutboxStat struct {
	Queued    expvar.Int
	Published expvar.Int
	Failed    expvar.Int
}

type envelope struct {
	Topic    string `json:"topic"`
	Retained bool   `json:"retained"`
	Payload  []byte `json:"payload"`
}

type OutboxOptions struct {
	Log *log2.Log
	// Path of persistent queue, OutboxMemory for tests
	Path    string
	Next    Publisher
	Timeout time.Duration
	Backoff helpers.Backoff
}

// NewOutbox opens persistent queue and starts background delivery to opt.Next.
func NewOutbox(opt OutboxOptions) (*Outbox, error) {
	if opt.Next == nil {
		return nil, errors.NotValidf("outbox next=nil")
	}
	q, err := spq.Open(opt.Path)
	if err != nil {
		return nil, errors.Annotatef(err, "outbox path=%s", opt.Path)
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	if opt.Backoff.Min == 0 {
		opt.Backoff.Min = 200 * time.Millisecond
	}
	if opt.Backoff.Max == 0 {
		opt.Backoff.Max = 30 * time.Second
	}
	self := &Outbox{
		alive:   alive.NewAlive(),
		backoff: opt.Backoff,
		log:     opt.Log,
		next:    opt.Next,
		q:       q,
		timeout: opt.Timeout,
	}
	self.alive.Add(1)
	go self.worker()
	return self, nil
}

func (self *Outbox) Stat() *OutboxStat { return &self.stat }

func (self *Outbox) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	b, err := json.Marshal(envelope{Topic: topic, Retained: retained, Payload: payload})
	if err != nil {
		return errors.Annotate(err, "outbox encode")
	}
	if err = self.q.Push(b); err != nil {
		return errors.Annotate(err, "outbox push")
	}
	self.stat.Queued.Add(1)
	return nil
}

func (self *Outbox) Close() error {
	self.alive.Stop()
	err := self.q.Close()
	self.alive.Wait()
	return err
}

func (self *Outbox) worker() {
	defer self.alive.Done()
	for {
		box, err := self.q.Peek()
		switch err {
		case nil:
			ok := self.handle(box.Bytes())
			if ok {
				err = self.q.Delete(box)
			} else {
				err = self.q.DeletePush(box)
			}
			if err != nil && errors.Cause(err) != spq.ErrClosed {
				self.log.Errorf("outbox delete ok=%t err=%v", ok, err)
			}
			if ok {
				self.backoff.Reset()
				continue
			}
			select {
			case <-time.After(self.backoff.DelayAfter(false)):
			case <-self.alive.StopChan():
				return
			}

		case spq.ErrClosed:
			if !self.alive.IsRunning() {
				return
			}
			self.log.Errorf("CRITICAL outbox spq closed unexpectedly")
			return

		default:
			self.log.Errorf("CRITICAL outbox spq err=%v", err)
			select {
			case <-time.After(self.backoff.DelayAfter(false)):
			case <-self.alive.StopChan():
				return
			}
		}
	}
}

// handle returns true when message is done with, delivered or garbage.
func (self *Outbox) handle(b []byte) bool {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		self.log.Errorf("outbox drop malformed b=%q err=%v", b, err)
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), self.timeout)
	defer cancel()
	go func() {
		select {
		case <-self.alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := self.next.Publish(ctx, env.Topic, env.Payload, env.Retained); err != nil {
		self.stat.Failed.Add(1)
		self.log.Errorf("outbox publish topic=%s err=%v", env.Topic, err)
		return false
	}
	self.stat.Published.Add(1)
	return true
}
