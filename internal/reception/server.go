package reception

import (
	"context"
	"net"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensornet/helpers"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/sensornet/tele"
	telenet "github.com/temoto/sensornet/tele/net"
)

// ConnAcker encodes Ack and sends it over conn.
type ConnAcker struct{ Conn telenet.Conn }

func (a ConnAcker) Ack(ctx context.Context, ack tele.Ack, to net.Addr) error {
	b, err := tele.EncodeAck(ack)
	if err != nil {
		return err
	}
	return a.Conn.Send(ctx, b, to)
}

// Server runs single receive loop, see package doc.
type Server struct {
	alive   *alive.Alive
	backoff helpers.Backoff
	conn    telenet.Conn
	log     *log2.Log
	proc    *Processor
}

func NewServer(log *log2.Log, conn telenet.Conn, proc *Processor) *Server {
	return &Server{
		alive:   alive.NewAlive(),
		backoff: helpers.Backoff{Min: 10 * time.Millisecond, Max: time.Second},
		conn:    conn,
		log:     log,
		proc:    proc,
	}
}

func (self *Server) Processor() *Processor { return self.proc }

// Run blocks until ctx is done or Close.
// Returns nil on clean shutdown, receive errors are logged and do not stop the loop.
func (self *Server) Run(ctx context.Context) error {
	if !self.alive.Add(1) {
		return telenet.ErrClosing
	}
	defer self.alive.Done()
	self.log.Infof("reception listen=%s", self.conn.LocalAddr())

	for {
		b, from, err := self.conn.Receive(ctx)
		switch {
		case err == nil:
			self.backoff.Reset()
			self.proc.Handle(ctx, b, from)

		case errors.Cause(err) == telenet.ErrClosing, ctx.Err() != nil:
			self.logStat()
			return nil

		default:
			self.log.Errorf("reception receive err=%v", err)
			self.backoff.Failure()
			select {
			case <-time.After(self.backoff.DelayBefore()):
			case <-ctx.Done():
			case <-self.alive.StopChan():
			}
		}
	}
}

// Close releases transport and waits for Run to return.
func (self *Server) Close() error {
	self.alive.Stop()
	err := self.conn.Close()
	self.alive.Wait()
	return err
}

func (self *Server) logStat() {
	s := self.proc.Stat()
	self.log.Infof("reception stop accepted=%d duplicate=%d malformed=%d invalid=%d missing_seq=%d registry_full=%d alerts=%d ack_errors=%d",
		s.Count(Accepted), s.Count(Duplicate), s.Count(Malformed), s.Count(Invalid),
		s.Count(MissingSeq), s.Count(RegistryFull), s.Alerts.Value(), s.AckErrs.Value())
}
