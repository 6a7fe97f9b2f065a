package main

import (
	"context"
	"os"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/sensornet/cmd/sensornet/subcmd"
	"github.com/temoto/sensornet/helpers"
	"github.com/temoto/sensornet/internal/alert"
	"github.com/temoto/sensornet/internal/reception"
	"github.com/temoto/sensornet/internal/registry"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/sensornet/state"
	tele_config "github.com/temoto/sensornet/tele/config"
	"github.com/temoto/sensornet/tele/mqtt"
	telenet "github.com/temoto/sensornet/tele/net"
)

var ServerMod = subcmd.Mod{Name: "server", Usage: "receive readings, ACK, raise alerts", Main: ServerMain}

func ServerMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	c := &config.Server
	if c.LogDebug {
		log = log.Clone(log2.LDebug)
	}

	journal, err := log2.NewFile(c.AlertLogPath(), os.Stdout, log2.LInfo)
	if err != nil {
		return errors.Annotatef(err, "server.alert_log=%s", c.AlertLogPath())
	}
	journal.SetFlags(0)
	defer journal.Close()

	closers := make([]func() error, 0, 4)
	defer func() {
		if err := shutdown(closers, c.ShutdownTimeout()); err != nil {
			log.Errorf("shutdown err=%v", errors.ErrorStack(err))
		}
	}()

	var pub alert.Publisher = alert.Discard{}
	if config.Mqtt.Enabled {
		m, err := mqtt.NewPublisher(log, &config.Mqtt)
		if err != nil {
			return errors.Annotate(err, "server mqtt")
		}
		closers = append(closers, m.Close)
		pub = m
		if c.OutboxPath != "" {
			ob, err := alert.NewOutbox(alert.OutboxOptions{
				Log:     log,
				Path:    c.OutboxPath,
				Next:    m,
				Timeout: config.Mqtt.NetworkTimeout(),
			})
			if err != nil {
				return errors.Annotate(err, "server outbox")
			}
			// outbox must stop before its publisher
			closers = append([]func() error{ob.Close}, closers...)
			pub = ob
		}
	}

	th := alert.DefaultThresholds()
	a := &c.Alerts
	th.TempMin = tele_config.FloatDefault(a.TempMin, th.TempMin)
	th.TempMax = tele_config.FloatDefault(a.TempMax, th.TempMax)
	th.HumMin = tele_config.FloatDefault(a.HumMin, th.HumMin)
	th.HumMax = tele_config.FloatDefault(a.HumMax, th.HumMax)
	th.TempDiff = tele_config.FloatDefault(a.TempDiff, th.TempDiff)
	th.HumDiff = tele_config.FloatDefault(a.HumDiff, th.HumDiff)
	engine := alert.NewEngine(alert.Options{
		Log:        log,
		Journal:    journal,
		Publisher:  pub,
		Topic:      a.AlertTopic(),
		Thresholds: th,
	})

	conn, err := telenet.Listen(ctx, c.ListenURL(), telenet.Options{
		Log:        log,
		ReadLimit:  c.BufferSize(),
		RecvBuffer: c.RecvBuffer,
		ReuseAddr:  true,
	})
	if err != nil {
		return errors.Annotate(err, "server")
	}
	reg := registry.New(c.Capacity())
	proc := reception.NewProcessor(log, reg, engine, reception.ConnAcker{Conn: conn})
	srv := reception.NewServer(log, conn, proc)
	// receive loop exits on conn close, before alert sinks
	closers = append([]func() error{srv.Close}, closers...)

	log.Infof("server listen=%s capacity=%d thresholds=%+v", conn.LocalAddr(), reg.Capacity(), th)
	subcmd.SdNotify(log, daemon.SdNotifyReady)
	err = srv.Run(ctx)
	subcmd.SdNotify(log, daemon.SdNotifyStopping)
	return errors.Annotate(err, "server run")
}

// shutdown calls fs in order, gives up waiting after timeout.
func shutdown(fs []func() error, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		errs := make([]error, 0, len(fs))
		for _, f := range fs {
			if err := f(); err != nil {
				errs = append(errs, err)
			}
		}
		done <- helpers.FoldErrors(errs)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return errors.Timeoutf("shutdown after %v", timeout)
	}
}
