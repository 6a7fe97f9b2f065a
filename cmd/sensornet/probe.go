package main

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/sensornet/cmd/sensornet/subcmd"
	"github.com/temoto/sensornet/helpers"
	"github.com/temoto/sensornet/helpers/cli"
	"github.com/temoto/sensornet/internal/delivery"
	"github.com/temoto/sensornet/log2"
	"github.com/temoto/sensornet/state"
	"github.com/temoto/sensornet/tele"
	tele_config "github.com/temoto/sensornet/tele/config"
	telenet "github.com/temoto/sensornet/tele/net"
)

const probeUsage = `syntax:
- TEMP HUM [qos=0|1] [seq=N] [id=DEVICE]  send reading, qos=1 waits for ACK
- raw TEXT                                send TEXT as is, no ACK wait
- help`

var ProbeMod = subcmd.Mod{Name: "probe", Usage: "send hand-written readings to server", Main: ProbeMain}
var QosTestMod = subcmd.Mod{Name: "qos-test", Usage: "check server ACK and duplicate handling", Main: QosTestMain}

type probe struct {
	log    *log2.Log
	conn   telenet.Conn
	client *delivery.Client
	id     string
	seq    uint64
}

func newProbe(ctx context.Context, c *tele_config.Node, log *log2.Log, retries int) (*probe, error) {
	if c.Server == "" {
		return nil, errors.NotValidf("node.server=empty")
	}
	conn, err := telenet.Dial(ctx, c.Server, telenet.Options{Log: log})
	if err != nil {
		return nil, errors.Annotate(err, "probe")
	}
	client, err := delivery.NewClient(delivery.Options{
		Log:        log,
		Conn:       conn,
		AckTimeout: c.AckTimeout(),
		Backoff:    helpers.Backoff{Min: c.BackoffInitial(), Max: c.BackoffMax()},
		MaxRetries: retries,
	})
	if err != nil {
		conn.Close()
		return nil, errors.Annotate(err, "probe")
	}
	id := c.DeviceID
	if id == "" {
		id = "probe"
	}
	return &probe{log: log, conn: conn, client: client, id: id}, nil
}

func ProbeMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	p, err := newProbe(ctx, &config.Node, log, config.Node.Retries())
	if err != nil {
		return err
	}
	defer p.conn.Close()

	suggests := []prompt.Suggest{
		{Text: "help"},
		{Text: "raw", Description: "send text as is"},
		{Text: "qos=1"},
		{Text: "seq="},
		{Text: "id="},
	}
	complete := func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
	exec := func(line string) {
		switch {
		case line == "":
		case line == "help":
			log.Info(probeUsage)
		case strings.HasPrefix(line, "raw "):
			if err := p.conn.Send(ctx, []byte(strings.TrimPrefix(line, "raw ")), nil); err != nil {
				log.Errorf("probe send err=%v", err)
			}
		default:
			r, err := parseProbeLine(line, p.id, p.seq)
			if err != nil {
				log.Error(err)
				return
			}
			if r.HasSeq {
				p.seq = r.Seq + 1
			}
			outcome := p.client.Send(ctx, r)
			log.Infof("probe %s %s", r.String(), outcome.String())
		}
	}
	return cli.MainLoop(ctx, "probe", exec, complete)
}

// parseProbeLine builds record from "TEMP HUM [qos=N] [seq=N] [id=X]".
// qos=1 without explicit seq takes nextSeq.
func parseProbeLine(line, id string, nextSeq uint64) (*tele.Record, error) {
	words := strings.Fields(line)
	if len(words) < 2 {
		return nil, errors.NotValidf("probe line='%s' expected TEMP HUM", line)
	}
	temp, err := strconv.ParseFloat(words[0], 64)
	if err != nil {
		return nil, errors.NotValidf("probe temperature='%s'", words[0])
	}
	hum, err := strconv.ParseFloat(words[1], 64)
	if err != nil {
		return nil, errors.NotValidf("probe humidity='%s'", words[1])
	}
	r := &tele.Record{
		DeviceID:    id,
		Kind:        tele.KindWeatherObserved,
		Temperature: temp,
		Humidity:    hum,
		ObservedAt:  time.Now().UTC().Format(time.RFC3339),
		Status:      tele.StatusOperational,
	}
	for _, w := range words[2:] {
		parts := strings.SplitN(w, "=", 2)
		if len(parts) != 2 {
			return nil, errors.NotValidf("probe word='%s' expected key=value", w)
		}
		switch parts[0] {
		case "qos":
			switch parts[1] {
			case "0":
				r.QoS = tele.QoSAtMostOnce
			case "1":
				r.QoS = tele.QoSAtLeastOnce
			default:
				return nil, errors.NotValidf("probe qos=%s", parts[1])
			}
		case "seq":
			seq, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				return nil, errors.NotValidf("probe seq=%s", parts[1])
			}
			r.Seq, r.HasSeq = seq, true
		case "id":
			r.DeviceID = parts[1]
		default:
			return nil, errors.NotSupportedf("probe key=%s", parts[0])
		}
	}
	if r.QoS == tele.QoSAtLeastOnce && !r.HasSeq {
		r.Seq, r.HasSeq = nextSeq, true
	}
	return r, nil
}

// QosTestMain sends seq 100, duplicate 100, then 101 and expects ACK for each.
// Every step is exactly one transmission.
func QosTestMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	p, err := newProbe(ctx, &config.Node, log, 1)
	if err != nil {
		return err
	}
	defer p.conn.Close()

	steps := []struct {
		name string
		seq  uint64
	}{
		{"new", 100},
		{"duplicate", 100},
		{"next", 101},
	}
	errs := make([]error, 0, len(steps))
	for _, step := range steps {
		r := &tele.Record{
			DeviceID:    p.id,
			Kind:        tele.KindWeatherObserved,
			Temperature: 22.5,
			Humidity:    50,
			ObservedAt:  time.Now().UTC().Format(time.RFC3339),
			Status:      tele.StatusOperational,
			QoS:         tele.QoSAtLeastOnce,
			Seq:         step.seq,
			HasSeq:      true,
		}
		outcome := p.client.Send(ctx, r)
		log.Infof("qos-test step=%s seq=%d %s", step.name, step.seq, outcome.String())
		if outcome != tele.Delivered {
			errs = append(errs, errors.Errorf("qos-test step=%s seq=%d no ACK", step.name, step.seq))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return helpers.FoldErrors(errs)
}
