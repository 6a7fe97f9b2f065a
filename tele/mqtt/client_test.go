package mqtt

import (
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/sensornet/log2"
	tele_config "github.com/temoto/sensornet/tele/config"
)

func TestClient(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second

	type tenv struct {
		addr  string
		alive *alive.Alive
		opts  ClientOptions
	}
	accept := func(t testing.TB, b *transport.NetConn) bool {
		pkt, err := b.Receive()
		if !assert.NoError(t, err) {
			return false
		}
		assert.Equal(t, `<Connect ClientID="" KeepAlive=0 Username="" Password="" CleanSession=true Will=nil Version=4>`, pkt.String())
		connack := packet.NewConnack()
		connack.ReturnCode = packet.ConnectionAccepted
		return assert.NoError(t, b.Send(connack, false))
	}
	// until client sends DISCONNECT or closes
	drain := func(b *transport.NetConn) {
		for {
			if _, err := b.Receive(); err != nil {
				return
			}
		}
	}
	cases := []struct {
		name   string
		qos    packet.QOS
		client func(t testing.TB, env *tenv, mc *Client)
		server func(t testing.TB, env *tenv, b *transport.NetConn)
	}{
		{"connect", packet.QOSAtMostOnce, func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.WaitReady(ctx))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			if accept(t, b) {
				drain(b)
			}
		}},

		{"publish-qos1", packet.QOSAtLeastOnce, func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.Publish(ctx, "/comcs/g04/alerts", []byte(`{"device":"n1"}`), false))
			assert.Equal(t, int64(1), mc.Stat().Published.Value())
			assert.Equal(t, int64(1), mc.Stat().Connects.Value())
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			if !accept(t, b) {
				return
			}
			pkt, err := b.Receive()
			if !assert.NoError(t, err) {
				return
			}
			pub, ok := pkt.(*packet.Publish)
			if !assert.True(t, ok, describe(pkt)) {
				return
			}
			assert.Equal(t, "/comcs/g04/alerts", pub.Message.Topic)
			assert.Equal(t, []byte(`{"device":"n1"}`), pub.Message.Payload)
			assert.Equal(t, packet.QOSAtLeastOnce, pub.Message.QOS)
			assert.False(t, pub.Message.Retain)
			assert.NotEqual(t, packet.ID(0), pub.ID)
			puback := packet.NewPuback()
			puback.ID = pub.ID
			assert.NoError(t, b.Send(puback, false))
			drain(b)
		}},

		{"publish-qos0-retained", packet.QOSAtMostOnce, func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.Publish(ctx, "/comcs/g04/sensor", []byte(`{"id":"n1"}`), true))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			if !accept(t, b) {
				return
			}
			pkt, err := b.Receive()
			if !assert.NoError(t, err) {
				return
			}
			pub, ok := pkt.(*packet.Publish)
			if assert.True(t, ok, describe(pkt)) {
				assert.Equal(t, "/comcs/g04/sensor", pub.Message.Topic)
				assert.True(t, pub.Message.Retain)
				assert.Equal(t, packet.QOSAtMostOnce, pub.Message.QOS)
			}
			drain(b)
		}},

		{"connection-denied", packet.QOSAtLeastOnce, func(t testing.TB, env *tenv, mc *Client) {
			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()
			assert.Equal(t, context.DeadlineExceeded, mc.WaitReady(ctx))
			ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel2()
			assert.Error(t, mc.Publish(ctx2, "x", []byte("y"), false))
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			if _, err := b.Receive(); err != nil {
				return
			}
			connack := packet.NewConnack()
			connack.ReturnCode = packet.NotAuthorized
			_ = b.Send(connack, false)
			drain(b)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{alive: alive.NewAlive()}
			ln, err := net.Listen("tcp", "127.0.0.1:")
			require.NoError(t, err)
			env.addr = ln.Addr().String()
			env.opts.BrokerURL = fmt.Sprintf("tcp://%s", env.addr)
			env.opts.Log = log2.NewTest(t, log2.LDebug)
			env.opts.NetworkTimeout = timeout
			env.opts.ReconnectDelay = 50 * time.Millisecond
			env.opts.QOS = c.qos
			env.alive.Add(1)
			go func() {
				defer env.alive.Done()
				for {
					conn, err := ln.Accept()
					if err != nil {
						return
					}
					if !env.alive.Add(1) {
						_ = conn.Close()
						return
					}
					go func() {
						defer env.alive.Done()
						defer conn.Close()
						_ = conn.SetDeadline(time.Now().Add(timeout))
						c.server(t, env, transport.NewNetConn(conn))
					}()
				}
			}()

			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			c.client(t, env, mc)
			_ = mc.Close()
			env.alive.Stop()
			_ = ln.Close()
			env.alive.Wait()
		})
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	pub := packet.NewPublish()
	pub.ID = 7
	pub.Message = packet.Message{Topic: "/comcs/g04/sensor", QOS: packet.QOSAtLeastOnce, Retain: true, Payload: []byte(`{"id":"n1"}`)}
	assert.Equal(t, `PUBLISH id=7 topic=/comcs/g04/sensor qos=1 retain=true payload="{\"id\":\"n1\"}"`, describe(pub))

	pub.Message.Payload = []byte(strings.Repeat("x", describeLimit+10))
	assert.True(t, strings.HasSuffix(describe(pub), `x"...`))
	assert.Equal(t, "nil", describe(nil))
	assert.Equal(t, packet.NewPingreq().String(), describe(packet.NewPingreq()))
}

func TestNewClientValidate(t *testing.T) {
	t.Parallel()

	_, err := NewClient(ClientOptions{BrokerURL: "tcp://127.0.0.1:1", QOS: packet.QOSExactlyOnce})
	assert.EqualError(t, err, "mqtt QOS=2 not supported")
	_, err = NewClient(ClientOptions{BrokerURL: "no scheme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config error mqtt BrokerURL=no scheme")
}

func TestNewPublisher(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	_, err := NewPublisher(log, &tele_config.Mqtt{})
	assert.EqualError(t, err, "mqtt.broker=empty not valid")
	_, err = NewPublisher(log, &tele_config.Mqtt{Broker: "tcp://127.0.0.1:1", Driver: "carrier-pigeon"})
	assert.EqualError(t, err, "mqtt.driver=carrier-pigeon not supported")
	_, err = NewPublisher(log, &tele_config.Mqtt{Broker: "tcp://127.0.0.1:1", TlsCaFile: "/nonexistent/ca.pem"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mqtt tls_ca_file")

	p, err := NewPublisher(log, &tele_config.Mqtt{Broker: "tcp://127.0.0.1:1", ReconnectDelaySec: 1})
	require.NoError(t, err)
	_, ok := p.(*Client)
	assert.True(t, ok)
	assert.NoError(t, p.Close())
}
