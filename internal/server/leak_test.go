package server

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestLeakCheck_ConnDeliverAndClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := newBackend(t, false)
	c := New(fastConfig(b.addr()))
	c.Start()
	for i := 0; i < 10; i++ {
		c.Enqueue(rec(i))
	}
	waitFor(t, 2*time.Second, "delivery", func() bool { return len(b.lines()) == 10 })

	c.Close()
	b.close()
}

func TestLeakCheck_ConnDownThenClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := fastConfig("127.0.0.1:1")
	cfg.Dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}
	c := New(cfg)
	c.Start()
	c.Enqueue(rec(1))
	waitFor(t, 2*time.Second, "DOWN state", func() bool { return c.State() == StateDown })

	c.Close()
}

func TestLeakCheck_ConnCompressedClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := newBackend(t, false)
	cfg := fastConfig(b.addr())
	cfg.Compression = CompressionGzip
	c := New(cfg)
	c.Start()
	c.Enqueue(rec(1))
	waitFor(t, 2*time.Second, "sent", func() bool { return c.Stats().Sent == 1 })

	c.Close()
	b.close()
}
