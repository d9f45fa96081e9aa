package engine

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moqsien/gkreactor/conn"
	"github.com/moqsien/gkreactor/eloop"
	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/utils/errs"
)

type echo struct {
	eloop.BuiltinEventHandler
}

func (echo) OnTrack(c *conn.Conn) error {
	_, err := c.Write(c.Next())
	return err
}

func (echo) OnPacket(p *conn.Peer) error {
	_, err := p.Write(p.Request)
	return err
}

func serve(t *testing.T, opts *iface.Options) *Engine {
	t.Helper()
	e, err := New(echo{}, opts)
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(func() {
		e.Stop()
		assert.NoError(t, e.Wait())
	})
	return e
}

func roundTrip(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, msg, string(got))
}

func TestMultiLoopEcho(t *testing.T) {
	e := serve(t, &iface.Options{NumOfLoops: 2, LoadBalancer: iface.RoundRobinLB, ReuseAddr: true})
	require.Len(t, e.SubLoops, 2)
	l, err := e.AddListener("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	var clients []net.Conn
	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", l.LocalAddr().String())
		require.NoError(t, err)
		defer c.Close()
		clients = append(clients, c)
		roundTrip(t, c, "hello")
	}

	stats := e.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, 0, stats[0].Index)
	assert.Zero(t, stats[0].Connections)
	assert.Equal(t, int32(2), stats[1].Connections)
	assert.Equal(t, int32(2), stats[2].Connections)
	assert.Equal(t, 1, stats[0].Registrations)
}

func TestSingleLoopServesOnMain(t *testing.T) {
	e := serve(t, nil)
	assert.Empty(t, e.SubLoops)
	assert.Nil(t, e.Balancer)
	l, err := e.AddListener("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	c, err := net.Dial("tcp", l.LocalAddr().String())
	require.NoError(t, err)
	defer c.Close()
	roundTrip(t, c, "one loop")
	assert.Equal(t, int32(1), e.Stats()[0].Connections)
}

func TestDatagramEcho(t *testing.T) {
	e := serve(t, &iface.Options{NumOfLoops: 2})
	pc, err := e.AddDatagram("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	c, err := net.DialUDP("udp", nil, pc.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = c.Write([]byte("dgram"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "dgram", string(buf[:n]))
}

func TestDialThroughEngine(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	e := serve(t, &iface.Options{NumOfLoops: 2})
	_, err = e.Dial("tcp", ln.Addr(), nil)
	require.NoError(t, err)

	server, err := ln.Accept()
	require.NoError(t, err)
	defer server.Close()
	roundTrip(t, server, "dialed")
}

func TestStopBeforeStart(t *testing.T) {
	e, err := New(echo{}, &iface.Options{NumOfLoops: 3})
	require.NoError(t, err)
	e.Stop()
	assert.ErrorIs(t, e.Start(), errs.ErrEngineShutdown)
	assert.NoError(t, e.Wait())
	_, err = e.AddListener("tcp", nil)
	assert.ErrorIs(t, err, errs.ErrEngineShutdown)
	for _, l := range e.loops() {
		assert.True(t, l.Poller.IsClosed())
	}
}

func TestServeReturnsOnStop(t *testing.T) {
	e, err := New(echo{}, nil)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- e.Serve() }()
	require.Eventually(t, e.MainLoop.IsRunning, 2*time.Second, time.Millisecond)
	assert.ErrorIs(t, e.Start(), errs.ErrIllegalState)

	e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
