package conn

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/poll"
	"github.com/moqsien/gkreactor/socket"
)

type recorder struct {
	opened  int
	tracked [][]byte
	closed  []error
	greet   []byte
}

func (r *recorder) OnOpen(c *Conn) ([]byte, error) {
	r.opened++
	return r.greet, nil
}

func (r *recorder) OnTrack(c *Conn) error {
	r.tracked = append(r.tracked, append([]byte(nil), c.Next()...))
	return nil
}

func (r *recorder) OnClose(c *Conn, err error) error {
	r.closed = append(r.closed, err)
	return nil
}

func (r *recorder) OnPacket(p *Peer) error {
	_, err := p.Write(bytes.ToUpper(p.Request))
	return err
}

type pair struct {
	client *socket.Stream
	server *socket.Stream
}

func newPair(t *testing.T, sndbuf int) pair {
	t.Helper()
	l, err := socket.Listen("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	require.NoError(t, err)
	defer l.Close()

	s, err := socket.OpenStream("tcp")
	require.NoError(t, err)
	if sndbuf > 0 {
		require.NoError(t, s.SetWriteBuffer(sndbuf))
	}
	ok, err := s.Connect(l.LocalAddr())
	require.NoError(t, err)
	require.True(t, ok)
	peer, err := l.Accept()
	require.NoError(t, err)
	if sndbuf > 0 {
		require.NoError(t, peer.SetReadBuffer(sndbuf))
	}
	require.NoError(t, s.ConfigureBlocking(false))
	t.Cleanup(func() {
		_ = s.Close()
		_ = peer.Close()
	})
	return pair{client: s, server: peer}
}

func newPoller(t *testing.T) *poll.Poller {
	t.Helper()
	p, err := poll.Open()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestWriteInterestDroppedAfterFlush(t *testing.T) {
	pr := newPair(t, 4096)
	p := newPoller(t)
	h := &recorder{}
	c, err := NewConn(pr.client, p, h, 0, nil)
	require.NoError(t, err)
	require.NoError(t, c.Register(iface.OpRead))

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<18)
	n, err := c.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.False(t, c.OutBuffer.IsEmpty())
	assert.True(t, c.Registration().Interest().Has(iface.OpWrite))
	assert.Equal(t, AwaitingReadWrite, c.State())

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len(payload))
		var got int
		for got < len(buf) {
			m, err := pr.server.Read(buf[got:])
			if err != nil {
				break
			}
			got += m
		}
		received <- buf[:got]
	}()

	deadline := time.Now().Add(10 * time.Second)
	for !c.OutBuffer.IsEmpty() && time.Now().Before(deadline) {
		sel, err := p.Poll(100 * time.Millisecond)
		require.NoError(t, err)
		for _, reg := range sel {
			if reg.IsWritable() {
				require.NoError(t, reg.Attachment().(*Conn).WriteToFd())
			}
		}
	}
	require.True(t, c.OutBuffer.IsEmpty())

	select {
	case got := <-received:
		assert.True(t, bytes.Equal(payload, got))
	case <-time.After(10 * time.Second):
		t.Fatal("peer did not receive the payload")
	}

	assert.False(t, c.Registration().Interest().Has(iface.OpWrite))
	assert.Equal(t, AwaitingReadOnly, c.State())
	sel, err := p.PollNow()
	require.NoError(t, err)
	for _, reg := range sel {
		assert.False(t, reg.IsWritable())
	}
}

func TestWriteWithoutBacklogKeepsReadOnly(t *testing.T) {
	pr := newPair(t, 0)
	p := newPoller(t)
	c, err := NewConn(pr.client, p, &recorder{}, 0, nil)
	require.NoError(t, err)
	require.NoError(t, c.Register(iface.OpRead))

	_, err = c.Writev([][]byte{[]byte("he"), []byte("llo")})
	require.NoError(t, err)
	assert.True(t, c.OutBuffer.IsEmpty())
	assert.Equal(t, iface.OpRead, c.Registration().Interest())

	buf := make([]byte, 5)
	_, err = io.ReadFull(pr.server, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))
}

func TestReadTrackAndEOF(t *testing.T) {
	pr := newPair(t, 0)
	p := newPoller(t)
	h := &recorder{greet: []byte("hi")}
	released := 0
	c, err := NewConn(pr.client, p, h, 0, func(*Conn) { released++ })
	require.NoError(t, err)
	require.NoError(t, c.Register(iface.OpRead))
	require.NoError(t, c.Open())
	assert.Equal(t, 1, h.opened)

	greet := make([]byte, 2)
	_, err = io.ReadFull(pr.server, greet)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(greet))

	_, err = pr.server.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	require.Eventually(t, func() bool {
		sel, err := p.Poll(50 * time.Millisecond)
		require.NoError(t, err)
		for _, reg := range sel {
			if reg.IsReadable() {
				require.NoError(t, c.ReadFromFd(buf))
			}
		}
		return len(h.tracked) > 0
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, "ping", string(h.tracked[0]))

	require.NoError(t, pr.server.ShutdownOutput())
	require.Eventually(t, func() bool {
		sel, err := p.Poll(50 * time.Millisecond)
		require.NoError(t, err)
		for _, reg := range sel {
			if reg.IsReadable() {
				require.NoError(t, c.ReadFromFd(buf))
			}
		}
		return c.State() == Closed
	}, 5*time.Second, time.Millisecond)
	require.Len(t, h.closed, 1)
	assert.NoError(t, h.closed[0])
	assert.Equal(t, 1, released)
	assert.False(t, c.Registration().IsValid())
	assert.False(t, pr.client.IsOpen())

	require.NoError(t, c.Close(nil))
	assert.Len(t, h.closed, 1)
	_, err = c.Write([]byte("x"))
	assert.Error(t, err)
}

func TestAsyncWrite(t *testing.T) {
	pr := newPair(t, 0)
	p := newPoller(t)
	c, err := NewConn(pr.client, p, &recorder{}, 0, nil)
	require.NoError(t, err)
	require.NoError(t, c.Register(iface.OpRead))

	done := make(chan struct{})
	go func() {
		_ = c.AsyncWrite([]byte("async"), func(*Conn) error {
			close(done)
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		_, err := p.Poll(50 * time.Millisecond)
		require.NoError(t, err)
		require.NoError(t, p.RunTasks())
		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, time.Millisecond)

	buf := make([]byte, 5)
	_, err = io.ReadFull(pr.server, buf)
	require.NoError(t, err)
	assert.Equal(t, "async", string(buf))
}

func TestPacketConnFanOut(t *testing.T) {
	p := newPoller(t)
	local := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}
	d, err := socket.ListenDatagram("udp", local, nil)
	require.NoError(t, err)
	require.NoError(t, d.ConfigureBlocking(false))
	pc := NewPacketConn(d, p, &recorder{}, 0)
	require.NoError(t, pc.Register())
	defer pc.Close()

	a, err := net.DialUDP("udp", nil, d.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer a.Close()
	b, err := net.DialUDP("udp", nil, d.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = b.Write([]byte("pong"))
	require.NoError(t, err)

	buf := make([]byte, 1500)
	var read int
	require.Eventually(t, func() bool {
		sel, err := p.Poll(50 * time.Millisecond)
		require.NoError(t, err)
		for _, reg := range sel {
			if reg.IsReadable() {
				before := pc.pending.Length()
				require.NoError(t, pc.ReadPackets(buf))
				read += pc.pending.Length() - before
			}
			if reg.IsWritable() {
				require.NoError(t, pc.Flush())
			}
		}
		return read == 2 && pc.pending.Length() == 0
	}, 5*time.Second, time.Millisecond)

	assert.False(t, pc.Registration().Interest().Has(iface.OpWrite))
	assert.Zero(t, pc.Peers())

	reply := make([]byte, 16)
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := a.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(reply[:n]))
	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err = b.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "PONG", string(reply[:n]))
}

func TestPeerKeptWithContext(t *testing.T) {
	p := newPoller(t)
	d, err := socket.ListenDatagram("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, nil)
	require.NoError(t, err)
	require.NoError(t, d.ConfigureBlocking(false))
	pc := NewPacketConn(d, p, &recorder{}, 0)
	require.NoError(t, pc.Register())

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}
	peer := pc.Peer(addr)
	assert.Same(t, peer, pc.Peer(addr))
	peer.Ctx = "session"
	_, err = peer.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, 1, peer.Pending())
	assert.True(t, pc.Registration().Interest().Has(iface.OpWrite))

	require.NoError(t, pc.Flush())
	assert.Zero(t, peer.Pending())
	assert.Equal(t, 1, pc.Peers())

	require.NoError(t, pc.Close())
	_, err = peer.Write([]byte("x"))
	assert.Error(t, err)
}
