package conn

import (
	"errors"
	"net"
	"sync/atomic"

	"github.com/moqsien/processes/logger"
	"github.com/panjf2000/gnet/v2/pkg/buffer/elastic"

	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/poll"
	"github.com/moqsien/gkreactor/socket"
	"github.com/moqsien/gkreactor/utils/errs"
)

// Conn is the connection record of one registered stream. Apart from
// AsyncWrite, AsyncWritev and State, its methods must be called on the
// goroutine polling its poller.
type Conn struct {
	stream    *socket.Stream
	poller    *poll.Poller
	reg       *poll.Registration
	handler   EventHandler
	state     atomic.Int32
	OutBuffer *elastic.Buffer
	Buffer    []byte // inbound bytes of the running OnTrack
	Ctx       interface{}
	onRelease func(c *Conn)
}

// NewConn wraps a non-blocking stream. release runs once when the
// connection closes, before OnClose.
func NewConn(s *socket.Stream, poller *poll.Poller, h EventHandler, writeBuffer int, release func(c *Conn)) (c *Conn, err error) {
	c = &Conn{
		stream:    s,
		poller:    poller,
		handler:   h,
		onRelease: release,
	}
	if writeBuffer <= 0 {
		writeBuffer = iface.MaxStreamBufferCap
	}
	if c.OutBuffer, err = elastic.New(writeBuffer); err != nil {
		return nil, err
	}
	c.state.Store(int32(AwaitingReadOnly))
	if s.IsConnectionPending() {
		c.state.Store(int32(AwaitingConnect))
	}
	return
}

// Register registers the stream with the poller of the connection.
func (that *Conn) Register(ops iface.Ops) (err error) {
	that.reg, err = that.poller.Register(that.stream, ops, that)
	return
}

func (that *Conn) GetFd() int {
	return that.stream.GetFd()
}

func (that *Conn) Stream() *socket.Stream {
	return that.stream
}

func (that *Conn) Registration() *poll.Registration {
	return that.reg
}

func (that *Conn) Poller() *poll.Poller {
	return that.poller
}

func (that *Conn) LocalAddr() net.Addr {
	return that.stream.LocalAddr()
}

func (that *Conn) RemoteAddr() net.Addr {
	return that.stream.RemoteAddr()
}

// State reports the reactor state, it is safe to call from any goroutine.
func (that *Conn) State() State {
	return State(that.state.Load())
}

func (that *Conn) setState(s State) {
	that.state.Store(int32(s))
}

// Open fires OnOpen and writes back the data it returns.
func (that *Conn) Open() error {
	that.setState(AwaitingReadOnly)
	data, err := that.handler.OnOpen(that)
	if err != nil {
		return that.Close(err)
	}
	if len(data) > 0 && that.State() != Closed {
		if _, err = that.write(data); err != nil {
			return err
		}
	}
	return nil
}

// Connect registers for connect readiness and starts connecting to addr.
// A connection established at once is opened without waiting for the
// poller.
func (that *Conn) Connect(addr net.Addr) error {
	that.setState(AwaitingConnect)
	if err := that.Register(iface.OpConnect); err != nil {
		return err
	}
	ok, err := that.stream.Connect(addr)
	if err != nil {
		return that.Close(err)
	}
	if ok {
		return that.FinishConnect()
	}
	return nil
}

// FinishConnect completes a pending connect once the registration is
// connectable. A refused connect closes the connection.
func (that *Conn) FinishConnect() error {
	ok, err := that.stream.FinishConnect()
	if err != nil {
		return that.Close(err)
	}
	if !ok {
		return nil
	}
	if err = that.reg.SetInterest(iface.OpRead); err != nil {
		return that.Close(err)
	}
	return that.Open()
}

// Close flushes what it can without blocking, cancels the registration and
// closes the stream. err is handed to OnClose. Closing twice is a no-op.
func (that *Conn) Close(err error) (rerr error) {
	if that.State() == Closed {
		return nil
	}
	that.setState(Closed)

	for !that.OutBuffer.IsEmpty() {
		iov, _ := that.OutBuffer.Peek(-1)
		n, e := that.stream.Writev(iov)
		if e != nil {
			logger.Warningf("closeConn: error occurs when sending data back to peer, %v", e)
			break
		}
		if n == 0 {
			break
		}
		_, _ = that.OutBuffer.Discard(n)
	}

	if that.reg != nil {
		that.reg.Cancel()
	}
	if e := that.stream.Close(); e != nil {
		rerr = e
	}
	if that.onRelease != nil {
		that.onRelease(that)
	}
	if e := that.handler.OnClose(that, err); errors.Is(e, errs.ErrEngineShutdown) {
		rerr = e
	}
	that.OutBuffer.Release()
	that.Buffer = nil
	that.Ctx = nil
	return
}
