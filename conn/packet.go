package conn

import (
	"errors"
	"net"

	"github.com/eapache/queue"
	"github.com/moqsien/processes/logger"

	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/poll"
	"github.com/moqsien/gkreactor/socket"
	"github.com/moqsien/gkreactor/utils/errs"
)

// PacketConn fans the datagrams of one socket out to per-peer records. Its
// methods must be called on the goroutine polling its poller.
type PacketConn struct {
	dgram      *socket.Datagram
	poller     *poll.Poller
	reg        *poll.Registration
	handler    EventHandler
	peers      map[string]*Peer
	pending    *queue.Queue // *Peer with queued replies, in arrival order
	maxPackets int
}

// Peer is the connection record of one remote address on a PacketConn.
type Peer struct {
	pc      *PacketConn
	addr    net.Addr
	Request []byte // payload of the running OnPacket
	replies *queue.Queue
	queued  bool
	Ctx     interface{}
}

func NewPacketConn(d *socket.Datagram, poller *poll.Poller, h EventHandler, maxPackets int) *PacketConn {
	if maxPackets <= 0 {
		maxPackets = iface.DefaultMaxPacketsPerCycle
	}
	return &PacketConn{
		dgram:      d,
		poller:     poller,
		handler:    h,
		peers:      make(map[string]*Peer),
		pending:    queue.New(),
		maxPackets: maxPackets,
	}
}

// Register registers the socket for reads.
func (that *PacketConn) Register() (err error) {
	that.reg, err = that.poller.Register(that.dgram, iface.OpRead, that)
	return
}

func (that *PacketConn) Datagram() *socket.Datagram {
	return that.dgram
}

func (that *PacketConn) Registration() *poll.Registration {
	return that.reg
}

func (that *PacketConn) LocalAddr() net.Addr {
	return that.dgram.LocalAddr()
}

// Peers counts the tracked peers.
func (that *PacketConn) Peers() int {
	return len(that.peers)
}

// Peer returns the record of addr, creating it when absent.
func (that *PacketConn) Peer(addr net.Addr) *Peer {
	key := addr.String()
	p, ok := that.peers[key]
	if !ok {
		p = &Peer{pc: that, addr: addr, replies: queue.New()}
		that.peers[key] = p
	}
	return p
}

// release forgets an idle peer, one with no queued reply and no context.
func (that *PacketConn) release(p *Peer) {
	if p.queued || p.Ctx != nil {
		return
	}
	key := p.addr.String()
	if that.peers[key] == p {
		delete(that.peers, key)
	}
}

// ReadPackets receives up to the per-cycle limit of datagrams into buf and
// fires OnPacket for each of them.
func (that *PacketConn) ReadPackets(buf []byte) error {
	for i := 0; i < that.maxPackets; i++ {
		n, from, err := that.dgram.Receive(buf)
		if err != nil {
			return err
		}
		if from == nil {
			return nil
		}
		p := that.Peer(from)
		p.Request = buf[:n]
		err = that.handler.OnPacket(p)
		p.Request = nil
		if errors.Is(err, errs.ErrEngineShutdown) {
			return err
		}
		if err != nil {
			logger.Warningf("error occurs in OnPacket from %s, %v", from, err)
		}
		that.release(p)
	}
	return nil
}

// Flush sends the queued replies in order. It stops when the socket buffer
// is full and drops write interest once every reply is sent.
func (that *PacketConn) Flush() error {
	for that.pending.Length() > 0 {
		p := that.pending.Peek().(*Peer)
		for p.replies.Length() > 0 {
			b := p.replies.Peek().([]byte)
			n, err := that.dgram.Send(b, p.addr)
			if err == nil && n == 0 {
				return nil
			}
			if err != nil {
				if errors.Is(err, errs.ErrChannelClosed) {
					return err
				}
				logger.Warningf("error occurs when sending datagram to %s, %v", p.addr, err)
			}
			p.replies.Remove()
			PutBuffer(b)
		}
		p.queued = false
		that.pending.Remove()
		that.release(p)
	}
	if that.reg != nil && that.reg.IsValid() && that.reg.Interest().Has(iface.OpWrite) {
		return that.reg.RemoveInterest(iface.OpWrite)
	}
	return nil
}

// Close cancels the registration, closes the socket and forgets every peer.
func (that *PacketConn) Close() error {
	if that.reg != nil {
		that.reg.Cancel()
	}
	for that.pending.Length() > 0 {
		p := that.pending.Remove().(*Peer)
		for p.replies.Length() > 0 {
			PutBuffer(p.replies.Remove().([]byte))
		}
	}
	that.peers = make(map[string]*Peer)
	return that.dgram.Close()
}

func (that *Peer) RemoteAddr() net.Addr {
	return that.addr
}

func (that *Peer) LocalAddr() net.Addr {
	return that.pc.LocalAddr()
}

func (that *Peer) Conn() *PacketConn {
	return that.pc
}

// Pending counts the queued replies.
func (that *Peer) Pending() int {
	return that.replies.Length()
}

// Read consumes the payload of the running OnPacket.
func (that *Peer) Read(p []byte) (n int) {
	n = copy(p, that.Request)
	that.Request = that.Request[n:]
	return
}

// Write queues p as one reply datagram and asks for write readiness.
func (that *Peer) Write(p []byte) (int, error) {
	if !that.pc.dgram.IsOpen() {
		return 0, errs.ErrChannelClosed
	}
	b := GetBuffer(len(p))
	copy(b, p)
	that.replies.Add(b)
	if !that.queued {
		that.queued = true
		that.pc.pending.Add(that)
	}
	if reg := that.pc.reg; reg != nil && !reg.Interest().Has(iface.OpWrite) {
		if err := reg.AddInterest(iface.OpWrite); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (that *Peer) asyncWrite(arg iface.PollTaskArg) error {
	_, err := that.Write(arg.([]byte))
	return err
}

// AsyncWrite is Write for goroutines other than the loop's.
func (that *Peer) AsyncWrite(data []byte) error {
	return that.pc.poller.AddTask(that.asyncWrite, data)
}
