package socket

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/moqsien/gkreactor/iface"
	"github.com/moqsien/gkreactor/sys"
	"github.com/moqsien/gkreactor/utils"
	"github.com/moqsien/gkreactor/utils/errs"
)

// Datagram is a UDP socket. It supports iface.OpRead and iface.OpWrite.
type Datagram struct {
	channel
}

// OpenDatagram opens an unbound datagram socket in blocking mode. network is
// "udp", "udp4" or "udp6"; "udp" means IPv4.
func OpenDatagram(network string) (*Datagram, error) {
	d := &Datagram{}
	if err := d.open(network, iface.KindDatagram); err != nil {
		return nil, err
	}
	return d, nil
}

// ListenDatagram opens, configures and binds a datagram socket in one go.
func ListenDatagram(network string, addr net.Addr, opts *iface.Options) (d *Datagram, err error) {
	if d, err = OpenDatagram(network); err != nil {
		return nil, err
	}
	if opts != nil {
		if err = d.SetReuseAddr(opts.ReuseAddr); err == nil && opts.SocketReadBuffer > 0 {
			err = d.SetReadBuffer(opts.SocketReadBuffer)
		}
		if err == nil && opts.SocketWriteBuffer > 0 {
			err = d.SetWriteBuffer(opts.SocketWriteBuffer)
		}
	}
	if err == nil {
		err = d.Bind(addr)
	}
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

// SetReuseAddr only has an effect before Bind.
func (that *Datagram) SetReuseAddr(on bool) error {
	that.mu.Lock()
	defer that.mu.Unlock()
	switch {
	case that.state == stateClosed:
		return errs.ErrChannelClosed
	case that.local == nil:
		return sys.SetReuseAddr(that.fd, on)
	}
	return nil
}

// Bind binds to addr, nil meaning the wildcard address with an ephemeral port.
func (that *Datagram) Bind(addr net.Addr) error {
	that.mu.Lock()
	defer that.mu.Unlock()
	if err := that.bindLocked(addr); err != nil {
		return err
	}
	that.state = stateBound
	return nil
}

// Receive reads one datagram into p. from is nil when nothing is pending in
// non-blocking mode. Bytes past len(p) are discarded by the kernel.
func (that *Datagram) Receive(p []byte) (n int, from net.Addr, err error) {
	fd, err := that.openFd()
	if err != nil {
		return 0, nil, err
	}
	for {
		var sa unix.Sockaddr
		n, sa, err = unix.Recvfrom(fd, p, 0)
		switch {
		case err == sys.EINTR:
			continue
		case err == sys.EAGAIN:
			return 0, nil, nil
		case err != nil:
			return 0, nil, utils.SysError("recvfrom", err)
		}
		return n, fromSockaddr(sa, iface.KindDatagram), nil
	}
}

// Send transmits p to addr as one datagram. It returns 0, nil when the
// socket buffer is full in non-blocking mode. Delivery is not guaranteed.
func (that *Datagram) Send(p []byte, addr net.Addr) (int, error) {
	if addr == nil {
		return 0, fmt.Errorf("%w: nil destination", errs.ErrUnsupportedAddr)
	}
	fd, err := that.openFd()
	if err != nil {
		return 0, err
	}
	sa, err := toSockaddr(that.family, addr)
	if err != nil {
		return 0, err
	}
	for {
		if err = unix.Sendto(fd, p, 0, sa); err != sys.EINTR {
			break
		}
	}
	switch {
	case err == sys.EAGAIN:
		return 0, nil
	case err != nil:
		return 0, utils.SysError("sendto", err)
	}
	that.mu.Lock()
	if that.state == stateUnbound && that.local == nil {
		// the kernel bound the socket implicitly
		if that.updateLocalLocked() == nil {
			that.state = stateBound
		}
	}
	that.mu.Unlock()
	return len(p), nil
}
