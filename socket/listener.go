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

// Listener is a TCP listening socket. It only supports iface.OpAccept.
type Listener struct {
	channel
}

// OpenListener opens an unbound listener in blocking mode. network is "tcp",
// "tcp4" or "tcp6"; "tcp" means IPv4.
func OpenListener(network string) (*Listener, error) {
	l := &Listener{}
	if err := l.open(network, iface.KindListener); err != nil {
		return nil, err
	}
	return l, nil
}

// Listen opens, configures and binds a listener in one go.
func Listen(network string, addr net.Addr, opts *iface.Options) (l *Listener, err error) {
	if l, err = OpenListener(network); err != nil {
		return nil, err
	}
	if opts != nil {
		if err = l.SetReuseAddr(opts.ReuseAddr); err == nil && opts.ReusePort {
			err = l.SetReusePort(true)
		}
		if err == nil && opts.SocketReadBuffer > 0 {
			err = l.SetReadBuffer(opts.SocketReadBuffer)
		}
	}
	if err == nil {
		err = l.Bind(addr)
	}
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// SetReuseAddr only has an effect before Bind.
func (that *Listener) SetReuseAddr(on bool) error {
	that.mu.Lock()
	defer that.mu.Unlock()
	switch that.state {
	case stateClosed:
		return errs.ErrChannelClosed
	case stateUnbound:
		return sys.SetReuseAddr(that.fd, on)
	}
	return nil
}

// SetReusePort only has an effect before Bind.
func (that *Listener) SetReusePort(on bool) error {
	that.mu.Lock()
	defer that.mu.Unlock()
	switch that.state {
	case stateClosed:
		return errs.ErrChannelClosed
	case stateUnbound:
		return sys.SetReusePort(that.fd, on)
	}
	return nil
}

// Bind binds to addr, nil meaning the wildcard address with an ephemeral
// port, and starts listening.
func (that *Listener) Bind(addr net.Addr) error {
	return that.BindBacklog(addr, iface.DefaultBacklog)
}

func (that *Listener) BindBacklog(addr net.Addr, backlog int) error {
	that.mu.Lock()
	defer that.mu.Unlock()
	if err := that.bindLocked(addr); err != nil {
		return err
	}
	if err := unix.Listen(that.fd, backlog); err != nil {
		that.local = nil
		return utils.SysError("listen", err)
	}
	that.state = stateBound
	return nil
}

// Accept returns the next pending connection as a connected Stream in
// blocking mode. In non-blocking mode it returns nil, nil when nothing is
// pending.
func (that *Listener) Accept() (*Stream, error) {
	that.mu.Lock()
	if that.state == stateClosed {
		that.mu.Unlock()
		return nil, errs.ErrChannelClosed
	}
	if that.state != stateBound {
		that.mu.Unlock()
		return nil, errs.ErrNotBound
	}
	fd, family := that.fd, that.family
	that.mu.Unlock()

	nfd, sa, err := sys.Accept(fd)
	switch {
	case err == nil:
	case err == sys.EAGAIN:
		return nil, nil
	case sys.IsExhausted(err):
		return nil, fmt.Errorf("%w: %w", errs.ErrResourceExhausted, utils.SysError("accept", err))
	default:
		if !that.IsOpen() {
			return nil, errs.ErrChannelClosed
		}
		return nil, utils.SysError("accept", err)
	}

	s := &Stream{}
	s.fd, s.kind, s.family, s.blocking = nfd, iface.KindStream, family, true
	s.state = stateConnected
	s.remote = fromSockaddr(sa, iface.KindStream)
	if err = s.updateLocalLocked(); err != nil {
		_ = sys.CloseFd(nfd)
		return nil, err
	}
	return s, nil
}
